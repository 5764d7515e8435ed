package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"oi-watchdog/market"
)

// ProviderSpec names one venue feed to bring up.
type ProviderSpec struct {
	Exchange   string
	MarketType market.MarketType
}

// Config holds application configuration.
type Config struct {
	Providers []ProviderSpec

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPassword string
	RedisPort     string

	// Aggregation configuration
	Aggregation AggregationConfig

	// Trigger engine configuration
	Engine EngineConfig

	// Notification configuration
	Notify NotifyConfig

	APIPort               int
	AnalysisFilterEnabled bool
}

// AggregationConfig bounds the in-memory market state.
type AggregationConfig struct {
	MaxTrackedSymbols       int
	MaxMinuteBuckets        int
	Max15sBuckets           int
	FallbackShiftMultiplier int
	SymbolCheckIntervalMs   int
	MinQuoteNotional        float64
}

// EngineConfig holds the evaluator's timing knobs.
type EngineConfig struct {
	BatchProcessingSize int
	FlushMs             int
	MetricCacheTTLMs    int
	MinCheckIntervalMs  int
	DebounceThreshold   int
}

// NotifyConfig holds the outbound pipeline settings.
type NotifyConfig struct {
	WebhookURL     string
	WebhookToken   string
	BackoffEnabled bool
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using environment variables")
	}

	setupLogging()

	return &Config{
		Providers: parseProviders(),

		// Database configuration
		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "oi_watchdog"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "watchdog"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "watchdog123"),

		// Redis configuration
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		Aggregation: AggregationConfig{
			MaxTrackedSymbols:       getEnvInt("MAX_TRACKED_SYMBOLS", 2000),
			MaxMinuteBuckets:        getEnvInt("MAX_MINUTE_BUCKETS", 70),
			Max15sBuckets:           getEnvInt("MAX_15S_BUCKETS", 300),
			FallbackShiftMultiplier: getEnvInt("FALLBACK_SHIFT_MULTIPLIER", 2),
			SymbolCheckIntervalMs:   getEnvInt("SYMBOL_CHECK_INTERVAL", 5000),
			MinQuoteNotional:        getEnvFloat("MIN_QUOTE_NOTIONAL", 250),
		},

		Engine: EngineConfig{
			BatchProcessingSize: getEnvInt("BATCH_PROCESSING_SIZE", 10),
			FlushMs:             getEnvInt("TRIGGER_ENGINE_FLUSH_MS", 200),
			MetricCacheTTLMs:    getEnvInt("TRIGGER_ENGINE_METRIC_CACHE_TTL_MS", 500),
			MinCheckIntervalMs:  getEnvInt("MIN_CHECK_INTERVAL_MS", 1000),
			DebounceThreshold:   getEnvInt("TRIGGER_ENGINE_DEBOUNCE_THRESHOLD", 3),
		},

		Notify: NotifyConfig{
			WebhookURL:     getEnvOrDefault("ALERT_WEBHOOK_URL", ""),
			WebhookToken:   getEnvOrDefault("ALERT_WEBHOOK_TOKEN", ""),
			BackoffEnabled: getEnvOrDefault("NOTIFICATION_BACKOFF_ENABLED", "false") == "true",
		},

		APIPort:               getEnvInt("API_PORT", 8080),
		AnalysisFilterEnabled: getEnvOrDefault("ANALYSIS_FILTER_ENABLED", "false") == "true",
	}
}

// DefaultProvider is the feed used when MARKET_DATA_PROVIDERS parses to
// nothing usable.
func DefaultProvider() ProviderSpec {
	return ProviderSpec{Exchange: "binance", MarketType: market.Futures}
}

// parseProviders reads MARKET_DATA_PROVIDERS. Each entry is an exchange
// name, optionally with an inline market type ("binance:futures"). The
// market type otherwise comes from <EXCHANGE>_MARKET_TYPE, then the
// global MARKET_TYPE.
func parseProviders() []ProviderSpec {
	raw := getEnvOrDefault("MARKET_DATA_PROVIDERS", "binance:futures")
	globalType := market.ParseMarketType(getEnvOrDefault("MARKET_TYPE", "spot"))

	var out []ProviderSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(strings.ToLower(entry))
		if entry == "" {
			continue
		}

		exchange := entry
		mt := market.MarketType("")
		if idx := strings.IndexByte(entry, ':'); idx >= 0 {
			exchange = entry[:idx]
			mt = market.ParseMarketType(entry[idx+1:])
		}
		if exchange == "" {
			continue
		}
		if mt == "" {
			if override := os.Getenv(strings.ToUpper(exchange) + "_MARKET_TYPE"); override != "" {
				mt = market.ParseMarketType(override)
			} else {
				mt = globalType
			}
		}

		key := exchange + ":" + string(mt)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ProviderSpec{Exchange: exchange, MarketType: mt})
	}

	if len(out) == 0 {
		log.Warn().Str("raw", raw).Msg("No usable providers configured, falling back to default")
		out = []ProviderSpec{DefaultProvider()}
	}
	return out
}

// setupLogging configures the global level from LOG_LEVEL and DEBUG.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level := zerolog.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	if getEnvOrDefault("DEBUG", "false") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

// getEnvInt gets environment variable as int or returns default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
