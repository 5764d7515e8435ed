package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/analysis"
	"oi-watchdog/api"
	"oi-watchdog/buckets"
	"oi-watchdog/cache"
	"oi-watchdog/config"
	"oi-watchdog/database"
	signalrepo "oi-watchdog/database/signals"
	triggerrepo "oi-watchdog/database/triggers"
	"oi-watchdog/engine"
	"oi-watchdog/gateway"
	"oi-watchdog/market"
	"oi-watchdog/metrics"
	"oi-watchdog/notify"
	"oi-watchdog/providers"
	"oi-watchdog/realtime"
	"oi-watchdog/state"
	"oi-watchdog/triggers"
)

const shutdownTimeout = 10 * time.Second

// App owns the full component graph and its lifecycle.
type App struct {
	config *config.Config

	db        *database.Database
	redis     *cache.RedisClient
	registry  *triggers.Registry
	pipeline  *notify.Pipeline
	evaluator *engine.Evaluator
	gw        *gateway.Gateway
	apiServer *api.Server
	broker    *realtime.Broker
}

// New creates the application shell; components come up in Start.
func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

// Start brings the system up: store, cache, aggregation, providers,
// evaluator, pipeline, API. Blocks until an interrupt, then shuts down
// within the timeout.
func (a *App) Start() error {
	// 1. Database
	log.Info().Msg("🗄️  Connecting to database...")
	dbPort, err := strconv.Atoi(a.config.DatabasePort)
	if err != nil {
		return fmt.Errorf("invalid database port: %w", err)
	}
	db, err := database.Connect(
		a.config.DatabaseHost,
		dbPort,
		a.config.DatabaseName,
		a.config.DatabaseUser,
		a.config.DatabasePassword,
	)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.db = db

	// 2. Redis (optional)
	log.Info().Msg("🧠 Connecting to Redis...")
	a.redis = cache.NewRedisClient(
		a.config.RedisHost,
		a.config.RedisPort,
		a.config.RedisPassword,
	)

	// 3. Repositories and the trigger registry
	signals := signalrepo.NewRepository(a.db)
	if err := signals.Init(); err != nil {
		return fmt.Errorf("signal store init failed: %w", err)
	}
	a.registry = triggers.NewRegistry(triggerrepo.NewRepository(a.db), a.redis)
	if err := a.registry.Init(); err != nil {
		return fmt.Errorf("trigger registry init failed: %w", err)
	}

	// 4. Aggregation stores and metric calculator
	agg := a.config.Aggregation
	stateMgr := state.NewManager(agg.MaxTrackedSymbols)
	store := buckets.NewStore(agg.Max15sBuckets, agg.MaxMinuteBuckets, stateMgr.IncrementOutOfOrder)
	calc := metrics.NewCalculator(store, stateMgr, agg.FallbackShiftMultiplier)

	// 5. Notification pipeline
	var sink notify.Sink = notify.LogSink{}
	if a.config.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(a.config.Notify.WebhookURL, a.config.Notify.WebhookToken)
	}
	a.pipeline = notify.NewPipeline(sink, a.redis)
	a.pipeline.Start()
	cooldowns := notify.NewCooldownPolicy(a.config.Notify.BackoffEnabled)

	// 6. Trigger evaluator
	eng := a.config.Engine
	a.evaluator = engine.NewEvaluator(engine.Config{
		FlushInterval:     time.Duration(eng.FlushMs) * time.Millisecond,
		BatchSize:         eng.BatchProcessingSize,
		MetricCacheTTL:    time.Duration(eng.MetricCacheTTLMs) * time.Millisecond,
		MinCheckInterval:  time.Duration(eng.MinCheckIntervalMs) * time.Millisecond,
		DebounceThreshold: eng.DebounceThreshold,
	}, a.registry, calc, signals, a.pipeline, cooldowns)

	if a.config.AnalysisFilterEnabled {
		a.evaluator.SetFilter(analysis.NewFilter(store))
		log.Info().Msg("Decision-analysis filter ENABLED")
	}

	a.broker = realtime.NewBroker()
	go a.broker.Run()
	a.evaluator.OnSignal(func(s *database.Signal) {
		a.broker.Broadcast("signal", s)
	})
	a.evaluator.Start()

	// 7. Ingestion gateway and venue providers
	a.gw = gateway.New(stateMgr, store, a.evaluator, time.Duration(agg.SymbolCheckIntervalMs)*time.Millisecond)
	a.registerProviders()

	if err := a.gw.Connect(); err != nil {
		// Keep running with zero feeds; health reports the outage.
		log.Warn().Err(err).Msg("No venue feeds connected")
	}

	// 8. API server
	a.apiServer = api.NewServer(a.gw, a.registry, signals, a.pipeline, a.broker)
	a.apiServer.Start(a.config.APIPort)

	return a.waitForShutdown()
}

// registerProviders builds each configured venue feed, falling back to
// the default provider when none can be built.
func (a *App) registerProviders() {
	registered := 0
	for _, spec := range a.config.Providers {
		p, err := a.buildProvider(spec)
		if err != nil {
			log.Warn().Err(err).Str("exchange", spec.Exchange).Msg("Provider not available")
			continue
		}
		a.gw.RegisterProvider(p)
		registered++
	}
	if registered == 0 {
		log.Warn().Msg("No providers built, registering default")
		if p, err := a.buildProvider(config.DefaultProvider()); err == nil {
			a.gw.RegisterProvider(p)
		}
	}
}

func (a *App) buildProvider(spec config.ProviderSpec) (market.Provider, error) {
	if spec.MarketType != market.Futures {
		log.Warn().Str("exchange", spec.Exchange).Msg("Spot feeds carry no open interest, using derivatives feed")
	}
	minNotional := a.config.Aggregation.MinQuoteNotional
	switch spec.Exchange {
	case "binance":
		return providers.NewBinanceFutures(minNotional), nil
	case "bybit":
		return providers.NewBybitLinear(), nil
	case "okx":
		return providers.NewOKXSwap(), nil
	case "hybrid":
		// Binance trade stream for price/volume, Bybit tickers for OI.
		return providers.NewHybrid(providers.NewBinanceFutures(minNotional), providers.NewBybitLinear()), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", spec.Exchange)
	}
}

// waitForShutdown blocks on SIGINT/SIGTERM and tears the system down
// within the shutdown timeout.
func (a *App) waitForShutdown() error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	log.Info().Msg("🛑 Shutdown signal received, initiating graceful shutdown...")

	done := make(chan struct{})
	go func() {
		defer close(done)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.apiServer != nil {
			if err := a.apiServer.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("API server shutdown failed")
			}
		}
		if a.gw != nil {
			a.gw.Disconnect()
		}
		if a.evaluator != nil {
			a.evaluator.Stop()
		}
		if a.pipeline != nil {
			a.pipeline.Stop()
		}
		if a.redis != nil {
			_ = a.redis.Close()
		}
		if a.db != nil {
			_ = a.db.Close()
		}
	}()

	select {
	case <-done:
		log.Info().Msg("✅ Graceful shutdown complete")
	case <-time.After(shutdownTimeout):
		log.Warn().Msg("Shutdown timeout exceeded, exiting")
	}
	return nil
}
