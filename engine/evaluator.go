package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/database"
	"oi-watchdog/metrics"
)

const (
	housekeepingInterval = 10 * time.Minute
	safetyTickInterval   = 5 * time.Second
	safetyTickHorizon    = 5 * time.Minute
	checkMaxIdle         = 30 * time.Minute
	maxBackoffExp        = 8
)

// Config holds the evaluator's timing knobs.
type Config struct {
	FlushInterval     time.Duration // debounce window before a batch runs
	BatchSize         int           // pending symbols evaluated per flush
	MetricCacheTTL    time.Duration
	MinCheckInterval  time.Duration // base of the per-check rate gate
	DebounceThreshold int           // fire count where backoff kicks in
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:     200 * time.Millisecond,
		BatchSize:         10,
		MetricCacheTTL:    500 * time.Millisecond,
		MinCheckInterval:  time.Second,
		DebounceThreshold: 3,
	}
}

type checkKey struct {
	triggerID string
	symbol    string
}

type checkState struct {
	lastCheck time.Time
	fireCount int
	inFlight  bool
}

type metricCacheKey struct {
	symbol          string
	intervalMinutes int
}

type cachedMetrics struct {
	m     *metrics.Metrics
	price float64
	at    time.Time
}

// TriggerSource supplies the active trigger snapshot per flush.
type TriggerSource interface {
	GetAllActive() []database.Trigger
}

// MetricSource answers window queries; nil means warmup or no data.
type MetricSource interface {
	MetricChanges(symbol string, intervalMinutes int) *metrics.Metrics
}

// SignalStore persists fired signals and their rolling counts.
type SignalStore interface {
	Save(signal *database.Signal) error
	Count24h(triggerID, symbol string) (int64, error)
}

// Enqueuer accepts rendered messages for delivery.
type Enqueuer interface {
	Enqueue(chatID int64, text string, signal *database.Signal, triggerIntervalMinutes int) bool
}

// CooldownGate suppresses repeat fires per (user, symbol).
type CooldownGate interface {
	InCooldown(userID int64, symbol string, baseSeconds int, now time.Time) bool
	RecordFire(userID int64, symbol string, baseSeconds int, now time.Time)
	Purge(now time.Time) int
}

type lastSeenEntry struct {
	price float64
	at    time.Time
}

// Evaluator joins symbol updates against the active trigger set. Updates
// are debounced into batches; each (trigger, symbol) pair is rate gated
// with exponential backoff once it keeps firing. A periodic safety tick
// re-evaluates recently active symbols whose feed has gone quiet.
type Evaluator struct {
	cfg       Config
	registry  TriggerSource
	calc      MetricSource
	signals   SignalStore
	pipeline  Enqueuer
	cooldowns CooldownGate
	filter    SignalFilter           // optional, nil passes everything
	onSignal  func(*database.Signal) // optional fan-out hook

	mu          sync.Mutex
	pending     map[string]float64
	lastSeen    map[string]lastSeenEntry
	flushTimer  *time.Timer
	checks      map[checkKey]*checkState
	metricCache map[metricCacheKey]cachedMetrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewEvaluator wires the evaluator to its collaborators.
func NewEvaluator(cfg Config, registry TriggerSource, calc MetricSource, signals SignalStore, pipeline Enqueuer, cooldowns CooldownGate) *Evaluator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.MinCheckInterval <= 0 {
		cfg.MinCheckInterval = time.Second
	}
	if cfg.MetricCacheTTL <= 0 {
		cfg.MetricCacheTTL = 500 * time.Millisecond
	}
	if cfg.DebounceThreshold <= 0 {
		cfg.DebounceThreshold = 3
	}
	return &Evaluator{
		cfg:         cfg,
		registry:    registry,
		calc:        calc,
		signals:     signals,
		pipeline:    pipeline,
		cooldowns:   cooldowns,
		pending:     make(map[string]float64),
		lastSeen:    make(map[string]lastSeenEntry),
		checks:      make(map[checkKey]*checkState),
		metricCache: make(map[metricCacheKey]cachedMetrics),
		now:         time.Now,
	}
}

// SignalFilter vetoes fired signals before they reach the queue.
type SignalFilter interface {
	Allow(symbol string, m *metrics.Metrics) bool
}

// SetFilter installs an optional post-fire decision filter.
func (e *Evaluator) SetFilter(f SignalFilter) {
	e.filter = f
}

// OnSignal registers a hook invoked after each persisted signal.
func (e *Evaluator) OnSignal(fn func(*database.Signal)) {
	e.onSignal = fn
}

// SetNowFunc overrides the clock for tests.
func (e *Evaluator) SetNowFunc(fn func() time.Time) {
	e.now = fn
}

// Start launches the safety tick and housekeeping loops.
func (e *Evaluator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		safety := time.NewTicker(safetyTickInterval)
		defer safety.Stop()
		housekeep := time.NewTicker(housekeepingInterval)
		defer housekeep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-safety.C:
				e.safetyTick()
			case <-housekeep.C:
				e.housekeeping()
			}
		}
	}()
	log.Info().Msg("Trigger evaluator started")
}

// Stop cancels timers and discards pending work and caches.
func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.pending = make(map[string]float64)
	e.lastSeen = make(map[string]lastSeenEntry)
	e.metricCache = make(map[metricCacheKey]cachedMetrics)
	e.mu.Unlock()
	log.Info().Msg("Trigger evaluator stopped")
}

// OnPriceUpdate records a symbol update and arms the flush timer. Called
// by the ingestion gateway on every accepted update.
func (e *Evaluator) OnPriceUpdate(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending[symbol] = price
	e.lastSeen[symbol] = lastSeenEntry{price: price, at: e.now()}
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.cfg.FlushInterval, e.flush)
	} else {
		e.flushTimer.Reset(e.cfg.FlushInterval)
	}
}

// safetyTick re-enqueues recently active symbols so a quiet feed cannot
// leave a moving trailing window unevaluated. Symbols idle past the
// horizon are dropped from the recheck set.
func (e *Evaluator) safetyTick() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	armed := false
	for symbol, seen := range e.lastSeen {
		if now.Sub(seen.at) > safetyTickHorizon {
			delete(e.lastSeen, symbol)
			continue
		}
		if _, ok := e.pending[symbol]; ok {
			continue
		}
		e.pending[symbol] = seen.price
		armed = true
	}
	if armed {
		if e.flushTimer == nil {
			e.flushTimer = time.AfterFunc(e.cfg.FlushInterval, e.flush)
		} else {
			e.flushTimer.Reset(e.cfg.FlushInterval)
		}
	}
}

// flush takes one batch of pending symbols and evaluates the active
// trigger set against each.
func (e *Evaluator) flush() {
	e.mu.Lock()
	batch := make(map[string]float64, e.cfg.BatchSize)
	for symbol, price := range e.pending {
		batch[symbol] = price
		delete(e.pending, symbol)
		if len(batch) >= e.cfg.BatchSize {
			break
		}
	}
	if len(e.pending) > 0 && e.flushTimer != nil {
		e.flushTimer.Reset(e.cfg.FlushInterval)
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	active := e.registry.GetAllActive()
	if len(active) == 0 {
		return
	}

	for symbol, price := range batch {
		for i := range active {
			e.evaluate(&active[i], symbol, price)
		}
	}
}

// evaluate runs one (trigger, symbol) check through the rate gate, the
// metric cache, and the fire decision.
func (e *Evaluator) evaluate(trigger *database.Trigger, symbol string, priceNow float64) {
	key := checkKey{triggerID: trigger.ID, symbol: symbol}
	now := e.now()

	e.mu.Lock()
	st, ok := e.checks[key]
	if !ok {
		st = &checkState{}
		e.checks[key] = st
	}
	if st.inFlight || now.Sub(st.lastCheck) < e.dynamicInterval(st.fireCount) {
		e.mu.Unlock()
		return
	}
	st.inFlight = true
	st.lastCheck = now
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		st.inFlight = false
		e.mu.Unlock()
	}()

	m := e.cachedMetricChanges(symbol, trigger.TimeIntervalMinutes, trigger.OIChangePercent, priceNow, now)
	if m == nil {
		e.clearFireCount(key)
		return
	}

	fired := false
	switch trigger.Direction {
	case database.DirectionUp:
		fired = m.OIChangePercent >= trigger.OIChangePercent
	case database.DirectionDown:
		fired = m.OIChangePercent <= -trigger.OIChangePercent
	}
	if !fired {
		e.clearFireCount(key)
		return
	}

	e.mu.Lock()
	st.fireCount++
	e.mu.Unlock()

	if e.cooldowns.InCooldown(trigger.UserID, symbol, trigger.NotificationLimitSeconds, now) {
		return
	}
	e.fire(trigger, symbol, m, now)
}

// fire persists the signal, stamps its rolling number, and hands the
// rendered message to the pipeline. The analysis filter suppresses only
// the delivery; the signal record and the cooldown stamp always land.
func (e *Evaluator) fire(trigger *database.Trigger, symbol string, m *metrics.Metrics, now time.Time) {
	prior, err := e.signals.Count24h(trigger.ID, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Signal count lookup failed")
		prior = 0
	}

	signal := &database.Signal{
		TriggerID:          trigger.ID,
		UserID:             trigger.UserID,
		Symbol:             symbol,
		SignalNumber:       int(prior) + 1,
		OIChangePercent:    m.OIChangePercent,
		PriceChangePercent: m.PriceChangePercent,
		CurrentPrice:       m.CurrentPrice,
	}
	if err := e.signals.Save(signal); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Signal persist failed")
		return
	}

	e.cooldowns.RecordFire(trigger.UserID, symbol, trigger.NotificationLimitSeconds, now)

	if e.filter != nil && !e.filter.Allow(symbol, m) {
		log.Debug().Str("symbol", symbol).Msg("Signal delivery suppressed by analysis filter")
	} else {
		text := renderMessage(signal, trigger.TimeIntervalMinutes)
		if !e.pipeline.Enqueue(trigger.UserID, text, signal, trigger.TimeIntervalMinutes) {
			log.Debug().Str("symbol", symbol).Msg("Signal message not enqueued")
		}
	}
	if e.onSignal != nil {
		e.onSignal(signal)
	}

	log.Info().
		Str("symbol", symbol).
		Str("trigger_id", trigger.ID).
		Float64("oi_change_pct", m.OIChangePercent).
		Int("signal_number", signal.SignalNumber).
		Msg("🚨 Trigger fired")
}

func (e *Evaluator) clearFireCount(key checkKey) {
	e.mu.Lock()
	if st, ok := e.checks[key]; ok {
		st.fireCount = 0
	}
	e.mu.Unlock()
}

// dynamicInterval widens the rate gate once a check keeps firing: base
// interval below the threshold, then doubling per extra fire, capped at
// base * 2^8.
func (e *Evaluator) dynamicInterval(fireCount int) time.Duration {
	if fireCount < e.cfg.DebounceThreshold {
		return e.cfg.MinCheckInterval
	}
	exp := fireCount - e.cfg.DebounceThreshold + 1
	if exp > maxBackoffExp {
		exp = maxBackoffExp
	}
	return e.cfg.MinCheckInterval * time.Duration(int64(1)<<exp)
}

// cachedMetricChanges serves metrics from the short-lived cache, dropping
// the entry early when the price has moved enough to matter relative to
// the trigger's threshold.
func (e *Evaluator) cachedMetricChanges(symbol string, intervalMinutes int, threshold, priceNow float64, now time.Time) *metrics.Metrics {
	key := metricCacheKey{symbol: symbol, intervalMinutes: intervalMinutes}

	e.mu.Lock()
	if entry, ok := e.metricCache[key]; ok && now.Sub(entry.at) < e.cfg.MetricCacheTTL {
		fresh := true
		if priceNow > 0 {
			drift := math.Abs(priceNow-entry.price) / priceNow
			if drift > math.Max(threshold/200, 0.005) {
				fresh = false
			}
		}
		if fresh {
			e.mu.Unlock()
			return entry.m
		}
		delete(e.metricCache, key)
	}
	e.mu.Unlock()

	m := e.calc.MetricChanges(symbol, intervalMinutes)
	if m == nil {
		return nil
	}

	e.mu.Lock()
	e.metricCache[key] = cachedMetrics{m: m, price: priceNow, at: now}
	e.mu.Unlock()
	return m
}

// housekeeping drops stale check entries and aged cooldown stamps.
func (e *Evaluator) housekeeping() {
	now := e.now()

	e.mu.Lock()
	purged := 0
	for key, st := range e.checks {
		if !st.inFlight && now.Sub(st.lastCheck) > checkMaxIdle {
			delete(e.checks, key)
			purged++
		}
	}
	e.mu.Unlock()

	stamps := e.cooldowns.Purge(now)
	if purged > 0 || stamps > 0 {
		log.Debug().Int("checks", purged).Int("cooldowns", stamps).Msg("Evaluator housekeeping")
	}
}

// renderMessage formats the chat text for one fired signal.
func renderMessage(signal *database.Signal, intervalMinutes int) string {
	var b strings.Builder

	direction := "📈"
	if signal.OIChangePercent < 0 {
		direction = "📉"
	}
	fmt.Fprintf(&b, "%s %s OI %+.2f%% over %dm (signal #%d)", direction, signal.Symbol, signal.OIChangePercent, intervalMinutes, signal.SignalNumber)
	if signal.CurrentPrice != nil {
		fmt.Fprintf(&b, "\nPrice: %.6g", *signal.CurrentPrice)
		if signal.PriceChangePercent != nil {
			fmt.Fprintf(&b, " (%+.2f%%)", *signal.PriceChangePercent)
		}
	}
	return b.String()
}
