package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/buckets"
	"oi-watchdog/market"
	"oi-watchdog/state"
)

const healthSnapshotEvery = 5 * time.Minute

// SymbolNotifier receives the affected symbol after every routed update.
// The trigger evaluator implements this to arm its debounce.
type SymbolNotifier interface {
	OnPriceUpdate(symbol string, price float64)
}

// Gateway fans all registered providers into the aggregation stores and
// owns the periodic maintenance and health snapshot loops.
type Gateway struct {
	mu        sync.RWMutex
	providers []market.Provider

	state    *state.Manager
	store    *buckets.Store
	notifier SymbolNotifier

	checkInterval time.Duration

	updates int64
	dropped int64
	statsMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a gateway over the shared stores. checkInterval paces the
// symbol maintenance tick and is floored at 5 s.
func New(st *state.Manager, store *buckets.Store, notifier SymbolNotifier, checkInterval time.Duration) *Gateway {
	if checkInterval < 5*time.Second {
		checkInterval = 5 * time.Second
	}
	return &Gateway{
		state:         st,
		store:         store,
		notifier:      notifier,
		checkInterval: checkInterval,
	}
}

// RegisterProvider adds a provider and routes its updates into the stores.
func (g *Gateway) RegisterProvider(p market.Provider) {
	p.OnUpdate(g.route)
	g.mu.Lock()
	g.providers = append(g.providers, p)
	g.mu.Unlock()
	log.Info().Str("provider", p.ID()).Msg("Provider registered")
}

// Connect starts all providers concurrently, then subscribes each
// connected provider to its full symbol catalog. At least one successful
// connection counts as success; failed providers are reported and skipped.
func (g *Gateway) Connect() error {
	g.mu.RLock()
	providers := append([]market.Provider(nil), g.providers...)
	g.mu.RUnlock()

	if len(providers) == 0 {
		return fmt.Errorf("no providers registered")
	}

	var wg sync.WaitGroup
	results := make([]error, len(providers))
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p market.Provider) {
			defer wg.Done()
			results[i] = p.Connect()
		}(i, p)
	}
	wg.Wait()

	connected := 0
	for i, err := range results {
		if err != nil {
			log.Error().Err(err).Str("provider", providers[i].ID()).Msg("Provider connect failed")
			continue
		}
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("all %d providers failed to connect", len(providers))
	}

	for i, p := range providers {
		if results[i] != nil {
			continue
		}
		symbols := p.AvailableSymbols()
		if len(symbols) == 0 {
			log.Warn().Str("provider", p.ID()).Msg("Provider catalog empty, nothing to subscribe")
			continue
		}
		if err := p.Subscribe(symbols); err != nil {
			log.Error().Err(err).Str("provider", p.ID()).Msg("Catalog subscription failed")
			continue
		}
		log.Info().Str("provider", p.ID()).Int("symbols", len(symbols)).Msg("Subscribed to catalog")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(2)
	go g.runMaintenance(ctx)
	go g.runHealthSnapshots(ctx)

	log.Info().Int("connected", connected).Int("registered", len(providers)).Msg("Ingestion gateway started")
	return nil
}

// Disconnect stops all providers concurrently and cancels the loops.
func (g *Gateway) Disconnect() {
	if g.cancel != nil {
		g.cancel()
	}

	g.mu.RLock()
	providers := append([]market.Provider(nil), g.providers...)
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p market.Provider) {
			defer wg.Done()
			if err := p.Disconnect(); err != nil {
				log.Warn().Err(err).Str("provider", p.ID()).Msg("Provider disconnect error")
			}
		}(p)
	}
	wg.Wait()
	g.wg.Wait()
	log.Info().Msg("Ingestion gateway stopped")
}

// ActiveProviders returns the providers that currently hold a connection.
func (g *Gateway) ActiveProviders() []market.Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]market.Provider, 0, len(g.providers))
	for _, p := range g.providers {
		if p.IsConnected() {
			out = append(out, p)
		}
	}
	return out
}

// ProvidersHealth snapshots every registered provider.
func (g *Gateway) ProvidersHealth() []market.HealthStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]market.HealthStatus, 0, len(g.providers))
	for _, p := range g.providers {
		out = append(out, p.HealthStatus())
	}
	return out
}

// Stats reports routed and dropped update counts.
func (g *Gateway) Stats() (updates, dropped int64) {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.updates, g.dropped
}

// route validates one normalized update and writes it into market state
// and the bucket store, then pokes the evaluator.
func (g *Gateway) route(u *market.Update) {
	if u == nil || u.Timestamp <= 0 || !market.ValidSymbol(u.Symbol) {
		g.statsMu.Lock()
		g.dropped++
		g.statsMu.Unlock()
		return
	}

	// Last known values become the fallbacks seeding newly created buckets.
	var priceFallback, oiFallback *float64
	if v, ok := g.state.GetPrice(u.Symbol); ok {
		priceFallback = &v
	}
	if v, ok := g.state.GetOI(u.Symbol); ok {
		oiFallback = &v
	}

	g.state.Update(u.Symbol, u.Timestamp, u.Price, u.OpenInterest)
	g.store.AddPoint(u.Symbol, u, priceFallback, oiFallback)

	g.statsMu.Lock()
	g.updates++
	g.statsMu.Unlock()

	if g.notifier != nil {
		price, _ := g.state.GetPrice(u.Symbol)
		g.notifier.OnPriceUpdate(u.Symbol, price)
	}
}

func (g *Gateway) runMaintenance(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.state.Maintenance(time.Now(), g.store.CleanupSymbol)
		}
	}
}

func (g *Gateway) runHealthSnapshots(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(healthSnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updates, dropped := g.Stats()
			for _, h := range g.ProvidersHealth() {
				log.Info().
					Str("provider", h.ProviderID).
					Str("state", string(h.State)).
					Int64("messages", h.MessageCount).
					Int64("errors", h.ErrorCount).
					Int("subscribed", h.Subscribed).
					Msg("Provider health snapshot")
			}
			log.Info().
				Int64("updates", updates).
				Int64("dropped", dropped).
				Int("symbols", g.state.Len()).
				Msg("Ingestion snapshot")
		}
	}
}
