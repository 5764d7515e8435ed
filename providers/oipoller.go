package providers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	oiBatchSize    = 25
	oiBatchGap     = 60 * time.Millisecond
	oiCacheMaxAge  = 90 * time.Second
	oiPollInterval = 30 * time.Second
)

// oiFetch retrieves one symbol's open interest from the venue REST API.
type oiFetch func(ctx context.Context, symbol string) (oi float64, ts int64, err error)

type oiEntry struct {
	oi        float64
	ts        int64
	fetchedAt time.Time
}

// oiPoller keeps a fresh open-interest cache for venues whose streams do
// not carry OI. Symbols are polled in small batches with spacing between
// them so the venue rate limit is never approached.
type oiPoller struct {
	name    string
	fetch   oiFetch
	symbols func() []string

	mu    sync.RWMutex
	cache map[string]oiEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newOIPoller(name string, fetch oiFetch, symbols func() []string) *oiPoller {
	return &oiPoller{
		name:    name,
		fetch:   fetch,
		symbols: symbols,
		cache:   make(map[string]oiEntry),
	}
}

func (p *oiPoller) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(oiPollInterval)
		defer ticker.Stop()

		p.pollCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollCycle(ctx)
			}
		}
	}()
}

func (p *oiPoller) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *oiPoller) pollCycle(ctx context.Context) {
	symbols := p.symbols()
	if len(symbols) == 0 {
		return
	}

	polled, failed := 0, 0
	for _, batch := range batchesOf(symbols, oiBatchSize) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var wg sync.WaitGroup
		for _, symbol := range batch {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				oi, ts, err := p.fetch(ctx, symbol)
				if err != nil {
					log.Debug().Err(err).Str("poller", p.name).Str("symbol", symbol).Msg("OI fetch failed")
					p.mu.Lock()
					failed++
					p.mu.Unlock()
					return
				}
				p.mu.Lock()
				p.cache[symbol] = oiEntry{oi: oi, ts: ts, fetchedAt: time.Now()}
				polled++
				p.mu.Unlock()
			}(symbol)
		}
		wg.Wait()
		time.Sleep(oiBatchGap)
	}

	log.Debug().Str("poller", p.name).Int("polled", polled).Int("failed", failed).Msg("OI poll cycle completed")
}

// latest returns the cached OI for a symbol unless it has gone stale.
func (p *oiPoller) latest(symbol string) (float64, int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cache[symbol]
	if !ok || time.Since(e.fetchedAt) > oiCacheMaxAge {
		return 0, 0, false
	}
	return e.oi, e.ts, true
}

func batchesOf(items []string, size int) [][]string {
	var out [][]string
	for len(items) > 0 {
		n := size
		if len(items) < n {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
