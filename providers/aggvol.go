package providers

import (
	"context"
	"sync"
	"time"
)

const (
	volFlushInterval   = 120 * time.Millisecond
	defaultMinNotional = 250.0
)

// volFlow accumulates taker flow for one symbol between flushes.
type volFlow struct {
	buy       float64
	sell      float64
	buyQuote  float64
	sellQuote float64
	lastPrice float64
	lastTs    int64
}

func (f *volFlow) empty() bool {
	return f.buy == 0 && f.sell == 0
}

func (f *volFlow) quoteNotional() float64 {
	return f.buyQuote + f.sellQuote
}

// volAccumulator batches per-trade taker flow into one aggregated emission
// per symbol per flush tick. Flows below the quote-notional floor keep
// accumulating instead of being emitted, so micro-trades are coalesced
// rather than lost.
type volAccumulator struct {
	mu          sync.Mutex
	flows       map[string]*volFlow
	minNotional float64
	emit        func(symbol string, f volFlow)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newVolAccumulator(minNotional float64, emit func(symbol string, f volFlow)) *volAccumulator {
	if minNotional <= 0 {
		minNotional = defaultMinNotional
	}
	return &volAccumulator{
		flows:       make(map[string]*volFlow),
		minNotional: minNotional,
		emit:        emit,
	}
}

// addTrade records one trade. buyerIsMaker=true means the aggressor sold.
func (a *volAccumulator) addTrade(symbol string, price, qty float64, buyerIsMaker bool, ts int64) {
	if price <= 0 || qty <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.flows[symbol]
	if !ok {
		f = &volFlow{}
		a.flows[symbol] = f
	}
	if buyerIsMaker {
		f.sell += qty
		f.sellQuote += qty * price
	} else {
		f.buy += qty
		f.buyQuote += qty * price
	}
	f.lastPrice = price
	if ts > f.lastTs {
		f.lastTs = ts
	}
}

func (a *volAccumulator) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(volFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.flush()
			}
		}
	}()
}

func (a *volAccumulator) stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *volAccumulator) flush() {
	a.mu.Lock()
	ready := make(map[string]volFlow)
	for symbol, f := range a.flows {
		if f.empty() || f.quoteNotional() < a.minNotional {
			continue
		}
		ready[symbol] = *f
		delete(a.flows, symbol)
	}
	a.mu.Unlock()

	for symbol, f := range ready {
		a.emit(symbol, f)
	}
}
