package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/market"
)

const (
	bybitLinearWS   = "wss://stream.bybit.com/v5/public/linear"
	bybitAPI        = "https://api.bybit.com"
	bybitQuoteCoin  = "USDT"
	bybitPerpetual  = "LinearPerpetual"
	bybitTradingSts = "Trading"
)

// BybitLinear streams per-symbol tickers from Bybit's v5 linear category.
// The ticker push carries open interest, so no out-of-band polling is
// needed for this venue.
type BybitLinear struct {
	id         string
	marketType market.MarketType

	conn *wsConn
	rest *restClient

	mu         sync.RWMutex
	handler    market.UpdateHandler
	available  []string
	subscribed map[string]bool
}

func NewBybitLinear() *BybitLinear {
	p := &BybitLinear{
		id:         market.ProviderID("bybit", market.Futures),
		marketType: market.Futures,
		rest:       newRESTClient("bybit-rest", bybitAPI, 10, 20),
		subscribed: make(map[string]bool),
	}
	p.conn = newWSConn(p.id, bybitLinearWS)
	p.conn.onOpen = p.onOpen
	p.conn.onMessage = p.onMessage
	p.conn.ping = func(write func(int, []byte) error) error {
		return p.conn.writeText([]byte(`{"op":"ping"}`))
	}
	return p
}

func (p *BybitLinear) ID() string { return p.id }

func (p *BybitLinear) Connect() error {
	if err := withRetry(catalogRetries, catalogRetryDelay, p.loadCatalog); err != nil {
		return fmt.Errorf("bybit catalog: %w", err)
	}
	return p.conn.connect()
}

func (p *BybitLinear) Disconnect() error { return p.conn.close() }

func (p *BybitLinear) IsConnected() bool { return p.conn.isConnected() }

func (p *BybitLinear) OnUpdate(handler market.UpdateHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *BybitLinear) AvailableSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.available...)
}

func (p *BybitLinear) Subscribe(symbols []string) error {
	valid := make([]string, 0, len(symbols))
	p.mu.Lock()
	for _, s := range symbols {
		if !market.ValidSymbol(s) {
			log.Warn().Str("provider", p.id).Str("symbol", s).Msg("Rejecting malformed symbol")
			continue
		}
		if !p.subscribed[s] {
			p.subscribed[s] = true
			valid = append(valid, s)
		}
	}
	p.mu.Unlock()

	if len(valid) == 0 || !p.conn.isConnected() {
		return nil
	}
	return p.sendOp("subscribe", valid)
}

func (p *BybitLinear) Unsubscribe(symbols []string) error {
	removed := make([]string, 0, len(symbols))
	p.mu.Lock()
	for _, s := range symbols {
		if p.subscribed[s] {
			delete(p.subscribed, s)
			removed = append(removed, s)
		}
	}
	p.mu.Unlock()

	if len(removed) == 0 || !p.conn.isConnected() {
		return nil
	}
	return p.sendOp("unsubscribe", removed)
}

func (p *BybitLinear) HealthStatus() market.HealthStatus {
	p.mu.RLock()
	subscribed := len(p.subscribed)
	p.mu.RUnlock()
	return market.HealthStatus{
		ProviderID:    p.id,
		State:         p.conn.connectionState(),
		Connected:     p.conn.isConnected(),
		LastMessageAt: time.UnixMilli(p.conn.lastMsgMs.Load()),
		MessageCount:  p.conn.msgCount.Load(),
		ErrorCount:    p.conn.errCount.Load(),
		Subscribed:    subscribed,
	}
}

func (p *BybitLinear) onOpen() error {
	p.mu.RLock()
	resub := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		resub = append(resub, s)
	}
	p.mu.RUnlock()

	if len(resub) == 0 {
		return nil
	}
	return p.sendOp("subscribe", resub)
}

func (p *BybitLinear) sendOp(op string, symbols []string) error {
	for _, batch := range batches(symbols) {
		args := make([]string, 0, len(batch))
		for _, s := range batch {
			args = append(args, "tickers."+s)
		}
		data, err := json.Marshal(map[string]interface{}{"op": op, "args": args})
		if err != nil {
			return err
		}
		if err := p.conn.writeText(data); err != nil {
			return fmt.Errorf("bybit %s: %w", op, err)
		}
		time.Sleep(subscribeBatchGap)
	}
	return nil
}

type bybitFrame struct {
	Topic   string          `json:"topic"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	MarkPrice    string `json:"markPrice"`
	FundingRate  string `json:"fundingRate"`
	OpenInterest string `json:"openInterest"`
}

func (p *BybitLinear) onMessage(data []byte) {
	var frame bybitFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.conn.errCount.Add(1)
		return
	}

	// Operation acknowledgements: a rejected subscription is warned and
	// skipped, never fatal.
	if frame.Op != "" {
		if frame.Success != nil && !*frame.Success {
			log.Warn().Str("provider", p.id).Str("op", frame.Op).Str("reason", frame.RetMsg).Msg("Venue rejected operation")
		}
		return
	}
	if frame.Topic == "" || len(frame.Data) == 0 {
		return
	}

	var t bybitTicker
	if err := json.Unmarshal(frame.Data, &t); err != nil {
		p.conn.errCount.Add(1)
		return
	}
	if !market.ValidSymbol(t.Symbol) {
		return
	}

	u := &market.Update{
		ProviderID: p.id,
		MarketType: p.marketType,
		Symbol:     t.Symbol,
		Timestamp:  frame.TS,
	}
	// Delta pushes omit unchanged fields; only present values are carried.
	if v, err := strconv.ParseFloat(t.LastPrice, 64); err == nil && v > 0 {
		u.Price = market.Float(v)
	}
	if v, err := strconv.ParseFloat(t.MarkPrice, 64); err == nil && v > 0 {
		u.MarkPrice = market.Float(v)
	}
	if v, err := strconv.ParseFloat(t.FundingRate, 64); err == nil {
		u.FundingRate = market.Float(v)
	}
	if v, err := strconv.ParseFloat(t.OpenInterest, 64); err == nil && v >= 0 {
		u.OpenInterest = market.Float(v)
		u.OpenInterestTS = market.Int64(frame.TS)
	}
	if u.Price == nil && u.OpenInterest == nil && u.MarkPrice == nil && u.FundingRate == nil {
		return
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler != nil {
		handler(u)
	}
}

type bybitInstruments struct {
	Result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			QuoteCoin    string `json:"quoteCoin"`
			ContractType string `json:"contractType"`
		} `json:"list"`
	} `json:"result"`
}

func (p *BybitLinear) loadCatalog() error {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	var out bybitInstruments
	query := map[string]string{"category": "linear", "limit": "1000"}
	if err := p.rest.getJSON(ctx, "/v5/market/instruments-info", query, &out); err != nil {
		return err
	}

	symbols := make([]string, 0, len(out.Result.List))
	for _, s := range out.Result.List {
		if s.Status != bybitTradingSts || s.QuoteCoin != bybitQuoteCoin || s.ContractType != bybitPerpetual {
			continue
		}
		if !market.ValidSymbol(s.Symbol) {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}

	p.mu.Lock()
	p.available = symbols
	p.mu.Unlock()

	log.Info().Str("provider", p.id).Int("symbols", len(symbols)).Msg("Instrument catalog loaded")
	return nil
}
