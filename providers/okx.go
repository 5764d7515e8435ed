package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/market"
)

const (
	okxPublicWS  = "wss://ws.okx.com:8443/ws/v5/public"
	okxAPI       = "https://www.okx.com"
	okxSwapSuffix = "-USDT-SWAP"
)

// OKXSwap streams the public tickers channel for USDT-margined perpetual
// swaps. Open interest is not part of the tickers push, so it is polled.
type OKXSwap struct {
	id         string
	marketType market.MarketType

	conn   *wsConn
	rest   *restClient
	poller *oiPoller

	mu         sync.RWMutex
	handler    market.UpdateHandler
	available  []string
	subscribed map[string]bool
}

func NewOKXSwap() *OKXSwap {
	p := &OKXSwap{
		id:         market.ProviderID("okx", market.Futures),
		marketType: market.Futures,
		rest:       newRESTClient("okx-rest", okxAPI, 10, 20),
		subscribed: make(map[string]bool),
	}
	p.conn = newWSConn(p.id, okxPublicWS)
	p.conn.onOpen = p.onOpen
	p.conn.onMessage = p.onMessage
	p.conn.ping = func(write func(int, []byte) error) error {
		return p.conn.writeText([]byte("ping"))
	}
	p.poller = newOIPoller(p.id, p.fetchOpenInterest, p.subscribedSymbols)
	return p
}

// okxInstID maps BTCUSDT to the venue's BTC-USDT-SWAP form.
func okxInstID(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT") + okxSwapSuffix
}

// okxSymbol maps BTC-USDT-SWAP back to BTCUSDT, empty when not a USDT swap.
func okxSymbol(instID string) string {
	if !strings.HasSuffix(instID, okxSwapSuffix) {
		return ""
	}
	return strings.TrimSuffix(instID, okxSwapSuffix) + "USDT"
}

func (p *OKXSwap) ID() string { return p.id }

func (p *OKXSwap) Connect() error {
	if err := withRetry(catalogRetries, catalogRetryDelay, p.loadCatalog); err != nil {
		return fmt.Errorf("okx catalog: %w", err)
	}
	if err := p.conn.connect(); err != nil {
		return err
	}
	p.poller.start()
	return nil
}

func (p *OKXSwap) Disconnect() error {
	p.poller.stop()
	return p.conn.close()
}

func (p *OKXSwap) IsConnected() bool { return p.conn.isConnected() }

func (p *OKXSwap) OnUpdate(handler market.UpdateHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *OKXSwap) AvailableSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.available...)
}

func (p *OKXSwap) Subscribe(symbols []string) error {
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

func (p *OKXSwap) Unsubscribe(symbols []string) error {
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

func (p *OKXSwap) HealthStatus() market.HealthStatus {
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

func (p *OKXSwap) subscribedSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		out = append(out, s)
	}
	return out
}

func (p *OKXSwap) onOpen() error {
	if resub := p.subscribedSymbols(); len(resub) > 0 {
		return p.sendOp("subscribe", resub)
	}
	return nil
}

type okxSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (p *OKXSwap) sendOp(op string, symbols []string) error {
	for _, batch := range batches(symbols) {
		args := make([]okxSubArg, 0, len(batch))
		for _, s := range batch {
			args = append(args, okxSubArg{Channel: "tickers", InstID: okxInstID(s)})
		}
		data, err := json.Marshal(map[string]interface{}{"op": op, "args": args})
		if err != nil {
			return err
		}
		if err := p.conn.writeText(data); err != nil {
			return fmt.Errorf("okx %s: %w", op, err)
		}
		time.Sleep(subscribeBatchGap)
	}
	return nil
}

type okxFrame struct {
	Event string          `json:"event"`
	Msg   string          `json:"msg"`
	Arg   okxSubArg       `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

func (p *OKXSwap) onMessage(data []byte) {
	if string(data) == "pong" {
		return
	}

	var frame okxFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.conn.errCount.Add(1)
		return
	}

	if frame.Event == "error" {
		log.Warn().Str("provider", p.id).Str("inst", frame.Arg.InstID).Str("reason", frame.Msg).Msg("Venue rejected operation")
		return
	}
	if frame.Event != "" || len(frame.Data) == 0 {
		return
	}

	var tickers []okxTicker
	if err := json.Unmarshal(frame.Data, &tickers); err != nil {
		p.conn.errCount.Add(1)
		return
	}

	for i := range tickers {
		p.handleTicker(&tickers[i])
	}
}

func (p *OKXSwap) handleTicker(t *okxTicker) {
	symbol := okxSymbol(t.InstID)
	if symbol == "" || !market.ValidSymbol(symbol) {
		return
	}
	price, err1 := strconv.ParseFloat(t.Last, 64)
	ts, err2 := strconv.ParseInt(t.TS, 10, 64)
	if err1 != nil || err2 != nil || price <= 0 {
		p.conn.errCount.Add(1)
		return
	}

	u := &market.Update{
		ProviderID: p.id,
		MarketType: p.marketType,
		Symbol:     symbol,
		Timestamp:  ts,
		Price:      market.Float(price),
	}
	if oi, oiTs, ok := p.poller.latest(symbol); ok {
		u.OpenInterest = market.Float(oi)
		u.OpenInterestTS = market.Int64(oiTs)
	}

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler != nil {
		handler(u)
	}
}

type okxInstruments struct {
	Data []struct {
		InstID string `json:"instId"`
		State  string `json:"state"`
	} `json:"data"`
}

func (p *OKXSwap) loadCatalog() error {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	var out okxInstruments
	query := map[string]string{"instType": "SWAP"}
	if err := p.rest.getJSON(ctx, "/api/v5/public/instruments", query, &out); err != nil {
		return err
	}

	symbols := make([]string, 0, len(out.Data))
	for _, inst := range out.Data {
		if inst.State != "live" {
			continue
		}
		symbol := okxSymbol(inst.InstID)
		if symbol == "" || !market.ValidSymbol(symbol) {
			continue
		}
		symbols = append(symbols, symbol)
	}

	p.mu.Lock()
	p.available = symbols
	p.mu.Unlock()

	log.Info().Str("provider", p.id).Int("symbols", len(symbols)).Msg("Instrument catalog loaded")
	return nil
}

type okxOpenInterest struct {
	Data []struct {
		InstID string `json:"instId"`
		OI     string `json:"oi"`
		TS     string `json:"ts"`
	} `json:"data"`
}

func (p *OKXSwap) fetchOpenInterest(ctx context.Context, symbol string) (float64, int64, error) {
	var out okxOpenInterest
	query := map[string]string{"instId": okxInstID(symbol)}
	if err := p.rest.getJSON(ctx, "/api/v5/public/open-interest", query, &out); err != nil {
		return 0, 0, err
	}
	if len(out.Data) == 0 {
		return 0, 0, fmt.Errorf("open-interest %s: empty response", symbol)
	}
	oi, err1 := strconv.ParseFloat(out.Data[0].OI, 64)
	ts, err2 := strconv.ParseInt(out.Data[0].TS, 10, 64)
	if err1 != nil || err2 != nil || oi < 0 {
		return 0, 0, fmt.Errorf("open-interest %s: bad payload", symbol)
	}
	return oi, ts, nil
}
