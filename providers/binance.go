package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"oi-watchdog/market"
)

const (
	binanceFuturesWS   = "wss://fstream.binance.com/stream"
	binanceFuturesAPI  = "https://fapi.binance.com"
	binanceQuoteAsset  = "USDT"
	binancePerpetual   = "PERPETUAL"
	binanceTradingStat = "TRADING"
)

// BinanceFutures streams the venue-wide ticker array plus per-symbol
// aggressive trades from Binance USDⓈ-M futures, and polls open interest
// out of band since the streams do not carry it.
type BinanceFutures struct {
	id         string
	marketType market.MarketType

	conn   *wsConn
	rest   *restClient
	poller *oiPoller
	vols   *volAccumulator

	mu         sync.RWMutex
	handler    market.UpdateHandler
	available  []string
	subscribed map[string]bool

	subID atomic.Int64
}

// NewBinanceFutures creates the provider. minNotional filters micro-trades
// out of the flushed volume aggregates.
func NewBinanceFutures(minNotional float64) *BinanceFutures {
	p := &BinanceFutures{
		id:         market.ProviderID("binance", market.Futures),
		marketType: market.Futures,
		rest:       newRESTClient("binance-futures-rest", binanceFuturesAPI, 10, 20),
		subscribed: make(map[string]bool),
	}
	p.conn = newWSConn(p.id, binanceFuturesWS)
	p.conn.onOpen = p.onOpen
	p.conn.onMessage = p.onMessage
	p.conn.ping = func(write func(int, []byte) error) error {
		return write(websocket.PongMessage, nil)
	}
	p.poller = newOIPoller(p.id, p.fetchOpenInterest, p.subscribedSymbols)
	p.vols = newVolAccumulator(minNotional, p.emitFlow)
	return p
}

func (p *BinanceFutures) ID() string { return p.id }

// Connect loads the instrument catalog, opens the stream, and starts the
// OI poller and the volume flush timer.
func (p *BinanceFutures) Connect() error {
	if err := withRetry(catalogRetries, catalogRetryDelay, p.loadCatalog); err != nil {
		return fmt.Errorf("binance catalog: %w", err)
	}
	if err := p.conn.connect(); err != nil {
		return err
	}
	p.poller.start()
	p.vols.start()
	return nil
}

func (p *BinanceFutures) Disconnect() error {
	p.poller.stop()
	p.vols.stop()
	return p.conn.close()
}

func (p *BinanceFutures) IsConnected() bool { return p.conn.isConnected() }

func (p *BinanceFutures) OnUpdate(handler market.UpdateHandler) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *BinanceFutures) AvailableSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.available...)
}

// Subscribe opens per-symbol aggTrade streams and registers the symbols
// with the OI poller. The global ticker array needs no per-symbol action.
func (p *BinanceFutures) Subscribe(symbols []string) error {
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
	return p.sendAggTradeSub("SUBSCRIBE", valid)
}

func (p *BinanceFutures) Unsubscribe(symbols []string) error {
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
	return p.sendAggTradeSub("UNSUBSCRIBE", removed)
}

func (p *BinanceFutures) HealthStatus() market.HealthStatus {
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

func (p *BinanceFutures) subscribedSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		out = append(out, s)
	}
	return out
}

// onOpen runs the stream handshake: the venue-wide ticker array plus
// re-subscription of any aggTrade streams from before a reconnect.
func (p *BinanceFutures) onOpen() error {
	if err := p.sendSubscribeParams([]string{"!ticker@arr"}); err != nil {
		return err
	}
	if resub := p.subscribedSymbols(); len(resub) > 0 {
		return p.sendAggTradeSub("SUBSCRIBE", resub)
	}
	return nil
}

func (p *BinanceFutures) sendAggTradeSub(method string, symbols []string) error {
	for _, batch := range batches(symbols) {
		params := make([]string, 0, len(batch))
		for _, s := range batch {
			params = append(params, strings.ToLower(s)+"@aggTrade")
		}
		msg := map[string]interface{}{
			"method": method,
			"params": params,
			"id":     p.subID.Add(1),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := p.conn.writeText(data); err != nil {
			return fmt.Errorf("binance %s: %w", strings.ToLower(method), err)
		}
		time.Sleep(subscribeBatchGap)
	}
	return nil
}

func (p *BinanceFutures) sendSubscribeParams(params []string) error {
	data, err := json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     p.subID.Add(1),
	})
	if err != nil {
		return err
	}
	return p.conn.writeText(data)
}

type binanceStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

type binanceAggTrade struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

func (p *BinanceFutures) onMessage(data []byte) {
	var frame binanceStreamFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Stream == "" {
		p.conn.errCount.Add(1)
		return
	}

	switch {
	case frame.Stream == "!ticker@arr":
		var tickers []binanceTicker
		if err := json.Unmarshal(frame.Data, &tickers); err != nil {
			p.conn.errCount.Add(1)
			return
		}
		for i := range tickers {
			p.handleTicker(&tickers[i])
		}
	case strings.HasSuffix(frame.Stream, "@aggTrade"):
		var trade binanceAggTrade
		if err := json.Unmarshal(frame.Data, &trade); err != nil {
			p.conn.errCount.Add(1)
			return
		}
		price, err1 := strconv.ParseFloat(trade.Price, 64)
		qty, err2 := strconv.ParseFloat(trade.Quantity, 64)
		if err1 != nil || err2 != nil {
			p.conn.errCount.Add(1)
			return
		}
		p.vols.addTrade(trade.Symbol, price, qty, trade.BuyerIsMaker, trade.TradeTime)
	}
}

func (p *BinanceFutures) handleTicker(t *binanceTicker) {
	if !market.ValidSymbol(t.Symbol) {
		return
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil || price <= 0 {
		p.conn.errCount.Add(1)
		return
	}

	u := &market.Update{
		ProviderID: p.id,
		MarketType: p.marketType,
		Symbol:     t.Symbol,
		Timestamp:  t.EventTime,
		Price:      market.Float(price),
	}
	if oi, ts, ok := p.poller.latest(t.Symbol); ok {
		u.OpenInterest = market.Float(oi)
		u.OpenInterestTS = market.Int64(ts)
	}
	p.dispatch(u)
}

// emitFlow publishes one flushed volume aggregate as a normalized update.
func (p *BinanceFutures) emitFlow(symbol string, f volFlow) {
	u := &market.Update{
		ProviderID:      p.id,
		MarketType:      p.marketType,
		Symbol:          symbol,
		Timestamp:       f.lastTs,
		Price:           market.Float(f.lastPrice),
		VolumeBuy:       market.Float(f.buy),
		VolumeSell:      market.Float(f.sell),
		VolumeBuyQuote:  market.Float(f.buyQuote),
		VolumeSellQuote: market.Float(f.sellQuote),
	}
	if oi, ts, ok := p.poller.latest(symbol); ok {
		u.OpenInterest = market.Float(oi)
		u.OpenInterestTS = market.Int64(ts)
	}
	p.dispatch(u)
}

func (p *BinanceFutures) dispatch(u *market.Update) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler != nil {
		handler(u)
	}
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

func (p *BinanceFutures) loadCatalog() error {
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout)
	defer cancel()

	var info binanceExchangeInfo
	if err := p.rest.getJSON(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return err
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != binanceTradingStat || s.QuoteAsset != binanceQuoteAsset || s.ContractType != binancePerpetual {
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

type binanceOpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

func (p *BinanceFutures) fetchOpenInterest(ctx context.Context, symbol string) (float64, int64, error) {
	var out binanceOpenInterest
	if err := p.rest.getJSON(ctx, "/fapi/v1/openInterest", map[string]string{"symbol": symbol}, &out); err != nil {
		return 0, 0, err
	}
	oi, err := strconv.ParseFloat(out.OpenInterest, 64)
	if err != nil || oi < 0 {
		return 0, 0, fmt.Errorf("openInterest %s: bad value %q", symbol, out.OpenInterest)
	}
	return oi, out.Time, nil
}
