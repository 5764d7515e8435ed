package providers

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"oi-watchdog/market"
)

const (
	subscribeBatchSize = 50
	subscribeBatchGap  = 100 * time.Millisecond

	pingInterval      = 20 * time.Second
	reconnectBase     = 5 * time.Second
	reconnectCap      = 60 * time.Second
	catalogRetries    = 5
	catalogRetryDelay = 2 * time.Second
)

// wsConn owns one venue websocket: dialing, the read loop, keep-alive, and
// reconnection with exponential backoff. Venue providers plug in their
// handshake and message parsing through the callbacks.
type wsConn struct {
	url  string
	name string

	// onOpen runs after every successful dial; venue handshake plus
	// (re-)subscription happens here.
	onOpen func() error
	// onMessage receives every raw frame.
	onMessage func(data []byte)
	// ping writes one venue-appropriate keep-alive frame.
	ping func(write func(messageType int, data []byte) error) error

	mu          sync.Mutex
	conn        *websocket.Conn
	state       market.ConnectionState
	intentional bool
	genDone     chan struct{} // closed to stop the current read/ping loops

	msgCount  atomic.Int64
	errCount  atomic.Int64
	lastMsgMs atomic.Int64
}

func newWSConn(name, url string) *wsConn {
	return &wsConn{
		url:   url,
		name:  name,
		state: market.StateDisconnected,
	}
}

// connect dials the venue and starts the read and keep-alive loops. A dial
// failure propagates to the caller; later transport failures are recovered
// by the reconnect loop.
func (w *wsConn) connect() error {
	w.mu.Lock()
	w.intentional = false
	w.state = market.StateConnecting
	w.mu.Unlock()

	if err := w.dial(); err != nil {
		w.mu.Lock()
		w.state = market.StateDisconnected
		w.mu.Unlock()
		return err
	}
	return nil
}

func (w *wsConn) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.conn = conn
	w.state = market.StateConnected
	w.genDone = done
	w.mu.Unlock()

	if w.onOpen != nil {
		if err := w.onOpen(); err != nil {
			conn.Close()
			w.mu.Lock()
			w.state = market.StateDisconnected
			w.mu.Unlock()
			return fmt.Errorf("handshake %s: %w", w.name, err)
		}
	}

	go w.readLoop(conn, done)
	if w.ping != nil {
		go w.pingLoop(done)
	}

	log.Info().Str("provider", w.name).Str("url", w.url).Msg("WebSocket connected")
	return nil
}

func (w *wsConn) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			w.handleClose(err)
			return
		}
		w.msgCount.Add(1)
		w.lastMsgMs.Store(time.Now().UnixMilli())
		if w.onMessage != nil {
			w.onMessage(data)
		}
	}
}

func (w *wsConn) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := w.ping(w.write); err != nil {
				log.Debug().Err(err).Str("provider", w.name).Msg("Keep-alive write failed")
			}
		}
	}
}

// handleClose distinguishes intentional disconnects from transport drops
// and runs the backoff reconnect cycle for the latter.
func (w *wsConn) handleClose(cause error) {
	w.mu.Lock()
	if w.intentional {
		w.state = market.StateDisconnected
		w.mu.Unlock()
		return
	}
	w.state = market.StateReconnecting
	w.mu.Unlock()

	log.Warn().Err(cause).Str("provider", w.name).Msg("WebSocket closed, reconnecting")

	delay := reconnectBase
	for {
		time.Sleep(delay)

		w.mu.Lock()
		if w.intentional {
			w.state = market.StateDisconnected
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		if err := w.dial(); err == nil {
			log.Info().Str("provider", w.name).Msg("Reconnection successful")
			return
		} else {
			log.Warn().Err(err).Str("provider", w.name).Dur("retry_in", delay).Msg("Reconnection failed")
		}

		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

// write sends one frame thread-safely.
func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("%s: connection is nil", w.name)
	}
	return w.conn.WriteMessage(messageType, data)
}

// writeText sends one text frame.
func (w *wsConn) writeText(data []byte) error {
	return w.write(websocket.TextMessage, data)
}

// close tears the connection down and suppresses reconnection.
func (w *wsConn) close() error {
	w.mu.Lock()
	w.intentional = true
	w.state = market.StateDisconnected
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *wsConn) isConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == market.StateConnected
}

func (w *wsConn) connectionState() market.ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// batches splits symbols into subscription batches of at most
// subscribeBatchSize entries.
func batches(symbols []string) [][]string {
	var out [][]string
	for len(symbols) > 0 {
		n := subscribeBatchSize
		if len(symbols) < n {
			n = len(symbols)
		}
		out = append(out, symbols[:n])
		symbols = symbols[n:]
	}
	return out
}
