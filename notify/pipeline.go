package notify

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/cache"
	"oi-watchdog/database"
)

// Sink delivers one rendered message to a chat. Implementations report
// success; retries stay with the pipeline.
type Sink interface {
	SendMessage(chatID int64, text string) bool
}

// Priority levels, derived from the signal's absolute OI move.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	priorityCount
)

const (
	processInterval = 50 * time.Millisecond
	rateWindow      = time.Second
	// 28 leaves a safety margin under the venue's hard cap of 30/s.
	maxPerWindow  = 28
	maxQueueDepth = 1000
	maxAttempts   = 3
	dedupWindow   = 5 * time.Second
)

// priorityFor buckets a signal by the size of its OI move.
func priorityFor(oiChangePercent float64) Priority {
	abs := math.Abs(oiChangePercent)
	switch {
	case abs >= 10:
		return PriorityHigh
	case abs >= 5:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

type queuedMessage struct {
	chatID   int64
	text     string
	signal   *database.Signal
	priority Priority
	attempts int
}

// Stats is the pipeline's counter snapshot.
type Stats struct {
	Enqueued        int64 `json:"enqueued"`
	Sent            int64 `json:"sent"`
	Deduplicated    int64 `json:"deduplicated"`
	DroppedCapacity int64 `json:"dropped_capacity"`
	DroppedFailed   int64 `json:"dropped_failed"`
	Requeued        int64 `json:"requeued"`
	QueueDepth      int   `json:"queue_depth"`
}

// Pipeline is the single-lane outbound message queue: three priority
// levels, 5 s deduplication, trailing-window rate caps (global and
// per-chat), and bounded retries against the sink.
type Pipeline struct {
	sink  Sink
	redis *cache.RedisClient

	mu      sync.Mutex
	queues  [priorityCount][]*queuedMessage
	dedup   map[string]time.Time
	sent    []time.Time           // global sends inside the trailing window
	perChat map[int64][]time.Time // per-chat sends inside the trailing window
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline creates the pipeline. redis is optional; when present the
// dedup keys are shared across restarts.
func NewPipeline(sink Sink, redis *cache.RedisClient) *Pipeline {
	return &Pipeline{
		sink:    sink,
		redis:   redis,
		dedup:   make(map[string]time.Time),
		perChat: make(map[int64][]time.Time),
	}
}

// Start launches the drain loop.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(processInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.process()
			}
		}
	}()
	log.Info().Msg("Notification pipeline started")
}

// Stop cancels the drain loop and discards pending messages.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	for i := range p.queues {
		p.queues[i] = nil
	}
	p.mu.Unlock()
	log.Info().Msg("Notification pipeline stopped")
}

// Enqueue accepts one rendered message for delivery. Returns false when
// the message was deduplicated or shed for capacity. The dedup key is
// stamped only once the message holds a queue slot, so a capacity
// rejection never blocks an immediate retry as a duplicate.
func (p *Pipeline) Enqueue(chatID int64, text string, signal *database.Signal, triggerIntervalMinutes int) bool {
	msg := &queuedMessage{chatID: chatID, text: text, signal: signal, priority: PriorityLow}
	var key string
	if signal != nil {
		msg.priority = priorityFor(signal.OIChangePercent)
		key = dedupKey(chatID, signal)
	}

	now := time.Now()

	p.mu.Lock()
	if key != "" {
		if last, ok := p.dedup[key]; ok && now.Sub(last) < dedupWindow {
			p.stats.Deduplicated++
			p.mu.Unlock()
			return false
		}
	}
	if p.depthLocked() >= maxQueueDepth && !p.shedLocked() {
		p.stats.DroppedCapacity++
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	// SetNX checks and stamps the shared key in one step, so it runs only
	// after a local slot is assured.
	if key != "" && p.redis != nil {
		created, err := p.redis.SetNX(context.Background(), key, dedupWindow)
		if err == nil && !created {
			p.mu.Lock()
			p.stats.Deduplicated++
			p.mu.Unlock()
			return false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.depthLocked() >= maxQueueDepth && !p.shedLocked() {
		p.stats.DroppedCapacity++
		return false
	}
	if key != "" {
		p.dedup[key] = now
		p.pruneDedupLocked(now)
	}
	p.queues[msg.priority] = append(p.queues[msg.priority], msg)
	p.stats.Enqueued++
	return true
}

// dedupKey is (chat, symbol, oi% at one decimal), applied over the
// trailing 5 s.
func dedupKey(chatID int64, signal *database.Signal) string {
	return fmt.Sprintf("notify:dedup:%d:%s:%.1f", chatID, signal.Symbol, signal.OIChangePercent)
}

// pruneDedupLocked is an opportunistic sweep; the map stays tiny under
// the 5 s window.
func (p *Pipeline) pruneDedupLocked(now time.Time) {
	for k, t := range p.dedup {
		if now.Sub(t) >= dedupWindow {
			delete(p.dedup, k)
		}
	}
}

func (p *Pipeline) depthLocked() int {
	n := 0
	for i := range p.queues {
		n += len(p.queues[i])
	}
	return n
}

// shedLocked drops the oldest LOW message, then the oldest NORMAL, to make
// room. Returns false when only HIGH messages remain.
func (p *Pipeline) shedLocked() bool {
	for _, pri := range [2]Priority{PriorityLow, PriorityNormal} {
		if len(p.queues[pri]) > 0 {
			p.queues[pri] = p.queues[pri][1:]
			p.stats.DroppedCapacity++
			return true
		}
	}
	return false
}

// process drains the queues in priority order under the trailing-window
// budgets. A message blocked only by its chat's budget is re-queued at the
// tail of its own priority.
func (p *Pipeline) process() {
	now := time.Now()

	for pri := PriorityHigh; pri < priorityCount; pri++ {
		p.mu.Lock()
		pending := len(p.queues[pri])
		p.mu.Unlock()

		for i := 0; i < pending; i++ {
			p.mu.Lock()
			if len(p.queues[pri]) == 0 {
				p.mu.Unlock()
				break
			}
			now = time.Now()
			p.pruneWindowsLocked(now)
			if len(p.sent) >= maxPerWindow {
				p.mu.Unlock()
				return // global budget exhausted for this tick
			}

			msg := p.queues[pri][0]
			p.queues[pri] = p.queues[pri][1:]

			if len(p.perChat[msg.chatID]) >= maxPerWindow {
				p.queues[pri] = append(p.queues[pri], msg)
				p.stats.Requeued++
				p.mu.Unlock()
				continue
			}

			p.sent = append(p.sent, now)
			p.perChat[msg.chatID] = append(p.perChat[msg.chatID], now)
			p.mu.Unlock()

			if p.sink.SendMessage(msg.chatID, msg.text) {
				p.mu.Lock()
				p.stats.Sent++
				p.mu.Unlock()
				continue
			}

			msg.attempts++
			p.mu.Lock()
			if msg.attempts < maxAttempts {
				p.queues[msg.priority] = append(p.queues[msg.priority], msg)
				p.stats.Requeued++
			} else {
				p.stats.DroppedFailed++
				log.Warn().Int64("chat_id", msg.chatID).Msg("Message dropped after transport retries")
			}
			p.mu.Unlock()
		}
	}
}

// pruneWindowsLocked evicts send stamps older than the trailing window.
func (p *Pipeline) pruneWindowsLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)

	keep := p.sent[:0]
	for _, t := range p.sent {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	p.sent = keep

	for chatID, stamps := range p.perChat {
		kept := stamps[:0]
		for _, t := range stamps {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(p.perChat, chatID)
			continue
		}
		p.perChat[chatID] = kept
	}
}

// StatsSnapshot returns the counters plus the current queue depth.
func (p *Pipeline) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.QueueDepth = p.depthLocked()
	return out
}
