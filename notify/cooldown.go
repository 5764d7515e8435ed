package notify

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	backoffBase    = 1.5
	backoffCap     = 8.0
	cooldownMaxAge = 24 * time.Hour
)

type cooldownEntry struct {
	lastFire    time.Time
	consecutive int
}

// CooldownPolicy suppresses repeat notifications per (user, symbol) pair.
// The base cooldown comes from the trigger; with backoff enabled the
// effective cooldown is base * min(1.5^consecutive, 8).
type CooldownPolicy struct {
	backoffEnabled bool

	mu      sync.Mutex
	entries map[string]*cooldownEntry
}

// NewCooldownPolicy creates the policy. backoffEnabled switches between a
// fixed cooldown and the escalating one.
func NewCooldownPolicy(backoffEnabled bool) *CooldownPolicy {
	return &CooldownPolicy{
		backoffEnabled: backoffEnabled,
		entries:        make(map[string]*cooldownEntry),
	}
}

func cooldownKey(userID int64, symbol string) string {
	return fmt.Sprintf("%d:%s", userID, symbol)
}

// InCooldown reports whether the pair is still inside its cooldown window.
func (c *CooldownPolicy) InCooldown(userID int64, symbol string, baseSeconds int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cooldownKey(userID, symbol)]
	if !ok {
		return false
	}
	return now.Sub(e.lastFire) < c.effectiveLocked(e, baseSeconds)
}

// RecordFire stamps a delivery and advances the consecutive counter. A fire
// landing well after the previous cooldown expired resets the escalation.
func (c *CooldownPolicy) RecordFire(userID int64, symbol string, baseSeconds int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cooldownKey(userID, symbol)
	e, ok := c.entries[key]
	if !ok {
		e = &cooldownEntry{}
		c.entries[key] = e
	}

	if ok && now.Sub(e.lastFire) > 2*c.effectiveLocked(e, baseSeconds) {
		e.consecutive = 0
	}
	e.consecutive++
	e.lastFire = now
}

// effectiveLocked computes the cooldown for an entry's current streak.
func (c *CooldownPolicy) effectiveLocked(e *cooldownEntry, baseSeconds int) time.Duration {
	base := time.Duration(baseSeconds) * time.Second
	if !c.backoffEnabled {
		return base
	}
	mult := math.Min(math.Pow(backoffBase, float64(e.consecutive)), backoffCap)
	return time.Duration(float64(base) * mult)
}

// Purge drops entries idle past the retention horizon.
func (c *CooldownPolicy) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	purged := 0
	for key, e := range c.entries {
		if now.Sub(e.lastFire) > cooldownMaxAge {
			delete(c.entries, key)
			purged++
		}
	}
	return purged
}

// Len reports the number of tracked pairs.
func (c *CooldownPolicy) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
