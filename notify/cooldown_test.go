package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedCooldown(t *testing.T) {
	c := NewCooldownPolicy(false)
	t0 := time.UnixMilli(1_000_000_000)

	assert.False(t, c.InCooldown(1, "BTCUSDT", 60, t0))

	c.RecordFire(1, "BTCUSDT", 60, t0)
	assert.True(t, c.InCooldown(1, "BTCUSDT", 60, t0.Add(59*time.Second)))
	assert.False(t, c.InCooldown(1, "BTCUSDT", 60, t0.Add(61*time.Second)))

	// Other pairs are unaffected.
	assert.False(t, c.InCooldown(2, "BTCUSDT", 60, t0.Add(time.Second)))
	assert.False(t, c.InCooldown(1, "ETHUSDT", 60, t0.Add(time.Second)))
}

func TestFixedCooldownDoesNotEscalate(t *testing.T) {
	c := NewCooldownPolicy(false)
	t0 := time.UnixMilli(1_000_000_000)

	for i := 0; i < 5; i++ {
		c.RecordFire(1, "BTCUSDT", 10, t0.Add(time.Duration(i)*11*time.Second))
	}
	last := t0.Add(4 * 11 * time.Second)
	assert.False(t, c.InCooldown(1, "BTCUSDT", 10, last.Add(11*time.Second)))
}

func TestBackoffGrowsPerConsecutiveFire(t *testing.T) {
	c := NewCooldownPolicy(true)
	t0 := time.UnixMilli(1_000_000_000)

	c.RecordFire(1, "BTCUSDT", 10, t0)
	// First fire: 1.5x the base, 15 s.
	assert.True(t, c.InCooldown(1, "BTCUSDT", 10, t0.Add(14*time.Second)))
	assert.False(t, c.InCooldown(1, "BTCUSDT", 10, t0.Add(16*time.Second)))

	// Second consecutive fire: 2.25x, 22.5 s.
	t1 := t0.Add(16 * time.Second)
	c.RecordFire(1, "BTCUSDT", 10, t1)
	assert.True(t, c.InCooldown(1, "BTCUSDT", 10, t1.Add(22*time.Second)))
	assert.False(t, c.InCooldown(1, "BTCUSDT", 10, t1.Add(23*time.Second)))
}

func TestBackoffMultiplierIsCapped(t *testing.T) {
	c := NewCooldownPolicy(true)
	t0 := time.UnixMilli(1_000_000_000)

	// Ten rapid consecutive fires push the multiplier past the cap.
	now := t0
	for i := 0; i < 10; i++ {
		c.RecordFire(1, "BTCUSDT", 10, now)
		now = now.Add(time.Second)
	}
	last := now.Add(-time.Second)

	// Cap is 8x: 80 s for a 10 s base.
	assert.True(t, c.InCooldown(1, "BTCUSDT", 10, last.Add(79*time.Second)))
	assert.False(t, c.InCooldown(1, "BTCUSDT", 10, last.Add(81*time.Second)))
}

func TestBackoffResetsAfterQuietGap(t *testing.T) {
	c := NewCooldownPolicy(true)
	t0 := time.UnixMilli(1_000_000_000)

	c.RecordFire(1, "BTCUSDT", 10, t0)
	c.RecordFire(1, "BTCUSDT", 10, t0.Add(16*time.Second))

	// A gap well past twice the escalated cooldown resets the streak back
	// to the first-fire multiplier (15 s, not the 33.75 s a third
	// consecutive fire would carry).
	t2 := t0.Add(10 * time.Minute)
	c.RecordFire(1, "BTCUSDT", 10, t2)
	assert.True(t, c.InCooldown(1, "BTCUSDT", 10, t2.Add(14*time.Second)))
	assert.False(t, c.InCooldown(1, "BTCUSDT", 10, t2.Add(16*time.Second)))
}

func TestPurgeDropsIdleEntries(t *testing.T) {
	c := NewCooldownPolicy(false)
	t0 := time.UnixMilli(1_000_000_000)

	c.RecordFire(1, "BTCUSDT", 60, t0)
	c.RecordFire(2, "ETHUSDT", 60, t0.Add(23*time.Hour))
	assert.Equal(t, 2, c.Len())

	purged := c.Purge(t0.Add(25 * time.Hour))
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, c.Len())
}
