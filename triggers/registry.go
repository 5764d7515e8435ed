package triggers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/cache"
	"oi-watchdog/database"
	triggerrepo "oi-watchdog/database/triggers"
)

const (
	activeTriggersKey = "triggers:active"
	activeTriggersTTL = time.Hour
)

// Store is the persistence contract the registry refreshes from.
type Store interface {
	Init() error
	GetAllActive() ([]database.Trigger, error)
	FindByUser(userID int64) ([]database.Trigger, error)
	Save(spec triggerrepo.Spec) (*database.Trigger, error)
	Remove(id string, userID int64) (bool, error)
}

// Registry keeps the active trigger set in memory, refreshed from the
// store at startup and on every create/remove. The evaluator reads one
// snapshot per flush; writes are serialized against those reads.
type Registry struct {
	repo  Store
	redis *cache.RedisClient

	mu     sync.RWMutex
	active []database.Trigger
}

// NewRegistry creates a registry over the trigger store.
func NewRegistry(repo Store, redis *cache.RedisClient) *Registry {
	return &Registry{repo: repo, redis: redis}
}

// Init migrates the schema and loads the active set. A failure here is
// fatal to startup.
func (r *Registry) Init() error {
	if err := r.repo.Init(); err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	if err := r.reload(); err != nil {
		return fmt.Errorf("registry init: %w", err)
	}
	log.Info().Int("active", len(r.GetAllActive())).Msg("Trigger registry initialized")
	return nil
}

func (r *Registry) reload() error {
	// Redis holds a warm copy so a restart under DB pressure still serves
	// the evaluator.
	if r.redis != nil {
		var cached []database.Trigger
		if err := r.redis.Get(context.Background(), activeTriggersKey, &cached); err == nil && len(cached) > 0 {
			r.mu.Lock()
			r.active = cached
			r.mu.Unlock()
		}
	}

	active, err := r.repo.GetAllActive()
	if err != nil {
		r.mu.RLock()
		warm := len(r.active) > 0
		r.mu.RUnlock()
		if warm {
			log.Warn().Err(err).Msg("Trigger reload failed, serving warm cache")
			return nil
		}
		return err
	}

	r.mu.Lock()
	r.active = active
	r.mu.Unlock()

	if r.redis != nil {
		_ = r.redis.Set(context.Background(), activeTriggersKey, active, activeTriggersTTL)
	}
	return nil
}

// GetAllActive returns a shallow snapshot of the active trigger set.
func (r *Registry) GetAllActive() []database.Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]database.Trigger(nil), r.active...)
}

// Save persists a new trigger and refreshes the cache.
func (r *Registry) Save(spec triggerrepo.Spec) (*database.Trigger, error) {
	t, err := r.repo.Save(spec)
	if err != nil {
		return nil, err
	}
	if err := r.reload(); err != nil {
		log.Warn().Err(err).Msg("Trigger cache refresh failed after save")
	}
	return t, nil
}

// Remove deactivates a user's trigger and refreshes the cache.
func (r *Registry) Remove(id string, userID int64) (bool, error) {
	removed, err := r.repo.Remove(id, userID)
	if err != nil {
		return false, err
	}
	if removed {
		if err := r.reload(); err != nil {
			log.Warn().Err(err).Msg("Trigger cache refresh failed after remove")
		}
	}
	return removed, nil
}

// FindByUser proxies the repository for the operational API.
func (r *Registry) FindByUser(userID int64) ([]database.Trigger, error) {
	return r.repo.FindByUser(userID)
}
