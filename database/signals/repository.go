package signals

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"oi-watchdog/database"
)

// Repository handles persistence of fired signals.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a signal repository.
func NewRepository(db *database.Database) *Repository {
	return &Repository{db: db.Gorm()}
}

// Init migrates the signal schema.
func (r *Repository) Init() error {
	if err := r.db.AutoMigrate(&database.Signal{}); err != nil {
		return fmt.Errorf("Init signals: %w", err)
	}
	return nil
}

// Save persists one fired signal.
func (r *Repository) Save(signal *database.Signal) error {
	if err := r.db.Create(signal).Error; err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// Count24h counts signals for a (trigger, symbol) pair in the last 24 h.
// The per-pair rolling signal number is this count plus one.
func (r *Repository) Count24h(triggerID, symbol string) (int64, error) {
	var n int64
	err := r.db.Model(&database.Signal{}).
		Where("trigger_id = ? AND symbol = ? AND created_at > ?", triggerID, symbol, time.Now().Add(-24*time.Hour)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("Count24h: %w", err)
	}
	return n, nil
}

// Count24hByUserSymbol counts a user's signals for a symbol in the last 24 h.
func (r *Repository) Count24hByUserSymbol(userID int64, symbol string) (int64, error) {
	var n int64
	err := r.db.Model(&database.Signal{}).
		Where("user_id = ? AND symbol = ? AND created_at > ?", userID, symbol, time.Now().Add(-24*time.Hour)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("Count24hByUserSymbol: %w", err)
	}
	return n, nil
}

// RecentBySymbol returns a symbol's signals over the trailing window,
// newest first.
func (r *Repository) RecentBySymbol(symbol string, hours int) ([]database.Signal, error) {
	if hours <= 0 {
		hours = 24
	}
	var out []database.Signal
	err := r.db.Where("symbol = ? AND created_at > ?", symbol, time.Now().Add(-time.Duration(hours)*time.Hour)).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("RecentBySymbol: %w", err)
	}
	return out, nil
}
