package database

import "time"

// Direction of an open-interest trigger.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Trigger is one user-configured OI alert rule.
type Trigger struct {
	ID                       string    `gorm:"primaryKey;size:36" json:"id"`
	UserID                   int64     `gorm:"index:idx_triggers_user;not null" json:"user_id"`
	Direction                string    `gorm:"size:8;not null" json:"direction"`
	OIChangePercent          float64   `gorm:"not null" json:"oi_change_percent"`
	TimeIntervalMinutes      int       `gorm:"not null" json:"time_interval_minutes"`
	NotificationLimitSeconds int       `gorm:"not null" json:"notification_limit_seconds"`
	IsActive                 bool      `gorm:"index;not null;default:true" json:"is_active"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Signal records one firing of one trigger for one symbol.
type Signal struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TriggerID          string    `gorm:"size:36;index:idx_signals_trigger_symbol" json:"trigger_id"`
	UserID             int64     `gorm:"index:idx_signals_user_symbol" json:"user_id"`
	Symbol             string    `gorm:"size:24;index:idx_signals_trigger_symbol;index:idx_signals_user_symbol;index:idx_signals_symbol" json:"symbol"`
	SignalNumber       int       `gorm:"not null" json:"signal_number"`
	OIChangePercent    float64   `gorm:"not null" json:"oi_change_percent"`
	PriceChangePercent *float64  `json:"price_change_percent,omitempty"`
	CurrentPrice       *float64  `json:"current_price,omitempty"`
	CreatedAt          time.Time `gorm:"index" json:"created_at"`
}
