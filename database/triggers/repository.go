package triggers

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"oi-watchdog/database"
)

// Spec carries the user-supplied fields of a new trigger; the repository
// mints the ID and validates the bounds.
type Spec struct {
	UserID                   int64
	Direction                string
	OIChangePercent          float64
	TimeIntervalMinutes      int
	NotificationLimitSeconds int
}

// Repository handles persistence of trigger configurations.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a trigger repository.
func NewRepository(db *database.Database) *Repository {
	return &Repository{db: db.Gorm()}
}

// Init migrates the trigger schema.
func (r *Repository) Init() error {
	if err := r.db.AutoMigrate(&database.Trigger{}); err != nil {
		return fmt.Errorf("Init triggers: %w", err)
	}
	return nil
}

// GetAllActive returns every active trigger.
func (r *Repository) GetAllActive() ([]database.Trigger, error) {
	var out []database.Trigger
	if err := r.db.Where("is_active = ?", true).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("GetAllActive: %w", err)
	}
	return out, nil
}

// FindByUser returns a user's triggers, newest first.
func (r *Repository) FindByUser(userID int64) ([]database.Trigger, error) {
	var out []database.Trigger
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("FindByUser: %w", err)
	}
	return out, nil
}

// Save validates the spec, mints an ID, and persists the trigger.
func (r *Repository) Save(spec Spec) (*database.Trigger, error) {
	if spec.Direction != database.DirectionUp && spec.Direction != database.DirectionDown {
		return nil, fmt.Errorf("Save: invalid direction %q", spec.Direction)
	}
	if spec.OIChangePercent <= 0 {
		return nil, fmt.Errorf("Save: oi change percent must be positive")
	}
	if spec.TimeIntervalMinutes < 1 || spec.TimeIntervalMinutes > 30 {
		return nil, fmt.Errorf("Save: time interval must be within [1, 30] minutes")
	}
	if spec.NotificationLimitSeconds < 10 {
		return nil, fmt.Errorf("Save: notification limit must be at least 10 seconds")
	}

	t := &database.Trigger{
		ID:                       uuid.NewString(),
		UserID:                   spec.UserID,
		Direction:                spec.Direction,
		OIChangePercent:          spec.OIChangePercent,
		TimeIntervalMinutes:      spec.TimeIntervalMinutes,
		NotificationLimitSeconds: spec.NotificationLimitSeconds,
		IsActive:                 true,
	}
	if err := r.db.Create(t).Error; err != nil {
		return nil, fmt.Errorf("Save: %w", err)
	}
	return t, nil
}

// Remove deactivates a trigger owned by the given user. Returns false when
// no matching active trigger exists.
func (r *Repository) Remove(id string, userID int64) (bool, error) {
	res := r.db.Model(&database.Trigger{}).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		Update("is_active", false)
	if res.Error != nil {
		return false, fmt.Errorf("Remove: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
