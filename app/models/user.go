package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_DISABLED = "disabled"
)

type User struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ChatID        int64      `gorm:"uniqueIndex;not null" json:"chat_id" validate:"required"`
	Username      string     `gorm:"type:varchar(150);default:null" json:"username" validate:"max=150"`
	Plan          string     `gorm:"type:varchar(20);not null;default:'free';index" json:"plan" validate:"oneof=free bronze silver gold"`
	PlanExpiresAt *time.Time `gorm:"type:timestamp;default:null" json:"plan_expires_at,omitempty"`
	Status        string     `gorm:"type:varchar(20);not null;default:'active'" json:"status" validate:"oneof=active disabled"`
	IsAdmin       bool       `gorm:"default:false" json:"is_admin"`
	// Lifetime completed downloads, maintained by the metrics counter flush.
	DownloadCount int64      `gorm:"not null;default:0" json:"download_count"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// CreateUser builds a new active free-plan user for a chat identity.
func CreateUser(chatID int64, username string) (*User, error) {
	u := &User{
		ChatID:   chatID,
		Username: username,
		Plan:     "free",
		Status:   STATUS_ACTIVE,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// PlanActiveAt reports whether the paid plan is still valid at the given time.
// A missing or elapsed expiry means free-plan limits apply.
func (u *User) PlanActiveAt(now time.Time) bool {
	if u.Plan == "free" {
		return true
	}
	return u.PlanExpiresAt != nil && u.PlanExpiresAt.After(now)
}
