package models

import "time"

// PaymentState is the lifecycle state of a payment intent. All states other
// than pending are terminal.
type PaymentState string

const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStateVerified PaymentState = "verified"
	PaymentStateFailed   PaymentState = "failed"
	PaymentStateExpired  PaymentState = "expired"
)

// PaymentIntent is one payment attempt tied to a plan upgrade. Transitioned
// exclusively by the billing service; at most one verified outcome exists per
// provider reference.
type PaymentIntent struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	UserID      uint         `gorm:"not null;index" json:"user_id"`
	TargetPlan  string       `gorm:"type:varchar(20);not null" json:"target_plan"`
	Amount      int64        `gorm:"not null" json:"amount"`
	ProviderRef string       `gorm:"type:varchar(191);uniqueIndex;not null" json:"provider_ref"`
	State       PaymentState `gorm:"type:varchar(20);not null;default:'pending';index" json:"state"`
	CreatedAt   time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
	VerifiedAt  *time.Time   `gorm:"type:timestamp;default:null" json:"verified_at,omitempty"`
}

// IsTerminal reports whether the intent can no longer change state.
func (p *PaymentIntent) IsTerminal() bool {
	return p.State != PaymentStatePending
}
