package billing

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
)

// Repository provides DB operations used by the billing service. The combined
// verify-and-upgrade write is one operation so implementations can make it a
// single transaction.
type Repository interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByRef(ctx context.Context, providerRef string) (*models.PaymentIntent, error)
	// MarkVerifiedAndUpgrade transitions a pending intent to verified and
	// applies the plan change to the owning user atomically. New expiry is
	// max(current expiry, now) + planPeriod so early renewals extend rather
	// than reset. Returns gorm.ErrRecordNotFound when the intent is no longer
	// pending (a concurrent callback won).
	MarkVerifiedAndUpgrade(ctx context.Context, providerRef string, now time.Time, planPeriod time.Duration) (*models.PaymentIntent, error)
	MarkFailed(ctx context.Context, providerRef string) error
	// ExpirePendingOlderThan sweeps pending intents created before the cutoff
	// into the expired state and reports how many were swept.
	ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

func (r *gormRepository) GetIntentByRef(ctx context.Context, providerRef string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	if err := r.db.WithContext(ctx).Where("provider_ref = ?", providerRef).First(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *gormRepository) MarkVerifiedAndUpgrade(ctx context.Context, providerRef string, now time.Time, planPeriod time.Duration) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conditional transition guards against replayed or racing callbacks:
		// only one caller can move pending -> verified.
		res := tx.Model(&models.PaymentIntent{}).
			Where("provider_ref = ? AND state = ?", providerRef, models.PaymentStatePending).
			Updates(map[string]interface{}{
				"state":       models.PaymentStateVerified,
				"verified_at": &now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("provider_ref = ?", providerRef).First(&intent).Error; err != nil {
			return err
		}

		var user models.User
		if err := tx.First(&user, intent.UserID).Error; err != nil {
			return err
		}

		base := now
		if user.PlanExpiresAt != nil && user.PlanExpiresAt.After(now) {
			base = *user.PlanExpiresAt
		}
		expiry := base.Add(planPeriod)

		return tx.Model(&models.User{}).Where("id = ?", user.ID).
			Updates(map[string]interface{}{
				"plan":            intent.TargetPlan,
				"plan_expires_at": &expiry,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (r *gormRepository) MarkFailed(ctx context.Context, providerRef string) error {
	res := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("provider_ref = ? AND state = ?", providerRef, models.PaymentStatePending).
		Update("state", models.PaymentStateFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) ExpirePendingOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("state = ? AND created_at < ?", models.PaymentStatePending, cutoff).
		Update("state", models.PaymentStateExpired)
	return res.RowsAffected, res.Error
}
