package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/internal/pkg/entitlements"
)

// ErrFreePlan is returned when an intent targets a plan that costs nothing.
var ErrFreePlan = errors.New("billing: target plan has no price")

// Service owns the payment intent state machine: pending -> verified | failed
// | expired, all terminal. Verification is idempotent per provider reference.
type Service struct {
	repo       Repository
	planPeriod time.Duration
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, planPeriod time.Duration) *Service {
	return &Service{repo: repo, planPeriod: planPeriod}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, planPeriod time.Duration) *Service {
	return NewService(NewRepository(db), planPeriod)
}

// CreateIntent opens a pending payment intent for a plan upgrade. The amount
// is the plan's configured price and the provider reference is generated here.
func (s *Service) CreateIntent(ctx context.Context, userID uint, targetPlan string) (*models.PaymentIntent, error) {
	plan := entitlements.NormalizePlan(targetPlan)
	if !entitlements.IsPaidPlan(plan) {
		return nil, ErrFreePlan
	}

	intent := &models.PaymentIntent{
		UserID:      userID,
		TargetPlan:  string(plan),
		Amount:      entitlements.LimitsFor(plan).Price,
		ProviderRef: uuid.New().String(),
		State:       models.PaymentStatePending,
	}
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return nil, err
	}

	log.Infof("[Billing] Created intent %s for user %d (plan=%s, amount=%d)", intent.ProviderRef, userID, plan, intent.Amount)
	return intent, nil
}

// HandleCallback processes a provider callback. Callbacks are always
// acknowledged: verification mismatches are logged and ignored so the intent
// stays pending for manual review or natural expiry, and replays of settled
// intents return the original outcome without touching the user's plan.
func (s *Service) HandleCallback(ctx context.Context, reference string, amount int64, status string) (*Outcome, error) {
	intent, err := s.repo.GetIntentByRef(ctx, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] Callback for unknown reference %s ignored", reference)
			return &Outcome{Reason: ReasonUnknownReference}, nil
		}
		return nil, err
	}

	if intent.IsTerminal() {
		log.Infof("[Billing] Replayed callback for %s (state=%s), returning original outcome", reference, intent.State)
		return &Outcome{State: intent.State, Plan: intent.TargetPlan, Reason: ReasonAlreadySettled}, nil
	}

	if status != CallbackStatusOK {
		if err := s.markFailed(ctx, intent); err != nil {
			return nil, err
		}
		return &Outcome{State: models.PaymentStateFailed}, nil
	}

	if amount != intent.Amount {
		// PaymentMismatch: acknowledged but not applied.
		log.Warnf("[Billing] Amount mismatch for %s: got %d, want %d", reference, amount, intent.Amount)
		return &Outcome{State: models.PaymentStatePending, Reason: ReasonAmountMismatch}, nil
	}

	verified, err := s.repo.MarkVerifiedAndUpgrade(ctx, reference, time.Now(), s.planPeriod)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A concurrent callback settled the intent first.
			current, gerr := s.repo.GetIntentByRef(ctx, reference)
			if gerr != nil {
				return nil, gerr
			}
			return &Outcome{State: current.State, Plan: current.TargetPlan, Reason: ReasonAlreadySettled}, nil
		}
		return nil, fmt.Errorf("verify intent %s: %w", reference, err)
	}

	log.Infof("[Billing] Verified intent %s, user %d upgraded to %s", reference, verified.UserID, verified.TargetPlan)
	return &Outcome{State: models.PaymentStateVerified, Applied: true, Plan: verified.TargetPlan}, nil
}

func (s *Service) markFailed(ctx context.Context, intent *models.PaymentIntent) error {
	err := s.repo.MarkFailed(ctx, intent.ProviderRef)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	log.Infof("[Billing] Intent %s marked failed", intent.ProviderRef)
	return nil
}

// SweepExpired moves pending intents older than the timeout into the expired
// state. Run from a background ticker, never synchronously with callbacks.
func (s *Service) SweepExpired(ctx context.Context, timeout time.Duration) (int64, error) {
	swept, err := s.repo.ExpirePendingOlderThan(ctx, time.Now().Add(-timeout))
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		log.Infof("[Billing] Expired %d stale payment intents", swept)
	}
	return swept, nil
}
