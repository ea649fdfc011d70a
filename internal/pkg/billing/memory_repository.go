package billing

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
)

// MemoryRepository is an in-memory billing store for tests and local
// development. It shares the user store so verified intents can apply plan
// upgrades the way the GORM transaction does.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  uint
	intents map[string]*models.PaymentIntent
	users   repository.UserRepository
}

func NewMemoryRepository(users repository.UserRepository) *MemoryRepository {
	return &MemoryRepository{
		intents: make(map[string]*models.PaymentIntent),
		users:   users,
	}
}

func (r *MemoryRepository) CreateIntent(_ context.Context, intent *models.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	intent.ID = r.nextID
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	clone := *intent
	r.intents[intent.ProviderRef] = &clone
	return nil
}

func (r *MemoryRepository) GetIntentByRef(_ context.Context, providerRef string) (*models.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[providerRef]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *intent
	return &clone, nil
}

func (r *MemoryRepository) MarkVerifiedAndUpgrade(ctx context.Context, providerRef string, now time.Time, planPeriod time.Duration) (*models.PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	intent, ok := r.intents[providerRef]
	if !ok || intent.State != models.PaymentStatePending {
		return nil, gorm.ErrRecordNotFound
	}

	user, err := r.users.GetByID(ctx, intent.UserID)
	if err != nil {
		return nil, err
	}

	intent.State = models.PaymentStateVerified
	intent.VerifiedAt = &now

	base := now
	if user.PlanExpiresAt != nil && user.PlanExpiresAt.After(now) {
		base = *user.PlanExpiresAt
	}
	expiry := base.Add(planPeriod)
	user.Plan = intent.TargetPlan
	user.PlanExpiresAt = &expiry
	if err := r.users.Save(ctx, user); err != nil {
		return nil, err
	}

	clone := *intent
	return &clone, nil
}

func (r *MemoryRepository) MarkFailed(_ context.Context, providerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[providerRef]
	if !ok || intent.State != models.PaymentStatePending {
		return gorm.ErrRecordNotFound
	}
	intent.State = models.PaymentStateFailed
	return nil
}

func (r *MemoryRepository) ExpirePendingOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept int64
	for _, intent := range r.intents {
		if intent.State == models.PaymentStatePending && intent.CreatedAt.Before(cutoff) {
			intent.State = models.PaymentStateExpired
			swept++
		}
	}
	return swept, nil
}
