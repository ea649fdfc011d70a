package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/entitlements"
)

// Window is the rolling lookback used for quota counting. It is computed from
// "now" at every check, not aligned to calendar days, so a user cannot burst
// at midnight.
const Window = 24 * time.Hour

// DenyReason is the user-visible reason a reservation was refused.
type DenyReason string

const (
	DenyDailyCountExceeded   DenyReason = "daily_count_exceeded"
	DenySizeExceedsPlanLimit DenyReason = "size_exceeds_plan_limit"
	DenyPlanExpired          DenyReason = "plan_expired"
)

// Decision is the outcome of CheckAndReserve. On Allowed the reservation has
// already been written: Job is the created queued job.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Job     *models.DownloadJob
}

// Ledger enforces per-plan quotas. The quota check and the job insert happen
// under a per-user lock so concurrent submissions from the same user cannot
// race past the limit; different users proceed independently.
type Ledger struct {
	jobs        repository.JobRepository
	maxAttempts int

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// NewLedger creates a quota ledger over the given job store.
func NewLedger(jobs repository.JobRepository, maxAttempts int) *Ledger {
	return &Ledger{
		jobs:        jobs,
		maxAttempts: maxAttempts,
		locks:       make(map[uint]*sync.Mutex),
	}
}

func (l *Ledger) userLock(userID uint) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// CheckAndReserve counts the user's rolling-window consumption against the
// effective plan limits and, if allowed, creates the queued job in the same
// critical section. The job counts toward quota from this moment on, so a
// later failure still consumes allowance.
func (l *Ledger) CheckAndReserve(ctx context.Context, user *models.User, sourceURL string, estimatedSize int64, now time.Time) (*Decision, error) {
	effective := entitlements.EffectivePlan(user, now)
	limits := entitlements.LimitsFor(effective)
	expired := entitlements.IsPaidPlan(entitlements.NormalizePlan(user.Plan)) && effective == entitlements.PlanFree

	deny := func(reason DenyReason) *Decision {
		if expired {
			reason = DenyPlanExpired
		}
		return &Decision{Allowed: false, Reason: reason}
	}

	if estimatedSize > limits.MaxFileSize {
		return deny(DenySizeExceedsPlanLimit), nil
	}

	lock := l.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	count, err := l.jobs.CountActiveByUserSince(ctx, user.ID, now.Add(-Window))
	if err != nil {
		return nil, err
	}
	if count >= int64(limits.DailyDownloads) {
		return deny(DenyDailyCountExceeded), nil
	}

	job := &models.DownloadJob{
		UUID:        uuid.New().String(),
		UserID:      user.ID,
		SourceURL:   sourceURL,
		State:       models.JobStateQueued,
		MaxAttempts: l.maxAttempts,
		SizeLimit:   limits.MaxFileSize,
		MaxHeight:   limits.MaxQualityHeight(),
		RequestedAt: now,
	}
	if err := l.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	return &Decision{Allowed: true, Job: job}, nil
}
