package dispatcher

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/jobqueue"
	"github.com/beastdl/beastdl/internal/pkg/quota"
)

// RejectReason is the stable, user-facing code for a refused submission.
type RejectReason string

const (
	RejectInvalidURL    RejectReason = "invalid_url"
	RejectUserDisabled  RejectReason = "user_disabled"
	RejectQuotaCount    RejectReason = "daily_count_exceeded"
	RejectQuotaSize     RejectReason = "size_exceeds_plan_limit"
	RejectPlanExpired   RejectReason = "plan_expired"
	RejectQueueFull     RejectReason = "queue_full"
	RejectInternalError RejectReason = "internal_error"
)

// Result is the synchronous answer to a submission.
type Result struct {
	Accepted bool
	JobID    string
	Reason   RejectReason
}

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobUUID string) error
}

// Dispatcher is the entry point from the chat transport. It validates,
// consults the quota ledger and hands accepted jobs to the worker pool.
type Dispatcher struct {
	users          repository.UserRepository
	jobs           repository.JobRepository
	ledger         *quota.Ledger
	queue          Enqueuer
	allowedSchemes map[string]struct{}
	validate       *validator.Validate
}

// New creates a dispatcher.
func New(users repository.UserRepository, jobs repository.JobRepository, ledger *quota.Ledger, queue Enqueuer, allowedSchemes []string) *Dispatcher {
	schemes := make(map[string]struct{}, len(allowedSchemes))
	for _, s := range allowedSchemes {
		schemes[s] = struct{}{}
	}
	return &Dispatcher{
		users:          users,
		jobs:           jobs,
		ledger:         ledger,
		queue:          queue,
		allowedSchemes: schemes,
		validate:       validator.New(),
	}
}

// Submit validates a download request, reserves quota and enqueues the job.
// Cheap shape checks run before any stateful work.
func (d *Dispatcher) Submit(ctx context.Context, userID uint, rawURL string) (*Result, error) {
	if !d.validURL(rawURL) {
		return &Result{Reason: RejectInvalidURL}, nil
	}

	user, err := d.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return &Result{Reason: RejectUserDisabled}, nil
	}

	decision, err := d.ledger.CheckAndReserve(ctx, user, rawURL, 0, time.Now())
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return &Result{Reason: mapDenyReason(decision.Reason)}, nil
	}

	job := decision.Job
	if err := d.queue.Enqueue(ctx, job.UUID); err != nil {
		// The reservation is already written; mark the job rejected before
		// dispatch so it does not consume quota.
		reason := RejectInternalError
		if errors.Is(err, jobqueue.ErrQueueFull) {
			reason = RejectQueueFull
		}
		d.rejectBeforeDispatch(ctx, job.UUID, err)
		return &Result{Reason: reason}, nil
	}

	log.Infof("[Dispatcher] Accepted job %s for user %d", job.UUID, userID)
	return &Result{Accepted: true, JobID: job.UUID}, nil
}

// Cancel flags a job for cancellation. Only the owning user may cancel, and
// only while the job is queued or in progress. The flag is advisory: a
// worker mid-attempt aborts at its next check point, never mid-write.
func (d *Dispatcher) Cancel(ctx context.Context, jobUUID string, requesterID uint) error {
	if err := d.jobs.RequestCancel(ctx, jobUUID, requesterID); err != nil {
		return err
	}
	log.Infof("[Dispatcher] Cancellation requested for job %s by user %d", jobUUID, requesterID)
	return nil
}

func (d *Dispatcher) validURL(rawURL string) bool {
	if err := d.validate.Var(rawURL, "required,url,max=2048"); err != nil {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	_, ok := d.allowedSchemes[parsed.Scheme]
	return ok
}

func (d *Dispatcher) rejectBeforeDispatch(ctx context.Context, jobUUID string, cause error) {
	err := d.jobs.AdvanceState(ctx, jobUUID, models.JobStateQueued, models.JobStateFailedPermanent,
		map[string]interface{}{
			"failure_reason": models.FailureReasonRejected,
			"last_error":     cause.Error(),
		})
	if err != nil {
		log.Errorf("[Dispatcher] Could not mark job %s rejected: %v", jobUUID, err)
	}
}

func mapDenyReason(reason quota.DenyReason) RejectReason {
	switch reason {
	case quota.DenyDailyCountExceeded:
		return RejectQuotaCount
	case quota.DenySizeExceedsPlanLimit:
		return RejectQuotaSize
	case quota.DenyPlanExpired:
		return RejectPlanExpired
	default:
		return RejectInternalError
	}
}
