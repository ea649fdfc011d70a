package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/fetcher"
	"github.com/beastdl/beastdl/internal/pkg/s3storage"
	"github.com/beastdl/beastdl/internal/pkg/transport"
)

// RequeueFunc schedules a job id back onto the queue after a delay.
type RequeueFunc func(jobUUID string, delay time.Duration)

// Processor executes one download job end to end: claim, fetch, store,
// finalize, notify. It owns every state transition after queued.
type Processor struct {
	jobs     repository.JobRepository
	fetch    fetcher.Fetcher
	storage  s3storage.Storage
	notifier transport.Notifier
	dedupe   transport.Dedupe
	requeue  RequeueFunc

	fetchTimeout time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	pollInterval time.Duration
}

// ProcessorConfig carries the processor's tuning knobs.
type ProcessorConfig struct {
	FetchTimeout time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	// PollInterval is how often a running fetch re-checks the cancel flag.
	PollInterval time.Duration
}

// NewProcessor wires a download processor.
func NewProcessor(
	jobs repository.JobRepository,
	fetch fetcher.Fetcher,
	storage s3storage.Storage,
	notifier transport.Notifier,
	dedupe transport.Dedupe,
	requeue RequeueFunc,
	cfg ProcessorConfig,
) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Processor{
		jobs:         jobs,
		fetch:        fetch,
		storage:      storage,
		notifier:     notifier,
		dedupe:       dedupe,
		requeue:      requeue,
		fetchTimeout: cfg.FetchTimeout,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		pollInterval: cfg.PollInterval,
	}
}

// Process runs a single attempt for the job. It never returns an error for
// job-level failures; those are recorded on the job itself. The returned
// error signals infrastructure trouble (store unreachable) only.
func (p *Processor) Process(ctx context.Context, jobUUID string) error {
	job, err := p.jobs.GetByUUID(ctx, jobUUID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobUUID, err)
	}

	if job.State != models.JobStateQueued {
		// Stale queue entry; the job was finalized or claimed elsewhere.
		return nil
	}

	// Cancellation check at the top of the attempt.
	if job.CancelRequested {
		p.finalizeCancel(ctx, job, models.JobStateQueued)
		return nil
	}

	attempt := job.AttemptCount + 1
	err = p.jobs.AdvanceState(ctx, jobUUID, models.JobStateQueued, models.JobStateInProgress,
		map[string]interface{}{"attempt_count": attempt})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Either another worker won the claim, or a cancel landed
			// between the read above and the claim. Only the cancel case
			// is ours to finalize; a still-queued flagged job must never
			// start running.
			if cur, gerr := p.jobs.GetByUUID(ctx, jobUUID); gerr == nil &&
				cur.State == models.JobStateQueued && cur.CancelRequested {
				p.finalizeCancel(ctx, cur, models.JobStateQueued)
			}
			return nil
		}
		return fmt.Errorf("claim job %s: %w", jobUUID, err)
	}

	// A cancel racing the claim lands after it took effect; honor it before
	// starting the fetch.
	if cur, gerr := p.jobs.GetByUUID(ctx, jobUUID); gerr == nil && cur.CancelRequested {
		p.finalizeCancel(ctx, job, models.JobStateInProgress)
		return nil
	}

	log.Infof("[JobQueue] Processing job %s (attempt %d/%d)", jobUUID, attempt, job.MaxAttempts)

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	p.watchCancel(fetchCtx, cancel, jobUUID)

	result, fetchErr := p.fetch.Fetch(fetchCtx, job.SourceURL, job.SizeLimit, job.MaxHeight)
	cancel()

	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) {
			if cur, err := p.jobs.GetByUUID(ctx, jobUUID); err == nil && cur.CancelRequested {
				p.finalizeCancel(ctx, job, models.JobStateInProgress)
				return nil
			}
		}
		p.finalizeFailure(ctx, job, attempt, fetchErr)
		return nil
	}

	ref, storeErr := p.storage.Store(ctx, result.FilePath, "results/"+job.UUID)
	if storeErr != nil {
		// Storage trouble is transient from the job's point of view.
		p.finalizeFailure(ctx, job, attempt, fetcher.NewError(fetcher.KindNetwork, storeErr))
		return nil
	}

	err = p.jobs.AdvanceState(ctx, jobUUID, models.JobStateInProgress, models.JobStateSucceeded,
		map[string]interface{}{
			"result_ref":        ref,
			"result_size_bytes": result.SizeBytes,
			"last_error":        "",
		})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		return fmt.Errorf("finalize job %s: %w", jobUUID, err)
	}

	p.notify(ctx, transport.Outcome{JobID: jobUUID, State: models.JobStateSucceeded, ResultRef: ref})
	return nil
}

// watchCancel polls the cancel flag while the fetch runs and cancels the
// fetch context when the flag appears.
func (p *Processor) watchCancel(ctx context.Context, cancel context.CancelFunc, jobUUID string) {
	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job, err := p.jobs.GetByUUID(ctx, jobUUID)
				if err == nil && job.CancelRequested {
					cancel()
					return
				}
			}
		}
	}()
}

func (p *Processor) finalizeCancel(ctx context.Context, job *models.DownloadJob, from models.JobState) {
	err := p.jobs.AdvanceState(ctx, job.UUID, from, models.JobStateCancelled, nil)
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			log.Errorf("[JobQueue] Cancel finalize for %s failed: %v", job.UUID, err)
		}
		return
	}
	log.Infof("[JobQueue] Job %s cancelled", job.UUID)
	p.notify(ctx, transport.Outcome{JobID: job.UUID, State: models.JobStateCancelled, Reason: "cancelled"})
}

func (p *Processor) finalizeFailure(ctx context.Context, job *models.DownloadJob, attempt int, fetchErr error) {
	kind := fetcher.KindOf(fetchErr)
	fields := map[string]interface{}{
		"last_error":     fetchErr.Error(),
		"failure_reason": string(kind),
	}

	if kind.Retryable() && attempt < job.MaxAttempts {
		err := p.jobs.AdvanceState(ctx, job.UUID, models.JobStateInProgress, models.JobStateFailedRetryable, fields)
		if err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				log.Errorf("[JobQueue] Retryable finalize for %s failed: %v", job.UUID, err)
			}
			return
		}
		delay := Backoff(p.backoffBase, p.backoffCap, attempt)
		log.Warnf("[JobQueue] Job %s failed (%s), retry %d/%d in %s", job.UUID, kind, attempt, job.MaxAttempts, delay)
		p.requeue(job.UUID, delay)
		return
	}

	err := p.jobs.AdvanceState(ctx, job.UUID, models.JobStateInProgress, models.JobStateFailedPermanent, fields)
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			log.Errorf("[JobQueue] Permanent finalize for %s failed: %v", job.UUID, err)
		}
		return
	}
	log.Errorf("[JobQueue] Job %s permanently failed after %d attempts: %v", job.UUID, attempt, fetchErr)
	p.notify(ctx, transport.Outcome{JobID: job.UUID, State: models.JobStateFailedPermanent, Reason: string(kind)})
}

// notify delivers the terminal outcome exactly once per job id. The dedupe
// guard makes retried deliveries collapse; the transport must additionally
// tolerate duplicates of its own.
func (p *Processor) notify(ctx context.Context, outcome transport.Outcome) {
	first, err := p.dedupe.FirstDelivery(ctx, outcome.JobID)
	if err != nil {
		log.Errorf("[JobQueue] Notification dedupe for %s failed: %v", outcome.JobID, err)
		return
	}
	if !first {
		return
	}
	if err := p.notifier.NotifyResult(ctx, outcome); err != nil {
		log.Errorf("[JobQueue] Notification for %s failed: %v", outcome.JobID, err)
	}
}

// RequeueRetryable moves a retryable job back to queued. Called by the queue
// when a backoff timer fires.
func (p *Processor) RequeueRetryable(ctx context.Context, jobUUID string) (bool, error) {
	err := p.jobs.AdvanceState(ctx, jobUUID, models.JobStateFailedRetryable, models.JobStateQueued, nil)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
