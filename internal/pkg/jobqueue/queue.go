package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/metrics/counter"
)

const (
	// Redis key names
	JobQueueKey      = "download_queue"
	JobProcessingKey = "download_processing"
)

// ErrQueueFull is the backpressure signal: the dispatcher rejects new
// submissions instead of letting the queue grow without bound.
var ErrQueueFull = errors.New("jobqueue: queue is full")

// enqueueScript checks the depth bound and pushes in one atomic step, so
// concurrent submitters cannot race past the limit.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[2])
return 1
`)

// Queue is the shared work queue a fixed pool of workers pulls from. Job
// payloads live in the job store; redis only carries job ids, so a lost
// redis entry is recoverable from the store.
type Queue struct {
	client    *redis.Client
	jobs      repository.JobRepository
	processor *Processor
	workers   int
	maxDepth  int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a download queue with the given worker count and bounded
// depth. The processor's requeue hook is bound here so backoff timers push
// work back through redis.
func NewQueue(client *redis.Client, jobs repository.JobRepository, workers int, maxDepth int64) *Queue {
	if workers <= 0 {
		workers = 3
	}
	return &Queue{
		client:   client,
		jobs:     jobs,
		workers:  workers,
		maxDepth: maxDepth,
		stopCh:   make(chan struct{}),
	}
}

// Bind attaches the processor. Separate from NewQueue because the processor
// needs the queue's requeue hook.
func (q *Queue) Bind(processor *Processor) {
	q.processor = processor
}

// Start starts the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})

	log.Infof("[JobQueue] Starting %d workers", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop stops the worker pool and waits for in-flight attempts to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// Enqueue pushes a job id onto the queue. Returns ErrQueueFull when the
// bounded depth is reached.
func (q *Queue) Enqueue(ctx context.Context, jobUUID string) error {
	pushed, err := enqueueScript.Run(ctx, q.client, []string{JobQueueKey}, q.maxDepth, jobUUID).Int()
	if err != nil {
		return err
	}
	if pushed == 0 {
		return ErrQueueFull
	}
	log.Debugf("[JobQueue] Enqueued job %s", jobUUID)
	return nil
}

// ScheduleRetry arms the backoff timer for a retryable job and pushes it
// back onto the queue once the timer fires.
func (q *Queue) ScheduleRetry(jobUUID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		ok, err := q.processor.RequeueRetryable(ctx, jobUUID)
		if err != nil {
			log.Errorf("[JobQueue] Requeue of %s failed: %v", jobUUID, err)
			return
		}
		if !ok {
			// The job left failed_retryable in the meantime (cancelled or
			// recovered by the sweeper); nothing to do.
			return
		}
		if err := q.client.RPush(ctx, JobQueueKey, jobUUID).Err(); err != nil {
			log.Errorf("[JobQueue] Push of %s after backoff failed: %v", jobUUID, err)
		}
	})
}

// worker pulls job ids from the queue until stopped.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			jobUUID, err := q.dequeue(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: dequeue error: %v", id, err)
					time.Sleep(time.Second)
				}
				continue
			}

			if err := q.processor.Process(ctx, jobUUID); err != nil {
				log.Errorf("[JobQueue] Worker %d: job %s: %v", id, jobUUID, err)
			}
			q.removeFromProcessing(ctx, jobUUID)
			q.recordOutcome(ctx, jobUUID)
		}
	}
}

// recordOutcome bumps the owner's lifetime download counter after a
// successful attempt. Best effort; the counter flush tolerates gaps.
func (q *Queue) recordOutcome(ctx context.Context, jobUUID string) {
	job, err := q.jobs.GetByUUID(ctx, jobUUID)
	if err != nil || job.State != models.JobStateSucceeded {
		return
	}
	if err := counter.AddUserDownload(job.UserID); err != nil {
		log.Warnf("[JobQueue] Download counter for user %d not incremented: %v", job.UserID, err)
	}
}

// dequeue moves a job id from the pending list to the processing list
// atomically, blocking briefly so stop requests stay responsive.
func (q *Queue) dequeue(ctx context.Context) (string, error) {
	return q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
}

// removeFromProcessing removes a job id from the processing list.
func (q *Queue) removeFromProcessing(ctx context.Context, jobUUID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobUUID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing list: %v", jobUUID, err)
	}
}

// Depth returns the number of queued job ids.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// RecoverPending rebuilds the redis queue from the job store after a
// restart: queued jobs go straight back, retryable jobs resume their backoff
// from the persisted attempt count.
func (q *Queue) RecoverPending(ctx context.Context, backoffBase, backoffCap time.Duration) error {
	jobs, err := q.jobs.ListRequeueable(ctx)
	if err != nil {
		return err
	}

	pending, err := q.client.LRange(ctx, JobQueueKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	inQueue := make(map[string]struct{}, len(pending))
	for _, id := range pending {
		inQueue[id] = struct{}{}
	}

	recovered := 0
	for _, job := range jobs {
		if _, ok := inQueue[job.UUID]; ok {
			continue
		}
		switch job.State {
		case models.JobStateQueued:
			if err := q.client.RPush(ctx, JobQueueKey, job.UUID).Err(); err != nil {
				return err
			}
			recovered++
		case models.JobStateFailedRetryable:
			q.ScheduleRetry(job.UUID, Backoff(backoffBase, backoffCap, job.AttemptCount))
			recovered++
		}
	}
	if recovered > 0 {
		log.Infof("[JobQueue] Recovered %d pending jobs after restart", recovered)
	}
	return nil
}

// SweepStuck requeues jobs stuck in progress longer than maxAge, usually
// left behind by a crashed worker. The conditional advance keeps a live
// worker's finalize from colliding with the sweep.
func (q *Queue) SweepStuck(ctx context.Context, maxAge time.Duration) error {
	stuck, err := q.jobs.ListStuckInProgress(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return err
	}
	for _, job := range stuck {
		err := q.jobs.AdvanceState(ctx, job.UUID, models.JobStateInProgress, models.JobStateQueued,
			map[string]interface{}{"last_error": "recovered by sweeper"})
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (age > %s)", job.UUID, maxAge)
		q.removeFromProcessing(ctx, job.UUID)
		if err := q.client.RPush(ctx, JobQueueKey, job.UUID).Err(); err != nil {
			return err
		}
	}
	return nil
}
