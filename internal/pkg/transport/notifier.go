package transport

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/beastdl/beastdl/app/models"
)

// Outcome is what the worker pool reports back to the chat transport when a
// job reaches a terminal state.
type Outcome struct {
	JobID     string
	State     models.JobState
	ResultRef string
	// Reason is a stable user-facing code, never raw collaborator detail.
	Reason string
}

// Notifier delivers terminal job outcomes to the chat transport. The
// transport must tolerate duplicate calls for the same job id; the worker
// pool additionally deduplicates through a Dedupe guard.
type Notifier interface {
	NotifyResult(ctx context.Context, outcome Outcome) error
}

// Dedupe arbitrates exactly-once notification per job id.
type Dedupe interface {
	// FirstDelivery returns true only for the first caller per job id.
	FirstDelivery(ctx context.Context, jobID string) (bool, error)
}

// LogNotifier writes outcomes to the log. Stands in for a real chat
// transport in development and tests.
type LogNotifier struct{}

func (LogNotifier) NotifyResult(_ context.Context, outcome Outcome) error {
	if outcome.State == models.JobStateSucceeded {
		log.Infof("[Transport] Job %s succeeded: %s", outcome.JobID, outcome.ResultRef)
	} else {
		log.Infof("[Transport] Job %s ended %s (%s)", outcome.JobID, outcome.State, outcome.Reason)
	}
	return nil
}

const notifiedKeyPrefix = "job_notified:"

// RedisDedupe implements the notification guard with SETNX so retried
// notifications across processes collapse to one delivery.
type RedisDedupe struct {
	client *redis.Client
}

func NewRedisDedupe(client *redis.Client) *RedisDedupe {
	return &RedisDedupe{client: client}
}

func (d *RedisDedupe) FirstDelivery(ctx context.Context, jobID string) (bool, error) {
	return d.client.SetNX(ctx, notifiedKeyPrefix+jobID, 1, 0).Result()
}

// MemoryDedupe is an in-process guard for tests.
type MemoryDedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: make(map[string]struct{})}
}

func (d *MemoryDedupe) FirstDelivery(_ context.Context, jobID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[jobID]; ok {
		return false, nil
	}
	d.seen[jobID] = struct{}{}
	return true, nil
}
