package repository

import (
	"context"
	"errors"
	"time"

	"github.com/beastdl/beastdl/app/models"
)

// ErrConflict is returned by conditional writes when the stored state no
// longer matches the expected state. A caller losing this race owns nothing
// and must not touch the record again.
var ErrConflict = errors.New("repository: state conflict")

// UserRepository provides DB operations for chat users.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetOrCreateByChatID(ctx context.Context, chatID int64, username string) (*models.User, error)
	Save(ctx context.Context, user *models.User) error
}

// JobRepository is the durable download job store.
type JobRepository interface {
	Create(ctx context.Context, job *models.DownloadJob) error
	GetByUUID(ctx context.Context, uuid string) (*models.DownloadJob, error)
	// CountActiveByUserSince counts jobs in the rolling window that consume
	// quota: every state except cancelled, minus jobs rejected before dispatch.
	CountActiveByUserSince(ctx context.Context, userID uint, since time.Time) (int64, error)
	ListByUserSince(ctx context.Context, userID uint, since time.Time) ([]models.DownloadJob, error)
	// AdvanceState performs a compare-and-set on the job state. fields may
	// carry additional columns written in the same statement. Returns
	// ErrConflict when the current state does not match expected.
	AdvanceState(ctx context.Context, uuid string, expected, next models.JobState, fields map[string]interface{}) error
	// RequestCancel flags a queued or in-progress job owned by userID.
	RequestCancel(ctx context.Context, uuid string, userID uint) error
	// ListStuckInProgress returns jobs that have sat in progress since before
	// the cutoff, usually because their worker died.
	ListStuckInProgress(ctx context.Context, olderThan time.Time) ([]models.DownloadJob, error)
	// ListRequeueable returns queued and retryable jobs, used on startup to
	// rebuild the in-flight queue after a restart.
	ListRequeueable(ctx context.Context) ([]models.DownloadJob, error)
}

// Repositories bundles all repository implementations.
type Repositories struct {
	Users UserRepository
	Jobs  JobRepository
}
