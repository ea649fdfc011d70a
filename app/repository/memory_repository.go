package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
)

// MemoryJobRepository is an in-memory job store with the same conditional
// write semantics as the GORM implementation. Used by tests and by local
// development without a database.
type MemoryJobRepository struct {
	mu     sync.Mutex
	nextID uint
	jobs   map[string]*models.DownloadJob
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*models.DownloadJob)}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *models.DownloadJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	job.ID = r.nextID
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
	job.UpdatedAt = time.Now()
	clone := *job
	r.jobs[job.UUID] = &clone
	return nil
}

func (r *MemoryJobRepository) GetByUUID(_ context.Context, uuid string) (*models.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[uuid]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *MemoryJobRepository) CountActiveByUserSince(_ context.Context, userID uint, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, job := range r.jobs {
		if job.UserID != userID || job.RequestedAt.Before(since) {
			continue
		}
		if job.CountsTowardQuota() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryJobRepository) ListByUserSince(_ context.Context, userID uint, since time.Time) ([]models.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []models.DownloadJob
	for _, job := range r.jobs {
		if job.UserID == userID && !job.RequestedAt.Before(since) {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RequestedAt.After(jobs[j].RequestedAt) })
	return jobs, nil
}

func (r *MemoryJobRepository) AdvanceState(_ context.Context, uuid string, expected, next models.JobState, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[uuid]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if job.State != expected {
		return ErrConflict
	}
	// Same guard as the GORM store: a cancel-flagged job never starts running.
	if next == models.JobStateInProgress && job.CancelRequested {
		return ErrConflict
	}
	job.State = next
	job.UpdatedAt = time.Now()
	if next.IsTerminal() {
		now := time.Now()
		job.CompletedAt = &now
	}
	for k, v := range fields {
		switch k {
		case "attempt_count":
			if n, ok := v.(int); ok {
				job.AttemptCount = n
			}
		case "last_error":
			if s, ok := v.(string); ok {
				job.LastError = s
			}
		case "failure_reason":
			if s, ok := v.(string); ok {
				job.FailureReason = s
			}
		case "result_ref":
			if s, ok := v.(string); ok {
				job.ResultRef = s
			}
		case "result_size_bytes":
			if n, ok := v.(int64); ok {
				job.ResultSizeBytes = n
			}
		}
	}
	return nil
}

func (r *MemoryJobRepository) RequestCancel(_ context.Context, uuid string, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[uuid]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if job.UserID != userID {
		return ErrConflict
	}
	if job.State != models.JobStateQueued && job.State != models.JobStateInProgress {
		return ErrConflict
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryJobRepository) ListStuckInProgress(_ context.Context, olderThan time.Time) ([]models.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []models.DownloadJob
	for _, job := range r.jobs {
		if job.State == models.JobStateInProgress && job.UpdatedAt.Before(olderThan) {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (r *MemoryJobRepository) ListRequeueable(_ context.Context) ([]models.DownloadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []models.DownloadJob
	for _, job := range r.jobs {
		if job.State == models.JobStateQueued || job.State == models.JobStateFailedRetryable {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RequestedAt.Before(jobs[j].RequestedAt) })
	return jobs, nil
}

// MemoryUserRepository is an in-memory user store for tests.
type MemoryUserRepository struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*models.User
	byChat map[int64]*models.User
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:   make(map[uint]*models.User),
		byChat: make(map[int64]*models.User),
	}
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *user
	return &clone, nil
}

func (r *MemoryUserRepository) GetOrCreateByChatID(_ context.Context, chatID int64, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.byChat[chatID]; ok {
		clone := *user
		return &clone, nil
	}
	r.nextID++
	user := &models.User{
		ID:       r.nextID,
		ChatID:   chatID,
		Username: username,
		Plan:     "free",
		Status:   models.STATUS_ACTIVE,
	}
	r.byID[user.ID] = user
	r.byChat[chatID] = user
	clone := *user
	return &clone, nil
}

func (r *MemoryUserRepository) Save(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *user
	r.byID[user.ID] = &clone
	r.byChat[user.ChatID] = &clone
	return nil
}
