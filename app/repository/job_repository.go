package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
)

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a job store backed by GORM.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, job *models.DownloadJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *gormJobRepository) GetByUUID(ctx context.Context, uuid string) (*models.DownloadJob, error) {
	var job models.DownloadJob
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *gormJobRepository) CountActiveByUserSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DownloadJob{}).
		Where("user_id = ? AND requested_at >= ?", userID, since).
		Where("state <> ?", models.JobStateCancelled).
		Where("failure_reason <> ?", models.FailureReasonRejected).
		Count(&count).Error
	return count, err
}

func (r *gormJobRepository) ListByUserSince(ctx context.Context, userID uint, since time.Time) ([]models.DownloadJob, error) {
	var jobs []models.DownloadJob
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND requested_at >= ?", userID, since).
		Order("requested_at DESC").
		Find(&jobs).Error
	return jobs, err
}

func (r *gormJobRepository) AdvanceState(ctx context.Context, uuid string, expected, next models.JobState, fields map[string]interface{}) error {
	updates := map[string]interface{}{"state": next}
	for k, v := range fields {
		updates[k] = v
	}
	if next.IsTerminal() {
		now := time.Now()
		updates["completed_at"] = &now
	}

	q := r.db.WithContext(ctx).Model(&models.DownloadJob{}).
		Where("uuid = ? AND state = ?", uuid, expected)
	if next == models.JobStateInProgress {
		// A cancel-flagged job must never start running; only the cancel
		// path may move it on.
		q = q.Where("cancel_requested = ?", false)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *gormJobRepository) RequestCancel(ctx context.Context, uuid string, userID uint) error {
	res := r.db.WithContext(ctx).Model(&models.DownloadJob{}).
		Where("uuid = ? AND user_id = ?", uuid, userID).
		Where("state IN ?", []models.JobState{models.JobStateQueued, models.JobStateInProgress}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either not owned by the requester or already terminal.
		var job models.DownloadJob
		if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return gorm.ErrRecordNotFound
			}
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *gormJobRepository) ListStuckInProgress(ctx context.Context, olderThan time.Time) ([]models.DownloadJob, error) {
	var jobs []models.DownloadJob
	err := r.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", models.JobStateInProgress, olderThan).
		Find(&jobs).Error
	return jobs, err
}

func (r *gormJobRepository) ListRequeueable(ctx context.Context) ([]models.DownloadJob, error) {
	var jobs []models.DownloadJob
	err := r.db.WithContext(ctx).
		Where("state IN ?", []models.JobState{models.JobStateQueued, models.JobStateFailedRetryable}).
		Order("requested_at ASC").
		Find(&jobs).Error
	return jobs, err
}
