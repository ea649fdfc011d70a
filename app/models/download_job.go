package models

import "time"

// JobState is the lifecycle state of a download job.
type JobState string

const (
	JobStateQueued          JobState = "queued"
	JobStateInProgress      JobState = "in_progress"
	JobStateSucceeded       JobState = "succeeded"
	JobStateFailedRetryable JobState = "failed_retryable"
	JobStateFailedPermanent JobState = "failed_permanent"
	JobStateCancelled       JobState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailedPermanent, JobStateCancelled:
		return true
	}
	return false
}

// FailureReasonRejected marks jobs that never reached a worker; they do not
// count toward the rolling quota window.
const FailureReasonRejected = "rejected_before_dispatch"

// DownloadJob is one tracked download request. Created by the dispatcher,
// mutated by workers thereafter except for the cancel flag.
type DownloadJob struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UUID         string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	UserID       uint      `gorm:"not null;index:idx_download_jobs_user_created,priority:1" json:"user_id"`
	SourceURL    string    `gorm:"type:varchar(2048);not null" json:"source_url"`
	State        JobState  `gorm:"type:varchar(20);not null;default:'queued';index" json:"state"`
	AttemptCount int       `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts  int       `gorm:"not null;default:5" json:"max_attempts"`
	// Plan limits frozen at creation; a later plan change does not apply.
	SizeLimit       int64      `gorm:"not null" json:"size_limit"`
	MaxHeight       int        `gorm:"not null;default:0" json:"max_height"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	FailureReason   string     `gorm:"type:varchar(50);default:''" json:"failure_reason,omitempty"`
	ResultRef       string     `gorm:"type:varchar(512);default:''" json:"result_ref,omitempty"`
	ResultSizeBytes int64      `gorm:"default:0" json:"result_size_bytes,omitempty"`
	CancelRequested bool       `gorm:"not null;default:false" json:"cancel_requested"`
	RequestedAt     time.Time  `gorm:"autoCreateTime;index:idx_download_jobs_user_created,priority:2" json:"requested_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
}

// CountsTowardQuota reports whether the job consumes rolling-window allowance.
// Failed attempts still count; only cancelled jobs and jobs rejected before
// dispatch are excluded.
func (j *DownloadJob) CountsTowardQuota() bool {
	if j.State == JobStateCancelled {
		return false
	}
	return j.FailureReason != FailureReasonRejected
}
