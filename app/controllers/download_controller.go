package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/dispatcher"
	"github.com/beastdl/beastdl/internal/pkg/entitlements"
	"github.com/beastdl/beastdl/internal/pkg/quota"
	"github.com/beastdl/beastdl/internal/pkg/usercontext"
)

var downloadDispatcher *dispatcher.Dispatcher
var downloadJobs repository.JobRepository

// InitializeDownloadController wires the download endpoints to the dispatcher
// and job store. Must be called before the router installs the routes.
func InitializeDownloadController(d *dispatcher.Dispatcher, jobs repository.JobRepository) {
	downloadDispatcher = d
	downloadJobs = jobs
}

type createDownloadRequest struct {
	URL string `json:"url"`
}

// HandleCreateDownload accepts a download request and returns the job ID.
// The job runs asynchronously; poll GET /downloads/:uuid for progress.
func HandleCreateDownload(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsAuthenticated {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req createDownloadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	result, err := downloadDispatcher.Submit(c.Context(), userCtx.UserID, req.URL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Submission failed"})
	}
	if !result.Accepted {
		return c.Status(rejectStatus(result.Reason)).JSON(fiber.Map{"error": string(result.Reason), "message": rejectMessage(result.Reason)})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": result.JobID,
		"state":  models.JobStateQueued,
	})
}

// HandleGetDownload returns the current state of one job. Only the owner
// (or an admin) may read it.
func HandleGetDownload(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	jobUUID := c.Params("uuid")
	if jobUUID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "uuid missing"})
	}

	job, err := downloadJobs.GetByUUID(c.Context(), jobUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load job"})
	}
	if job.UserID != userCtx.UserID && !userCtx.IsAdmin {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
	}

	return c.JSON(serializeJob(job))
}

// HandleListDownloads returns the user's jobs inside the rolling quota
// window, newest first, together with the remaining allowance.
func HandleListDownloads(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	since := time.Now().Add(-quota.Window)
	jobs, err := downloadJobs.ListByUserSince(c.Context(), userCtx.UserID, since)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load jobs"})
	}

	used := int64(0)
	items := make([]fiber.Map, 0, len(jobs))
	for i := range jobs {
		if jobs[i].CountsTowardQuota() {
			used++
		}
		items = append(items, serializeJob(&jobs[i]))
	}

	limits := entitlements.LimitsFor(entitlements.NormalizePlan(userCtx.Plan))
	return c.JSON(fiber.Map{
		"jobs": items,
		"quota": fiber.Map{
			"plan":  userCtx.Plan,
			"used":  used,
			"limit": limits.DailyDownloads,
		},
	})
}

// HandleCancelDownload flags a job for cancellation. Workers honour the flag
// at their next check point; a terminal job cannot be cancelled.
func HandleCancelDownload(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	jobUUID := c.Params("uuid")
	if jobUUID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "uuid missing"})
	}

	err := downloadDispatcher.Cancel(c.Context(), jobUUID, userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
		}
		if errors.Is(err, repository.ErrConflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "Job is not cancellable"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Cancellation failed"})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": jobUUID, "cancel_requested": true})
}

func serializeJob(job *models.DownloadJob) fiber.Map {
	out := fiber.Map{
		"job_id":        job.UUID,
		"source_url":    job.SourceURL,
		"state":         job.State,
		"attempt_count": job.AttemptCount,
		"requested_at":  job.RequestedAt.UTC().Format(time.RFC3339),
	}
	if job.State == models.JobStateSucceeded {
		out["result_ref"] = job.ResultRef
		out["result_size_bytes"] = job.ResultSizeBytes
	}
	if job.FailureReason != "" {
		out["failure_reason"] = job.FailureReason
	}
	if job.CompletedAt != nil {
		out["completed_at"] = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func rejectStatus(reason dispatcher.RejectReason) int {
	switch reason {
	case dispatcher.RejectInvalidURL:
		return fiber.StatusBadRequest
	case dispatcher.RejectUserDisabled:
		return fiber.StatusForbidden
	case dispatcher.RejectQuotaCount, dispatcher.RejectQuotaSize, dispatcher.RejectPlanExpired:
		return fiber.StatusTooManyRequests
	case dispatcher.RejectQueueFull:
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func rejectMessage(reason dispatcher.RejectReason) string {
	switch reason {
	case dispatcher.RejectInvalidURL:
		return "URL is missing, malformed or uses an unsupported scheme"
	case dispatcher.RejectUserDisabled:
		return "User is disabled"
	case dispatcher.RejectQuotaCount:
		return "Daily download limit reached"
	case dispatcher.RejectQuotaSize:
		return "File exceeds the plan size limit"
	case dispatcher.RejectPlanExpired:
		return "Plan expired, free limits apply"
	case dispatcher.RejectQueueFull:
		return "Queue is full, try again later"
	}
	return "Submission failed"
}
