package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/jobqueue"
	"github.com/beastdl/beastdl/internal/pkg/quota"
)

type fakeQueue struct {
	enqueued []string
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobUUID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, jobUUID)
	return nil
}

func newFixture(t *testing.T, queueErr error) (*Dispatcher, *repository.MemoryJobRepository, *models.User) {
	t.Helper()
	users := repository.NewMemoryUserRepository()
	jobs := repository.NewMemoryJobRepository()
	user, err := users.GetOrCreateByChatID(context.Background(), 1001, "alice")
	require.NoError(t, err)

	ledger := quota.NewLedger(jobs, 3)
	d := New(users, jobs, ledger, &fakeQueue{err: queueErr}, []string{"http", "https"})
	return d, jobs, user
}

func TestDispatcher_SubmitAccepted(t *testing.T) {
	d, jobs, user := newFixture(t, nil)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/video/123")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	require.NotEmpty(t, res.JobID)

	job, err := jobs.GetByUUID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, job.State)
	assert.Equal(t, user.ID, job.UserID)

	q := d.queue.(*fakeQueue)
	assert.Equal(t, []string{res.JobID}, q.enqueued)
}

func TestDispatcher_SubmitInvalidURL(t *testing.T) {
	d, jobs, user := newFixture(t, nil)

	cases := []string{
		"",
		"not a url",
		"ftp://example.com/file",
		"javascript:alert(1)",
	}
	for _, raw := range cases {
		res, err := d.Submit(context.Background(), user.ID, raw)
		require.NoError(t, err, raw)
		assert.False(t, res.Accepted, raw)
		assert.Equal(t, RejectInvalidURL, res.Reason, raw)
	}

	// Nothing was written to the store.
	active, err := jobs.CountActiveByUserSince(context.Background(), user.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestDispatcher_SubmitDisabledUser(t *testing.T) {
	users := repository.NewMemoryUserRepository()
	jobs := repository.NewMemoryJobRepository()
	user, err := users.GetOrCreateByChatID(context.Background(), 1002, "mallory")
	require.NoError(t, err)
	user.Status = models.STATUS_DISABLED
	require.NoError(t, users.Save(context.Background(), user))

	d := New(users, jobs, quota.NewLedger(jobs, 3), &fakeQueue{}, []string{"https"})
	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectUserDisabled, res.Reason)
}

func TestDispatcher_SubmitQuotaExceeded(t *testing.T) {
	d, _, user := newFixture(t, nil)

	// Free plan allows five downloads in the rolling window.
	for i := 0; i < 5; i++ {
		res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectQuotaCount, res.Reason)
}

func TestDispatcher_SubmitQueueFull(t *testing.T) {
	d, jobs, user := newFixture(t, jobqueue.ErrQueueFull)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, RejectQueueFull, res.Reason)

	// The reserved job was marked rejected and no longer charges quota.
	active, err := jobs.CountActiveByUserSince(context.Background(), user.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, active)

	all, err := jobs.ListByUserSince(context.Background(), user.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.JobStateFailedPermanent, all[0].State)
	assert.Equal(t, models.FailureReasonRejected, all[0].FailureReason)
}

func TestDispatcher_SubmitQueueFullDoesNotBlockRetry(t *testing.T) {
	d, _, user := newFixture(t, jobqueue.ErrQueueFull)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	require.Equal(t, RejectQueueFull, res.Reason)

	// Queue drains; the same user can resubmit immediately.
	d.queue.(*fakeQueue).err = nil
	res, err = d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestDispatcher_CancelOwnJob(t *testing.T) {
	d, jobs, user := newFixture(t, nil)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)
	require.True(t, res.Accepted)

	require.NoError(t, d.Cancel(context.Background(), res.JobID, user.ID))

	job, err := jobs.GetByUUID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	// The state is untouched; workers honour the flag at their next check.
	assert.Equal(t, models.JobStateQueued, job.State)
}

func TestDispatcher_CancelForeignJobRefused(t *testing.T) {
	d, jobs, user := newFixture(t, nil)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)

	err = d.Cancel(context.Background(), res.JobID, user.ID+99)
	assert.True(t, errors.Is(err, repository.ErrConflict))

	job, err := jobs.GetByUUID(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.False(t, job.CancelRequested)
}

func TestDispatcher_CancelTerminalJobRefused(t *testing.T) {
	d, jobs, user := newFixture(t, nil)

	res, err := d.Submit(context.Background(), user.ID, "https://example.com/v")
	require.NoError(t, err)

	require.NoError(t, jobs.AdvanceState(context.Background(), res.JobID, models.JobStateQueued, models.JobStateSucceeded, nil))

	err = d.Cancel(context.Background(), res.JobID, user.ID)
	assert.True(t, errors.Is(err, repository.ErrConflict))
}
