package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/fetcher"
	"github.com/beastdl/beastdl/internal/pkg/transport"
)

// scriptedFetcher returns its scripted errors in order, then succeeds.
type scriptedFetcher struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	result fetcher.Result
}

func (f *scriptedFetcher) Fetch(ctx context.Context, _ string, _ int64, _ int) (*fetcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	r := f.result
	return &r, nil
}

// blockingFetcher blocks until the context is done.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string, _ int64, _ int) (*fetcher.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeStorage struct{}

func (fakeStorage) Store(_ context.Context, localPath, key string) (string, error) {
	return "s3://test-bucket/" + key, nil
}

func (fakeStorage) Delete(_ context.Context, _ string) error { return nil }

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []transport.Outcome
}

func (n *recordingNotifier) NotifyResult(_ context.Context, outcome transport.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outcomes)
}

type retryRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	uuids  []string
}

func (r *retryRecorder) requeue(uuid string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uuids = append(r.uuids, uuid)
	r.delays = append(r.delays, delay)
}

type fixture struct {
	jobs     *repository.MemoryJobRepository
	fetch    fetcher.Fetcher
	notifier *recordingNotifier
	retries  *retryRecorder
	proc     *Processor
}

func newFixture(t *testing.T, fetch fetcher.Fetcher) *fixture {
	t.Helper()
	f := &fixture{
		jobs:     repository.NewMemoryJobRepository(),
		fetch:    fetch,
		notifier: &recordingNotifier{},
		retries:  &retryRecorder{},
	}
	f.proc = NewProcessor(f.jobs, fetch, fakeStorage{}, f.notifier, transport.NewMemoryDedupe(), f.retries.requeue, ProcessorConfig{
		FetchTimeout: time.Second,
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	return f
}

func (f *fixture) createJob(t *testing.T, maxAttempts int) *models.DownloadJob {
	t.Helper()
	job := &models.DownloadJob{
		UUID:        "job-1",
		UserID:      1,
		SourceURL:   "https://example.com/v",
		State:       models.JobStateQueued,
		MaxAttempts: maxAttempts,
		SizeLimit:   50 * 1024 * 1024,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func TestProcessor_Success(t *testing.T) {
	f := newFixture(t, &scriptedFetcher{result: fetcher.Result{FilePath: "/tmp/v.mp4", SizeBytes: 1024}})
	job := f.createJob(t, 5)

	require.NoError(t, f.proc.Process(context.Background(), job.UUID))

	stored, err := f.jobs.GetByUUID(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, "s3://test-bucket/results/job-1", stored.ResultRef)
	assert.Equal(t, int64(1024), stored.ResultSizeBytes)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.JobStateSucceeded, f.notifier.outcomes[0].State)
}

func TestProcessor_LosingClaimWalksAway(t *testing.T) {
	fetch := &scriptedFetcher{}
	f := newFixture(t, fetch)
	job := f.createJob(t, 5)

	// Another worker already claimed the job.
	require.NoError(t, f.jobs.AdvanceState(context.Background(), job.UUID, models.JobStateQueued, models.JobStateInProgress, nil))

	require.NoError(t, f.proc.Process(context.Background(), job.UUID))

	assert.Equal(t, 0, fetch.calls, "losing worker must not fetch")
	assert.Equal(t, 0, f.notifier.count())
	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateInProgress, stored.State)
}

func TestProcessor_ClaimRace(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	job := &models.DownloadJob{UUID: "race-1", State: models.JobStateQueued, MaxAttempts: 3}
	require.NoError(t, jobs.Create(context.Background(), job))

	wins := 0
	conflicts := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := jobs.AdvanceState(context.Background(), "race-1", models.JobStateQueued, models.JobStateInProgress, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, repository.ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one worker claims the job")
	assert.Equal(t, 1, conflicts)
}

func TestProcessor_CancelledBeforeClaimNeverRuns(t *testing.T) {
	fetch := &scriptedFetcher{}
	f := newFixture(t, fetch)
	job := f.createJob(t, 5)
	require.NoError(t, f.jobs.RequestCancel(context.Background(), job.UUID, job.UserID))

	require.NoError(t, f.proc.Process(context.Background(), job.UUID))

	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateCancelled, stored.State)
	assert.Equal(t, 0, stored.AttemptCount, "job must never reach in_progress")
	assert.Equal(t, 0, fetch.calls)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.JobStateCancelled, f.notifier.outcomes[0].State)
}

// cancelAfterReadRepo flags the job for cancellation right after the first
// read, mimicking a cancel request landing between a worker's pre-claim read
// and its claim write.
type cancelAfterReadRepo struct {
	*repository.MemoryJobRepository
	once   sync.Once
	userID uint
}

func (r *cancelAfterReadRepo) GetByUUID(ctx context.Context, uuid string) (*models.DownloadJob, error) {
	job, err := r.MemoryJobRepository.GetByUUID(ctx, uuid)
	if err != nil {
		return job, err
	}
	r.once.Do(func() {
		_ = r.MemoryJobRepository.RequestCancel(ctx, uuid, r.userID)
	})
	return job, err
}

func TestProcessor_CancelBetweenReadAndClaimNeverRuns(t *testing.T) {
	inner := repository.NewMemoryJobRepository()
	job := &models.DownloadJob{
		UUID:        "job-1",
		UserID:      1,
		SourceURL:   "https://example.com/v",
		State:       models.JobStateQueued,
		MaxAttempts: 5,
		SizeLimit:   50 * 1024 * 1024,
	}
	require.NoError(t, inner.Create(context.Background(), job))

	jobs := &cancelAfterReadRepo{MemoryJobRepository: inner, userID: job.UserID}
	fetch := &scriptedFetcher{result: fetcher.Result{FilePath: "/tmp/v.mp4", SizeBytes: 1024}}
	notifier := &recordingNotifier{}
	retries := &retryRecorder{}
	proc := NewProcessor(jobs, fetch, fakeStorage{}, notifier, transport.NewMemoryDedupe(), retries.requeue, ProcessorConfig{
		FetchTimeout: time.Second,
		BackoffBase:  10 * time.Millisecond,
		BackoffCap:   time.Second,
		PollInterval: 5 * time.Millisecond,
	})

	require.NoError(t, proc.Process(context.Background(), job.UUID))

	stored, err := inner.GetByUUID(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCancelled, stored.State)
	assert.Equal(t, 0, stored.AttemptCount, "job must never reach in_progress")
	assert.Equal(t, 0, fetch.calls)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, models.JobStateCancelled, notifier.outcomes[0].State)
}

func TestProcessor_CancelDuringFetchAborts(t *testing.T) {
	f := newFixture(t, blockingFetcher{})
	job := f.createJob(t, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, f.proc.Process(context.Background(), job.UUID))
	}()

	// Flag the job while the fetch is blocked; the watcher picks it up at
	// its next poll.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.jobs.RequestCancel(context.Background(), job.UUID, job.UserID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not abort on cancellation")
	}

	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateCancelled, stored.State)
}

func TestProcessor_PermanentErrorNotRetried(t *testing.T) {
	fetch := &scriptedFetcher{errs: []error{fetcher.NewError(fetcher.KindUnsupportedURL, errors.New("unsupported"))}}
	f := newFixture(t, fetch)
	job := f.createJob(t, 5)

	require.NoError(t, f.proc.Process(context.Background(), job.UUID))

	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateFailedPermanent, stored.State)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Empty(t, f.retries.delays, "permanent errors must not be retried")
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, string(fetcher.KindUnsupportedURL), f.notifier.outcomes[0].Reason)
}

// drive runs process/requeue cycles until the job is terminal.
func drive(t *testing.T, f *fixture, uuid string, maxCycles int) {
	t.Helper()
	for i := 0; i < maxCycles; i++ {
		require.NoError(t, f.proc.Process(context.Background(), uuid))
		job, err := f.jobs.GetByUUID(context.Background(), uuid)
		require.NoError(t, err)
		if job.State.IsTerminal() {
			return
		}
		if job.State == models.JobStateFailedRetryable {
			ok, err := f.proc.RequeueRetryable(context.Background(), uuid)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	t.Fatalf("job %s did not reach a terminal state in %d cycles", uuid, maxCycles)
}

func TestProcessor_TransientExhaustionBecomesPermanent(t *testing.T) {
	timeoutErr := fetcher.NewError(fetcher.KindTimeout, errors.New("timed out"))
	fetch := &scriptedFetcher{errs: []error{timeoutErr, timeoutErr, timeoutErr}}
	f := newFixture(t, fetch)
	job := f.createJob(t, 3)

	drive(t, f, job.UUID, 5)

	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateFailedPermanent, stored.State)
	assert.Equal(t, 3, stored.AttemptCount, "attempt budget must be exhausted")
	assert.Len(t, f.retries.delays, 2, "two retries before the final attempt")
	require.Equal(t, 1, f.notifier.count(), "exactly one failure notification")
}

func TestProcessor_TimeoutsThenSuccess(t *testing.T) {
	timeoutErr := fetcher.NewError(fetcher.KindTimeout, errors.New("timed out"))
	fetch := &scriptedFetcher{
		errs:   []error{timeoutErr, timeoutErr, timeoutErr},
		result: fetcher.Result{FilePath: "/tmp/v.mp4", SizeBytes: 2048},
	}
	f := newFixture(t, fetch)
	job := f.createJob(t, 5)

	drive(t, f, job.UUID, 6)

	stored, _ := f.jobs.GetByUUID(context.Background(), job.UUID)
	assert.Equal(t, models.JobStateSucceeded, stored.State)
	assert.Equal(t, 4, stored.AttemptCount, "success on the fourth attempt")

	// Backoff grows per attempt.
	require.Len(t, f.retries.delays, 3)
	for i := 1; i < len(f.retries.delays); i++ {
		assert.Greater(t, f.retries.delays[i], f.retries.delays[i-1]/2,
			"delays must follow the doubling schedule")
	}
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, models.JobStateSucceeded, f.notifier.outcomes[0].State)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	limit := 10 * time.Second

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(base, limit, attempt)
		expectedBase := base << (attempt - 1)
		assert.GreaterOrEqual(t, d, expectedBase, "attempt %d below schedule", attempt)
		assert.LessOrEqual(t, d, expectedBase+expectedBase/5, "attempt %d jitter too large", attempt)
		assert.Greater(t, d, prevMax/2)
		prevMax = d
	}

	// Cap bounds the schedule.
	capped := Backoff(base, 200*time.Millisecond, 10)
	assert.LessOrEqual(t, capped, 200*time.Millisecond+40*time.Millisecond)
}
