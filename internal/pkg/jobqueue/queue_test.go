package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/cache"
	"github.com/beastdl/beastdl/internal/pkg/fetcher"
	"github.com/beastdl/beastdl/internal/pkg/transport"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestQueue_EnqueueBoundUnderConcurrency(t *testing.T) {
	_, client := newRedisClient(t)
	q := NewQueue(client, repository.NewMemoryJobRepository(), 1, 3)

	var full int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Enqueue(context.Background(), fmt.Sprintf("job-%d", i))
			if errors.Is(err, ErrQueueFull) {
				atomic.AddInt32(&full, 1)
				return
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), depth, "depth bound must hold under concurrent pushes")
	assert.Equal(t, int32(7), full)
}

func TestQueue_RetrySchedulePacesAttempts(t *testing.T) {
	mr, client := newRedisClient(t)
	cache.SetClient(client)

	jobs := repository.NewMemoryJobRepository()
	timeoutErr := fetcher.NewError(fetcher.KindTimeout, errors.New("timed out"))
	fetch := &scriptedFetcher{
		errs:   []error{timeoutErr, timeoutErr},
		result: fetcher.Result{FilePath: "/tmp/v.mp4", SizeBytes: 512},
	}
	notifier := &recordingNotifier{}
	delays := &retryRecorder{}

	q := NewQueue(client, jobs, 2, 100)
	requeue := func(uuid string, delay time.Duration) {
		delays.requeue(uuid, delay)
		q.ScheduleRetry(uuid, delay)
	}
	proc := NewProcessor(jobs, fetch, fakeStorage{}, notifier, transport.NewMemoryDedupe(), requeue, ProcessorConfig{
		FetchTimeout: time.Second,
		BackoffBase:  30 * time.Millisecond,
		BackoffCap:   time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	q.Bind(proc)

	job := &models.DownloadJob{
		UUID:        "retry-1",
		UserID:      7,
		SourceURL:   "https://example.com/v",
		State:       models.JobStateQueued,
		MaxAttempts: 5,
		SizeLimit:   50 * 1024 * 1024,
	}
	require.NoError(t, jobs.Create(context.Background(), job))

	start := time.Now()
	q.Start()
	defer q.Stop()
	require.NoError(t, q.Enqueue(context.Background(), job.UUID))

	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, err := jobs.GetByUUID(context.Background(), job.UUID)
		require.NoError(t, err)
		if stored.State.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish, state %s", stored.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(start)

	stored, err := jobs.GetByUUID(context.Background(), job.UUID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, stored.State)
	assert.Equal(t, 3, stored.AttemptCount, "two retries before the successful attempt")

	delays.mu.Lock()
	recorded := append([]time.Duration(nil), delays.delays...)
	delays.mu.Unlock()
	require.Len(t, recorded, 2)
	var total time.Duration
	for _, d := range recorded {
		total += d
	}
	assert.GreaterOrEqual(t, elapsed, total, "retries must wait out their backoff delays")

	// The worker that saw the success bumped the pending download counter.
	assert.Equal(t, "1", mr.HGet("user:counters:downloads", "7"))
}
