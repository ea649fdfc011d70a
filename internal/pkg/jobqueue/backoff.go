package jobqueue

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry number attempt (1-based): base
// doubled per prior attempt, capped, with up to 20% random jitter on top.
// The attempt count is persisted on the job, so a restarted process resumes
// at the correct backoff stage instead of starting over.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
