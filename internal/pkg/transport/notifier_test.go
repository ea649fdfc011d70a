package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedupe_FirstDeliveryWinsOnce(t *testing.T) {
	d := NewMemoryDedupe()

	first, err := d.FirstDelivery(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := d.FirstDelivery(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, second)

	other, err := d.FirstDelivery(context.Background(), "job-2")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestMemoryDedupe_ConcurrentDeliveries(t *testing.T) {
	d := NewMemoryDedupe()

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := d.FirstDelivery(context.Background(), "job-1")
			require.NoError(t, err)
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts, "exactly one caller may deliver")
}
