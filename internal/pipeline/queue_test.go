// ABOUTME: Tests for the per-key serial queue.
// ABOUTME: Covers FIFO order, cancellation while queued, worker cleanup, and Wait during submissions.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedQueue_FIFOPerKey(t *testing.T) {
	q := NewKeyedQueue()
	block := make(chan struct{})
	var mu sync.Mutex
	var order []int

	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) { <-block })
	}()
	// Wait until the blocker is running so later submissions queue behind it.
	require.Eventually(t, func() bool { return q.Busy() == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = q.Do(context.Background(), "k", func(context.Context) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
			})
		}(i)
		time.Sleep(2 * time.Millisecond)
	}
	close(block)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	q.Wait()
	assert.Equal(t, 0, q.Busy())
}

func TestKeyedQueue_CancelWhileQueued(t *testing.T) {
	q := NewKeyedQueue()
	block := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), "k", func(context.Context) { <-block })
	}()
	require.Eventually(t, func() bool { return q.Busy() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	errc := make(chan error, 1)
	go func() {
		errc <- q.Do(ctx, "k", func(context.Context) { ran = true })
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	close(block)
	q.Wait()
	assert.False(t, ran)
}

func TestKeyedQueue_WaitDuringSubmissions(t *testing.T) {
	q := NewKeyedQueue()
	stop := make(chan struct{})
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		for {
			select {
			case <-stop:
				return
			default:
				q.Wait()
			}
		}
	}()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := q.Do(context.Background(), fmt.Sprintf("k%d", n%5), func(context.Context) { ran.Add(1) })
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	close(stop)
	<-waiterDone

	q.Wait()
	assert.Equal(t, int32(50), ran.Load())
	assert.Equal(t, 0, q.Busy())
}
