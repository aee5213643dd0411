// ABOUTME: Per-key serial work queue.
// ABOUTME: One worker goroutine per busy key drains jobs in FIFO order and exits when idle.

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

const (
	jobQueued int32 = iota
	jobRunning
	jobCancelled
)

type job struct {
	ctx   context.Context
	fn    func(context.Context)
	state atomic.Int32
	done  chan struct{}
}

type worker struct {
	pending []*job
}

// KeyedQueue runs jobs for the same key one at a time, in submission order.
type KeyedQueue struct {
	mu      sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
}

// NewKeyedQueue creates an empty queue.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{workers: make(map[string]*worker)}
}

// Do runs fn on key's worker and waits for it to finish. If ctx ends while
// the job is still queued, the job is dropped and ctx's error returned; once
// fn has started, Do waits for it.
func (q *KeyedQueue) Do(ctx context.Context, key string, fn func(context.Context)) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan struct{})}

	q.mu.Lock()
	w, ok := q.workers[key]
	if !ok {
		w = &worker{}
		q.workers[key] = w
		// Counted under the lock so a concurrent Wait never sees zero
		// while this worker exists.
		q.wg.Add(1)
		go q.run(key, w)
	}
	w.pending = append(w.pending, j)
	q.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			return ctx.Err()
		}
		<-j.done
		return nil
	}
}

// Busy reports how many keys currently have a worker.
func (q *KeyedQueue) Busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Wait blocks until every worker has drained.
func (q *KeyedQueue) Wait() {
	q.wg.Wait()
}

func (q *KeyedQueue) run(key string, w *worker) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(w.pending) == 0 {
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		j := w.pending[0]
		w.pending = w.pending[1:]
		q.mu.Unlock()

		if j.state.CompareAndSwap(jobQueued, jobRunning) {
			j.fn(j.ctx)
		}
		close(j.done)
	}
}
