package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type job func(ctx context.Context)

// Dispatcher runs jobs in submission order per user and lets different users
// proceed in parallel, with at most maxConcurrent jobs running at once.
type Dispatcher struct {
	sem *semaphore.Weighted
	log zerolog.Logger

	mu      sync.Mutex
	pending map[int64][]job
	wg      sync.WaitGroup
}

func NewDispatcher(maxConcurrent int, log zerolog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		log:     log,
		pending: make(map[int64][]job),
	}
}

// Submit queues fn behind any earlier work for the same user.
func (d *Dispatcher) Submit(ctx context.Context, userID int64, fn job) {
	d.mu.Lock()
	queue, active := d.pending[userID]
	d.pending[userID] = append(queue, fn)
	if !active {
		d.wg.Add(1)
		go d.drain(ctx, userID)
	}
	d.mu.Unlock()
}

// Wait blocks until every started queue has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) drain(ctx context.Context, userID int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.pending[userID]
		if len(queue) == 0 {
			delete(d.pending, userID)
			d.mu.Unlock()
			return
		}
		next := queue[0]
		d.pending[userID] = queue[1:]
		d.mu.Unlock()

		err := d.sem.Acquire(ctx, 1)
		if err == nil && ctx.Err() != nil {
			d.sem.Release(1)
			err = ctx.Err()
		}
		if err != nil {
			d.mu.Lock()
			dropped := len(d.pending[userID]) + 1
			delete(d.pending, userID)
			d.mu.Unlock()
			d.log.Warn().Int64("user_id", userID).Int("dropped", dropped).Msg("dispatcher stopped before running queued jobs")
			return
		}
		d.run(ctx, userID, next)
		d.sem.Release(1)
	}
}

func (d *Dispatcher) run(ctx context.Context, userID int64, fn job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Int64("user_id", userID).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
		}
	}()
	fn(ctx)
}
