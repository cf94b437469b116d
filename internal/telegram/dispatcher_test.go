package telegram

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDispatcherKeepsPerUserOrder(t *testing.T) {
	d := NewDispatcher(4, zerolog.Nop())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 20; i++ {
		i := i
		d.Submit(context.Background(), 1, func(context.Context) {
			if i%3 == 0 {
				time.Sleep(time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.Wait()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	d := NewDispatcher(2, zerolog.Nop())

	var running, peak int32
	for user := int64(1); user <= 6; user++ {
		d.Submit(context.Background(), user, func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	d.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())

	var ran atomic.Bool
	d.Submit(context.Background(), 1, func(context.Context) { panic("boom") })
	d.Submit(context.Background(), 1, func(context.Context) { ran.Store(true) })
	d.Wait()

	assert.True(t, ran.Load())
}

func TestDispatcherDropsQueueWhenCancelled(t *testing.T) {
	d := NewDispatcher(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	d.Submit(ctx, 1, func(context.Context) {
		close(started)
		<-release
	})
	<-started

	var ran atomic.Bool
	d.Submit(ctx, 2, func(context.Context) { ran.Store(true) })
	cancel()
	close(release)
	d.Wait()

	assert.False(t, ran.Load())
}
