// Package kernel implements the single-threaded simulation scheduler.
//
// A Kernel owns a virtual clock and an ordered set of units. It pops the
// next event timestamp, advances the clock and invokes every unit's
// OnEvent in registration order. Unit handlers run strictly one at a
// time; anything asynchronous (data downloads) happens on worker
// goroutines and re-enters the kernel thread via Post.
package kernel

import (
	"container/heap"
	"context"
	"fmt"
	"sync/atomic"

	"orrery/internal/logger"
)

// Unit is one simulation component driven by the kernel.
//
// OnInit runs once before the first event. OnEvent runs on every event,
// in the order units were registered. Handlers must only be called from
// the kernel goroutine.
type Unit interface {
	Name() string
	OnInit(ctx context.Context) error
	OnEvent(ctx context.Context) error
}

type Kernel struct {
	units []Unit

	queue  tsHeap
	queued map[int64]struct{}
	now    int64
	passes int64

	posts       chan func()
	outstanding atomic.Int64
	running     bool
}

func New() *Kernel {
	return &Kernel{
		queued: make(map[int64]struct{}),
		posts:  make(chan func(), 256),
		now:    -1,
	}
}

// AddUnit registers a unit. Registration order is execution order and
// must not change once Run has started.
func (k *Kernel) AddUnit(u Unit) {
	if u == nil {
		return
	}
	k.units = append(k.units, u)
}

// Now returns the current virtual timestamp in Unix milliseconds.
// Before the first event it returns -1.
func (k *Kernel) Now() int64 { return k.now }

// Passes returns how many event passes have completed. Several passes
// may share one timestamp (order submission re-triggers the same tick).
func (k *Kernel) Passes() int64 { return k.passes }

// Alloc schedules an event at ts. Timestamps in the past are clamped to
// the current virtual time so the clock never moves backwards. Kernel
// goroutine only; workers must go through Post.
func (k *Kernel) Alloc(ts int64) {
	if ts < k.now {
		ts = k.now
	}
	if _, ok := k.queued[ts]; ok {
		return
	}
	k.queued[ts] = struct{}{}
	heap.Push(&k.queue, ts)
}

// Post hands fn to the kernel goroutine. It is the only safe way for a
// worker goroutine to touch kernel-owned state.
func (k *Kernel) Post(fn func()) {
	if fn == nil {
		return
	}
	k.posts <- fn
}

// Acquire marks one outstanding out-of-band operation. The kernel will
// not finish the run while operations are outstanding, even with an
// empty event queue.
func (k *Kernel) Acquire() { k.outstanding.Add(1) }

func (k *Kernel) Release() { k.outstanding.Add(-1) }

// Await blocks the current unit handler until ready fires, draining
// posted closures meanwhile so out-of-band completions can land on the
// kernel thread. Call only from within OnEvent.
func (k *Kernel) Await(ctx context.Context, ready <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-k.posts:
			fn()
		case <-ready:
			return nil
		}
	}
}

// Run drives the simulation until the event queue drains and no
// out-of-band operation is outstanding.
func (k *Kernel) Run(ctx context.Context) error {
	if k.running {
		return fmt.Errorf("[kernel] already running")
	}
	k.running = true
	defer func() { k.running = false }()

	for _, u := range k.units {
		if err := u.OnInit(ctx); err != nil {
			return fmt.Errorf("[kernel] init %s: %w", u.Name(), err)
		}
	}
	for {
		if err := k.drainPosts(ctx); err != nil {
			return err
		}
		if k.queue.Len() == 0 {
			if k.outstanding.Load() == 0 {
				return nil
			}
			// queue empty but downloads still in flight: wait for the
			// next completion to land
			select {
			case <-ctx.Done():
				return ctx.Err()
			case fn := <-k.posts:
				fn()
			}
			continue
		}
		ts := heap.Pop(&k.queue).(int64)
		delete(k.queued, ts)
		if ts < k.now {
			// cannot happen via Alloc; guard anyway
			logger.Warnf("[kernel] dropping stale event %d < %d", ts, k.now)
			continue
		}
		k.now = ts
		for _, u := range k.units {
			if err := u.OnEvent(ctx); err != nil {
				return fmt.Errorf("[kernel] unit %s failed at t=%d: %w", u.Name(), ts, err)
			}
		}
		k.passes++
	}
}

func (k *Kernel) drainPosts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-k.posts:
			fn()
		default:
			return nil
		}
	}
}

type tsHeap []int64

func (h tsHeap) Len() int            { return len(h) }
func (h tsHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h tsHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tsHeap) Push(x any)         { *h = append(*h, x.(int64)) }
func (h *tsHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
