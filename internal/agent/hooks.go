package agent

import (
	"context"
)

// Ref is a mutable cell with identity stable across ticks.
type Ref[T any] struct {
	Current T
}

// UseRef returns the same cell on every tick; writes to Current persist
// to the next invocation.
func UseRef[T any](c *Context, initial T) *Ref[T] {
	s, first := c.next(slotRef)
	if first {
		s.value = &Ref[T]{Current: initial}
	}
	return s.value.(*Ref[T])
}

type stateCell[T any] struct {
	value T
}

// UseState returns the slot's current value and a setter. Calling the
// setter does not mutate the value in place: the update is batched and
// becomes visible at the start of the next invocation, which the setter
// schedules at the current virtual time.
func UseState[T any](c *Context, initial T) (T, func(T)) {
	s, first := c.next(slotState)
	if first {
		s.value = &stateCell[T]{value: initial}
	}
	cell := s.value.(*stateCell[T])
	unit := c.unit
	set := func(v T) {
		unit.enqueueStateUpdate(func() { cell.value = v })
	}
	return cell.value, set
}

// UseMemo recomputes only when deps differ by value equality from the
// previous invocation.
func UseMemo[T any](c *Context, compute func() T, deps ...any) T {
	s, first := c.next(slotMemo)
	if first || !depsEqual(s.deps, deps) {
		s.value = compute()
		s.deps = deps
	}
	return s.value.(T)
}

// AsyncState is the tri-state result of an asynchronous memo.
type AsyncState int

const (
	AsyncPending AsyncState = iota
	AsyncReady
	AsyncFailed
)

// Async carries the result of UseMemoAsync.
type Async[T any] struct {
	State AsyncState
	Value T
	Err   error
}

func (a Async[T]) Pending() bool { return a.State == AsyncPending }
func (a Async[T]) Ready() bool   { return a.State == AsyncReady }
func (a Async[T]) Failed() bool  { return a.State == AsyncFailed }

type asyncCell[T any] struct {
	state AsyncState
	value T
	err   error
}

// UseMemoAsync starts factory on a worker goroutine when deps change and
// returns Pending until the result lands back on the kernel thread. A
// Pending result suspends the invocation: the runtime re-runs the
// strategy from the top at the same virtual time once the factory
// settles, with the value then cached like a plain memo. Strategies
// should return promptly after observing Pending.
func UseMemoAsync[T any](c *Context, factory func(ctx context.Context) (T, error), deps ...any) Async[T] {
	s, first := c.next(slotMemoAsync)
	if first || !depsEqual(s.deps, deps) {
		cell := &asyncCell[T]{state: AsyncPending}
		s.value = cell
		s.deps = deps
		unit := c.unit
		unit.k.Acquire()
		go func() {
			defer unit.k.Release()
			v, err := factory(unit.runCtx)
			unit.k.Post(func() {
				if err != nil {
					cell.state = AsyncFailed
					cell.err = err
				} else {
					cell.state = AsyncReady
					cell.value = v
				}
				unit.ping()
			})
		}()
	}
	cell := s.value.(*asyncCell[T])
	if cell.state == AsyncPending {
		c.suspend()
	}
	return Async[T]{State: cell.state, Value: cell.value, Err: cell.err}
}

// UseEffect runs fn when deps differ from the previous invocation.
func UseEffect(c *Context, fn func(), deps ...any) {
	s, first := c.next(slotEffect)
	if first || !depsEqual(s.deps, deps) {
		s.deps = deps
		fn()
	}
}
