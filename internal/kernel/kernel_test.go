package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptUnit struct {
	name    string
	onInit  func(ctx context.Context, k *Kernel) error
	onEvent func(ctx context.Context, k *Kernel) error
	k       *Kernel
}

func (u *scriptUnit) Name() string { return u.name }

func (u *scriptUnit) OnInit(ctx context.Context) error {
	if u.onInit == nil {
		return nil
	}
	return u.onInit(ctx, u.k)
}

func (u *scriptUnit) OnEvent(ctx context.Context) error {
	if u.onEvent == nil {
		return nil
	}
	return u.onEvent(ctx, u.k)
}

func TestRunVisitsEventsInTimestampOrder(t *testing.T) {
	k := New()
	var seen []int64
	u := &scriptUnit{name: "probe", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(300)
		k.Alloc(100)
		k.Alloc(200)
		return nil
	}
	u.onEvent = func(_ context.Context, k *Kernel) error {
		seen = append(seen, k.Now())
		return nil
	}
	k.AddUnit(u)

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, []int64{100, 200, 300}, seen)
	assert.Equal(t, int64(3), k.Passes())
}

func TestUnitsRunInRegistrationOrder(t *testing.T) {
	k := New()
	var order []string
	mk := func(name string) *scriptUnit {
		u := &scriptUnit{name: name, k: k}
		u.onEvent = func(context.Context, *Kernel) error {
			order = append(order, name)
			return nil
		}
		return u
	}
	first := mk("first")
	first.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(1)
		return nil
	}
	k.AddUnit(first)
	k.AddUnit(mk("second"))
	k.AddUnit(mk("third"))

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestAllocDeduplicatesSameTimestamp(t *testing.T) {
	k := New()
	calls := 0
	u := &scriptUnit{name: "dedupe", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(42)
		k.Alloc(42)
		k.Alloc(42)
		return nil
	}
	u.onEvent = func(context.Context, *Kernel) error {
		calls++
		return nil
	}
	k.AddUnit(u)

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestAllocClampsPastTimestamps(t *testing.T) {
	k := New()
	var seen []int64
	u := &scriptUnit{name: "clamp", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(100)
		return nil
	}
	u.onEvent = func(_ context.Context, k *Kernel) error {
		seen = append(seen, k.Now())
		if len(seen) == 1 {
			// asking for the past re-fires the current tick instead
			k.Alloc(5)
		}
		return nil
	}
	k.AddUnit(u)

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, []int64{100, 100}, seen)
	assert.Equal(t, int64(2), k.Passes())
}

func TestOutstandingWorkKeepsRunAlive(t *testing.T) {
	k := New()
	var landed bool
	u := &scriptUnit{name: "async", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(1)
		return nil
	}
	u.onEvent = func(_ context.Context, k *Kernel) error {
		if landed {
			return nil
		}
		k.Acquire()
		go func() {
			time.Sleep(10 * time.Millisecond)
			k.Post(func() {
				landed = true
				k.Alloc(2)
				k.Release()
			})
		}()
		return nil
	}
	k.AddUnit(u)

	require.NoError(t, k.Run(context.Background()))
	assert.True(t, landed)
	assert.Equal(t, int64(2), k.Now())
}

func TestAwaitDrainsPostsWhileBlocked(t *testing.T) {
	k := New()
	var posted bool
	u := &scriptUnit{name: "await", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Alloc(1)
		return nil
	}
	u.onEvent = func(ctx context.Context, k *Kernel) error {
		ready := make(chan struct{})
		go func() {
			k.Post(func() { posted = true })
			time.Sleep(5 * time.Millisecond)
			close(ready)
		}()
		return k.Await(ctx, ready)
	}
	k.AddUnit(u)

	require.NoError(t, k.Run(context.Background()))
	assert.True(t, posted)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	k := New()
	ctx, cancel := context.WithCancel(context.Background())
	u := &scriptUnit{name: "cancel", k: k}
	u.onInit = func(_ context.Context, k *Kernel) error {
		k.Acquire() // never released: only cancellation can end the run
		return nil
	}
	k.AddUnit(u)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := k.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
