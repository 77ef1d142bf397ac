// Package agent runs user strategies against per-tick simulation state.
//
// A strategy is a plain Go function registered by name. The runtime
// re-invokes it on every kernel event and hands it a *Context carrying
// the hooks API. Hook state lives in an ordered slot arena addressed by
// a cursor that resets at the start of each invocation, so a strategy
// must call the same hooks in the same order every time; the runtime
// re-validates the kind of every slot on every call and aborts the run
// on a mismatch instead of silently misaligning state.
package agent

import (
	"fmt"
	"reflect"
)

type slotKind int

const (
	slotRef slotKind = iota
	slotState
	slotMemo
	slotMemoAsync
	slotEffect
	slotParam
	slotBinding
)

func (k slotKind) String() string {
	switch k {
	case slotRef:
		return "ref"
	case slotState:
		return "state"
	case slotMemo:
		return "memo"
	case slotMemoAsync:
		return "memoAsync"
	case slotEffect:
		return "effect"
	case slotParam:
		return "param"
	case slotBinding:
		return "binding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HookMismatchError reports a strategy that called hooks in a different
// order or kind than on a previous tick. The run cannot continue safely.
type HookMismatchError struct {
	Slot int
	Got  slotKind
	Want slotKind
	At   int64
}

func (e *HookMismatchError) Error() string {
	return fmt.Sprintf("hook order violation at slot %d (t=%d): called %s, slot holds %s",
		e.Slot, e.At, e.Got, e.Want)
}

type slot struct {
	kind  slotKind
	value any
	deps  []any
}

// Context is the capability surface handed to a strategy. All hooks are
// free functions taking the Context explicitly; there is no ambient
// "current agent" singleton, so nested or concurrent runs cannot
// interfere.
type Context struct {
	unit *AgentUnit

	slots     []*slot
	cursor    int
	now       int64
	suspended bool
}

// Now returns the current virtual timestamp in Unix milliseconds.
func (c *Context) Now() int64 { return c.now }

// begin resets the cursor for a fresh invocation.
func (c *Context) begin(now int64) {
	c.cursor = 0
	c.now = now
	c.suspended = false
}

// next advances the cursor and returns the slot for this call,
// allocating it on first execution. Kind mismatches abort the run.
func (c *Context) next(kind slotKind) (s *slot, first bool) {
	idx := c.cursor
	c.cursor++
	if idx < len(c.slots) {
		s = c.slots[idx]
		if s.kind != kind {
			panic(&HookMismatchError{Slot: idx, Got: kind, Want: s.kind, At: c.now})
		}
		return s, false
	}
	if idx != len(c.slots) {
		panic(&HookMismatchError{Slot: idx, Got: kind, Want: slotKind(-1), At: c.now})
	}
	s = &slot{kind: kind}
	c.slots = append(c.slots, s)
	return s, true
}

// suspend marks this invocation as blocked on unresolved data. The
// runtime re-runs the strategy from the top at the same virtual time
// once the dependency resolves; the strategy should return promptly
// after observing a pending result.
func (c *Context) suspend() {
	c.suspended = true
}

// suspendOn additionally arranges a wake-up when ch fires.
func (c *Context) suspendOn(ch <-chan struct{}) {
	c.suspended = true
	c.unit.watch(ch)
}

// depsEqual compares dependency lists by value.
func depsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}
