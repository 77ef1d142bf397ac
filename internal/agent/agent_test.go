package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orrery/internal/kernel"
)

func runScript(t *testing.T, name string, script Script, params json.RawMessage) (*AgentUnit, error) {
	t.Helper()
	Register(name, script)
	k := kernel.New()
	a, err := New(Config{
		Kernel:     k,
		ScriptName: name,
		Params:     params,
		StartTime:  100,
		EndTime:    1000,
	})
	require.NoError(t, err)
	k.AddUnit(a)
	return a, k.Run(context.Background())
}

func TestNewRejectsUnregisteredScript(t *testing.T) {
	k := kernel.New()
	_, err := New(Config{Kernel: k, ScriptName: "no-such-strategy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestUseRefPersistsAcrossInvocations(t *testing.T) {
	var values []int
	_, err := runScript(t, "t-ref", func(c *Context) {
		r := UseRef(c, 0)
		values = append(values, r.Current)
		r.Current++
		if r.Current < 3 {
			// force another pass at the same virtual time
			c.unit.k.Alloc(c.Now())
		}
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, values)
}

func TestUseStateBatchesUntilNextInvocation(t *testing.T) {
	var observed []int
	var sameTick []int64
	_, err := runScript(t, "t-state", func(c *Context) {
		v, set := UseState(c, 0)
		observed = append(observed, v)
		sameTick = append(sameTick, c.Now())
		if v < 3 {
			set(v + 1)
		}
	}, nil)
	require.NoError(t, err)

	// the setter never mutates the current pass; each new value shows
	// up one invocation later, at the same virtual time
	assert.Equal(t, []int{0, 1, 2, 3}, observed)
	for _, ts := range sameTick {
		assert.Equal(t, int64(100), ts)
	}
}

func TestUseMemoRecomputesOnDepChange(t *testing.T) {
	computes := 0
	_, err := runScript(t, "t-memo", func(c *Context) {
		tick, set := UseState(c, 0)
		_ = UseMemo(c, func() int {
			computes++
			return tick * 2
		}, tick/2)
		if tick < 3 {
			set(tick + 1)
		}
	}, nil)
	require.NoError(t, err)
	// deps tick/2: 0,0,1,1 -> two computations
	assert.Equal(t, 2, computes)
}

func TestHookMismatchAbortsRun(t *testing.T) {
	calls := 0
	_, err := runScript(t, "t-mismatch", func(c *Context) {
		calls++
		if calls == 1 {
			_, set := UseState(c, 0)
			set(1)
			return
		}
		UseRef(c, 0)
	}, nil)

	var hm *HookMismatchError
	require.ErrorAs(t, err, &hm)
	assert.Equal(t, 0, hm.Slot)
	assert.Contains(t, err.Error(), "hook order violation")
}

func TestUseMemoAsyncSuspendsAndResumesAtSameTime(t *testing.T) {
	pendingSeen := 0
	var got string
	var resolvedAt int64
	factoryRuns := 0

	_, err := runScript(t, "t-async", func(c *Context) {
		res := UseMemoAsync(c, func(ctx context.Context) (string, error) {
			factoryRuns++
			return "payload", nil
		})
		if res.Pending() {
			pendingSeen++
			return
		}
		require.True(t, res.Ready())
		got = res.Value
		resolvedAt = c.Now()
	}, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, pendingSeen, 1)
	assert.Equal(t, "payload", got)
	assert.Equal(t, int64(100), resolvedAt)
	assert.Equal(t, 1, factoryRuns)
}

func TestUseMemoAsyncSurfacesFailure(t *testing.T) {
	boom := errors.New("boom")
	var failed bool
	var gotErr error
	_, err := runScript(t, "t-async-fail", func(c *Context) {
		res := UseMemoAsync(c, func(ctx context.Context) (int, error) {
			return 0, boom
		})
		if res.Pending() {
			return
		}
		failed = res.Failed()
		gotErr = res.Err
	}, nil)
	require.NoError(t, err)
	assert.True(t, failed)
	assert.ErrorIs(t, gotErr, boom)
}

func TestUseEffectRunsOnDepChangeOnly(t *testing.T) {
	effects := 0
	_, err := runScript(t, "t-effect", func(c *Context) {
		tick, set := UseState(c, 0)
		UseEffect(c, func() { effects++ }, tick >= 2)
		if tick < 4 {
			set(tick + 1)
		}
	}, nil)
	require.NoError(t, err)
	// dep flips false -> true once
	assert.Equal(t, 2, effects)
}

func TestParamsReadSuppliedValuesAndDefaults(t *testing.T) {
	var period float64
	var name string
	var flag bool
	a, err := runScript(t, "t-params", func(c *Context) {
		period = UseParamNumber(c, "period", 14, map[string]any{"minimum": 2})
		name = UseParamString(c, "label", "default-label")
		flag = UseParamBoolean(c, "enabled", true)
	}, json.RawMessage(`{"period": 20}`))
	require.NoError(t, err)

	assert.Equal(t, 20.0, period)
	assert.Equal(t, "default-label", name)
	assert.True(t, flag)

	schema := a.ParamsSchema()
	require.Contains(t, schema, "period")
	assert.Equal(t, "number", schema["period"].Type)
	assert.Equal(t, map[string]any{"minimum": 2}, schema["period"].Constraints)
}

func TestParamsValidationFailsAfterFirstInvocation(t *testing.T) {
	_, err := runScript(t, "t-params-bad", func(c *Context) {
		UseParamNumber(c, "period", 14, map[string]any{"minimum": 2})
	}, json.RawMessage(`{"period": 0}`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "params")
}

func TestParamOHLCSplitsProductAndTimeframe(t *testing.T) {
	var product, timeframe string
	_, err := runScript(t, "t-param-ohlc", func(c *Context) {
		product, timeframe = UseParamOHLC(c, "ohlc", "BTCUSDT", "1h")
	}, json.RawMessage(`{"ohlc": "ETHUSDT/4h"}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", product)
	assert.Equal(t, "4h", timeframe)
}

func TestRecordTablesCollectRows(t *testing.T) {
	a, err := runScript(t, "t-tables", func(c *Context) {
		tbl := UseRecordTable(c, "signals")
		tbl.Push(map[string]any{"ts": c.Now(), "side": "long"})
	}, nil)
	require.NoError(t, err)

	tables := a.RecordTables()
	require.Contains(t, tables, "signals")
	require.Len(t, tables["signals"], 1)
	assert.Equal(t, "long", tables["signals"][0]["side"])
}
