package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/units"
)

// Script is a strategy entry point. It must be deterministic with
// respect to its hook inputs: same hooks, same order, every invocation.
type Script func(c *Context)

// Config wires an AgentUnit to the simulation units it reads from.
type Config struct {
	Kernel         *kernel.Kernel
	Products       *units.ProductUnit
	ProductLoading *units.ProductLoadingUnit
	Periods        *units.PeriodUnit
	Series         *units.SeriesUnit
	Loader         *units.LoaderUnit
	Account        *units.AccountUnit
	Matching       *units.MatchingUnit

	// ScriptName resolves against the strategy registry; an unknown
	// name fails construction, before any tick executes.
	ScriptName string
	// Params is the raw JSON object of externally supplied parameter
	// values, resolved by the UseParam hooks.
	Params json.RawMessage

	StartTime int64
	EndTime   int64
}

// AgentUnit executes one strategy instance per tick. Hook-slot state
// lives for the lifetime of the unit and never crosses runs.
type AgentUnit struct {
	kernel.Base

	k        *kernel.Kernel
	products *units.ProductUnit
	loading  *units.ProductLoadingUnit
	periods  *units.PeriodUnit
	series   *units.SeriesUnit
	loader   *units.LoaderUnit
	account  *units.AccountUnit
	matching *units.MatchingUnit

	script     Script
	scriptName string
	rawParams  json.RawMessage
	startTime  int64
	endTime    int64

	ctx    *Context
	runCtx context.Context

	wake    chan struct{}
	watched map[<-chan struct{}]struct{}

	stateMu       sync.Mutex
	stateUpdates  []func()
	paramSpecs    map[string]ParamSpec
	paramOrder    []string
	tables        map[string][]map[string]any
	tableOrder    []string
	validatedOnce bool
}

func New(cfg Config) (*AgentUnit, error) {
	if cfg.Kernel == nil {
		return nil, fmt.Errorf("kernel is required")
	}
	if cfg.ScriptName == "" {
		return nil, fmt.Errorf("script name is required")
	}
	script, ok := Lookup(cfg.ScriptName)
	if !ok {
		return nil, fmt.Errorf("strategy %q is not registered", cfg.ScriptName)
	}
	a := &AgentUnit{
		Base:       kernel.NewBase("agent"),
		k:          cfg.Kernel,
		products:   cfg.Products,
		loading:    cfg.ProductLoading,
		periods:    cfg.Periods,
		series:     cfg.Series,
		loader:     cfg.Loader,
		account:    cfg.Account,
		matching:   cfg.Matching,
		script:     script,
		scriptName: cfg.ScriptName,
		rawParams:  cfg.Params,
		startTime:  cfg.StartTime,
		endTime:    cfg.EndTime,
		wake:       make(chan struct{}, 1),
		watched:    make(map[<-chan struct{}]struct{}),
		paramSpecs: make(map[string]ParamSpec),
		tables:     make(map[string][]map[string]any),
	}
	a.ctx = &Context{unit: a}
	return a, nil
}

func (a *AgentUnit) OnInit(ctx context.Context) error {
	a.runCtx = ctx
	// the first event drives the first script execution
	a.k.Alloc(a.startTime)
	return nil
}

// OnEvent executes the strategy, re-running it at the same virtual time
// while it is suspended on unresolved data. Suspension is invisible to
// final state: once every dependency resolves, the completed invocation
// is indistinguishable from one that had the data synchronously.
func (a *AgentUnit) OnEvent(ctx context.Context) error {
	a.runCtx = ctx
	for {
		a.applyStateUpdates()
		a.ctx.begin(a.k.Now())
		if err := a.invoke(a.ctx); err != nil {
			return fmt.Errorf("strategy %s: %w", a.scriptName, err)
		}
		if !a.ctx.suspended {
			break
		}
		if err := a.k.Await(ctx, a.wake); err != nil {
			return err
		}
	}
	if !a.validatedOnce {
		a.validatedOnce = true
		if err := a.validateParams(); err != nil {
			return fmt.Errorf("strategy %s params: %w", a.scriptName, err)
		}
	}
	return nil
}

func (a *AgentUnit) invoke(c *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if hm, ok := r.(*HookMismatchError); ok {
				err = hm
				return
			}
			panic(r)
		}
	}()
	a.script(c)
	return nil
}

func (a *AgentUnit) enqueueStateUpdate(fn func()) {
	a.stateMu.Lock()
	a.stateUpdates = append(a.stateUpdates, fn)
	a.stateMu.Unlock()
	// schedule a follow-up pass so the new value is observed promptly
	a.k.Alloc(a.k.Now())
}

func (a *AgentUnit) applyStateUpdates() {
	a.stateMu.Lock()
	updates := a.stateUpdates
	a.stateUpdates = nil
	a.stateMu.Unlock()
	for _, fn := range updates {
		fn()
	}
}

// watch wakes the suspended run loop when ch fires. Each channel is
// watched at most once for the lifetime of the unit.
func (a *AgentUnit) watch(ch <-chan struct{}) {
	if ch == nil {
		return
	}
	if _, ok := a.watched[ch]; ok {
		return
	}
	a.watched[ch] = struct{}{}
	go func() {
		<-ch
		a.ping()
	}()
}

func (a *AgentUnit) ping() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// RecordTables returns all collected output tables keyed by name, in
// first-write order.
func (a *AgentUnit) RecordTables() map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(a.tables))
	for _, name := range a.tableOrder {
		rows := make([]map[string]any, len(a.tables[name]))
		copy(rows, a.tables[name])
		out[name] = rows
	}
	return out
}

// Log writes a strategy-scoped log line stamped with virtual time.
func (a *AgentUnit) log(now int64, format string, args ...any) {
	logger.Infof("[agent %s t=%d] %s", a.scriptName, now, fmt.Sprintf(format, args...))
}
