package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orrery/internal/agent"
	"orrery/internal/datastore"
	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"
	"orrery/internal/units"

	"github.com/google/uuid"
)

type SimulatorConfig struct {
	ResultStore      *ResultStore
	Provider         units.BarProvider
	ProductSource    units.ProductSource
	DefaultTimeframe string
	MaxConcurrent    int
}

// Simulator 负责把一份策略脚本 + 历史行情推演为订单流与资金曲线。
// 每个 run 独立装配一套内核与单元，互不共享状态。
type Simulator struct {
	results   *ResultStore
	provider  units.BarProvider
	source    units.ProductSource
	defaultTF string

	sem     chan struct{}
	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.ResultStore == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("bar provider 不能为空")
	}
	if cfg.ProductSource == nil {
		return nil, fmt.Errorf("product source 不能为空")
	}
	defaultTF := cfg.DefaultTimeframe
	if defaultTF == "" {
		defaultTF = "1h"
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Simulator{
		results:   cfg.ResultStore,
		provider:  cfg.Provider,
		source:    cfg.ProductSource,
		defaultTF: defaultTF,
		sem:       make(chan struct{}, maxConcurrent),
		baseCtx:   context.Background(),
	}, nil
}

func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// StartRun 创建回测任务并立即返回，模拟过程在后台进行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	if req.Script == "" {
		return Run{}, fmt.Errorf("script 不能为空")
	}
	if _, ok := agent.Lookup(req.Script); !ok {
		return Run{}, fmt.Errorf("策略 %q 未注册", req.Script)
	}
	if req.ProductID == "" {
		return Run{}, fmt.Errorf("product 不能为空")
	}
	tfKey := req.Timeframe
	if tfKey == "" {
		tfKey = s.defaultTF
	}
	tf, err := datastore.ParseTimeframe(tfKey)
	if err != nil {
		return Run{}, err
	}
	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start <= 0 || end <= 0 || end <= start {
		return Run{}, fmt.Errorf("start/end 非法")
	}
	initialBalance := req.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 10000
	}
	feeRate := req.FeeRate
	if feeRate < 0 {
		feeRate = 0
	}
	slippageBps := req.SlippageBps
	if slippageBps < 0 {
		slippageBps = 0
	}
	leverage := req.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	params, err := req.ResolveParams()
	if err != nil {
		return Run{}, err
	}

	productID := strings.ToUpper(req.ProductID)
	cfg := RunConfig{
		Script:         req.Script,
		ProductID:      productID,
		Timeframe:      tf.Key,
		StartTS:        start,
		EndTS:          end,
		Params:         params,
		AccountID:      fmt.Sprintf("%s@%s", req.Script, productID),
		Currency:       "USDT",
		InitialBalance: initialBalance,
		FeeRate:        feeRate,
		SlippageBps:    slippageBps,
		Leverage:       leverage,
	}

	run := Run{
		ID:             uuid.NewString(),
		Script:         cfg.Script,
		ProductID:      cfg.ProductID,
		Status:         RunStatusPending,
		StartTS:        start,
		EndTS:          end,
		Timeframe:      tf.Key,
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		Config:         cfg,
		Stats: RunStats{
			FinalBalance: initialBalance,
		},
	}
	if err := s.results.InsertRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run.ID, cfg)
	return run, nil
}

func (s *Simulator) runLoop(runID string, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		s.sem <- struct{}{}
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "装配内核…")
	if err := s.execute(ctx, runID, cfg); err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(ctx, runID, RunStatusFailed, err.Error())
	}
}

// execute 装配一套完整的模拟单元并驱动到事件队列耗尽。
func (s *Simulator) execute(ctx context.Context, runID string, cfg RunConfig) error {
	k := kernel.New()
	products := units.NewProductUnit()
	loading := units.NewProductLoadingUnit(k, products, s.source)
	periods := units.NewPeriodUnit()
	series := units.NewSeriesUnit()
	loader := units.NewLoaderUnit(k, periods, s.provider)
	account, err := units.NewAccountUnit(k, periods, units.AccountConfig{
		AccountID:      cfg.AccountID,
		Currency:       cfg.Currency,
		InitialBalance: cfg.InitialBalance,
		Leverage:       cfg.Leverage,
		FeeRate:        cfg.FeeRate,
		Timeframe:      cfg.Timeframe,
	})
	if err != nil {
		return err
	}
	matching := units.NewMatchingUnit(k, periods, products, account, cfg.Timeframe, cfg.SlippageBps)
	ag, err := agent.New(agent.Config{
		Kernel:         k,
		Products:       products,
		ProductLoading: loading,
		Periods:        periods,
		Series:         series,
		Loader:         loader,
		Account:        account,
		Matching:       matching,
		ScriptName:     cfg.Script,
		Params:         cfg.Params,
		StartTime:      cfg.StartTS,
		EndTime:        cfg.EndTS,
	})
	if err != nil {
		return err
	}
	frames := NewFrameUnit(k, account)

	// 事件顺序即注册顺序：行情先行，账户盯市在撮合前，资金切面收尾
	k.AddUnit(products)
	k.AddUnit(loading)
	k.AddUnit(periods)
	k.AddUnit(series)
	k.AddUnit(loader)
	k.AddUnit(account)
	k.AddUnit(matching)
	k.AddUnit(ag)
	k.AddUnit(frames)

	if err := k.Run(ctx); err != nil {
		return err
	}

	info := account.GetAccountInfo()
	orders := matching.History()
	trades := account.ClosedTrades()
	frameList := frames.Frames()
	stats := computeStats(cfg, info, orders, trades, frameList, k.Passes())

	if err := s.results.SaveOrders(ctx, runID, orders); err != nil {
		return err
	}
	if err := s.results.SavePositions(ctx, runID, info.Positions); err != nil {
		return err
	}
	if err := s.results.SaveTrades(ctx, runID, trades); err != nil {
		return err
	}
	if err := s.results.SaveFrames(ctx, runID, frameList); err != nil {
		return err
	}
	if err := s.results.SaveRecordTables(ctx, runID, ag.RecordTables()); err != nil {
		return err
	}
	if schema := ag.ParamsSchema(); len(schema) > 0 {
		if err := s.results.SaveParamsSchema(ctx, runID, schema); err != nil {
			return err
		}
	}
	if err := s.results.UpdateRunSummary(ctx, runID, RunStatusDone, stats, "完成"); err != nil {
		return err
	}
	logger.Infof("[backtest] run %s 完成：orders=%d trades=%d profit=%.4f return=%.2f%% maxDD=%.2f%%",
		runID, stats.Orders, stats.Trades, stats.Profit, stats.ReturnPct, stats.MaxDrawdownPct)
	return nil
}

func computeStats(cfg RunConfig, info model.AccountInfo, orders []model.Order, trades []units.ClosedTrade, frames []Frame, passes int64) RunStats {
	stats := RunStats{
		FinalBalance: info.Money.Balance,
		FinalEquity:  info.Money.Equity,
		Orders:       len(orders),
		Trades:       len(trades),
		Frames:       len(frames),
		Passes:       passes,
		EquityPeak:   cfg.InitialBalance,
		EquityValley: cfg.InitialBalance,
	}
	for _, o := range orders {
		switch o.Status {
		case model.OrderFilled:
			stats.Filled++
		case model.OrderRejected:
			stats.Rejected++
		}
	}
	for _, t := range trades {
		if t.PnL >= 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	if total := stats.Wins + stats.Losses; total > 0 {
		stats.WinRate = float64(stats.Wins) / float64(total) * 100
	}
	stats.Profit = info.Money.Equity - cfg.InitialBalance
	if cfg.InitialBalance > 0 {
		stats.ReturnPct = stats.Profit / cfg.InitialBalance * 100
	}
	peak := cfg.InitialBalance
	maxDD := 0.0
	for _, f := range frames {
		if f.Equity > peak {
			peak = f.Equity
		}
		if f.Equity > stats.EquityPeak {
			stats.EquityPeak = f.Equity
		}
		if f.Equity < stats.EquityValley {
			stats.EquityValley = f.Equity
		}
		if peak > 0 {
			if dd := (peak - f.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	stats.MaxDrawdownPct = maxDD * 100
	stats.FinishedAt = time.Now()
	return stats
}
