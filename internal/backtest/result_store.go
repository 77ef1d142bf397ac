package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"orrery/internal/model"
	"orrery/internal/units"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type runModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Script          string         `gorm:"column:script"`
	ProductID       string         `gorm:"column:product_id"`
	Status          string         `gorm:"column:status"`
	Timeframe       string         `gorm:"column:timeframe"`
	StartTS         int64          `gorm:"column:start_ts"`
	EndTS           int64          `gorm:"column:end_ts"`
	InitialBalance  float64        `gorm:"column:initial_balance"`
	FinalBalance    float64        `gorm:"column:final_balance"`
	Profit          float64        `gorm:"column:profit"`
	ReturnPct       float64        `gorm:"column:return_pct"`
	WinRate         float64        `gorm:"column:win_rate"`
	MaxDrawdownPct  float64        `gorm:"column:max_drawdown"`
	Orders          int            `gorm:"column:orders"`
	Trades          int            `gorm:"column:trades"`
	ConfigJSON      datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	StatsJSON       datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	ParamsSchema    datatypes.JSON `gorm:"column:params_schema;type:TEXT"`
	Message         string         `gorm:"column:message"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	CompletedAtUnix *int64         `gorm:"column:completed_at"`
}

func (runModel) TableName() string { return "backtest_runs" }

type orderModel struct {
	ID          int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID       string  `gorm:"column:run_id;index"`
	OrderID     string  `gorm:"column:order_id"`
	AccountID   string  `gorm:"column:account_id"`
	ProductID   string  `gorm:"column:product_id"`
	Direction   string  `gorm:"column:direction"`
	Type        string  `gorm:"column:type"`
	Volume      float64 `gorm:"column:volume"`
	Price       float64 `gorm:"column:price"`
	Status      string  `gorm:"column:status"`
	Code        int     `gorm:"column:code"`
	Message     string  `gorm:"column:message"`
	FilledPrice float64 `gorm:"column:filled_price"`
	FilledAt    int64   `gorm:"column:filled_at"`
	SubmittedAt int64   `gorm:"column:submitted_at"`
}

func (orderModel) TableName() string { return "backtest_orders" }

type positionModel struct {
	ID             int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID          string  `gorm:"column:run_id;index"`
	PositionID     string  `gorm:"column:position_id"`
	ProductID      string  `gorm:"column:product_id"`
	Direction      string  `gorm:"column:direction"`
	Volume         float64 `gorm:"column:volume"`
	PositionPrice  float64 `gorm:"column:position_price"`
	ClosablePrice  float64 `gorm:"column:closable_price"`
	FloatingProfit float64 `gorm:"column:floating_profit"`
}

func (positionModel) TableName() string { return "backtest_positions" }

type tradeModel struct {
	ID        int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID     string  `gorm:"column:run_id;index"`
	ProductID string  `gorm:"column:product_id"`
	Direction string  `gorm:"column:direction"`
	Volume    float64 `gorm:"column:volume"`
	Price     float64 `gorm:"column:price"`
	PnL       float64 `gorm:"column:pnl"`
	At        int64   `gorm:"column:at"`
}

func (tradeModel) TableName() string { return "backtest_trades" }

type frameModel struct {
	ID      int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID   string  `gorm:"column:run_id;index:idx_frames_run_ts,priority:1"`
	TS      int64   `gorm:"column:ts;index:idx_frames_run_ts,priority:2"`
	Balance float64 `gorm:"column:balance"`
	Equity  float64 `gorm:"column:equity"`
	Margin  float64 `gorm:"column:margin"`
	Profit  float64 `gorm:"column:profit"`
}

func (frameModel) TableName() string { return "backtest_frames" }

type recordRowModel struct {
	ID      int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RunID   string         `gorm:"column:run_id;index:idx_records_run_table,priority:1"`
	Table   string         `gorm:"column:table_name;index:idx_records_run_table,priority:2"`
	Seq     int            `gorm:"column:seq"`
	RowJSON datatypes.JSON `gorm:"column:row_json;type:TEXT"`
}

func (recordRowModel) TableName() string { return "backtest_records" }

// ResultStore 管理 run/订单/持仓/资金曲线/记录表的落盘。
type ResultStore struct {
	db *gorm.DB
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewResultStoreFromDB(db)
}

func NewResultStoreFromDB(db *gorm.DB) (*ResultStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	models := []interface{}{
		&runModel{},
		&orderModel{},
		&positionModel{},
		&tradeModel{},
		&frameModel{},
		&recordRowModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &ResultStore{db: db}, nil
}

func (s *ResultStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	statsJSON, err := run.MarshalStats()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	m := runModel{
		ID:             run.ID,
		Script:         run.Script,
		ProductID:      run.ProductID,
		Status:         run.Status,
		Timeframe:      run.Timeframe,
		StartTS:        run.StartTS,
		EndTS:          run.EndTS,
		InitialBalance: run.InitialBalance,
		FinalBalance:   run.FinalBalance,
		ConfigJSON:     datatypes.JSON(cfgJSON),
		StatsJSON:      datatypes.JSON(statsJSON),
		Message:        run.Message,
		CreatedAtUnix:  now,
		UpdatedAtUnix:  now,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	updates := map[string]interface{}{
		"status":     status,
		"message":    message,
		"updated_at": now,
	}
	if status == RunStatusDone || status == RunStatusFailed {
		updates["completed_at"] = now
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateRunSummary 更新状态与汇总指标。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	updates := map[string]interface{}{
		"status":        status,
		"final_balance": stats.FinalBalance,
		"profit":        stats.Profit,
		"return_pct":    stats.ReturnPct,
		"win_rate":      stats.WinRate,
		"max_drawdown":  stats.MaxDrawdownPct,
		"orders":        stats.Orders,
		"trades":        stats.Trades,
		"stats_json":    datatypes.JSON(statsJSON),
		"message":       message,
		"updated_at":    now,
	}
	if status == RunStatusDone || status == RunStatusFailed {
		updates["completed_at"] = now
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates).Error
}

// SaveParamsSchema 固化策略声明的参数 schema。
func (s *ResultStore) SaveParamsSchema(ctx context.Context, id string, schema any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).
		Update("params_schema", datatypes.JSON(raw)).Error
}

// ParamsSchema 读取 run 的参数 schema JSON（可能为空）。
func (s *ResultStore) ParamsSchema(ctx context.Context, id string) (json.RawMessage, error) {
	var m runModel
	if err := s.db.WithContext(ctx).Select("params_schema").Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return json.RawMessage(m.ParamsSchema), nil
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	var m runModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return Run{}, err
	}
	return runFromModel(m)
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, m := range rows {
		run, err := runFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// SaveOrders 批量落盘订单历史（含被拒单）。
func (s *ResultStore) SaveOrders(ctx context.Context, runID string, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]orderModel, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, orderModel{
			RunID:       runID,
			OrderID:     o.OrderID,
			AccountID:   o.AccountID,
			ProductID:   o.ProductID,
			Direction:   string(o.Direction),
			Type:        string(o.Type),
			Volume:      o.Volume,
			Price:       o.Price,
			Status:      string(o.Status),
			Code:        o.Code,
			Message:     o.Message,
			FilledPrice: o.FilledPrice,
			FilledAt:    o.FilledAt,
			SubmittedAt: o.SubmittedAt,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (s *ResultStore) ListOrders(ctx context.Context, runID string, limit int) ([]model.Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []orderModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(rows))
	for _, m := range rows {
		out = append(out, model.Order{
			OrderID:     m.OrderID,
			AccountID:   m.AccountID,
			ProductID:   m.ProductID,
			Direction:   model.OrderDirection(m.Direction),
			Type:        model.OrderType(m.Type),
			Volume:      m.Volume,
			Price:       m.Price,
			Status:      model.OrderStatus(m.Status),
			Code:        m.Code,
			Message:     m.Message,
			FilledPrice: m.FilledPrice,
			FilledAt:    m.FilledAt,
			SubmittedAt: m.SubmittedAt,
		})
	}
	return out, nil
}

// SavePositions 落盘运行结束时仍保留的持仓。
func (s *ResultStore) SavePositions(ctx context.Context, runID string, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	rows := make([]positionModel, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, positionModel{
			RunID:          runID,
			PositionID:     p.PositionID,
			ProductID:      p.ProductID,
			Direction:      string(p.Direction),
			Volume:         p.Volume,
			PositionPrice:  p.PositionPrice,
			ClosablePrice:  p.ClosablePrice,
			FloatingProfit: p.FloatingProfit,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (s *ResultStore) ListPositions(ctx context.Context, runID string) ([]model.Position, error) {
	var rows []positionModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(rows))
	for _, m := range rows {
		out = append(out, model.Position{
			PositionID:     m.PositionID,
			ProductID:      m.ProductID,
			Direction:      model.PositionDirection(m.Direction),
			Volume:         m.Volume,
			FreeVolume:     m.Volume,
			PositionPrice:  m.PositionPrice,
			ClosablePrice:  m.ClosablePrice,
			FloatingProfit: m.FloatingProfit,
		})
	}
	return out, nil
}

// SaveTrades 落盘平仓成交流水。
func (s *ResultStore) SaveTrades(ctx context.Context, runID string, trades []units.ClosedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]tradeModel, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, tradeModel{
			RunID:     runID,
			ProductID: t.ProductID,
			Direction: string(t.Direction),
			Volume:    t.Volume,
			Price:     t.Price,
			PnL:       t.PnL,
			At:        t.At,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (s *ResultStore) ListTrades(ctx context.Context, runID string, limit int) ([]units.ClosedTrade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	var rows []tradeModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]units.ClosedTrade, 0, len(rows))
	for _, m := range rows {
		out = append(out, units.ClosedTrade{
			ProductID: m.ProductID,
			Direction: model.PositionDirection(m.Direction),
			Volume:    m.Volume,
			Price:     m.Price,
			PnL:       m.PnL,
			At:        m.At,
		})
	}
	return out, nil
}

// SaveFrames 落盘资金曲线。
func (s *ResultStore) SaveFrames(ctx context.Context, runID string, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	rows := make([]frameModel, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, frameModel{
			RunID:   runID,
			TS:      f.TS,
			Balance: f.Balance,
			Equity:  f.Equity,
			Margin:  f.Margin,
			Profit:  f.Profit,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (s *ResultStore) ListFrames(ctx context.Context, runID string, limit int) ([]Frame, error) {
	if limit <= 0 || limit > 10000 {
		limit = 2000
	}
	var rows []frameModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("ts ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Frame, 0, len(rows))
	for _, m := range rows {
		out = append(out, Frame{TS: m.TS, Balance: m.Balance, Equity: m.Equity, Margin: m.Margin, Profit: m.Profit})
	}
	return out, nil
}

// SaveRecordTables 落盘策略的记录表，行内容保留为 JSON。
func (s *ResultStore) SaveRecordTables(ctx context.Context, runID string, tables map[string][]map[string]any) error {
	if len(tables) == 0 {
		return nil
	}
	var rows []recordRowModel
	for name, list := range tables {
		for i, row := range list {
			raw, err := json.Marshal(row)
			if err != nil {
				return err
			}
			rows = append(rows, recordRowModel{
				RunID:   runID,
				Table:   name,
				Seq:     i,
				RowJSON: datatypes.JSON(raw),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

// RecordTableNames 返回 run 记录过的表名（排序后）。
func (s *ResultStore) RecordTableNames(ctx context.Context, runID string) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&recordRowModel{}).
		Where("run_id = ?", runID).Distinct("table_name").Pluck("table_name", &names).Error; err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *ResultStore) ListRecordRows(ctx context.Context, runID, table string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var rows []recordRowModel
	if err := s.db.WithContext(ctx).Where("run_id = ? AND table_name = ?", runID, table).
		Order("seq ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, m := range rows {
		var row map[string]any
		if len(m.RowJSON) > 0 {
			if err := json.Unmarshal(m.RowJSON, &row); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func runFromModel(m runModel) (Run, error) {
	run := Run{
		ID:             m.ID,
		Script:         m.Script,
		ProductID:      m.ProductID,
		Status:         m.Status,
		Timeframe:      m.Timeframe,
		StartTS:        m.StartTS,
		EndTS:          m.EndTS,
		InitialBalance: m.InitialBalance,
		FinalBalance:   m.FinalBalance,
		Profit:         m.Profit,
		ReturnPct:      m.ReturnPct,
		WinRate:        m.WinRate,
		MaxDrawdownPct: m.MaxDrawdownPct,
		Orders:         m.Orders,
		Trades:         m.Trades,
		Message:        m.Message,
		CreatedAt:      timeFromMillis(m.CreatedAtUnix),
		UpdatedAt:      timeFromMillis(m.UpdatedAtUnix),
	}
	if m.CompletedAtUnix != nil {
		run.CompletedAt = timeFromMillis(*m.CompletedAtUnix)
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &run.Config); err != nil {
			return Run{}, err
		}
	}
	if len(m.StatsJSON) > 0 && strings.TrimSpace(string(m.StatsJSON)) != "" {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}
