package backtest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次模拟的参数快照，便于重放。
type RunConfig struct {
	Script         string          `json:"script"`
	ProductID      string          `json:"product_id"`
	Timeframe      string          `json:"timeframe"`
	StartTS        int64           `json:"start_ts"`
	EndTS          int64           `json:"end_ts"`
	Params         json.RawMessage `json:"params,omitempty"`
	AccountID      string          `json:"account_id"`
	Currency       string          `json:"currency"`
	InitialBalance float64         `json:"initial_balance"`
	FeeRate        float64         `json:"fee_rate"`
	SlippageBps    float64         `json:"slippage_bps"`
	Leverage       float64         `json:"leverage"`
	Notes          string          `json:"notes,omitempty"`
}

// RunStats 汇总收益、风控指标，供前端展示。
type RunStats struct {
	FinalBalance   float64   `json:"final_balance"`
	FinalEquity    float64   `json:"final_equity"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Orders         int       `json:"orders"`
	Filled         int       `json:"filled"`
	Rejected       int       `json:"rejected"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	Frames         int       `json:"frames"`
	EquityPeak     float64   `json:"equity_peak"`
	EquityValley   float64   `json:"equity_valley"`
	Passes         int64     `json:"passes"`
	Notes          []string  `json:"notes,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Run 表示一次模拟任务。
type Run struct {
	ID             string    `json:"id"`
	Script         string    `json:"script"`
	ProductID      string    `json:"product_id"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	Timeframe      string    `json:"timeframe"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	Orders         int       `json:"orders"`
	Trades         int       `json:"trades"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// RunRequest 为 HTTP 提交使用。Params 与 ParamsYAML 二选一，
// 同时给出时以 Params 为准。
type RunRequest struct {
	Script         string          `json:"script" binding:"required"`
	ProductID      string          `json:"product_id" binding:"required"`
	Timeframe      string          `json:"timeframe"`
	StartTS        int64           `json:"start_ts" binding:"required"`
	EndTS          int64           `json:"end_ts" binding:"required"`
	Params         json.RawMessage `json:"params"`
	ParamsYAML     string          `json:"params_yaml"`
	InitialBalance float64         `json:"initial_balance"`
	FeeRate        float64         `json:"fee_rate"`
	SlippageBps    float64         `json:"slippage_bps"`
	Leverage       float64         `json:"leverage"`
}

// ResolveParams 归一化参数来源：YAML 文本转成 JSON 供 schema 校验。
func (r RunRequest) ResolveParams() (json.RawMessage, error) {
	if len(r.Params) > 0 {
		return r.Params, nil
	}
	if strings.TrimSpace(r.ParamsYAML) == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(r.ParamsYAML), &doc); err != nil {
		return nil, fmt.Errorf("params_yaml 解析失败: %w", err)
	}
	return json.Marshal(doc)
}
