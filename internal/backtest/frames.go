package backtest

import (
	"context"
	"sync"

	"orrery/internal/kernel"
	"orrery/internal/units"
)

// Frame 是某个虚拟时刻的账户资金切面，构成资金曲线。
type Frame struct {
	TS      int64   `json:"ts"`
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Margin  float64 `json:"margin"`
	Profit  float64 `json:"profit"`
}

// FrameUnit 在每个事件时刻结束后快照账户资金。注册在所有单元之后，
// 同一时刻的重复事件只保留最后一次快照。
type FrameUnit struct {
	kernel.Base

	k       *kernel.Kernel
	account *units.AccountUnit

	mu     sync.Mutex
	frames []Frame
}

func NewFrameUnit(k *kernel.Kernel, account *units.AccountUnit) *FrameUnit {
	return &FrameUnit{
		Base:    kernel.NewBase("frames"),
		k:       k,
		account: account,
	}
}

func (u *FrameUnit) OnEvent(ctx context.Context) error {
	info := u.account.GetAccountInfo()
	frame := Frame{
		TS:      u.k.Now(),
		Balance: info.Money.Balance,
		Equity:  info.Money.Equity,
		Margin:  info.Money.Used,
		Profit:  info.Money.Profit,
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := len(u.frames); n > 0 && u.frames[n-1].TS == frame.TS {
		u.frames[n-1] = frame
		return nil
	}
	u.frames = append(u.frames, frame)
	return nil
}

// Frames 返回资金曲线快照。
func (u *FrameUnit) Frames() []Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Frame, len(u.frames))
	copy(out, u.frames)
	return out
}
