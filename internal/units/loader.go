package units

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"orrery/internal/kernel"
	"orrery/internal/logger"
	"orrery/internal/model"
)

// TaskState 是一段历史数据的加载状态。
type TaskState int

const (
	TaskPending TaskState = iota
	TaskLoading
	TaskReady
	TaskFailed // 仅在 ctx 取消后进入；数据源错误会一直重试
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskLoading:
		return "loading"
	case TaskReady:
		return "ready"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BarProvider 负责把 (product, timeframe, range) 的缺口补齐并返回区间
// 内的全部 K 线。由数据层（本地 K 线库 + 远端拉取服务）实现。
type BarProvider interface {
	EnsureRange(ctx context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error)
}

// RangeTask 是一次历史区间加载任务。
type RangeTask struct {
	ProductID string
	Timeframe string
	Start     int64
	End       int64

	state TaskState
	err   error
	bars  []model.Bar
	fed   int
	ready chan struct{}
}

// Ready 返回就绪通知通道；任务进入 READY 或终态 FAILED 时关闭。
func (t *RangeTask) Ready() <-chan struct{} { return t.ready }

// LoaderUnit 调度历史数据的异步拉取，并在虚拟时钟推进到每根 K 线的
// 收盘时间时把它喂给 PeriodUnit（外部数据回调在回测里的等价物）。
// 早于当前虚拟时间的 K 线（预热数据）在就绪时立即全部灌入。
type LoaderUnit struct {
	kernel.Base

	k        *kernel.Kernel
	period   *PeriodUnit
	provider BarProvider
	retry    time.Duration

	mu    sync.Mutex
	tasks map[string]*RangeTask
	order []*RangeTask // 按发起顺序，OnEvent 依此喂入，保证重放确定性
}

func NewLoaderUnit(k *kernel.Kernel, period *PeriodUnit, provider BarProvider) *LoaderUnit {
	return &LoaderUnit{
		Base:     kernel.NewBase("loader"),
		k:        k,
		period:   period,
		provider: provider,
		retry:    5 * time.Second,
		tasks:    make(map[string]*RangeTask),
	}
}

func taskKey(productID, timeframe string, start, end int64) string {
	return fmt.Sprintf("%s@%s[%d,%d)", productID, timeframe, start, end)
}

// Request 发起（或复用）一次区间加载。内核线程调用。
func (u *LoaderUnit) Request(ctx context.Context, productID, timeframe string, start, end int64) *RangeTask {
	key := taskKey(productID, timeframe, start, end)
	u.mu.Lock()
	if t, ok := u.tasks[key]; ok {
		u.mu.Unlock()
		return t
	}
	t := &RangeTask{
		ProductID: productID,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
		state:     TaskPending,
		ready:     make(chan struct{}),
	}
	u.tasks[key] = t
	u.order = append(u.order, t)
	u.mu.Unlock()

	u.k.Acquire()
	go u.load(ctx, t)
	return t
}

// State 返回任务状态（内核线程读取）。
func (u *LoaderUnit) State(t *RangeTask) (TaskState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return t.state, t.err
}

func (u *LoaderUnit) load(ctx context.Context, t *RangeTask) {
	defer u.k.Release()
	u.setState(t, TaskLoading, nil)
	for {
		bars, err := u.provider.EnsureRange(ctx, t.ProductID, t.Timeframe, t.Start, t.End)
		if err == nil {
			u.k.Post(func() { u.deliver(t, bars) })
			return
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// 内核此时可能已随 ctx 停机，直接在工作协程上关闭
			u.setState(t, TaskFailed, err)
			close(t.ready)
			return
		}
		logger.Warnf("[loader] %s@%s [%d,%d) load failed: %v, retrying in %s",
			t.ProductID, t.Timeframe, t.Start, t.End, err, u.retry)
		select {
		case <-ctx.Done():
			u.setState(t, TaskFailed, ctx.Err())
			close(t.ready)
			return
		case <-time.After(u.retry):
		}
	}
}

func (u *LoaderUnit) setState(t *RangeTask, s TaskState, err error) {
	u.mu.Lock()
	t.state = s
	t.err = err
	u.mu.Unlock()
}

// deliver 在内核线程上执行：预热部分直接灌入 PeriodUnit，其余 K 线
// 按收盘时间注册内核事件，由 OnEvent 逐根喂入。
func (u *LoaderUnit) deliver(t *RangeTask, bars []model.Bar) {
	now := u.k.Now()
	u.mu.Lock()
	t.bars = bars
	t.state = TaskReady
	u.mu.Unlock()
	for _, bar := range bars {
		if bar.EndTime <= now {
			if err := u.period.AppendOrUpdate(bar, now); err != nil {
				var ov *OrderingViolationError
				if !errors.As(err, &ov) {
					logger.Warnf("[loader] warmup bar rejected: %v", err)
				}
			}
			t.fed++
			continue
		}
		u.k.Alloc(bar.EndTime)
	}
	logger.Infof("[loader] %s@%s ready: %d bars (%d warmup)", t.ProductID, t.Timeframe, len(bars), t.fed)
	close(t.ready)
}

// OnEvent 把收盘时间已到的 K 线推进 PeriodUnit。
func (u *LoaderUnit) OnEvent(ctx context.Context) error {
	now := u.k.Now()
	u.mu.Lock()
	tasks := make([]*RangeTask, 0, len(u.order))
	for _, t := range u.order {
		if t.state == TaskReady {
			tasks = append(tasks, t)
		}
	}
	u.mu.Unlock()
	for _, t := range tasks {
		for t.fed < len(t.bars) && t.bars[t.fed].EndTime <= now {
			bar := t.bars[t.fed]
			if err := u.period.AppendOrUpdate(bar, now); err != nil {
				var ov *OrderingViolationError
				if !errors.As(err, &ov) {
					return err
				}
				// reported and dropped, keep replaying
			}
			t.fed++
		}
	}
	return nil
}
