package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"orrery/internal/logger"
	"orrery/internal/model"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams 描述一次拉取请求。
type FetchParams struct {
	ProductID string `json:"product_id"`
	Timeframe string `json:"timeframe"`
	Exchange  string `json:"exchange,omitempty"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// FetchJob 是一次拉取任务的可观测状态。
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Message   string      `json:"message,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Missing   []Gap       `json:"missing,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Warnings = append([]string{}, j.Warnings...)
	out.Missing = append([]Gap{}, j.Missing...)
	return out
}

// ServiceConfig 配置 Service。
type ServiceConfig struct {
	Store           *Store
	Sources         map[string]BarSource
	DefaultExchange string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Service 负责管理拉取任务、协调远端数据源与本地落盘，
// 同时向回放层提供补齐后的区间读取。
type Service struct {
	store           *Store
	sources         map[string]BarSource
	defaultExchange string
	maxBatch        int

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	ratePerSec := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	if cfg.RateLimitPerMin <= 0 {
		ratePerSec = 8
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	svc := &Service{
		store:           cfg.Store,
		sources:         make(map[string]BarSource),
		defaultExchange: strings.ToLower(cfg.DefaultExchange),
		maxBatch:        maxBatch,
		limiter:         rate.NewLimiter(ratePerSec, maxBatch),
		sem:             make(chan struct{}, maxConcurrent),
		jobs:            make(map[string]*FetchJob),
		baseCtx:         context.Background(),
	}
	for k, v := range cfg.Sources {
		svc.sources[strings.ToLower(k)] = v
	}
	if svc.defaultExchange == "" {
		for k := range svc.sources {
			svc.defaultExchange = k
			break
		}
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

func (s *Service) source(exchange string) BarSource {
	if exchange == "" {
		exchange = s.defaultExchange
	}
	return s.sources[strings.ToLower(exchange)]
}

// SubmitFetch 提交拉取任务；若区间已完整只做一致性检查。
func (s *Service) SubmitFetch(params FetchParams) (FetchJob, error) {
	if params.ProductID == "" {
		return FetchJob{}, fmt.Errorf("product 不能为空")
	}
	tf, err := ParseTimeframe(params.Timeframe)
	if err != nil {
		return FetchJob{}, err
	}
	src := s.source(params.Exchange)
	if src == nil {
		return FetchJob{}, fmt.Errorf("未知数据源: %s", params.Exchange)
	}
	start, end := tf.AlignRange(params.Start, params.End)
	if start == end {
		return FetchJob{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	params.Start = start
	params.End = end

	report, err := s.store.CheckIntegrity(s.ctx(), params.ProductID, tf.Key, tf, start, end)
	if err != nil {
		return FetchJob{}, err
	}
	total := report.Expected
	completed := min64(report.Present, total)
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Params:    params,
		Total:     total,
		Completed: completed,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
		Missing:   append([]Gap{}, report.Gaps...),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	logger.Infof("[datastore] 任务 %s 提交：%s %s [%d,%d] 预计=%d 缺口=%d", job.ID, params.ProductID, tf.Key, params.Start, params.End, total, len(report.Gaps))

	if total == 0 || report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新拉取", report.Gaps)
		return job.copy(), nil
	}

	go s.runJob(job.ID, tf, report, src)
	return job.copy(), nil
}

func (s *Service) runJob(jobID string, tf Timeframe, report IntegrityReport, source BarSource) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.setJobStatus(jobID, JobStatusFailed, "服务已关闭", nil)
		return
	}
	defer func() { <-s.sem }()

	job := s.getJob(jobID)
	if job == nil {
		return
	}
	logger.Infof("[datastore] 任务 %s 开始，缺口=%d", jobID, len(report.Gaps))
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})

	params := job.Params
	ctx := s.ctx()
	warnings, err := s.fillGaps(ctx, params.ProductID, tf, report.Gaps, source, func(inserted int) {
		s.updateJob(jobID, func(j *FetchJob) {
			j.Completed += int64(inserted)
			j.UpdatedAt = time.Now()
		})
	})
	if err != nil {
		s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
		return
	}

	finalReport, err := s.store.CheckIntegrity(ctx, params.ProductID, tf.Key, tf, params.Start, params.End)
	status := JobStatusDone
	if err != nil {
		status = JobStatusFailed
		warnings = append(warnings, "完整性检查失败: "+err.Error())
	}
	message := "拉取完成"
	if !finalReport.Complete() && status != JobStatusFailed {
		status = JobStatusPartial
		message = "已完成，但仍存在缺口"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, finalReport.Gaps...)
		j.UpdatedAt = time.Now()
		if len(warnings) > 0 {
			j.Warnings = append([]string{}, warnings...)
		}
	})
	logger.Infof("[datastore] 任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(finalReport.Gaps))
}

// fillGaps 逐缺口批量拉取并写库，onInsert 在每批写入后回调。
func (s *Service) fillGaps(ctx context.Context, productID string, tf Timeframe, gaps []Gap, source BarSource, onInsert func(int)) ([]string, error) {
	step := tf.durationMillis()
	var warnings []string
	for _, gap := range gaps {
		cursor := gap.From
		targetEnd := gap.To
		for cursor <= targetEnd {
			if err := ctx.Err(); err != nil {
				return warnings, err
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return warnings, err
			}
			remaining := int((targetEnd-cursor)/step) + 1
			if remaining < 1 {
				remaining = 1
			}
			if remaining > s.maxBatch {
				remaining = s.maxBatch
			}
			req := FetchRequest{
				ProductID: productID,
				Interval:  tf.SourceInterval,
				Start:     cursor,
				End:       targetEnd + step - 1,
				Limit:     remaining,
			}
			data, err := source.Fetch(ctx, req)
			if err != nil {
				return warnings, fmt.Errorf("%s 拉取失败: %w", source.Name(), err)
			}
			if len(data) == 0 {
				warnings = append(warnings, fmt.Sprintf("区间 [%d,%d] 拉取为空", cursor, targetEnd))
				break
			}
			inserted, err := s.store.InsertBars(ctx, productID, tf.Key, data)
			if err != nil {
				return warnings, fmt.Errorf("写入失败: %w", err)
			}
			last := data[len(data)-1].StartTime
			cursor = last + step
			if onInsert != nil {
				onInsert(inserted)
			}
			if inserted == 0 {
				break
			}
		}
	}
	return warnings, nil
}

// EnsureRange 补齐缺口后返回区间内全部 K 线。回放加载单元以此为数据入口；
// 拉取失败返回错误，由调用方决定重试。
func (s *Service) EnsureRange(ctx context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error) {
	if productID == "" {
		return nil, errors.New("product 不能为空")
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	start, end = tf.AlignRange(start, end)
	report, err := s.store.CheckIntegrity(ctx, productID, tf.Key, tf, start, end)
	if err != nil {
		return nil, err
	}
	if !report.Complete() {
		src := s.source("")
		if src == nil {
			return nil, errors.New("没有可用数据源")
		}
		if _, err := s.fillGaps(ctx, productID, tf, report.Gaps, src, nil); err != nil {
			return nil, err
		}
	}
	return s.store.RangeBars(ctx, productID, tf.Key, start, end)
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回所有任务的拷贝列表。
func (s *Service) JobsSnapshot() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	return out
}

// ManifestInfo 读取本地 manifest。
func (s *Service) ManifestInfo(ctx context.Context, productID, timeframe string) (Manifest, error) {
	if productID == "" || timeframe == "" {
		return Manifest{}, errors.New("product/timeframe 不能为空")
	}
	return s.store.Manifest(ctx, productID, timeframe)
}

// QueryBars 读取指定区间 K 线。
func (s *Service) QueryBars(ctx context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error) {
	if productID == "" || timeframe == "" {
		return nil, errors.New("product/timeframe 不能为空")
	}
	return s.store.RangeBars(ctx, productID, timeframe, start, end)
}

func (s *Service) setJobStatus(jobID, status, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *Service) getJob(id string) *FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

func (s *Service) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && fn != nil {
		fn(job)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
