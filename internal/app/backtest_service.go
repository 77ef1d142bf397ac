package app

import (
	"context"

	"orrery/internal/backtest"
	"orrery/internal/datastore"
)

// BacktestService 管理行情数据、拉取服务、模拟器与 HTTP 暴露。
type BacktestService struct {
	store   *datastore.Store
	results *backtest.ResultStore
	svc     *datastore.Service
	sim     *backtest.Simulator
	server  *backtest.HTTPServer
}

// Run 绑定上下文并阻塞运行 HTTP 服务，直到 ctx 取消。
func (b *BacktestService) Run(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if b.svc != nil {
		b.svc.SetContext(ctx)
	}
	if b.sim != nil {
		b.sim.SetContext(ctx)
	}
	if b.server == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.server.Start(ctx)
}

// Close 释放回测相关资源。
func (b *BacktestService) Close() {
	if b == nil {
		return
	}
	if b.results != nil {
		_ = b.results.Close()
	}
	if b.store != nil {
		_ = b.store.Close()
	}
}
