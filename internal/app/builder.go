package app

import (
	"context"
	"fmt"
	"time"

	"orrery/internal/backtest"
	orcfg "orrery/internal/config"
	"orrery/internal/datastore"
)

// AppBuilder 负责按配置装配数据仓库、拉取服务、模拟器与 HTTP 层。
type AppBuilder struct {
	cfg *orcfg.Config

	storeFn   func(string) (*datastore.Store, error)
	sourceFn  func(orcfg.BinanceConfig) (*datastore.BinanceSource, error)
	resultsFn func(string) (*backtest.ResultStore, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *orcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   datastore.NewStore,
		sourceFn:  buildBinanceSource,
		resultsFn: backtest.NewResultStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildBinanceSource(cfg orcfg.BinanceConfig) (*datastore.BinanceSource, error) {
	return datastore.NewBinanceSource(datastore.BinanceConfig{
		RESTBaseURL: cfg.RESTBaseURL,
		HTTPTimeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		ProxyURL:    cfg.ProxyURL,
	})
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	store, err := b.storeFn(cfg.Datastore.Root)
	if err != nil {
		return nil, fmt.Errorf("open market store failed: %w", err)
	}

	source, err := b.sourceFn(cfg.Binance)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build binance source failed: %w", err)
	}

	svc, err := datastore.NewService(datastore.ServiceConfig{
		Store:           store,
		Sources:         map[string]datastore.BarSource{source.Name(): source},
		DefaultExchange: cfg.Datastore.Exchange,
		RateLimitPerMin: cfg.Datastore.RateLimitPerMin,
		MaxBatch:        cfg.Datastore.MaxBatch,
		MaxConcurrent:   cfg.Datastore.MaxConcurrent,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build fetch service failed: %w", err)
	}

	results, err := b.resultsFn(cfg.Backtest.ResultsRoot)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open result store failed: %w", err)
	}

	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		ResultStore:      results,
		Provider:         svc,
		ProductSource:    source,
		DefaultTimeframe: cfg.Backtest.DefaultTimeframe,
		MaxConcurrent:    cfg.Backtest.MaxConcurrent,
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("build simulator failed: %w", err)
	}

	server, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:      cfg.App.HTTPAddr,
		Fetcher:   svc,
		Simulator: sim,
		Results:   results,
	})
	if err != nil {
		results.Close()
		store.Close()
		return nil, fmt.Errorf("build http server failed: %w", err)
	}

	return &App{
		cfg: cfg,
		backtest: &BacktestService{
			store:   store,
			results: results,
			svc:     svc,
			sim:     sim,
			server:  server,
		},
	}, nil
}
