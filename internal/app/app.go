package app

import (
	"context"
	"fmt"
	"strings"

	"orrery/internal/agent"
	orcfg "orrery/internal/config"
	"orrery/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回测服务。
type App struct {
	cfg      *orcfg.Config
	backtest *BacktestService
	watcher  *orcfg.Watcher
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *orcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// WatchConfig 开始监听配置文件，目前仅热更新日志级别。
func (a *App) WatchConfig(path string) error {
	w, err := orcfg.NewWatcher(path)
	if err != nil {
		return err
	}
	w.Subscribe(func(level string) {
		logger.SetLevel(level)
	})
	a.watcher = w
	return nil
}

// Run 启动回测服务并阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.backtest == nil {
		return fmt.Errorf("backtest service not initialized")
	}

	logger.Infof("✓ 已注册 %d 个策略: %s", len(agent.Names()), formatStrategyList(agent.Names()))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer a.backtest.Close()
		return a.backtest.Run(ctx)
	})

	return group.Wait()
}

func formatStrategyList(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
