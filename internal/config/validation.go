package config

import (
	"fmt"
	"strings"
)

var knownLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Datastore.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	level := strings.ToLower(strings.TrimSpace(a.LogLevel))
	if !knownLogLevels[level] {
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	if !strings.Contains(a.HTTPAddr, ":") {
		return fmt.Errorf("app.http_addr must be host:port or :port, got %q", a.HTTPAddr)
	}
	return nil
}

func (d *DatastoreConfig) validate() error {
	if strings.TrimSpace(d.Root) == "" {
		return fmt.Errorf("datastore.root cannot be empty")
	}
	if d.MaxBatch > 1500 {
		return fmt.Errorf("datastore.max_batch cannot exceed 1500 (exchange page limit)")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if strings.TrimSpace(b.ResultsRoot) == "" {
		return fmt.Errorf("backtest.results_root cannot be empty")
	}
	return nil
}
