package config

// 默认值常量
const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppHTTPAddr       = ":9991"
	defaultAppLogPath        = "/data/logs/orrery.log"
	defaultDatastoreRoot     = "/data/market"
	defaultDatastoreExchange = "binance"
	defaultRateLimitPerMin   = 480
	defaultMaxBatch          = 1000
	defaultMaxConcurrent     = 2
	defaultBinanceREST       = "https://fapi.binance.com"
	defaultBinanceTimeout    = 15
	defaultResultsRoot       = "/data/backtest"
	defaultTimeframe         = "1h"
	defaultBacktestWorkers   = 1
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults() {
	c.App.applyDefaults()
	c.Datastore.applyDefaults()
	c.Binance.applyDefaults()
	c.Backtest.applyDefaults()
}

func (a *AppConfig) applyDefaults() {
	if a.Env == "" {
		a.Env = defaultAppEnv
	}
	if a.LogLevel == "" {
		a.LogLevel = defaultAppLogLevel
	}
	if a.HTTPAddr == "" {
		a.HTTPAddr = defaultAppHTTPAddr
	}
	if a.LogPath == "" {
		a.LogPath = defaultAppLogPath
	}
}

func (d *DatastoreConfig) applyDefaults() {
	if d.Root == "" {
		d.Root = defaultDatastoreRoot
	}
	if d.Exchange == "" {
		d.Exchange = defaultDatastoreExchange
	}
	if d.RateLimitPerMin <= 0 {
		d.RateLimitPerMin = defaultRateLimitPerMin
	}
	if d.MaxBatch <= 0 {
		d.MaxBatch = defaultMaxBatch
	}
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = defaultMaxConcurrent
	}
}

func (b *BinanceConfig) applyDefaults() {
	if b.RESTBaseURL == "" {
		b.RESTBaseURL = defaultBinanceREST
	}
	if b.HTTPTimeoutSeconds <= 0 {
		b.HTTPTimeoutSeconds = defaultBinanceTimeout
	}
}

func (b *BacktestConfig) applyDefaults() {
	if b.ResultsRoot == "" {
		b.ResultsRoot = defaultResultsRoot
	}
	if b.DefaultTimeframe == "" {
		b.DefaultTimeframe = defaultTimeframe
	}
	if b.MaxConcurrent <= 0 {
		b.MaxConcurrent = defaultBacktestWorkers
	}
}
