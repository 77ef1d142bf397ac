package config

// Config 是 Orrery 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Datastore DatastoreConfig `toml:"datastore"`
	Binance   BinanceConfig   `toml:"binance"`
	Backtest  BacktestConfig  `toml:"backtest"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// DatastoreConfig 控制行情仓库与拉取作业的限流参数。
type DatastoreConfig struct {
	Root            string `toml:"root"`
	Exchange        string `toml:"exchange"`
	RateLimitPerMin int    `toml:"rate_limit_per_min"`
	MaxBatch        int    `toml:"max_batch"`
	MaxConcurrent   int    `toml:"max_concurrent"`
}

type BinanceConfig struct {
	RESTBaseURL        string `toml:"rest_base_url"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	ProxyURL           string `toml:"proxy_url"`
}

// BacktestConfig 控制回测执行与结果落盘。
type BacktestConfig struct {
	ResultsRoot      string `toml:"results_root"`
	DefaultTimeframe string `toml:"default_timeframe"`
	MaxConcurrent    int    `toml:"max_concurrent"`
}
