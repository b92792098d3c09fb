package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config 聚合了系统运行所需的全部配置项，进程启动时构建一次，之后只读。
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Account       AccountConfig       `mapstructure:"account"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	MarketData    MarketDataConfig    `mapstructure:"market_data"`
	Universe      UniverseConfig      `mapstructure:"universe"`
	Screener      ScreenerConfig      `mapstructure:"screener"`
	Strategy      StrategyConfig      `mapstructure:"strategy"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Backtest      BacktestConfig      `mapstructure:"backtest"`
	StrategyLab   StrategyLabConfig   `mapstructure:"strategy_lab"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Lock          LockConfig          `mapstructure:"lock"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	MonitorServer MonitorServerConfig `mapstructure:"monitor_server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Mode        string `mapstructure:"mode"`
	Timezone    string `mapstructure:"timezone"`
}

// Live 表示是否真实下单。
func (a AppConfig) Live() bool {
	return strings.EqualFold(a.Mode, ModeLive)
}

// Location 解析配置时区，失败时回落到 UTC。
func (a AppConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AccountConfig 描述账户资金。
type AccountConfig struct {
	Capital float64 `mapstructure:"capital"`
}

// BrokerConfig 描述券商 REST 接口及下单行为。
type BrokerConfig struct {
	BaseURL               string        `mapstructure:"base_url"`
	APIKey                string        `mapstructure:"api_key"`
	AccessToken           string        `mapstructure:"access_token"`
	Exchange              string        `mapstructure:"exchange"`
	Product               string        `mapstructure:"product"`
	OrderVariety          string        `mapstructure:"order_variety"`
	FallbackVariety       string        `mapstructure:"fallback_variety"`
	EnableVarietyFallback bool          `mapstructure:"enable_variety_fallback"`
	FallbackHints         []string      `mapstructure:"fallback_hints"`
	PollAttempts          int           `mapstructure:"poll_attempts"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	Timeout               time.Duration `mapstructure:"timeout"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxElapsed    time.Duration `mapstructure:"max_elapsed"`
	MinRequestGap time.Duration `mapstructure:"min_request_gap"`
}

// MarketDataConfig 控制行情来源与并发。
type MarketDataConfig struct {
	Source      string     `mapstructure:"source"`
	Concurrency int        `mapstructure:"concurrency"`
	CCXT        CCXTConfig `mapstructure:"ccxt"`
}

// CCXTConfig 描述 ccxt 行情源。
type CCXTConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// UniverseConfig 描述可交易标的池。
type UniverseConfig struct {
	Symbols      []string `mapstructure:"symbols"`
	Exchange     string   `mapstructure:"exchange"`
	Benchmark    string   `mapstructure:"benchmark"`
	LookbackDays int      `mapstructure:"lookback_days"`
	HistoryDays  int      `mapstructure:"history_days"`
}

// ScreenerConfig 为盘前筛选条件。
type ScreenerConfig struct {
	Trend          string  `mapstructure:"trend"`
	RSIMin         float64 `mapstructure:"rsi_min"`
	RSIMax         float64 `mapstructure:"rsi_max"`
	MinVolumeRatio float64 `mapstructure:"min_volume_ratio"`
	MinADV20       float64 `mapstructure:"min_adv20"`
	MinPrice       float64 `mapstructure:"min_price"`
	MaxPrice       float64 `mapstructure:"max_price"`
	MinRSScore     float64 `mapstructure:"min_rs_score"`
	BreakoutOnly   bool    `mapstructure:"breakout_only"`
	SortBy         string  `mapstructure:"sort_by"`
	MaxResults     int     `mapstructure:"max_results"`
}

// StrategyConfig 为实盘策略参数，也是参数扫描的中心点。
type StrategyConfig struct {
	MinRSI              float64 `mapstructure:"min_rsi"`
	BreakoutBufferPct   float64 `mapstructure:"breakout_buffer_pct"`
	ATRStopMultiple     float64 `mapstructure:"atr_stop_multiple"`
	RiskPerTrade        float64 `mapstructure:"risk_per_trade"`
	MinCapitalDeployPct float64 `mapstructure:"min_capital_deploy_pct"`
	MinADV20            float64 `mapstructure:"min_adv20"`
	MinVolumeRatio      float64 `mapstructure:"min_volume_ratio"`
	MaxSignals          int     `mapstructure:"max_signals"`
	TrailingATRMultiple float64 `mapstructure:"trailing_atr_multiple"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxDailyLoss              float64 `mapstructure:"max_daily_loss"`
	MaxOpenPositions          int     `mapstructure:"max_open_positions"`
	MaxOrdersPerDay           int     `mapstructure:"max_orders_per_day"`
	MaxExposurePerSymbol      float64 `mapstructure:"max_exposure_per_symbol"`
	RiskPerTrade              float64 `mapstructure:"risk_per_trade"`
	MaxConsecutiveOrderErrors int     `mapstructure:"max_consecutive_order_errors"`
}

// BacktestConfig 为回测默认参数。
type BacktestConfig struct {
	InitialCapital   float64 `mapstructure:"initial_capital"`
	MaxHoldDays      int     `mapstructure:"max_hold_days"`
	SlippageBps      float64 `mapstructure:"slippage_bps"`
	FeeBps           float64 `mapstructure:"fee_bps"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	LookbackDays     int     `mapstructure:"lookback_days"`
	WindowDays       int     `mapstructure:"window_days"`
}

// StrategyLabConfig 控制参数扫描。
type StrategyLabConfig struct {
	MaxCandidates int             `mapstructure:"max_candidates"`
	LookbackDays  int             `mapstructure:"lookback_days"`
	Guardrails    GuardrailConfig `mapstructure:"guardrails"`
}

// GuardrailConfig 为候选参数的准入门槛。
type GuardrailConfig struct {
	MinTrades      int     `mapstructure:"min_trades"`
	MinWinRate     float64 `mapstructure:"min_win_rate"`
	MinAvgR        float64 `mapstructure:"min_avg_r"`
	MaxDrawdownPct float64 `mapstructure:"max_drawdown_pct"`
	MinSharpe      float64 `mapstructure:"min_sharpe"`
}

// AlertsConfig 控制告警去重。
type AlertsConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LockConfig 控制任务互斥。
type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"password"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制定时任务节奏。
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	PremarketAt        string        `mapstructure:"premarket_at"`
	EODAt              string        `mapstructure:"eod_at"`
	MonitorWindowStart string        `mapstructure:"monitor_window_start"`
	MonitorWindowEnd   string        `mapstructure:"monitor_window_end"`
	BacktestAt         string        `mapstructure:"backtest_at"`
	BacktestWeekday    string        `mapstructure:"backtest_weekday"`
	StrategyLabAt      string        `mapstructure:"strategy_lab_at"`
	StrategyLabWeekday string        `mapstructure:"strategy_lab_weekday"`
}

// MonitorServerConfig 控制运维 HTTP 接口。
type MonitorServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验，一次性返回全部问题。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.Mode != ModePaper && c.App.Mode != ModeLive {
		err = multierr.Append(err, fmt.Errorf("app.mode 只能为 %s 或 %s", ModePaper, ModeLive))
	}
	if c.App.Timezone != "" {
		if _, locErr := time.LoadLocation(c.App.Timezone); locErr != nil {
			err = multierr.Append(err, fmt.Errorf("app.timezone 无效: %w", locErr))
		}
	}
	if c.Account.Capital <= 0 {
		err = multierr.Append(err, errors.New("account.capital 必须大于0"))
	}
	if c.App.Live() {
		if c.Broker.APIKey == "" || c.Broker.AccessToken == "" {
			err = multierr.Append(err, errors.New("live 模式需要配置 broker.api_key 与 broker.access_token"))
		}
	}
	if c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 不能为空"))
	}
	if c.Broker.OrderVariety == "" {
		err = multierr.Append(err, errors.New("broker.order_variety 不能为空"))
	}
	if c.Broker.PollAttempts < 0 {
		err = multierr.Append(err, errors.New("broker.poll_attempts 不能为负"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	switch c.MarketData.Source {
	case "broker", "ccxt":
	default:
		err = multierr.Append(err, errors.New("market_data.source 只能为 broker 或 ccxt"))
	}
	if c.MarketData.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("market_data.concurrency 必须大于0"))
	}
	if c.MarketData.Source == "ccxt" && c.MarketData.CCXT.Name == "" {
		err = multierr.Append(err, errors.New("market_data.ccxt.name 不能为空"))
	}
	if len(c.Universe.Symbols) == 0 {
		err = multierr.Append(err, errors.New("universe.symbols 至少包含一个标的"))
	}
	if c.Universe.HistoryDays < 90 {
		err = multierr.Append(err, errors.New("universe.history_days 至少为 90"))
	}
	if c.Strategy.RiskPerTrade <= 0 || c.Strategy.RiskPerTrade > 0.1 {
		err = multierr.Append(err, errors.New("strategy.risk_per_trade 必须位于(0,0.1]"))
	}
	if c.Strategy.ATRStopMultiple <= 0 {
		err = multierr.Append(err, errors.New("strategy.atr_stop_multiple 必须大于0"))
	}
	if c.Strategy.TrailingATRMultiple <= 0 {
		err = multierr.Append(err, errors.New("strategy.trailing_atr_multiple 必须大于0"))
	}
	if c.Strategy.MaxSignals <= 0 {
		err = multierr.Append(err, errors.New("strategy.max_signals 必须大于0"))
	}
	if c.Risk.MaxDailyLoss <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须大于0"))
	}
	if c.Risk.MaxOpenPositions <= 0 {
		err = multierr.Append(err, errors.New("risk.max_open_positions 必须大于0"))
	}
	if c.Risk.MaxOrdersPerDay <= 0 {
		err = multierr.Append(err, errors.New("risk.max_orders_per_day 必须大于0"))
	}
	if c.Risk.MaxExposurePerSymbol <= 0 {
		err = multierr.Append(err, errors.New("risk.max_exposure_per_symbol 必须大于0"))
	}
	if c.Risk.MaxConsecutiveOrderErrors <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_order_errors 必须大于0"))
	}
	if c.Backtest.InitialCapital <= 0 {
		err = multierr.Append(err, errors.New("backtest.initial_capital 必须大于0"))
	}
	if c.Backtest.MaxHoldDays <= 0 {
		err = multierr.Append(err, errors.New("backtest.max_hold_days 必须大于0"))
	}
	if c.Backtest.WindowDays <= 0 {
		err = multierr.Append(err, errors.New("backtest.window_days 必须大于0"))
	}
	if c.Backtest.SlippageBps < 0 || c.Backtest.FeeBps < 0 {
		err = multierr.Append(err, errors.New("backtest 滑点与费率不能为负"))
	}
	if c.StrategyLab.MaxCandidates <= 0 {
		err = multierr.Append(err, errors.New("strategy_lab.max_candidates 必须大于0"))
	}
	if c.StrategyLab.Guardrails.MaxDrawdownPct <= 0 || c.StrategyLab.Guardrails.MaxDrawdownPct >= 1 {
		err = multierr.Append(err, errors.New("strategy_lab.guardrails.max_drawdown_pct 必须位于(0,1)"))
	}
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" && !c.Database.InMemory {
			err = multierr.Append(err, errors.New("database.path 不能为空"))
		}
	case "pgx":
		if c.Database.DSN == "" {
			err = multierr.Append(err, errors.New("database.dsn 不能为空"))
		}
	default:
		err = multierr.Append(err, errors.New("database.driver 只能为 sqlite3 或 pgx"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			err = multierr.Append(err, errors.New("lock.redis_addr 不能为空"))
		}
	default:
		err = multierr.Append(err, errors.New("lock.backend 只能为 local 或 redis"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if c.Scheduler.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_interval 必须大于0"))
	}
	if c.Scheduler.MonitorInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.monitor_interval 必须大于0"))
	}
	for key, hhmm := range map[string]string{
		"scheduler.premarket_at":         c.Scheduler.PremarketAt,
		"scheduler.eod_at":               c.Scheduler.EODAt,
		"scheduler.monitor_window_start": c.Scheduler.MonitorWindowStart,
		"scheduler.monitor_window_end":   c.Scheduler.MonitorWindowEnd,
		"scheduler.backtest_at":          c.Scheduler.BacktestAt,
		"scheduler.strategy_lab_at":      c.Scheduler.StrategyLabAt,
	} {
		if _, parseErr := time.Parse("15:04", hhmm); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s 必须为 HH:MM 格式", key))
		}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
