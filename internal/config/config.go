package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "swing"
)

// Load 读取配置文件并结合 .env 与环境变量返回 Config。
// 环境变量形如 SWING_BROKER_ACCESS_TOKEN，优先级高于文件。
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Defaults 返回只含默认值的配置，测试与演示场景使用。
func Defaults() (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv 读取工作目录下的 .env，文件不存在时忽略。
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	return nil
}

// SetDefaults 写入全部默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.mode", ModePaper)
	v.SetDefault("app.timezone", "Asia/Kolkata")

	v.SetDefault("account.capital", 1_000_000.0)

	v.SetDefault("broker.base_url", "https://api.kite.trade")
	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.access_token", "")
	v.SetDefault("broker.exchange", "NSE")
	v.SetDefault("broker.product", "CNC")
	v.SetDefault("broker.order_variety", "regular")
	v.SetDefault("broker.fallback_variety", "amo")
	v.SetDefault("broker.enable_variety_fallback", true)
	v.SetDefault("broker.fallback_hints", []string{"amo", "after market", "market is closed"})
	v.SetDefault("broker.poll_attempts", 5)
	v.SetDefault("broker.poll_interval", "1s")
	v.SetDefault("broker.timeout", "15s")
	v.SetDefault("broker.retry.max_attempts", 5)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "8s")
	v.SetDefault("broker.retry.max_elapsed", "60s")
	v.SetDefault("broker.retry.min_request_gap", "350ms")

	v.SetDefault("market_data.source", "broker")
	v.SetDefault("market_data.concurrency", 4)
	v.SetDefault("market_data.ccxt.name", "binance")
	v.SetDefault("market_data.ccxt.use_sandbox", false)
	v.SetDefault("market_data.ccxt.retry.max_attempts", 5)
	v.SetDefault("market_data.ccxt.retry.min_delay", "500ms")
	v.SetDefault("market_data.ccxt.retry.max_delay", "5s")

	v.SetDefault("universe.symbols", []string{"RELIANCE", "TCS", "INFY", "HDFCBANK", "ICICIBANK"})
	v.SetDefault("universe.exchange", "NSE")
	v.SetDefault("universe.benchmark", "NIFTY 50")
	v.SetDefault("universe.lookback_days", 30)
	v.SetDefault("universe.history_days", 180)

	v.SetDefault("screener.trend", "up")
	v.SetDefault("screener.rsi_min", 50.0)
	v.SetDefault("screener.rsi_max", 80.0)
	v.SetDefault("screener.min_volume_ratio", 1.1)
	v.SetDefault("screener.min_adv20", 5e7)
	v.SetDefault("screener.min_price", 50.0)
	v.SetDefault("screener.max_price", 10000.0)
	v.SetDefault("screener.min_rs_score", -0.5)
	v.SetDefault("screener.breakout_only", false)
	v.SetDefault("screener.sort_by", "rs")
	v.SetDefault("screener.max_results", 50)

	v.SetDefault("strategy.min_rsi", 55.0)
	v.SetDefault("strategy.breakout_buffer_pct", 0.02)
	v.SetDefault("strategy.atr_stop_multiple", 2.0)
	v.SetDefault("strategy.risk_per_trade", 0.015)
	v.SetDefault("strategy.min_capital_deploy_pct", 0.0)
	v.SetDefault("strategy.min_adv20", 1e8)
	v.SetDefault("strategy.min_volume_ratio", 1.2)
	v.SetDefault("strategy.max_signals", 5)
	v.SetDefault("strategy.trailing_atr_multiple", 2.0)

	v.SetDefault("risk.max_daily_loss", 25000.0)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.max_orders_per_day", 10)
	v.SetDefault("risk.max_exposure_per_symbol", 250000.0)
	v.SetDefault("risk.risk_per_trade", 0.015)
	v.SetDefault("risk.max_consecutive_order_errors", 3)

	v.SetDefault("backtest.initial_capital", 1_000_000.0)
	v.SetDefault("backtest.max_hold_days", 15)
	v.SetDefault("backtest.slippage_bps", 5.0)
	v.SetDefault("backtest.fee_bps", 12.0)
	v.SetDefault("backtest.max_open_positions", 5)
	v.SetDefault("backtest.lookback_days", 180)
	v.SetDefault("backtest.window_days", 365)

	v.SetDefault("strategy_lab.max_candidates", 24)
	v.SetDefault("strategy_lab.lookback_days", 365)
	v.SetDefault("strategy_lab.guardrails.min_trades", 25)
	v.SetDefault("strategy_lab.guardrails.min_win_rate", 0.48)
	v.SetDefault("strategy_lab.guardrails.min_avg_r", 0.20)
	v.SetDefault("strategy_lab.guardrails.max_drawdown_pct", 0.22)
	v.SetDefault("strategy_lab.guardrails.min_sharpe", 0.40)

	v.SetDefault("alerts.cooldown", "10m")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/swing_trader.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "127.0.0.1:6379")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.key_prefix", "swing-trader:lock:")
	v.SetDefault("lock.ttl", "10m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "20s")
	v.SetDefault("scheduler.monitor_interval", "300s")
	v.SetDefault("scheduler.premarket_at", "08:55")
	v.SetDefault("scheduler.eod_at", "15:31")
	v.SetDefault("scheduler.monitor_window_start", "09:20")
	v.SetDefault("scheduler.monitor_window_end", "15:25")
	v.SetDefault("scheduler.backtest_at", "10:30")
	v.SetDefault("scheduler.backtest_weekday", "saturday")
	v.SetDefault("scheduler.strategy_lab_at", "11:00")
	v.SetDefault("scheduler.strategy_lab_weekday", "saturday")

	v.SetDefault("monitor_server.enabled", true)
	v.SetDefault("monitor_server.port", 9090)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
