package backtest

import (
	"time"

	"swing-trader/internal/config"
	"swing-trader/internal/signal"
)

// Config 定义一次回测的参数。
type Config struct {
	Label            string        `json:"label,omitempty"`
	From             time.Time     `json:"from"`             // 回测区间起点（含）
	To               time.Time     `json:"to"`               // 回测区间终点（含）
	Symbols          []string      `json:"symbols"`          // 标的池
	InitialCapital   float64       `json:"initialCapital"`   // 初始资金
	MaxHoldDays      int           `json:"maxHoldDays"`      // 最长持有交易日
	SlippageBps      float64       `json:"slippageBps"`      // 单边滑点（基点）
	FeeBps           float64       `json:"feeBps"`           // 双边按成交额收取的费率（基点）
	MaxOpenPositions int           `json:"maxOpenPositions"` // 同时持仓上限
	LookbackDays     int           `json:"lookbackDays"`     // 指标预热的日历天数
	Params           signal.Params `json:"params"`           // 信号参数
}

// ConfigFromSettings 以配置默认值构造回测参数。
func ConfigFromSettings(bt config.BacktestConfig, strategy config.StrategyConfig, symbols []string, from, to time.Time) Config {
	return Config{
		From:             from,
		To:               to,
		Symbols:          append([]string(nil), symbols...),
		InitialCapital:   bt.InitialCapital,
		MaxHoldDays:      bt.MaxHoldDays,
		SlippageBps:      bt.SlippageBps,
		FeeBps:           bt.FeeBps,
		MaxOpenPositions: bt.MaxOpenPositions,
		LookbackDays:     bt.LookbackDays,
		Params:           signal.ParamsFromConfig(strategy),
	}
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = 1_000_000
	}
	if cfg.MaxHoldDays <= 0 {
		cfg.MaxHoldDays = 15
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 5
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 180
	}
	if cfg.Params.MaxSignals <= 0 {
		cfg.Params.MaxSignals = 5
	}
	return cfg
}
