package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swing-trader/internal/backtest"
	"swing-trader/internal/broker"
	"swing-trader/internal/config"
	"swing-trader/internal/exchange"
	"swing-trader/internal/execution"
	"swing-trader/internal/lock"
	"swing-trader/internal/metrics"
	"swing-trader/internal/monitor"
	"swing-trader/internal/oms"
	"swing-trader/internal/portfolio"
	"swing-trader/internal/position"
	"swing-trader/internal/risk"
	"swing-trader/internal/screener"
	"swing-trader/internal/store"
	"swing-trader/internal/strategylab"
)

// marketData 同时提供历史数据与最新价。
type marketData interface {
	exchange.HistoricalProvider
	exchange.LtpProvider
}

// components 为按配置装配好的全部组件。
type components struct {
	deps    Deps
	alerts  *monitor.Service
	metrics *metrics.Registry
	closers []func() error
}

func (c *components) Close() error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i]())
	}
	return err
}

func newMarketData(cfg *config.Config, client *broker.Client, logger *zap.Logger) (marketData, error) {
	switch cfg.MarketData.Source {
	case "ccxt":
		provider, err := exchange.NewCCXTProvider(cfg.MarketData.CCXT, cfg.Universe.Exchange, cfg.Universe.Symbols, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化 ccxt 行情失败: %w", err)
		}
		return provider, nil
	default:
		return exchange.NewKiteProvider(client, cfg.Broker.Exchange, logger), nil
	}
}

func newTrader(cfg *config.Config, client *broker.Client, quotes exchange.LtpProvider, repo store.Repository, logger *zap.Logger) execution.Trader {
	if cfg.App.Live() {
		return execution.NewLiveTrader(client, quotes, cfg.Broker, logger)
	}
	return execution.NewPaperTrader(quotes, repo, logger)
}

func newGuard(cfg config.LockConfig, logger *zap.Logger) (lock.Guard, func() error) {
	if cfg.Backend == "redis" {
		client := lock.NewRedisClient(cfg)
		return lock.NewRedisGuard(client, cfg, logger), client.Close
	}
	return lock.NewLocalGuard(), func() error { return nil }
}

// buildComponents 按配置装配行情、执行、风控、持仓与研究组件。
func buildComponents(ctx context.Context, cfg *config.Config, repo store.Repository, logger *zap.Logger) (*components, error) {
	client := broker.NewClient(cfg.Broker, logger)

	market, err := newMarketData(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	loader := exchange.NewBarLoader(market, cfg.MarketData.Concurrency, logger)

	riskEngine := risk.NewEngine(risk.LimitsFromConfig(cfg.Risk), logger)
	tracker, err := risk.NewDailyTracker(riskEngine, repo, cfg.App.Location(), logger)
	if err != nil {
		return nil, err
	}

	trader := newTrader(cfg, client, market, repo, logger)
	executor := execution.NewExecutor(oms.NewManager(repo, logger), trader, logger)
	pf := portfolio.NewService(repo, logger)

	positions := position.NewMonitor(repo, executor, pf, cfg.Strategy.TrailingATRMultiple, logger)
	if err := positions.Hydrate(ctx); err != nil {
		return nil, err
	}

	engine := backtest.NewEngine(loader, cfg.Universe, logger)
	lab := strategylab.NewLab(engine, repo, strategylab.GuardrailsFromConfig(cfg.StrategyLab.Guardrails), cfg.StrategyLab.MaxCandidates, logger)

	reg := metrics.New()
	alerts := monitor.NewService(repo, reg, cfg.Alerts.Cooldown, logger)
	guard, closeGuard := newGuard(cfg.Lock, logger)

	logger.Info("组件装配完成",
		zap.String("mode", trader.Mode()),
		zap.String("market_data", cfg.MarketData.Source),
		zap.String("lock", cfg.Lock.Backend),
		zap.Int("managed_positions", len(positions.Managed())),
	)

	return &components{
		deps: Deps{
			Repo:      repo,
			Screener:  screener.NewService(loader, cfg.Universe, logger),
			Risk:      riskEngine,
			Tracker:   tracker,
			Executor:  executor,
			Portfolio: pf,
			Positions: positions,
			Backtest:  engine,
			Lab:       lab,
			Alerts:    alerts,
			Metrics:   reg,
			Guard:     guard,
		},
		alerts:  alerts,
		metrics: reg,
		closers: []func() error{closeGuard},
	}, nil
}
