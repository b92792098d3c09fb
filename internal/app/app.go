package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"swing-trader/internal/config"
	"swing-trader/internal/scheduler"
	"swing-trader/internal/store"
)

// ErrUnknownPass 表示任务名称无效。
var ErrUnknownPass = errors.New("app: 未知任务")

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	repo   store.Repository
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, repo store.Repository) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
	}
}

// Run 启动调度器与运维接口，阻塞直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("mode", a.cfg.App.Mode),
		zap.Strings("symbols", a.cfg.Universe.Symbols),
	)

	comps, err := buildComponents(ctx, a.cfg, a.repo, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := comps.Close(); closeErr != nil {
			a.logger.Warn("关闭组件失败", zap.Error(closeErr))
		}
	}()

	orch, err := NewOrchestrator(a.cfg, comps.deps, a.logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(a.cfg.Scheduler, a.cfg.App.Location(), jobs(orch), orch.CanRun, a.logger)
	if err != nil {
		return err
	}

	if a.cfg.MonitorServer.Enabled {
		if err := startMonitorServer(ctx, ops{alerts: comps.alerts, metrics: comps.metrics, scheduler: sched}, a.cfg.MonitorServer.Port, a.logger); err != nil {
			return err
		}
	}

	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("调度器未启用，等待退出信号")
		<-ctx.Done()
		a.logger.Info("系统收到退出信号，正在停止")
		return nil
	}

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// RunPass 只执行一次指定任务并返回结果。
func (a *App) RunPass(ctx context.Context, pass string) (any, error) {
	comps, err := buildComponents(ctx, a.cfg, a.repo, a.logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := comps.Close(); closeErr != nil {
			a.logger.Warn("关闭组件失败", zap.Error(closeErr))
		}
	}()

	orch, err := NewOrchestrator(a.cfg, comps.deps, a.logger)
	if err != nil {
		return nil, err
	}
	return orch.Run(ctx, pass)
}

// Run 按名称执行一个任务。
func (o *Orchestrator) Run(ctx context.Context, pass string) (any, error) {
	switch pass {
	case PassEntry:
		return o.Entry(ctx)
	case PassPreview:
		return o.PreviewEntry(ctx)
	case PassMonitor:
		return o.Monitor(ctx)
	case PassReconcile:
		return o.Reconcile(ctx)
	case PassEODClose:
		return o.EODClose(ctx)
	case PassPreflight:
		return o.Preflight(ctx)
	case PassBacktest:
		return o.Backtest(ctx, nil)
	case PassStrategyLab:
		return o.StrategyLab(ctx, nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPass, pass)
	}
}

func jobs(o *Orchestrator) scheduler.Jobs {
	return scheduler.Jobs{
		Premarket: func(ctx context.Context) error {
			_, err := o.Entry(ctx)
			return err
		},
		Monitor: func(ctx context.Context) error {
			_, err := o.Monitor(ctx)
			return err
		},
		EODClose: func(ctx context.Context) error {
			_, err := o.EODClose(ctx)
			return err
		},
		Backtest: func(ctx context.Context) error {
			_, err := o.Backtest(ctx, nil)
			return err
		},
		StrategyLab: func(ctx context.Context) error {
			_, err := o.StrategyLab(ctx, nil)
			return err
		},
	}
}
