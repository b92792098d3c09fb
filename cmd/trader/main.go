package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"swing-trader/internal/app"
	"swing-trader/internal/config"
	"swing-trader/internal/log"
	"swing-trader/internal/store"
)

func main() {
	var (
		configPath string
		pass       string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&pass, "pass", "", "只执行一次指定任务后退出: entry|preview|monitor|reconcile|eod_close|preflight|backtest|strategy_lab")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := store.OpenSQL(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp := app.New(cfg, logger, repo)

	if pass != "" {
		if err := runOnce(ctx, tradingApp, pass); err != nil {
			logger.Error("任务执行失败", zap.String("pass", pass), zap.Error(err))
			stop()
			os.Exit(1)
		}
		return
	}

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

func runOnce(ctx context.Context, a *app.App, pass string) error {
	result, err := a.RunPass(ctx, pass)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return fmt.Errorf("输出结果失败: %w", encErr)
		}
	}
	return err
}
