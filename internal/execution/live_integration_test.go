//go:build integration
// +build integration

package execution

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/broker"
	"swing-trader/internal/config"
	"swing-trader/internal/exchange"
)

// 只做只读调用：交易前检查、持仓与最新价，不会下单。
func TestLiveTraderIntegration_ReadOnly(t *testing.T) {
	configPath := os.Getenv("SWING_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Broker.APIKey == "" || cfg.Broker.AccessToken == "" {
		t.Skip("缺少券商凭证，跳过测试")
	}
	if len(cfg.Universe.Symbols) == 0 {
		t.Skip("配置缺少交易标的，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := broker.NewClient(cfg.Broker, zap.NewNop())
	quotes := exchange.NewKiteProvider(client, cfg.Universe.Exchange, zap.NewNop())
	trader := NewLiveTrader(client, quotes, cfg.Broker, zap.NewNop())

	res, err := trader.Preflight(ctx)
	if err != nil {
		t.Fatalf("交易前检查失败: %v", err)
	}
	t.Logf("preflight: %+v", res)

	positions, err := trader.Positions(ctx)
	if err != nil {
		t.Fatalf("获取持仓失败: %v", err)
	}
	t.Logf("broker positions: %d", len(positions))

	symbol := cfg.Universe.Symbols[0]
	ltp, err := trader.LTP(ctx, symbol)
	if err != nil {
		t.Fatalf("获取 %s 最新价失败: %v", symbol, err)
	}
	if ltp <= 0 {
		t.Fatalf("最新价无效: %v", ltp)
	}
}
