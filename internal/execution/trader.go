package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
	"swing-trader/internal/store"
)

// Trader 抽象执行器接口，方便切换真实或模拟下单。
type Trader interface {
	Mode() string
	Preflight(ctx context.Context) (PreflightResult, error)
	Place(ctx context.Context, intent domain.OrderIntent) (Placement, error)
	Positions(ctx context.Context) ([]BrokerPosition, error)
	LTP(ctx context.Context, symbol string) (float64, error)
}

// PaperTrader 以最新价（或请求价）立即成交，无延迟，结果确定。
type PaperTrader struct {
	quotes    exchange.LtpProvider
	positions store.PositionStore
	now       func() time.Time
	logger    *zap.Logger
	seq       atomic.Int64
}

// NewPaperTrader 创建模拟执行器。positions 作为模拟券商的持仓视图。
func NewPaperTrader(quotes exchange.LtpProvider, positions store.PositionStore, logger *zap.Logger) *PaperTrader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperTrader{
		quotes:    quotes,
		positions: positions,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Mode 返回 paper。
func (p *PaperTrader) Mode() string { return config.ModePaper }

// Preflight 在模拟模式下总是通过。
func (p *PaperTrader) Preflight(context.Context) (PreflightResult, error) {
	return PreflightResult{OK: true, Mode: config.ModePaper, Message: "Paper mode preflight passed"}, nil
}

// Place 优先使用请求价，否则取最新价。
func (p *PaperTrader) Place(ctx context.Context, intent domain.OrderIntent) (Placement, error) {
	var price float64
	if intent.Price != nil && *intent.Price > 0 {
		price = *intent.Price
	} else {
		ltp, err := p.LTP(ctx, intent.Symbol)
		if err != nil {
			return Placement{}, fmt.Errorf("execution: 模拟成交取价失败: %w", err)
		}
		price = ltp
	}

	seq := p.seq.Add(1)
	now := p.now()
	placement := Placement{
		BrokerOrderID: fmt.Sprintf("PAPER-%s-%d-%d", intent.Symbol, now.UnixMilli(), seq),
		Variety:       "paper",
		Status:        "COMPLETE",
		FilledQty:     intent.Qty,
		AvgPrice:      domain.Float(price),
		PlacedAt:      now,
	}
	p.logger.Info("模拟成交",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.Int64("qty", intent.Qty),
		zap.Float64("price", price),
	)
	return placement, nil
}

// Positions 返回本地持仓，模拟模式下本地即真相。
func (p *PaperTrader) Positions(ctx context.Context) ([]BrokerPosition, error) {
	local, err := p.positions.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("execution: 读取模拟持仓失败: %w", err)
	}
	out := make([]BrokerPosition, 0, len(local))
	for _, pos := range local {
		if pos.Qty <= 0 {
			continue
		}
		out = append(out, BrokerPosition{Symbol: pos.Symbol, Qty: pos.Qty, AvgPrice: pos.AvgPrice})
	}
	return out, nil
}

// LTP 返回最新价。
func (p *PaperTrader) LTP(ctx context.Context, symbol string) (float64, error) {
	if p.quotes == nil {
		return 0, fmt.Errorf("execution: 未配置行情源，无法获取 %s 最新价", symbol)
	}
	return p.quotes.LTP(ctx, symbol)
}

var (
	_ Trader = (*PaperTrader)(nil)
	_ Trader = (*LiveTrader)(nil)
)
