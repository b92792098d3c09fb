package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/domain"
	"swing-trader/internal/oms"
)

// Executor 把订单请求经 OMS 登记后交给 Trader，并把结果回写为订单状态与成交。
type Executor struct {
	oms    *oms.Manager
	trader Trader
	logger *zap.Logger
	now    func() time.Time
}

// NewExecutor 创建执行器。
func NewExecutor(manager *oms.Manager, trader Trader, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		oms:    manager,
		trader: trader,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Trader 返回底层执行器。
func (e *Executor) Trader() Trader {
	return e.trader
}

// Submit 幂等提交。幂等键已存在时直接返回原订单且不再调用券商。
func (e *Executor) Submit(ctx context.Context, intent domain.OrderIntent) (Result, error) {
	order, created, err := e.oms.CreateOrder(ctx, intent)
	if err != nil {
		return Result{}, err
	}
	if !created {
		return Result{Order: order, Duplicate: true}, nil
	}

	placement, placeErr := e.trader.Place(ctx, intent)
	if placeErr != nil {
		state := domain.OrderStateRejected
		var rejection *RejectionError
		if errors.As(placeErr, &rejection) && rejection.Status == "CANCELLED" {
			state = domain.OrderStateCanceled
		}
		patch := domain.OrderPatch{Note: domain.String(placeErr.Error())}
		if placement.BrokerOrderID != "" {
			patch.BrokerOrderID = domain.String(placement.BrokerOrderID)
			patch.Variety = domain.String(placement.Variety)
		}
		updated, updateErr := e.oms.UpdateState(ctx, order.OrderID, state, patch)
		if updateErr != nil {
			return Result{Order: order}, fmt.Errorf("execution: 记录失败订单出错: %w (原始错误: %v)", updateErr, placeErr)
		}
		return Result{Order: updated}, placeErr
	}

	price, err := e.resolvePrice(ctx, intent, placement)
	if err != nil {
		return Result{Order: order}, err
	}
	qty := placement.FilledQty
	if qty <= 0 {
		qty = intent.Qty
	}

	updated, err := e.oms.UpdateState(ctx, order.OrderID, domain.OrderStateFilled, domain.OrderPatch{
		FilledQty:     domain.Int(qty),
		AvgFillPrice:  domain.Float(price),
		BrokerOrderID: domain.String(placement.BrokerOrderID),
		Variety:       domain.String(placement.Variety),
	})
	if err != nil {
		return Result{Order: order}, err
	}

	fill := domain.Fill{
		OrderID: order.OrderID,
		Symbol:  intent.Symbol,
		Side:    intent.Side,
		Qty:     qty,
		Price:   price,
		Time:    e.now(),
	}
	e.logger.Info("订单成交",
		zap.String("order_id", order.OrderID),
		zap.String("broker_order_id", placement.BrokerOrderID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.Int64("qty", fill.Qty),
		zap.Float64("price", fill.Price),
	)
	return Result{Order: updated, Fill: &fill}, nil
}

// resolvePrice 依次使用成交均价、请求价、最新价。
func (e *Executor) resolvePrice(ctx context.Context, intent domain.OrderIntent, placement Placement) (float64, error) {
	if placement.AvgPrice != nil && *placement.AvgPrice > 0 {
		return *placement.AvgPrice, nil
	}
	if intent.Price != nil && *intent.Price > 0 {
		return *intent.Price, nil
	}
	ltp, err := e.trader.LTP(ctx, intent.Symbol)
	if err != nil {
		return 0, fmt.Errorf("execution: 无法确定 %s 成交价: %w", intent.Symbol, err)
	}
	return ltp, nil
}
