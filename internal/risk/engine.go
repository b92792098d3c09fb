package risk

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"swing-trader/internal/domain"
)

// Engine 为下单前的有状态风控闸门，只维护内存计数器，不做 I/O。
type Engine struct {
	limits domain.RiskLimits
	logger *zap.Logger

	mu       sync.Mutex
	counters Counters
}

// NewEngine 创建风控引擎。
func NewEngine(limits domain.RiskLimits, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{limits: limits, logger: logger}
}

// Limits 返回只读限额。
func (e *Engine) Limits() domain.RiskLimits {
	return e.limits
}

// PreTradeCheck 按固定顺序检查，首个失败即返回，失败时无副作用。
func (e *Engine) PreTradeCheck(sig domain.Signal, positions []domain.Position) Decision {
	e.mu.Lock()
	counters := e.counters
	e.mu.Unlock()

	if counters.DailyLoss <= -e.limits.MaxDailyLoss {
		return e.reject(sig, ReasonDailyLoss)
	}
	if counters.OrdersToday >= e.limits.MaxOrdersPerDay {
		return e.reject(sig, ReasonMaxOrders)
	}

	open := 0
	held := false
	for _, p := range positions {
		if p.Qty == 0 {
			continue
		}
		open++
		if p.Symbol == sig.Symbol {
			held = true
		}
	}
	if open >= e.limits.MaxOpenPositions {
		return e.reject(sig, ReasonMaxPositions)
	}
	if held {
		return e.reject(sig, ReasonAlreadyHeld)
	}
	if sig.Notional() > e.limits.MaxExposurePerSymbol {
		return e.reject(sig, ReasonMaxExposure)
	}
	return allow()
}

func (e *Engine) reject(sig domain.Signal, reason string) Decision {
	e.logger.Debug("风控拒绝",
		zap.String("symbol", sig.Symbol),
		zap.Int64("qty", sig.Qty),
		zap.String("reason", reason),
	)
	return deny(reason)
}

// RegisterOrder 记录一笔已提交的订单。
func (e *Engine) RegisterOrder() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.OrdersToday++
}

// RegisterLoss 累计已实现亏损，amount 取绝对值。
func (e *Engine) RegisterLoss(amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.DailyLoss -= math.Abs(amount)
}

// Counters 返回计数器快照。
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// Restore 覆盖计数器，用于新交易日重置或进程重启后恢复。
func (e *Engine) Restore(c Counters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters = c
}
