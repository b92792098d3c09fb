package risk

import (
	"swing-trader/internal/config"
	"swing-trader/internal/domain"
)

// 拒绝原因，按检查顺序排列。
const (
	ReasonDailyLoss    = "Daily loss limit breached"
	ReasonMaxOrders    = "Max orders per day reached"
	ReasonMaxPositions = "Max open positions reached"
	ReasonAlreadyHeld  = "Already holding symbol"
	ReasonMaxExposure  = "Max exposure per symbol breached"
)

// Decision 为一次下单前检查的结果。
type Decision struct {
	OK     bool
	Reason string
}

func allow() Decision {
	return Decision{OK: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Counters 为当日可变计数器。
type Counters struct {
	TradingDate string  `json:"tradingDate"`
	OrdersToday int     `json:"ordersToday"`
	DailyLoss   float64 `json:"dailyLoss"`
}

// LimitsFromConfig 构造风控限额。
func LimitsFromConfig(cfg config.RiskConfig) domain.RiskLimits {
	return domain.RiskLimits{
		MaxDailyLoss:         cfg.MaxDailyLoss,
		MaxOpenPositions:     cfg.MaxOpenPositions,
		MaxOrdersPerDay:      cfg.MaxOrdersPerDay,
		MaxExposurePerSymbol: cfg.MaxExposurePerSymbol,
		RiskPerTrade:         cfg.RiskPerTrade,
	}
}
