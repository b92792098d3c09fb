package domain

import "time"

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 为委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce 为委托有效期。
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFIOC TimeInForce = "IOC"
)

// Signal 为单个入场信号，每次运行重新生成，不落库。
type Signal struct {
	Symbol      string
	Side        Side
	EntryPrice  float64
	StopPrice   float64
	TargetPrice *float64
	Qty         int64
	RankScore   float64
	ATR14       float64
	Reason      string
}

// Notional 返回名义金额。
func (s Signal) Notional() float64 {
	return float64(s.Qty) * s.EntryPrice
}

// Fill 为一次成交，是唯一会改变持仓的事件。
type Fill struct {
	ID      int64     `json:"id"`
	OrderID string    `json:"orderId"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Qty     int64     `json:"qty"`
	Price   float64   `json:"price"`
	Time    time.Time `json:"time"`
}

// Position 为带符号的净持仓。
type Position struct {
	Symbol    string    `json:"symbol"`
	Qty       int64     `json:"qty"`
	AvgPrice  float64   `json:"avgPrice"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ManagedPosition 保存移动止损状态。
// StopPrice 与 HighestPrice 只增不减。
type ManagedPosition struct {
	Symbol       string    `json:"symbol"`
	Qty          int64     `json:"qty"`
	ATR14        float64   `json:"atr14"`
	StopPrice    float64   `json:"stopPrice"`
	HighestPrice float64   `json:"highestPrice"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TradeLot 为 FIFO 记账单元。同一标的所有批次的 QtyOpen 之和等于当前持仓数量。
type TradeLot struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	QtyTotal   int64      `json:"qtyTotal"`
	QtyOpen    int64      `json:"qtyOpen"`
	EntryPrice float64    `json:"entryPrice"`
	StopPrice  float64    `json:"stopPrice"`
	ExitPrice  *float64   `json:"exitPrice,omitempty"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
}

// Closed 表示批次已全部平仓。
func (l TradeLot) Closed() bool {
	return l.QtyOpen == 0
}

// LotClose 记录一次 FIFO 平仓中单个批次的变化。
type LotClose struct {
	LotID       int64
	ClosedQty   int64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	FullyClosed bool
}

// LotCloseResult 为 FIFO 平仓汇总。
type LotCloseResult struct {
	Symbol      string
	Requested   int64
	ClosedQty   int64
	RealizedPnL float64
	Lots        []LotClose
}

// RiskLimits 为单次运行内只读的风控限额。
type RiskLimits struct {
	MaxDailyLoss         float64
	MaxOpenPositions     int
	MaxOrdersPerDay      int
	MaxExposurePerSymbol float64
	RiskPerTrade         float64
}

// DailySnapshot 为每次运行后的账户快照。
type DailySnapshot struct {
	ID            int64     `json:"id"`
	Date          string    `json:"date"`
	Equity        float64   `json:"equity"`
	RealizedPnL   float64   `json:"realizedPnl"`
	OpenPositions int       `json:"openPositions"`
	OrdersToday   int       `json:"ordersToday"`
	Note          string    `json:"note"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Severity 为告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent 为已发送告警的流水。
type AlertEvent struct {
	ID        int64             `json:"id"`
	Severity  Severity          `json:"severity"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PositionDrift 描述对账时本地与券商数量不一致。
type PositionDrift struct {
	Symbol    string  `json:"symbol"`
	LocalQty  int64   `json:"localQty"`
	BrokerQty int64   `json:"brokerQty"`
	BrokerAvg float64 `json:"brokerAvg"`
}

// ReconcileAudit 为一次对账的审计记录。
type ReconcileAudit struct {
	ID        string          `json:"id"`
	Removed   []string        `json:"removed"`
	Upserted  []string        `json:"upserted"`
	Drifts    []PositionDrift `json:"drifts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HasDrift 表示本地状态被券商视图修正过。
func (a ReconcileAudit) HasDrift() bool {
	return len(a.Removed) > 0 || len(a.Drifts) > 0
}
