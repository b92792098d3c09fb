package app

import (
	"time"

	"swing-trader/internal/backtest"
	"swing-trader/internal/domain"
	"swing-trader/internal/position"
)

// 任务名称，同时用作快照备注、系统状态键与指标标签。
const (
	PassEntry       = "entry"
	PassPreview     = "preview"
	PassMonitor     = "monitor"
	PassReconcile   = "reconcile"
	PassEODClose    = "eod_close"
	PassPreflight   = "preflight"
	PassBacktest    = "backtest"
	PassStrategyLab = "strategy_lab"
)

// PlacedOrder 为入场任务中成交的一笔订单。
type PlacedOrder struct {
	Symbol  string   `json:"symbol"`
	OrderID string   `json:"orderId"`
	Qty     int64    `json:"qty"`
	Price   float64  `json:"price"`
	Stop    float64  `json:"stop"`
	Target  *float64 `json:"target,omitempty"`
}

// SkippedSignal 为未下单的信号及原因。
type SkippedSignal struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// EntryResult 为盘前入场任务的结果。
type EntryResult struct {
	TradingDate string                `json:"tradingDate"`
	Equity      float64               `json:"equity"`
	Signals     int                   `json:"signals"`
	Placed      []PlacedOrder         `json:"placed"`
	Skipped     []SkippedSignal       `json:"skipped"`
	CircuitOpen bool                  `json:"circuitOpen"`
	Reconcile   domain.ReconcileAudit `json:"reconcile"`
}

// PreviewRow 为预览中的单个信号。
type PreviewRow struct {
	Symbol      string      `json:"symbol"`
	Side        domain.Side `json:"side"`
	Qty         int64       `json:"qty"`
	EntryPrice  float64     `json:"entryPrice"`
	StopPrice   float64     `json:"stopPrice"`
	TargetPrice *float64    `json:"targetPrice,omitempty"`
	Notional    float64     `json:"notional"`
	RankScore   float64     `json:"rankScore"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason"`
}

// PreviewResult 为盘前预览，只评估不下单。
type PreviewResult struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Equity      float64      `json:"equity"`
	Total       int          `json:"total"`
	Eligible    int          `json:"eligible"`
	Skipped     int          `json:"skipped"`
	Rows        []PreviewRow `json:"rows"`
}

// MonitorResult 为盘中监控任务的结果。
type MonitorResult struct {
	Reconcile domain.ReconcileAudit `json:"reconcile"`
	Dropped   []string              `json:"dropped"`
	Exits     []position.Exit       `json:"exits"`
	Managed   int                   `json:"managed"`
}

// ReconcileResult 为对账任务的结果。
type ReconcileResult struct {
	Audit     domain.ReconcileAudit `json:"audit"`
	Dropped   []string              `json:"dropped"`
	Positions int                   `json:"positions"`
}

// EODCloseResult 为收盘清仓任务的结果。
type EODCloseResult struct {
	Closed int             `json:"closedPositions"`
	Exits  []position.Exit `json:"exits"`
}

// BacktestResult 为回测任务的结果。
type BacktestResult struct {
	RunID  int64           `json:"runId"`
	Result backtest.Result `json:"result"`
}
