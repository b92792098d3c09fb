package execution

import (
	"errors"
	"fmt"
	"time"

	"swing-trader/internal/domain"
)

// ErrOrderRejected 表示券商明确拒绝了订单，不应重试。
var ErrOrderRejected = errors.New("execution: 券商拒绝订单")

// RejectionError 携带券商原始拒绝原因与诊断提示。
type RejectionError struct {
	Symbol  string
	Variety string
	Status  string
	Reason  string
	Hint    string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("execution: %s 订单被拒绝 (variety=%s", e.Symbol, e.Variety)
	if e.Status != "" {
		msg += ", status=" + e.Status
	}
	msg += "): " + e.Reason
	if e.Hint != "" {
		msg += " [hint: " + e.Hint + "]"
	}
	return msg
}

func (e *RejectionError) Unwrap() error {
	return ErrOrderRejected
}

// Placement 为一次成功提交的结果。AvgPrice 为 nil 表示轮询结束时仍未拿到成交均价。
type Placement struct {
	BrokerOrderID string
	Variety       string
	Status        string
	FilledQty     int64
	AvgPrice      *float64
	PlacedAt      time.Time
}

// BrokerPosition 为券商侧的净多头持仓。
type BrokerPosition struct {
	Symbol   string
	Qty      int64
	AvgPrice float64
}

// PreflightResult 为交易前检查结果。
type PreflightResult struct {
	OK        bool   `json:"ok"`
	Mode      string `json:"mode"`
	Message   string `json:"message"`
	AccountID string `json:"accountId,omitempty"`
}

// Result 为 Executor 一次提交的结果。
type Result struct {
	Order     domain.Order
	Fill      *domain.Fill
	Duplicate bool
}
