package domain

import "time"

// OrderState 为订单状态。
type OrderState string

const (
	OrderStateNew      OrderState = "NEW"
	OrderStateOpen     OrderState = "OPEN"
	OrderStatePartial  OrderState = "PARTIAL"
	OrderStateFilled   OrderState = "FILLED"
	OrderStateRejected OrderState = "REJECTED"
	OrderStateCanceled OrderState = "CANCELED"
)

var stateRank = map[OrderState]int{
	OrderStateNew:      0,
	OrderStateOpen:     1,
	OrderStatePartial:  2,
	OrderStateFilled:   3,
	OrderStateRejected: 3,
	OrderStateCanceled: 3,
}

// Valid 判断状态是否已知。
func (s OrderState) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// Terminal 表示状态不可再变化。
func (s OrderState) Terminal() bool {
	return s == OrderStateFilled || s == OrderStateRejected || s == OrderStateCanceled
}

// CanTransition 判断 from -> to 是否合法：只能前进，同状态视为幂等重放。
func CanTransition(from, to OrderState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return stateRank[to] > stateRank[from]
}

// OrderIntent 为不可变的下单请求，IdempotencyKey 是跨重试与跨运行的唯一去重键。
type OrderIntent struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Qty            int64       `json:"qty"`
	Type           OrderType   `json:"type"`
	TIF            TimeInForce `json:"tif"`
	Price          *float64    `json:"price,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Reason         string      `json:"reason"`
}

// Order 为订单及其生命周期。
type Order struct {
	OrderID       string      `json:"orderId"`
	Intent        OrderIntent `json:"intent"`
	State         OrderState  `json:"state"`
	FilledQty     int64       `json:"filledQty"`
	AvgFillPrice  *float64    `json:"avgFillPrice,omitempty"`
	BrokerOrderID string      `json:"brokerOrderId,omitempty"`
	Variety       string      `json:"variety,omitempty"`
	Note          string      `json:"note,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// OrderPatch 为状态更新时需要合并的字段，nil 表示不修改。
type OrderPatch struct {
	FilledQty     *int64
	AvgFillPrice  *float64
	BrokerOrderID *string
	Variety       *string
	Note          *string
}

// Apply 把补丁合并到订单上。
func (p OrderPatch) Apply(o *Order) {
	if p.FilledQty != nil {
		o.FilledQty = *p.FilledQty
	}
	if p.AvgFillPrice != nil {
		v := *p.AvgFillPrice
		o.AvgFillPrice = &v
	}
	if p.BrokerOrderID != nil {
		o.BrokerOrderID = *p.BrokerOrderID
	}
	if p.Variety != nil {
		o.Variety = *p.Variety
	}
	if p.Note != nil {
		o.Note = *p.Note
	}
}

// Float 返回 v 的指针。
func Float(v float64) *float64 { return &v }

// Int 返回 v 的指针。
func Int(v int64) *int64 { return &v }

// String 返回 v 的指针。
func String(v string) *string { return &v }
