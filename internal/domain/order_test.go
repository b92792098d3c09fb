package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderState
		want     bool
	}{
		{OrderStateNew, OrderStateOpen, true},
		{OrderStateNew, OrderStateFilled, true},
		{OrderStateOpen, OrderStatePartial, true},
		{OrderStatePartial, OrderStateFilled, true},
		{OrderStateFilled, OrderStateFilled, true},
		{OrderStatePartial, OrderStateOpen, false},
		{OrderStateFilled, OrderStateRejected, false},
		{OrderStateRejected, OrderStateNew, false},
		{OrderStateNew, OrderState("BOGUS"), false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: 期望 %v, 实际 %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestOrderPatchApply(t *testing.T) {
	o := Order{OrderID: "a", FilledQty: 1, BrokerOrderID: "b1"}
	OrderPatch{FilledQty: Int(10), AvgFillPrice: Float(101.5)}.Apply(&o)

	if o.FilledQty != 10 {
		t.Fatalf("FilledQty 未合并: %d", o.FilledQty)
	}
	if o.AvgFillPrice == nil || *o.AvgFillPrice != 101.5 {
		t.Fatalf("AvgFillPrice 未合并: %v", o.AvgFillPrice)
	}
	if o.BrokerOrderID != "b1" {
		t.Fatalf("未设置的字段不应改变: %s", o.BrokerOrderID)
	}
}
