package monitor

import (
	"context"

	"swing-trader/internal/domain"
)

// 告警类型。
const (
	AlertPrecondition   = "precondition"
	AlertCircuitBreaker = "circuit_breaker"
	AlertReconcileDrift = "reconcile_drift"
	AlertOrderRejected  = "order_rejected"
	AlertPassFailed     = "pass_failed"
	AlertExit           = "exit"
)

// Notifier 为告警出口。冷却期内相同 (级别, 类型, 内容) 的告警只发送一次。
type Notifier interface {
	Notify(ctx context.Context, severity domain.Severity, alertType, message string, fields map[string]string) bool
}

type alertKey struct {
	severity  domain.Severity
	alertType string
	message   string
}
