package execution

import (
	"errors"
	"strings"

	"swing-trader/internal/broker"
)

// OutcomeKind 为下单响应的分类。
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeRetryableHint
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRetryableHint:
		return "retryable_hint"
	default:
		return "rejected"
	}
}

// Outcome 为分类结果，只有对应 Kind 的字段有意义。
type Outcome struct {
	Kind    OutcomeKind
	OrderID string
	Variety string
	Reason  string
}

// Classifier 将下单响应映射为有限的几种结果，把提示识别与控制流分开。
type Classifier struct {
	hints           []string
	fallbackVariety string
	fallbackEnabled bool
}

// NewClassifier 创建分类器。hints 按小写子串匹配。
func NewClassifier(hints []string, fallbackVariety string, fallbackEnabled bool) Classifier {
	lowered := make([]string, 0, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			lowered = append(lowered, h)
		}
	}
	return Classifier{hints: lowered, fallbackVariety: fallbackVariety, fallbackEnabled: fallbackEnabled}
}

// Classify 根据提交时使用的 variety、返回的订单号与错误得出结论。
func (c Classifier) Classify(variety, orderID string, err error) Outcome {
	if err == nil {
		orderID = strings.TrimSpace(orderID)
		if orderID == "" {
			return Outcome{Kind: OutcomeRejected, Reason: "broker response missing order_id"}
		}
		return Outcome{Kind: OutcomeAccepted, OrderID: orderID, Variety: variety}
	}

	reason := err.Error()
	var httpErr *broker.HTTPError
	if errors.As(err, &httpErr) {
		reason = httpErr.Message
		if reason == "" {
			reason = httpErr.Body
		}
	}

	if c.fallbackEnabled && c.fallbackVariety != "" && !strings.EqualFold(variety, c.fallbackVariety) && c.matchesHint(reason) {
		return Outcome{Kind: OutcomeRetryableHint, Variety: c.fallbackVariety, Reason: reason}
	}
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func (c Classifier) matchesHint(reason string) bool {
	lower := strings.ToLower(reason)
	for _, h := range c.hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// DiagnosticHint 为常见拒绝原因给出排查建议。
func DiagnosticHint(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "margin") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "funds"):
		return "insufficient funds or margin; reduce quantity or add funds"
	case strings.Contains(lower, "freeze"):
		return "quantity exceeds the exchange freeze limit; split the order"
	case strings.Contains(lower, "market is closed") || strings.Contains(lower, "after market") || strings.Contains(lower, "amo"):
		return "market closed; enable variety fallback to place an after-market order"
	case strings.Contains(lower, "token") || strings.Contains(lower, "api_key") || strings.Contains(lower, "session"):
		return "session invalid; refresh the access token"
	case strings.Contains(lower, "circuit") || strings.Contains(lower, "price band"):
		return "price outside the allowed band; retry after the band resets"
	case strings.Contains(lower, "tick"):
		return "price is not a multiple of the tick size"
	default:
		return ""
	}
}
