package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swing_trader"

// Registry 持有全部指标。每个实例使用独立的 prometheus.Registry，便于测试。
// 所有方法对 nil 接收者安全。
type Registry struct {
	reg *prometheus.Registry

	PassRuns      *prometheus.CounterVec
	PassDuration  *prometheus.HistogramVec
	Orders        *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	RiskRejects   *prometheus.CounterVec
	Drifts        prometheus.Counter
	CircuitTrips  prometheus.Counter
	OpenPositions prometheus.Gauge
	Equity        prometheus.Gauge
}

// New 创建并注册指标。
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		PassRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "runs_total",
			Help:      "按结果统计的运行次数",
		}, []string{"pass", "outcome"}),
		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pass",
			Name:      "duration_seconds",
			Help:      "单次运行耗时",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"pass"}),
		Orders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oms",
			Name:      "orders_total",
			Help:      "按方向与终态统计的订单数",
		}, []string{"side", "state"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "exits_total",
			Help:      "按原因统计的离场次数",
		}, []string{"reason"}),
		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "已发送告警数",
		}, []string{"severity", "type"}),
		RiskRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejects_total",
			Help:      "按原因统计的风控拒绝",
		}, []string{"reason"}),
		Drifts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "drifts_total",
			Help:      "对账发现的持仓差异数",
		}),
		CircuitTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "circuit_trips_total",
			Help:      "熔断跳闸次数",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "open_positions",
			Help:      "当前持仓数",
		}),
		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "portfolio",
			Name:      "equity",
			Help:      "账户权益（资金加已实现盈亏）",
		}),
	}
}

// Handler 返回 /metrics 处理器。
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer 暴露底层注册表。
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// ObservePass 记录一次运行的结果与耗时。
func (r *Registry) ObservePass(pass string, started time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.PassRuns.WithLabelValues(pass, outcome).Inc()
	r.PassDuration.WithLabelValues(pass).Observe(time.Since(started).Seconds())
}

func (r *Registry) ObserveOrder(side, state string) {
	if r == nil {
		return
	}
	r.Orders.WithLabelValues(side, state).Inc()
}

func (r *Registry) ObserveExit(reason string) {
	if r == nil {
		return
	}
	r.Exits.WithLabelValues(reason).Inc()
}

func (r *Registry) ObserveAlert(severity, alertType string) {
	if r == nil {
		return
	}
	r.Alerts.WithLabelValues(severity, alertType).Inc()
}

func (r *Registry) ObserveRiskReject(reason string) {
	if r == nil {
		return
	}
	r.RiskRejects.WithLabelValues(reason).Inc()
}

func (r *Registry) ObserveDrifts(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Drifts.Add(float64(n))
}

func (r *Registry) ObserveCircuitTrip() {
	if r == nil {
		return
	}
	r.CircuitTrips.Inc()
}

// SetPortfolio 更新持仓数与权益。
func (r *Registry) SetPortfolio(openPositions int, equity float64) {
	if r == nil {
		return
	}
	r.OpenPositions.Set(float64(openPositions))
	r.Equity.Set(equity)
}
