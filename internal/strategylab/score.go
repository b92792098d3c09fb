package strategylab

import (
	"fmt"
	"math"

	"swing-trader/internal/backtest"
	"swing-trader/internal/config"
)

// Guardrails 为候选参数的准入门槛。
type Guardrails struct {
	MinTrades      int     `json:"minTrades"`
	MinWinRate     float64 `json:"minWinRate"`
	MinAvgR        float64 `json:"minAvgR"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	MinSharpe      float64 `json:"minSharpe"`
}

// DefaultGuardrails 返回默认门槛。
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MinTrades:      25,
		MinWinRate:     0.48,
		MinAvgR:        0.20,
		MaxDrawdownPct: 0.22,
		MinSharpe:      0.40,
	}
}

// GuardrailsFromConfig 读取配置，未配置的项使用默认值。
func GuardrailsFromConfig(cfg config.GuardrailConfig) Guardrails {
	g := DefaultGuardrails()
	if cfg.MinTrades > 0 {
		g.MinTrades = cfg.MinTrades
	}
	if cfg.MinWinRate > 0 {
		g.MinWinRate = cfg.MinWinRate
	}
	if cfg.MinAvgR != 0 {
		g.MinAvgR = cfg.MinAvgR
	}
	if cfg.MaxDrawdownPct > 0 {
		g.MaxDrawdownPct = cfg.MaxDrawdownPct
	}
	if cfg.MinSharpe != 0 {
		g.MinSharpe = cfg.MinSharpe
	}
	return g
}

// Check 返回所有未通过的规则，全部通过时为空。
func (g Guardrails) Check(m backtest.Metrics) []string {
	reasons := []string{}
	if m.Trades < g.MinTrades {
		reasons = append(reasons, fmt.Sprintf("trades<%d", g.MinTrades))
	}
	if m.WinRate < g.MinWinRate {
		reasons = append(reasons, fmt.Sprintf("winRate<%.2f", g.MinWinRate))
	}
	if m.AvgR < g.MinAvgR {
		reasons = append(reasons, fmt.Sprintf("avgR<%.2f", g.MinAvgR))
	}
	if m.MaxDrawdownPct > g.MaxDrawdownPct {
		reasons = append(reasons, fmt.Sprintf("maxDrawdownPct>%.2f", g.MaxDrawdownPct))
	}
	if m.SharpeProxy < g.MinSharpe {
		reasons = append(reasons, fmt.Sprintf("sharpeProxy<%.2f", g.MinSharpe))
	}
	return reasons
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

// Stability 综合交易次数、回撤余量与夏普，各项截断到 [0,1]。
func Stability(m backtest.Metrics, g Guardrails) float64 {
	headroom := 0.0
	if g.MaxDrawdownPct > 0 {
		headroom = clamp01(1 - m.MaxDrawdownPct/g.MaxDrawdownPct)
	}
	return 0.40*clamp01(float64(m.Trades)/100) +
		0.35*headroom +
		0.25*clamp01(m.SharpeProxy/2)
}

// Robustness 为排序用的综合得分，回撤越大扣分越多。
// expectancy 以单笔风险资金为单位折算成 R。
func Robustness(m backtest.Metrics, stability, initialCapital, riskPerTrade float64) float64 {
	expectancyR := 0.0
	if riskCapital := initialCapital * riskPerTrade; riskCapital > 0 {
		expectancyR = m.Expectancy / riskCapital
	}
	return 0.20*m.WinRate +
		0.25*m.AvgR +
		0.15*expectancyR +
		0.15*m.CAGR +
		0.25*stability -
		0.50*m.MaxDrawdownPct
}
