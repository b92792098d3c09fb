package backtest

import (
	"math"
	"sort"
	"time"

	"swing-trader/internal/indicator"
)

// Metrics 记录回测绩效指标。比例类指标均为小数。
type Metrics struct {
	Trades         int     `json:"trades"`
	WinRate        float64 `json:"winRate"`
	AvgR           float64 `json:"avgR"`
	Expectancy     float64 `json:"expectancy"`
	TotalPnL       float64 `json:"totalPnl"`
	FinalEquity    float64 `json:"finalEquity"`
	MaxDrawdownAbs float64 `json:"maxDrawdownAbs"`
	MaxDrawdownPct float64 `json:"maxDrawdownPct"`
	CAGR           float64 `json:"cagr"`
	SharpeProxy    float64 `json:"sharpeProxy"`
}

// SymbolSummary 为单个标的的交易汇总。
type SymbolSummary struct {
	Symbol string  `json:"symbol"`
	Trades int     `json:"trades"`
	Wins   int     `json:"wins"`
	PnL    float64 `json:"pnl"`
}

func calculateMetrics(initial float64, trades []ClosedTrade, curve []EquityPoint) Metrics {
	m := Metrics{Trades: len(trades), FinalEquity: initial}

	if len(trades) > 0 {
		var wins int
		var sumR float64
		for _, t := range trades {
			if t.PnL > 0 {
				wins++
			}
			sumR += t.RMultiple
			m.TotalPnL += t.PnL
		}
		m.WinRate = float64(wins) / float64(len(trades))
		m.AvgR = sumR / float64(len(trades))
		m.Expectancy = m.TotalPnL / float64(len(trades))
	}
	m.FinalEquity = initial + m.TotalPnL

	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	m.MaxDrawdownAbs, m.MaxDrawdownPct = computeDrawdown(equity)
	m.SharpeProxy = computeSharpe(dailyReturns(equity))
	if len(curve) >= 2 {
		m.CAGR = computeCAGR(initial, m.FinalEquity, curve[0].Date, curve[len(curve)-1].Date)
	}
	return m
}

// computeDrawdown 返回权益曲线上峰谷回撤的最大绝对值与最大比例。
func computeDrawdown(equity []float64) (float64, float64) {
	peak := math.Inf(-1)
	maxAbs, maxPct := 0.0, 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxAbs {
			maxAbs = dd
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxPct {
			maxPct = dd
		}
	}
	return maxAbs, maxPct
}

func dailyReturns(equity []float64) []float64 {
	out := make([]float64, 0, len(equity))
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, (equity[i]-prev)/prev)
	}
	return out
}

// computeSharpe 为日收益均值/总体标准差，按 252 个交易日年化。
func computeSharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	std := indicator.PopulationStd(returns)
	if std == 0 {
		return 0
	}
	return indicator.Mean(returns) / std * math.Sqrt(252)
}

// computeCAGR 按经过的自然日年化，最短按一个交易日计。
func computeCAGR(initial, final float64, from, to string) float64 {
	if initial <= 0 || final <= 0 {
		return 0
	}
	start, err1 := time.Parse("2006-01-02", from)
	end, err2 := time.Parse("2006-01-02", to)
	if err1 != nil || err2 != nil {
		return 0
	}
	years := math.Max(end.Sub(start).Hours()/24/365.25, 1.0/252)
	return math.Pow(final/initial, 1/years) - 1
}

// summarizeBySymbol 按标的汇总，总盈亏降序，相同时按代码升序。
func summarizeBySymbol(trades []ClosedTrade) []SymbolSummary {
	bySymbol := make(map[string]*SymbolSummary)
	for _, t := range trades {
		s, ok := bySymbol[t.Symbol]
		if !ok {
			s = &SymbolSummary{Symbol: t.Symbol}
			bySymbol[t.Symbol] = s
		}
		s.Trades++
		if t.PnL > 0 {
			s.Wins++
		}
		s.PnL += t.PnL
	}
	out := make([]SymbolSummary, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PnL != out[j].PnL {
			return out[i].PnL > out[j].PnL
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
