package strategylab

import (
	"math"
	"sort"

	"swing-trader/internal/signal"
)

// 每个维度相对中心参数的步长。
const (
	stepMinRSI          = 5
	stepBreakoutBuffer  = 0.005
	stepATRStopMultiple = 0.5
	stepRiskPerTrade    = 0.0025
	stepMinVolumeRatio  = 0.1
	stepMaxSignals      = 1
)

type bounds struct{ lo, hi float64 }

var (
	boundsMinRSI          = bounds{30, 80}
	boundsBreakoutBuffer  = bounds{0, 0.10}
	boundsATRStopMultiple = bounds{0.5, 5}
	boundsRiskPerTrade    = bounds{0.0025, 0.05}
	boundsMinVolumeRatio  = bounds{0, 5}
	boundsMaxSignals      = bounds{1, 20}
)

func (b bounds) clamp(v float64) float64 {
	return math.Min(b.hi, math.Max(b.lo, v))
}

func around(center, step float64, b bounds) []float64 {
	out := make([]float64, 0, 3)
	for _, v := range []float64{center, center - step, center + step} {
		v = round6(b.clamp(v))
		dup := false
		for _, seen := range out {
			if seen == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Grid 以 base 为中心，在六个维度上各取 {中心, -步长, +步长}，越界值截断到边界后去重。
// 结果按偏离中心的维度数升序（中心参数排第一），最多 max 个。
func Grid(base signal.Params, max int) []signal.Params {
	rsi := around(base.MinRSI, stepMinRSI, boundsMinRSI)
	buffer := around(base.BreakoutBufferPct, stepBreakoutBuffer, boundsBreakoutBuffer)
	atr := around(base.ATRStopMultiple, stepATRStopMultiple, boundsATRStopMultiple)
	risk := around(base.RiskPerTrade, stepRiskPerTrade, boundsRiskPerTrade)
	volume := around(base.MinVolumeRatio, stepMinVolumeRatio, boundsMinVolumeRatio)
	signals := around(float64(base.MaxSignals), stepMaxSignals, boundsMaxSignals)

	type entry struct {
		params  signal.Params
		changed int
	}
	var grid []entry
	seen := make(map[signal.Params]struct{})

	for _, r := range rsi {
		for _, b := range buffer {
			for _, a := range atr {
				for _, k := range risk {
					for _, v := range volume {
						for _, s := range signals {
							p := base
							p.MinRSI = r
							p.BreakoutBufferPct = b
							p.ATRStopMultiple = a
							p.RiskPerTrade = k
							p.MinVolumeRatio = v
							p.MaxSignals = int(s)
							if _, ok := seen[p]; ok {
								continue
							}
							seen[p] = struct{}{}
							grid = append(grid, entry{params: p, changed: changedDims(base, p)})
						}
					}
				}
			}
		}
	}

	sort.SliceStable(grid, func(i, j int) bool { return grid[i].changed < grid[j].changed })
	if max > 0 && len(grid) > max {
		grid = grid[:max]
	}
	out := make([]signal.Params, len(grid))
	for i, e := range grid {
		out[i] = e.params
	}
	return out
}

func changedDims(base, p signal.Params) int {
	n := 0
	if p.MinRSI != base.MinRSI {
		n++
	}
	if p.BreakoutBufferPct != base.BreakoutBufferPct {
		n++
	}
	if p.ATRStopMultiple != base.ATRStopMultiple {
		n++
	}
	if p.RiskPerTrade != base.RiskPerTrade {
		n++
	}
	if p.MinVolumeRatio != base.MinVolumeRatio {
		n++
	}
	if p.MaxSignals != base.MaxSignals {
		n++
	}
	return n
}
