package signal

import (
	"fmt"
	"math"
	"sort"

	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/screener"
)

// Params 为信号生成参数，也是参数扫描的维度。
type Params struct {
	MinRSI              float64 `json:"minRsi"`
	BreakoutBufferPct   float64 `json:"breakoutBufferPct"`
	ATRStopMultiple     float64 `json:"atrStopMultiple"`
	RiskPerTrade        float64 `json:"riskPerTrade"`
	MinCapitalDeployPct float64 `json:"minCapitalDeployPct"`
	MinADV20            float64 `json:"minAdv20"`
	MinVolumeRatio      float64 `json:"minVolumeRatio"`
	MaxSignals          int     `json:"maxSignals"`
}

// ParamsFromConfig 从策略配置中提取参数。
func ParamsFromConfig(cfg config.StrategyConfig) Params {
	return Params{
		MinRSI:              cfg.MinRSI,
		BreakoutBufferPct:   cfg.BreakoutBufferPct,
		ATRStopMultiple:     cfg.ATRStopMultiple,
		RiskPerTrade:        cfg.RiskPerTrade,
		MinCapitalDeployPct: cfg.MinCapitalDeployPct,
		MinADV20:            cfg.MinADV20,
		MinVolumeRatio:      cfg.MinVolumeRatio,
		MaxSignals:          cfg.MaxSignals,
	}
}

// Builder 将筛选结果转换为带仓位的入场信号。
type Builder struct {
	params Params
}

// NewBuilder 创建信号生成器。
func NewBuilder(params Params) *Builder {
	return &Builder{params: params}
}

// Params 返回当前参数。
func (b *Builder) Params() Params {
	return b.params
}

// Eligible 判断一行是否满足趋势突破条件。
func (b *Builder) Eligible(row screener.Row) bool {
	p := b.params
	return row.EMA20 > row.EMA50 &&
		row.Close > row.EMA20 &&
		row.Close >= row.High20*(1-p.BreakoutBufferPct) &&
		row.RSI14 >= p.MinRSI &&
		row.ADV20 >= p.MinADV20 &&
		row.VolumeRatio >= p.MinVolumeRatio
}

// Build 按相对强度降序生成至多 MaxSignals 个信号。数量不足 1 股的候选被跳过。
func (b *Builder) Build(rows []screener.Row, equity float64) []domain.Signal {
	candidates := make([]screener.Row, 0, len(rows))
	for _, row := range rows {
		if b.Eligible(row) {
			candidates = append(candidates, row)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RSScore60d > candidates[j].RSScore60d
	})
	if b.params.MaxSignals >= 0 && len(candidates) > b.params.MaxSignals {
		candidates = candidates[:b.params.MaxSignals]
	}

	signals := make([]domain.Signal, 0, len(candidates))
	for _, row := range candidates {
		sig, ok := b.size(row, equity)
		if !ok {
			continue
		}
		signals = append(signals, sig)
	}
	return signals
}

func (b *Builder) size(row screener.Row, equity float64) (domain.Signal, bool) {
	p := b.params
	entry := row.Close
	stopDistance := math.Max(row.ATR14*p.ATRStopMultiple, entry*0.01)
	stop := math.Max(0.01, entry-stopDistance)

	capitalAtRisk := equity * p.RiskPerTrade
	perShareRisk := math.Max(entry-stop, 1)
	qty := int64(math.Floor(capitalAtRisk / perShareRisk))
	if p.MinCapitalDeployPct > 0 {
		minQty := int64(math.Ceil(equity * p.MinCapitalDeployPct / math.Max(entry, 0.01)))
		if minQty > qty {
			qty = minQty
		}
	}
	if qty <= 0 {
		return domain.Signal{}, false
	}

	target := entry + 2*stopDistance
	return domain.Signal{
		Symbol:      row.Symbol,
		Side:        domain.SideBuy,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: &target,
		Qty:         qty,
		RankScore:   row.RSScore60d,
		ATR14:       row.ATR14,
		Reason:      fmt.Sprintf("Trend+momentum breakout (ATRx%.1f stop)", p.ATRStopMultiple),
	}, true
}
