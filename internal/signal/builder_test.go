package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/domain"
	"swing-trader/internal/screener"
)

func baseParams() Params {
	return Params{
		MinRSI:            55,
		BreakoutBufferPct: 0.01,
		ATRStopMultiple:   2,
		RiskPerTrade:      0.015,
		MinADV20:          1e7,
		MinVolumeRatio:    1.0,
		MaxSignals:        5,
	}
}

func breakoutRow(symbol string, rs float64) screener.Row {
	return screener.Row{
		Symbol: symbol, Close: 100, EMA20: 95, EMA50: 90, RSI14: 62,
		ATR14: 1, High20: 100.5, VolumeRatio: 1.4, ADV20: 5e7, RSScore60d: rs,
	}
}

func TestBuildSizesByRisk(t *testing.T) {
	b := NewBuilder(baseParams())
	signals := b.Build([]screener.Row{breakoutRow("INFY", 0.1)}, 1_000_000)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, domain.SideBuy, sig.Side)
	assert.Equal(t, 100.0, sig.EntryPrice)
	assert.Equal(t, 98.0, sig.StopPrice)
	// 15000 / 2 = 7500
	assert.Equal(t, int64(7500), sig.Qty)
	require.NotNil(t, sig.TargetPrice)
	assert.Equal(t, 104.0, *sig.TargetPrice)
	assert.Equal(t, "Trend+momentum breakout (ATRx2.0 stop)", sig.Reason)
	assert.Equal(t, 0.1, sig.RankScore)
	assert.Equal(t, 1.0, sig.ATR14)
}

func TestBuildStopFloorAndMinDeploy(t *testing.T) {
	p := baseParams()
	p.MinCapitalDeployPct = 0.02
	b := NewBuilder(p)

	row := breakoutRow("TCS", 0.2)
	row.ATR14 = 0.1
	signals := b.Build([]screener.Row{row}, 100_000)
	require.Len(t, signals, 1)

	// 止损距离至少为入场价的 1%
	assert.InDelta(t, 99.0, signals[0].StopPrice, 1e-9)
	// risk: floor(1500/1)=1500; deploy: ceil(2000/100)=20
	assert.Equal(t, int64(1500), signals[0].Qty)

	tiny := b.Build([]screener.Row{row}, 10)
	require.Len(t, tiny, 1)
	assert.Equal(t, int64(1), tiny[0].Qty)
}

func TestBuildFiltersAndRanks(t *testing.T) {
	p := baseParams()
	p.MaxSignals = 2
	b := NewBuilder(p)

	weak := breakoutRow("WEAK", 0.9)
	weak.RSI14 = 40
	below := breakoutRow("BELOW", 0.8)
	below.Close = 94
	illiquid := breakoutRow("THIN", 0.7)
	illiquid.ADV20 = 1

	rows := []screener.Row{
		breakoutRow("A", 0.1),
		weak, below, illiquid,
		breakoutRow("B", 0.3),
		breakoutRow("C", 0.2),
	}
	signals := b.Build(rows, 1_000_000)
	require.Len(t, signals, 2)
	assert.Equal(t, "B", signals[0].Symbol)
	assert.Equal(t, "C", signals[1].Symbol)
}

func TestBuildSkipsZeroQty(t *testing.T) {
	b := NewBuilder(baseParams())
	assert.Empty(t, b.Build([]screener.Row{breakoutRow("INFY", 0.1)}, 0))
}
