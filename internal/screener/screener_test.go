package screener

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/config"
	"swing-trader/internal/exchange"
)

// trendingBars 生成稳定上涨的日线，每日振幅 2，成交量最后 20 日放大。
func trendingBars(n int, start time.Time) []exchange.Bar {
	bars := make([]exchange.Bar, n)
	for i := range bars {
		c := 100 + float64(i)*0.5
		if i%5 == 4 {
			c -= 0.3
		}
		vol := 1_000_000.0
		if i >= n-20 {
			vol = 2_000_000
		}
		bars[i] = exchange.Bar{
			Time:   start.AddDate(0, 0, i),
			Open:   c - 0.2,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: vol,
		}
	}
	return bars
}

func TestAnalyzeUptrend(t *testing.T) {
	bars := trendingBars(120, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	row, err := Analyze("INFY", bars, 0.05)
	require.NoError(t, err)

	assert.Equal(t, TrendUp, row.Trend)
	assert.Equal(t, bars[119].Close, row.Close)
	assert.Greater(t, row.EMA20, row.EMA50)
	assert.Equal(t, bars[119].High, row.High20)
	assert.InDelta(t, 2_000_000.0/((30*1_000_000.0+20*2_000_000.0)/50), row.VolumeRatio, 1e-9)
	assert.Greater(t, row.RSI14, 50.0)
	assert.Less(t, row.RSI14, 100.0)

	change := (bars[119].Close - bars[59].Close) / bars[59].Close
	assert.InDelta(t, change-0.05, row.RSScore60d, 1e-12)
	assert.Equal(t, "2024-04-29", row.AsOf)
}

func TestAnalyzeRequiresLookback(t *testing.T) {
	_, err := Analyze("INFY", trendingBars(61, time.Now()), 0)
	require.Error(t, err)
}

func TestCriteriaPasses(t *testing.T) {
	c := CriteriaFromConfig(config.ScreenerConfig{
		Trend: "up", RSIMin: 50, RSIMax: 80, MinVolumeRatio: 1.1, MinADV20: 5e7,
		MinPrice: 50, MaxPrice: 10000, MinRSScore: -0.5, SortBy: "rs", MaxResults: 50,
	}, nil, time.Time{}, time.Time{})

	row := Row{Close: 100, RSI14: 60, VolumeRatio: 1.5, ADV20: 1e8, RSScore60d: 0.1, Trend: TrendUp, High20: 101}
	assert.True(t, c.Passes(row))

	hot := row
	hot.RSI14 = 85
	assert.False(t, c.Passes(hot))

	flat := row
	flat.Trend = TrendFlat
	assert.False(t, c.Passes(flat))

	c.Trend = TrendAny
	assert.True(t, c.Passes(flat))

	c.BreakoutOnly = true
	assert.False(t, c.Passes(Row{Close: 100, RSI14: 60, VolumeRatio: 1.5, ADV20: 1e8, High20: 110, Trend: TrendUp}))
}

func TestRankClampsAndSorts(t *testing.T) {
	rows := []Row{
		{Symbol: "A", RSScore60d: 0.1, RSI14: 70},
		{Symbol: "B", RSScore60d: 0.3, RSI14: 60},
		{Symbol: "C", RSScore60d: 0.2, RSI14: 65},
	}
	ranked := Rank(rows, "rs", 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "B", ranked[0].Symbol)
	assert.Equal(t, "C", ranked[1].Symbol)

	byRSI := Rank(rows, "rsi", 0)
	require.Len(t, byRSI, 1)
	assert.Equal(t, "A", byRSI[0].Symbol)
}

type stubProvider struct {
	instruments map[string]exchange.Instrument
	bars        map[string][]exchange.Bar
}

func (s stubProvider) Instruments(context.Context, string) (map[string]exchange.Instrument, error) {
	return s.instruments, nil
}

func (s stubProvider) DailyBars(_ context.Context, inst exchange.Instrument, _, _ time.Time) ([]exchange.Bar, error) {
	return s.bars[inst.Symbol], nil
}

func (s stubProvider) Quotes(context.Context, []string) (map[string]exchange.Quote, error) {
	return nil, nil
}

func TestServiceRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := trendingBars(120, start)
	for i := range bars {
		bars[i].Volume *= 100
	}
	provider := stubProvider{
		instruments: map[string]exchange.Instrument{
			"INFY":     {Token: "1", Symbol: "INFY", Exchange: "NSE", Segment: "NSE", Type: "EQ"},
			"SHORT":    {Token: "2", Symbol: "SHORT", Exchange: "NSE", Segment: "NSE", Type: "EQ"},
			"NIFTY 50": {Token: "3", Symbol: "NIFTY 50", Exchange: "NSE", Segment: "INDICES", Type: "EQ"},
		},
		bars: map[string][]exchange.Bar{
			"INFY":     bars,
			"SHORT":    bars[:70],
			"NIFTY 50": bars,
		},
	}
	loader := exchange.NewBarLoader(provider, 2, nil)
	svc := NewService(loader, config.UniverseConfig{Exchange: "NSE", Benchmark: "NIFTY 50", HistoryDays: 180}, nil)

	c := Criteria{
		From: bars[100].Time, To: bars[119].Time,
		Symbols: []string{"INFY", "SHORT", "MISSING"},
		Trend:   TrendAny, RSIMin: 0, RSIMax: 100, MinRSScore: -1,
		MinPrice: 0, MaxPrice: math.MaxFloat64, SortBy: "rs", MaxResults: 10,
	}
	res, err := svc.Run(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "INFY", res.Rows[0].Symbol)
	// 基准与标的相同，相对强度为 0
	assert.InDelta(t, 0, res.Rows[0].RSScore60d, 1e-12)
	assert.Equal(t, "insufficient history", res.Skipped["SHORT"])
	assert.Equal(t, "unknown instrument", res.Skipped["MISSING"])
}
