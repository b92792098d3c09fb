package backtest

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
	"swing-trader/internal/signal"
)

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

func risingBars(n int, start, step float64) []exchange.Bar {
	bars := make([]exchange.Bar, n)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = exchange.Bar{
			Time:   day0.AddDate(0, 0, i),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1_000_000,
		}
	}
	return bars
}

func wavyBars(n int, start, drift, amp, period float64) []exchange.Bar {
	bars := make([]exchange.Bar, n)
	for i := range bars {
		c := start + drift*float64(i) + amp*math.Sin(float64(i)/period)
		bars[i] = exchange.Bar{
			Time:   day0.AddDate(0, 0, i),
			Open:   c,
			High:   c * 1.01,
			Low:    c * 0.99,
			Close:  c,
			Volume: 1_000_000 + 10_000*float64(i%7),
		}
	}
	return bars
}

func testConfig(from, to time.Time) Config {
	return Config{
		From:             from,
		To:               to,
		InitialCapital:   1_000_000,
		MaxHoldDays:      15,
		MaxOpenPositions: 5,
		Params: signal.Params{
			MinRSI:            55,
			BreakoutBufferPct: 0.02,
			ATRStopMultiple:   2,
			RiskPerTrade:      0.015,
			MaxSignals:        5,
		},
	}
}

func TestRunWithBarsIsDeterministic(t *testing.T) {
	bars := map[string][]exchange.Bar{
		"INFY": wavyBars(260, 100, 0.4, 6, 5),
		"TCS":  wavyBars(260, 300, 0.9, 15, 7),
		"SBIN": wavyBars(260, 500, -0.2, 20, 4),
	}
	cfg := testConfig(day0.AddDate(0, 0, 100), day0.AddDate(0, 0, 259))
	cfg.SlippageBps = 5
	cfg.FeeBps = 12

	first, err := RunWithBars(cfg, bars)
	require.NoError(t, err)
	second, err := RunWithBars(cfg, bars)
	require.NoError(t, err)

	require.Equal(t, first, second)
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.Len(t, first.EquityCurve, 160)
	assert.Equal(t, []string{"INFY", "SBIN", "TCS"}, first.Symbols)
}

func TestSteadyTrendExitsAtTarget(t *testing.T) {
	bars := map[string][]exchange.Bar{"INFY": risingBars(160, 100, 0.6)}
	cfg := testConfig(day0.AddDate(0, 0, 100), day0.AddDate(0, 0, 159))

	res, err := RunWithBars(cfg, bars)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	first := res.Trades[0]
	assert.Equal(t, ExitTarget, first.Reason)
	assert.Equal(t, 12, first.DaysHeld)
	assert.InDelta(t, 2.0, first.RMultiple, 1e-9)
	assert.Greater(t, first.PnL, 0.0)

	last := res.Trades[len(res.Trades)-1]
	assert.Equal(t, ExitForcedEOD, last.Reason)
	assert.Equal(t, "2023-06-10", last.ExitDate)

	assert.Equal(t, 1.0, res.Metrics.WinRate)
	assert.Equal(t, len(res.Trades), res.Metrics.Trades)
	assert.InDelta(t, res.Metrics.TotalPnL+cfg.InitialCapital, res.Metrics.FinalEquity, 1e-6)
	require.Len(t, res.PerSymbol, 1)
	assert.Equal(t, len(res.Trades), res.PerSymbol[0].Trades)
	for _, p := range res.EquityCurve {
		assert.LessOrEqual(t, p.OpenPositions, 1)
	}
}

func TestRunWithBarsNoData(t *testing.T) {
	bars := map[string][]exchange.Bar{"INFY": risingBars(50, 100, 1)}
	_, err := RunWithBars(testConfig(day0.AddDate(1, 0, 0), day0.AddDate(1, 1, 0)), bars)
	assert.ErrorIs(t, err, ErrNoData)
}

func openSample(s *Simulator) {
	target := 110.0
	s.Open("2023-01-02", domain.Signal{Symbol: "INFY", EntryPrice: 100, StopPrice: 95, TargetPrice: &target, Qty: 10}, exchange.Bar{Close: 100})
}

func TestExitPriority(t *testing.T) {
	t.Run("stop beats target", func(t *testing.T) {
		s := NewSimulator(Config{InitialCapital: 1000, MaxHoldDays: 1})
		openSample(s)
		s.ProcessExits("2023-01-03", map[string]exchange.Bar{"INFY": {Low: 94, High: 111, Close: 100}})
		trades := s.Trades()
		require.Len(t, trades, 1)
		assert.Equal(t, ExitStop, trades[0].Reason)
		assert.Equal(t, 95.0, trades[0].ExitPrice)
		assert.InDelta(t, -1.0, trades[0].RMultiple, 1e-9)
		assert.Equal(t, 950.0, s.Equity())
	})

	t.Run("target beats max hold", func(t *testing.T) {
		s := NewSimulator(Config{InitialCapital: 1000, MaxHoldDays: 1})
		openSample(s)
		s.ProcessExits("2023-01-03", map[string]exchange.Bar{"INFY": {Low: 99, High: 112, Close: 108}})
		trades := s.Trades()
		require.Len(t, trades, 1)
		assert.Equal(t, ExitTarget, trades[0].Reason)
		assert.Equal(t, 110.0, trades[0].ExitPrice)
	})

	t.Run("no target only exits on stop or max hold", func(t *testing.T) {
		s := NewSimulator(Config{InitialCapital: 1000, MaxHoldDays: 2})
		s.Open("2023-01-02", domain.Signal{Symbol: "INFY", EntryPrice: 100, StopPrice: 95, Qty: 10}, exchange.Bar{Close: 100})
		s.ProcessExits("2023-01-03", map[string]exchange.Bar{"INFY": {Low: 99, High: 150, Close: 140}})
		assert.Empty(t, s.Trades())
		assert.True(t, s.Holding("INFY"))

		s.ProcessExits("2023-01-04", map[string]exchange.Bar{"INFY": {Low: 130, High: 150, Close: 145}})
		trades := s.Trades()
		require.Len(t, trades, 1)
		assert.Equal(t, ExitMaxHold, trades[0].Reason)
		assert.Equal(t, 145.0, trades[0].ExitPrice)
		assert.Nil(t, trades[0].TargetPrice)
	})

	t.Run("max hold counts days without bars", func(t *testing.T) {
		s := NewSimulator(Config{InitialCapital: 1000, MaxHoldDays: 2})
		openSample(s)
		s.ProcessExits("2023-01-03", map[string]exchange.Bar{})
		assert.Equal(t, 1, s.OpenCount())
		s.ProcessExits("2023-01-04", map[string]exchange.Bar{"INFY": {Low: 99, High: 104, Close: 103}})
		trades := s.Trades()
		require.Len(t, trades, 1)
		assert.Equal(t, ExitMaxHold, trades[0].Reason)
		assert.Equal(t, 103.0, trades[0].ExitPrice)
		assert.Equal(t, 2, trades[0].DaysHeld)
	})
}

func TestSlippageAndFees(t *testing.T) {
	s := NewSimulator(Config{InitialCapital: 1000, MaxHoldDays: 5, SlippageBps: 10, FeeBps: 10})
	openSample(s)
	s.ForceClose("2023-01-02")
	trades := s.Trades()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.InDelta(t, 100.1, tr.EntryPrice, 1e-9)
	assert.InDelta(t, 99.9, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 2.0, tr.Fees, 1e-9)
	assert.InDelta(t, -4.0, tr.PnL, 1e-9)
	assert.Equal(t, ExitForcedEOD, tr.Reason)
}

func TestMetricsHelpers(t *testing.T) {
	abs, pct := computeDrawdown([]float64{100, 120, 90, 130, 117})
	assert.Equal(t, 30.0, abs)
	assert.InDelta(t, 0.25, pct, 1e-12)

	assert.InDelta(t, 0.1, computeCAGR(100, 121, "2020-01-01", "2022-01-01"), 1e-3)
	assert.Equal(t, 0.0, computeCAGR(100, 0, "2020-01-01", "2022-01-01"))
	// 同一天按一个交易日年化
	assert.Greater(t, computeCAGR(100, 101, "2020-01-01", "2020-01-01"), 1.0)

	assert.Equal(t, 0.0, computeSharpe([]float64{0.01, 0.01, 0.01}))
	assert.Greater(t, computeSharpe([]float64{0.01, 0.02, 0.0, 0.015}), 0.0)

	summary := summarizeBySymbol([]ClosedTrade{
		{Symbol: "A", PnL: -5},
		{Symbol: "B", PnL: 10},
		{Symbol: "A", PnL: 2},
	})
	require.Len(t, summary, 2)
	assert.Equal(t, "B", summary[0].Symbol)
	assert.Equal(t, SymbolSummary{Symbol: "A", Trades: 2, Wins: 1, PnL: -3}, summary[1])
}

type stubProvider struct {
	bars map[string][]exchange.Bar
}

func (s stubProvider) Instruments(context.Context, string) (map[string]exchange.Instrument, error) {
	out := make(map[string]exchange.Instrument, len(s.bars))
	for symbol := range s.bars {
		out[symbol] = exchange.Instrument{Token: symbol, Symbol: symbol, Exchange: "NSE", Segment: "NSE", Type: "EQ"}
	}
	return out, nil
}

func (s stubProvider) DailyBars(_ context.Context, inst exchange.Instrument, _, _ time.Time) ([]exchange.Bar, error) {
	return s.bars[inst.Symbol], nil
}

func (s stubProvider) Quotes(context.Context, []string) (map[string]exchange.Quote, error) {
	return nil, nil
}

func TestEngineRunAndRecord(t *testing.T) {
	provider := stubProvider{bars: map[string][]exchange.Bar{"INFY": risingBars(160, 100, 0.6)}}
	engine := NewEngine(exchange.NewBarLoader(provider, 2, nil), config.UniverseConfig{Exchange: "NSE"}, nil)

	cfg := testConfig(day0.AddDate(0, 0, 100), day0.AddDate(0, 0, 159))
	cfg.Symbols = []string{"INFY", "UNKNOWN"}
	cfg.Label = "weekly"

	res, err := engine.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"INFY"}, res.Symbols)
	assert.NotEmpty(t, res.Trades)

	rec, err := res.Record()
	require.NoError(t, err)
	assert.Equal(t, "weekly", rec.Label)
	assert.Equal(t, "2023-04-12", rec.From)

	var summary struct {
		Metrics Metrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(rec.Summary, &summary))
	assert.Equal(t, res.Metrics.Trades, summary.Metrics.Trades)
}
