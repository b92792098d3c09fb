package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"swing-trader/internal/backtest"
	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
	"swing-trader/internal/execution"
	"swing-trader/internal/lock"
	"swing-trader/internal/metrics"
	"swing-trader/internal/monitor"
	"swing-trader/internal/oms"
	"swing-trader/internal/portfolio"
	"swing-trader/internal/position"
	"swing-trader/internal/risk"
	"swing-trader/internal/scheduler"
	"swing-trader/internal/screener"
	"swing-trader/internal/store"
	"swing-trader/internal/strategylab"
)

// 2024-05-06 09:30 IST，周一
var today = time.Date(2024, 5, 6, 4, 0, 0, 0, time.UTC)

type fakeMarket struct {
	mu     sync.Mutex
	bars   map[string][]exchange.Bar
	prices map[string]float64
}

func newFakeMarket(symbols ...string) *fakeMarket {
	m := &fakeMarket{bars: map[string][]exchange.Bar{}, prices: map[string]float64{}}
	for _, s := range symbols {
		bars := uptrend(150, today.AddDate(0, 0, -149))
		m.bars[s] = bars
		m.prices[s] = bars[len(bars)-1].Close
	}
	return m
}

// uptrend 生成稳定上涨、每五日小幅回落的日线。
func uptrend(n int, start time.Time) []exchange.Bar {
	bars := make([]exchange.Bar, n)
	for i := range bars {
		c := 100 + float64(i)*0.5
		if i%5 == 4 {
			c -= 0.3
		}
		bars[i] = exchange.Bar{
			Time:   time.Date(start.Year(), start.Month(), start.Day()+i, 0, 0, 0, 0, time.UTC),
			Open:   c - 0.2,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1_000_000,
		}
	}
	return bars
}

func (m *fakeMarket) Instruments(context.Context, string) (map[string]exchange.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]exchange.Instrument, len(m.bars))
	for s := range m.bars {
		out[s] = exchange.Instrument{Token: s, Symbol: s, Exchange: "NSE", Segment: "NSE", Type: "EQ"}
	}
	return out, nil
}

func (m *fakeMarket) DailyBars(_ context.Context, inst exchange.Instrument, _, _ time.Time) ([]exchange.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bars[inst.Symbol], nil
}

func (m *fakeMarket) Quotes(context.Context, []string) (map[string]exchange.Quote, error) {
	return nil, nil
}

func (m *fakeMarket) LTP(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, errors.New("no quote")
	}
	return p, nil
}

func (m *fakeMarket) setPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

type rejectingTrader struct {
	*execution.PaperTrader
	attempts int
}

func (r *rejectingTrader) Place(_ context.Context, intent domain.OrderIntent) (execution.Placement, error) {
	r.attempts++
	return execution.Placement{}, &execution.RejectionError{Symbol: intent.Symbol, Variety: "regular", Status: "REJECTED", Reason: "insufficient margin"}
}

type countingTrader struct {
	*execution.PaperTrader
	calls int
}

func (c *countingTrader) Place(ctx context.Context, intent domain.OrderIntent) (execution.Placement, error) {
	c.calls++
	return c.PaperTrader.Place(ctx, intent)
}

type offlineTrader struct {
	*execution.PaperTrader
}

func (offlineTrader) Mode() string { return config.ModeLive }

func (offlineTrader) Preflight(context.Context) (execution.PreflightResult, error) {
	return execution.PreflightResult{Mode: config.ModeLive, Message: "Missing broker credentials"}, errors.New("缺少券商凭证")
}

type harness struct {
	cfg    *config.Config
	repo   *store.Memory
	market *fakeMarket
	guard  *lock.LocalGuard
	orch   *Orchestrator
	alerts *monitor.Service
	reg    *metrics.Registry
}

func testConfig(t *testing.T, symbols ...string) *config.Config {
	t.Helper()
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Universe.Symbols = symbols
	cfg.Screener.RSIMax = 100
	cfg.Screener.MinVolumeRatio = 0
	cfg.Screener.MinADV20 = 0
	cfg.Strategy.MinVolumeRatio = 0
	cfg.Strategy.MinADV20 = 0
	cfg.Risk.MaxExposurePerSymbol = 10_000_000
	cfg.StrategyLab.MaxCandidates = 3
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, wrap func(*execution.PaperTrader) execution.Trader) *harness {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemory()
	market := newFakeMarket(cfg.Universe.Symbols...)

	var trader execution.Trader = execution.NewPaperTrader(market, repo, nil)
	if wrap != nil {
		trader = wrap(trader.(*execution.PaperTrader))
	}
	loader := exchange.NewBarLoader(market, 2, nil)
	engine := risk.NewEngine(risk.LimitsFromConfig(cfg.Risk), nil)
	tracker, err := risk.NewDailyTracker(engine, repo, cfg.App.Location(), nil)
	require.NoError(t, err)
	executor := execution.NewExecutor(oms.NewManager(repo, nil), trader, nil)
	pf := portfolio.NewService(repo, nil)
	positions := position.NewMonitor(repo, executor, pf, cfg.Strategy.TrailingATRMultiple, nil)
	require.NoError(t, positions.Hydrate(ctx))
	bt := backtest.NewEngine(loader, cfg.Universe, nil)
	reg := metrics.New()
	alerts := monitor.NewService(repo, reg, time.Minute, nil)
	guard := lock.NewLocalGuard()

	orch, err := NewOrchestrator(cfg, Deps{
		Repo:      repo,
		Screener:  screener.NewService(loader, cfg.Universe, nil),
		Risk:      engine,
		Tracker:   tracker,
		Executor:  executor,
		Portfolio: pf,
		Positions: positions,
		Backtest:  bt,
		Lab:       strategylab.NewLab(bt, repo, strategylab.GuardrailsFromConfig(cfg.StrategyLab.Guardrails), cfg.StrategyLab.MaxCandidates, nil),
		Alerts:    alerts,
		Metrics:   reg,
		Guard:     guard,
	}, nil)
	require.NoError(t, err)
	orch.now = func() time.Time { return today }

	return &harness{cfg: cfg, repo: repo, market: market, guard: guard, orch: orch, alerts: alerts, reg: reg}
}

func alertTypes(t *testing.T, repo *store.Memory) map[string]int {
	t.Helper()
	events, err := repo.ListAlerts(context.Background(), 0)
	require.NoError(t, err)
	out := map[string]int{}
	for _, e := range events {
		out[e.Type]++
	}
	return out
}

func TestEntryPlacesOrdersOnce(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY", "TCS"), nil)
	ctx := context.Background()

	res, err := h.orch.Entry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06", res.TradingDate)
	assert.Equal(t, 2, res.Signals)
	require.Len(t, res.Placed, 2)
	assert.False(t, res.CircuitOpen)

	positions, err := h.repo.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 2)
	assert.Len(t, h.orch.deps.Positions.Managed(), 2)
	assert.Equal(t, 2, h.orch.deps.Risk.Counters().OrdersToday)

	for _, p := range res.Placed {
		lots, err := h.repo.ListOpenLots(ctx, p.Symbol)
		require.NoError(t, err)
		require.Len(t, lots, 1)
		assert.Equal(t, p.Qty, lots[0].QtyOpen)
		assert.Less(t, p.Stop, p.Price)
	}

	again, err := h.orch.Entry(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Placed)
	require.Len(t, again.Skipped, 2)
	assert.Equal(t, risk.ReasonAlreadyHeld, again.Skipped[0].Reason)

	orders, err := h.repo.ListOrders(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	snaps, err := h.repo.ListSnapshots(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, snaps)
	assert.Equal(t, PassEntry, snaps[0].Note)

	state, err := h.repo.GetState(ctx, "last_entry_run")
	require.NoError(t, err)
	assert.Contains(t, state, `"placed"`)
}

func TestEntryCircuitBreakerStopsAttempts(t *testing.T) {
	cfg := testConfig(t, "A", "B", "C", "D", "E")
	var trader *rejectingTrader
	h := newHarness(t, cfg, func(p *execution.PaperTrader) execution.Trader {
		trader = &rejectingTrader{PaperTrader: p}
		return trader
	})

	res, err := h.orch.Entry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Signals)
	assert.Equal(t, 3, trader.attempts)
	assert.True(t, res.CircuitOpen)
	assert.Empty(t, res.Placed)
	require.Len(t, res.Skipped, 5)
	assert.Equal(t, "circuit breaker open", res.Skipped[3].Reason)
	assert.Equal(t, "circuit breaker open", res.Skipped[4].Reason)
	assert.Zero(t, h.orch.deps.Risk.Counters().OrdersToday)

	types := alertTypes(t, h.repo)
	assert.Equal(t, 1, types[monitor.AlertCircuitBreaker])
	assert.Equal(t, 3, types[monitor.AlertOrderRejected])
}

func TestEntryRejectsOverExposure(t *testing.T) {
	cfg := testConfig(t, "INFY", "TCS")
	cfg.Risk.MaxExposurePerSymbol = 1_000
	var trader *countingTrader
	h := newHarness(t, cfg, func(p *execution.PaperTrader) execution.Trader {
		trader = &countingTrader{PaperTrader: p}
		return trader
	})
	ctx := context.Background()

	res, err := h.orch.Entry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Signals)
	assert.Empty(t, res.Placed)
	require.Len(t, res.Skipped, 2)
	for _, s := range res.Skipped {
		assert.Equal(t, risk.ReasonMaxExposure, s.Reason, s.Symbol)
	}
	assert.Zero(t, trader.calls)
	assert.Zero(t, h.orch.deps.Risk.Counters().OrdersToday)

	orders, err := h.repo.ListOrders(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	positions, err := h.repo.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestEntryRequiresPreflight(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), func(p *execution.PaperTrader) execution.Trader {
		return offlineTrader{PaperTrader: p}
	})

	_, err := h.orch.Entry(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)

	orders, err := h.repo.ListOrders(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, 1, alertTypes(t, h.repo)[monitor.AlertPrecondition])

	_, err = h.orch.Preflight(context.Background())
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestPassesAreMutuallyExclusive(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), nil)
	ctx := context.Background()

	release, err := h.guard.TryAcquire(ctx, "other")
	require.NoError(t, err)
	assert.False(t, h.orch.CanRun(ctx))

	_, err = h.orch.Entry(ctx)
	assert.ErrorIs(t, err, ErrPassInFlight)
	_, err = h.orch.Monitor(ctx)
	assert.ErrorIs(t, err, ErrPassInFlight)

	require.NoError(t, release(ctx))
	assert.True(t, h.orch.CanRun(ctx))
	_, err = h.orch.Preflight(ctx)
	assert.NoError(t, err)
	assert.True(t, h.orch.CanRun(ctx))
}

func TestPreviewDoesNotTrade(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY", "TCS"), nil)
	ctx := context.Background()

	res, err := h.orch.PreviewEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Eligible)
	for _, row := range res.Rows {
		assert.Equal(t, "eligible", row.Status)
		assert.InDelta(t, float64(row.Qty)*row.EntryPrice, row.Notional, 1e-6)
	}

	orders, err := h.repo.ListOrders(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMonitorExitsBelowStop(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY", "TCS"), nil)
	ctx := context.Background()

	entry, err := h.orch.Entry(ctx)
	require.NoError(t, err)
	require.Len(t, entry.Placed, 2)

	quiet, err := h.orch.Monitor(ctx)
	require.NoError(t, err)
	assert.Empty(t, quiet.Exits)
	assert.Equal(t, 2, quiet.Managed)

	h.market.setPrice("INFY", 120)
	res, err := h.orch.Monitor(ctx)
	require.NoError(t, err)
	require.Len(t, res.Exits, 1)
	exit := res.Exits[0]
	assert.Equal(t, "INFY", exit.Symbol)
	assert.Equal(t, position.ReasonTrailingStop, exit.Reason)
	assert.Negative(t, exit.RealizedPnL)
	assert.Equal(t, 1, res.Managed)

	assert.InDelta(t, exit.RealizedPnL, h.orch.deps.Risk.Counters().DailyLoss, 1e-6)
	assert.InDelta(t, h.cfg.Account.Capital+exit.RealizedPnL, h.orch.Equity(), 1e-6)

	raw, err := h.repo.GetState(ctx, stateRealizedPnL)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.Equal(t, 1, alertTypes(t, h.repo)[monitor.AlertExit])
}

func TestRealizedPnLRestoredAcrossRestarts(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), nil)
	ctx := context.Background()
	require.NoError(t, h.repo.PutState(ctx, stateRealizedPnL, "-2500"))

	_, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.InDelta(t, h.cfg.Account.Capital-2500, h.orch.Equity(), 1e-9)
}

func TestReconcileDropsPositionsGoneAtBroker(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), nil)
	ctx := context.Background()

	_, err := h.orch.Entry(ctx)
	require.NoError(t, err)

	// 纸面券商以本地持仓表为准，删除后即视为券商侧已无持仓
	require.NoError(t, h.repo.DeletePosition(ctx, "INFY"))
	res, err := h.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INFY"}, res.Dropped)
	assert.Zero(t, res.Positions)
	assert.Empty(t, h.orch.deps.Positions.Managed())

	state, err := h.repo.GetState(ctx, "last_reconcile_run")
	require.NoError(t, err)
	assert.Contains(t, state, `"drifts":0`)
}

func TestEODCloseSellsEverything(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY", "TCS"), nil)
	ctx := context.Background()

	_, err := h.orch.Entry(ctx)
	require.NoError(t, err)

	res, err := h.orch.EODClose(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Closed)
	for _, exit := range res.Exits {
		assert.Equal(t, position.ReasonEODClose, exit.Reason)
	}

	positions, err := h.repo.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Empty(t, h.orch.deps.Positions.Managed())

	state, err := h.repo.GetState(ctx, "last_eod_close_run")
	require.NoError(t, err)
	assert.Contains(t, state, `"closedPositions":2`)
}

func TestBacktestAndStrategyLabPersistRuns(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY", "TCS"), nil)
	ctx := context.Background()

	bt, err := h.orch.Backtest(ctx, nil)
	require.NoError(t, err)
	assert.Positive(t, bt.RunID)
	assert.Equal(t, "2024-05-06", bt.Result.Config.To.Format("2006-01-02"))

	runs, err := h.repo.ListBacktestRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	report, err := h.orch.StrategyLab(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, report.Candidates, 3)
	assert.Positive(t, report.RunID)

	_, err = h.repo.GetState(ctx, "last_strategy_lab_run")
	assert.NoError(t, err)
}

func TestRunDispatch(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), nil)

	out, err := h.orch.Run(context.Background(), PassPreflight)
	require.NoError(t, err)
	assert.True(t, out.(execution.PreflightResult).OK)

	_, err = h.orch.Run(context.Background(), "lunch")
	assert.ErrorIs(t, err, ErrUnknownPass)
}

func TestOpsHandler(t *testing.T) {
	h := newHarness(t, testConfig(t, "INFY"), nil)
	ctx := context.Background()
	h.alerts.Notify(ctx, domain.SeverityWarning, monitor.AlertReconcileDrift, "drift", nil)

	sched, err := scheduler.New(h.cfg.Scheduler, time.UTC, jobs(h.orch), h.orch.CanRun, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(newOpsHandler(ops{alerts: h.alerts, metrics: h.reg, scheduler: sched}, zap.NewNop()))
	defer srv.Close()

	for _, path := range []string{"/alerts?limit=5", "/metrics", "/scheduler"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}
