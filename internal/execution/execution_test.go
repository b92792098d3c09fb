package execution

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

	"swing-trader/internal/broker"
	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/oms"
	"swing-trader/internal/store"
)

type fixedLTP map[string]float64

func (f fixedLTP) LTP(_ context.Context, symbol string) (float64, error) {
	if v, ok := f[symbol]; ok {
		return v, nil
	}
	return 0, errors.New("unknown symbol")
}

func brokerConfig(url string) config.BrokerConfig {
	return config.BrokerConfig{
		BaseURL:               url,
		APIKey:                "key",
		AccessToken:           "token",
		Exchange:              "NSE",
		Product:               "CNC",
		OrderVariety:          "regular",
		FallbackVariety:       "amo",
		EnableVarietyFallback: true,
		FallbackHints:         []string{"AMO", "after market", "market is closed"},
		PollAttempts:          3,
		PollInterval:          time.Millisecond,
		Timeout:               2 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			MaxElapsed:  time.Second,
		},
	}
}

func liveTrader(url string) *LiveTrader {
	cfg := brokerConfig(url)
	return NewLiveTrader(broker.NewClient(cfg, nil), fixedLTP{"INFY": 1501}, cfg, nil)
}

func buyIntent() domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: "entry:2024-05-06:INFY:BUY",
		Symbol:         "INFY",
		Side:           domain.SideBuy,
		Qty:            10,
		Type:           domain.OrderTypeMarket,
		TIF:            domain.TIFDay,
	}
}

func TestClassifier(t *testing.T) {
	c := NewClassifier([]string{"AMO", "market is closed"}, "amo", true)

	accepted := c.Classify("regular", " 2401 ", nil)
	assert.Equal(t, OutcomeAccepted, accepted.Kind)
	assert.Equal(t, "2401", accepted.OrderID)

	missing := c.Classify("regular", "", nil)
	assert.Equal(t, OutcomeRejected, missing.Kind)

	closed := &broker.HTTPError{Status: 400, Message: "Market is closed. Place an AMO instead."}
	hint := c.Classify("regular", "", closed)
	assert.Equal(t, OutcomeRetryableHint, hint.Kind)
	assert.Equal(t, "amo", hint.Variety)

	// 已是兜底 variety 时不再切换
	assert.Equal(t, OutcomeRejected, c.Classify("amo", "", closed).Kind)

	disabled := NewClassifier([]string{"amo"}, "amo", false)
	assert.Equal(t, OutcomeRejected, disabled.Classify("regular", "", closed).Kind)

	margin := c.Classify("regular", "", &broker.HTTPError{Status: 400, Message: "Insufficient funds"})
	assert.Equal(t, OutcomeRejected, margin.Kind)
	assert.Equal(t, "Insufficient funds", margin.Reason)
	assert.Contains(t, DiagnosticHint(margin.Reason), "margin")
}

func TestLiveTraderVarietyFallbackAndPolling(t *testing.T) {
	var (
		mu        sync.Mutex
		varieties []string
		polls     int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/regular", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		varieties = append(varieties, "regular")
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"Markets are closed right now. Try placing an after market order (AMO).","error_type":"InputException"}`))
	})
	mux.HandleFunc("/orders/amo", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "10", r.PostForm.Get("quantity"))
		assert.Equal(t, "NSE", r.PostForm.Get("exchange"))
		assert.Equal(t, "BUY", r.PostForm.Get("transaction_type"))
		mu.Lock()
		varieties = append(varieties, "amo")
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"2401"}}`))
	})
	mux.HandleFunc("/orders/2401", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 2 {
			_, _ = w.Write([]byte(`{"status":"success","data":[{"status":"OPEN","filled_quantity":0}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":[{"status":"OPEN"},{"status":"COMPLETE","average_price":1499.85,"filled_quantity":10}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	placement, err := liveTrader(srv.URL).Place(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Equal(t, []string{"regular", "amo"}, varieties)
	assert.Equal(t, "2401", placement.BrokerOrderID)
	assert.Equal(t, "amo", placement.Variety)
	assert.Equal(t, "COMPLETE", placement.Status)
	require.NotNil(t, placement.AvgPrice)
	assert.Equal(t, 1499.85, *placement.AvgPrice)
}

func TestLiveTraderRejectedDuringPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/regular", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"77"}}`))
	})
	mux.HandleFunc("/orders/77", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[{"status":"REJECTED","status_message":"Quantity exceeds freeze limit"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := liveTrader(srv.URL).Place(context.Background(), buyIntent())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOrderRejected)

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "REJECTED", rejection.Status)
	assert.Equal(t, "Quantity exceeds freeze limit", rejection.Reason)
	assert.Contains(t, rejection.Hint, "freeze")
}

func TestLiveTraderPollExhaustedReturnsNilPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/regular", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"order_id":"88"}}`))
	})
	mux.HandleFunc("/orders/88", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[{"status":"OPEN"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	placement, err := liveTrader(srv.URL).Place(context.Background(), buyIntent())
	require.NoError(t, err)
	assert.Nil(t, placement.AvgPrice)
	assert.Equal(t, "OPEN", placement.Status)
}

func TestLiveTraderPositionsAndPreflight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/portfolio/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"net":[
			{"tradingsymbol":"INFY","exchange":"NSE","product":"CNC","quantity":10,"average_price":1500},
			{"tradingsymbol":"INFY","exchange":"NSE","product":"MIS","quantity":10,"average_price":1520},
			{"tradingsymbol":"TCS","exchange":"NSE","product":"CNC","quantity":0,"average_price":3000},
			{"tradingsymbol":"GOLD","exchange":"MCX","product":"NRML","quantity":1,"average_price":60000},
			{"tradingsymbol":"SBIN","exchange":"NSE","product":"CNC","quantity":-5,"average_price":700}
		]}}`))
	})
	mux.HandleFunc("/user/profile", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	trader := liveTrader(srv.URL)
	positions, err := trader.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "INFY", positions[0].Symbol)
	assert.Equal(t, int64(20), positions[0].Qty)
	assert.InDelta(t, 1510, positions[0].AvgPrice, 1e-9)

	res, err := trader.Preflight(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "AB1234", res.AccountID)
}

func TestLiveTraderPreflightWithoutCredentials(t *testing.T) {
	cfg := brokerConfig("http://127.0.0.1:1")
	cfg.APIKey = ""
	trader := NewLiveTrader(broker.NewClient(cfg, nil), nil, cfg, nil)
	res, err := trader.Preflight(context.Background())
	require.Error(t, err)
	assert.False(t, res.OK)
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, "101.05", roundToTick(101.04).StringFixed(2))
	assert.Equal(t, "99.95", roundToTick(99.96).StringFixed(2))
}

type countingTrader struct {
	*PaperTrader
	calls int
	err   error
}

func (c *countingTrader) Place(ctx context.Context, intent domain.OrderIntent) (Placement, error) {
	c.calls++
	if c.err != nil {
		return Placement{}, c.err
	}
	return c.PaperTrader.Place(ctx, intent)
}

func TestExecutorSubmitIsIdempotent(t *testing.T) {
	repo := store.NewMemory()
	trader := &countingTrader{PaperTrader: NewPaperTrader(fixedLTP{"INFY": 1500}, repo, nil)}
	exec := NewExecutor(oms.NewManager(repo, nil), trader, nil)
	ctx := context.Background()

	first, err := exec.Submit(ctx, buyIntent())
	require.NoError(t, err)
	require.NotNil(t, first.Fill)
	assert.Equal(t, 1500.0, first.Fill.Price)
	assert.Equal(t, int64(10), first.Fill.Qty)
	assert.Equal(t, domain.OrderStateFilled, first.Order.State)

	second, err := exec.Submit(ctx, buyIntent())
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Fill)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.Equal(t, 1, trader.calls)
}

func TestExecutorUsesIntentPriceWhenPaper(t *testing.T) {
	repo := store.NewMemory()
	exec := NewExecutor(oms.NewManager(repo, nil), NewPaperTrader(fixedLTP{}, repo, nil), nil)
	intent := buyIntent()
	intent.Price = domain.Float(1490)

	res, err := exec.Submit(context.Background(), intent)
	require.NoError(t, err)
	require.NotNil(t, res.Fill)
	assert.Equal(t, 1490.0, res.Fill.Price)
}

func TestExecutorMarksRejected(t *testing.T) {
	repo := store.NewMemory()
	trader := &countingTrader{
		PaperTrader: NewPaperTrader(fixedLTP{"INFY": 1500}, repo, nil),
		err:         &RejectionError{Symbol: "INFY", Reason: "Insufficient funds"},
	}
	exec := NewExecutor(oms.NewManager(repo, nil), trader, nil)

	res, err := exec.Submit(context.Background(), buyIntent())
	require.ErrorIs(t, err, ErrOrderRejected)
	assert.Equal(t, domain.OrderStateRejected, res.Order.State)
	assert.Contains(t, res.Order.Note, "Insufficient funds")
	assert.Nil(t, res.Fill)
}
