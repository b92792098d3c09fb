package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/config"
	"swing-trader/internal/domain"
)

func newSQLite(t *testing.T) *SQL {
	t.Helper()
	s, err := OpenSQL(context.Background(), config.DatabaseConfig{Driver: DriverSQLite, InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
	}
}

func TestRepositoryOrders(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ts := time.Date(2024, 3, 1, 3, 30, 0, 0, time.UTC)
			order := domain.Order{
				OrderID: "o-1",
				Intent: domain.OrderIntent{
					IdempotencyKey: "entry:2024-03-01:INFY:BUY",
					Symbol:         "INFY",
					Side:           domain.SideBuy,
					Qty:            10,
					Type:           domain.OrderTypeMarket,
					TIF:            domain.TIFDay,
					Price:          domain.Float(1500),
					CreatedAt:      ts,
					Reason:         "test",
				},
				State:     domain.OrderStateNew,
				CreatedAt: ts,
				UpdatedAt: ts,
			}
			require.NoError(t, repo.InsertOrder(ctx, order))

			got, err := repo.FindOrderByIdempotencyKey(ctx, order.Intent.IdempotencyKey)
			require.NoError(t, err)
			assert.Equal(t, "o-1", got.OrderID)
			assert.Nil(t, got.AvgFillPrice)
			require.NotNil(t, got.Intent.Price)
			assert.Equal(t, 1500.0, *got.Intent.Price)

			got.State = domain.OrderStateFilled
			got.FilledQty = 10
			got.AvgFillPrice = domain.Float(1501)
			require.NoError(t, repo.UpdateOrder(ctx, got))

			again, err := repo.GetOrder(ctx, "o-1")
			require.NoError(t, err)
			assert.Equal(t, domain.OrderStateFilled, again.State)
			require.NotNil(t, again.AvgFillPrice)
			assert.Equal(t, 1501.0, *again.AvgFillPrice)

			_, err = repo.GetOrder(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, repo.UpdateOrder(ctx, domain.Order{OrderID: "missing"}), ErrNotFound)

			list, err := repo.ListOrders(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestRepositoryPositions(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "TCS", Qty: 5, AvgPrice: 3000}))
			require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "TCS", Qty: 8, AvgPrice: 3100}))
			require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "INFY", Qty: 2, AvgPrice: 1500}))

			pos, err := repo.GetPosition(ctx, "TCS")
			require.NoError(t, err)
			assert.Equal(t, int64(8), pos.Qty)
			assert.Equal(t, 3100.0, pos.AvgPrice)

			list, err := repo.ListPositions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "INFY", list[0].Symbol)

			require.NoError(t, repo.DeletePosition(ctx, "TCS"))
			_, err = repo.GetPosition(ctx, "TCS")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepositoryCloseLotsFIFO(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t1 := time.Date(2024, 1, 2, 4, 0, 0, 0, time.UTC)
			t2 := t1.Add(24 * time.Hour)

			lot1, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "SBIN", QtyTotal: 10, EntryPrice: 100, StopPrice: 95, OpenedAt: t1})
			require.NoError(t, err)
			lot2, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "SBIN", QtyTotal: 5, EntryPrice: 110, StopPrice: 104, OpenedAt: t2})
			require.NoError(t, err)

			res, err := repo.CloseLotsFIFO(ctx, "SBIN", 12, 120, t2.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(12), res.ClosedQty)
			require.Len(t, res.Lots, 2)
			assert.Equal(t, lot1.ID, res.Lots[0].LotID)
			assert.True(t, res.Lots[0].FullyClosed)
			assert.Equal(t, int64(2), res.Lots[1].ClosedQty)
			// 10*(120-100) + 2*(120-110)
			assert.InDelta(t, 220.0, res.RealizedPnL, 1e-9)

			open, err := repo.ListOpenLots(ctx, "SBIN")
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, lot2.ID, open[0].ID)
			assert.Equal(t, int64(3), open[0].QtyOpen)

			all, err := repo.ListLots(ctx, "SBIN")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, int64(0), all[0].QtyOpen)
			require.NotNil(t, all[0].ExitPrice)
			assert.Equal(t, 120.0, *all[0].ExitPrice)
			require.NotNil(t, all[0].ClosedAt)
			assert.Nil(t, all[1].ClosedAt)
		})
	}
}

func TestRepositoryCloseLotsFIFOWithinSameSecond(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 1, 2, 4, 0, 0, 0, time.UTC)

			// 同一秒内开仓，小数位数不同
			lot1, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "SBIN", QtyTotal: 10, EntryPrice: 100, StopPrice: 95, OpenedAt: base.Add(100 * time.Millisecond)})
			require.NoError(t, err)
			lot2, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "SBIN", QtyTotal: 5, EntryPrice: 101, StopPrice: 96, OpenedAt: base.Add(120 * time.Millisecond)})
			require.NoError(t, err)
			lot0, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "SBIN", QtyTotal: 2, EntryPrice: 99, StopPrice: 94, OpenedAt: base})
			require.NoError(t, err)

			open, err := repo.ListOpenLots(ctx, "SBIN")
			require.NoError(t, err)
			require.Len(t, open, 3)
			assert.Equal(t, []int64{lot0.ID, lot1.ID, lot2.ID}, []int64{open[0].ID, open[1].ID, open[2].ID})
			assert.True(t, open[1].OpenedAt.Equal(base.Add(100*time.Millisecond)))

			res, err := repo.CloseLotsFIFO(ctx, "SBIN", 12, 110, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(12), res.ClosedQty)
			require.Len(t, res.Lots, 2)
			assert.Equal(t, lot0.ID, res.Lots[0].LotID)
			assert.Equal(t, lot1.ID, res.Lots[1].LotID)
			assert.True(t, res.Lots[1].FullyClosed)

			open, err = repo.ListOpenLots(ctx, "SBIN")
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, lot2.ID, open[0].ID)
			assert.Equal(t, int64(5), open[0].QtyOpen)
		})
	}
}

func TestRepositoryStateAlertsAndRuns(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := repo.GetState(ctx, "realized_pnl")
			assert.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, repo.PutState(ctx, "realized_pnl", "10"))
			require.NoError(t, repo.PutState(ctx, "realized_pnl", "25.5"))
			v, err := repo.GetState(ctx, "realized_pnl")
			require.NoError(t, err)
			assert.Equal(t, "25.5", v)

			require.NoError(t, repo.InsertAlert(ctx, domain.AlertEvent{Severity: domain.SeverityWarning, Type: "drift", Message: "a", CreatedAt: time.Now()}))
			require.NoError(t, repo.InsertAlert(ctx, domain.AlertEvent{Severity: domain.SeverityCritical, Type: "circuit", Message: "b",
				Context: map[string]string{"pass": "entry"}, CreatedAt: time.Now()}))
			alerts, err := repo.ListAlerts(ctx, 1)
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			assert.Equal(t, "circuit", alerts[0].Type)
			assert.Equal(t, "entry", alerts[0].Context["pass"])

			run := domain.LabRunRecord{
				From: "2023-01-01",
				To:   "2023-12-31",
				Candidates: []domain.LabCandidateRecord{
					{Rank: 1, Params: json.RawMessage(`{"minRsi":55}`), Metrics: json.RawMessage(`{}`), Robustness: 0.4, Passed: true},
					{Rank: 2, Params: json.RawMessage(`{"minRsi":60}`), Metrics: json.RawMessage(`{}`), Robustness: 0.2, Reasons: []string{"trades<25"}},
				},
				Recommendation: &domain.LabRecommendation{Rank: 1, Approved: true},
				CreatedAt:      time.Now(),
			}
			id, err := repo.InsertLabRun(ctx, run)
			require.NoError(t, err)
			got, err := repo.GetLabRun(ctx, id)
			require.NoError(t, err)
			require.Len(t, got.Candidates, 2)
			assert.Equal(t, []string{"trades<25"}, got.Candidates[1].Reasons)
			require.NotNil(t, got.Recommendation)
			assert.True(t, got.Recommendation.Approved)

			btID, err := repo.InsertBacktestRun(ctx, domain.BacktestRunRecord{Label: "weekly", Config: json.RawMessage(`{}`), Summary: json.RawMessage(`{"trades":3}`), CreatedAt: time.Now()})
			require.NoError(t, err)
			assert.Positive(t, btID)
			bts, err := repo.ListBacktestRuns(ctx, 5)
			require.NoError(t, err)
			require.Len(t, bts, 1)
			assert.JSONEq(t, `{"trades":3}`, string(bts[0].Summary))
		})
	}
}
