package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swing-trader/internal/domain"
	"swing-trader/internal/execution"
	"swing-trader/internal/store"
)

var t0 = time.Date(2024, 5, 6, 4, 0, 0, 0, time.UTC)

func fill(side domain.Side, qty int64, price float64) domain.Fill {
	return domain.Fill{OrderID: "o", Symbol: "INFY", Side: side, Qty: qty, Price: price, Time: t0}
}

func TestApplyBlendsAndDeletes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	svc := NewService(repo, nil)

	_, err := svc.ApplyFill(ctx, fill(domain.SideBuy, 10, 100))
	require.NoError(t, err)
	_, err = svc.ApplyFill(ctx, fill(domain.SideBuy, 30, 120))
	require.NoError(t, err)

	pos, err := repo.GetPosition(ctx, "INFY")
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos.Qty)
	assert.InDelta(t, 115, pos.AvgPrice, 1e-9)

	_, err = svc.ApplyFill(ctx, fill(domain.SideSell, 15, 130))
	require.NoError(t, err)
	pos, err = repo.GetPosition(ctx, "INFY")
	require.NoError(t, err)
	assert.Equal(t, int64(25), pos.Qty)
	assert.InDelta(t, 115, pos.AvgPrice, 1e-9)

	_, err = svc.ApplyFill(ctx, fill(domain.SideSell, 25, 90))
	require.NoError(t, err)
	_, err = repo.GetPosition(ctx, "INFY")
	assert.ErrorIs(t, err, store.ErrNotFound)

	fills, err := repo.ListFills(ctx, "INFY")
	require.NoError(t, err)
	assert.Len(t, fills, 4)
}

func TestApplyRejectsEmptyFill(t *testing.T) {
	svc := NewService(store.NewMemory(), nil)
	_, err := svc.ApplyFill(context.Background(), fill(domain.SideBuy, 0, 100))
	assert.Error(t, err)
}

func TestReconcileFollowsBroker(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	svc := NewService(repo, nil)
	svc.now = func() time.Time { return t0 }

	require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "STALE", Qty: 5, AvgPrice: 50}))
	_, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "STALE", QtyTotal: 5, QtyOpen: 5, EntryPrice: 50, OpenedAt: t0})
	require.NoError(t, err)

	require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "INFY", Qty: 15, AvgPrice: 100}))
	_, err = repo.OpenLot(ctx, domain.TradeLot{Symbol: "INFY", QtyTotal: 10, QtyOpen: 10, EntryPrice: 98, OpenedAt: t0})
	require.NoError(t, err)
	_, err = repo.OpenLot(ctx, domain.TradeLot{Symbol: "INFY", QtyTotal: 5, QtyOpen: 5, EntryPrice: 104, OpenedAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	audit, err := svc.Reconcile(ctx, []execution.BrokerPosition{
		{Symbol: "INFY", Qty: 12, AvgPrice: 101},
		{Symbol: "TCS", Qty: 3, AvgPrice: 3000},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"STALE"}, audit.Removed)
	assert.Equal(t, []string{"INFY", "TCS"}, audit.Upserted)
	assert.True(t, audit.HasDrift())
	assert.Len(t, audit.Drifts, 3)

	positions, err := repo.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, domain.Position{Symbol: "INFY", Qty: 12, AvgPrice: 101, UpdatedAt: t0}, positions[0])

	// 批次之和与持仓一致
	for symbol, want := range map[string]int64{"INFY": 12, "TCS": 3, "STALE": 0} {
		lots, err := repo.ListOpenLots(ctx, symbol)
		require.NoError(t, err)
		var sum int64
		for _, l := range lots {
			sum += l.QtyOpen
		}
		assert.Equal(t, want, sum, symbol)
	}

	infyLots, err := repo.ListOpenLots(ctx, "INFY")
	require.NoError(t, err)
	require.Len(t, infyLots, 2)
	assert.Equal(t, int64(7), infyLots[0].QtyOpen)

	audits, err := repo.ListReconcileAudits(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.ID, audits[0].ID)
}

func TestReconcileNoDrift(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	svc := NewService(repo, nil)

	require.NoError(t, repo.UpsertPosition(ctx, domain.Position{Symbol: "INFY", Qty: 10, AvgPrice: 100}))
	_, err := repo.OpenLot(ctx, domain.TradeLot{Symbol: "INFY", QtyTotal: 10, QtyOpen: 10, EntryPrice: 100, OpenedAt: t0})
	require.NoError(t, err)

	audit, err := svc.Reconcile(ctx, []execution.BrokerPosition{{Symbol: "INFY", Qty: 10, AvgPrice: 100}})
	require.NoError(t, err)
	assert.False(t, audit.HasDrift())
}
