package store

import (
	"context"
	"errors"
	"time"

	"swing-trader/internal/domain"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("store: 记录不存在")

// OrderStore 负责订单持久化。
type OrderStore interface {
	InsertOrder(ctx context.Context, order domain.Order) error
	UpdateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
}

// FillStore 负责成交流水。
type FillStore interface {
	InsertFill(ctx context.Context, fill domain.Fill) (domain.Fill, error)
	ListFills(ctx context.Context, symbol string) ([]domain.Fill, error)
}

// PositionStore 负责净持仓。
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos domain.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	ListPositions(ctx context.Context) ([]domain.Position, error)
}

// ManagedPositionStore 负责移动止损状态。
type ManagedPositionStore interface {
	UpsertManagedPosition(ctx context.Context, rec domain.ManagedPosition) error
	DeleteManagedPosition(ctx context.Context, symbol string) error
	ListManagedPositions(ctx context.Context) ([]domain.ManagedPosition, error)
}

// LotStore 负责 FIFO 批次。CloseLotsFIFO 必须在单个事务内完成。
type LotStore interface {
	OpenLot(ctx context.Context, lot domain.TradeLot) (domain.TradeLot, error)
	CloseLotsFIFO(ctx context.Context, symbol string, qty int64, exitPrice float64, at time.Time) (domain.LotCloseResult, error)
	ListOpenLots(ctx context.Context, symbol string) ([]domain.TradeLot, error)
	ListLots(ctx context.Context, symbol string) ([]domain.TradeLot, error)
}

// SnapshotStore 负责每日快照。
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap domain.DailySnapshot) error
	ListSnapshots(ctx context.Context, limit int) ([]domain.DailySnapshot, error)
}

// StateStore 为任意 KV 状态。
type StateStore interface {
	PutState(ctx context.Context, key, value string) error
	GetState(ctx context.Context, key string) (string, error)
}

// AlertStore 为告警流水。
type AlertStore interface {
	InsertAlert(ctx context.Context, evt domain.AlertEvent) error
	ListAlerts(ctx context.Context, limit int) ([]domain.AlertEvent, error)
}

// AuditStore 为对账审计。
type AuditStore interface {
	InsertReconcileAudit(ctx context.Context, audit domain.ReconcileAudit) error
	ListReconcileAudits(ctx context.Context, limit int) ([]domain.ReconcileAudit, error)
}

// RunStore 保存回测与参数扫描结果。
type RunStore interface {
	InsertBacktestRun(ctx context.Context, run domain.BacktestRunRecord) (int64, error)
	ListBacktestRuns(ctx context.Context, limit int) ([]domain.BacktestRunRecord, error)
	InsertLabRun(ctx context.Context, run domain.LabRunRecord) (int64, error)
	GetLabRun(ctx context.Context, id int64) (domain.LabRunRecord, error)
}

// Repository 为全部持久化能力的组合，Memory 与 SQL 均实现该接口。
type Repository interface {
	OrderStore
	FillStore
	PositionStore
	ManagedPositionStore
	LotStore
	SnapshotStore
	StateStore
	AlertStore
	AuditStore
	RunStore
	Close() error
}

func clampLimit(limit, total int) int {
	if limit <= 0 || limit > total {
		return total
	}
	return limit
}
