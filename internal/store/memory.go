package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"swing-trader/internal/domain"
)

// Memory 为进程内仓储，按 ID 索引的 arena，读写均返回副本。
// 用于测试与纸面交易。
type Memory struct {
	mu sync.RWMutex

	orders      map[string]domain.Order
	orderSeq    []string
	idemIndex   map[string]string
	fills       []domain.Fill
	positions   map[string]domain.Position
	managed     map[string]domain.ManagedPosition
	lots        []domain.TradeLot
	snapshots   []domain.DailySnapshot
	state       map[string]string
	alerts      []domain.AlertEvent
	audits      []domain.ReconcileAudit
	backtests   []domain.BacktestRunRecord
	labRuns     []domain.LabRunRecord
	nextFillID  int64
	nextLotID   int64
	nextSnapID  int64
	nextAlertID int64
	nextRunID   int64
}

// NewMemory 创建空的内存仓储。
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[string]domain.Order),
		idemIndex: make(map[string]string),
		positions: make(map[string]domain.Position),
		managed:   make(map[string]domain.ManagedPosition),
		state:     make(map[string]string),
	}
}

// Close 无资源需要释放。
func (m *Memory) Close() error { return nil }

func (m *Memory) InsertOrder(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.OrderID]; ok {
		return fmt.Errorf("store: 订单 %s 已存在", order.OrderID)
	}
	if _, ok := m.idemIndex[order.Intent.IdempotencyKey]; ok {
		return fmt.Errorf("store: 幂等键 %s 已存在", order.Intent.IdempotencyKey)
	}
	m.orders[order.OrderID] = cloneOrder(order)
	m.orderSeq = append(m.orderSeq, order.OrderID)
	m.idemIndex[order.Intent.IdempotencyKey] = order.OrderID
	return nil
}

func (m *Memory) UpdateOrder(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.OrderID]; !ok {
		return ErrNotFound
	}
	m.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) FindOrderByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idemIndex[key]
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	return cloneOrder(m.orders[id]), nil
}

// ListOrders 按创建顺序倒序返回。
func (m *Memory) ListOrders(_ context.Context, limit int) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := clampLimit(limit, len(m.orderSeq))
	out := make([]domain.Order, 0, n)
	for i := len(m.orderSeq) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneOrder(m.orders[m.orderSeq[i]]))
	}
	return out, nil
}

func (m *Memory) InsertFill(_ context.Context, fill domain.Fill) (domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextFillID++
	fill.ID = m.nextFillID
	m.fills = append(m.fills, fill)
	return fill, nil
}

func (m *Memory) ListFills(_ context.Context, symbol string) ([]domain.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Fill, 0, len(m.fills))
	for _, f := range m.fills {
		if symbol == "" || f.Symbol == symbol {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Memory) UpsertPosition(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions[pos.Symbol] = pos
	return nil
}

func (m *Memory) DeletePosition(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.positions, symbol)
	return nil
}

func (m *Memory) GetPosition(_ context.Context, symbol string) (domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, ErrNotFound
	}
	return p, nil
}

// ListPositions 按标的排序返回。
func (m *Memory) ListPositions(_ context.Context) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) UpsertManagedPosition(_ context.Context, rec domain.ManagedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.managed[rec.Symbol] = rec
	return nil
}

func (m *Memory) DeleteManagedPosition(_ context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.managed, symbol)
	return nil
}

func (m *Memory) ListManagedPositions(_ context.Context) ([]domain.ManagedPosition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ManagedPosition, 0, len(m.managed))
	for _, r := range m.managed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) OpenLot(_ context.Context, lot domain.TradeLot) (domain.TradeLot, error) {
	if lot.QtyTotal <= 0 {
		return domain.TradeLot{}, fmt.Errorf("store: 批次数量必须大于0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLotID++
	lot.ID = m.nextLotID
	lot.QtyOpen = lot.QtyTotal
	lot.ExitPrice = nil
	lot.ClosedAt = nil
	m.lots = append(m.lots, lot)
	return cloneLot(lot), nil
}

// CloseLotsFIFO 在写锁内完成分配与回写，等价于单个事务。
func (m *Memory) CloseLotsFIFO(_ context.Context, symbol string, qty int64, exitPrice float64, at time.Time) (domain.LotCloseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.openLotsLocked(symbol)
	result, changed := planFIFO(symbol, open, qty, exitPrice, at)
	for _, lot := range changed {
		for i := range m.lots {
			if m.lots[i].ID == lot.ID {
				m.lots[i] = cloneLot(lot)
				break
			}
		}
	}
	return result, nil
}

func (m *Memory) ListOpenLots(_ context.Context, symbol string) ([]domain.TradeLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.openLotsLocked(symbol), nil
}

func (m *Memory) ListLots(_ context.Context, symbol string) ([]domain.TradeLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.TradeLot, 0, len(m.lots))
	for _, l := range m.lots {
		if symbol == "" || l.Symbol == symbol {
			out = append(out, cloneLot(l))
		}
	}
	return out, nil
}

func (m *Memory) openLotsLocked(symbol string) []domain.TradeLot {
	out := make([]domain.TradeLot, 0)
	for _, l := range m.lots {
		if l.Symbol == symbol && l.QtyOpen > 0 {
			out = append(out, cloneLot(l))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (m *Memory) InsertSnapshot(_ context.Context, snap domain.DailySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSnapID++
	snap.ID = m.nextSnapID
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *Memory) ListSnapshots(_ context.Context, limit int) ([]domain.DailySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := clampLimit(limit, len(m.snapshots))
	out := make([]domain.DailySnapshot, 0, n)
	for i := len(m.snapshots) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.snapshots[i])
	}
	return out, nil
}

func (m *Memory) PutState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state[key] = value
	return nil
}

func (m *Memory) GetState(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.state[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) InsertAlert(_ context.Context, evt domain.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAlertID++
	evt.ID = m.nextAlertID
	m.alerts = append(m.alerts, evt)
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, limit int) ([]domain.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := clampLimit(limit, len(m.alerts))
	out := make([]domain.AlertEvent, 0, n)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.alerts[i])
	}
	return out, nil
}

func (m *Memory) InsertReconcileAudit(_ context.Context, audit domain.ReconcileAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, audit)
	return nil
}

func (m *Memory) ListReconcileAudits(_ context.Context, limit int) ([]domain.ReconcileAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := clampLimit(limit, len(m.audits))
	out := make([]domain.ReconcileAudit, 0, n)
	for i := len(m.audits) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.audits[i])
	}
	return out, nil
}

func (m *Memory) InsertBacktestRun(_ context.Context, run domain.BacktestRunRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	run.ID = m.nextRunID
	m.backtests = append(m.backtests, run)
	return run.ID, nil
}

func (m *Memory) ListBacktestRuns(_ context.Context, limit int) ([]domain.BacktestRunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := clampLimit(limit, len(m.backtests))
	out := make([]domain.BacktestRunRecord, 0, n)
	for i := len(m.backtests) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.backtests[i])
	}
	return out, nil
}

func (m *Memory) InsertLabRun(_ context.Context, run domain.LabRunRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	run.ID = m.nextRunID
	run.Candidates = append([]domain.LabCandidateRecord(nil), run.Candidates...)
	m.labRuns = append(m.labRuns, run)
	return run.ID, nil
}

func (m *Memory) GetLabRun(_ context.Context, id int64) (domain.LabRunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.labRuns {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.LabRunRecord{}, ErrNotFound
}

func cloneOrder(o domain.Order) domain.Order {
	if o.AvgFillPrice != nil {
		v := *o.AvgFillPrice
		o.AvgFillPrice = &v
	}
	if o.Intent.Price != nil {
		v := *o.Intent.Price
		o.Intent.Price = &v
	}
	return o
}

func cloneLot(l domain.TradeLot) domain.TradeLot {
	if l.ExitPrice != nil {
		v := *l.ExitPrice
		l.ExitPrice = &v
	}
	if l.ClosedAt != nil {
		v := *l.ClosedAt
		l.ClosedAt = &v
	}
	return l
}

var _ Repository = (*Memory)(nil)
