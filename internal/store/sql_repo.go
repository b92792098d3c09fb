package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"swing-trader/internal/domain"
)

// timeLayout 定宽纳秒格式，TEXT 列按字典序比较即按时间先后排序。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type orderRow struct {
	OrderID         string          `db:"order_id"`
	IdempotencyKey  string          `db:"idempotency_key"`
	Symbol          string          `db:"symbol"`
	Side            string          `db:"side"`
	Qty             int64           `db:"qty"`
	OrderType       string          `db:"order_type"`
	TIF             string          `db:"tif"`
	Price           sql.NullFloat64 `db:"price"`
	Reason          string          `db:"reason"`
	IntentCreatedAt string          `db:"intent_created_at"`
	State           string          `db:"state"`
	FilledQty       int64           `db:"filled_qty"`
	AvgFillPrice    sql.NullFloat64 `db:"avg_fill_price"`
	BrokerOrderID   string          `db:"broker_order_id"`
	Variety         string          `db:"variety"`
	Note            string          `db:"note"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

const orderColumns = `order_id, idempotency_key, symbol, side, qty, order_type, tif, price, reason,
	intent_created_at, state, filled_qty, avg_fill_price, broker_order_id, variety, note, created_at, updated_at`

func toOrderRow(o domain.Order) orderRow {
	return orderRow{
		OrderID:         o.OrderID,
		IdempotencyKey:  o.Intent.IdempotencyKey,
		Symbol:          o.Intent.Symbol,
		Side:            string(o.Intent.Side),
		Qty:             o.Intent.Qty,
		OrderType:       string(o.Intent.Type),
		TIF:             string(o.Intent.TIF),
		Price:           nullFloat(o.Intent.Price),
		Reason:          o.Intent.Reason,
		IntentCreatedAt: formatTime(o.Intent.CreatedAt),
		State:           string(o.State),
		FilledQty:       o.FilledQty,
		AvgFillPrice:    nullFloat(o.AvgFillPrice),
		BrokerOrderID:   o.BrokerOrderID,
		Variety:         o.Variety,
		Note:            o.Note,
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
	}
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		OrderID: r.OrderID,
		Intent: domain.OrderIntent{
			IdempotencyKey: r.IdempotencyKey,
			Symbol:         r.Symbol,
			Side:           domain.Side(r.Side),
			Qty:            r.Qty,
			Type:           domain.OrderType(r.OrderType),
			TIF:            domain.TimeInForce(r.TIF),
			Price:          floatPtr(r.Price),
			CreatedAt:      parseTime(r.IntentCreatedAt),
			Reason:         r.Reason,
		},
		State:         domain.OrderState(r.State),
		FilledQty:     r.FilledQty,
		AvgFillPrice:  floatPtr(r.AvgFillPrice),
		BrokerOrderID: r.BrokerOrderID,
		Variety:       r.Variety,
		Note:          r.Note,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func (s *SQL) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (
		:order_id, :idempotency_key, :symbol, :side, :qty, :order_type, :tif, :price, :reason,
		:intent_created_at, :state, :filled_qty, :avg_fill_price, :broker_order_id, :variety, :note, :created_at, :updated_at)`,
		toOrderRow(order))
	if err != nil {
		return fmt.Errorf("store: 写入订单失败: %w", err)
	}
	return nil
}

func (s *SQL) UpdateOrder(ctx context.Context, order domain.Order) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE orders SET state = :state, filled_qty = :filled_qty,
		avg_fill_price = :avg_fill_price, broker_order_id = :broker_order_id, variety = :variety,
		note = :note, updated_at = :updated_at WHERE order_id = :order_id`, toOrderRow(order))
	if err != nil {
		return fmt.Errorf("store: 更新订单失败: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
}

func (s *SQL) FindOrderByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return s.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key)
}

func (s *SQL) getOrder(ctx context.Context, query string, arg any) (domain.Order, error) {
	var row orderRow
	if err := s.db.GetContext(ctx, &row, s.q(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("store: 查询订单失败: %w", err)
	}
	return row.toDomain(), nil
}

func (s *SQL) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	var rows []orderRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, order_id DESC LIMIT ?`), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("store: 查询订单列表失败: %w", err)
	}
	out := make([]domain.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type fillRow struct {
	ID       int64   `db:"id"`
	OrderID  string  `db:"order_id"`
	Symbol   string  `db:"symbol"`
	Side     string  `db:"side"`
	Qty      int64   `db:"qty"`
	Price    float64 `db:"price"`
	FilledAt string  `db:"filled_at"`
}

func (s *SQL) InsertFill(ctx context.Context, fill domain.Fill) (domain.Fill, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO fills (order_id, symbol, side, qty, price, filled_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		fill.OrderID, fill.Symbol, string(fill.Side), fill.Qty, fill.Price, formatTime(fill.Time)).Scan(&id)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("store: 写入成交失败: %w", err)
	}
	fill.ID = id
	return fill, nil
}

func (s *SQL) ListFills(ctx context.Context, symbol string) ([]domain.Fill, error) {
	var rows []fillRow
	query := `SELECT id, order_id, symbol, side, qty, price, filled_at FROM fills`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("store: 查询成交失败: %w", err)
	}
	out := make([]domain.Fill, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Fill{
			ID: r.ID, OrderID: r.OrderID, Symbol: r.Symbol, Side: domain.Side(r.Side),
			Qty: r.Qty, Price: r.Price, Time: parseTime(r.FilledAt),
		})
	}
	return out, nil
}

type positionRow struct {
	Symbol    string  `db:"symbol"`
	Qty       int64   `db:"qty"`
	AvgPrice  float64 `db:"avg_price"`
	UpdatedAt string  `db:"updated_at"`
}

func (r positionRow) toDomain() domain.Position {
	return domain.Position{Symbol: r.Symbol, Qty: r.Qty, AvgPrice: r.AvgPrice, UpdatedAt: parseTime(r.UpdatedAt)}
}

func (s *SQL) UpsertPosition(ctx context.Context, pos domain.Position) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO positions (symbol, qty, avg_price, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET qty = excluded.qty, avg_price = excluded.avg_price, updated_at = excluded.updated_at`),
		pos.Symbol, pos.Qty, pos.AvgPrice, formatTime(pos.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: 写入持仓失败: %w", err)
	}
	return nil
}

func (s *SQL) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM positions WHERE symbol = ?`), symbol); err != nil {
		return fmt.Errorf("store: 删除持仓失败: %w", err)
	}
	return nil
}

func (s *SQL) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	var row positionRow
	if err := s.db.GetContext(ctx, &row, s.q(`SELECT symbol, qty, avg_price, updated_at FROM positions WHERE symbol = ?`), symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("store: 查询持仓失败: %w", err)
	}
	return row.toDomain(), nil
}

func (s *SQL) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT symbol, qty, avg_price, updated_at FROM positions ORDER BY symbol`); err != nil {
		return nil, fmt.Errorf("store: 查询持仓列表失败: %w", err)
	}
	out := make([]domain.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type managedRow struct {
	Symbol       string  `db:"symbol"`
	Qty          int64   `db:"qty"`
	ATR14        float64 `db:"atr14"`
	StopPrice    float64 `db:"stop_price"`
	HighestPrice float64 `db:"highest_price"`
	UpdatedAt    string  `db:"updated_at"`
}

func (s *SQL) UpsertManagedPosition(ctx context.Context, rec domain.ManagedPosition) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO managed_positions (symbol, qty, atr14, stop_price, highest_price, updated_at)
		VALUES (:symbol, :qty, :atr14, :stop_price, :highest_price, :updated_at)
		ON CONFLICT (symbol) DO UPDATE SET qty = excluded.qty, atr14 = excluded.atr14, stop_price = excluded.stop_price,
		highest_price = excluded.highest_price, updated_at = excluded.updated_at`,
		managedRow{
			Symbol: rec.Symbol, Qty: rec.Qty, ATR14: rec.ATR14, StopPrice: rec.StopPrice,
			HighestPrice: rec.HighestPrice, UpdatedAt: formatTime(rec.UpdatedAt),
		})
	if err != nil {
		return fmt.Errorf("store: 写入托管持仓失败: %w", err)
	}
	return nil
}

func (s *SQL) DeleteManagedPosition(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM managed_positions WHERE symbol = ?`), symbol); err != nil {
		return fmt.Errorf("store: 删除托管持仓失败: %w", err)
	}
	return nil
}

func (s *SQL) ListManagedPositions(ctx context.Context) ([]domain.ManagedPosition, error) {
	var rows []managedRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT symbol, qty, atr14, stop_price, highest_price, updated_at FROM managed_positions ORDER BY symbol`); err != nil {
		return nil, fmt.Errorf("store: 查询托管持仓失败: %w", err)
	}
	out := make([]domain.ManagedPosition, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ManagedPosition{
			Symbol: r.Symbol, Qty: r.Qty, ATR14: r.ATR14, StopPrice: r.StopPrice,
			HighestPrice: r.HighestPrice, UpdatedAt: parseTime(r.UpdatedAt),
		})
	}
	return out, nil
}

type lotRow struct {
	ID         int64           `db:"id"`
	Symbol     string          `db:"symbol"`
	QtyTotal   int64           `db:"qty_total"`
	QtyOpen    int64           `db:"qty_open"`
	EntryPrice float64         `db:"entry_price"`
	StopPrice  float64         `db:"stop_price"`
	ExitPrice  sql.NullFloat64 `db:"exit_price"`
	OpenedAt   string          `db:"opened_at"`
	ClosedAt   sql.NullString  `db:"closed_at"`
}

const lotColumns = `id, symbol, qty_total, qty_open, entry_price, stop_price, exit_price, opened_at, closed_at`

func (r lotRow) toDomain() domain.TradeLot {
	lot := domain.TradeLot{
		ID: r.ID, Symbol: r.Symbol, QtyTotal: r.QtyTotal, QtyOpen: r.QtyOpen,
		EntryPrice: r.EntryPrice, StopPrice: r.StopPrice, ExitPrice: floatPtr(r.ExitPrice),
		OpenedAt: parseTime(r.OpenedAt),
	}
	if r.ClosedAt.Valid {
		t := parseTime(r.ClosedAt.String)
		lot.ClosedAt = &t
	}
	return lot
}

func (s *SQL) OpenLot(ctx context.Context, lot domain.TradeLot) (domain.TradeLot, error) {
	if lot.QtyTotal <= 0 {
		return domain.TradeLot{}, errors.New("store: 批次数量必须大于0")
	}
	lot.QtyOpen = lot.QtyTotal
	lot.ExitPrice = nil
	lot.ClosedAt = nil

	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO trade_lots (symbol, qty_total, qty_open, entry_price, stop_price, opened_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		lot.Symbol, lot.QtyTotal, lot.QtyOpen, lot.EntryPrice, lot.StopPrice, formatTime(lot.OpenedAt)).Scan(&id)
	if err != nil {
		return domain.TradeLot{}, fmt.Errorf("store: 写入批次失败: %w", err)
	}
	lot.ID = id
	return lot, nil
}

// CloseLotsFIFO 在单个事务中读取未平批次、分配数量并回写。
func (s *SQL) CloseLotsFIFO(ctx context.Context, symbol string, qty int64, exitPrice float64, at time.Time) (result domain.LotCloseResult, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rows []lotRow
	if err = tx.SelectContext(ctx, &rows, tx.Rebind(`SELECT `+lotColumns+` FROM trade_lots
		WHERE symbol = ? AND qty_open > 0 ORDER BY opened_at, id`), symbol); err != nil {
		return result, fmt.Errorf("store: 查询未平批次失败: %w", err)
	}
	open := make([]domain.TradeLot, 0, len(rows))
	for _, r := range rows {
		open = append(open, r.toDomain())
	}

	result, changed := planFIFO(symbol, open, qty, exitPrice, at)
	for _, lot := range changed {
		if err = updateLotTx(ctx, tx, lot); err != nil {
			return result, err
		}
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return result, nil
}

func updateLotTx(ctx context.Context, tx *sqlx.Tx, lot domain.TradeLot) error {
	var closedAt sql.NullString
	if lot.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*lot.ClosedAt), Valid: true}
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE trade_lots SET qty_open = ?, exit_price = ?, closed_at = ? WHERE id = ?`),
		lot.QtyOpen, nullFloat(lot.ExitPrice), closedAt, lot.ID)
	if err != nil {
		return fmt.Errorf("store: 更新批次 %d 失败: %w", lot.ID, err)
	}
	return nil
}

func (s *SQL) ListOpenLots(ctx context.Context, symbol string) ([]domain.TradeLot, error) {
	return s.listLots(ctx, `SELECT `+lotColumns+` FROM trade_lots WHERE symbol = ? AND qty_open > 0 ORDER BY opened_at, id`, symbol)
}

func (s *SQL) ListLots(ctx context.Context, symbol string) ([]domain.TradeLot, error) {
	if symbol == "" {
		return s.listLots(ctx, `SELECT `+lotColumns+` FROM trade_lots ORDER BY id`)
	}
	return s.listLots(ctx, `SELECT `+lotColumns+` FROM trade_lots WHERE symbol = ? ORDER BY id`, symbol)
}

func (s *SQL) listLots(ctx context.Context, query string, args ...any) ([]domain.TradeLot, error) {
	var rows []lotRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("store: 查询批次失败: %w", err)
	}
	out := make([]domain.TradeLot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type snapshotRow struct {
	ID            int64   `db:"id"`
	TradingDate   string  `db:"trading_date"`
	Equity        float64 `db:"equity"`
	RealizedPnL   float64 `db:"realized_pnl"`
	OpenPositions int     `db:"open_positions"`
	OrdersToday   int     `db:"orders_today"`
	Note          string  `db:"note"`
	CreatedAt     string  `db:"created_at"`
}

func (s *SQL) InsertSnapshot(ctx context.Context, snap domain.DailySnapshot) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO daily_snapshots
		(trading_date, equity, realized_pnl, open_positions, orders_today, note, created_at)
		VALUES (:trading_date, :equity, :realized_pnl, :open_positions, :orders_today, :note, :created_at)`,
		snapshotRow{
			TradingDate: snap.Date, Equity: snap.Equity, RealizedPnL: snap.RealizedPnL,
			OpenPositions: snap.OpenPositions, OrdersToday: snap.OrdersToday, Note: snap.Note,
			CreatedAt: formatTime(snap.CreatedAt),
		})
	if err != nil {
		return fmt.Errorf("store: 写入快照失败: %w", err)
	}
	return nil
}

func (s *SQL) ListSnapshots(ctx context.Context, limit int) ([]domain.DailySnapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, trading_date, equity, realized_pnl, open_positions, orders_today, note, created_at
		FROM daily_snapshots ORDER BY id DESC LIMIT ?`), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("store: 查询快照失败: %w", err)
	}
	out := make([]domain.DailySnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.DailySnapshot{
			ID: r.ID, Date: r.TradingDate, Equity: r.Equity, RealizedPnL: r.RealizedPnL,
			OpenPositions: r.OpenPositions, OrdersToday: r.OrdersToday, Note: r.Note,
			CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *SQL) PutState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO system_state (state_key, state_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (state_key) DO UPDATE SET state_value = excluded.state_value, updated_at = excluded.updated_at`),
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: 写入系统状态失败: %w", err)
	}
	return nil
}

func (s *SQL) GetState(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.GetContext(ctx, &value, s.q(`SELECT state_value FROM system_state WHERE state_key = ?`), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: 查询系统状态失败: %w", err)
	}
	return value, nil
}

type alertRow struct {
	ID        int64  `db:"id"`
	Severity  string `db:"severity"`
	AlertType string `db:"alert_type"`
	Message   string `db:"message"`
	Context   string `db:"context"`
	CreatedAt string `db:"created_at"`
}

func (s *SQL) InsertAlert(ctx context.Context, evt domain.AlertEvent) error {
	payload, err := json.Marshal(evt.Context)
	if err != nil {
		return fmt.Errorf("store: 序列化告警上下文失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO alert_events (severity, alert_type, message, context, created_at) VALUES (?, ?, ?, ?, ?)`),
		string(evt.Severity), evt.Type, evt.Message, string(payload), formatTime(evt.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: 写入告警失败: %w", err)
	}
	return nil
}

func (s *SQL) ListAlerts(ctx context.Context, limit int) ([]domain.AlertEvent, error) {
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, severity, alert_type, message, context, created_at
		FROM alert_events ORDER BY id DESC LIMIT ?`), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("store: 查询告警失败: %w", err)
	}
	out := make([]domain.AlertEvent, 0, len(rows))
	for _, r := range rows {
		evt := domain.AlertEvent{
			ID: r.ID, Severity: domain.Severity(r.Severity), Type: r.AlertType,
			Message: r.Message, CreatedAt: parseTime(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.Context), &evt.Context)
		out = append(out, evt)
	}
	return out, nil
}

type auditRow struct {
	ID        string `db:"id"`
	Removed   string `db:"removed"`
	Upserted  string `db:"upserted"`
	Drifts    string `db:"drifts"`
	CreatedAt string `db:"created_at"`
}

func (s *SQL) InsertReconcileAudit(ctx context.Context, audit domain.ReconcileAudit) error {
	removed, err := json.Marshal(audit.Removed)
	if err != nil {
		return fmt.Errorf("store: 序列化对账记录失败: %w", err)
	}
	upserted, err := json.Marshal(audit.Upserted)
	if err != nil {
		return fmt.Errorf("store: 序列化对账记录失败: %w", err)
	}
	drifts, err := json.Marshal(audit.Drifts)
	if err != nil {
		return fmt.Errorf("store: 序列化对账记录失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO reconcile_audits (id, removed, upserted, drifts, created_at) VALUES (?, ?, ?, ?, ?)`),
		audit.ID, string(removed), string(upserted), string(drifts), formatTime(audit.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: 写入对账记录失败: %w", err)
	}
	return nil
}

func (s *SQL) ListReconcileAudits(ctx context.Context, limit int) ([]domain.ReconcileAudit, error) {
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, removed, upserted, drifts, created_at
		FROM reconcile_audits ORDER BY created_at DESC LIMIT ?`), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("store: 查询对账记录失败: %w", err)
	}
	out := make([]domain.ReconcileAudit, 0, len(rows))
	for _, r := range rows {
		a := domain.ReconcileAudit{ID: r.ID, CreatedAt: parseTime(r.CreatedAt)}
		_ = json.Unmarshal([]byte(r.Removed), &a.Removed)
		_ = json.Unmarshal([]byte(r.Upserted), &a.Upserted)
		_ = json.Unmarshal([]byte(r.Drifts), &a.Drifts)
		out = append(out, a)
	}
	return out, nil
}

type backtestRow struct {
	ID        int64  `db:"id"`
	Label     string `db:"label"`
	RangeFrom string `db:"range_from"`
	RangeTo   string `db:"range_to"`
	Config    string `db:"config"`
	Summary   string `db:"summary"`
	CreatedAt string `db:"created_at"`
}

func (s *SQL) InsertBacktestRun(ctx context.Context, run domain.BacktestRunRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`INSERT INTO backtest_runs (label, range_from, range_to, config, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		run.Label, run.From, run.To, rawString(run.Config), rawString(run.Summary), formatTime(run.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: 写入回测结果失败: %w", err)
	}
	return id, nil
}

func (s *SQL) ListBacktestRuns(ctx context.Context, limit int) ([]domain.BacktestRunRecord, error) {
	var rows []backtestRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, label, range_from, range_to, config, summary, created_at
		FROM backtest_runs ORDER BY id DESC LIMIT ?`), sqlLimit(limit)); err != nil {
		return nil, fmt.Errorf("store: 查询回测结果失败: %w", err)
	}
	out := make([]domain.BacktestRunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.BacktestRunRecord{
			ID: r.ID, Label: r.Label, From: r.RangeFrom, To: r.RangeTo,
			Config: json.RawMessage(r.Config), Summary: json.RawMessage(r.Summary),
			CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// InsertLabRun 在一个事务内写入扫描记录、全部候选与推荐。
func (s *SQL) InsertLabRun(ctx context.Context, run domain.LabRunRecord) (id int64, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO strategy_lab_runs (range_from, range_to, created_at) VALUES (?, ?, ?) RETURNING id`),
		run.From, run.To, formatTime(run.CreatedAt)).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: 写入扫描记录失败: %w", err)
	}

	for _, c := range run.Candidates {
		reasons, mErr := json.Marshal(c.Reasons)
		if mErr != nil {
			err = fmt.Errorf("store: 序列化候选失败: %w", mErr)
			return 0, err
		}
		if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO strategy_lab_candidates
			(run_id, cand_rank, params, metrics, robustness, stability, passed, reasons) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			id, c.Rank, rawString(c.Params), rawString(c.Metrics), c.Robustness, c.Stability, c.Passed, string(reasons)); err != nil {
			return 0, fmt.Errorf("store: 写入候选失败: %w", err)
		}
	}

	if run.Recommendation != nil {
		reasons, mErr := json.Marshal(run.Recommendation.Reasons)
		if mErr != nil {
			err = fmt.Errorf("store: 序列化推荐失败: %w", mErr)
			return 0, err
		}
		if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO strategy_lab_recommendations (run_id, cand_rank, approved, reasons) VALUES (?, ?, ?, ?)`),
			id, run.Recommendation.Rank, run.Recommendation.Approved, string(reasons)); err != nil {
			return 0, fmt.Errorf("store: 写入推荐失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: 提交事务失败: %w", err)
	}
	return id, nil
}

type labRunRow struct {
	ID        int64  `db:"id"`
	RangeFrom string `db:"range_from"`
	RangeTo   string `db:"range_to"`
	CreatedAt string `db:"created_at"`
}

type labCandidateRow struct {
	Rank       int     `db:"cand_rank"`
	Params     string  `db:"params"`
	Metrics    string  `db:"metrics"`
	Robustness float64 `db:"robustness"`
	Stability  float64 `db:"stability"`
	Passed     bool    `db:"passed"`
	Reasons    string  `db:"reasons"`
}

type labRecommendationRow struct {
	Rank     int    `db:"cand_rank"`
	Approved bool   `db:"approved"`
	Reasons  string `db:"reasons"`
}

func (s *SQL) GetLabRun(ctx context.Context, id int64) (domain.LabRunRecord, error) {
	var run labRunRow
	if err := s.db.GetContext(ctx, &run, s.q(`SELECT id, range_from, range_to, created_at FROM strategy_lab_runs WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.LabRunRecord{}, ErrNotFound
		}
		return domain.LabRunRecord{}, fmt.Errorf("store: 查询扫描记录失败: %w", err)
	}
	out := domain.LabRunRecord{ID: run.ID, From: run.RangeFrom, To: run.RangeTo, CreatedAt: parseTime(run.CreatedAt)}

	var cands []labCandidateRow
	if err := s.db.SelectContext(ctx, &cands, s.q(`SELECT cand_rank, params, metrics, robustness, stability, passed, reasons
		FROM strategy_lab_candidates WHERE run_id = ? ORDER BY cand_rank`), id); err != nil {
		return domain.LabRunRecord{}, fmt.Errorf("store: 查询候选失败: %w", err)
	}
	for _, c := range cands {
		rec := domain.LabCandidateRecord{
			Rank: c.Rank, Params: json.RawMessage(c.Params), Metrics: json.RawMessage(c.Metrics),
			Robustness: c.Robustness, Stability: c.Stability, Passed: c.Passed,
		}
		_ = json.Unmarshal([]byte(c.Reasons), &rec.Reasons)
		out.Candidates = append(out.Candidates, rec)
	}

	var rec labRecommendationRow
	err := s.db.GetContext(ctx, &rec, s.q(`SELECT cand_rank, approved, reasons FROM strategy_lab_recommendations WHERE run_id = ?`), id)
	switch {
	case err == nil:
		r := &domain.LabRecommendation{Rank: rec.Rank, Approved: rec.Approved}
		_ = json.Unmarshal([]byte(rec.Reasons), &r.Reasons)
		out.Recommendation = r
	case errors.Is(err, sql.ErrNoRows):
	default:
		return domain.LabRunRecord{}, fmt.Errorf("store: 查询推荐失败: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// sqlLimit 把非正数视为不限制。
func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

var _ Repository = (*SQL)(nil)
