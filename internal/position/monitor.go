package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swing-trader/internal/domain"
	"swing-trader/internal/execution"
	"swing-trader/internal/oms"
	"swing-trader/internal/portfolio"
	"swing-trader/internal/store"
)

const (
	ReasonTrailingStop = "trailing_stop"
	ReasonEODClose     = "eod_close"
)

// Exit 为一次离场动作。
type Exit struct {
	Symbol      string  `json:"symbol"`
	Reason      string  `json:"reason"`
	Qty         int64   `json:"qty"`
	Price       float64 `json:"price"`
	Stop        float64 `json:"stop"`
	RealizedPnL float64 `json:"realizedPnl"`
	OrderID     string  `json:"orderId"`
}

// Monitor 持有每个持仓的移动止损状态，每个周期评估并执行离场。
type Monitor struct {
	repo             store.Repository
	executor         *execution.Executor
	portfolio        *portfolio.Service
	trailingMultiple float64
	logger           *zap.Logger
	now              func() time.Time

	mu      sync.Mutex
	managed map[string]domain.ManagedPosition
}

// NewMonitor 创建持仓监控器。
func NewMonitor(repo store.Repository, executor *execution.Executor, pf *portfolio.Service, trailingMultiple float64, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		repo:             repo,
		executor:         executor,
		portfolio:        pf,
		trailingMultiple: trailingMultiple,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		managed:          make(map[string]domain.ManagedPosition),
	}
}

// Hydrate 从持久化恢复止损状态。
func (m *Monitor) Hydrate(ctx context.Context) error {
	records, err := m.repo.ListManagedPositions(ctx)
	if err != nil {
		return fmt.Errorf("position: 加载止损状态失败: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managed = make(map[string]domain.ManagedPosition, len(records))
	for _, rec := range records {
		m.managed[rec.Symbol] = rec
	}
	m.logger.Info("止损状态已恢复", zap.Int("count", len(records)))
	return nil
}

// Managed 返回当前止损状态，按标的排序。
func (m *Monitor) Managed() []domain.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ManagedPosition, 0, len(m.managed))
	for _, rec := range m.managed {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TrackEntry 只处理买入成交：建立（或覆盖）止损状态并开一个新批次。
func (m *Monitor) TrackEntry(ctx context.Context, fill domain.Fill, sig domain.Signal) error {
	if fill.Side != domain.SideBuy {
		return nil
	}
	rec := domain.ManagedPosition{
		Symbol:       fill.Symbol,
		Qty:          fill.Qty,
		ATR14:        sig.ATR14,
		StopPrice:    sig.StopPrice,
		HighestPrice: fill.Price,
		UpdatedAt:    fill.Time,
	}
	if err := m.repo.UpsertManagedPosition(ctx, rec); err != nil {
		return fmt.Errorf("position: 保存止损状态失败: %w", err)
	}
	m.mu.Lock()
	m.managed[rec.Symbol] = rec
	m.mu.Unlock()

	if _, err := m.repo.OpenLot(ctx, domain.TradeLot{
		Symbol:     fill.Symbol,
		QtyTotal:   fill.Qty,
		QtyOpen:    fill.Qty,
		EntryPrice: fill.Price,
		StopPrice:  sig.StopPrice,
		OpenedAt:   fill.Time,
	}); err != nil {
		return fmt.Errorf("position: 开立批次失败: %w", err)
	}

	m.logger.Info("开始跟踪持仓",
		zap.String("symbol", rec.Symbol),
		zap.Int64("qty", rec.Qty),
		zap.Float64("stop", rec.StopPrice),
		zap.Float64("atr14", rec.ATR14),
	)
	return nil
}

// ReconcileWithPositions 丢弃已无持仓的止损状态。
func (m *Monitor) ReconcileWithPositions(ctx context.Context) ([]string, error) {
	held, err := m.heldPositions(ctx)
	if err != nil {
		return nil, err
	}

	var (
		dropped []string
		errs    error
	)
	for _, rec := range m.Managed() {
		if pos, ok := held[rec.Symbol]; ok && pos.Qty > 0 {
			continue
		}
		if err := m.drop(ctx, rec.Symbol); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		dropped = append(dropped, rec.Symbol)
	}
	if len(dropped) > 0 {
		m.logger.Info("已移除无持仓的止损状态", zap.Strings("symbols", dropped))
	}
	return dropped, errs
}

// EvaluateAndAct 抬升移动止损；最新价跌破止损时市价卖出全部持仓。
// 取不到最新价的标的本周期跳过。单个标的失败不影响其他标的，错误合并返回。
func (m *Monitor) EvaluateAndAct(ctx context.Context) ([]Exit, error) {
	held, err := m.heldPositions(ctx)
	if err != nil {
		return nil, err
	}

	var (
		exits []Exit
		errs  error
	)
	for _, rec := range m.Managed() {
		pos, ok := held[rec.Symbol]
		if !ok || pos.Qty <= 0 {
			if err := m.drop(ctx, rec.Symbol); err != nil {
				errs = multierr.Append(errs, err)
			}
			continue
		}

		ltp, err := m.executor.Trader().LTP(ctx, rec.Symbol)
		if err != nil || ltp <= 0 {
			m.logger.Warn("获取最新价失败，本周期跳过", zap.String("symbol", rec.Symbol), zap.Error(err))
			continue
		}

		rec = Trail(rec, ltp, m.trailingMultiple)
		rec.Qty = pos.Qty
		rec.UpdatedAt = m.now()
		if err := m.repo.UpsertManagedPosition(ctx, rec); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("position: 保存 %s 止损状态失败: %w", rec.Symbol, err))
			continue
		}
		m.mu.Lock()
		m.managed[rec.Symbol] = rec
		m.mu.Unlock()

		if ltp > rec.StopPrice {
			continue
		}

		exit, err := m.exit(ctx, pos, ReasonTrailingStop, rec.StopPrice)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if exit != nil {
			exits = append(exits, *exit)
		}
	}
	return exits, errs
}

// ExitAll 市价卖出全部持仓，用于收盘清仓。
func (m *Monitor) ExitAll(ctx context.Context, reason string) ([]Exit, error) {
	positions, err := m.repo.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 读取持仓失败: %w", err)
	}
	var (
		exits []Exit
		errs  error
	)
	for _, pos := range positions {
		if pos.Qty <= 0 {
			continue
		}
		stop := 0.0
		m.mu.Lock()
		if rec, ok := m.managed[pos.Symbol]; ok {
			stop = rec.StopPrice
		}
		m.mu.Unlock()

		exit, err := m.exit(ctx, pos, reason, stop)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if exit != nil {
			exits = append(exits, *exit)
		}
	}
	return exits, errs
}

// Trail 根据最新价抬升最高价与止损价，两者都不会下降。
func Trail(rec domain.ManagedPosition, ltp, multiple float64) domain.ManagedPosition {
	if ltp > rec.HighestPrice {
		rec.HighestPrice = ltp
	}
	trailing := rec.HighestPrice - rec.ATR14*multiple
	rec.StopPrice = math.Max(rec.StopPrice, trailing)
	return rec
}

func (m *Monitor) exit(ctx context.Context, pos domain.Position, reason string, stop float64) (*Exit, error) {
	now := m.now()
	result, err := m.executor.Submit(ctx, domain.OrderIntent{
		IdempotencyKey: oms.ExitKey(reason, pos.Symbol, now),
		Symbol:         pos.Symbol,
		Side:           domain.SideSell,
		Qty:            pos.Qty,
		Type:           domain.OrderTypeMarket,
		TIF:            domain.TIFDay,
		CreatedAt:      now,
		Reason:         reason,
	})
	if err != nil {
		return nil, fmt.Errorf("position: %s 离场下单失败: %w", pos.Symbol, err)
	}
	if result.Fill == nil {
		return nil, nil
	}
	fill := *result.Fill

	if _, err := m.portfolio.ApplyFill(ctx, fill); err != nil {
		return nil, err
	}
	lots, err := m.repo.CloseLotsFIFO(ctx, fill.Symbol, fill.Qty, fill.Price, fill.Time)
	if err != nil {
		return nil, fmt.Errorf("position: %s 批次平仓失败: %w", fill.Symbol, err)
	}
	if fill.Qty >= pos.Qty {
		if err := m.drop(ctx, fill.Symbol); err != nil {
			return nil, err
		}
	}

	exit := &Exit{
		Symbol:      fill.Symbol,
		Reason:      reason,
		Qty:         fill.Qty,
		Price:       fill.Price,
		Stop:        stop,
		RealizedPnL: lots.RealizedPnL,
		OrderID:     result.Order.OrderID,
	}
	m.logger.Info("持仓离场",
		zap.String("symbol", exit.Symbol),
		zap.String("reason", reason),
		zap.Int64("qty", exit.Qty),
		zap.Float64("price", exit.Price),
		zap.Float64("stop", exit.Stop),
		zap.Float64("realized_pnl", exit.RealizedPnL),
	)
	return exit, nil
}

func (m *Monitor) drop(ctx context.Context, symbol string) error {
	if err := m.repo.DeleteManagedPosition(ctx, symbol); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("position: 删除 %s 止损状态失败: %w", symbol, err)
	}
	m.mu.Lock()
	delete(m.managed, symbol)
	m.mu.Unlock()
	return nil
}

func (m *Monitor) heldPositions(ctx context.Context) (map[string]domain.Position, error) {
	positions, err := m.repo.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position: 读取持仓失败: %w", err)
	}
	out := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		out[p.Symbol] = p
	}
	return out, nil
}
