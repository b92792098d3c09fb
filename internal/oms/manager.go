package oms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swing-trader/internal/domain"
	"swing-trader/internal/store"
)

var (
	// ErrOrderNotFound 表示订单号未知。
	ErrOrderNotFound = errors.New("oms: 订单不存在")
	// ErrInvalidTransition 表示状态只能前进。
	ErrInvalidTransition = errors.New("oms: 非法的状态迁移")
	// ErrInvalidIntent 表示下单请求缺少必要字段。
	ErrInvalidIntent = errors.New("oms: 下单请求无效")
)

// Manager 负责幂等下单与订单状态机。
type Manager struct {
	orders store.OrderStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
}

// Option 调整 Manager 的可注入依赖。
type Option func(*Manager)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator 注入订单号生成器。
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager 创建订单管理器。
func NewManager(orders store.OrderStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		orders: orders,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrder 按幂等键创建订单。键已存在时原样返回已有订单，created 为 false，且不产生任何写入。
func (m *Manager) CreateOrder(ctx context.Context, intent domain.OrderIntent) (order domain.Order, created bool, err error) {
	if err := validateIntent(intent); err != nil {
		return domain.Order{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.orders.FindOrderByIdempotencyKey(ctx, intent.IdempotencyKey)
	switch {
	case err == nil:
		m.logger.Debug("幂等键已存在，返回原订单",
			zap.String("idempotency_key", intent.IdempotencyKey),
			zap.String("order_id", existing.OrderID),
		)
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.Order{}, false, fmt.Errorf("oms: 查询幂等键失败: %w", err)
	}

	now := m.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	order = domain.Order{
		OrderID:   m.newID(),
		Intent:    intent,
		State:     domain.OrderStateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.orders.InsertOrder(ctx, order); err != nil {
		return domain.Order{}, false, fmt.Errorf("oms: 保存订单失败: %w", err)
	}

	m.logger.Info("订单已创建",
		zap.String("order_id", order.OrderID),
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.Int64("qty", intent.Qty),
		zap.String("idempotency_key", intent.IdempotencyKey),
	)
	return order, true, nil
}

// UpdateState 合并补丁并推进状态。
func (m *Manager) UpdateState(ctx context.Context, orderID string, state domain.OrderState, patch domain.OrderPatch) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("oms: 读取订单失败: %w", err)
	}
	if !domain.CanTransition(order.State, state) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.State, state)
	}

	patch.Apply(&order)
	order.State = state
	order.UpdatedAt = m.now()

	if err := m.orders.UpdateOrder(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("oms: 更新订单失败: %w", err)
	}
	m.logger.Debug("订单状态更新",
		zap.String("order_id", orderID),
		zap.String("state", string(state)),
		zap.Int64("filled_qty", order.FilledQty),
	)
	return order, nil
}

// Get 按订单号读取。
func (m *Manager) Get(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := m.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, err
}

func validateIntent(intent domain.OrderIntent) error {
	var problems []string
	if strings.TrimSpace(intent.IdempotencyKey) == "" {
		problems = append(problems, "缺少幂等键")
	}
	if intent.Symbol == "" {
		problems = append(problems, "缺少标的")
	}
	if intent.Side != domain.SideBuy && intent.Side != domain.SideSell {
		problems = append(problems, "方向无效")
	}
	if intent.Qty <= 0 {
		problems = append(problems, "数量必须大于0")
	}
	if intent.Type == domain.OrderTypeLimit && (intent.Price == nil || *intent.Price <= 0) {
		problems = append(problems, "限价单需要价格")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIntent, strings.Join(problems, "; "))
	}
	return nil
}

// EntryKey 为入场订单的幂等键，同一交易日同一标的同一方向只会下一单。
func EntryKey(tradingDate, symbol string, side domain.Side) string {
	return fmt.Sprintf("entry:%s:%s:%s", tradingDate, symbol, side)
}

// ExitKey 为离场订单的幂等键，精确到毫秒，被拒绝的离场在下个周期可以重新下单。
func ExitKey(reason, symbol string, at time.Time) string {
	return fmt.Sprintf("exit:%s:%s:%d", reason, symbol, at.UnixMilli())
}
