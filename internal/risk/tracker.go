package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/store"
)

const countersStateKey = "risk_counters"

// DailyTracker 维护风控计数器的日度周期：交易日切换时清零，并持久化到系统状态表。
type DailyTracker struct {
	engine *Engine
	state  store.StateStore
	loc    *time.Location
	logger *zap.Logger
}

// NewDailyTracker 创建日度周期管理器。
func NewDailyTracker(engine *Engine, state store.StateStore, loc *time.Location, logger *zap.Logger) (*DailyTracker, error) {
	if engine == nil {
		return nil, errors.New("risk: engine 不能为空")
	}
	if state == nil {
		return nil, errors.New("risk: state store 不能为空")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyTracker{engine: engine, state: state, loc: loc, logger: logger}, nil
}

// Roll 在每次运行开始时调用。同一交易日内恢复已持久化的计数器，新交易日则清零。
func (t *DailyTracker) Roll(ctx context.Context, now time.Time) (Counters, error) {
	today := tradingDay(now, t.loc)
	current := t.engine.Counters()
	if current.TradingDate == today {
		return current, nil
	}

	persisted, err := t.load(ctx)
	if err != nil {
		return current, err
	}
	if persisted.TradingDate == today {
		t.engine.Restore(persisted)
		t.logger.Info("恢复当日风控计数",
			zap.String("trading_date", today),
			zap.Int("orders_today", persisted.OrdersToday),
			zap.Float64("daily_loss", persisted.DailyLoss),
		)
		return persisted, nil
	}

	fresh := Counters{TradingDate: today}
	t.engine.Restore(fresh)
	if current.TradingDate != "" {
		t.logger.Info("交易日切换，风控计数清零",
			zap.String("previous", current.TradingDate),
			zap.String("trading_date", today),
		)
	}
	return fresh, t.Save(ctx)
}

// Save 持久化当前计数器。
func (t *DailyTracker) Save(ctx context.Context) error {
	payload, err := json.Marshal(t.engine.Counters())
	if err != nil {
		return fmt.Errorf("risk: 序列化计数器失败: %w", err)
	}
	if err := t.state.PutState(ctx, countersStateKey, string(payload)); err != nil {
		return fmt.Errorf("risk: 保存计数器失败: %w", err)
	}
	return nil
}

func (t *DailyTracker) load(ctx context.Context) (Counters, error) {
	raw, err := t.state.GetState(ctx, countersStateKey)
	if errors.Is(err, store.ErrNotFound) {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("risk: 读取计数器失败: %w", err)
	}
	var c Counters
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.logger.Warn("风控计数器格式无效，按新交易日处理", zap.Error(err))
		return Counters{}, nil
	}
	return c, nil
}

func tradingDay(ts time.Time, loc *time.Location) string {
	return ts.In(loc).Format("2006-01-02")
}
