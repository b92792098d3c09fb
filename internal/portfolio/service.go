package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"swing-trader/internal/domain"
	"swing-trader/internal/execution"
	"swing-trader/internal/store"
)

// Service 把成交应用到加权平均持仓上，并负责与券商持仓对账。
type Service struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewService 创建组合服务。
func NewService(repo store.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyFill 先落成交流水，再更新持仓。数量恰好归零时删除持仓。
func (s *Service) ApplyFill(ctx context.Context, fill domain.Fill) (domain.Fill, error) {
	if fill.Qty <= 0 {
		return domain.Fill{}, fmt.Errorf("portfolio: 成交数量无效: %d", fill.Qty)
	}
	saved, err := s.repo.InsertFill(ctx, fill)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("portfolio: 保存成交失败: %w", err)
	}

	current, err := s.repo.GetPosition(ctx, fill.Symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return saved, fmt.Errorf("portfolio: 读取持仓失败: %w", err)
	}
	next := Apply(current, fill)
	next.UpdatedAt = fill.Time

	if next.Qty == 0 {
		if err := s.repo.DeletePosition(ctx, fill.Symbol); err != nil {
			return saved, fmt.Errorf("portfolio: 删除持仓失败: %w", err)
		}
		s.logger.Info("持仓已清零", zap.String("symbol", fill.Symbol))
		return saved, nil
	}
	if err := s.repo.UpsertPosition(ctx, next); err != nil {
		return saved, fmt.Errorf("portfolio: 更新持仓失败: %w", err)
	}
	s.logger.Debug("持仓已更新",
		zap.String("symbol", next.Symbol),
		zap.Int64("qty", next.Qty),
		zap.Float64("avg_price", next.AvgPrice),
	)
	return saved, nil
}

// Apply 计算成交后的持仓。买入按数量加权混合成本；卖出只减少数量，均价不变。
func Apply(current domain.Position, fill domain.Fill) domain.Position {
	next := domain.Position{Symbol: fill.Symbol, Qty: current.Qty, AvgPrice: current.AvgPrice}
	signed := fill.Qty
	if fill.Side == domain.SideSell {
		signed = -fill.Qty
	}
	newQty := current.Qty + signed
	switch {
	case newQty == 0:
		next.AvgPrice = 0
	case current.Qty == 0 || (current.Qty > 0) != (newQty > 0):
		// 开仓或反手
		next.AvgPrice = fill.Price
	case (signed > 0) == (current.Qty > 0):
		cost := current.AvgPrice*float64(current.Qty) + fill.Price*float64(signed)
		next.AvgPrice = cost / float64(newQty)
	}
	next.Qty = newQty
	return next
}

// Positions 返回当前持仓。
func (s *Service) Positions(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.repo.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: 读取持仓失败: %w", err)
	}
	return positions, nil
}

// Reconcile 以券商持仓为准修正本地：本地有而券商无的删除，券商有的按券商数量与均价覆盖。
// 批次与持仓数量不一致时修复批次，最后写一条审计记录。
func (s *Service) Reconcile(ctx context.Context, broker []execution.BrokerPosition) (domain.ReconcileAudit, error) {
	now := s.now()
	audit := domain.ReconcileAudit{
		ID:        uuid.NewString(),
		Removed:   []string{},
		Upserted:  []string{},
		Drifts:    []domain.PositionDrift{},
		CreatedAt: now,
	}

	local, err := s.repo.ListPositions(ctx)
	if err != nil {
		return audit, fmt.Errorf("portfolio: 读取本地持仓失败: %w", err)
	}
	localBySymbol := make(map[string]domain.Position, len(local))
	for _, p := range local {
		localBySymbol[p.Symbol] = p
	}
	brokerBySymbol := make(map[string]execution.BrokerPosition, len(broker))
	for _, p := range broker {
		brokerBySymbol[p.Symbol] = p
	}

	for _, p := range local {
		if _, ok := brokerBySymbol[p.Symbol]; ok {
			continue
		}
		if err := s.repo.DeletePosition(ctx, p.Symbol); err != nil {
			return audit, fmt.Errorf("portfolio: 删除本地持仓 %s 失败: %w", p.Symbol, err)
		}
		if err := s.repairLots(ctx, p.Symbol, 0, p.AvgPrice, now); err != nil {
			return audit, err
		}
		audit.Removed = append(audit.Removed, p.Symbol)
		audit.Drifts = append(audit.Drifts, domain.PositionDrift{Symbol: p.Symbol, LocalQty: p.Qty})
	}

	symbols := make([]string, 0, len(brokerBySymbol))
	for symbol := range brokerBySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		bp := brokerBySymbol[symbol]
		lp, had := localBySymbol[symbol]
		if err := s.repo.UpsertPosition(ctx, domain.Position{
			Symbol:    symbol,
			Qty:       bp.Qty,
			AvgPrice:  bp.AvgPrice,
			UpdatedAt: now,
		}); err != nil {
			return audit, fmt.Errorf("portfolio: 同步持仓 %s 失败: %w", symbol, err)
		}
		audit.Upserted = append(audit.Upserted, symbol)

		if !had || lp.Qty != bp.Qty {
			audit.Drifts = append(audit.Drifts, domain.PositionDrift{
				Symbol:    symbol,
				LocalQty:  lp.Qty,
				BrokerQty: bp.Qty,
				BrokerAvg: bp.AvgPrice,
			})
		}
		exitPrice := lp.AvgPrice
		if exitPrice <= 0 {
			exitPrice = bp.AvgPrice
		}
		if err := s.repairLotsWithEntry(ctx, symbol, bp.Qty, exitPrice, bp.AvgPrice, now); err != nil {
			return audit, err
		}
	}

	if err := s.repo.InsertReconcileAudit(ctx, audit); err != nil {
		return audit, fmt.Errorf("portfolio: 写入对账审计失败: %w", err)
	}
	if audit.HasDrift() {
		s.logger.Warn("对账发现本地与券商不一致，已按券商修正",
			zap.Strings("removed", audit.Removed),
			zap.Int("drifts", len(audit.Drifts)),
		)
	} else {
		s.logger.Info("对账完成，无差异", zap.Int("positions", len(audit.Upserted)))
	}
	return audit, nil
}

func (s *Service) repairLots(ctx context.Context, symbol string, target int64, exitPrice float64, at time.Time) error {
	return s.repairLotsWithEntry(ctx, symbol, target, exitPrice, exitPrice, at)
}

// repairLotsWithEntry 让未平批次数量之和等于 target：多出的按 FIFO 以 exitPrice 平掉，不足的以 entryPrice 新开一批。
func (s *Service) repairLotsWithEntry(ctx context.Context, symbol string, target int64, exitPrice, entryPrice float64, at time.Time) error {
	lots, err := s.repo.ListOpenLots(ctx, symbol)
	if err != nil {
		return fmt.Errorf("portfolio: 读取 %s 批次失败: %w", symbol, err)
	}
	var open int64
	for _, l := range lots {
		open += l.QtyOpen
	}

	switch {
	case open > target:
		if _, err := s.repo.CloseLotsFIFO(ctx, symbol, open-target, exitPrice, at); err != nil {
			return fmt.Errorf("portfolio: 修复 %s 批次失败: %w", symbol, err)
		}
	case open < target:
		if _, err := s.repo.OpenLot(ctx, domain.TradeLot{
			Symbol:     symbol,
			QtyTotal:   target - open,
			QtyOpen:    target - open,
			EntryPrice: entryPrice,
			OpenedAt:   at,
		}); err != nil {
			return fmt.Errorf("portfolio: 补开 %s 批次失败: %w", symbol, err)
		}
	default:
		return nil
	}
	s.logger.Info("批次已按持仓修复",
		zap.String("symbol", symbol),
		zap.Int64("lots_open", open),
		zap.Int64("target", target),
	)
	return nil
}
