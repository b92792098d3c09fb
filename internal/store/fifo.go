package store

import (
	"time"

	"github.com/shopspring/decimal"

	"swing-trader/internal/domain"
)

// planFIFO 按开仓先后顺序计算平仓分配，lots 必须已按 opened_at, id 升序排列。
// 返回的 lots 为更新后的批次（仅包含发生变化的部分）。
func planFIFO(symbol string, lots []domain.TradeLot, qty int64, exitPrice float64, at time.Time) (domain.LotCloseResult, []domain.TradeLot) {
	result := domain.LotCloseResult{Symbol: symbol, Requested: qty}
	if qty <= 0 {
		return result, nil
	}

	remaining := qty
	exit := decimal.NewFromFloat(exitPrice)
	total := decimal.Zero
	changed := make([]domain.TradeLot, 0, len(lots))

	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		if lot.QtyOpen <= 0 {
			continue
		}
		take := lot.QtyOpen
		if take > remaining {
			take = remaining
		}
		pnl := exit.Sub(decimal.NewFromFloat(lot.EntryPrice)).Mul(decimal.NewFromInt(take))
		total = total.Add(pnl)

		lot.QtyOpen -= take
		remaining -= take
		if lot.QtyOpen == 0 {
			px := exitPrice
			closedAt := at
			lot.ExitPrice = &px
			lot.ClosedAt = &closedAt
		}

		pnlFloat, _ := pnl.Round(4).Float64()
		result.Lots = append(result.Lots, domain.LotClose{
			LotID:       lot.ID,
			ClosedQty:   take,
			EntryPrice:  lot.EntryPrice,
			ExitPrice:   exitPrice,
			RealizedPnL: pnlFloat,
			FullyClosed: lot.QtyOpen == 0,
		})
		changed = append(changed, lot)
	}

	result.ClosedQty = qty - remaining
	result.RealizedPnL, _ = total.Round(4).Float64()
	return result, changed
}
