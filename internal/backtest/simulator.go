package backtest

import (
	"sort"

	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
)

// 离场原因。
const (
	ExitStop      = "stop"
	ExitTarget    = "target"
	ExitMaxHold   = "max_hold"
	ExitForcedEOD = "forced_eod"
)

// ClosedTrade 为一笔已平仓的模拟交易。
type ClosedTrade struct {
	Symbol      string   `json:"symbol"`
	EntryDate   string   `json:"entryDate"`
	ExitDate    string   `json:"exitDate"`
	EntryPrice  float64  `json:"entryPrice"`
	ExitPrice   float64  `json:"exitPrice"`
	StopPrice   float64  `json:"stopPrice"`
	TargetPrice *float64 `json:"targetPrice,omitempty"`
	Qty         int64    `json:"qty"`
	Fees        float64  `json:"fees"`
	PnL         float64  `json:"pnl"`
	RMultiple   float64  `json:"rMultiple"`
	DaysHeld    int      `json:"daysHeld"`
	Reason      string   `json:"reason"`
}

// EquityPoint 为每个交易日收盘后的权益。
type EquityPoint struct {
	Date          string  `json:"date"`
	Equity        float64 `json:"equity"`
	Realized      float64 `json:"realized"`
	Unrealized    float64 `json:"unrealized"`
	OpenPositions int     `json:"openPositions"`
}

type openTrade struct {
	symbol    string
	entryDate string
	entry     float64
	stop      float64
	target    *float64
	qty       int64
	daysHeld  int
	lastClose float64
}

// Simulator 维护模拟持仓、已实现盈亏与权益曲线。
type Simulator struct {
	initialCapital float64
	slippageBps    float64
	feeBps         float64
	maxHoldDays    int

	open     map[string]*openTrade
	realized float64
	trades   []ClosedTrade
	curve    []EquityPoint
}

func NewSimulator(cfg Config) *Simulator {
	return &Simulator{
		initialCapital: cfg.InitialCapital,
		slippageBps:    cfg.SlippageBps,
		feeBps:         cfg.FeeBps,
		maxHoldDays:    cfg.MaxHoldDays,
		open:           make(map[string]*openTrade),
	}
}

// Equity 返回初始资金加已实现盈亏，用于计算新信号的仓位。
func (s *Simulator) Equity() float64 {
	return s.initialCapital + s.realized
}

// OpenCount 返回当前持仓数。
func (s *Simulator) OpenCount() int {
	return len(s.open)
}

// Holding 判断是否已持有该标的。
func (s *Simulator) Holding(symbol string) bool {
	_, ok := s.open[symbol]
	return ok
}

// ProcessExits 按 止损 > 止盈 > 超期 的优先级评估当日离场。
// 当日无 K 线的持仓只累加持有天数。
func (s *Simulator) ProcessExits(day string, bars map[string]exchange.Bar) {
	for _, symbol := range s.openSymbols() {
		t := s.open[symbol]
		t.daysHeld++
		bar, ok := bars[symbol]
		if !ok {
			continue
		}
		t.lastClose = bar.Close

		var price float64
		var reason string
		switch {
		case bar.Low <= t.stop:
			price, reason = t.stop, ExitStop
		case t.target != nil && bar.High >= *t.target:
			price, reason = *t.target, ExitTarget
		case t.daysHeld >= s.maxHoldDays:
			price, reason = bar.Close, ExitMaxHold
		default:
			continue
		}
		s.close(t, day, price, reason)
	}
}

// Open 以信号价格加买入滑点开仓，数量不为正时忽略。
func (s *Simulator) Open(day string, sig domain.Signal, bar exchange.Bar) bool {
	if sig.Qty <= 0 || s.Holding(sig.Symbol) {
		return false
	}
	var target *float64
	if sig.TargetPrice != nil {
		v := *sig.TargetPrice
		target = &v
	}
	s.open[sig.Symbol] = &openTrade{
		symbol:    sig.Symbol,
		entryDate: day,
		entry:     s.slip(sig.EntryPrice, domain.SideBuy),
		stop:      sig.StopPrice,
		target:    target,
		qty:       sig.Qty,
		lastClose: bar.Close,
	}
	return true
}

// Mark 以当日收盘价计算浮动盈亏并追加权益曲线点。
func (s *Simulator) Mark(day string, bars map[string]exchange.Bar) {
	unrealized := 0.0
	for _, symbol := range s.openSymbols() {
		t := s.open[symbol]
		if bar, ok := bars[symbol]; ok {
			t.lastClose = bar.Close
			unrealized += (bar.Close - t.entry) * float64(t.qty)
		}
	}
	s.curve = append(s.curve, EquityPoint{
		Date:          day,
		Equity:        s.initialCapital + s.realized + unrealized,
		Realized:      s.realized,
		Unrealized:    unrealized,
		OpenPositions: len(s.open),
	})
}

// ForceClose 以各标的最后收盘价平掉剩余持仓。
func (s *Simulator) ForceClose(day string) {
	for _, symbol := range s.openSymbols() {
		t := s.open[symbol]
		s.close(t, day, t.lastClose, ExitForcedEOD)
	}
}

func (s *Simulator) Trades() []ClosedTrade {
	return append([]ClosedTrade(nil), s.trades...)
}

func (s *Simulator) EquityCurve() []EquityPoint {
	return append([]EquityPoint(nil), s.curve...)
}

func (s *Simulator) close(t *openTrade, day string, price float64, reason string) {
	filled := s.slip(price, domain.SideSell)
	qty := float64(t.qty)
	fees := (t.entry*qty + filled*qty) * s.feeBps / 10_000
	pnl := (filled-t.entry)*qty - fees

	r := 0.0
	if risk := t.entry - t.stop; risk > 0 {
		r = (filled - t.entry) / risk
	}

	s.realized += pnl
	s.trades = append(s.trades, ClosedTrade{
		Symbol:      t.symbol,
		EntryDate:   t.entryDate,
		ExitDate:    day,
		EntryPrice:  t.entry,
		ExitPrice:   filled,
		StopPrice:   t.stop,
		TargetPrice: t.target,
		Qty:         t.qty,
		Fees:        fees,
		PnL:         pnl,
		RMultiple:   r,
		DaysHeld:    t.daysHeld,
		Reason:      reason,
	})
	delete(s.open, t.symbol)
}

func (s *Simulator) slip(price float64, side domain.Side) float64 {
	factor := s.slippageBps / 10_000
	if side == domain.SideBuy {
		return price * (1 + factor)
	}
	return price * (1 - factor)
}

func (s *Simulator) openSymbols() []string {
	out := make([]string, 0, len(s.open))
	for symbol := range s.open {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
