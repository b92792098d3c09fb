package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"swing-trader/internal/config"
	"swing-trader/internal/domain"
	"swing-trader/internal/exchange"
	"swing-trader/internal/screener"
	"swing-trader/internal/signal"
)

// ErrNoData 表示区间内没有任何可用日线。
var ErrNoData = errors.New("backtest: 区间内没有可用的日线数据")

// Result 汇总回测结果。
type Result struct {
	Config      Config          `json:"config"`
	Symbols     []string        `json:"symbols"`
	Metrics     Metrics         `json:"metrics"`
	Trades      []ClosedTrade   `json:"trades"`
	EquityCurve []EquityPoint   `json:"equityCurve"`
	PerSymbol   []SymbolSummary `json:"perSymbol"`
}

// Engine 拉取历史日线并驱动模拟。
type Engine struct {
	loader   *exchange.BarLoader
	exchange string
	logger   *zap.Logger
}

// NewEngine 构建回测引擎。
func NewEngine(loader *exchange.BarLoader, universe config.UniverseConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{loader: loader, exchange: universe.Exchange, logger: logger}
}

// Run 加载 [From-LookbackDays, To] 的日线后执行回测。
func (e *Engine) Run(ctx context.Context, cfg Config) (Result, error) {
	cfg = cfg.normalize()
	bars, err := e.Load(ctx, cfg)
	if err != nil {
		return Result{}, err
	}

	result, err := RunWithBars(cfg, bars)
	if err != nil {
		return result, err
	}
	e.logger.Info("回测完成",
		zap.String("from", cfg.From.Format("2006-01-02")),
		zap.String("to", cfg.To.Format("2006-01-02")),
		zap.Int("symbols", len(result.Symbols)),
		zap.Int("trades", result.Metrics.Trades),
		zap.Float64("win_rate", result.Metrics.WinRate),
		zap.Float64("total_pnl", result.Metrics.TotalPnL),
		zap.Float64("max_drawdown_pct", result.Metrics.MaxDrawdownPct),
		zap.Float64("sharpe", result.Metrics.SharpeProxy),
	)
	return result, nil
}

// Load 拉取回测所需的日线（含指标预热区间），未知标的与加载失败的标的被跳过。
func (e *Engine) Load(ctx context.Context, cfg Config) (map[string][]exchange.Bar, error) {
	cfg = cfg.normalize()
	if cfg.To.Before(cfg.From) {
		return nil, errors.New("backtest: 结束日期早于开始日期")
	}

	instruments, err := e.loader.Provider().Instruments(ctx, e.exchange)
	if err != nil {
		return nil, fmt.Errorf("backtest: 加载标的失败: %w", err)
	}
	targets := make([]exchange.Instrument, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		inst, ok := instruments[symbol]
		if !ok {
			e.logger.Warn("未知标的，跳过", zap.String("symbol", symbol))
			continue
		}
		targets = append(targets, inst)
	}

	loaded, err := e.loader.Load(ctx, targets, cfg.From.AddDate(0, 0, -cfg.LookbackDays), cfg.To)
	if err != nil {
		return nil, fmt.Errorf("backtest: 加载日线失败: %w", err)
	}
	if len(loaded.Failed) > 0 {
		e.logger.Warn("部分标的日线加载失败", zap.Error(loaded.Err()))
	}
	return loaded.Bars, nil
}

type symbolBars struct {
	bars  []exchange.Bar
	index map[string]int
}

// RunWithBars 在给定日线上执行回测，不做任何 I/O。相同输入得到完全相同的输出。
func RunWithBars(cfg Config, bars map[string][]exchange.Bar) (Result, error) {
	cfg = cfg.normalize()
	from := cfg.From.Format("2006-01-02")
	to := cfg.To.Format("2006-01-02")

	series := make(map[string]symbolBars, len(bars))
	calendar := make(map[string]struct{})
	for symbol, raw := range bars {
		clean := exchange.Clean(raw)
		sb := symbolBars{bars: clean, index: make(map[string]int, len(clean))}
		inRange := false
		for i, b := range clean {
			d := b.Date()
			sb.index[d] = i
			if d >= from && d <= to {
				calendar[d] = struct{}{}
				inRange = true
			}
		}
		if inRange {
			series[symbol] = sb
		}
	}
	if len(series) == 0 {
		return Result{Config: cfg}, ErrNoData
	}

	symbols := make([]string, 0, len(series))
	for symbol := range series {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	days := make([]string, 0, len(calendar))
	for d := range calendar {
		days = append(days, d)
	}
	sort.Strings(days)

	builder := signal.NewBuilder(cfg.Params)
	sim := NewSimulator(cfg)

	for _, day := range days {
		dayBars := make(map[string]exchange.Bar, len(symbols))
		for _, symbol := range symbols {
			sb := series[symbol]
			if i, ok := sb.index[day]; ok {
				dayBars[symbol] = sb.bars[i]
			}
		}

		sim.ProcessExits(day, dayBars)

		if sim.OpenCount() < cfg.MaxOpenPositions {
			rows := dayRows(day, symbols, series)
			for _, sig := range builder.Build(rows, sim.Equity()) {
				if sim.OpenCount() >= cfg.MaxOpenPositions {
					break
				}
				bar, ok := dayBars[sig.Symbol]
				if !ok {
					continue
				}
				sim.Open(day, sig, bar)
			}
		}

		sim.Mark(day, dayBars)
	}
	sim.ForceClose(days[len(days)-1])

	trades := sim.Trades()
	curve := sim.EquityCurve()
	return Result{
		Config:      cfg,
		Symbols:     symbols,
		Metrics:     calculateMetrics(cfg.InitialCapital, trades, curve),
		Trades:      trades,
		EquityCurve: curve,
		PerSymbol:   summarizeBySymbol(trades),
	}, nil
}

// dayRows 以截至当日的日线计算每个标的的指标，历史不足的标的跳过。
func dayRows(day string, symbols []string, series map[string]symbolBars) []screener.Row {
	rows := make([]screener.Row, 0, len(symbols))
	for _, symbol := range symbols {
		sb := series[symbol]
		i, ok := sb.index[day]
		if !ok || i < screener.MinLatestIndex || i+1 < screener.MinBars {
			continue
		}
		row, err := screener.Analyze(symbol, sb.bars[:i+1], 0)
		if err != nil {
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

// Record 转换为可持久化的记录。
func (r Result) Record() (domain.BacktestRunRecord, error) {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return domain.BacktestRunRecord{}, fmt.Errorf("backtest: 序列化配置失败: %w", err)
	}
	summary, err := json.Marshal(struct {
		Symbols   []string        `json:"symbols"`
		Metrics   Metrics         `json:"metrics"`
		PerSymbol []SymbolSummary `json:"perSymbol"`
	}{r.Symbols, r.Metrics, r.PerSymbol})
	if err != nil {
		return domain.BacktestRunRecord{}, fmt.Errorf("backtest: 序列化结果失败: %w", err)
	}
	return domain.BacktestRunRecord{
		Label:   r.Config.Label,
		From:    r.Config.From.Format("2006-01-02"),
		To:      r.Config.To.Format("2006-01-02"),
		Config:  cfgJSON,
		Summary: summary,
	}, nil
}
