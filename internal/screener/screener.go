package screener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/config"
	"swing-trader/internal/exchange"
	"swing-trader/internal/indicator"
)

const (
	// MinBars 为参与筛选的最少日线数量。
	MinBars = 80
	// MinLatestIndex 为最新 K 线的最小下标，保证 60 日相对强度有足够样本。
	MinLatestIndex = 61
	rsLookback     = 60
	maxResultsCap  = 200
)

// Trend 为价格相对均线的排列状态。
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
	TrendAny  Trend = "any"
)

// Row 为单个标的在某一交易日的筛选指标。
type Row struct {
	Symbol      string
	AsOf        string
	Close       float64
	EMA20       float64
	EMA50       float64
	RSI14       float64
	ATR14       float64
	High20      float64
	VolumeRatio float64
	ADV20       float64
	RSScore60d  float64
	Trend       Trend
}

// Criteria 为一次筛选的条件。
type Criteria struct {
	From           time.Time
	To             time.Time
	Symbols        []string
	Trend          Trend
	RSIMin         float64
	RSIMax         float64
	MinVolumeRatio float64
	MinADV20       float64
	MinPrice       float64
	MaxPrice       float64
	MinRSScore     float64
	BreakoutOnly   bool
	SortBy         string
	MaxResults     int
}

// CriteriaFromConfig 以配置默认值构造筛选条件。
func CriteriaFromConfig(cfg config.ScreenerConfig, symbols []string, from, to time.Time) Criteria {
	return Criteria{
		From:           from,
		To:             to,
		Symbols:        append([]string(nil), symbols...),
		Trend:          Trend(strings.ToLower(cfg.Trend)),
		RSIMin:         cfg.RSIMin,
		RSIMax:         cfg.RSIMax,
		MinVolumeRatio: cfg.MinVolumeRatio,
		MinADV20:       cfg.MinADV20,
		MinPrice:       cfg.MinPrice,
		MaxPrice:       cfg.MaxPrice,
		MinRSScore:     cfg.MinRSScore,
		BreakoutOnly:   cfg.BreakoutOnly,
		SortBy:         cfg.SortBy,
		MaxResults:     cfg.MaxResults,
	}
}

// Passes 判断一行是否满足全部条件。
func (c Criteria) Passes(row Row) bool {
	if row.Close < c.MinPrice || row.Close > c.MaxPrice {
		return false
	}
	if row.RSI14 < c.RSIMin || row.RSI14 > c.RSIMax {
		return false
	}
	if row.VolumeRatio < c.MinVolumeRatio {
		return false
	}
	if row.ADV20 < c.MinADV20 {
		return false
	}
	if row.RSScore60d < c.MinRSScore {
		return false
	}
	if c.Trend != "" && c.Trend != TrendAny && row.Trend != c.Trend {
		return false
	}
	if c.BreakoutOnly && row.Close < row.High20*0.995 {
		return false
	}
	return true
}

// Analyze 根据截至当日（含）的日线计算指标。bars 的最后一根即为 as-of。
// benchmarkReturn 为基准 60 日涨跌幅，缺失时传 0。
func Analyze(symbol string, bars []exchange.Bar, benchmarkReturn float64) (Row, error) {
	if len(bars) <= MinLatestIndex {
		return Row{}, fmt.Errorf("screener: %s %w: 需要 %d 根, 实际 %d", symbol, indicator.ErrInsufficientData, MinLatestIndex+1, len(bars))
	}

	s := indicator.NewSeries(bars)
	closeNow := indicator.Last(s.Close)

	ema20, err := indicator.EMA(s.Close, 20)
	if err != nil {
		return Row{}, err
	}
	ema50, err := indicator.EMA(s.Close, 50)
	if err != nil {
		return Row{}, err
	}
	rsi14, err := indicator.RSI(s.Close, 14)
	if err != nil {
		return Row{}, err
	}
	atr14, err := indicator.ATR(s.High, s.Low, s.Close, 14)
	if err != nil {
		return Row{}, err
	}
	high20, err := indicator.Highest(s.High, 20)
	if err != nil {
		return Row{}, err
	}
	vol20, err := indicator.SMA(s.Volume, 20)
	if err != nil {
		return Row{}, err
	}
	vol50, err := indicator.SMA(s.Volume, 50)
	if err != nil {
		return Row{}, err
	}
	adv20, err := indicator.SMA(s.Turnover(), 20)
	if err != nil {
		return Row{}, err
	}
	change60, err := indicator.PctChange(s.Close, rsLookback)
	if err != nil {
		return Row{}, err
	}

	if vol50 < 1 {
		vol50 = 1
	}

	return Row{
		Symbol:      symbol,
		AsOf:        bars[len(bars)-1].Date(),
		Close:       closeNow,
		EMA20:       ema20,
		EMA50:       ema50,
		RSI14:       rsi14,
		ATR14:       atr14,
		High20:      high20,
		VolumeRatio: vol20 / vol50,
		ADV20:       adv20,
		RSScore60d:  change60 - benchmarkReturn,
		Trend:       classifyTrend(closeNow, ema20, ema50),
	}, nil
}

func classifyTrend(closeNow, ema20, ema50 float64) Trend {
	switch {
	case closeNow > ema20 && ema20 > ema50:
		return TrendUp
	case closeNow < ema20 && ema20 < ema50:
		return TrendDown
	default:
		return TrendFlat
	}
}

// BenchmarkReturn 返回基准的 60 日涨跌幅，样本不足时为 0。
func BenchmarkReturn(bars []exchange.Bar) float64 {
	if len(bars) <= rsLookback {
		return 0
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	v, err := indicator.PctChange(closes, rsLookback)
	if err != nil {
		return 0
	}
	return v
}

// Rank 按 sortBy 降序排序并截取，max 被限制在 [1, 200]。
func Rank(rows []Row, sortBy string, max int) []Row {
	out := append([]Row(nil), rows...)
	key := sortKey(sortBy)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki == kj {
			return out[i].Symbol < out[j].Symbol
		}
		return ki > kj
	})
	if max < 1 {
		max = 1
	}
	if max > maxResultsCap {
		max = maxResultsCap
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func sortKey(sortBy string) func(Row) float64 {
	switch strings.ToLower(sortBy) {
	case "rsi":
		return func(r Row) float64 { return r.RSI14 }
	case "volume":
		return func(r Row) float64 { return r.VolumeRatio }
	case "price":
		return func(r Row) float64 { return r.Close }
	default:
		return func(r Row) float64 { return r.RSScore60d }
	}
}

// Result 为一次筛选的输出。
type Result struct {
	Rows    []Row
	Skipped map[string]string
}

// Service 拉取历史数据并执行筛选。
type Service struct {
	loader      *exchange.BarLoader
	exchange    string
	benchmark   string
	historyDays int
	logger      *zap.Logger
}

// NewService 创建筛选服务。
func NewService(loader *exchange.BarLoader, universe config.UniverseConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	historyDays := universe.HistoryDays
	if historyDays <= 0 {
		historyDays = 180
	}
	return &Service{
		loader:      loader,
		exchange:    universe.Exchange,
		benchmark:   universe.Benchmark,
		historyDays: historyDays,
		logger:      logger,
	}
}

// Run 执行筛选。指标回看从 From 之前 historyDays 天开始。
func (s *Service) Run(ctx context.Context, c Criteria) (Result, error) {
	result := Result{Skipped: make(map[string]string)}
	if c.To.Before(c.From) {
		return result, errors.New("screener: 结束日期早于开始日期")
	}

	provider := s.loader.Provider()
	instruments, err := provider.Instruments(ctx, s.exchange)
	if err != nil {
		return result, fmt.Errorf("screener: 加载标的失败: %w", err)
	}

	historyFrom := c.From.AddDate(0, 0, -s.historyDays)

	benchmark := 0.0
	if inst, ok := instruments[s.benchmark]; ok && inst.Token != "" {
		bars, err := provider.DailyBars(ctx, inst, historyFrom, c.To)
		if err != nil {
			s.logger.Warn("基准数据获取失败，相对强度按 0 基准计算", zap.String("benchmark", s.benchmark), zap.Error(err))
		} else {
			benchmark = BenchmarkReturn(exchange.Clean(bars))
		}
	}

	targets := make([]exchange.Instrument, 0, len(c.Symbols))
	for _, symbol := range c.Symbols {
		inst, ok := instruments[symbol]
		if !ok {
			result.Skipped[symbol] = "unknown instrument"
			continue
		}
		if inst.Exchange != s.exchange || inst.Segment != s.exchange || inst.Type != "EQ" {
			result.Skipped[symbol] = "not an equity on " + s.exchange
			continue
		}
		targets = append(targets, inst)
	}

	loaded, err := s.loader.Load(ctx, targets, historyFrom, c.To)
	if err != nil {
		return result, fmt.Errorf("screener: 加载日线失败: %w", err)
	}
	for symbol, loadErr := range loaded.Failed {
		result.Skipped[symbol] = loadErr.Error()
	}
	if len(targets) > 0 && len(loaded.Failed) == len(targets) {
		return result, fmt.Errorf("screener: 全部标的日线加载失败: %w", loaded.Err())
	}

	rows := make([]Row, 0, len(loaded.Bars))
	for _, inst := range targets {
		bars, ok := loaded.Bars[inst.Symbol]
		if !ok {
			continue
		}
		row, reason := s.evaluate(inst.Symbol, bars, benchmark, c)
		if reason != "" {
			result.Skipped[inst.Symbol] = reason
			continue
		}
		rows = append(rows, row)
	}

	result.Rows = Rank(rows, c.SortBy, c.MaxResults)
	s.logger.Info("筛选完成",
		zap.Int("universe", len(c.Symbols)),
		zap.Int("matched", len(rows)),
		zap.Int("returned", len(result.Rows)),
		zap.Float64("benchmark_return", benchmark),
	)
	return result, nil
}

func (s *Service) evaluate(symbol string, bars []exchange.Bar, benchmark float64, c Criteria) (Row, string) {
	if len(bars) < MinBars {
		return Row{}, "insufficient history"
	}
	from := c.From.Format("2006-01-02")
	to := c.To.Format("2006-01-02")
	latest := -1
	for i, b := range bars {
		d := b.Date()
		if d >= from && d <= to {
			latest = i
		}
	}
	if latest < 0 {
		return Row{}, "no bars in range"
	}
	if latest < MinLatestIndex {
		return Row{}, "insufficient lookback"
	}

	row, err := Analyze(symbol, bars[:latest+1], benchmark)
	if err != nil {
		return Row{}, err.Error()
	}
	if !c.Passes(row) {
		return Row{}, "criteria not met"
	}
	return row, ""
}
