package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BarLoader 以有限并发批量拉取多个标的的日线。
// 限速由底层 provider 负责，并发只决定同时在途的请求数。
type BarLoader struct {
	provider    HistoricalProvider
	concurrency int
	logger      *zap.Logger
}

// LoadResult 为一次批量拉取的结果，单个标的失败不影响其他标的。
type LoadResult struct {
	Bars   map[string][]Bar
	Failed map[string]error
}

// Err 汇总所有失败。
func (r LoadResult) Err() error {
	var err error
	symbols := make([]string, 0, len(r.Failed))
	for s := range r.Failed {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		err = multierr.Append(err, r.Failed[s])
	}
	return err
}

// NewBarLoader 创建批量加载器。
func NewBarLoader(provider HistoricalProvider, concurrency int, logger *zap.Logger) *BarLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BarLoader{provider: provider, concurrency: concurrency, logger: logger}
}

// Provider 返回底层行情源。
func (l *BarLoader) Provider() HistoricalProvider {
	return l.provider
}

// Load 拉取 instruments 在 [from, to] 区间的日线，结果已清洗并按时间升序。
func (l *BarLoader) Load(ctx context.Context, instruments []Instrument, from, to time.Time) (LoadResult, error) {
	result := LoadResult{
		Bars:   make(map[string][]Bar, len(instruments)),
		Failed: make(map[string]error),
	}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.concurrency)

	for _, inst := range instruments {
		group.Go(func() error {
			bars, err := l.provider.DailyBars(groupCtx, inst, from, to)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[inst.Symbol] = err
				l.logger.Warn("日线拉取失败", zap.String("symbol", inst.Symbol), zap.Error(err))
				return nil
			}
			result.Bars[inst.Symbol] = Clean(bars)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	l.logger.Debug("批量日线拉取完成",
		zap.Int("requested", len(instruments)),
		zap.Int("loaded", len(result.Bars)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// Clean 剔除收盘价或成交量为 0 的 K 线，按时间升序并去重。
func Clean(bars []Bar) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if b.Close == 0 || b.Volume == 0 {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	dedup := out[:0]
	for i, b := range out {
		if i > 0 && b.Time.Equal(dedup[len(dedup)-1].Time) {
			dedup[len(dedup)-1] = b
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup
}
