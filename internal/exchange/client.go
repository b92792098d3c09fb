package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"swing-trader/internal/config"
)

// ccxtMarketAPI 为 CCXTProvider 用到的 ccxt 方法子集。
type ccxtMarketAPI interface {
	FetchOHLCV(symbol string, options ...ccxt.FetchOHLCVOptions) ([]ccxt.OHLCV, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
}

// CCXTProvider 通过 ccxt 交易所获取日线与报价，标的池来自配置。
type CCXTProvider struct {
	cfg         config.CCXTConfig
	logger      *zap.Logger
	api         ccxtMarketAPI
	loadMarkets func() error
	venue       string
	symbols     []string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTProvider 构造基于 ccxt 的行情源，venue 为标的的交易所/板块标签。
func NewCCXTProvider(cfg config.CCXTConfig, venue string, symbols []string, logger *zap.Logger) (*CCXTProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	var (
		api  ccxtMarketAPI
		load func() error
	)
	switch strings.ToLower(cfg.Name) {
	case "binance", "":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		api = ex
		load = func() error {
			_, err := ex.LoadMarkets()
			return err
		}
	default:
		return nil, fmt.Errorf("exchange: 不支持的 ccxt 交易所 %q", cfg.Name)
	}

	return newCCXTProvider(cfg, api, load, venue, symbols, logger), nil
}

func newCCXTProvider(cfg config.CCXTConfig, api ccxtMarketAPI, load func() error, venue string, symbols []string, logger *zap.Logger) *CCXTProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if load == nil {
		load = func() error { return nil }
	}
	return &CCXTProvider{
		cfg:         cfg,
		logger:      logger,
		api:         api,
		loadMarkets: load,
		venue:       venue,
		symbols:     append([]string(nil), symbols...),
	}
}

// Instruments 以配置的标的池构造标的表，token 即 ccxt 交易对。
func (p *CCXTProvider) Instruments(_ context.Context, _ string) (map[string]Instrument, error) {
	out := make(map[string]Instrument, len(p.symbols))
	for _, symbol := range p.symbols {
		out[symbol] = Instrument{
			Token:    symbol,
			Symbol:   symbol,
			Exchange: p.venue,
			Segment:  p.venue,
			Type:     "EQ",
		}
	}
	return out, nil
}

// DailyBars 获取 [from, to] 区间的日线。
func (p *CCXTProvider) DailyBars(ctx context.Context, inst Instrument, from, to time.Time) ([]Bar, error) {
	days := int64(to.Sub(from).Hours()/24) + 1
	if days <= 0 {
		return nil, nil
	}

	var raw []ccxt.OHLCV
	err := p.callWithRetry(ctx, "fetch_ohlcv_1d", func() error {
		if err := p.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := p.api.FetchOHLCV(
			inst.Token,
			ccxt.WithFetchOHLCVTimeframe("1d"),
			ccxt.WithFetchOHLCVSince(from.UnixMilli()),
			ccxt.WithFetchOHLCVLimit(days),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: 获取 %s 日线失败: %w", inst.Symbol, err)
	}

	bars := make([]Bar, 0, len(raw))
	for _, item := range raw {
		ts := time.UnixMilli(item.Timestamp).UTC()
		if ts.After(to) {
			continue
		}
		bars = append(bars, Bar{
			Time:   ts,
			Open:   item.Open,
			High:   item.High,
			Low:    item.Low,
			Close:  item.Close,
			Volume: item.Volume,
		})
	}
	return bars, nil
}

// Quotes 逐个获取报价，键即交易对。
func (p *CCXTProvider) Quotes(ctx context.Context, keys []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(keys))
	for _, key := range keys {
		var ticker ccxt.Ticker
		err := p.callWithRetry(ctx, "fetch_ticker", func() error {
			if err := p.ensureMarketsLoaded(ctx); err != nil {
				return err
			}
			t, err := p.api.FetchTicker(key)
			if err != nil {
				return err
			}
			ticker = t
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("exchange: 获取 %s 报价失败: %w", key, err)
		}
		q := Quote{}
		if ticker.Last != nil {
			q.LastPrice = *ticker.Last
		}
		if ticker.BaseVolume != nil {
			q.Volume = *ticker.BaseVolume
		}
		out[key] = q
	}
	return out, nil
}

// LTP 返回最新价。
func (p *CCXTProvider) LTP(ctx context.Context, symbol string) (float64, error) {
	quotes, err := p.Quotes(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	q := quotes[symbol]
	if q.LastPrice <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return q.LastPrice, nil
}

func (p *CCXTProvider) ensureMarketsLoaded(ctx context.Context) error {
	p.marketsMu.Lock()
	defer p.marketsMu.Unlock()

	if p.marketsLoaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.loadMarkets(); err != nil {
		return err
	}

	p.marketsLoaded = true
	p.logger.Info("已完成市场元数据加载", zap.String("exchange", p.cfg.Name))
	return nil
}

func (p *CCXTProvider) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := p.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := p.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := p.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				p.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			p.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			p.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		p.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

var (
	_ HistoricalProvider = (*CCXTProvider)(nil)
	_ LtpProvider        = (*CCXTProvider)(nil)
)
