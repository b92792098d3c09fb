package exchange

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"swing-trader/internal/broker"
)

// KiteProvider 通过券商 REST 接口获取标的、日线与报价。
type KiteProvider struct {
	client   *broker.Client
	exchange string
	logger   *zap.Logger
}

// NewKiteProvider 创建券商行情源，exchange 用于拼接报价键 (如 NSE:INFY)。
func NewKiteProvider(client *broker.Client, exchange string, logger *zap.Logger) *KiteProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		exchange = "NSE"
	}
	return &KiteProvider{client: client, exchange: exchange, logger: logger}
}

// Instruments 下载交易所标的 CSV，按交易代码索引。
func (p *KiteProvider) Instruments(ctx context.Context, exchange string) (map[string]Instrument, error) {
	body, err := p.client.GetRaw(ctx, "/instruments/"+url.PathEscape(exchange), nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: 获取标的列表失败: %w", err)
	}
	out, err := parseInstrumentsCSV(body)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("标的列表已加载", zap.String("exchange", exchange), zap.Int("count", len(out)))
	return out, nil
}

func parseInstrumentsCSV(body []byte) (map[string]Instrument, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("exchange: 解析标的表头失败: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	field := func(row []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make(map[string]Instrument)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("exchange: 解析标的 CSV 失败: %w", err)
		}
		symbol := field(row, "tradingsymbol")
		if symbol == "" {
			continue
		}
		out[symbol] = Instrument{
			Token:    field(row, "instrument_token"),
			Symbol:   symbol,
			Exchange: field(row, "exchange"),
			Segment:  field(row, "segment"),
			Type:     field(row, "instrument_type"),
		}
	}
	return out, nil
}

// DailyBars 获取 [from, to] 区间的日线。
func (p *KiteProvider) DailyBars(ctx context.Context, inst Instrument, from, to time.Time) ([]Bar, error) {
	if inst.Token == "" {
		return nil, fmt.Errorf("exchange: 标的 %s 缺少 token", inst.Symbol)
	}
	query := url.Values{
		"from": {from.Format("2006-01-02")},
		"to":   {to.Format("2006-01-02")},
	}

	var data struct {
		Candles [][]json.RawMessage `json:"candles"`
	}
	path := fmt.Sprintf("/instruments/historical/%s/day", url.PathEscape(inst.Token))
	if err := p.client.Get(ctx, path, query, &data); err != nil {
		return nil, fmt.Errorf("exchange: 获取 %s 日线失败: %w", inst.Symbol, err)
	}

	bars := make([]Bar, 0, len(data.Candles))
	for _, raw := range data.Candles {
		bar, err := decodeCandle(raw)
		if err != nil {
			return nil, fmt.Errorf("exchange: 解析 %s 日线失败: %w", inst.Symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// decodeCandle 解析 [time, open, high, low, close, volume]。
func decodeCandle(raw []json.RawMessage) (Bar, error) {
	if len(raw) < 6 {
		return Bar{}, fmt.Errorf("字段不足: %d", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return Bar{}, err
	}
	t, err := parseCandleTime(ts)
	if err != nil {
		return Bar{}, err
	}
	nums := make([]float64, 5)
	for i := range nums {
		if err := json.Unmarshal(raw[i+1], &nums[i]); err != nil {
			return Bar{}, err
		}
	}
	return Bar{Time: t, Open: nums[0], High: nums[1], Low: nums[2], Close: nums[3], Volume: nums[4]}, nil
}

func parseCandleTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", s)
}

// Quotes 批量获取报价，键形如 NSE:INFY。
func (p *KiteProvider) Quotes(ctx context.Context, keys []string) (map[string]Quote, error) {
	if len(keys) == 0 {
		return map[string]Quote{}, nil
	}
	query := url.Values{"i": keys}

	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
		Volume    float64 `json:"volume"`
	}
	if err := p.client.Get(ctx, "/quote", query, &data); err != nil {
		return nil, fmt.Errorf("exchange: 获取报价失败: %w", err)
	}

	out := make(map[string]Quote, len(data))
	for key, q := range data {
		out[key] = Quote{LastPrice: q.LastPrice, Volume: q.Volume}
	}
	return out, nil
}

// LTP 返回单个标的最新价。
func (p *KiteProvider) LTP(ctx context.Context, symbol string) (float64, error) {
	key := p.exchange + ":" + symbol
	quotes, err := p.Quotes(ctx, []string{key})
	if err != nil {
		return 0, err
	}
	q, ok := quotes[key]
	if !ok || q.LastPrice <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return q.LastPrice, nil
}

var (
	_ HistoricalProvider = (*KiteProvider)(nil)
	_ LtpProvider        = (*KiteProvider)(nil)
)
