package exchange

import (
	"context"
	"time"
)

// Bar 代表单根日线。
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Date 返回 K 线所在日期 (YYYY-MM-DD)。
func (b Bar) Date() string {
	return b.Time.Format("2006-01-02")
}

// Instrument 为可交易标的元数据。
type Instrument struct {
	Token    string
	Symbol   string
	Exchange string
	Segment  string
	Type     string
}

// Equity 表示是否为交易所普通股。
func (i Instrument) Equity() bool {
	return i.Exchange == i.Segment && i.Type == "EQ"
}

// Quote 为实时报价。
type Quote struct {
	LastPrice float64
	Volume    float64
}

// HistoricalProvider 提供标的列表、日线与报价。
// 实现需自带限速与重试，失败时返回错误而不是空结果。
type HistoricalProvider interface {
	Instruments(ctx context.Context, exchange string) (map[string]Instrument, error)
	DailyBars(ctx context.Context, inst Instrument, from, to time.Time) ([]Bar, error)
	Quotes(ctx context.Context, keys []string) (map[string]Quote, error)
}

// LtpProvider 提供最新成交价，未知标的返回错误。
type LtpProvider interface {
	LTP(ctx context.Context, symbol string) (float64, error)
}
