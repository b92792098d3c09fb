package indicator

import (
	"math"
	"time"

	"swing-trader/internal/exchange"
)

// Series 将日线拆分为便于指标计算的序列。
type Series struct {
	Times  []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewSeries 从日线创建 Series，输入需已按时间升序排列。
func NewSeries(bars []exchange.Bar) Series {
	length := len(bars)
	series := Series{
		Times:  make([]time.Time, length),
		Open:   make([]float64, length),
		High:   make([]float64, length),
		Low:    make([]float64, length),
		Close:  make([]float64, length),
		Volume: make([]float64, length),
	}

	for i, bar := range bars {
		series.Times[i] = bar.Time
		series.Open[i] = bar.Open
		series.High[i] = bar.High
		series.Low[i] = bar.Low
		series.Close[i] = bar.Close
		series.Volume[i] = bar.Volume
	}

	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Turnover 返回逐根成交额 close*volume。
func (s Series) Turnover() []float64 {
	out := make([]float64, len(s.Close))
	for i := range s.Close {
		out[i] = s.Close[i] * s.Volume[i]
	}
	return out
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Tail 返回序列末尾 n 个值，不足时返回全部。
func Tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		dst := make([]float64, len(values))
		copy(dst, values)
		return dst
	}
	dst := make([]float64, n)
	copy(dst, values[len(values)-n:])
	return dst
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
