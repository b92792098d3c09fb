package indicator

import (
	"errors"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
)

// ErrInsufficientData 表示样本数量不足以计算指标。
var ErrInsufficientData = errors.New("indicator: 数据不足")

// EMA 返回最新的指数移动平均值，首值以前 period 个样本的简单均值作为种子。
func EMA(values []float64, period int) (float64, error) {
	if err := require(len(values), period, period); err != nil {
		return math.NaN(), fmt.Errorf("EMA(%d): %w", period, err)
	}
	return Last(talib.Ema(values, period)), nil
}

// SMA 返回最近 period 个样本的简单均值。
func SMA(values []float64, period int) (float64, error) {
	if err := require(len(values), period, period); err != nil {
		return math.NaN(), fmt.Errorf("SMA(%d): %w", period, err)
	}
	if period == 1 {
		return Last(values), nil
	}
	return Last(talib.Sma(values, period)), nil
}

// RSI 返回 Wilder 平滑的相对强弱指数，序列中从未下跌时返回 100。
func RSI(values []float64, period int) (float64, error) {
	if err := require(len(values), period, period+1); err != nil {
		return math.NaN(), fmt.Errorf("RSI(%d): %w", period, err)
	}
	v := Last(talib.Rsi(values, period))
	if v == 0 && !hasDecline(values) {
		return 100, nil
	}
	return v, nil
}

// ATR 返回 Wilder 平滑的平均真实波幅。
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if len(highs) != len(lows) || len(lows) != len(closes) {
		return math.NaN(), errors.New("ATR: 序列长度不一致")
	}
	if err := require(len(closes), period, period+1); err != nil {
		return math.NaN(), fmt.Errorf("ATR(%d): %w", period, err)
	}
	return Last(talib.Atr(highs, lows, closes, period)), nil
}

// StdDev 返回最近 period 个样本的总体标准差。
func StdDev(values []float64, period int) (float64, error) {
	if err := require(len(values), period, period); err != nil {
		return math.NaN(), fmt.Errorf("StdDev(%d): %w", period, err)
	}
	if period == 1 {
		return 0, nil
	}
	return Last(talib.StdDev(values, period, 1)), nil
}

// PctChange 返回最新值相对 lookback 根之前的涨跌幅，以小数表示。
func PctChange(values []float64, lookback int) (float64, error) {
	if err := require(len(values), lookback, lookback+1); err != nil {
		return math.NaN(), fmt.Errorf("PctChange(%d): %w", lookback, err)
	}
	base := values[len(values)-1-lookback]
	if base == 0 {
		return 0, nil
	}
	return (Last(values) - base) / base, nil
}

// Highest 返回最近 period 个样本的最大值。
func Highest(values []float64, period int) (float64, error) {
	if err := require(len(values), period, period); err != nil {
		return math.NaN(), fmt.Errorf("Highest(%d): %w", period, err)
	}
	maxV := math.Inf(-1)
	for _, v := range values[len(values)-period:] {
		maxV = math.Max(maxV, v)
	}
	return maxV, nil
}

// Mean 返回算术平均值，空切片返回 0。
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopulationStd 返回整体样本的总体标准差。
func PopulationStd(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	acc := 0.0
	for _, v := range values {
		d := v - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(values)))
}

func require(n, period, min int) error {
	if period <= 0 {
		return fmt.Errorf("周期必须大于0: %d", period)
	}
	if n < min {
		return fmt.Errorf("%w: 需要 %d, 实际 %d", ErrInsufficientData, min, n)
	}
	return nil
}

func hasDecline(values []float64) bool {
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return true
		}
	}
	return false
}
