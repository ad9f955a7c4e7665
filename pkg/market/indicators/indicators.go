// Package indicators provides pure technical-indicator functions over price
// series. Missing leading values are represented as NaN so callers can align
// indicator series with their source klines.
package indicators

import "math"

// Bar is the OHLCV input consumed by range-based indicators.
type Bar struct {
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// EMA produces the exponential moving average for the supplied prices.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	result := make([]float64, len(prices))
	for i := range result {
		result[i] = math.NaN()
	}
	if len(prices) < period {
		return result
	}
	multiplier := 2.0 / float64(period+1)

	var seed float64
	for i := 0; i < period; i++ {
		seed += prices[i]
	}
	seed /= float64(period)
	result[period-1] = seed

	for i := period; i < len(prices); i++ {
		prev := result[i-1]
		result[i] = (prices[i]-prev)*multiplier + prev
	}
	return result
}

// MACD returns the MACD line, signal line and histogram series using the
// conventional 12/26/9 windows.
func MACD(prices []float64) (macd, signal, hist []float64) {
	if len(prices) == 0 {
		return []float64{}, []float64{}, []float64{}
	}
	ema12 := EMA(prices, 12)
	ema26 := EMA(prices, 26)

	macd = make([]float64, len(prices))
	for i := range prices {
		if math.IsNaN(ema12[i]) || math.IsNaN(ema26[i]) {
			macd[i] = math.NaN()
		} else {
			macd[i] = ema12[i] - ema26[i]
		}
	}

	// Seed the signal EMA from the first defined MACD value.
	defined := make([]float64, 0, len(macd))
	for _, v := range macd {
		if !math.IsNaN(v) {
			defined = append(defined, v)
		}
	}
	signalDefined := EMA(defined, 9)
	signal = make([]float64, len(prices))
	offset := len(macd) - len(defined)
	for i := range signal {
		if i < offset {
			signal[i] = math.NaN()
		} else {
			signal[i] = signalDefined[i-offset]
		}
	}

	hist = make([]float64, len(prices))
	for i := range hist {
		if math.IsNaN(macd[i]) || math.IsNaN(signal[i]) {
			hist[i] = math.NaN()
		} else {
			hist[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, hist
}

// RSI computes the Relative Strength Index with Wilder smoothing.
func RSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	rsi := make([]float64, len(prices))
	for i := range rsi {
		rsi[i] = math.NaN()
	}
	if len(prices) <= period {
		return rsi
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum -= change
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	rsi[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain := math.Max(change, 0)
		loss := math.Max(-change, 0)
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		rsi[i] = rsiValue(avgGain, avgLoss)
	}
	return rsi
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50.0
	case avgLoss == 0:
		return 100.0
	case avgGain == 0:
		return 0.0
	default:
		rs := avgGain / avgLoss
		return 100.0 - (100.0 / (1.0 + rs))
	}
}

// ATR computes the Average True Range over the bar series.
func ATR(bars []Bar, period int) []float64 {
	if period <= 0 || len(bars) == 0 {
		return []float64{}
	}
	tr := make([]float64, len(bars))
	for i := range bars {
		if i == 0 {
			tr[i] = bars[i].High - bars[i].Low
			continue
		}
		highLow := bars[i].High - bars[i].Low
		highClose := math.Abs(bars[i].High - bars[i-1].Close)
		lowClose := math.Abs(bars[i].Low - bars[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}
	return EMA(tr, period)
}

// VolumeStats returns the latest bar volume and the mean volume over the
// trailing window (or the whole series when shorter).
func VolumeStats(bars []Bar, window int) (current, average float64) {
	if len(bars) == 0 {
		return 0, 0
	}
	current = bars[len(bars)-1].Volume
	start := 0
	if window > 0 && len(bars) > window {
		start = len(bars) - window
	}
	var sum float64
	for _, b := range bars[start:] {
		sum += b.Volume
	}
	average = sum / float64(len(bars)-start)
	return current, average
}

// Last returns the final non-NaN value of series, or 0 when none exists.
func Last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return 0
}

// Tail returns the last n non-NaN values of series, oldest first.
func Tail(series []float64, n int) []float64 {
	defined := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) {
			defined = append(defined, v)
		}
	}
	if n <= 0 || len(defined) <= n {
		return defined
	}
	return defined[len(defined)-n:]
}
