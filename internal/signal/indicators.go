package signal

import (
	"math"

	"opt-scalp-bot/internal/market"
)

const (
	emaFastPeriod    = 9
	emaSlowPeriod    = 21
	rsiPeriod        = 14
	atrPeriod        = 10
	supertrendFactor = 3.0
)

// IndicatorSnapshot carries each indicator with an explicit presence flag.
// An absent indicator contributes nothing to scoring; it is never a zero.
type IndicatorSnapshot struct {
	EMA9  float64
	EMA21 float64
	RSI   float64
	// Supertrend is the current band value; Bullish reports which side of
	// it price closed on.
	Supertrend        float64
	SupertrendBullish bool
	VWAP              float64

	HasEMA9       bool
	HasEMA21      bool
	HasRSI        bool
	HasSupertrend bool
	HasVWAP       bool
}

// Indicators recomputes the full snapshot from tick history and minute
// candles. Anything the window cannot support stays absent.
func Indicators(ticks []market.Tick, candles []market.Candle) IndicatorSnapshot {
	closes := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		closes = append(closes, t.LTP)
	}
	var snap IndicatorSnapshot
	if v, ok := ema(closes, emaFastPeriod); ok {
		snap.EMA9, snap.HasEMA9 = v, true
	}
	if v, ok := ema(closes, emaSlowPeriod); ok {
		snap.EMA21, snap.HasEMA21 = v, true
	}
	if v, ok := rsi(closes, rsiPeriod); ok {
		snap.RSI, snap.HasRSI = v, true
	}
	if v, bullish, ok := supertrend(candles, atrPeriod, supertrendFactor); ok {
		snap.Supertrend, snap.SupertrendBullish, snap.HasSupertrend = v, bullish, true
	}
	if v, ok := vwap(ticks); ok {
		snap.VWAP, snap.HasVWAP = v, true
	}
	return snap
}

// IndexBias is a weighted composite of EMA cross, RSI band and supertrend
// alignment on the underlying index, in [-1, 1].
type IndexBias struct {
	Value float64
	Has   bool
}

func Bias(ticks []market.Tick, candles []market.Candle) IndexBias {
	snap := Indicators(ticks, candles)
	var value, weight float64
	if snap.HasEMA9 && snap.HasEMA21 {
		weight += 0.4
		if snap.EMA9 > snap.EMA21 {
			value += 0.4
		} else if snap.EMA9 < snap.EMA21 {
			value -= 0.4
		}
	}
	if snap.HasRSI {
		weight += 0.3
		if snap.RSI >= 55 {
			value += 0.3
		} else if snap.RSI <= 45 {
			value -= 0.3
		}
	}
	if snap.HasSupertrend {
		weight += 0.3
		if snap.SupertrendBullish {
			value += 0.3
		} else {
			value -= 0.3
		}
	}
	if weight == 0 {
		return IndexBias{}
	}
	return IndexBias{Value: value / weight, Has: true}
}

func ema(values []float64, period int) (float64, bool) {
	if len(values) < period || period <= 0 {
		return 0, false
	}
	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	result := seed / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		result = v*k + result*(1-k)
	}
	return result, true
}

func rsi(values []float64, period int) (float64, bool) {
	if len(values) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func vwap(ticks []market.Tick) (float64, bool) {
	var pv, vol float64
	for _, t := range ticks {
		if t.Volume <= 0 {
			continue
		}
		pv += t.LTP * t.Volume
		vol += t.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

func supertrend(candles []market.Candle, period int, factor float64) (value float64, bullish bool, ok bool) {
	if len(candles) < period+1 {
		return 0, false, false
	}
	atrVal, atrOK := atr(candles, period)
	if !atrOK {
		return 0, false, false
	}
	upper := make([]float64, len(candles))
	lower := make([]float64, len(candles))
	for i, c := range candles {
		mid := (c.High + c.Low) / 2
		upper[i] = mid + factor*atrVal
		lower[i] = mid - factor*atrVal
	}
	// Band carry-forward: bands only ratchet in the trend direction.
	bullish = true
	value = lower[period]
	for i := period + 1; i < len(candles); i++ {
		close := candles[i].Close
		if bullish {
			if lower[i] > value {
				value = lower[i]
			}
			if close < value {
				bullish = false
				value = upper[i]
			}
		} else {
			if upper[i] < value {
				value = upper[i]
			}
			if close > value {
				bullish = true
				value = lower[i]
			}
		}
	}
	return value, bullish, true
}

func atr(candles []market.Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}
	var sum float64
	start := len(candles) - period
	for i := start; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		tr = math.Max(tr, math.Abs(c.High-prevClose))
		tr = math.Max(tr, math.Abs(c.Low-prevClose))
		sum += tr
	}
	return sum / float64(period), true
}
