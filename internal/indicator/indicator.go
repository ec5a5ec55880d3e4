// Package indicator implements the Indicator Engine: EMA(9)/EMA(21) cross,
// Wilder's RSI(14), MACD(12,26,9), Bollinger Bands(20, 2σ), ATR(14)/ATR%,
// ADX(14), a daily-reset VWAP, rate-of-change and volume-ratio/surge
// detection, computed fresh over a candle series on every call. Any
// indicator whose lookback the series can't yet satisfy is left as NaN —
// "not yet computable" — rather than zero.
package indicator

import (
	"math"

	"cryptoengine/pkg/types"
)

const (
	emaFastPeriod  = 9
	emaSlowPeriod  = 21
	rsiPeriod      = 14
	bollingerPeriod = 20
	bollingerStdDev = 2.0
	atrPeriod      = 14
	adxPeriod      = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	rocPeriod      = 12
	volumeMAPeriod = 20
	volumeSurgeMultiplier = 1.5
)

// Calculate computes a full IndicatorSnapshot from a time-ascending candle
// series. Candles must already be validated by the Market Data Adapter.
func Calculate(inst types.Instrument, candles types.Candles) types.IndicatorSnapshot {
	snap := types.IndicatorSnapshot{Instrument: inst}
	n := len(candles)
	if n == 0 {
		return nanSnapshot(snap)
	}
	snap.AsOf = candles[n-1].OpenTime

	closes := closesOf(candles)

	emaFastSeries := ema(closes, emaFastPeriod)
	emaSlowSeries := ema(closes, emaSlowPeriod)
	snap.EMAFast = last(emaFastSeries)
	snap.EMASlow = last(emaSlowSeries)
	snap.EMACrossState = emaCrossState(emaFastSeries, emaSlowSeries)

	snap.RSI14 = wilderRSI(closes, rsiPeriod)

	upper, mid, lower := bollingerBands(closes, bollingerPeriod, bollingerStdDev)
	snap.BollingerUpper = upper
	snap.BollingerMid = mid
	snap.BollingerLower = lower
	if !math.IsNaN(upper) && !math.IsNaN(lower) && upper != lower {
		snap.BollingerPctB = (closes[n-1] - lower) / (upper - lower)
	} else {
		snap.BollingerPctB = math.NaN()
	}
	if !math.IsNaN(mid) && mid != 0 {
		snap.BollingerWidth = (upper - lower) / mid
	} else {
		snap.BollingerWidth = math.NaN()
	}

	snap.ATR14 = averageTrueRange(candles, atrPeriod)
	if !math.IsNaN(snap.ATR14) && closes[n-1] != 0 {
		snap.ATRPct = snap.ATR14 / closes[n-1]
	} else {
		snap.ATRPct = math.NaN()
	}

	snap.VWAP = dailyVWAP(candles)

	volMA := simpleMovingAverage(volumesOf(candles), volumeMAPeriod)
	if !math.IsNaN(volMA) && volMA != 0 {
		snap.VolumeRatio = candles[n-1].Volume / volMA
		snap.VolumeSurge = snap.VolumeRatio >= volumeSurgeMultiplier
	} else {
		snap.VolumeRatio = math.NaN()
	}
	snap.OBVTrend = onBalanceVolumeTrend(candles)

	snap.SMA5 = simpleMovingAverage(closes, 5)
	snap.SMA20 = simpleMovingAverage(closes, 20)
	snap.SMA60 = simpleMovingAverage(closes, 60)

	snap.MACDHist, snap.MACDSignal = macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	snap.ADX = averageDirectionalIndex(candles, adxPeriod)
	snap.ROC12 = rateOfChange(closes, rocPeriod)
	snap.GapPct = dailyGapPct(candles)

	return snap
}

func nanSnapshot(snap types.IndicatorSnapshot) types.IndicatorSnapshot {
	snap.EMAFast = math.NaN()
	snap.EMASlow = math.NaN()
	snap.RSI14 = math.NaN()
	snap.MACDHist = math.NaN()
	snap.MACDSignal = math.NaN()
	snap.BollingerUpper = math.NaN()
	snap.BollingerMid = math.NaN()
	snap.BollingerLower = math.NaN()
	snap.BollingerPctB = math.NaN()
	snap.BollingerWidth = math.NaN()
	snap.ATR14 = math.NaN()
	snap.ATRPct = math.NaN()
	snap.VWAP = math.NaN()
	snap.VolumeRatio = math.NaN()
	snap.SMA5 = math.NaN()
	snap.SMA20 = math.NaN()
	snap.SMA60 = math.NaN()
	snap.ADX = math.NaN()
	snap.ROC12 = math.NaN()
	snap.GapPct = math.NaN()
	return snap
}

func closesOf(candles types.Candles) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func volumesOf(candles types.Candles) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// ema computes an exponential moving average with smoothing α = 2/(period+1),
// seeded by a simple average of the first `period` closes. Bars before the
// series reaches `period` samples are NaN.
func ema(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(closes) < period {
		return out
	}

	alpha := 2.0 / float64(period+1)
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	prev := seed
	for i := period; i < len(closes); i++ {
		prev = alpha*closes[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// emaCrossState reports the most recent bar's EMA cross: +1 golden cross,
// -1 dead cross, 0 no cross (continuation in either direction).
func emaCrossState(fast, slow []float64) int {
	n := len(fast)
	if n < 2 || math.IsNaN(fast[n-1]) || math.IsNaN(slow[n-1]) || math.IsNaN(fast[n-2]) || math.IsNaN(slow[n-2]) {
		return 0
	}
	prevDiff := fast[n-2] - slow[n-2]
	currDiff := fast[n-1] - slow[n-1]
	switch {
	case prevDiff <= 0 && currDiff > 0:
		return 1
	case prevDiff >= 0 && currDiff < 0:
		return -1
	default:
		return 0
	}
}

// wilderRSI computes RSI(period) using Wilder's smoothed moving average of
// gains and losses (the classic RSI definition), not a simple rolling mean.
func wilderRSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return math.NaN()
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss += -delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func simpleMovingAverage(values []float64, period int) float64 {
	if len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

func standardDeviation(values []float64, mean float64) float64 {
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

func bollingerBands(closes []float64, period int, numStdDev float64) (upper, mid, lower float64) {
	if len(closes) < period {
		return math.NaN(), math.NaN(), math.NaN()
	}
	window := closes[len(closes)-period:]
	mean := simpleMovingAverage(closes, period)
	sd := standardDeviation(window, mean)
	return mean + numStdDev*sd, mean, mean - numStdDev*sd
}

// averageTrueRange computes ATR(period) as a simple rolling mean of true
// range, matching the reference implementation's rolling-window ATR.
func averageTrueRange(candles types.Candles, period int) float64 {
	n := len(candles)
	if n < period+1 {
		return math.NaN()
	}

	trueRanges := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		trueRanges = append(trueRanges, math.Max(highLow, math.Max(highClose, lowClose)))
	}
	return simpleMovingAverage(trueRanges, period)
}

// dailyVWAP computes volume-weighted average price over the candles
// belonging to the same UTC calendar day as the most recent bar, resetting
// the accumulation at each day boundary.
func dailyVWAP(candles types.Candles) float64 {
	n := len(candles)
	if n == 0 {
		return math.NaN()
	}
	lastDay := candles[n-1].OpenTime.UTC().Truncate(24 * 60 * 60 * 1e9)

	var cumTPVol, cumVol float64
	for _, c := range candles {
		if c.OpenTime.UTC().Truncate(24 * 60 * 60 * 1e9).Equal(lastDay) {
			typicalPrice := (c.High + c.Low + c.Close) / 3
			cumTPVol += typicalPrice * c.Volume
			cumVol += c.Volume
		}
	}
	if cumVol == 0 {
		return math.NaN()
	}
	return cumTPVol / cumVol
}

// onBalanceVolumeTrend reports the short-run direction of on-balance volume
// over the last 10 bars: RISING if it net-increased, FALLING if it
// net-decreased, FLAT otherwise.
func onBalanceVolumeTrend(candles types.Candles) types.OBVTrend {
	n := len(candles)
	if n < 2 {
		return types.OBVFlat
	}
	lookback := 10
	start := n - lookback
	if start < 1 {
		start = 1
	}

	obv := 0.0
	for i := start; i < n; i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}

	switch {
	case obv > 0:
		return types.OBVRising
	case obv < 0:
		return types.OBVFalling
	default:
		return types.OBVFlat
	}
}

// macd computes the MACD histogram and signal line from EMA(fast) and
// EMA(slow) of closes, with the signal itself an EMA(signalPeriod) of the
// MACD line. Returns NaN, NaN until the series can support all three spans.
func macd(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (hist, signal float64) {
	if len(closes) < slowPeriod+signalPeriod {
		return math.NaN(), math.NaN()
	}

	fastSeries := ema(closes, fastPeriod)
	slowSeries := ema(closes, slowPeriod)

	var macdLine []float64
	for i := slowPeriod - 1; i < len(closes); i++ {
		if math.IsNaN(fastSeries[i]) || math.IsNaN(slowSeries[i]) {
			continue
		}
		macdLine = append(macdLine, fastSeries[i]-slowSeries[i])
	}
	if len(macdLine) < signalPeriod {
		return math.NaN(), math.NaN()
	}

	signalSeries := ema(macdLine, signalPeriod)
	sig := last(signalSeries)
	if math.IsNaN(sig) {
		return math.NaN(), math.NaN()
	}
	macdVal := macdLine[len(macdLine)-1]
	return macdVal - sig, sig
}

// averageDirectionalIndex computes Wilder's ADX(period): directional
// movement and true range are Wilder-smoothed into +DI/-DI, DX is derived
// from their spread, and ADX is the Wilder-smoothed average of DX.
func averageDirectionalIndex(candles types.Candles, period int) float64 {
	n := len(candles)
	if n < period*2+1 {
		return math.NaN()
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(highLow, math.Max(highClose, lowClose))
	}

	var smPlusDM, smMinusDM, smTR float64
	for i := 1; i <= period; i++ {
		smPlusDM += plusDM[i]
		smMinusDM += minusDM[i]
		smTR += tr[i]
	}

	dx := func() float64 {
		if smTR == 0 {
			return 0
		}
		plusDI := 100 * smPlusDM / smTR
		minusDI := 100 * smMinusDM / smTR
		divisor := plusDI + minusDI
		if divisor == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / divisor
	}

	var dxValues []float64
	dxValues = append(dxValues, dx())
	for i := period + 1; i < n; i++ {
		smPlusDM = smPlusDM - smPlusDM/float64(period) + plusDM[i]
		smMinusDM = smMinusDM - smMinusDM/float64(period) + minusDM[i]
		smTR = smTR - smTR/float64(period) + tr[i]
		dxValues = append(dxValues, dx())
	}

	if len(dxValues) < period {
		sum := 0.0
		for _, v := range dxValues {
			sum += v
		}
		return sum / float64(len(dxValues))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += dxValues[i]
	}
	adx := sum / float64(period)
	for i := period; i < len(dxValues); i++ {
		adx = (adx*float64(period-1) + dxValues[i]) / float64(period)
	}
	return adx
}

// rateOfChange computes the percentage change of the latest close versus
// the close `period` bars back.
func rateOfChange(closes []float64, period int) float64 {
	n := len(closes)
	if n <= period {
		return math.NaN()
	}
	prev := closes[n-1-period]
	if prev == 0 {
		return math.NaN()
	}
	return (closes[n-1] - prev) / prev * 100
}

// dailyGapPct computes the percentage move of the latest close versus the
// opening print of the calendar day it falls in (UTC), mirroring the
// day-boundary logic dailyVWAP uses.
func dailyGapPct(candles types.Candles) float64 {
	n := len(candles)
	if n == 0 {
		return math.NaN()
	}
	lastDay := candles[n-1].OpenTime.UTC().Truncate(24 * 60 * 60 * 1e9)

	start := n - 1
	for i := n - 1; i >= 0; i-- {
		if !candles[i].OpenTime.UTC().Truncate(24 * 60 * 60 * 1e9).Equal(lastDay) {
			break
		}
		start = i
	}

	open := candles[start].Open
	if open == 0 {
		return math.NaN()
	}
	return (candles[n-1].Close - open) / open * 100
}
