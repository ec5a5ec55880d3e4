package indicator

import (
	"math"
	"testing"
	"time"

	"cryptoengine/pkg/types"
)

func testInstrument() types.Instrument {
	return types.Instrument{Symbol: "BTC", Quote: "KRW"}
}

func buildCandles(closes []float64) types.Candles {
	candles := make(types.Candles, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		candles[i] = types.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c * 1.001,
			Low:      c * 0.999,
			Close:    c,
			Volume:   100,
		}
	}
	return candles
}

func TestCalculateReturnsNaNWithEmptySeries(t *testing.T) {
	t.Parallel()
	snap := Calculate(testInstrument(), nil)
	if !math.IsNaN(snap.RSI14) {
		t.Errorf("RSI14 = %v, want NaN for empty series", snap.RSI14)
	}
}

func TestRSIAllGainsApproaches100(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 30)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price += 1
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if snap.RSI14 < 99 {
		t.Errorf("RSI14 = %v, want close to 100 for monotonically rising closes", snap.RSI14)
	}
}

func TestRSIAllLossesApproaches0(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 30)
	price := 200.0
	for i := range closes {
		closes[i] = price
		price -= 1
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if snap.RSI14 > 1 {
		t.Errorf("RSI14 = %v, want close to 0 for monotonically falling closes", snap.RSI14)
	}
}

func TestRSINotComputableBelowLookback(t *testing.T) {
	t.Parallel()
	closes := []float64{100, 101, 102}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if !math.IsNaN(snap.RSI14) {
		t.Errorf("RSI14 = %v, want NaN with fewer than period+1 candles", snap.RSI14)
	}
}

func TestEMAFastAboveSlowAfterSharpRise(t *testing.T) {
	t.Parallel()
	// A long flat run (keeps both EMAs tied at a single level) followed by a
	// sharp rise, which must pull the fast EMA above the slow EMA.
	closes := make([]float64, 0, 40)
	for i := 0; i < 30; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 10; i++ {
		closes = append(closes, 100+float64(i)*5)
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if snap.EMAFast <= snap.EMASlow {
		t.Errorf("EMAFast (%v) should exceed EMASlow (%v) after sustained uptrend", snap.EMAFast, snap.EMASlow)
	}
}

func TestBollingerBandsOrderedAroundMid(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i%5)
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if !(snap.BollingerLower <= snap.BollingerMid && snap.BollingerMid <= snap.BollingerUpper) {
		t.Errorf("bollinger bands out of order: lower=%v mid=%v upper=%v", snap.BollingerLower, snap.BollingerMid, snap.BollingerUpper)
	}
	if snap.BollingerPctB < -0.5 || snap.BollingerPctB > 1.5 {
		t.Errorf("BollingerPctB = %v, expected roughly within [0,1]", snap.BollingerPctB)
	}
}

func TestVolumeSurgeFlagsAboveMultiplier(t *testing.T) {
	t.Parallel()
	candles := buildCandles(make([]float64, 25))
	for i := range candles {
		candles[i].Close = 100
		candles[i].Open = 100
		candles[i].High = 100
		candles[i].Low = 100
		candles[i].Volume = 100
	}
	candles[len(candles)-1].Volume = 500 // well above 1.5x moving average

	snap := Calculate(testInstrument(), candles)
	if !snap.VolumeSurge {
		t.Error("expected VolumeSurge = true for a 5x volume spike")
	}
}

func TestMACDNotComputableBelowLookback(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if !math.IsNaN(snap.MACDHist) || !math.IsNaN(snap.MACDSignal) {
		t.Errorf("MACD = (%v, %v), want NaN with fewer than slow+signal candles", snap.MACDHist, snap.MACDSignal)
	}
}

func TestMACDPositiveOnSustainedUptrend(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 0, 60)
	for i := 0; i < 60; i++ {
		closes = append(closes, 100+float64(i))
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if math.IsNaN(snap.MACDHist) {
		t.Fatal("expected MACDHist to be computable over 60 rising bars")
	}
	if snap.MACDHist <= 0 {
		t.Errorf("MACDHist = %v, want positive for a sustained uptrend", snap.MACDHist)
	}
}

func TestADXNotComputableBelowLookback(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if !math.IsNaN(snap.ADX) {
		t.Errorf("ADX = %v, want NaN with too few candles", snap.ADX)
	}
}

func TestADXWithinBoundsOnTrendingSeries(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		closes = append(closes, 100+float64(i)*2)
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if math.IsNaN(snap.ADX) {
		t.Fatal("expected ADX to be computable over 40 bars")
	}
	if snap.ADX < 0 || snap.ADX > 100 {
		t.Errorf("ADX = %v, want within [0,100]", snap.ADX)
	}
}

func TestROCPositiveOnRisingSeries(t *testing.T) {
	t.Parallel()
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	snap := Calculate(testInstrument(), buildCandles(closes))
	if math.IsNaN(snap.ROC12) {
		t.Fatal("expected ROC12 to be computable")
	}
	if snap.ROC12 <= 0 {
		t.Errorf("ROC12 = %v, want positive for a rising series", snap.ROC12)
	}
}

func TestVWAPResetsAtDayBoundary(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	candles := types.Candles{
		{OpenTime: base, Open: 1000, High: 1000, Low: 1000, Close: 1000, Volume: 10},
		{OpenTime: base.Add(2 * time.Hour), Open: 10, High: 10, Low: 10, Close: 10, Volume: 10}, // next UTC day
	}
	snap := Calculate(testInstrument(), candles)
	if math.Abs(snap.VWAP-10) > 0.001 {
		t.Errorf("VWAP = %v, want 10 (only the latest day's bar should contribute)", snap.VWAP)
	}
}
