// Package scoring implements the Scoring Engine: five independent factor
// functions (technical, momentum, volatility, volume, sentiment) each
// starting at a neutral 50 and accumulating bounded signed contributions,
// combined into a weighted composite with a categorical signal and a
// deterministic confidence/rationale.
package scoring

import (
	"fmt"
	"math"
	"time"

	"cryptoengine/internal/config"
	"cryptoengine/internal/errs"
	"cryptoengine/pkg/types"
)

// Engine computes ScoringResults from indicator/volatility/sentiment input.
type Engine struct {
	cfg config.ScoringConfig
}

// New builds a Scoring Engine from its weights and signal thresholds.
func New(cfg config.ScoringConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Score computes the ScoringResult for one instrument. Volatility and
// sentiment are optional; a nil value degrades that factor to a neutral 50
// rather than failing the whole call. A nil indicator snapshot is fatal —
// the caller has nothing to score against.
func (e *Engine) Score(inst types.Instrument, ind *types.IndicatorSnapshot, vol *types.VolatilityProfile, sent *types.SentimentSnapshot) (types.ScoringResult, error) {
	if ind == nil {
		return types.ScoringResult{}, errs.NewMissingInputs(inst.Key(), "indicator snapshot")
	}

	technical, technicalDetail := scoreTechnical(*ind)
	momentum, momentumDetail := scoreMomentum(*ind)
	volatility, volatilityDetail := scoreVolatility(vol)
	volume, volumeDetail := scoreVolume(*ind)
	sentiment, sentimentDetail := scoreSentiment(sent)

	w := e.cfg
	total := clamp(
		w.WeightTechnical*technical+
			w.WeightMomentum*momentum+
			w.WeightVolatility*volatility+
			w.WeightVolume*volume+
			w.WeightSentiment*sentiment,
		0, 100,
	)

	signal := classifySignal(total, w)
	confidence := e.computeConfidence(total, []float64{technical, momentum, volatility, volume, sentiment}, w)

	result := types.ScoringResult{
		Instrument:      inst,
		TechnicalScore:  technical,
		MomentumScore:   momentum,
		VolatilityScore: volatility,
		VolumeScore:     volume,
		SentimentScore:  sentiment,
		Total:           total,
		Signal:          signal,
		Confidence:      confidence,
		FactorDetail: map[string][]types.FactorDetail{
			"technical":  technicalDetail,
			"momentum":   momentumDetail,
			"volatility": volatilityDetail,
			"volume":     volumeDetail,
			"sentiment":  sentimentDetail,
		},
		ScoredAt: time.Now(),
	}
	result.Rationale = rationale(result)
	return result, nil
}

func classifySignal(total float64, w config.ScoringConfig) types.Signal {
	switch {
	case total >= w.StrongBuyThreshold:
		return types.StrongBuy
	case total >= w.BuyThreshold:
		return types.Buy
	case total <= w.SellThreshold:
		return types.Sell
	default:
		return types.Hold
	}
}

// computeConfidence blends distance-from-neutral, cross-factor consistency,
// and an agreement bonus: distance = 40 + 1.2*|total-50|; consistency =
// 100 - 2.5*stdev(subs); agreement_bonus = 5*max(#subs>=60, #subs<=40).
// Final = 0.4*distance + 0.4*consistency + 0.2*agreement_bonus.
func (e *Engine) computeConfidence(total float64, factors []float64, w config.ScoringConfig) float64 {
	distance := 40 + 1.2*math.Abs(total-50)

	mean := 0.0
	for _, f := range factors {
		mean += f
	}
	mean /= float64(len(factors))
	variance := 0.0
	for _, f := range factors {
		d := f - mean
		variance += d * d
	}
	variance /= float64(len(factors))
	stdDev := math.Sqrt(variance)
	consistency := clamp(100-2.5*stdDev, 0, 100)

	buyAgreement, sellAgreement := 0, 0
	for _, f := range factors {
		if f >= 60 {
			buyAgreement++
		}
		if f <= 40 {
			sellAgreement++
		}
	}
	agreement := buyAgreement
	if sellAgreement > agreement {
		agreement = sellAgreement
	}
	agreementBonus := float64(agreement) * 5

	return clamp(0.4*distance+0.4*consistency+0.2*agreementBonus, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return (lo + hi) / 2
	}
	return math.Max(lo, math.Min(hi, v))
}

// ————————————————————————————————————————————————————————————————————————
// Factor functions
// ————————————————————————————————————————————————————————————————————————

// scoreTechnical implements the contribution table of spec.md §4.3 exactly:
// RSI(14), MACD histogram/signal, Bollinger %B, SMA 5/20/60 array, EMA
// fast/slow spread, and ADX. The RSI tiers at 30 and 85 are
// boundary-inclusive so a value landing exactly on the threshold still
// earns the tier's contribution; the Bollinger %B tiers are strict
// (below 0.1, above 0.9).
func scoreTechnical(ind types.IndicatorSnapshot) (float64, []types.FactorDetail) {
	score := 50.0
	var details []types.FactorDetail

	if !math.IsNaN(ind.RSI14) {
		rsi := ind.RSI14
		var c float64
		switch {
		case rsi < 20:
			c = 30
		case rsi <= 30:
			c = 20
		case rsi < 40:
			c = 10
		case rsi >= 85:
			c = -30
		case rsi > 75:
			c = -20
		case rsi > 65:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "RSI(14)", Raw: rsi, Contribution: c})
	}

	if !math.IsNaN(ind.MACDHist) && !math.IsNaN(ind.MACDSignal) {
		hist, sig := ind.MACDHist, ind.MACDSignal
		var c float64
		switch {
		case hist > 0 && sig < 0:
			c = 15
		case hist > 0:
			c = 8
		case hist < 0 && sig > 0:
			c = -12
		case hist < 0:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "MACD histogram", Raw: hist, Contribution: c})
	}

	if !math.IsNaN(ind.BollingerPctB) {
		pctB := ind.BollingerPctB
		var c float64
		switch {
		case pctB < 0.1:
			c = 20
		case pctB < 0.25:
			c = 12
		case pctB > 0.9:
			c = -15
		case pctB > 0.75:
			c = -8
		}
		score += c
		details = append(details, types.FactorDetail{Name: "Bollinger %B", Raw: pctB, Contribution: c})
	}

	if !math.IsNaN(ind.SMA5) && !math.IsNaN(ind.SMA20) && !math.IsNaN(ind.SMA60) &&
		ind.SMA5 > 0 && ind.SMA20 > 0 && ind.SMA60 > 0 {
		var c float64
		switch {
		case ind.SMA5 > ind.SMA20 && ind.SMA20 > ind.SMA60:
			c = 12
		case ind.SMA5 > ind.SMA20:
			c = 5
		case ind.SMA5 < ind.SMA20 && ind.SMA20 < ind.SMA60:
			c = -12
		case ind.SMA5 < ind.SMA20:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "SMA 5/20/60", Raw: ind.SMA5 - ind.SMA60, Contribution: c})
	}

	if !math.IsNaN(ind.EMAFast) && !math.IsNaN(ind.EMASlow) && ind.EMASlow != 0 {
		diffPct := (ind.EMAFast - ind.EMASlow) / ind.EMASlow * 100
		var c float64
		switch {
		case diffPct > 1:
			c = 5
		case diffPct < -1:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "EMA fast/slow", Raw: diffPct, Contribution: c})
	}

	if !math.IsNaN(ind.ADX) {
		var c float64
		switch {
		case ind.ADX > 40:
			c = 5
		case ind.ADX < 15:
			c = -3
		}
		score += c
		details = append(details, types.FactorDetail{Name: "ADX", Raw: ind.ADX, Contribution: c})
	}

	return clamp(score, 0, 100), details
}

// scoreMomentum follows the same bounded-contribution pattern over the
// instrument's rate of change and its gap against the day's opening print.
func scoreMomentum(ind types.IndicatorSnapshot) (float64, []types.FactorDetail) {
	score := 50.0
	var details []types.FactorDetail

	if !math.IsNaN(ind.GapPct) {
		gap := ind.GapPct
		var c float64
		switch {
		case gap <= -10:
			c = -15
		case gap <= -5:
			c = 5
		case gap <= -3:
			c = 15
		case gap <= -0.5:
			c = 20
		case gap > 5:
			c = -10
		case gap > 2:
			c = -3
		case gap > 0:
			c = 5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "daily gap", Raw: gap, Contribution: c})
	}

	if !math.IsNaN(ind.ROC12) {
		roc := ind.ROC12
		var c float64
		switch {
		case roc < -5:
			c = 10
		case roc > 10:
			c = -5
		case roc > 0 && roc <= 5:
			c = 5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "ROC(12)", Raw: roc, Contribution: c})
	}

	return clamp(score, 0, 100), details
}

// scoreVolatility favors a MEDIUM regime — the environment most amenable to
// automated trading — over LOW (no opportunity) or HIGH/EXTREME (too risky).
func scoreVolatility(vol *types.VolatilityProfile) (float64, []types.FactorDetail) {
	if vol == nil {
		return 50.0, nil
	}

	score := 50.0
	var details []types.FactorDetail

	var regimeC float64
	switch vol.Regime {
	case types.VolLow:
		regimeC = -10
	case types.VolMedium:
		regimeC = 25
	case types.VolHigh:
		regimeC = 5
	case types.VolExtreme:
		regimeC = -20
	}
	score += regimeC
	details = append(details, types.FactorDetail{Name: "volatility regime", Raw: 0, Contribution: regimeC})

	if vol.ATRPct > 0 {
		var c float64
		switch {
		case vol.ATRPct >= 0.01 && vol.ATRPct <= 0.03:
			c = 10
		case vol.ATRPct > 0.05:
			c = -10
		case vol.ATRPct < 0.005:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "ATR %", Raw: vol.ATRPct, Contribution: c})
	}

	if vol.BollingerWidth > 0 {
		var c float64
		switch {
		case vol.BollingerWidth > 0.02 && vol.BollingerWidth < 0.06:
			c = 5
		case vol.BollingerWidth >= 0.10:
			c = -5
		case vol.BollingerWidth <= 0.01:
			c = -3
		}
		score += c
		details = append(details, types.FactorDetail{Name: "Bollinger width", Raw: vol.BollingerWidth, Contribution: c})
	}

	return clamp(score, 0, 100), details
}

func scoreVolume(ind types.IndicatorSnapshot) (float64, []types.FactorDetail) {
	score := 50.0
	var details []types.FactorDetail

	if !math.IsNaN(ind.VolumeRatio) {
		r := ind.VolumeRatio
		var c float64
		switch {
		case r > 5:
			c = 30
		case r > 3:
			c = 22
		case r > 2:
			c = 15
		case r > 1.5:
			c = 10
		case r > 1:
			c = 3
		case r < 0.3:
			c = -20
		case r < 0.5:
			c = -12
		case r < 0.7:
			c = -5
		}
		score += c
		details = append(details, types.FactorDetail{Name: "volume ratio", Raw: r, Contribution: c})
	}

	switch ind.OBVTrend {
	case types.OBVRising:
		score += 10
		details = append(details, types.FactorDetail{Name: "OBV trend", Raw: 1, Contribution: 10})
	case types.OBVFalling:
		score -= 10
		details = append(details, types.FactorDetail{Name: "OBV trend", Raw: -1, Contribution: -10})
	}

	return clamp(score, 0, 100), details
}

// scoreSentiment is contrarian: extreme fear earns a bullish contribution,
// extreme greed a bearish one.
func scoreSentiment(sent *types.SentimentSnapshot) (float64, []types.FactorDetail) {
	if sent == nil {
		return 50.0, nil
	}

	score := 50.0
	var details []types.FactorDetail

	fg := sent.FearGreedIndex
	var fgC float64
	switch {
	case fg < 15:
		fgC = 30
	case fg < 25:
		fgC = 20
	case fg < 35:
		fgC = 10
	case fg > 85:
		fgC = -25
	case fg > 75:
		fgC = -15
	case fg > 65:
		fgC = -8
	}
	score += fgC
	details = append(details, types.FactorDetail{Name: "fear/greed index", Raw: fg, Contribution: fgC})

	news := sent.NewsSentiment
	var newsC float64
	switch {
	case news > 0.5:
		newsC = 8
	case news > 0.2:
		newsC = 4
	case news < -0.5:
		newsC = -8
	case news < -0.2:
		newsC = -4
	}
	score += newsC
	details = append(details, types.FactorDetail{Name: "news sentiment", Raw: news, Contribution: newsC})

	social := sent.SocialVolumeChange
	var socialC float64
	switch {
	case social > 100:
		socialC = 5
	case social < -50:
		socialC = -3
	}
	score += socialC
	details = append(details, types.FactorDetail{Name: "social volume change", Raw: social, Contribution: socialC})

	return clamp(score, 0, 100), details
}

// rationale builds a short deterministic explanation of the composite
// score from the same factor values the caller already has — no randomness,
// no LLM call, just a templated summary of what moved the number.
func rationale(r types.ScoringResult) string {
	return fmt.Sprintf(
		"%s: total=%.1f (technical=%.1f momentum=%.1f volatility=%.1f volume=%.1f sentiment=%.1f) -> %s, confidence=%.0f",
		r.Instrument.Key(), r.Total, r.TechnicalScore, r.MomentumScore, r.VolatilityScore, r.VolumeScore, r.SentimentScore, r.Signal, r.Confidence,
	)
}
