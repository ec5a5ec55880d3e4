// Package allocator implements the Allocator: it turns a set of BUY/STRONG_BUY
// scoring candidates into concrete order sizes, clamping score-proportional
// weights to [min_pct, max_pct] and renormalizing them to sum to 1 (so a
// final weight can land outside that range), applying a reserve ratio and a per-order
// minimum notional, and — per the supplemented portfolio safety gates —
// checking margin usage and available balance before returning any allocation.
package allocator

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"cryptoengine/internal/config"
	"cryptoengine/pkg/types"
)

// Candidate is one scoring result paired with its current market price.
// ATRPct is optional; when AllocatorConfig.VolScaledSizing is set, it scales
// the candidate's notional relative to TargetATRPct so high-volatility
// instruments receive smaller positions for the same score.
type Candidate struct {
	Result       types.ScoringResult
	CurrentPrice decimal.Decimal
	ATRPct       float64
}

// Allocator sizes orders for BUY/STRONG_BUY candidates against available capital.
type Allocator struct {
	cfg config.AllocatorConfig
}

// New builds an Allocator from its sizing configuration.
func New(cfg config.AllocatorConfig) *Allocator {
	return &Allocator{cfg: cfg}
}

// Allocate computes sized Allocations for the given candidates, sorted by
// notional descending. availableCapital is investable cash before the
// reserve ratio is applied. marginInUsePct and availableBalancePct feed the
// supplemented pre-flight gates; when either gate fails, Allocate returns no
// allocations rather than half-sizing the portfolio.
func (a *Allocator) Allocate(candidates []Candidate, availableCapital decimal.Decimal, marginInUsePct, availableBalancePct float64) []types.Allocation {
	if len(candidates) == 0 {
		return nil
	}
	if a.cfg.MaxTotalMarginPct > 0 && marginInUsePct >= a.cfg.MaxTotalMarginPct {
		return nil
	}
	if a.cfg.MinAvailableBalancePct > 0 && availableBalancePct < a.cfg.MinAvailableBalancePct {
		return nil
	}

	buyable := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Result.Signal == types.Buy || c.Result.Signal == types.StrongBuy {
			if !c.CurrentPrice.IsZero() {
				buyable = append(buyable, c)
			}
		}
	}
	if len(buyable) == 0 {
		return nil
	}

	investable := availableCapital.Mul(decimal.NewFromFloat(1 - a.cfg.ReserveRatio))
	minOrder := decimal.NewFromFloat(a.cfg.MinOrderNotional)
	if investable.LessThan(minOrder) {
		return nil
	}

	rawWeights := make(map[string]float64, len(buyable))
	totalRaw := 0.0
	for _, c := range buyable {
		weight := c.Result.Total
		if c.Result.Signal == types.StrongBuy {
			weight *= a.cfg.StrongBuyBoost
		}
		rawWeights[c.Result.Instrument.Key()] = weight
		totalRaw += weight
	}
	if totalRaw <= 0 {
		return nil
	}

	clamped := make(map[string]float64, len(buyable))
	clampedTotal := 0.0
	for key, w := range rawWeights {
		normalized := w / totalRaw
		bounded := math.Max(a.cfg.MinAllocationPct, math.Min(a.cfg.MaxAllocationPct, normalized))
		clamped[key] = bounded
		clampedTotal += bounded
	}
	if clampedTotal > 0 {
		for key := range clamped {
			clamped[key] /= clampedTotal
		}
	}

	type sized struct {
		candidate Candidate
		weight    float64
		notional  decimal.Decimal
	}

	presized := make([]sized, 0, len(buyable))
	notionalTotal := decimal.Zero
	for _, c := range buyable {
		key := c.Result.Instrument.Key()
		weight, ok := clamped[key]
		if !ok {
			continue
		}

		notional := investable.Mul(decimal.NewFromFloat(weight))
		if a.cfg.VolScaledSizing && a.cfg.TargetATRPct > 0 && c.ATRPct > 0 {
			scale := a.cfg.TargetATRPct / c.ATRPct
			scale = math.Max(0.5, math.Min(1.5, scale)) // bounded so one outlier can't zero or double a position
			notional = notional.Mul(decimal.NewFromFloat(scale))
		}
		if a.cfg.MaxPerTickerPct > 0 {
			cap := availableCapital.Mul(decimal.NewFromFloat(a.cfg.MaxPerTickerPct))
			if notional.GreaterThan(cap) {
				notional = cap
			}
		}

		presized = append(presized, sized{candidate: c, weight: weight, notional: notional})
		notionalTotal = notionalTotal.Add(notional)
	}

	// Vol-scaled sizing and the per-ticker cap can each push a candidate's
	// notional above its clamped share of investable; rescale the whole book
	// proportionally so the portfolio-level invariant (total allocated never
	// exceeds investable) holds regardless of per-candidate adjustments.
	if notionalTotal.GreaterThan(investable) && !notionalTotal.IsZero() {
		scaleDown := investable.Div(notionalTotal)
		for i := range presized {
			presized[i].notional = presized[i].notional.Mul(scaleDown)
		}
	}

	allocations := make([]types.Allocation, 0, len(presized))
	discount := decimal.NewFromFloat(1 - a.cfg.LimitDiscountPct)
	for _, s := range presized {
		if s.notional.LessThan(minOrder) {
			continue
		}

		limitPrice := s.candidate.CurrentPrice.Mul(discount)
		if limitPrice.IsZero() {
			continue
		}
		targetQty := s.notional.Div(limitPrice)

		allocations = append(allocations, types.Allocation{
			Instrument:     s.candidate.Result.Instrument,
			Score:          s.candidate.Result.Total,
			Signal:         s.candidate.Result.Signal,
			Weight:         s.weight,
			Notional:       s.notional,
			LimitPrice:     limitPrice,
			TargetQuantity: targetQty,
		})
	}

	sort.Slice(allocations, func(i, j int) bool {
		return allocations[i].Notional.GreaterThan(allocations[j].Notional)
	})
	return allocations
}
