// Package reconcile implements the Reconciler: it diffs the Position
// Tracker's view against the exchange's (or the simulated wallet's)
// authoritative state and heals divergence — evicting positions the
// exchange no longer reports, and closing out positions the exchange
// reports but the tracker never opened.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"cryptoengine/internal/errs"
	"cryptoengine/pkg/types"
)

// positionTracker is the subset of *position.Tracker the Reconciler needs.
// Notably absent: any method that would let the Reconciler adopt an
// exchange-reported position it didn't already track — per the protocol
// in spec.md §4.8, unmanaged positions are market-closed, never adopted.
type positionTracker interface {
	Snapshot() types.PositionsSnapshot
	Evict(inst types.Instrument) error
}

// orderCloser closes an exchange-reported position the tracker doesn't
// manage, so it stops accruing risk outside the engine's control.
type orderCloser interface {
	ClosePosition(ctx context.Context, inst types.Instrument, side types.PositionSide, quantity decimal.Decimal) error
}

// Reconciler diffs tracked vs. exchange-reported positions once per cycle.
type Reconciler struct {
	tracker positionTracker
	closer  orderCloser
	logger  *slog.Logger
}

// New builds a Reconciler over a Position Tracker and an order closer.
func New(tracker positionTracker, closer orderCloser, logger *slog.Logger) *Reconciler {
	return &Reconciler{tracker: tracker, closer: closer, logger: logger.With("component", "reconcile")}
}

// Result summarizes one reconciliation pass.
type Result struct {
	Evicted []types.Instrument // tracked, but the exchange no longer reports them
	Closed  []types.Instrument // exchange-reported, unmanaged by the tracker — market-closed
	Errors  []error
}

// Reconcile compares the tracker's positions against exchangePositions (the
// exchange's or simulated wallet's authoritative view) and heals divergence.
func (r *Reconciler) Reconcile(ctx context.Context, exchangePositions types.PositionsSnapshot) Result {
	var result Result

	tracked := r.tracker.Snapshot()

	for key, pos := range tracked {
		exch, stillOpen := exchangePositions[key]
		if stillOpen && exch.Side == pos.Side {
			continue
		}
		r.logger.Warn("position tracked locally but absent or opposite-side on exchange, evicting",
			"instrument", key, "tracked_side", pos.Side)
		if err := r.tracker.Evict(pos.Instrument); err != nil {
			result.Errors = append(result.Errors, errs.NewStateInconsistency(key, "failed to evict: "+err.Error()))
			continue
		}
		result.Evicted = append(result.Evicted, pos.Instrument)
	}

	for key, pos := range exchangePositions {
		local, managed := tracked[key]
		if managed && local.Side == pos.Side {
			continue
		}
		r.logger.Warn("position reported by exchange but unmanaged or opposite-side in tracker, closing", "instrument", key)
		if err := r.closer.ClosePosition(ctx, pos.Instrument, pos.Side, pos.Volume); err != nil {
			result.Errors = append(result.Errors, errs.NewStateInconsistency(key, "failed to close unmanaged position: "+err.Error()))
			continue
		}
		result.Closed = append(result.Closed, pos.Instrument)
	}

	return result
}
