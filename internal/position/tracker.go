// Package position implements the Position Tracker: the single authoritative
// writer of open-position state. Every fill, risk-driven partial close, and
// reconciler correction flows through this one mutex-protected map, so
// every other component reads a consistent snapshot instead of racing a
// writer.
package position

import (
	"sync"

	"github.com/shopspring/decimal"

	"cryptoengine/internal/store"
	"cryptoengine/pkg/types"
)

// Tracker holds the engine's authoritative view of every open position.
// Safe for concurrent use; every mutation except UpdatePeak persists to disk
// before returning (a peak change is written with the next persisted one).
type Tracker struct {
	store *store.Store

	mu        sync.RWMutex
	positions types.PositionsSnapshot
}

// New builds a Tracker, loading any previously persisted positions.
func New(s *store.Store) (*Tracker, error) {
	loaded, err := s.LoadPositions()
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		loaded = types.PositionsSnapshot{}
	}
	return &Tracker{store: s, positions: loaded}, nil
}

// Get returns a copy of the position for inst, and whether one is open.
func (t *Tracker) Get(inst types.Instrument) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[inst.Key()]
	return pos, ok
}

// Snapshot returns a copy of every open position, safe for the caller to
// range over without holding the Tracker's lock.
func (t *Tracker) Snapshot() types.PositionsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(types.PositionsSnapshot, len(t.positions))
	for k, v := range t.positions {
		out[k] = v
	}
	return out
}

// ApplyFill folds one Fill into the tracked position: opens a new position
// on an entry fill with no existing position, averages the entry price on
// an add-to-entry fill, and reduces volume on an exit fill, evicting the
// position once its volume reaches zero.
func (t *Tracker) ApplyFill(fill types.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := fill.Instrument.Key()
	existing, hasPosition := t.positions[key]

	isEntry := (fill.Side == types.BUY && fill.PositionSide != types.SHORT) ||
		(fill.Side == types.SELL && fill.PositionSide == types.SHORT)

	switch {
	case !hasPosition && isEntry:
		t.positions[key] = types.Position{
			Instrument:      fill.Instrument,
			Side:            fill.PositionSide,
			Volume:          fill.Quantity,
			AvgEntryPrice:   fill.Price,
			InitialQuantity: fill.Quantity,
			OpenedAt:        fill.Timestamp,
			PeakPrice:       fill.Price,
		}
	case hasPosition && isEntry:
		totalVolume := existing.Volume.Add(fill.Quantity)
		weightedCost := existing.AvgEntryPrice.Mul(existing.Volume).Add(fill.Price.Mul(fill.Quantity))
		if !totalVolume.IsZero() {
			existing.AvgEntryPrice = weightedCost.Div(totalVolume)
		}
		existing.Volume = totalVolume
		existing.InitialQuantity = existing.InitialQuantity.Add(fill.Quantity)
		t.positions[key] = existing
	case hasPosition && !isEntry:
		existing.Volume = existing.Volume.Sub(fill.Quantity)
		if existing.Volume.IsNegative() {
			existing.Volume = decimal.Zero
		}
		if existing.Volume.IsZero() {
			delete(t.positions, key)
		} else {
			t.positions[key] = existing
		}
	default:
		// Exit fill with no tracked position: nothing to reduce. The
		// Reconciler is responsible for surfacing this as a divergence.
		return nil
	}

	return t.persistLocked()
}

// UpdatePeak sets a position's high/low-water mark, used by the Risk Engine
// before each evaluation so the trailing stop has a peak to measure from.
func (t *Tracker) UpdatePeak(inst types.Instrument, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[inst.Key()]
	if !ok {
		return
	}
	if pos.Side == types.SHORT {
		if pos.PeakPrice.IsZero() || price.LessThan(pos.PeakPrice) {
			pos.PeakPrice = price
		}
	} else if pos.PeakPrice.IsZero() || price.GreaterThan(pos.PeakPrice) {
		pos.PeakPrice = price
	}
	t.positions[inst.Key()] = pos
}

// AdvanceTPStage records that a take-profit tier fired, arming the next
// tier and the trailing stop.
func (t *Tracker) AdvanceTPStage(inst types.Instrument, stage int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[inst.Key()]
	if !ok {
		return nil
	}
	if stage > pos.TPStage {
		pos.TPStage = stage
	}
	pos.TrailingActive = pos.TPStage >= 1
	t.positions[inst.Key()] = pos
	return t.persistLocked()
}

// Evict forcibly removes a position (used by the Reconciler when the
// exchange no longer reports it).
func (t *Tracker) Evict(inst types.Instrument) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, inst.Key())
	return t.persistLocked()
}

// Put installs or overwrites a position wholesale. The Reconciler never
// calls this for exchange-reported positions it doesn't manage — per the
// reconciliation protocol it market-closes those instead of adopting them
// (spec.md §4.8) — this exists for callers that restore a known-good
// position record outside the normal fill path (e.g. manual correction).
func (t *Tracker) Put(pos types.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[pos.Instrument.Key()] = pos
	return t.persistLocked()
}

func (t *Tracker) persistLocked() error {
	return t.store.SavePositions(t.positions)
}
