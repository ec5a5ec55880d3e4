package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"cryptoengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func btc() types.Instrument { return types.Instrument{Symbol: "BTC", Quote: "KRW"} }
func eth() types.Instrument { return types.Instrument{Symbol: "ETH", Quote: "KRW"} }

type fakeTracker struct {
	snapshot types.PositionsSnapshot
	evicted  []types.Instrument
	evictErr error
}

func (f *fakeTracker) Snapshot() types.PositionsSnapshot { return f.snapshot }

func (f *fakeTracker) Evict(inst types.Instrument) error {
	if f.evictErr != nil {
		return f.evictErr
	}
	f.evicted = append(f.evicted, inst)
	delete(f.snapshot, inst.Key())
	return nil
}

func (f *fakeTracker) Put(pos types.Position) error {
	f.snapshot[pos.Instrument.Key()] = pos
	return nil
}

type fakeCloser struct {
	closed   []types.Instrument
	closeErr error
}

func (f *fakeCloser) ClosePosition(ctx context.Context, inst types.Instrument, side types.PositionSide, quantity decimal.Decimal) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, inst)
	return nil
}

func TestReconcileEvictsPositionGoneFromExchange(t *testing.T) {
	t.Parallel()
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{
		eth().Key(): {Instrument: eth(), Side: types.LONG, Volume: decimal.NewFromFloat(0.5)},
	}}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	result := r.Reconcile(context.Background(), types.PositionsSnapshot{})

	if len(result.Evicted) != 1 || result.Evicted[0].Key() != eth().Key() {
		t.Fatalf("Evicted = %v, want [ETHKRW]", result.Evicted)
	}
	if len(result.Closed) != 0 {
		t.Fatalf("Closed = %v, want none", result.Closed)
	}
	if len(tracker.snapshot) != 0 {
		t.Errorf("tracker snapshot still holds %d entries after eviction", len(tracker.snapshot))
	}
}

func TestReconcileClosesUnmanagedExchangePosition(t *testing.T) {
	t.Parallel()
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{}}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	exchangePositions := types.PositionsSnapshot{
		btc().Key(): {Instrument: btc(), Side: types.LONG, Volume: decimal.NewFromFloat(0.001)},
	}

	result := r.Reconcile(context.Background(), exchangePositions)

	if len(result.Closed) != 1 || result.Closed[0].Key() != btc().Key() {
		t.Fatalf("Closed = %v, want [BTCKRW]", result.Closed)
	}
	if len(result.Evicted) != 0 {
		t.Fatalf("Evicted = %v, want none", result.Evicted)
	}
	if len(closer.closed) != 1 {
		t.Errorf("closer.closed = %d, want 1", len(closer.closed))
	}
}

func TestReconcileMixedDivergence(t *testing.T) {
	t.Parallel()
	// Tracker holds LONG ETH; exchange reports LONG BTC instead — ETH should
	// be evicted and BTC market-closed in the same pass.
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{
		eth().Key(): {Instrument: eth(), Side: types.LONG, Volume: decimal.NewFromFloat(0.5)},
	}}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	exchangePositions := types.PositionsSnapshot{
		btc().Key(): {Instrument: btc(), Side: types.LONG, Volume: decimal.NewFromFloat(0.001)},
	}

	result := r.Reconcile(context.Background(), exchangePositions)

	if len(result.Evicted) != 1 || len(result.Closed) != 1 {
		t.Fatalf("Evicted=%v Closed=%v, want one of each", result.Evicted, result.Closed)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("Errors = %v, want none", result.Errors)
	}
}

func TestReconcileOppositeSideEvictsAndClosesBoth(t *testing.T) {
	t.Parallel()
	// Tracker believes BTC is LONG; the exchange reports BTC SHORT under the
	// same instrument key. Per spec.md §4.8 this is "opposite side" in both
	// directions: the stale local record is evicted AND the exchange's
	// actual (untracked) exposure is market-closed.
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{
		btc().Key(): {Instrument: btc(), Side: types.LONG, Volume: decimal.NewFromFloat(0.01)},
	}}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	exchangePositions := types.PositionsSnapshot{
		btc().Key(): {Instrument: btc(), Side: types.SHORT, Volume: decimal.NewFromFloat(0.01)},
	}

	result := r.Reconcile(context.Background(), exchangePositions)

	if len(result.Evicted) != 1 || result.Evicted[0].Key() != btc().Key() {
		t.Fatalf("Evicted = %v, want [BTCKRW]", result.Evicted)
	}
	if len(result.Closed) != 1 || result.Closed[0].Key() != btc().Key() {
		t.Fatalf("Closed = %v, want [BTCKRW]", result.Closed)
	}
}

func TestReconcileAgreementProducesNoAction(t *testing.T) {
	t.Parallel()
	pos := types.Position{Instrument: btc(), Side: types.LONG, Volume: decimal.NewFromFloat(0.01)}
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{btc().Key(): pos}}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	result := r.Reconcile(context.Background(), types.PositionsSnapshot{btc().Key(): pos})

	if len(result.Evicted) != 0 || len(result.Closed) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected no-op reconciliation, got %+v", result)
	}
}

func TestReconcileRecordsEvictionError(t *testing.T) {
	t.Parallel()
	tracker := &fakeTracker{
		snapshot: types.PositionsSnapshot{eth().Key(): {Instrument: eth(), Side: types.LONG, Volume: decimal.NewFromFloat(0.5)}},
		evictErr: errors.New("disk full"),
	}
	closer := &fakeCloser{}
	r := New(tracker, closer, testLogger())

	result := r.Reconcile(context.Background(), types.PositionsSnapshot{})

	if len(result.Evicted) != 0 {
		t.Fatalf("Evicted = %v, want none on error", result.Evicted)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1", result.Errors)
	}
}

func TestReconcileRecordsCloseError(t *testing.T) {
	t.Parallel()
	tracker := &fakeTracker{snapshot: types.PositionsSnapshot{}}
	closer := &fakeCloser{closeErr: errors.New("exchange unreachable")}
	r := New(tracker, closer, testLogger())

	exchangePositions := types.PositionsSnapshot{
		btc().Key(): {Instrument: btc(), Side: types.LONG, Volume: decimal.NewFromFloat(0.001)},
	}

	result := r.Reconcile(context.Background(), exchangePositions)

	if len(result.Closed) != 0 {
		t.Fatalf("Closed = %v, want none on error", result.Closed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1", result.Errors)
	}
}
