package executor

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"cryptoengine/internal/config"
	"cryptoengine/internal/store"
	"cryptoengine/pkg/types"
)

func testInstrument() types.Instrument {
	return types.Instrument{Symbol: "BTC", Quote: "KRW", MinNotional: decimal.NewFromInt(5000)}
}

func newSimulatedExecutor(t *testing.T, cash decimal.Decimal) *Executor {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	e, err := New(config.InstrumentsConfig{}, types.ModeSimulated, nil, s, cash, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestOpenLongRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	e := newSimulatedExecutor(t, decimal.NewFromInt(1_000_000))
	_, err := e.OpenLong(context.Background(), testInstrument(), decimal.NewFromInt(100), decimal.NewFromInt(100), types.MethodLimit, "test", 80)
	if err == nil {
		t.Fatal("expected InvalidOrder for notional below minimum")
	}
}

func TestOpenLongRejectsLimitWithoutPrice(t *testing.T) {
	t.Parallel()
	e := newSimulatedExecutor(t, decimal.NewFromInt(1_000_000))
	_, err := e.OpenLong(context.Background(), testInstrument(), decimal.NewFromInt(10_000), decimal.Zero, types.MethodLimit, "test", 80)
	if err == nil {
		t.Fatal("expected InvalidOrder for LIMIT without a price")
	}
}

func TestOpenShortRejectsSpotInstrument(t *testing.T) {
	t.Parallel()
	e := newSimulatedExecutor(t, decimal.NewFromInt(1_000_000))
	_, err := e.OpenShort(context.Background(), testInstrument(), decimal.NewFromInt(10_000), decimal.NewFromInt(100), types.MethodLimit, "test", 80)
	if err == nil {
		t.Fatal("expected InvalidOrder for SHORT on a spot instrument")
	}
}

func TestSimulatedOpenDeductsOnlyFeeFromCash(t *testing.T) {
	t.Parallel()
	startingCash := decimal.NewFromInt(1_000_000)
	e := newSimulatedExecutor(t, startingCash)

	inst := testInstrument()
	fill, err := e.OpenLong(context.Background(), inst, decimal.NewFromInt(100_000), decimal.NewFromInt(100), types.MethodLimit, "allocator", 80)
	if err != nil {
		t.Fatalf("OpenLong: %v", err)
	}

	wantFee := decimal.NewFromInt(100_000).Mul(decimal.NewFromFloat(feeRate))
	if !fill.Fee.Equal(wantFee) {
		t.Errorf("Fee = %v, want %v", fill.Fee, wantFee)
	}
	if got := e.AvailableCash(); !got.Equal(startingCash.Sub(wantFee)) {
		t.Errorf("AvailableCash() = %v, want %v", got, startingCash.Sub(wantFee))
	}
}

func TestOpenCloseRoundTripReturnsCashWithinFees(t *testing.T) {
	t.Parallel()
	startingCash := decimal.NewFromInt(1_000_000)
	e := newSimulatedExecutor(t, startingCash)
	inst := testInstrument()

	price := decimal.NewFromInt(100)
	openFill, err := e.OpenLong(context.Background(), inst, decimal.NewFromInt(100_000), price, types.MethodLimit, "allocator", 80)
	if err != nil {
		t.Fatalf("OpenLong: %v", err)
	}

	closeFill, err := e.Close(context.Background(), inst, openFill.Quantity, types.LONG, price, "risk")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.AddRealizedPnL(decimal.Zero); err != nil {
		t.Fatalf("AddRealizedPnL: %v", err)
	}

	totalFees := openFill.Fee.Add(closeFill.Fee)
	got := e.AvailableCash()
	want := startingCash.Sub(totalFees)
	if !got.Equal(want) {
		t.Errorf("AvailableCash() after round trip = %v, want %v (fees=%v)", got, want, totalFees)
	}
}

func TestInsufficientCashRejectsOpen(t *testing.T) {
	t.Parallel()
	e := newSimulatedExecutor(t, decimal.NewFromInt(1))
	_, err := e.OpenLong(context.Background(), testInstrument(), decimal.NewFromInt(100_000), decimal.NewFromInt(100), types.MethodLimit, "allocator", 80)
	if err == nil {
		t.Fatal("expected InsufficientFunds")
	}
}

func TestWalletSnapshotSurvivesRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	e, err := New(config.InstrumentsConfig{}, types.ModeSimulated, nil, s, decimal.NewFromInt(1_000_000), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inst := testInstrument()
	if _, err := e.OpenLong(context.Background(), inst, decimal.NewFromInt(100_000), decimal.NewFromInt(100), types.MethodLimit, "allocator", 80); err != nil {
		t.Fatalf("OpenLong: %v", err)
	}
	wantCash := e.AvailableCash()

	s2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open (restart): %v", err)
	}
	e2, err := New(config.InstrumentsConfig{}, types.ModeSimulated, nil, s2, decimal.NewFromInt(999), discardLogger())
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if got := e2.AvailableCash(); !got.Equal(wantCash) {
		t.Errorf("AvailableCash() after restart = %v, want %v", got, wantCash)
	}
}
