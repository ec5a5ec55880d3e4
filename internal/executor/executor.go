// Package executor implements the Order Executor: it turns order intents
// into exchange actions, tracks the resulting order lifecycle, and emits
// canonical Fill records. It owns the live<->simulated mode switch — every
// other component calls the same Open/Close/GetBalances/CancelAll contract
// regardless of which path is live underneath.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptoengine/internal/config"
	"cryptoengine/internal/errs"
	"cryptoengine/internal/store"
	"cryptoengine/pkg/types"
)

// exchangeClient is the subset of *exchange.Client the live path needs,
// kept as an interface so tests can substitute a fake.
type exchangeClient interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.ExecutedOrder, error)
	GetAccounts(ctx context.Context) (types.BalancesSnapshot, error)
	CancelAll(ctx context.Context, inst *types.Instrument) error
}

// PlaceOrderRequest is the logical shape of a private order placement,
// mirrored from exchange.OrderRequest so the executor package does not
// import internal/exchange directly.
type PlaceOrderRequest struct {
	Market       string
	Side         string
	OrdType      string
	Price        string
	Volume       string
	PositionSide string
}

// feeRate is the flat taker fee applied in simulated mode; live fees come
// from the exchange's reported fill.
const feeRate = 0.0005

// Executor is the Order Executor. Exposes identical Open/Close/Balances
// contracts whether its mode is simulated or live.
type Executor struct {
	cfg    config.InstrumentsConfig
	mode   types.Mode
	client exchangeClient
	store  *store.Store
	logger *slog.Logger

	mu             sync.Mutex
	cash           decimal.Decimal
	holdings       map[string]decimal.Decimal // instrument key -> quantity
	tradeCounter   int64
	initialCapital decimal.Decimal
}

// New builds an Executor. For ModeSimulated, startingCash seeds the paper
// wallet the first time (subsequent runs rehydrate from the store's
// snapshot). For ModeLive, client must be non-nil.
func New(cfg config.InstrumentsConfig, mode types.Mode, client exchangeClient, s *store.Store, startingCash decimal.Decimal, logger *slog.Logger) (*Executor, error) {
	e := &Executor{
		cfg:    cfg,
		mode:   mode,
		client: client,
		store:  s,
		logger: logger.With("component", "executor", "mode", string(mode)),
	}

	if mode == types.ModeSimulated {
		wallet, err := s.LoadWallet()
		if err != nil {
			return nil, err
		}
		if wallet != nil {
			e.cash = wallet.Cash
			e.holdings = wallet.Holdings
		} else {
			e.cash = startingCash
			e.holdings = make(map[string]decimal.Decimal)
			if err := e.persistWalletLocked(); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// SyncInitialCapital reads the live exchange's KRW/USDT balance and records
// it as the engine's baseline equity: the executor must do this
// before the first allocation cycle after LIVE mode is entered.
func (e *Executor) SyncInitialCapital(ctx context.Context, quoteCurrency string) error {
	if e.mode != types.ModeLive {
		return nil
	}
	balances, err := e.client.GetAccounts(ctx)
	if err != nil {
		return err
	}
	bal, ok := balances[quoteCurrency]
	if !ok {
		return errs.NewUpstreamRejected("sync_initial_capital", 0, fmt.Sprintf("no %s balance reported", quoteCurrency))
	}
	e.mu.Lock()
	e.initialCapital = bal.Total
	e.mu.Unlock()
	return nil
}

// InitialCapital returns the baseline equity recorded at live-mode startup.
// The Risk Engine's daily-loss circuit breaker uses this as its portfolio
// denominator in live mode, since AvailableCash reads zero there.
func (e *Executor) InitialCapital() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialCapital
}

// Mode reports whether this Executor is simulated or live.
func (e *Executor) Mode() types.Mode { return e.mode }

// OpenLong opens or adds to a LONG position for notional quote-currency
// value at the given reference price (used to derive quantity). method
// selects market vs. limit routing on the live path.
func (e *Executor) OpenLong(ctx context.Context, inst types.Instrument, notional decimal.Decimal, limitPrice decimal.Decimal, method types.OrderMethod, reason string, scoreAtDecision float64) (types.Fill, error) {
	if err := e.validateOpen(inst, notional, limitPrice, method, false); err != nil {
		return types.Fill{}, err
	}
	if e.mode == types.ModeLive {
		return e.openLiveLong(ctx, inst, notional, limitPrice, method, reason, scoreAtDecision)
	}
	return e.openSimulatedLong(inst, notional, limitPrice, types.LONG, reason, scoreAtDecision)
}

// OpenShort opens or adds to a SHORT position. Only valid for derivative
// instruments — rejected with InvalidOrder on a spot instrument.
func (e *Executor) OpenShort(ctx context.Context, inst types.Instrument, notional decimal.Decimal, limitPrice decimal.Decimal, method types.OrderMethod, reason string, scoreAtDecision float64) (types.Fill, error) {
	if !inst.IsDerivative() {
		return types.Fill{}, errs.NewInvalidOrder("SHORT is not permitted on a spot instrument: " + inst.Key())
	}
	if err := e.validateOpen(inst, notional, limitPrice, method, true); err != nil {
		return types.Fill{}, err
	}
	if e.mode == types.ModeLive {
		return e.openLiveShort(ctx, inst, notional, limitPrice, method, reason, scoreAtDecision)
	}
	return e.openSimulatedLong(inst, notional, limitPrice, types.SHORT, reason, scoreAtDecision)
}

// Close submits an exit for quantity of an open position at markPrice,
// returning the realized Fill. Callers compute realized PnL from the Fill
// and feed it back via AddRealizedPnL (simulated mode) — the Executor never
// infers PnL on its own since it doesn't track the originating position's
// cost basis.
func (e *Executor) Close(ctx context.Context, inst types.Instrument, quantity decimal.Decimal, side types.PositionSide, markPrice decimal.Decimal, reason string) (types.Fill, error) {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return types.Fill{}, errs.NewInvalidOrder("close quantity must be > 0")
	}
	if e.mode == types.ModeLive {
		return e.closeLive(ctx, inst, quantity, side, reason)
	}
	return e.closeSimulated(inst, quantity, side, markPrice, reason)
}

// ClosePosition adapts Close to the reconciler's orderCloser contract: a
// market-close for the reported quantity, with no PnL bookkeeping (the
// reconciler closes positions the tracker never opened, so there is no
// local cost basis to realize against). The simulated path has no live
// ticker to mark against here, so it closes at holdingValuePerUnit (the
// instrument's min notional per unit) — acceptable for this safety-net
// path, which exists to stop an unmanaged exposure rather than to account
// for it precisely.
func (e *Executor) ClosePosition(ctx context.Context, inst types.Instrument, side types.PositionSide, quantity decimal.Decimal) error {
	mark := e.holdingValuePerUnit(inst)
	_, err := e.Close(ctx, inst, quantity, side, mark, "reconciler: unmanaged position")
	return err
}

// GetBalances returns the current balances: the live exchange's account
// snapshot, or the simulated cash under "cash" plus each holding's quantity
// keyed by instrument key (quantities, not values: callers mark holdings to
// market themselves using live ticker prices).
func (e *Executor) GetBalances(ctx context.Context) (types.BalancesSnapshot, error) {
	if e.mode == types.ModeLive {
		return e.client.GetAccounts(ctx)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := types.BalancesSnapshot{
		"cash": {Free: e.cash, Used: decimal.Zero, Total: e.cash},
	}
	for base, qty := range e.holdings {
		out[base] = types.Balance{Free: qty, Used: decimal.Zero, Total: qty}
	}
	return out, nil
}

// AvailableCash returns the simulated cash balance (zero in live mode,
// where available capital is read via GetBalances instead).
func (e *Executor) AvailableCash() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash
}

// AddRealizedPnL credits delta (positive or negative) to the simulated
// cash balance. Entries deduct only the fee and exits
// deduct only the fee; realized PnL is applied separately by the caller
// once it has computed the position's cost basis.
func (e *Executor) AddRealizedPnL(delta decimal.Decimal) error {
	if e.mode == types.ModeLive {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cash = e.cash.Add(delta)
	return e.persistWalletLocked()
}

// CancelAll cancels every open order, optionally scoped to one instrument.
// No-op in simulated mode, since simulated fills are immediate.
func (e *Executor) CancelAll(ctx context.Context, inst *types.Instrument) error {
	if e.mode != types.ModeLive {
		return nil
	}
	return e.client.CancelAll(ctx, inst)
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) validateOpen(inst types.Instrument, notional, limitPrice decimal.Decimal, method types.OrderMethod, isShort bool) error {
	minNotional := inst.MinNotional
	if notional.LessThan(minNotional) {
		return errs.NewInvalidOrder(fmt.Sprintf("notional %s below minimum %s for %s", notional, minNotional, inst.Key()))
	}
	if method == types.MethodLimit && limitPrice.LessThanOrEqual(decimal.Zero) {
		return errs.NewInvalidOrder("LIMIT order requires a positive limit price")
	}
	if isShort && !inst.IsDerivative() {
		return errs.NewInvalidOrder("SHORT is not permitted on a spot instrument: " + inst.Key())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Simulated path — maintains a process-scoped cash balance and holdings
// map. Entry deducts only the fee (notional is "invested", not spent from
// cash, per the recorded accounting contract); exit deducts the
// fee and reduces holdings; realized PnL is applied separately via
// AddRealizedPnL by the caller. Every mutation persists to the snapshot
// file before returning so a restart recovers the exact balance.
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) openSimulatedLong(inst types.Instrument, notional, limitPrice decimal.Decimal, posSide types.PositionSide, reason string, scoreAtDecision float64) (types.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fee := notional.Mul(decimal.NewFromFloat(feeRate))
	if e.cash.LessThan(fee) {
		return types.Fill{}, errs.NewInsufficientFunds(inst.Key(), fee.String(), e.cash.String())
	}

	price := limitPrice
	if price.LessThanOrEqual(decimal.Zero) {
		return types.Fill{}, errs.NewInvalidOrder("simulated open requires a positive reference price")
	}
	quantity := notional.Div(price)

	e.cash = e.cash.Sub(fee)
	e.holdings[inst.Key()] = e.holdings[inst.Key()].Add(quantity)

	side := types.BUY
	if posSide == types.SHORT {
		side = types.SELL
	}
	fill := types.Fill{
		OrderID:      e.nextID("ord"),
		TradeID:      e.nextTradeIDLocked(inst),
		Instrument:   inst,
		Side:         side,
		PositionSide: posSide,
		Price:        price,
		Quantity:     quantity,
		Notional:     notional,
		Fee:          fee,
		Timestamp:    time.Now().UTC(),
		Mode:         types.ModeSimulated,
	}
	if err := e.persistFillLocked(fill); err != nil {
		return types.Fill{}, err
	}
	e.logger.Info("simulated open", "instrument", inst.Key(), "side", posSide, "notional", notional, "reason", reason)
	return fill, nil
}

// holdingValuePerUnit returns a nominal per-unit value for a simulated
// holding with no externally supplied mark price: the instrument's min
// notional per unit, a conservative stand-in used only by the reconciler's
// no-price safety-net close.
func (e *Executor) holdingValuePerUnit(inst types.Instrument) decimal.Decimal {
	if inst.MinNotional.GreaterThan(decimal.Zero) {
		return inst.MinNotional
	}
	return decimal.NewFromInt(1)
}

func (e *Executor) closeSimulated(inst types.Instrument, quantity decimal.Decimal, side types.PositionSide, markPrice decimal.Decimal, reason string) (types.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	held := e.holdings[inst.Key()]
	if held.LessThan(quantity) {
		quantity = held
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return types.Fill{}, errs.NewInvalidOrder("no simulated holdings to close for " + inst.Key())
	}

	notional := quantity.Mul(markPrice)
	fee := notional.Mul(decimal.NewFromFloat(feeRate))
	if e.cash.LessThan(fee) {
		return types.Fill{}, errs.NewInsufficientFunds(inst.Key(), fee.String(), e.cash.String())
	}

	e.cash = e.cash.Sub(fee)
	remaining := held.Sub(quantity)
	if remaining.LessThanOrEqual(decimal.Zero) {
		delete(e.holdings, inst.Key())
	} else {
		e.holdings[inst.Key()] = remaining
	}

	closeSide := types.SELL
	if side == types.SHORT {
		closeSide = types.BUY
	}
	fill := types.Fill{
		OrderID:      e.nextID("ord"),
		TradeID:      e.nextTradeIDLocked(inst),
		Instrument:   inst,
		Side:         closeSide,
		PositionSide: side,
		Price:        markPrice,
		Quantity:     quantity,
		Notional:     notional,
		Fee:          fee,
		Timestamp:    time.Now().UTC(),
		Mode:         types.ModeSimulated,
	}
	if err := e.persistFillLocked(fill); err != nil {
		return types.Fill{}, err
	}
	e.logger.Info("simulated close", "instrument", inst.Key(), "quantity", quantity, "mark_price", markPrice, "reason", reason)
	return fill, nil
}

func (e *Executor) persistWalletLocked() error {
	return e.store.SaveWallet(types.WalletSnapshot{Cash: e.cash, Holdings: e.holdings})
}

func (e *Executor) persistFillLocked(fill types.Fill) error {
	if err := e.persistWalletLocked(); err != nil {
		return err
	}
	return e.store.AppendTrade(fill)
}

// ————————————————————————————————————————————————————————————————————————
// Live path — OE only interprets the logical response: success emits a
// Fill from the reported executed price/quantity/fee; failure returns a
// typed error without mutating any local state (there is none to mutate —
// the exchange is the source of truth in live mode).
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) openLiveLong(ctx context.Context, inst types.Instrument, notional, limitPrice decimal.Decimal, method types.OrderMethod, reason string, scoreAtDecision float64) (types.Fill, error) {
	req := PlaceOrderRequest{Market: inst.Key(), Side: "bid"}
	switch method {
	case types.MethodLimit:
		req.OrdType = "limit"
		req.Price = limitPrice.String()
		req.Volume = notional.Div(limitPrice).String()
	default:
		req.OrdType = "price"
		req.Price = notional.String()
	}

	executed, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		e.logFailedOrder(inst, reason, err)
		return types.Fill{}, err
	}

	fill := types.Fill{
		OrderID:      executed.UUID,
		TradeID:      e.nextTradeID(inst),
		Instrument:   inst,
		Side:         types.BUY,
		PositionSide: types.LONG,
		Price:        executed.Price,
		Quantity:     executed.ExecutedVolume,
		Notional:     executed.Price.Mul(executed.ExecutedVolume),
		Fee:          executed.PaidFee,
		Timestamp:    time.Now().UTC(),
		Mode:         types.ModeLive,
	}
	if err := e.store.AppendTrade(fill); err != nil {
		return types.Fill{}, err
	}
	e.logger.Info("live open", "instrument", inst.Key(), "notional", notional, "reason", reason)
	return fill, nil
}

func (e *Executor) openLiveShort(ctx context.Context, inst types.Instrument, notional, limitPrice decimal.Decimal, method types.OrderMethod, reason string, scoreAtDecision float64) (types.Fill, error) {
	req := PlaceOrderRequest{Market: inst.Key(), Side: "ask", PositionSide: "short"}
	switch method {
	case types.MethodLimit:
		req.OrdType = "limit"
		req.Price = limitPrice.String()
		req.Volume = notional.Div(limitPrice).String()
	default:
		req.OrdType = "price"
		req.Price = notional.String()
	}

	executed, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		e.logFailedOrder(inst, reason, err)
		return types.Fill{}, err
	}

	fill := types.Fill{
		OrderID:      executed.UUID,
		TradeID:      e.nextTradeID(inst),
		Instrument:   inst,
		Side:         types.SELL,
		PositionSide: types.SHORT,
		Price:        executed.Price,
		Quantity:     executed.ExecutedVolume,
		Notional:     executed.Price.Mul(executed.ExecutedVolume),
		Fee:          executed.PaidFee,
		Timestamp:    time.Now().UTC(),
		Mode:         types.ModeLive,
	}
	if err := e.store.AppendTrade(fill); err != nil {
		return types.Fill{}, err
	}
	e.logger.Info("live open short", "instrument", inst.Key(), "notional", notional, "reason", reason)
	return fill, nil
}

func (e *Executor) closeLive(ctx context.Context, inst types.Instrument, quantity decimal.Decimal, side types.PositionSide, reason string) (types.Fill, error) {
	orderSide := "ask"
	fillSide := types.SELL
	if side == types.SHORT {
		orderSide = "bid"
		fillSide = types.BUY
	}

	req := PlaceOrderRequest{
		Market:  inst.Key(),
		Side:    orderSide,
		OrdType: "market",
		Volume:  quantity.String(),
	}
	if side == types.SHORT {
		req.PositionSide = "short"
	}

	executed, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		e.logFailedOrder(inst, reason, err)
		return types.Fill{}, err
	}

	fill := types.Fill{
		OrderID:      executed.UUID,
		TradeID:      e.nextTradeID(inst),
		Instrument:   inst,
		Side:         fillSide,
		PositionSide: side,
		Price:        executed.Price,
		Quantity:     executed.ExecutedVolume,
		Notional:     executed.Price.Mul(executed.ExecutedVolume),
		Fee:          executed.PaidFee,
		Timestamp:    time.Now().UTC(),
		Mode:         types.ModeLive,
	}
	if err := e.store.AppendTrade(fill); err != nil {
		return types.Fill{}, err
	}
	e.logger.Info("live close", "instrument", inst.Key(), "quantity", quantity, "reason", reason)
	return fill, nil
}

// logFailedOrder writes a FAILED audit row to the trade log
// ("OE writes a failed-order audit record on caught exceptions"), without
// ever raising to the caller — the typed error is still returned normally.
func (e *Executor) logFailedOrder(inst types.Instrument, reason string, cause error) {
	e.logger.Error("order failed", "instrument", inst.Key(), "reason", reason, "error", cause)
	failed := types.Fill{
		OrderID:    "FAILED",
		TradeID:    e.nextTradeID(inst),
		Instrument: inst,
		Timestamp:  time.Now().UTC(),
		Mode:       e.mode,
	}
	if err := e.store.AppendTrade(failed); err != nil {
		e.logger.Error("failed to persist failed-order audit row", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// ID generation — deterministic-looking trade IDs derived from instrument +
// UTC timestamp + a per-process counter, per the Fill contract
// and §9's retry/idempotence note on using stable client-order identifiers.
// ————————————————————————————————————————————————————————————————————————

// nextTradeID locks e.mu itself; callers must not already hold it.
func (e *Executor) nextTradeID(inst types.Instrument) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextTradeIDLocked(inst)
}

// nextTradeIDLocked assumes e.mu is already held by the caller (the
// simulated open/close paths, which hold the lock across the whole
// mutation so a concurrent reader never observes a half-applied fill).
func (e *Executor) nextTradeIDLocked(inst types.Instrument) string {
	e.tradeCounter++
	return fmt.Sprintf("%s-%d-%d", inst.Key(), time.Now().UTC().UnixNano(), e.tradeCounter)
}

func (e *Executor) nextID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
