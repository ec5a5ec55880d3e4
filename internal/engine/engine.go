// Package engine is the central orchestrator of the trading core.
//
// It wires together all six components:
//
//  1. Market Data Adapter (marketdata) pulls candles/tickers/balances.
//  2. Indicator Engine (indicator) derives per-instrument signals from candles.
//  3. Scoring Engine (scoring) turns indicators (+ optional volatility/sentiment)
//     into a per-instrument score and signal.
//  4. Allocator (allocator) sizes orders against available capital.
//  5. Order Executor (executor) dispatches orders and tracks fills, simulated
//     or live behind one contract.
//  6. Risk Engine (risk) evaluates every open position each tick and the
//     daily circuit breaker.
//
// A Position Tracker (position) is the single authoritative writer of open
// position state; a Reconciler (reconcile) heals divergence between it and
// the exchange every risk-check cycle. A Scheduler (scheduler) dispatches
// six jobs — data collection, indicator refresh, scoring, buy execution,
// risk check, and a daily feedback cron — on their own cadence from one
// cooperative loop.
//
// Lifecycle: New() → Start() → [runs until SIGINT/SIGTERM] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoengine/internal/allocator"
	"cryptoengine/internal/config"
	"cryptoengine/internal/errs"
	"cryptoengine/internal/exchange"
	"cryptoengine/internal/executor"
	"cryptoengine/internal/indicator"
	"cryptoengine/internal/marketdata"
	"cryptoengine/internal/metrics"
	"cryptoengine/internal/notify"
	"cryptoengine/internal/position"
	"cryptoengine/internal/reconcile"
	"cryptoengine/internal/risk"
	"cryptoengine/internal/scheduler"
	"cryptoengine/internal/scoring"
	"cryptoengine/internal/store"
	"cryptoengine/pkg/types"
)

// candleTimeframe is the bar size the engine requests from the Market Data
// Adapter for indicator calculation. Not exposed as a config knob — every
// example the indicator set is tuned against (RSI(14), Bollinger(20),
// ATR(14), daily VWAP) assumes hourly bars.
const candleTimeframe = "1h"

// minCandles is the shortest series the Indicator Engine can be fed and
// still satisfy every indicator's lookback.
const minCandles = 50

// Engine owns the lifecycle of every component and the engine-scoped
// in-memory state (latest candles/indicators/scores per instrument) that
// the engine keeps in place of module-level globals.
type Engine struct {
	cfg config.Config

	client      *exchange.Client
	mda         *marketdata.Adapter
	scoring     *scoring.Engine
	allocator   *allocator.Allocator
	executor    *executor.Executor
	risk        *risk.Manager
	tracker     *position.Tracker
	reconciler  *reconcile.Reconciler
	scheduler   *scheduler.Scheduler
	store       *store.Store
	bus         *notify.Bus
	metrics     *metrics.Registry
	metricsSrv  *metrics.Server
	logger      *slog.Logger
	instruments []types.Instrument

	mu         sync.RWMutex
	candles    map[string]types.Candles
	indicators map[string]types.IndicatorSnapshot
	scores     map[string]types.ScoringResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component from cfg. The exchange client, and therefore
// any live network call, is constructed regardless of trading_mode — only
// the Executor's behavior branches on it — since the Market Data Adapter
// always reads live market data even in simulated mode.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	instruments, err := parseInstruments(cfg.Instruments.Targets)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	auth := exchange.NewAuth(cfg.Exchange)
	client := exchange.NewClient(cfg, auth, logger)
	mda := marketdata.New(client, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	mode := types.ModeSimulated
	if cfg.TradingMode == "live" {
		mode = types.ModeLive
	}

	startingCash := decimal.NewFromInt(10_000_000)
	exec, err := executor.New(cfg.Instruments, mode, exchangeClientAdapter{client: client}, st, startingCash, logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	tracker, err := position.New(st)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	riskMgr := risk.NewManager(cfg.Risk, logger)
	reg := metrics.New()
	bus := notify.New()
	bus.Register(notify.LogSink{Log: func(evt notify.Event) {
		logger.Warn("notification", "kind", evt.Kind, "job", evt.Job, "instrument", evt.Instrument, "message", evt.Message)
	}})

	reconciler := reconcile.New(tracker, exec, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		client:      client,
		mda:         mda,
		scoring:     scoring.New(cfg.Scoring),
		allocator:   allocator.New(cfg.Allocator),
		executor:    exec,
		risk:        riskMgr,
		tracker:     tracker,
		reconciler:  reconciler,
		store:       st,
		bus:         bus,
		metrics:     reg,
		logger:      logger.With("component", "engine"),
		instruments: instruments,
		candles:     make(map[string]types.Candles),
		indicators:  make(map[string]types.IndicatorSnapshot),
		scores:      make(map[string]types.ScoringResult),
		ctx:         ctx,
		cancel:      cancel,
	}

	e.scheduler = scheduler.New(e.canTrade, bus, reg, logger)
	e.registerJobs()

	if cfg.Metrics.Enabled {
		e.metricsSrv = metrics.NewServer(cfg.Metrics.Port, reg, logger)
	}

	return e, nil
}

// canTrade is the gate the Scheduler consults before dispatching
// buy-execution-class jobs.
func (e *Engine) canTrade() (bool, types.HaltState, string) {
	return e.risk.CanTrade()
}

func (e *Engine) registerJobs() {
	sc := e.cfg.Scheduler

	e.scheduler.Register("data_collection", time.Duration(sc.DataCollectionIntervalMin)*time.Minute, false, e.jobDataCollection)
	e.scheduler.Register("indicator_calc", time.Duration(sc.IndicatorCalcIntervalMin)*time.Minute, false, e.jobIndicatorCalc)
	e.scheduler.Register("scoring", time.Duration(sc.ScoringIntervalMin)*time.Minute, false, e.jobScoring)
	e.scheduler.Register("buy_execution", time.Duration(sc.BuyExecutionIntervalMin)*time.Minute, true, e.jobBuyExecution)
	e.scheduler.Register("risk_check", time.Duration(sc.RiskCheckIntervalMin)*time.Minute, false, e.jobRiskCheck)

	if err := e.scheduler.RegisterDailyCron("daily_feedback", sc.DailyFeedbackCron, seoul(), e.jobDailyFeedback); err != nil {
		e.logger.Error("failed to register daily feedback cron", "error", err)
	}
}

func seoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Start launches the metrics server (if enabled) and the scheduler's
// cooperative dispatch loop. When LIVE mode is entered the executor must
// synchronize its initial-capital baseline before the first allocation
// cycle.
func (e *Engine) Start() error {
	if e.executor.Mode() == types.ModeLive {
		quote := e.instruments[0].Quote
		if err := e.executor.SyncInitialCapital(context.Background(), quote); err != nil {
			return fmt.Errorf("engine: sync initial capital: %w", err)
		}
	}

	if e.metricsSrv != nil {
		e.metricsSrv.Start()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scheduler.Run(e.ctx)
	}()

	e.logger.Info("engine started",
		"mode", e.executor.Mode(),
		"instruments", len(e.instruments),
	)
	return nil
}

// Stop is cooperative: it cancels the engine context (the scheduler
// finishes any in-flight job, including an in-flight daily feedback run,
// before its Run loop returns) and waits for that to happen. The executor
// is never asked to close positions automatically on shutdown — that is
// the Reconciler's job on the next startup.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	if e.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.metricsSrv.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("failed to stop metrics server", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// Pause suspends buy-execution; data collection and risk checks continue.
func (e *Engine) Pause() { e.scheduler.Pause() }

// Resume clears a manual pause (set by Pause, not by the risk engine's
// daily-loss/consecutive-loss halts).
func (e *Engine) Resume() { e.scheduler.Resume() }

// Stats returns the run history of every scheduled job.
func (e *Engine) Stats() []types.JobStats { return e.scheduler.Stats() }

// ————————————————————————————————————————————————————————————————————————
// Job bodies — each catches its own per-instrument errors so one bad
// instrument never blocks the rest of the cycle. The first error, if
// any, is returned so JobStats
// records it, but processing of every other instrument still happens.
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) jobDataCollection(ctx context.Context) error {
	var firstErr error
	for _, inst := range e.instruments {
		candles, err := e.mda.GetCandles(ctx, inst, candleTimeframe, minCandles)
		if err != nil {
			e.logger.Error("data collection failed", "instrument", inst.Key(), "error", err)
			e.bus.Emit(notify.Event{Kind: notify.KindJobError, Job: "data_collection", Instrument: inst.Key(), Message: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.mu.Lock()
		e.candles[inst.Key()] = candles
		e.mu.Unlock()
	}
	return firstErr
}

func (e *Engine) jobIndicatorCalc(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.instruments {
		candles, ok := e.candles[inst.Key()]
		if !ok || len(candles) < minCandles {
			continue
		}
		e.indicators[inst.Key()] = indicator.Calculate(inst, candles)
	}
	return nil
}

func (e *Engine) jobScoring(ctx context.Context) error {
	var firstErr error
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.instruments {
		ind, ok := e.indicators[inst.Key()]
		if !ok {
			continue
		}
		vol := volatilityProfile(ind)
		result, err := e.scoring.Score(inst, &ind, vol, nil)
		if err != nil {
			var missing *errs.MissingInputs
			if errors.As(err, &missing) {
				e.logger.Debug("scoring skipped: missing inputs", "instrument", inst.Key())
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.scores[inst.Key()] = result
		e.logger.Info("scored", "instrument", inst.Key(), "total", result.Total, "signal", result.Signal)
	}
	return firstErr
}

// volatilityProfile derives a VolatilityProfile from the indicator
// snapshot's ATR%/Bollinger width, since no dedicated volatility-feed
// component exists in scope; its absence yields a neutral contribution.
func volatilityProfile(ind types.IndicatorSnapshot) *types.VolatilityProfile {
	if math.IsNaN(ind.ATRPct) {
		return nil
	}
	regime := types.VolMedium
	switch {
	case ind.ATRPct < 0.01:
		regime = types.VolLow
	case ind.ATRPct < 0.03:
		regime = types.VolMedium
	case ind.ATRPct < 0.06:
		regime = types.VolHigh
	default:
		regime = types.VolExtreme
	}
	width := ind.BollingerWidth
	if math.IsNaN(width) {
		width = 0
	}
	return &types.VolatilityProfile{Regime: regime, ATRPct: ind.ATRPct, BollingerWidth: width, AsOf: ind.AsOf}
}

func (e *Engine) jobBuyExecution(ctx context.Context) error {
	candidates, err := e.buildCandidates(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	availableCapital, marginPct, availablePct, err := e.capitalSnapshot(ctx)
	if err != nil {
		return err
	}

	allocations := e.allocator.Allocate(candidates, availableCapital, marginPct, availablePct)
	if len(allocations) == 0 {
		return nil
	}

	var firstErr error
	for _, alloc := range allocations {
		if _, exists := e.tracker.Get(alloc.Instrument); exists {
			continue // already holding this instrument; AL does not pyramid
		}

		// Allocator candidates are always BUY/STRONG_BUY signals sized as
		// LONG entries only — SHORT is a derivative capability the Executor
		// exposes but nothing in the Allocator's contract triggers it.
		fill, openErr := e.executor.OpenLong(ctx, alloc.Instrument, alloc.Notional, alloc.LimitPrice, types.MethodLimit, "allocator: "+string(alloc.Signal), alloc.Score)
		if openErr != nil {
			e.logger.Error("buy execution failed", "instrument", alloc.Instrument.Key(), "error", openErr)
			e.bus.Emit(notify.Event{Kind: notify.KindJobError, Job: "buy_execution", Instrument: alloc.Instrument.Key(), Message: openErr.Error()})
			e.metrics.RecordOrder("BUY", "rejected")
			if firstErr == nil {
				firstErr = openErr
			}
			continue
		}

		e.metrics.RecordOrder("BUY", "filled")
		e.metrics.RecordFill(alloc.Instrument.Key(), string(fill.Side))
		e.bus.Emit(notify.Event{Kind: notify.KindFill, Instrument: alloc.Instrument.Key(), Message: fmt.Sprintf("opened %s notional=%s price=%s", fill.PositionSide, fill.Notional, fill.Price)})

		if err := e.tracker.ApplyFill(fill); err != nil {
			e.logger.Error("failed to apply fill to tracker", "instrument", alloc.Instrument.Key(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// buildCandidates gathers BUY/STRONG_BUY scoring results paired with a
// current ticker price, the allocator.Candidate shape.
func (e *Engine) buildCandidates(ctx context.Context) ([]allocator.Candidate, error) {
	tickers, err := e.mda.GetTickers(ctx, e.instruments)
	if err != nil && len(tickers) == 0 {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var candidates []allocator.Candidate
	for _, inst := range e.instruments {
		result, ok := e.scores[inst.Key()]
		if !ok {
			continue
		}
		if result.Signal != types.Buy && result.Signal != types.StrongBuy {
			continue
		}
		ticker, ok := tickers[inst.Key()]
		if !ok {
			continue
		}
		atrPct := 0.0
		if ind, ok := e.indicators[inst.Key()]; ok && !math.IsNaN(ind.ATRPct) {
			atrPct = ind.ATRPct
		}
		candidates = append(candidates, allocator.Candidate{
			Result:       result,
			CurrentPrice: decimal.NewFromFloat(ticker.LastPrice),
			ATRPct:       atrPct,
		})
	}
	return candidates, nil
}

// capitalSnapshot returns available capital, margin-in-use percentage, and
// available-balance percentage, feeding the portfolio-wide pre-flight
// allocation gates.
func (e *Engine) capitalSnapshot(ctx context.Context) (decimal.Decimal, float64, float64, error) {
	if e.executor.Mode() == types.ModeSimulated {
		cash := e.executor.AvailableCash()
		equity := e.portfolioEquity(cash)
		marginPct := 0.0
		availablePct := 1.0
		if equity > 0 {
			cashF, _ := cash.Float64()
			availablePct = cashF / equity
			marginPct = 1 - availablePct
		}
		return cash, marginPct, availablePct, nil
	}

	balances, err := e.mda.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, 0, 0, err
	}
	quote := e.instruments[0].Quote
	bal, ok := balances[quote]
	if !ok {
		return decimal.Zero, 0, 0, errs.NewUpstreamRejected("get_balances", 0, "no "+quote+" balance reported")
	}
	marginPct := 0.0
	availablePct := 1.0
	if bal.Total.GreaterThan(decimal.Zero) {
		free, _ := bal.Free.Float64()
		total, _ := bal.Total.Float64()
		availablePct = free / total
		marginPct = 1 - availablePct
	}
	return bal.Free, marginPct, availablePct, nil
}

// portfolioEquity estimates total equity as cash plus the positions'
// notional at average entry (no live mark available here; the risk-check
// job's per-position PnL is the precise view). The cash figure is the
// simulated wallet's balance in simulated mode, or the live baseline
// recorded by SyncInitialCapital in live mode — AvailableCash reads zero
// live, so the daily-loss circuit breaker's denominator would otherwise
// collapse to just the tracked positions' notional.
func (e *Engine) portfolioEquity(cash decimal.Decimal) float64 {
	total, _ := cash.Float64()
	for _, pos := range e.tracker.Snapshot() {
		notional, _ := pos.AvgEntryPrice.Mul(pos.Volume).Float64()
		total += notional
	}
	return total
}

func (e *Engine) jobRiskCheck(ctx context.Context) error {
	var firstErr error
	snapshot := e.tracker.Snapshot()
	cash := e.executor.AvailableCash()
	if e.executor.Mode() == types.ModeLive {
		cash = e.executor.InitialCapital()
	}
	portfolioNotional := e.portfolioEquity(cash)

	for _, pos := range snapshot {
		ticker, err := e.mda.GetTicker(ctx, pos.Instrument)
		if err != nil {
			e.logger.Error("risk check: ticker fetch failed", "instrument", pos.Instrument.Key(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		mark := decimal.NewFromFloat(ticker.LastPrice)
		e.tracker.UpdatePeak(pos.Instrument, mark)
		pos, _ = e.tracker.Get(pos.Instrument)

		e.mu.RLock()
		candles := e.candles[pos.Instrument.Key()]
		ind := e.indicators[pos.Instrument.Key()]
		e.mu.RUnlock()

		action := e.risk.Evaluate(pos, ticker.LastPrice, candles, ind, time.Now())
		e.metrics.RecordRiskAction(string(action.Action))
		if action.Action == types.ActionHold {
			continue
		}

		if err := e.applyRiskAction(ctx, pos, action, mark, portfolioNotional); err != nil {
			e.logger.Error("risk action failed", "instrument", pos.Instrument.Key(), "action", action.Action, "error", err)
			e.bus.Emit(notify.Event{Kind: notify.KindRiskAction, Instrument: pos.Instrument.Key(), Message: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	e.metrics.SetOpenPositions(len(e.tracker.Snapshot()))
	canTrade, halt, haltReason := e.canTrade()
	e.metrics.SetHalted(!canTrade)
	if !canTrade {
		e.logger.Warn("trading halted", "state", halt, "reason", haltReason)
	}

	if result := e.reconciler.Reconcile(ctx, e.exchangePositionsSnapshot(ctx)); len(result.Evicted) > 0 || len(result.Closed) > 0 {
		for _, inst := range result.Evicted {
			e.metrics.RecordReconcile("evicted")
			e.bus.Emit(notify.Event{Kind: notify.KindReconciliation, Instrument: inst.Key(), Message: "position disappeared from exchange, evicted"})
		}
		for _, inst := range result.Closed {
			e.metrics.RecordReconcile("closed")
			e.bus.Emit(notify.Event{Kind: notify.KindReconciliation, Instrument: inst.Key(), Message: "unmanaged exchange position closed"})
		}
		for _, rerr := range result.Errors {
			e.logger.Error("reconciliation error", "error", rerr)
		}
	}

	return firstErr
}

// applyRiskAction closes (fully or partially) the position per action,
// feeds the realized PnL back into both the simulated wallet and the risk
// engine's daily/consecutive-loss counters, and advances the take-profit
// stage the Position Tracker tracks.
func (e *Engine) applyRiskAction(ctx context.Context, pos types.Position, action types.RiskAction, mark decimal.Decimal, portfolioNotional float64) error {
	quantity := pos.Volume.Mul(decimal.NewFromFloat(action.QuantityPct))
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	fill, err := e.executor.Close(ctx, pos.Instrument, quantity, pos.Side, mark, string(action.Action)+": "+action.Reason)
	if err != nil {
		e.metrics.RecordOrder("SELL", "rejected")
		return err
	}
	e.metrics.RecordOrder("SELL", "filled")
	e.metrics.RecordFill(pos.Instrument.Key(), string(fill.Side))
	e.bus.Emit(notify.Event{Kind: notify.KindFill, Instrument: pos.Instrument.Key(), Message: fmt.Sprintf("closed %s qty=%s reason=%s", pos.Side, quantity, action.Reason)})

	entry, _ := pos.AvgEntryPrice.Float64()
	markF, _ := mark.Float64()
	qtyF, _ := quantity.Float64()
	var realizedPnL float64
	if pos.Side == types.SHORT {
		realizedPnL = (entry - markF) * qtyF
	} else {
		realizedPnL = (markF - entry) * qtyF
	}

	if err := e.executor.AddRealizedPnL(decimal.NewFromFloat(realizedPnL)); err != nil {
		e.logger.Error("failed to credit realized PnL", "instrument", pos.Instrument.Key(), "error", err)
	}
	e.risk.RecordTradeResult(realizedPnL, portfolioNotional)

	if action.Action == types.ActionTakeProfit {
		nextStage := pos.TPStage + 1
		if err := e.tracker.AdvanceTPStage(pos.Instrument, nextStage); err != nil {
			return err
		}
	}

	// ApplyFill alone reduces the tracked volume by fill.Quantity (and
	// evicts at zero) — a separate ReducePosition call here would decrement
	// the same close twice.
	return e.tracker.ApplyFill(fill)
}

// exchangePositionsSnapshot builds the Reconciler's authoritative view: the
// exchange's reported open positions in live mode, or the simulated
// holdings map in simulated mode, normalized to {instrument -> side/qty}.
//
// The two balance sources key their maps differently: the live exchange's
// GetAccounts keys by currency (inst.Symbol, e.g. "BTC"), while the
// simulated wallet's holdings key by the full instrument (inst.Key(), e.g.
// "BTCKRW") — so the lookup key must be chosen per mode, not assumed.
//
// This is a spot-holdings view: a plain balance can only ever represent a
// LONG quantity, never a derivative SHORT. Derivative instruments are
// skipped entirely rather than misreported as LONG, which would make the
// Reconciler evict and market-close a genuinely-open short every cycle.
func (e *Engine) exchangePositionsSnapshot(ctx context.Context) types.PositionsSnapshot {
	out := types.PositionsSnapshot{}
	balances, err := e.executor.GetBalances(ctx)
	if err != nil {
		e.logger.Error("reconcile: failed to read authoritative balances", "error", err)
		return out
	}
	for _, inst := range e.instruments {
		if inst.IsDerivative() {
			continue
		}
		key := inst.Symbol
		if e.executor.Mode() == types.ModeSimulated {
			key = inst.Key()
		}
		bal, ok := balances[key]
		if !ok || bal.Total.LessThanOrEqual(decimal.Zero) {
			continue
		}
		out[inst.Key()] = types.Position{
			Instrument: inst,
			Side:       types.LONG,
			Volume:     bal.Total,
		}
	}
	return out
}

func (e *Engine) jobDailyFeedback(ctx context.Context) error {
	fills, err := e.store.LoadTradeLog()
	if err != nil {
		return err
	}

	var totalFees decimal.Decimal
	for _, f := range fills {
		totalFees = totalFees.Add(f.Fee)
	}

	e.logger.Info("daily feedback",
		"total_trades", len(fills),
		"total_fees", totalFees,
		"open_positions", len(e.tracker.Snapshot()),
	)
	return nil
}
