// Package risk implements the Risk Engine: a per-position exit cascade
// (fixed stop, dynamic stop, staged take-profit, trailing stop, EMA-cross
// exit, max-hold) plus the daily circuit breaker and the supplemented
// consecutive-loss throttle. Evaluation order matters — the first rule
// that fires wins, except the daily/consecutive-loss halt, which gates
// new entries rather than forcing an exit.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"cryptoengine/internal/config"
	"cryptoengine/pkg/types"
)

const (
	fixedStopLossPct      = -0.010
	dynamicStopLossCapPct = 0.98 // entry * 0.98 caps how far the dynamic stop can trail
	tp1Pct                = 0.008
	tp1QuantityPct        = 0.30
	tp2Pct                = 0.015
	tp2QuantityPct        = 0.30
	tp3Pct                = 0.025
	trailingPullbackPct   = 0.004
	dynamicStopLookback   = 10
)

// Manager evaluates the Risk Engine's exit cascade and daily circuit breaker.
// Safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu                sync.Mutex
	dailyDate         time.Time
	realizedDailyPnL  float64
	consecutiveLosses int
	halt              types.HaltState
	haltReason        string
}

// NewManager builds a Risk Engine from its configured thresholds.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		dailyDate: todayLocal(),
		halt:      types.HaltActive,
	}
}

// seoul is the circuit breaker's day boundary: the same Asia/Seoul anchor
// the Scheduler uses for its daily cron, not the host process's local zone,
// so the reset fires at a consistent wall-clock time regardless of where
// the binary runs.
func seoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.UTC
	}
	return loc
}

func todayLocal() time.Time {
	now := time.Now().In(seoul())
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, seoul())
}

// checkDailyReset rolls the daily PnL/consecutive-loss counters at Asia/Seoul
// midnight, re-arming the circuit breaker for the new trading day.
func (m *Manager) checkDailyReset() {
	today := todayLocal()
	if today.After(m.dailyDate) {
		m.logger.Info("daily risk counters reset", "previous_date", m.dailyDate, "new_date", today)
		m.dailyDate = today
		m.realizedDailyPnL = 0
		m.consecutiveLosses = 0
		if m.halt == types.HaltedByDailyLimit || m.halt == types.HaltedByConsecutiveLosses {
			m.halt = types.HaltActive
			m.haltReason = ""
		}
	}
}

// CanTrade reports whether new entries are currently allowed: false when
// the daily loss limit or consecutive-loss throttle has tripped, or trading
// has been manually paused.
func (m *Manager) CanTrade() (bool, types.HaltState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()
	return m.halt == types.HaltActive, m.halt, m.haltReason
}

// Pause manually halts new entries until Resume is called.
func (m *Manager) Pause(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halt = types.HaltManuallyPaused
	m.haltReason = reason
}

// Resume clears a manual pause. It does not clear a daily-limit or
// consecutive-loss halt — those only clear at the next daily reset.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halt == types.HaltManuallyPaused {
		m.halt = types.HaltActive
		m.haltReason = ""
	}
}

// RecordTradeResult feeds a closed trade's realized PnL into the daily
// circuit breaker and the consecutive-loss throttle. portfolioNotional is
// the total equity the daily loss percentage is measured against.
func (m *Manager) RecordTradeResult(realizedPnL, portfolioNotional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset()

	m.realizedDailyPnL += realizedPnL
	if realizedPnL < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}

	if portfolioNotional > 0 {
		dailyPnLPct := m.realizedDailyPnL / portfolioNotional
		if dailyPnLPct <= m.cfg.DailyLossLimitPct {
			m.halt = types.HaltedByDailyLimit
			m.haltReason = "daily realized loss reached the configured limit"
			m.logger.Warn("daily loss limit tripped", "daily_pnl_pct", dailyPnLPct, "limit", m.cfg.DailyLossLimitPct)
		}
	}
	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		m.halt = types.HaltedByConsecutiveLosses
		m.haltReason = "consecutive loss count reached the configured maximum"
		m.logger.Warn("consecutive loss throttle tripped", "consecutive_losses", m.consecutiveLosses)
	}
}

// Evaluate runs the exit cascade for one open position at the given mark
// price and indicator snapshot, returning a RiskAction. ActionHold means no
// rule fired. The caller is responsible for updating Position.PeakPrice and
// Position.TPStage from the returned action before the next evaluation.
func (m *Manager) Evaluate(pos types.Position, markPrice float64, candles types.Candles, ind types.IndicatorSnapshot, now time.Time) types.RiskAction {
	entry, _ := pos.AvgEntryPrice.Float64()
	pnlPct := computePnLPct(pos.Side, entry, markPrice)

	action := types.RiskAction{
		Instrument:  pos.Instrument,
		Action:      types.ActionHold,
		PnLPct:      pnlPct * 100,
		EvaluatedAt: now,
	}

	// 1a. Fixed stop loss.
	if pnlPct <= fixedStopLossPct {
		action.Action = types.ActionStopLoss
		action.QuantityPct = 1.0
		action.Reason = "fixed stop loss"
		action.Urgency = 3
		return action
	}

	// 1b. Dynamic stop loss: the tighter of a 10-bar extreme and a 2% cap.
	if dynamicStopTriggered(pos.Side, entry, markPrice, candles) {
		action.Action = types.ActionStopLoss
		action.QuantityPct = 1.0
		action.Reason = "dynamic stop loss"
		action.Urgency = 3
		return action
	}

	// 2. Staged take-profit.
	if pos.TPStage < 1 && pnlPct >= tp1Pct {
		action.Action = types.ActionTakeProfit
		action.QuantityPct = tp1QuantityPct
		action.Reason = "take-profit tier 1"
		action.Urgency = 1
		return action
	}
	if pos.TPStage < 2 && pnlPct >= tp2Pct {
		action.Action = types.ActionTakeProfit
		action.QuantityPct = tp2QuantityPct
		action.Reason = "take-profit tier 2"
		action.Urgency = 1
		return action
	}
	if pnlPct >= tp3Pct {
		action.Action = types.ActionTakeProfit
		action.QuantityPct = 1.0
		action.Reason = "take-profit tier 3"
		action.Urgency = 2
		return action
	}

	// 3. Trailing stop, armed only after the first take-profit tier fires.
	if pos.TPStage >= 1 {
		peak, _ := pos.PeakPrice.Float64()
		if peak > 0 {
			var pullback float64
			if pos.Side == types.SHORT {
				pullback = (markPrice - peak) / peak
			} else {
				pullback = (peak - markPrice) / peak
			}
			if pullback >= trailingPullbackPct {
				action.Action = types.ActionTrailingStop
				action.QuantityPct = 1.0
				action.Reason = "trailing stop pullback from peak"
				action.Urgency = 2
				return action
			}
		}
	}

	// 4. EMA-cross exit, only while the position is underwater.
	if pnlPct < 0 {
		if (pos.Side == types.LONG && ind.EMACrossState == -1) ||
			(pos.Side == types.SHORT && ind.EMACrossState == 1) {
			action.Action = types.ActionStopLoss
			action.QuantityPct = 1.0
			action.Reason = "EMA cross against position while underwater"
			action.Urgency = 2
			return action
		}
	}

	// 5. Max-hold time exit, only while flat or underwater.
	if m.cfg.MaxHoldingMinutes > 0 {
		heldMinutes := now.Sub(pos.OpenedAt).Minutes()
		if heldMinutes >= float64(m.cfg.MaxHoldingMinutes) && pnlPct <= 0 {
			action.Action = types.ActionMaxHold
			action.QuantityPct = 1.0
			action.Reason = "maximum holding period reached while not profitable"
			action.Urgency = 1
			return action
		}
	}

	return action
}

func computePnLPct(side types.PositionSide, entry, mark float64) float64 {
	if entry == 0 {
		return 0
	}
	if side == types.SHORT {
		return (entry - mark) / entry
	}
	return (mark - entry) / entry
}

// dynamicStopTriggered evaluates the 10-bar-extreme stop, capped so it never
// sits further than 2% from entry.
func dynamicStopTriggered(side types.PositionSide, entry, mark float64, candles types.Candles) bool {
	n := len(candles)
	if n == 0 {
		return false
	}
	lookback := candles
	if n > dynamicStopLookback {
		lookback = candles[n-dynamicStopLookback:]
	}

	if side == types.SHORT {
		capPrice := entry * (1 + (1 - dynamicStopLossCapPct))
		recentHigh := lookback[0].High
		for _, c := range lookback {
			if c.High > recentHigh {
				recentHigh = c.High
			}
		}
		dynamicStop := recentHigh
		if capPrice < dynamicStop {
			dynamicStop = capPrice
		}
		return mark > dynamicStop
	}

	capPrice := entry * dynamicStopLossCapPct
	recentLow := lookback[0].Low
	for _, c := range lookback {
		if c.Low < recentLow {
			recentLow = c.Low
		}
	}
	dynamicStop := recentLow
	if capPrice > dynamicStop {
		dynamicStop = capPrice
	}
	return mark < dynamicStop
}
