// Package types defines the data structures shared across every layer of
// the engine — instruments, candles, indicator snapshots, scoring results,
// allocations, orders, fills, positions, and risk actions. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or fill: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// PositionSide identifies which side of the market a Position holds.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// OrderMethod selects how an order intent is routed to the exchange.
type OrderMethod string

const (
	MethodMarket OrderMethod = "MARKET"
	MethodLimit  OrderMethod = "LIMIT"
)

// Mode distinguishes a simulated fill/order from one executed against the
// live exchange. The Order Executor exposes identical contracts in both.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeLive      Mode = "live"
)

// Signal is the categorical output of the Scoring Engine.
type Signal string

const (
	StrongBuy Signal = "STRONG_BUY"
	Buy       Signal = "BUY"
	Hold      Signal = "HOLD"
	Sell      Signal = "SELL"
)

// VolatilityRegime buckets ATR%/Bollinger-width into a coarse label.
type VolatilityRegime string

const (
	VolLow     VolatilityRegime = "LOW"
	VolMedium  VolatilityRegime = "MEDIUM"
	VolHigh    VolatilityRegime = "HIGH"
	VolExtreme VolatilityRegime = "EXTREME"
)

// RiskActionKind enumerates what the Risk Engine decided for one position.
type RiskActionKind string

const (
	ActionHold         RiskActionKind = "HOLD"
	ActionStopLoss     RiskActionKind = "STOP_LOSS"
	ActionTakeProfit   RiskActionKind = "TAKE_PROFIT"
	ActionTrailingStop RiskActionKind = "TRAILING_STOP"
	ActionMaxHold      RiskActionKind = "MAX_HOLD"
)

// HaltState is the daily circuit-breaker's state machine.
type HaltState string

const (
	HaltActive                HaltState = "active"
	HaltedByDailyLimit        HaltState = "halted_by_daily_limit"
	HaltedByConsecutiveLosses HaltState = "halted_by_consecutive_losses"
	HaltManuallyPaused        HaltState = "manually_paused"
)

// JobStatus is the lifecycle state of one scheduled job.
type JobStatus string

const (
	JobConfigured JobStatus = "configured"
	JobIdle       JobStatus = "idle"
	JobRunning    JobStatus = "running"
	JobError      JobStatus = "error"
)

// OBVTrend is the on-balance-volume trend enum carried in an IndicatorSnapshot.
type OBVTrend string

const (
	OBVRising  OBVTrend = "RISING"
	OBVFalling OBVTrend = "FALLING"
	OBVFlat    OBVTrend = "FLAT"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies a tradable market: a symbol quoted in a specific
// currency, with an optional derivative suffix. Immutable once configured.
type Instrument struct {
	Symbol           string // base asset, e.g. "BTC"
	Quote            string // quote currency, e.g. "USDT", "KRW"
	DerivativeSuffix string // e.g. "-PERP"; empty for spot
	DisplayName      string
	MinNotional      decimal.Decimal // minimum order notional in quote currency
	TickSize         decimal.Decimal // minimum price increment
	StepSize         decimal.Decimal // minimum quantity increment
}

// Key returns the canonical string identity of this instrument, suitable
// as a map key (symbol + quote + derivative suffix).
func (i Instrument) Key() string {
	if i.DerivativeSuffix != "" {
		return i.Symbol + i.Quote + i.DerivativeSuffix
	}
	return i.Symbol + i.Quote
}

// IsDerivative reports whether this instrument supports SHORT positions.
func (i Instrument) IsDerivative() bool {
	return i.DerivativeSuffix != ""
}

// ————————————————————————————————————————————————————————————————————————
// Candle
// ————————————————————————————————————————————————————————————————————————

// Candle is a fixed-timeframe OHLCV bar. Series are indexed by OpenTime,
// strictly increasing and contiguous at the chosen timeframe.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Valid reports whether the OHLC invariant holds:
// low ≤ min(open,close) ≤ max(open,close) ≤ high; volume ≥ 0.
func (c Candle) Valid() bool {
	if math.IsNaN(c.Open) || math.IsNaN(c.High) || math.IsNaN(c.Low) || math.IsNaN(c.Close) {
		return false
	}
	lo := math.Min(c.Open, c.Close)
	hi := math.Max(c.Open, c.Close)
	return c.Low <= lo && hi <= c.High && c.Volume >= 0
}

// Candles is a time-ascending series of Candle, keyed conceptually by
// (instrument, timeframe) at the call site.
type Candles []Candle

// ————————————————————————————————————————————————————————————————————————
// Ticker / order book / balances (Market Data Adapter views)
// ————————————————————————————————————————————————————————————————————————

// Ticker is the public last-price summary for one instrument.
type Ticker struct {
	Instrument    Instrument
	LastPrice     float64
	ChangeRate24h float64 // fractional, e.g. 0.05 = +5%
	Open24h       float64
	High24h       float64
	Low24h        float64
	Volume24h     float64 // quote-currency notional volume
	Timestamp     time.Time
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price float64
	Size  float64
}

// Orderbook is a point-in-time view of one instrument's order book.
type Orderbook struct {
	Instrument Instrument
	Bids       []PriceLevel // sorted descending by price
	Asks       []PriceLevel // sorted ascending by price
	Timestamp  time.Time
}

// Balance is one currency's account balance as reported by the exchange.
type Balance struct {
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// BalancesSnapshot maps currency code to its Balance.
type BalancesSnapshot map[string]Balance

// ————————————————————————————————————————————————————————————————————————
// Indicator Engine output
// ————————————————————————————————————————————————————————————————————————

// IndicatorSnapshot is a mapping from indicator name to numeric value for
// one instrument at one point in time. A value of NaN marks "not yet
// computable"; consumers must skip such fields rather than substitute zero.
type IndicatorSnapshot struct {
	Instrument Instrument
	AsOf       time.Time

	EMAFast float64
	EMASlow float64
	// EMACrossState: +1 golden cross this bar, -1 dead cross this bar,
	// 0 no cross (whether bullish or bearish continuation).
	EMACrossState int

	RSI14 float64

	MACDHist   float64
	MACDSignal float64

	BollingerUpper float64
	BollingerMid   float64
	BollingerLower float64
	BollingerPctB  float64
	BollingerWidth float64

	ATR14  float64
	ATRPct float64

	VWAP float64

	VolumeRatio float64
	VolumeSurge bool
	OBVTrend    OBVTrend

	SMA5  float64
	SMA20 float64
	SMA60 float64

	ADX    float64
	ROC12  float64 // rate of change over 12 bars, percent
	GapPct float64 // percent move of latest close vs the day's opening print
}

// ————————————————————————————————————————————————————————————————————————
// Volatility / Sentiment
// ————————————————————————————————————————————————————————————————————————

// VolatilityProfile summarizes market-wide or per-instrument volatility.
// Optional input to the Scoring Engine; absence yields a neutral (50)
// contribution for the volatility factor.
type VolatilityProfile struct {
	Regime         VolatilityRegime
	ATRPct         float64
	BollingerWidth float64
	AsOf           time.Time
}

// SentimentSnapshot is a process-wide (not per-instrument), optional input.
type SentimentSnapshot struct {
	FearGreedIndex     float64 // [0,100]
	NewsSentiment      float64 // [-1,1]
	SocialVolumeChange float64 // percent change
	AsOf               time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Scoring Engine output
// ————————————————————————————————————————————————————————————————————————

// FactorDetail is one explanatory entry contributing to a factor sub-score.
type FactorDetail struct {
	Name         string
	Raw          float64
	Contribution float64
}

// ScoringResult is the Scoring Engine's output for one instrument.
// Invariant: Total = clamp(Σ weight_i × sub_i, 0, 100); every sub-score is
// independently clamped to [0,100].
type ScoringResult struct {
	Instrument Instrument

	TechnicalScore  float64
	MomentumScore   float64
	VolatilityScore float64
	VolumeScore     float64
	SentimentScore  float64

	Total      float64
	Signal     Signal
	Confidence float64
	Rationale  string

	FactorDetail map[string][]FactorDetail

	ScoredAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Allocator output
// ————————————————————————————————————————————————————————————————————————

// Allocation is an intended order produced by the Allocator: value-type
// fields only (score/signal copied in), so it never holds a live reference
// back to its source candidate.
type Allocation struct {
	Instrument Instrument
	Score      float64
	Signal     Signal

	Weight         float64         // clamped to [min_pct, max_pct], then renormalized to sum to 1
	Notional       decimal.Decimal // ≥ min_order_notional
	LimitPrice     decimal.Decimal // current × (1 - limit_discount)
	TargetQuantity decimal.Decimal // Notional / LimitPrice
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is an order intent: what the caller wants to happen, before the
// Order Executor translates it into an exchange action.
type Order struct {
	Instrument      Instrument
	Side            Side
	Method          OrderMethod
	Notional        decimal.Decimal // zero means Quantity drives sizing instead
	Quantity        decimal.Decimal
	LimitPrice      decimal.Decimal // zero means no limit (MARKET)
	TriggerReason   string          // e.g. "allocator", "STOP_LOSS", "TAKE_PROFIT"
	ScoreAtDecision float64
}

// Fill is a realized execution record emitted by the Order Executor.
type Fill struct {
	OrderID      string
	TradeID      string
	Instrument   Instrument
	Side         Side
	PositionSide PositionSide
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Notional     decimal.Decimal
	Fee          decimal.Decimal
	Timestamp    time.Time
	Mode         Mode
}

// ExecutedOrder is the typed view of one row returned by a private orders
// GET call, replacing dynamic dispatch over an arbitrary response shape.
type ExecutedOrder struct {
	UUID           string
	Side           Side
	ExecutedVolume decimal.Decimal
	Price          decimal.Decimal
	PaidFee        decimal.Decimal
	CreatedAt      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// Position is an open exposure in one instrument. Invariant: Volume <=
// InitialQuantity; Volume == 0 is equivalent to closed and must be evicted
// by the Position Tracker.
type Position struct {
	Instrument      Instrument
	Side            PositionSide
	Volume          decimal.Decimal // >= 0
	AvgEntryPrice   decimal.Decimal // > 0
	InitialQuantity decimal.Decimal
	OpenedAt        time.Time

	// PeakPrice is the high-water mark for LONG, low-water mark for SHORT.
	// Updated by the caller before each risk evaluation.
	PeakPrice decimal.Decimal

	TPStage        int // 0, 1, or 2
	TrailingActive bool
	StopLossRef    decimal.Decimal
	TakeProfitRef  decimal.Decimal
	InitialMargin  decimal.Decimal // notional / leverage, for derivatives; no component sets it
}

// Closed reports whether this position has zero remaining volume.
func (p Position) Closed() bool {
	return p.Volume.IsZero()
}

// PnLPct returns the unrealized PnL percentage at the given mark price,
// signed for LONG vs SHORT.
func (p Position) PnLPct(markPrice decimal.Decimal) float64 {
	if p.AvgEntryPrice.IsZero() {
		return 0
	}
	entry, _ := p.AvgEntryPrice.Float64()
	mark, _ := markPrice.Float64()
	switch p.Side {
	case SHORT:
		return (entry - mark) / entry * 100
	default:
		return (mark - entry) / entry * 100
	}
}

// ————————————————————————————————————————————————————————————————————————
// Risk Engine output
// ————————————————————————————————————————————————————————————————————————

// RiskAction is the Risk Engine's verdict for one position at one tick.
type RiskAction struct {
	Instrument  Instrument
	Action      RiskActionKind
	PnLPct      float64
	PnLNotional decimal.Decimal
	QuantityPct float64 // fraction of Volume to close; 1.0 = full close
	Reason      string
	Urgency     int // 1, 2, or 3
	EvaluatedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Scheduler job statistics
// ————————————————————————————————————————————————————————————————————————

// JobStats tracks the run history of one scheduled job.
type JobStats struct {
	Name       string
	RunCount   int64
	ErrorCount int64
	LastRun    time.Time
	NextRun    time.Time
	Status     JobStatus
}

// ————————————————————————————————————————————————————————————————————————
// Simulated wallet / persistence views
// ————————————————————————————————————————————————————————————————————————

// WalletSnapshot is the persisted simulated-mode wallet document:
// {cash, holdings: {instrument key -> qty}}, written atomically after every mutation.
type WalletSnapshot struct {
	Cash     decimal.Decimal            `json:"cash"`
	Holdings map[string]decimal.Decimal `json:"holdings"`
}

// PositionsSnapshot is the persisted open-positions document:
// {instrument -> Position record}, keyed by Instrument.Key().
type PositionsSnapshot map[string]Position
