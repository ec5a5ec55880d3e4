// Package marketdata implements the Market Data Adapter: the only component
// that talks to the exchange's public (and account) REST surface. It adds a
// short-TTL ticker cache with a fallback to the last-known-good ticker when a
// refresh fails, and candle validation that drops bars failing the OHLC
// invariant and rejects a series whose open times are not strictly
// ascending. Candles are not cached: gaps between bars are not checked, and
// a failed or short candle fetch reaches the caller as is.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cryptoengine/internal/errs"
	"cryptoengine/pkg/types"
)

// exchangeClient is the subset of *exchange.Client the adapter depends on,
// kept as an interface so tests can substitute a fake.
type exchangeClient interface {
	GetCandles(ctx context.Context, inst types.Instrument, timeframe string, count int) ([]types.Candle, error)
	GetTicker(ctx context.Context, inst types.Instrument) (*types.Ticker, error)
	GetTickers(ctx context.Context, insts []types.Instrument) (map[string]types.Ticker, error)
	GetOrderbook(ctx context.Context, inst types.Instrument, depth int) (*types.Orderbook, error)
	GetAccounts(ctx context.Context) (types.BalancesSnapshot, error)
}

const tickerTTL = 5 * time.Second

type cachedTicker struct {
	ticker   types.Ticker
	cachedAt time.Time
}

// Adapter is the Market Data Adapter. Safe for concurrent use.
type Adapter struct {
	client exchangeClient
	logger *slog.Logger

	mu      sync.Mutex
	tickers map[string]cachedTicker
}

// New builds a Market Data Adapter over an exchange client.
func New(client exchangeClient, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  client,
		logger:  logger.With("component", "marketdata"),
		tickers: make(map[string]cachedTicker),
	}
}

// GetCandles fetches a candle series and drops any bar failing the OHLC
// invariant, logging once per call rather than once per bad bar.
func (a *Adapter) GetCandles(ctx context.Context, inst types.Instrument, timeframe string, count int) ([]types.Candle, error) {
	candles, err := a.client.GetCandles(ctx, inst, timeframe, count)
	if err != nil {
		return nil, err
	}

	clean := make([]types.Candle, 0, len(candles))
	dropped := 0
	for _, c := range candles {
		if !c.Valid() {
			dropped++
			continue
		}
		clean = append(clean, c)
	}
	if dropped > 0 {
		a.logger.Warn("dropped invalid candles", "instrument", inst.Key(), "dropped", dropped)
	}
	if !sortedAscending(clean) {
		return nil, errs.NewStateInconsistency(inst.Key(), "candle series is not time-ascending")
	}
	return clean, nil
}

func sortedAscending(candles []types.Candle) bool {
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			return false
		}
	}
	return true
}

// GetTicker returns a 5s-TTL-cached ticker, falling back to the last known
// good value (logging a warning) if the refresh fails and a cached value
// exists. Only returns an error when there is no cached value to fall back on.
func (a *Adapter) GetTicker(ctx context.Context, inst types.Instrument) (types.Ticker, error) {
	a.mu.Lock()
	cached, ok := a.tickers[inst.Key()]
	a.mu.Unlock()
	if ok && time.Since(cached.cachedAt) < tickerTTL {
		return cached.ticker, nil
	}

	fresh, err := a.client.GetTicker(ctx, inst)
	if err != nil {
		if ok {
			a.logger.Warn("ticker refresh failed, serving stale cache", "instrument", inst.Key(), "error", err)
			return cached.ticker, nil
		}
		return types.Ticker{}, err
	}

	a.mu.Lock()
	a.tickers[inst.Key()] = cachedTicker{ticker: *fresh, cachedAt: time.Now()}
	a.mu.Unlock()
	return *fresh, nil
}

// GetTickers batches a ticker refresh across instruments, filling the cache
// for every instrument the exchange returned and falling back to stale
// per-instrument cache entries for any it omitted.
func (a *Adapter) GetTickers(ctx context.Context, insts []types.Instrument) (map[string]types.Ticker, error) {
	fresh, err := a.client.GetTickers(ctx, insts)
	out := make(map[string]types.Ticker, len(insts))

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for _, inst := range insts {
		if fresh != nil {
			if t, ok := fresh[inst.Key()]; ok {
				a.tickers[inst.Key()] = cachedTicker{ticker: t, cachedAt: now}
				out[inst.Key()] = t
				continue
			}
		}
		if cached, ok := a.tickers[inst.Key()]; ok {
			a.logger.Warn("ticker missing from batch refresh, serving stale cache", "instrument", inst.Key())
			out[inst.Key()] = cached.ticker
		}
	}
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

// GetOrderbook fetches the order book for one instrument with no caching —
// callers needing a fresh book (e.g. limit-price derivation) always get one.
func (a *Adapter) GetOrderbook(ctx context.Context, inst types.Instrument, depth int) (*types.Orderbook, error) {
	return a.client.GetOrderbook(ctx, inst, depth)
}

// GetBalances fetches the account's per-currency balances.
func (a *Adapter) GetBalances(ctx context.Context) (types.BalancesSnapshot, error) {
	return a.client.GetAccounts(ctx)
}
