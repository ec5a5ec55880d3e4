// Package exchange implements the generic bearer-token crypto-exchange REST
// client the Market Data Adapter and Order Executor use:
//
//   - GetCandles: GET candles    — public OHLCV rows for (market, timeframe, limit)
//   - GetTicker:  GET ticker     — public last price + 24h stats
//   - GetAccounts: GET accounts  — private per-currency balance
//   - PlaceOrder: POST orders    — private order placement
//   - GetOrders:  GET orders     — private executed-order history
//   - CancelOrder/CancelAll:     — private order cancellation
//
// Every request is rate-limited via a single TokenBucket pacer, retried up
// to twice on 5xx/network errors using resty's backoff bounded to
// 300ms-600ms between attempts (the wait does not grow linearly per
// attempt), and authenticated with a
// bearer token on private endpoints. 4xx responses are never retried and
// surface as errs.UpstreamRejected; they signal intent, not transient load.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"cryptoengine/internal/config"
	"cryptoengine/internal/errs"
	"cryptoengine/pkg/types"
)

// Client is the REST client for one configured exchange.
type Client struct {
	http   *resty.Client
	auth   *Auth
	pacer  *TokenBucket
	logger *slog.Logger
}

// NewClient creates a REST client with up to two retries (resty backoff,
// 300ms-600ms between attempts) and request pacing.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(8 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(600 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		pacer:  NewRequestPacer(cfg.Exchange.MinRequestGapMs),
		logger: logger.With("component", "exchange"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire DTOs — parsed, typed view structs per the "dynamic dispatch" redesign
// note. Constructors fail with errs.UpstreamRejected if mandatory fields are
// missing, rather than propagating an arbitrary dict shape upward.
// ————————————————————————————————————————————————————————————————————————

type candleRow struct {
	OpenTimeMs int64  `json:"open_time_ms"`
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume"`
}

func (r candleRow) toCandle() (types.Candle, error) {
	open, err1 := strconv.ParseFloat(r.Open, 64)
	high, err2 := strconv.ParseFloat(r.High, 64)
	low, err3 := strconv.ParseFloat(r.Low, 64)
	closeP, err4 := strconv.ParseFloat(r.Close, 64)
	vol, err5 := strconv.ParseFloat(r.Volume, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || r.OpenTimeMs == 0 {
		return types.Candle{}, errs.NewUpstreamRejected("get_candles", http.StatusOK, "malformed candle row")
	}
	return types.Candle{
		OpenTime: time.UnixMilli(r.OpenTimeMs).UTC(),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closeP,
		Volume:   vol,
	}, nil
}

type tickerResponse struct {
	Market           string `json:"market"`
	TradePrice       string `json:"trade_price"`
	SignedChangeRate string `json:"signed_change_rate"`
	OpeningPrice     string `json:"opening_price"`
	HighPrice        string `json:"high_price"`
	LowPrice         string `json:"low_price"`
	AccTradePrice24h string `json:"acc_trade_price_24h"`
	TimestampMs      int64  `json:"timestamp_ms"`
}

func (r tickerResponse) toTicker(inst types.Instrument) (types.Ticker, error) {
	if r.Market == "" || r.TradePrice == "" {
		return types.Ticker{}, errs.NewUpstreamRejected("get_ticker", http.StatusOK, "missing market/trade_price")
	}
	last, _ := strconv.ParseFloat(r.TradePrice, 64)
	change, _ := strconv.ParseFloat(r.SignedChangeRate, 64)
	open, _ := strconv.ParseFloat(r.OpeningPrice, 64)
	high, _ := strconv.ParseFloat(r.HighPrice, 64)
	low, _ := strconv.ParseFloat(r.LowPrice, 64)
	vol, _ := strconv.ParseFloat(r.AccTradePrice24h, 64)
	return types.Ticker{
		Instrument:    inst,
		LastPrice:     last,
		ChangeRate24h: change,
		Open24h:       open,
		High24h:       high,
		Low24h:        low,
		Volume24h:     vol,
		Timestamp:     time.UnixMilli(r.TimestampMs).UTC(),
	}, nil
}

type accountEntry struct {
	Currency    string `json:"currency"`
	Balance     string `json:"balance"`
	Locked      string `json:"locked"`
	AvgBuyPrice string `json:"avg_buy_price"`
}

// OrderRequest is the wire shape of a private order placement. Exported so
// callers outside this package (the Order Executor) can construct one
// without an adapter type duplicating these fields.
type OrderRequest struct {
	Market       string `json:"market"`
	Side         string `json:"side"`     // "bid" or "ask"
	OrdType      string `json:"ord_type"` // "price", "market", or "limit"
	Price        string `json:"price,omitempty"`
	Volume       string `json:"volume,omitempty"`
	PositionSide string `json:"position_side,omitempty"`
}

type executedOrderResponse struct {
	UUID           string `json:"uuid"`
	Side           string `json:"side"`
	ExecutedVolume string `json:"executed_volume"`
	Price          string `json:"price"`
	PaidFee        string `json:"paid_fee"`
	CreatedAt      string `json:"created_at"`
}

func (r executedOrderResponse) toExecutedOrder() (types.ExecutedOrder, error) {
	if r.UUID == "" {
		return types.ExecutedOrder{}, errs.NewUpstreamRejected("get_orders", http.StatusOK, "missing uuid")
	}
	vol, _ := decimalParse(r.ExecutedVolume)
	price, _ := decimalParse(r.Price)
	fee, _ := decimalParse(r.PaidFee)
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		createdAt = time.Time{}
	}
	side := types.BUY
	if r.Side == "ask" {
		side = types.SELL
	}
	return types.ExecutedOrder{
		UUID:           r.UUID,
		Side:           side,
		ExecutedVolume: vol,
		Price:          price,
		PaidFee:        fee,
		CreatedAt:      createdAt,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// GetCandles fetches a time-ascending OHLCV series for (instrument, timeframe, count).
func (c *Client) GetCandles(ctx context.Context, inst types.Instrument, timeframe string, count int) ([]types.Candle, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []candleRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": inst.Key(),
			"unit":   timeframe,
			"count":  strconv.Itoa(count),
		}).
		SetResult(&rows).
		Get("/candles")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_candles", err)
	}
	if err := classify(resp, "get_candles"); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := row.toCandle()
		if err != nil {
			continue // dropped: NaN/malformed rows must not reach the caller
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetTicker fetches the public last-price summary for one instrument.
func (c *Client) GetTicker(ctx context.Context, inst types.Instrument) (*types.Ticker, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", inst.Key()).
		SetResult(&rows).
		Get("/ticker")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_ticker", err)
	}
	if err := classify(resp, "get_ticker"); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.NewUpstreamRejected("get_ticker", resp.StatusCode(), "empty ticker response")
	}

	ticker, err := rows[0].toTicker(inst)
	if err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetTickers fetches tickers for several instruments in one request.
func (c *Client) GetTickers(ctx context.Context, insts []types.Instrument) (map[string]types.Ticker, error) {
	if len(insts) == 0 {
		return map[string]types.Ticker{}, nil
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	keys := make([]string, len(insts))
	byKey := make(map[string]types.Instrument, len(insts))
	for i, inst := range insts {
		keys[i] = inst.Key()
		byKey[inst.Key()] = inst
	}

	var rows []tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("markets", joinComma(keys)).
		SetResult(&rows).
		Get("/ticker")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_tickers", err)
	}
	if err := classify(resp, "get_tickers"); err != nil {
		return nil, err
	}

	out := make(map[string]types.Ticker, len(rows))
	for _, row := range rows {
		inst, ok := byKey[row.Market]
		if !ok {
			continue
		}
		ticker, err := row.toTicker(inst)
		if err != nil {
			continue
		}
		out[inst.Key()] = ticker
	}
	return out, nil
}

// GetOrderbook fetches the order book for one instrument to the given depth.
func (c *Client) GetOrderbook(ctx context.Context, inst types.Instrument, depth int) (*types.Orderbook, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var raw struct {
		Market string `json:"market"`
		Bids   []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"markets": inst.Key(), "depth": strconv.Itoa(depth)}).
		SetResult(&raw).
		Get("/orderbook")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_orderbook", err)
	}
	if err := classify(resp, "get_orderbook"); err != nil {
		return nil, err
	}

	book := &types.Orderbook{Instrument: inst, Timestamp: time.Now().UTC()}
	for _, b := range raw.Bids {
		price, _ := strconv.ParseFloat(b.Price, 64)
		size, _ := strconv.ParseFloat(b.Size, 64)
		book.Bids = append(book.Bids, types.PriceLevel{Price: price, Size: size})
	}
	for _, a := range raw.Asks {
		price, _ := strconv.ParseFloat(a.Price, 64)
		size, _ := strconv.ParseFloat(a.Size, 64)
		book.Asks = append(book.Asks, types.PriceLevel{Price: price, Size: size})
	}
	return book, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// GetAccounts fetches per-currency {balance, locked, avg_buy_price}.
func (c *Client) GetAccounts(ctx context.Context) (types.BalancesSnapshot, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers(nil)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var entries []accountEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&entries).
		Get("/accounts")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_accounts", err)
	}
	if err := classify(resp, "get_accounts"); err != nil {
		return nil, err
	}

	out := make(types.BalancesSnapshot, len(entries))
	for _, e := range entries {
		free, _ := decimalParse(e.Balance)
		locked, _ := decimalParse(e.Locked)
		out[e.Currency] = types.Balance{Free: free, Used: locked, Total: free.Add(locked)}
	}
	return out, nil
}

// PlaceOrder submits one order and returns the typed executed-order view.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*types.ExecutedOrder, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("market", req.Market)
	q.Set("side", req.Side)
	q.Set("ord_type", req.OrdType)
	if req.Price != "" {
		q.Set("price", req.Price)
	}
	if req.Volume != "" {
		q.Set("volume", req.Volume)
	}
	if req.PositionSide != "" {
		q.Set("position_side", req.PositionSide)
	}

	headers, err := c.auth.Headers(q)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result executedOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("place_order", err)
	}
	if err := classify(resp, "place_order"); err != nil {
		return nil, err
	}

	order, err := result.toExecutedOrder()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders fetches executed orders for an instrument, paged.
func (c *Client) GetOrders(ctx context.Context, inst types.Instrument, state string, page, limit int) ([]types.ExecutedOrder, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("market", inst.Key())
	q.Set("state", state)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	headers, err := c.auth.Headers(q)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var rows []executedOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParamsFromValues(q).
		SetResult(&rows).
		Get("/orders")
	if err != nil {
		return nil, errs.NewUpstreamUnavailable("get_orders", err)
	}
	if err := classify(resp, "get_orders"); err != nil {
		// An "upstream rejected" on trade-history read is
		// downgraded to an empty list for a per-instrument call.
		var rejected *errs.UpstreamRejected
		if asUpstreamRejected(err, &rejected) {
			c.logger.Warn("trade history read rejected, downgrading to empty", "instrument", inst.Key())
			return nil, nil
		}
		return nil, err
	}

	out := make([]types.ExecutedOrder, 0, len(rows))
	for _, row := range rows {
		eo, err := row.toExecutedOrder()
		if err != nil {
			continue
		}
		out = append(out, eo)
	}
	return out, nil
}

// CancelOrder cancels one order by UUID.
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("uuid", orderUUID)
	headers, err := c.auth.Headers(q)
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParamsFromValues(q).
		Delete("/order")
	if err != nil {
		return errs.NewUpstreamUnavailable("cancel_order", err)
	}
	return classify(resp, "cancel_order")
}

// CancelAll cancels every open order, optionally scoped to one instrument.
func (c *Client) CancelAll(ctx context.Context, inst *types.Instrument) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}

	q := url.Values{}
	if inst != nil {
		q.Set("market", inst.Key())
	}
	headers, err := c.auth.Headers(q)
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParamsFromValues(q).
		Delete("/orders/open")
	if err != nil {
		return errs.NewUpstreamUnavailable("cancel_all", err)
	}
	return classify(resp, "cancel_all")
}

// ————————————————————————————————————————————————————————————————————————
// helpers
// ————————————————————————————————————————————————————————————————————————

// classify turns a non-2xx resty response into the matching typed error:
// 4xx -> UpstreamRejected (never retried), 5xx -> UpstreamUnavailable.
func classify(resp *resty.Response, op string) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	if status >= 400 && status < 500 {
		return errs.NewUpstreamRejected(op, status, resp.String())
	}
	return errs.NewUpstreamUnavailable(op, fmt.Errorf("status %d: %s", status, resp.String()))
}

func asUpstreamRejected(err error, target **errs.UpstreamRejected) bool {
	rejected, ok := err.(*errs.UpstreamRejected)
	if !ok {
		return false
	}
	*target = rejected
	return true
}

// decimalParse parses an exchange-supplied numeric string into a decimal,
// defaulting to zero on an empty or malformed value rather than failing
// the whole response for one optional field.
func decimalParse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

func joinComma(vals []string) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}
