package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"cryptoengine/internal/config"
	"cryptoengine/pkg/types"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		Exchange: config.ExchangeConfig{
			BaseURL:         baseURL,
			AccessKey:       "test-access",
			SecretKey:       "test-secret",
			MinRequestGapMs: 1,
		},
	}
}

func testInstrument() types.Instrument {
	return types.Instrument{Symbol: "BTC", Quote: "KRW"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := testConfig(srv.URL)
	auth := NewAuth(cfg.Exchange)
	client := NewClient(cfg, auth, slog.Default())
	return client, srv.Close
}

func TestGetCandlesParsesRowsAndDropsMalformed(t *testing.T) {
	t.Parallel()

	rows := []candleRow{
		{OpenTimeMs: 1000, Open: "10", High: "12", Low: "9", Close: "11", Volume: "5"},
		{OpenTimeMs: 0, Open: "bad", High: "", Low: "", Close: "", Volume: ""}, // malformed, dropped
	}

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rows)
	})
	defer closeFn()

	candles, err := client.GetCandles(context.Background(), testInstrument(), "1", 2)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("len(candles) = %d, want 1 (malformed row dropped)", len(candles))
	}
	if candles[0].Close != 11 {
		t.Errorf("Close = %v, want 11", candles[0].Close)
	}
}

func TestGetCandlesUpstreamRejectedOn4xx(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	})
	defer closeFn()

	_, err := client.GetCandles(context.Background(), testInstrument(), "1", 10)
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestGetTickerReturnsParsedView(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]tickerResponse{
			{Market: "BTCKRW", TradePrice: "100.5", SignedChangeRate: "0.02"},
		})
	})
	defer closeFn()

	ticker, err := client.GetTicker(context.Background(), testInstrument())
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.LastPrice != 100.5 {
		t.Errorf("LastPrice = %v, want 100.5", ticker.LastPrice)
	}
}

func TestGetTickerEmptyResponseIsRejected(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]tickerResponse{})
	})
	defer closeFn()

	_, err := client.GetTicker(context.Background(), testInstrument())
	if err == nil {
		t.Fatal("expected error on empty ticker array")
	}
}

func TestGetAccountsParsesBalances(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("expected Authorization header on private endpoint")
		}
		_ = json.NewEncoder(w).Encode([]accountEntry{
			{Currency: "KRW", Balance: "1000000", Locked: "0"},
			{Currency: "BTC", Balance: "0.5", Locked: "0.1"},
		})
	})
	defer closeFn()

	balances, err := client.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("len(balances) = %d, want 2", len(balances))
	}
	btc := balances["BTC"]
	if !btc.Total.Equal(btc.Free.Add(btc.Used)) {
		t.Errorf("Total != Free+Used for BTC balance")
	}
}

func TestPlaceOrderReturnsExecutedOrder(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executedOrderResponse{
			UUID: "abc-123", Side: "bid", ExecutedVolume: "0.1", Price: "50000", PaidFee: "5",
		})
	})
	defer closeFn()

	order, err := client.PlaceOrder(context.Background(), OrderRequest{
		Market: "BTCKRW", Side: "bid", OrdType: "price", Price: "50000",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.UUID != "abc-123" {
		t.Errorf("UUID = %q, want abc-123", order.UUID)
	}
	if order.Side != types.BUY {
		t.Errorf("Side = %q, want BUY", order.Side)
	}
}

func TestPlaceOrderMissingUUIDIsRejected(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(executedOrderResponse{})
	})
	defer closeFn()

	_, err := client.PlaceOrder(context.Background(), OrderRequest{Market: "BTCKRW", Side: "bid", OrdType: "market"})
	if err == nil {
		t.Fatal("expected error on empty uuid response")
	}
}

func TestGetOrdersDowngradesRejectionToEmpty(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("no such order"))
	})
	defer closeFn()

	orders, err := client.GetOrders(context.Background(), testInstrument(), "done", 1, 10)
	if err != nil {
		t.Fatalf("expected downgraded nil error, got %v", err)
	}
	if orders != nil {
		t.Errorf("expected nil orders on rejection, got %v", orders)
	}
}

func TestCancelOrderSucceeds(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	if err := client.CancelOrder(context.Background(), "abc-123"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}

func TestGetOrderbookParsesLevels(t *testing.T) {
	t.Parallel()

	client, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"market": "BTCKRW",
			"bids": [{"price": "100", "size": "1"}],
			"asks": [{"price": "101", "size": "2"}]
		}`))
	})
	defer closeFn()

	book, err := client.GetOrderbook(context.Background(), testInstrument(), 5)
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("unexpected book depth: %+v", book)
	}
}
