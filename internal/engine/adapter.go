package engine

import (
	"context"

	"cryptoengine/internal/exchange"
	"cryptoengine/internal/executor"
	"cryptoengine/pkg/types"
)

// exchangeClientAdapter satisfies executor.exchangeClient by translating
// its logical PlaceOrderRequest into exchange.OrderRequest. The two types
// are kept separate so the executor package never imports the exchange
// package directly — it only depends on the narrow interface it declares.
type exchangeClientAdapter struct {
	client *exchange.Client
}

func (a exchangeClientAdapter) PlaceOrder(ctx context.Context, req executor.PlaceOrderRequest) (*types.ExecutedOrder, error) {
	return a.client.PlaceOrder(ctx, exchange.OrderRequest{
		Market:       req.Market,
		Side:         req.Side,
		OrdType:      req.OrdType,
		Price:        req.Price,
		Volume:       req.Volume,
		PositionSide: req.PositionSide,
	})
}

func (a exchangeClientAdapter) GetAccounts(ctx context.Context) (types.BalancesSnapshot, error) {
	return a.client.GetAccounts(ctx)
}

func (a exchangeClientAdapter) CancelAll(ctx context.Context, inst *types.Instrument) error {
	return a.client.CancelAll(ctx, inst)
}
