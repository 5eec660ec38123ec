package domain

import "context"

// OrderGateway is the order-management surface of a venue.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error)
}

// QuoteProvider fetches a single top-of-book quote on demand.
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (TopOfBook, error)
}

// PositionProvider lists account positions.
type PositionProvider interface {
	GetPositions(ctx context.Context) ([]Position, error)
}

// Broker is the full venue collaborator.
type Broker interface {
	OrderGateway
	QuoteProvider
	PositionProvider
}

// DepthFeed delivers full-side book replacements for subscribed symbols.
type DepthFeed interface {
	Subscribe(ctx context.Context, symbol string) error
	Updates() <-chan DepthUpdate
}

// MarketDataSource produces the current book snapshot for a symbol. It
// returns ErrMarketDataUnavailable when neither depth nor quote data exists.
type MarketDataSource interface {
	Snapshot(ctx context.Context, symbol string) (BookSnapshot, error)
}
