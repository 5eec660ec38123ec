package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Side indicates whether an execution buys or sells.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes s and returns the matching Side.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
	}
}

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusWorking  OrderStatus = "WORKING"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
	OrderStatusExpired  OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will no longer work the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// AssetType distinguishes equities from listed options.
type AssetType string

const (
	AssetEquity AssetType = "EQUITY"
	AssetOption AssetType = "OPTION"
)

var optionSymbolRe = regexp.MustCompile(`\d{6}[CP]\d{8}`)

// IsOptionSymbol reports whether symbol carries an OCC-style
// expiry/right/strike suffix.
func IsOptionSymbol(symbol string) bool {
	return optionSymbolRe.MatchString(symbol)
}

// AssetTypeOf classifies a symbol.
func AssetTypeOf(symbol string) AssetType {
	if IsOptionSymbol(symbol) {
		return AssetOption
	}
	return AssetEquity
}

// NormalizeSymbol uppercases and trims a symbol at an ingress point.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OrderRequest is a single-leg DAY limit order. ExecutionID is local
// bookkeeping and is never sent to the venue.
type OrderRequest struct {
	ExecutionID string
	Symbol      string
	Side        Side
	Quantity    int64
	Price       float64
}

// Validate checks the request before it is sent to a venue.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %d", ErrInvalidOrder, r.Quantity)
	}
	if r.Price <= 0 {
		return fmt.Errorf("%w: price %v", ErrInvalidOrder, r.Price)
	}
	return nil
}

// OrderStatusReport is the result of a status poll. FilledQuantity is
// cumulative for the order and never decreases.
type OrderStatusReport struct {
	OrderID        string
	Status         OrderStatus
	FilledQuantity int64
}

// WorkingOrder is the single live order of an execution.
type WorkingOrder struct {
	OrderID  string    `json:"order_id"`
	Price    float64   `json:"price"`
	Quantity int64     `json:"quantity"`
	PlacedAt time.Time `json:"placed_at"`
}

// OrderRecord is the persisted history row for one placed order.
type OrderRecord struct {
	OrderID        string      `json:"order_id"`
	ExecutionID    string      `json:"execution_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Price          float64     `json:"price"`
	Quantity       int64       `json:"quantity"`
	FilledQuantity int64       `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
