package schwab

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

// flexFloat unmarshals from a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// --------------------------------------------------------------------------
// Trader API DTOs
// --------------------------------------------------------------------------

// AccountNumber pairs a plain account number with the opaque hash the
// trader endpoints expect in their path.
type AccountNumber struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
}

// Instrument identifies what an order leg trades.
type Instrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"`
}

// OrderLeg is one leg of an order.
type OrderLeg struct {
	Instruction string     `json:"instruction"`
	Quantity    int64      `json:"quantity"`
	Instrument  Instrument `json:"instrument"`
}

// OrderPayload is the body of a place-order request.
type OrderPayload struct {
	OrderType          string     `json:"orderType"`
	Session            string     `json:"session"`
	Duration           string     `json:"duration"`
	OrderStrategyType  string     `json:"orderStrategyType"`
	Price              string     `json:"price"`
	OrderLegCollection []OrderLeg `json:"orderLegCollection"`
}

// APIOrder is an order as returned by the order lookup endpoint.
type APIOrder struct {
	OrderID           flexInt   `json:"orderId"`
	Status            string    `json:"status"`
	Quantity          flexFloat `json:"quantity"`
	FilledQuantity    flexFloat `json:"filledQuantity"`
	RemainingQuantity flexFloat `json:"remainingQuantity"`
	Price             flexFloat `json:"price"`
}

// flexInt unmarshals an order ID sent either as a number or a string.
type flexInt string

func (f *flexInt) UnmarshalJSON(data []byte) error {
	*f = flexInt(strings.Trim(string(data), `"`))
	return nil
}

// ToDomainReport converts the order into the venue-neutral status report.
func (o APIOrder) ToDomainReport(orderID string) domain.OrderStatusReport {
	return domain.OrderStatusReport{
		OrderID:        orderID,
		Status:         MapOrderStatus(o.Status),
		FilledQuantity: int64(o.FilledQuantity),
	}
}

// MapOrderStatus folds the broker's order statuses into the domain set.
// Statuses that are neither filled nor terminal are treated as working.
func MapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "CANCELLED", "REPLACED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusWorking
	}
}

// Quote is the level-one quote block of a quotes response entry.
type Quote struct {
	BidPrice  flexFloat `json:"bidPrice"`
	AskPrice  flexFloat `json:"askPrice"`
	BidSize   flexFloat `json:"bidSize"`
	AskSize   flexFloat `json:"askSize"`
	LastPrice flexFloat `json:"lastPrice"`
}

// QuoteEntry is one symbol of a quotes response.
type QuoteEntry struct {
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// ToDomain converts the quote into a top-of-book view.
func (q Quote) ToDomain() domain.TopOfBook {
	return domain.TopOfBook{
		Bid:     float64(q.BidPrice),
		BidSize: float64(q.BidSize),
		Ask:     float64(q.AskPrice),
		AskSize: float64(q.AskSize),
	}
}

// APIPosition is one position of an account response.
type APIPosition struct {
	LongQuantity  flexFloat  `json:"longQuantity"`
	ShortQuantity flexFloat  `json:"shortQuantity"`
	MarketValue   flexFloat  `json:"marketValue"`
	AveragePrice  flexFloat  `json:"averagePrice"`
	Instrument    Instrument `json:"instrument"`
}

// ToDomain converts the position.
func (p APIPosition) ToDomain() domain.Position {
	asset := domain.AssetEquity
	if strings.EqualFold(p.Instrument.AssetType, string(domain.AssetOption)) {
		asset = domain.AssetOption
	}
	return domain.Position{
		Symbol:        strings.ToUpper(p.Instrument.Symbol),
		AssetType:     asset,
		LongQuantity:  float64(p.LongQuantity),
		ShortQuantity: float64(p.ShortQuantity),
		MarketValue:   float64(p.MarketValue),
		AveragePrice:  float64(p.AveragePrice),
	}
}

// AccountResponse wraps the securities account returned with
// fields=positions.
type AccountResponse struct {
	SecuritiesAccount struct {
		AccountNumber string        `json:"accountNumber"`
		Positions     []APIPosition `json:"positions"`
	} `json:"securitiesAccount"`
}

// StreamerInfo carries what the streamer login request needs.
type StreamerInfo struct {
	StreamerSocketURL      string `json:"streamerSocketUrl"`
	SchwabClientCustomerID string `json:"schwabClientCustomerId"`
	SchwabClientCorrelID   string `json:"schwabClientCorrelId"`
	SchwabClientChannel    string `json:"schwabClientChannel"`
	SchwabClientFunctionID string `json:"schwabClientFunctionId"`
}

// UserPreference is the subset of the user preference response the
// streamer uses.
type UserPreference struct {
	StreamerInfo []StreamerInfo `json:"streamerInfo"`
}

// APIError is the error body returned by the REST endpoints.
type APIError struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

func (e APIError) String() string {
	if len(e.Errors) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Errors, "; ")
}

// --------------------------------------------------------------------------
// OAuth
// --------------------------------------------------------------------------

// Token is the OAuth token file contents.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token expires within skew of now.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	return t.ExpiresAt.IsZero() || !now.Add(skew).Before(t.ExpiresAt)
}
