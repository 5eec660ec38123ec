// Package schwab adapts the Schwab trader, market data, and streamer APIs to
// the domain gateway and depth feed interfaces.
package schwab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/alanyoungcy/touchexec/internal/pricing"
)

// Compile-time check.
var _ domain.Broker = (*Client)(nil)

// TokenSource yields bearer tokens for API requests.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client is the REST client for the Schwab trader and market data APIs.
type Client struct {
	traderURL     string
	marketDataURL string
	tokens        TokenSource
	httpClient    *http.Client
	logger        *slog.Logger

	mu          sync.Mutex
	accountHash string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	TraderURL     string // e.g. "https://api.schwabapi.com/trader/v1"
	MarketDataURL string // e.g. "https://api.schwabapi.com/marketdata/v1"
	AccountHash   string // optional; discovered from accountNumbers when empty
	Timeout       time.Duration
}

// NewClient creates a new Schwab REST client.
func NewClient(cfg ClientConfig, tokens TokenSource, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		traderURL:     strings.TrimRight(cfg.TraderURL, "/"),
		marketDataURL: strings.TrimRight(cfg.MarketDataURL, "/"),
		tokens:        tokens,
		accountHash:   cfg.AccountHash,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With(slog.String("component", "schwab_client")),
	}
}

// AccountNumbers lists the linked accounts.
func (c *Client) AccountNumbers(ctx context.Context) ([]AccountNumber, error) {
	body, _, err := c.do(ctx, http.MethodGet, c.traderURL+"/accounts/accountNumbers", nil, false)
	if err != nil {
		return nil, fmt.Errorf("schwab: account numbers: %w", err)
	}
	var accounts []AccountNumber
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("schwab: decode account numbers: %w", err)
	}
	return accounts, nil
}

// AccountHash returns the hash of the first linked account, discovering it
// on first use.
func (c *Client) AccountHash(ctx context.Context) (string, error) {
	c.mu.Lock()
	hash := c.accountHash
	c.mu.Unlock()
	if hash != "" {
		return hash, nil
	}

	accounts, err := c.AccountNumbers(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 || accounts[0].HashValue == "" {
		return "", fmt.Errorf("schwab: no linked accounts: %w", domain.ErrNotFound)
	}

	c.mu.Lock()
	c.accountHash = accounts[0].HashValue
	c.mu.Unlock()
	return accounts[0].HashValue, nil
}

// PlaceOrder submits a DAY limit order and returns the venue order ID taken
// from the Location header.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	hash, err := c.AccountHash(ctx)
	if err != nil {
		return "", fmt.Errorf("schwab: place order: %w", err)
	}

	payload := BuildOrderPayload(req)
	_, header, err := c.do(ctx, http.MethodPost, c.traderURL+"/accounts/"+url.PathEscape(hash)+"/orders", payload, true)
	if err != nil {
		return "", fmt.Errorf("schwab: place order: %w", err)
	}

	id := OrderIDFromLocation(header.Get("Location"))
	if id == "" {
		return "", fmt.Errorf("schwab: place order: missing Location header: %w", domain.ErrOrderRejected)
	}

	c.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", id),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.String("price", payload.Price),
	)
	return id, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	hash, err := c.AccountHash(ctx)
	if err != nil {
		return fmt.Errorf("schwab: cancel order %s: %w", orderID, err)
	}
	_, _, err = c.do(ctx, http.MethodDelete, c.orderURL(hash, orderID), nil, true)
	if err != nil {
		return fmt.Errorf("schwab: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus returns the current status and filled quantity of an order.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	hash, err := c.AccountHash(ctx)
	if err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("schwab: get order %s: %w", orderID, err)
	}
	body, _, err := c.do(ctx, http.MethodGet, c.orderURL(hash, orderID), nil, false)
	if err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("schwab: get order %s: %w", orderID, err)
	}

	var order APIOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("schwab: decode order: %w", err)
	}
	return order.ToDomainReport(orderID), nil
}

// GetQuote returns the level-one quote for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.TopOfBook, error) {
	symbol = domain.NormalizeSymbol(symbol)
	u := c.marketDataURL + "/quotes?" + url.Values{"symbols": {symbol}}.Encode()

	body, _, err := c.do(ctx, http.MethodGet, u, nil, false)
	if err != nil {
		return domain.TopOfBook{}, fmt.Errorf("schwab: get quote %s: %w", symbol, err)
	}

	var entries map[string]QuoteEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return domain.TopOfBook{}, fmt.Errorf("schwab: decode quote: %w", err)
	}
	entry, ok := entries[symbol]
	if !ok {
		return domain.TopOfBook{}, fmt.Errorf("schwab: quote %s: %w", symbol, domain.ErrNotFound)
	}
	return entry.Quote.ToDomain(), nil
}

// GetPositions returns the holdings of the linked account.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	hash, err := c.AccountHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("schwab: get positions: %w", err)
	}
	u := c.traderURL + "/accounts/" + url.PathEscape(hash) + "?fields=positions"

	body, _, err := c.do(ctx, http.MethodGet, u, nil, false)
	if err != nil {
		return nil, fmt.Errorf("schwab: get positions: %w", err)
	}

	var acct AccountResponse
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("schwab: decode positions: %w", err)
	}
	out := make([]domain.Position, 0, len(acct.SecuritiesAccount.Positions))
	for _, p := range acct.SecuritiesAccount.Positions {
		out = append(out, p.ToDomain())
	}
	return out, nil
}

// StreamerInfo returns the streamer login parameters.
func (c *Client) StreamerInfo(ctx context.Context) (StreamerInfo, error) {
	body, _, err := c.do(ctx, http.MethodGet, c.traderURL+"/userPreference", nil, false)
	if err != nil {
		return StreamerInfo{}, fmt.Errorf("schwab: user preference: %w", err)
	}
	var pref UserPreference
	if err := json.Unmarshal(body, &pref); err != nil {
		return StreamerInfo{}, fmt.Errorf("schwab: decode user preference: %w", err)
	}
	if len(pref.StreamerInfo) == 0 || pref.StreamerInfo[0].StreamerSocketURL == "" {
		return StreamerInfo{}, fmt.Errorf("schwab: user preference: no streamer info: %w", domain.ErrNotFound)
	}
	return pref.StreamerInfo[0], nil
}

// BuildOrderPayload maps an order request onto the broker's single-leg
// limit order body.
func BuildOrderPayload(req domain.OrderRequest) OrderPayload {
	return OrderPayload{
		OrderType:         "LIMIT",
		Session:           "NORMAL",
		Duration:          "DAY",
		OrderStrategyType: "SINGLE",
		Price:             pricing.FormatPrice(req.Price),
		OrderLegCollection: []OrderLeg{{
			Instruction: string(req.Side),
			Quantity:    req.Quantity,
			Instrument: Instrument{
				Symbol:    domain.NormalizeSymbol(req.Symbol),
				AssetType: string(domain.AssetTypeOf(req.Symbol)),
			},
		}},
	}
}

// OrderIDFromLocation extracts the order ID from a Location header such as
// ".../accounts/{hash}/orders/{id}".
func OrderIDFromLocation(loc string) string {
	loc = strings.TrimRight(strings.TrimSpace(loc), "/")
	if loc == "" {
		return ""
	}
	if u, err := url.Parse(loc); err == nil && u.Path != "" {
		loc = u.Path
	}
	id := path.Base(loc)
	if id == "." || id == "/" {
		return ""
	}
	return id
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) orderURL(hash, orderID string) string {
	return c.traderURL + "/accounts/" + url.PathEscape(hash) + "/orders/" + url.PathEscape(orderID)
}

// do sends an authenticated request and returns the response body and
// headers. orderEndpoint selects the order-specific status mapping.
func (c *Client) do(ctx context.Context, method, fullURL string, reqBody any, orderEndpoint bool) ([]byte, http.Header, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %v", domain.ErrGatewayUnavailable, err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody, orderEndpoint); err != nil {
		return nil, nil, err
	}
	return respBody, resp.Header, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte, orderEndpoint bool) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr APIError
	msg := string(body)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.String()
	}

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case orderEndpoint && (statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity):
		return fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	case statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrGatewayUnavailable, statusCode, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
