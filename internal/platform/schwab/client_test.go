package schwab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alanyoungcy/touchexec/internal/domain"
)

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		TraderURL:     srv.URL + "/trader/v1",
		MarketDataURL: srv.URL + "/marketdata/v1",
	}, staticToken("tok"), discardLogger())
}

func TestPlaceOrderSendsLimitPayload(t *testing.T) {
	var got OrderPayload
	var accountCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /trader/v1/accounts/accountNumbers", func(w http.ResponseWriter, r *http.Request) {
		accountCalls.Add(1)
		_, _ = w.Write([]byte(`[{"accountNumber":"123","hashValue":"HASH1"},{"accountNumber":"456","hashValue":"HASH2"}]`))
	})
	mux.HandleFunc("POST /trader/v1/accounts/HASH1/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Location", "https://api.example.com/trader/v1/accounts/HASH1/orders/1000123")
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, mux)

	req := domain.OrderRequest{Symbol: "aapl", Side: domain.SideBuy, Quantity: 100, Price: 49.98999}
	id, err := c.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if id != "1000123" {
		t.Fatalf("order id = %q, want 1000123", id)
	}
	if got.OrderType != "LIMIT" || got.Session != "NORMAL" || got.Duration != "DAY" || got.OrderStrategyType != "SINGLE" {
		t.Fatalf("payload header = %+v", got)
	}
	if got.Price != "49.99" {
		t.Fatalf("price = %q, want 49.99", got.Price)
	}
	leg := got.OrderLegCollection[0]
	if leg.Instruction != "BUY" || leg.Quantity != 100 || leg.Instrument.Symbol != "AAPL" || leg.Instrument.AssetType != "EQUITY" {
		t.Fatalf("leg = %+v", leg)
	}

	// Account hash is discovered once.
	if _, err := c.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}
	if n := accountCalls.Load(); n != 1 {
		t.Fatalf("accountNumbers called %d times, want 1", n)
	}
}

func TestBuildOrderPayloadOption(t *testing.T) {
	p := BuildOrderPayload(domain.OrderRequest{Symbol: "AAPL  250117C00150000", Side: domain.SideSell, Quantity: 2, Price: 1.2345})
	if p.OrderLegCollection[0].Instrument.AssetType != "OPTION" {
		t.Fatalf("asset type = %q, want OPTION", p.OrderLegCollection[0].Instrument.AssetType)
	}
	if p.OrderLegCollection[0].Instruction != "SELL" {
		t.Fatalf("instruction = %q", p.OrderLegCollection[0].Instruction)
	}
	if p.Price != "1.2345" {
		t.Fatalf("price = %q", p.Price)
	}
}

func TestOrderIDFromLocation(t *testing.T) {
	cases := map[string]string{
		"https://api.schwabapi.com/trader/v1/accounts/H/orders/42": "42",
		"/trader/v1/accounts/H/orders/42/":                         "42",
		"":                                                         "",
	}
	for in, want := range cases {
		if got := OrderIDFromLocation(in); got != want {
			t.Errorf("OrderIDFromLocation(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		order  bool
		want   error
	}{
		{http.StatusNotFound, false, domain.ErrNotFound},
		{http.StatusUnauthorized, false, domain.ErrUnauthorized},
		{http.StatusForbidden, true, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, true, domain.ErrRateLimited},
		{http.StatusBadRequest, true, domain.ErrOrderRejected},
		{http.StatusUnprocessableEntity, true, domain.ErrOrderRejected},
		{http.StatusBadGateway, false, domain.ErrGatewayUnavailable},
		{http.StatusServiceUnavailable, true, domain.ErrGatewayUnavailable},
	}
	for _, tc := range cases {
		err := checkHTTPStatus(tc.status, []byte(`{"message":"nope"}`), tc.order)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d order=%v: got %v, want %v", tc.status, tc.order, err, tc.want)
		}
	}
	if err := checkHTTPStatus(http.StatusBadRequest, nil, false); errors.Is(err, domain.ErrOrderRejected) {
		t.Error("400 outside order endpoints mapped to ErrOrderRejected")
	}
	if err := checkHTTPStatus(http.StatusOK, nil, true); err != nil {
		t.Errorf("200: %v", err)
	}
}

func TestRejectedOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trader/v1/accounts/H/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"price outside band"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(ClientConfig{TraderURL: srv.URL + "/trader/v1", AccountHash: "H"}, staticToken("tok"), discardLogger())

	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 1, Price: 1})
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("got %v, want ErrOrderRejected", err)
	}
}

func TestUnreachableGateway(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{TraderURL: url, AccountHash: "H"}, staticToken("tok"), discardLogger())
	_, err := c.GetOrderStatus(context.Background(), "1")
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("got %v, want ErrGatewayUnavailable", err)
	}
}

func TestGetOrderStatusMapsStatuses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /trader/v1/accounts/H/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "1":
			_, _ = w.Write([]byte(`{"orderId":1,"status":"WORKING","quantity":100,"filledQuantity":30}`))
		case "2":
			_, _ = w.Write([]byte(`{"orderId":2,"status":"REPLACED","quantity":100,"filledQuantity":0}`))
		case "3":
			_, _ = w.Write([]byte(`{"orderId":3,"status":"PENDING_ACTIVATION","quantity":100,"filledQuantity":0}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(ClientConfig{TraderURL: srv.URL + "/trader/v1", AccountHash: "H"}, staticToken("tok"), discardLogger())

	want := map[string]domain.OrderStatusReport{
		"1": {OrderID: "1", Status: domain.OrderStatusWorking, FilledQuantity: 30},
		"2": {OrderID: "2", Status: domain.OrderStatusCanceled},
		"3": {OrderID: "3", Status: domain.OrderStatusWorking},
	}
	for id, w := range want {
		got, err := c.GetOrderStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOrderStatus(%s): %v", id, err)
		}
		if got != w {
			t.Errorf("GetOrderStatus(%s) = %+v, want %+v", id, got, w)
		}
	}
	if _, err := c.GetOrderStatus(context.Background(), "9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing order: got %v", err)
	}
}

func TestGetQuoteAndPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /marketdata/v1/quotes", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbols") != "SPY" {
			t.Errorf("symbols = %q", r.URL.Query().Get("symbols"))
		}
		_, _ = w.Write([]byte(`{"SPY":{"symbol":"SPY","quote":{"bidPrice":500.1,"askPrice":500.12,"bidSize":3,"askSize":7}}}`))
	})
	mux.HandleFunc("GET /trader/v1/accounts/H", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fields") != "positions" {
			t.Errorf("fields = %q", r.URL.Query().Get("fields"))
		}
		_, _ = w.Write([]byte(`{"securitiesAccount":{"positions":[
			{"longQuantity":100,"shortQuantity":0,"marketValue":5000,"instrument":{"symbol":"aapl","assetType":"EQUITY"}},
			{"longQuantity":0,"shortQuantity":2,"marketValue":-300,"instrument":{"symbol":"AAPL  250117C00150000","assetType":"OPTION"}}
		]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := NewClient(ClientConfig{
		TraderURL:     srv.URL + "/trader/v1",
		MarketDataURL: srv.URL + "/marketdata/v1",
		AccountHash:   "H",
	}, staticToken("tok"), discardLogger())

	q, err := c.GetQuote(context.Background(), "spy")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Bid != 500.1 || q.Ask != 500.12 || q.BidSize != 3 || q.AskSize != 7 {
		t.Fatalf("quote = %+v", q)
	}

	pos, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(pos) != 2 {
		t.Fatalf("positions = %d", len(pos))
	}
	if pos[0].Symbol != "AAPL" || pos[0].NetQuantity() != 100 {
		t.Fatalf("equity position = %+v", pos[0])
	}
	if pos[1].AssetType != domain.AssetOption || pos[1].NetQuantity() != -2 {
		t.Fatalf("option position = %+v", pos[1])
	}
}

func TestStreamerInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /trader/v1/userPreference", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"streamerInfo":[{"streamerSocketUrl":"wss://x","schwabClientCustomerId":"C","schwabClientCorrelId":"R","schwabClientChannel":"N9","schwabClientFunctionId":"APIAPP"}]}`))
	})
	c := newTestClient(t, mux)

	info, err := c.StreamerInfo(context.Background())
	if err != nil {
		t.Fatalf("StreamerInfo: %v", err)
	}
	if info.StreamerSocketURL != "wss://x" || info.SchwabClientCustomerID != "C" || info.SchwabClientFunctionID != "APIAPP" {
		t.Fatalf("info = %+v", info)
	}
}
