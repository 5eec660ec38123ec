package schwab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/gorilla/websocket"
)

// Book services of the streamer.
const (
	ServiceNYSEBook    = "NYSE_BOOK"
	ServiceNASDAQBook  = "NASDAQ_BOOK"
	ServiceOptionsBook = "OPTIONS_BOOK"

	serviceAdmin = "ADMIN"
	bookFields   = "0,1,2,3"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between messages from the peer. The
	// streamer heartbeats well inside this window.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// loginTimeout bounds the wait for the LOGIN response.
	loginTimeout = 15 * time.Second
)

// Compile-time check.
var _ domain.DepthFeed = (*StreamClient)(nil)

// StreamerInfoSource provides streamer login parameters.
type StreamerInfoSource interface {
	StreamerInfo(ctx context.Context) (StreamerInfo, error)
}

// StreamClient maintains the level-two book stream. Subscriptions made while
// disconnected are sent once the session logs in, and every subscription is
// restored after a reconnect.
type StreamClient struct {
	info   StreamerInfoSource
	tokens TokenSource
	logger *slog.Logger

	updates chan domain.DepthUpdate

	mu        sync.Mutex
	conn      *websocket.Conn
	streamer  StreamerInfo
	requestID int64
	subs      map[string]map[string]struct{} // service -> symbols
}

// NewStreamClient creates a StreamClient. Call Run to connect.
func NewStreamClient(info StreamerInfoSource, tokens TokenSource, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		info:    info,
		tokens:  tokens,
		logger:  logger.With(slog.String("component", "schwab_stream")),
		updates: make(chan domain.DepthUpdate, 256),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Updates returns the channel of decoded book updates.
func (s *StreamClient) Updates() <-chan domain.DepthUpdate { return s.updates }

// Subscribe subscribes a symbol to the book service(s) that carry it. Option
// symbols use OPTIONS_BOOK; equities use both NYSE_BOOK and NASDAQ_BOOK, and
// a failure on one exchange is tolerated when the other succeeds.
func (s *StreamClient) Subscribe(ctx context.Context, symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)
	if domain.IsOptionSymbol(symbol) {
		return s.SubscribeBook(ctx, ServiceOptionsBook, []string{symbol})
	}

	errNYSE := s.SubscribeBook(ctx, ServiceNYSEBook, []string{symbol})
	errNASDAQ := s.SubscribeBook(ctx, ServiceNASDAQBook, []string{symbol})
	if errNYSE != nil && errNASDAQ != nil {
		return fmt.Errorf("schwab/stream: subscribe %s: %w", symbol, errNYSE)
	}
	if errNYSE != nil || errNASDAQ != nil {
		s.logger.Warn("partial book subscription",
			slog.String("symbol", symbol),
			slog.Any("nyse_error", errNYSE),
			slog.Any("nasdaq_error", errNASDAQ),
		)
	}
	return nil
}

// SubscribeBook adds symbols to a book service. When not connected the
// symbols are queued for the next login.
func (s *StreamClient) SubscribeBook(_ context.Context, service string, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, existed := s.subs[service]
	if !existed {
		set = make(map[string]struct{})
		s.subs[service] = set
	}
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if _, ok := set[sym]; ok {
			continue
		}
		set[sym] = struct{}{}
		fresh = append(fresh, sym)
	}
	if len(fresh) == 0 || s.conn == nil {
		return nil
	}

	// SUBS replaces a service's key set; ADD extends it.
	command := "ADD"
	if len(set) == len(fresh) {
		command = "SUBS"
	}
	if err := s.sendLocked(command, service, fresh); err != nil {
		for _, sym := range fresh {
			delete(set, sym)
		}
		return fmt.Errorf("schwab/stream: %s %s: %w", command, service, err)
	}
	return nil
}

// Run connects and keeps the stream alive until ctx is cancelled,
// reconnecting with exponential backoff.
func (s *StreamClient) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = reconnectDelay
		}
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if !established {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
		}
	}
}

// session runs one connection: dial, login, restore subscriptions, and read
// until the connection fails.
func (s *StreamClient) session(ctx context.Context) (established bool, err error) {
	info, err := s.info.StreamerInfo(ctx)
	if err != nil {
		return false, err
	}
	token, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, info.StreamerSocketURL, nil)
	if err != nil {
		return false, fmt.Errorf("schwab/stream: connect: %w", err)
	}
	defer conn.Close()

	if err := s.login(conn, info, token); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.streamer = info
	restoreErr := s.restoreLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	if restoreErr != nil {
		return true, restoreErr
	}
	s.logger.Info("stream logged in", slog.String("url", info.StreamerSocketURL))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			s.mu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("schwab/stream: %w: %v", domain.ErrWSDisconnect, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(ctx, message)
	}
}

func (s *StreamClient) login(conn *websocket.Conn, info StreamerInfo, token string) error {
	req := streamRequest{
		Service:    serviceAdmin,
		Command:    "LOGIN",
		RequestID:  "0",
		CustomerID: info.SchwabClientCustomerID,
		CorrelID:   info.SchwabClientCorrelID,
		Parameters: map[string]string{
			"Authorization":          token,
			"SchwabClientChannel":    info.SchwabClientChannel,
			"SchwabClientFunctionId": info.SchwabClientFunctionID,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(streamEnvelope{Requests: []streamRequest{req}}); err != nil {
		return fmt.Errorf("schwab/stream: send login: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(loginTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("schwab/stream: read login response: %w", err)
		}
		frame, err := DecodeFrame(raw, time.Now())
		if err != nil {
			continue
		}
		for _, r := range frame.Responses {
			if r.Service != serviceAdmin || r.Command != "LOGIN" {
				continue
			}
			if r.Content.Code != 0 {
				return fmt.Errorf("schwab/stream: login rejected (code %d: %s): %w", r.Content.Code, r.Content.Msg, domain.ErrUnauthorized)
			}
			return nil
		}
	}
}

// restoreLocked re-sends every subscription. Caller must hold s.mu.
func (s *StreamClient) restoreLocked() error {
	services := make([]string, 0, len(s.subs))
	for svc := range s.subs {
		services = append(services, svc)
	}
	sort.Strings(services)

	for _, svc := range services {
		keys := make([]string, 0, len(s.subs[svc]))
		for k := range s.subs[svc] {
			keys = append(keys, k)
		}
		if len(keys) == 0 {
			continue
		}
		sort.Strings(keys)
		if err := s.sendLocked("SUBS", svc, keys); err != nil {
			return fmt.Errorf("schwab/stream: restore %s: %w", svc, err)
		}
	}
	return nil
}

// sendLocked writes a service request. Caller must hold s.mu.
func (s *StreamClient) sendLocked(command, service string, keys []string) error {
	s.requestID++
	req := streamRequest{
		Service:    service,
		Command:    command,
		RequestID:  strconv.FormatInt(s.requestID, 10),
		CustomerID: s.streamer.SchwabClientCustomerID,
		CorrelID:   s.streamer.SchwabClientCorrelID,
		Parameters: map[string]string{
			"keys":   strings.Join(keys, ","),
			"fields": bookFields,
		},
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(streamEnvelope{Requests: []streamRequest{req}})
}

func (s *StreamClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *StreamClient) handleMessage(ctx context.Context, raw []byte) {
	frame, err := DecodeFrame(raw, time.Now().UTC())
	if err != nil {
		s.logger.Debug("drop unparseable frame", slog.String("error", err.Error()))
		return
	}
	for _, r := range frame.Responses {
		if r.Content.Code != 0 {
			s.logger.Warn("stream request failed",
				slog.String("service", r.Service),
				slog.String("command", r.Command),
				slog.Int("code", r.Content.Code),
				slog.String("msg", r.Content.Msg),
			)
		}
	}
	for _, u := range frame.Updates {
		select {
		case s.updates <- u:
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Wire format
// --------------------------------------------------------------------------

type streamEnvelope struct {
	Requests []streamRequest `json:"requests"`
}

type streamRequest struct {
	Service    string            `json:"service"`
	Command    string            `json:"command"`
	RequestID  string            `json:"requestid"`
	CustomerID string            `json:"SchwabClientCustomerId"`
	CorrelID   string            `json:"SchwabClientCorrelId"`
	Parameters map[string]string `json:"parameters"`
}

// StreamResponse is a command acknowledgement from the streamer.
type StreamResponse struct {
	Service   string `json:"service"`
	Command   string `json:"command"`
	RequestID string `json:"requestid"`
	Content   struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"content"`
}

// Frame is a decoded streamer message.
type Frame struct {
	Responses []StreamResponse
	Updates   []domain.DepthUpdate
}

type rawFrame struct {
	Response []StreamResponse `json:"response"`
	Data     []struct {
		Service string                       `json:"service"`
		Content []map[string]json.RawMessage `json:"content"`
	} `json:"data"`
}

// DecodeFrame parses a streamer message. Book content carries the symbol
// under "key" and the bid and ask sides under field "2" and "3" (or the
// named BOOK_BID and BOOK_ASK). Each present side is a complete replacement.
func DecodeFrame(raw []byte, now time.Time) (Frame, error) {
	var rf rawFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return Frame{}, fmt.Errorf("schwab/stream: decode frame: %w", err)
	}

	out := Frame{Responses: rf.Response}
	for _, d := range rf.Data {
		if !isBookService(d.Service) {
			continue
		}
		venue := strings.TrimSuffix(d.Service, "_BOOK")
		for _, item := range d.Content {
			var key string
			if err := json.Unmarshal(item["key"], &key); err != nil || key == "" {
				continue
			}
			u := domain.DepthUpdate{
				Symbol:    domain.NormalizeSymbol(key),
				Venue:     venue,
				Timestamp: now,
			}
			// A side that fails to decode is left out so the book keeps
			// its previous levels.
			if rawSide, ok := firstPresent(item, "2", "BOOK_BID", "BIDS"); ok {
				u.Bids, u.HasBids = decodeLevels(rawSide, "BID_PRICE")
			}
			if rawSide, ok := firstPresent(item, "3", "BOOK_ASK", "ASKS"); ok {
				u.Asks, u.HasAsks = decodeLevels(rawSide, "ASK_PRICE")
			}
			if !u.HasBids && !u.HasAsks {
				continue
			}
			out.Updates = append(out.Updates, u)
		}
	}
	return out, nil
}

func isBookService(svc string) bool {
	switch svc {
	case ServiceNYSEBook, ServiceNASDAQBook, ServiceOptionsBook:
		return true
	}
	return false
}

func firstPresent(item map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := item[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// decodeLevels reads a list of price levels, each keyed either numerically
// ("0" price, "1" size) or by name (priceKey, TOTAL_VOLUME). It reports
// false when the list itself cannot be decoded.
func decodeLevels(raw json.RawMessage, priceKey string) ([]domain.PriceLevel, bool) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	levels := make([]domain.PriceLevel, 0, len(items))
	for _, it := range items {
		pRaw, ok := firstPresent(it, "0", priceKey, "PRICE")
		if !ok {
			continue
		}
		sRaw, _ := firstPresent(it, "1", "TOTAL_VOLUME", "SIZE")

		var price, size flexFloat
		if err := json.Unmarshal(pRaw, &price); err != nil {
			continue
		}
		if sRaw != nil {
			_ = json.Unmarshal(sRaw, &size)
		}
		levels = append(levels, domain.PriceLevel{Price: float64(price), Size: float64(size)})
	}
	return levels, true
}
