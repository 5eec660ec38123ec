package schwab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/touchexec/internal/crypto"
	"github.com/alanyoungcy/touchexec/internal/domain"
	"golang.org/x/sync/singleflight"
)

// refreshSkew is how early before expiry an access token is refreshed.
const refreshSkew = 60 * time.Second

// TokenStore loads the OAuth token file, keeps it fresh, and writes refreshed
// tokens back. Concurrent callers that find the token stale share one
// refresh request.
type TokenStore struct {
	path      string
	codec     crypto.FileCodec
	tokenURL  string
	appKey    string
	appSecret string

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	token Token
	group singleflight.Group
}

// TokenConfig configures a TokenStore.
type TokenConfig struct {
	Path      string
	Password  string // encrypts the token file at rest when set
	TokenURL  string // e.g. "https://api.schwabapi.com/v1/oauth/token"
	AppKey    string
	AppSecret string
}

// NewTokenStore creates a TokenStore. Call Load before use.
func NewTokenStore(cfg TokenConfig, logger *slog.Logger) *TokenStore {
	return &TokenStore{
		path:      cfg.Path,
		codec:     crypto.FileCodec{Password: cfg.Password},
		tokenURL:  cfg.TokenURL,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "schwab_token")),
		now:    time.Now,
	}
}

// Load reads the token file.
func (s *TokenStore) Load() error {
	data, err := s.codec.Read(s.path)
	if err != nil {
		return fmt.Errorf("schwab: load token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("schwab: decode token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return fmt.Errorf("schwab: token file %s has no tokens: %w", s.path, domain.ErrUnauthorized)
	}
	if tok.ExpiresAt.IsZero() && tok.ExpiresIn > 0 {
		tok.ExpiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return nil
}

// AccessToken returns a valid access token, refreshing it first when it
// expires within a minute.
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()

	if !tok.Expired(s.now(), refreshSkew) {
		return tok.AccessToken, nil
	}

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(Token).AccessToken, nil
}

func (s *TokenStore) refresh(ctx context.Context) (Token, error) {
	s.mu.RLock()
	current := s.token
	s.mu.RUnlock()

	// Another caller may have refreshed while this one waited.
	if !current.Expired(s.now(), refreshSkew) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return Token{}, fmt.Errorf("schwab: refresh token: no refresh token: %w", domain.ErrUnauthorized)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("schwab: refresh token: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.appKey, s.appSecret)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("schwab: refresh token: %w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("schwab: refresh token: read response: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest {
		// An expired or revoked refresh token needs a new login.
		return Token{}, fmt.Errorf("schwab: refresh token: %w: %s", domain.ErrUnauthorized, string(body))
	}
	if err := checkHTTPStatus(resp.StatusCode, body, false); err != nil {
		return Token{}, fmt.Errorf("schwab: refresh token: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("schwab: refresh token: decode: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	tok.ExpiresAt = s.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	if err := s.save(tok); err != nil {
		s.logger.Warn("persist refreshed token failed", slog.String("error", err.Error()))
	}
	s.logger.Info("access token refreshed", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (s *TokenStore) save(tok Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("schwab: encode token: %w", err)
	}
	return s.codec.Write(s.path, data)
}
