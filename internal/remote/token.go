package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
)

// tokenRefreshSkew renews a token shortly before the server would reject it.
const tokenRefreshSkew = 30 * time.Second

var (
	errMissingAPIKey = errors.New("remote: api key is required")
	errMissingUserID = errors.New("remote: user id is required")
	errEmptyToken    = errors.New("remote: token response carried no access token")
)

// TokenSource yields bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// APIKeyTokenConfig configures an APIKeyTokenSource.
type APIKeyTokenConfig struct {
	BaseURL    string
	APIKey     string
	UserID     string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// APIKeyTokenSource exchanges an API key for short-lived access tokens and caches them until expiry.
type APIKeyTokenSource struct {
	endpoint string
	apiKey   string
	userID   string
	http     *http.Client
	clock    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// NewAPIKeyTokenSource validates the configuration.
func NewAPIKeyTokenSource(cfg APIKeyTokenConfig) (*APIKeyTokenSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errMissingUserID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &APIKeyTokenSource{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/auth/token",
		apiKey:   cfg.APIKey,
		userID:   cfg.UserID,
		http:     httpClient,
		clock:    clock,
	}, nil
}

// Token returns the cached token or fetches a new one.
func (s *APIKeyTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.clock().Before(s.expiresAt) {
		return s.token, nil
	}

	payload, err := json.Marshal(tokenRequest{APIKey: s.apiKey, UserID: s.userID})
	if err != nil {
		return "", fmt.Errorf("remote: encode token request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("remote: build token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.http.Do(request)
	if err != nil {
		return "", &threads.NetworkError{Operation: opIssueToken, Err: err}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("remote: %s: %w", opIssueToken, ErrUnauthorized)
	case response.StatusCode >= http.StatusBadRequest:
		return "", &threads.NetworkError{Operation: opIssueToken, Err: fmt.Errorf("status %d", response.StatusCode)}
	}

	var decoded tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", &threads.NetworkError{Operation: opIssueToken, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.AccessToken == "" {
		return "", errEmptyToken
	}

	lifetime := time.Duration(decoded.ExpiresIn) * time.Second
	if lifetime > tokenRefreshSkew {
		lifetime -= tokenRefreshSkew
	}
	s.token = decoded.AccessToken
	s.expiresAt = s.clock().Add(lifetime)
	return s.token, nil
}

// Invalidate drops the cached token so the next request fetches a fresh one.
func (s *APIKeyTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}
