// Package remote implements the thread server API over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"go.uber.org/zap"
)

const (
	opCreateThread       = "create_thread"
	opDeleteThread       = "delete_thread"
	opListThreads        = "list_threads"
	opListInvitedThreads = "list_invited_threads"
	opGetThread          = "get_thread"
	opListMessages       = "list_messages"
	opGetLatestMessage   = "get_latest_message"
	opCreateMessage      = "create_message"
	opDeleteMessage      = "delete_message"
	opSendInvite         = "send_invite"
	opAcceptInvite       = "accept_invite"
	opDeclineInvite      = "decline_invite"
	opSetUsername        = "set_username"
	opIssueToken         = "issue_token"
	defaultTimeout       = 15 * time.Second
	maxErrorBodyBytes    = 4096
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	// ErrUnauthorized is returned when the server rejects the access token.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client talks to the thread server. It performs no retries.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

var _ threads.RemoteAPI = (*Client)(nil)

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, http: httpClient, tokens: cfg.Tokens, logger: logger}, nil
}

type threadsEnvelope struct {
	Threads []threads.Thread `json:"threads"`
}

type messagesEnvelope struct {
	Messages []threads.Message `json:"messages"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) CreateThread(ctx context.Context, request threads.CreateThreadRequest) (threads.Thread, error) {
	var thread threads.Thread
	err := c.do(ctx, opCreateThread, http.MethodPost, "/threads", nil, request, &thread)
	return thread, err
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, opDeleteThread, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil, nil)
}

func (c *Client) ListThreads(ctx context.Context, userID string) ([]threads.Thread, error) {
	var envelope threadsEnvelope
	query := url.Values{"user_id": []string{userID}}
	if err := c.do(ctx, opListThreads, http.MethodGet, "/threads", query, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Threads, nil
}

func (c *Client) ListInvitedThreads(ctx context.Context, userID string) ([]threads.Thread, error) {
	var envelope threadsEnvelope
	query := url.Values{"user_id": []string{userID}}
	if err := c.do(ctx, opListInvitedThreads, http.MethodGet, "/threads/invited", query, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Threads, nil
}

func (c *Client) GetThread(ctx context.Context, threadID string) (threads.Thread, error) {
	var thread threads.Thread
	err := c.do(ctx, opGetThread, http.MethodGet, "/threads/"+url.PathEscape(threadID), nil, nil, &thread)
	return thread, err
}

func (c *Client) ListMessages(ctx context.Context, threadID string, query threads.MessageQuery) ([]threads.Message, error) {
	values := url.Values{}
	if query.Order != "" {
		values.Set("order", string(query.Order))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	values.Set("include_snapshot", strconv.FormatBool(query.IncludeSnapshot))
	var envelope messagesEnvelope
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, opListMessages, http.MethodGet, path, values, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Messages, nil
}

func (c *Client) GetLatestMessage(ctx context.Context, threadID string, includeSnapshot bool) (threads.Message, error) {
	values := url.Values{"include_snapshot": []string{strconv.FormatBool(includeSnapshot)}}
	var message threads.Message
	path := "/threads/" + url.PathEscape(threadID) + "/messages/latest"
	err := c.do(ctx, opGetLatestMessage, http.MethodGet, path, values, nil, &message)
	return message, err
}

func (c *Client) CreateMessage(ctx context.Context, request threads.CreateMessageRequest) (threads.Message, error) {
	var message threads.Message
	path := "/threads/" + url.PathEscape(request.ThreadID) + "/messages"
	err := c.do(ctx, opCreateMessage, http.MethodPost, path, nil, request, &message)
	return message, err
}

func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, opDeleteMessage, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) SendInvite(ctx context.Context, threadID string, request threads.InviteRequest) (threads.Thread, error) {
	var thread threads.Thread
	path := "/threads/" + url.PathEscape(threadID) + "/invites"
	err := c.do(ctx, opSendInvite, http.MethodPost, path, nil, request, &thread)
	return thread, err
}

func (c *Client) AcceptInvite(ctx context.Context, threadID, userID, userName string) (threads.Thread, error) {
	var thread threads.Thread
	path := "/threads/" + url.PathEscape(threadID) + "/invites/" + url.PathEscape(userID) + "/accept"
	err := c.do(ctx, opAcceptInvite, http.MethodPost, path, nil, map[string]string{"user_name": userName}, &thread)
	return thread, err
}

func (c *Client) DeclineInvite(ctx context.Context, threadID, userID string) (threads.Thread, error) {
	var thread threads.Thread
	path := "/threads/" + url.PathEscape(threadID) + "/invites/" + url.PathEscape(userID) + "/decline"
	err := c.do(ctx, opDeclineInvite, http.MethodPost, path, nil, nil, &thread)
	return thread, err
}

func (c *Client) SetUsername(ctx context.Context, userID, username string) error {
	path := "/users/" + url.PathEscape(userID) + "/username"
	return c.do(ctx, opSetUsername, http.MethodPut, path, nil, map[string]string{"username": username}, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = c.baseURL.Path + path
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: %s: encode request: %w", operation, err)
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: %s: build request: %w", operation, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("operation", operation),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return &threads.NetworkError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return c.statusError(operation, path, response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return &threads.NetworkError{Operation: operation, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) statusError(operation, path string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var decoded errorResponse
	_ = json.Unmarshal(raw, &decoded)
	reason := decoded.Message
	if reason == "" {
		reason = decoded.Error
	}
	if reason == "" {
		reason = http.StatusText(response.StatusCode)
	}
	c.logger.Debug("remote request rejected",
		zap.String("operation", operation),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("reason", reason))

	switch {
	case response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("remote: %s: %w", operation, threads.ErrNotFound)
	case response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnprocessableEntity:
		return &threads.ValidationError{Reason: reason}
	case response.StatusCode == http.StatusConflict:
		return &threads.ConflictError{Resource: operation, ID: path}
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		if invalidator, ok := c.tokens.(interface{ Invalidate() }); ok {
			invalidator.Invalidate()
		}
		return fmt.Errorf("remote: %s: %w: %s", operation, ErrUnauthorized, reason)
	default:
		return &threads.NetworkError{Operation: operation, Err: fmt.Errorf("status %d: %s", response.StatusCode, reason)}
	}
}
