// Package syncchannel keeps a websocket open to the thread server and surfaces its push events.
package syncchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBufferSize = 64
	errorBufferSize = 16
)

var (
	errMissingURL      = errors.New("syncchannel: url is required")
	errMissingClientID = errors.New("syncchannel: client id is required")
	errAuthRejected    = errors.New("syncchannel: server rejected authentication")
)

// TokenSource yields the bearer token sent in the auth frame.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Settings tunes timing. Zero values take the defaults from DefaultSettings.
type Settings struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// DefaultSettings returns the timing used when a field is left zero.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 5 * time.Second,
		AuthTimeout:      5 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReconnectMin:     500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	defaults := DefaultSettings()
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if s.AuthTimeout <= 0 {
		s.AuthTimeout = defaults.AuthTimeout
	}
	if s.PingInterval <= 0 {
		s.PingInterval = defaults.PingInterval
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = defaults.ReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = defaults.WriteTimeout
	}
	if s.ReconnectMin <= 0 {
		s.ReconnectMin = defaults.ReconnectMin
	}
	if s.ReconnectMax < s.ReconnectMin {
		s.ReconnectMax = defaults.ReconnectMax
		if s.ReconnectMax < s.ReconnectMin {
			s.ReconnectMax = s.ReconnectMin
		}
	}
	return s
}

// Config configures a Channel.
type Config struct {
	URL      string
	ClientID string
	Tokens   TokenSource
	Header   http.Header
	Settings Settings
	Logger   *zap.Logger
}

// AuthFrame is the first frame written after the websocket handshake.
type AuthFrame struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id"`
}

// Channel maintains a reconnecting push connection.
type Channel struct {
	url      string
	clientID string
	tokens   TokenSource
	header   http.Header
	settings Settings
	dialer   *websocket.Dialer
	logger   *zap.Logger

	events chan threads.PushEvent
	status chan bool
	errs   chan error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ threads.PushSource = (*Channel)(nil)

// Open validates the configuration and starts the connection loop.
func Open(cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errMissingClientID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := cfg.Settings.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	channel := &Channel{
		url:      cfg.URL,
		clientID: cfg.ClientID,
		tokens:   cfg.Tokens,
		header:   cfg.Header,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   logger,
		events:   make(chan threads.PushEvent, eventBufferSize),
		status:   make(chan bool, 1),
		errs:     make(chan error, errorBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go channel.run()
	return channel, nil
}

func (c *Channel) Events() <-chan threads.PushEvent { return c.events }

// Status reports connection transitions. Only the latest value is retained.
func (c *Channel) Status() <-chan bool { return c.status }

func (c *Channel) Errors() <-chan error { return c.errs }

// Close stops the loop and waits for it to exit. The event channel is closed afterwards.
func (c *Channel) Close() {
	c.once.Do(c.cancel)
	<-c.done
}

func (c *Channel) run() {
	defer func() {
		close(c.events)
		close(c.status)
		close(c.errs)
		close(c.done)
	}()

	backoff := c.settings.ReconnectMin
	for {
		ws, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Info("sync channel connect failed", zap.String("url", c.url), zap.Duration("retry_in", backoff), zap.Error(err))
			c.reportError(err)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.settings.ReconnectMax)
			continue
		}

		backoff = c.settings.ReconnectMin
		c.setStatus(true)
		err = c.serve(ws)
		c.setStatus(false)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Info("sync channel dropped", zap.Error(err))
			c.reportError(err)
		}
		if !c.sleep(backoff) {
			return
		}
	}
}

func (c *Channel) connect() (*websocket.Conn, error) {
	token := ""
	if c.tokens != nil {
		authCtx, cancel := context.WithTimeout(c.ctx, c.settings.AuthTimeout)
		value, err := c.tokens.Token(authCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("syncchannel: token: %w", err)
		}
		token = value
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.settings.HandshakeTimeout)
	defer cancel()
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("syncchannel: dial: %w", err)
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	_ = ws.SetWriteDeadline(time.Now().Add(c.settings.AuthTimeout))
	if err := ws.WriteJSON(AuthFrame{Token: token, ClientID: c.clientID}); err != nil {
		return nil, fmt.Errorf("syncchannel: write auth: %w", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.settings.AuthTimeout))
	var ack threads.PushEvent
	if err := ws.ReadJSON(&ack); err != nil {
		return nil, fmt.Errorf("syncchannel: read auth ack: %w", err)
	}
	switch ack.Type {
	case threads.EventConnected:
	case threads.EventError:
		return nil, fmt.Errorf("%w: %s", errAuthRejected, ack.Message)
	default:
		return nil, fmt.Errorf("%w: unexpected frame %q", errAuthRejected, ack.Type)
	}

	success = true
	return ws, nil
}

// serve pumps events until the connection fails or the channel closes.
func (c *Channel) serve(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(c.ctx)
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	})

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		defer handleCancel()
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.settings.WriteTimeout))
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer handleCancel()
		for {
			_ = ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
			messageType, payload, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			var event threads.PushEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				c.logger.Debug("sync channel dropped malformed frame", zap.Error(err))
				continue
			}
			if event.Type == "" {
				continue
			}
			if event.Type == threads.EventError {
				c.reportError(fmt.Errorf("syncchannel: server error: %s", event.Message))
				continue
			}
			select {
			case c.events <- event:
			case <-handleCtx.Done():
				return
			}
		}
	}()

	<-handleCtx.Done()
	// Unblock the reader so it exits before the socket is reused.
	_ = ws.SetReadDeadline(time.Now())
	<-pingDone
	<-readDone
	if c.ctx.Err() != nil {
		return nil
	}
	select {
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	default:
		return nil
	}
}

func (c *Channel) setStatus(up bool) {
	select {
	case <-c.status:
	default:
	}
	select {
	case c.status <- up:
	default:
	}
}

func (c *Channel) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Debug("sync channel error dropped", zap.Error(err))
	}
}

func (c *Channel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}
