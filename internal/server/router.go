package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "sequencer_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAPIKeys       = errors.New("api key verifier dependency required")
	errMissingCheckpoints   = errors.New("checkpoints service dependency required")
	errMissingUsers         = errors.New("users service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens clients present.
type TokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// APIKeyVerifier checks the key exchanged for a bearer token.
type APIKeyVerifier interface {
	Verify(candidate string) error
}

// RenderStore persists uploaded render audio.
type RenderStore interface {
	PutRender(ctx context.Context, threadID string, data []byte, contentType string) (threads.Render, error)
}

type Dependencies struct {
	TokenManager   TokenManager
	APIKeys        APIKeyVerifier
	Checkpoints    *checkpoints.Service
	Users          *users.Service
	Renders        RenderStore
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.APIKeys == nil {
		return nil, errMissingAPIKeys
	}
	if deps.Checkpoints == nil {
		return nil, errMissingCheckpoints
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		apiKeys:     deps.APIKeys,
		checkpoints: deps.Checkpoints,
		users:       deps.Users,
		renders:     deps.Renders,
		realtime:    realtime,
		clock:       clock,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/threads", handler.handleListThreads)
	protected.GET("/threads/invited", handler.handleListInvitedThreads)
	protected.POST("/threads", handler.handleCreateThread)
	protected.GET("/threads/:threadID", handler.handleGetThread)
	protected.DELETE("/threads/:threadID", handler.handleDeleteThread)
	protected.GET("/threads/:threadID/messages", handler.handleListMessages)
	protected.GET("/threads/:threadID/messages/latest", handler.handleLatestMessage)
	protected.POST("/threads/:threadID/messages", handler.handleCreateMessage)
	protected.DELETE("/threads/:threadID/messages/:messageID", handler.handleDeleteMessage)
	protected.POST("/threads/:threadID/messages/:messageID/renders", handler.handleUploadRender)
	protected.POST("/threads/:threadID/invites", handler.handleSendInvite)
	protected.POST("/threads/:threadID/invites/:userID/accept", handler.handleAcceptInvite)
	protected.POST("/threads/:threadID/invites/:userID/decline", handler.handleDeclineInvite)
	protected.PUT("/users/:userID/username", handler.handleSetUsername)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAny := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAny = true
		}
		allowed[trimmed] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			if allowAny {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens      TokenManager
	apiKeys     APIKeyVerifier
	checkpoints *checkpoints.Service
	users       *users.Service
	renders     RenderStore
	realtime    *RealtimeDispatcher
	clock       func() time.Time
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	APIKey string `json:"api_key"`
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.apiKeys.Verify(request.APIKey); err != nil {
		h.logger.Warn("api key verification failed", zap.String("user_id", request.UserID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.validateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// validateToken logs expiry at info level since clients refresh expired tokens routinely.
func (h *httpHandler) validateToken(token string) (string, error) {
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	return subject, nil
}

// callerMatches rejects requests that name a user other than the authenticated caller.
func callerMatches(c *gin.Context, userID string) bool {
	if userID == "" || userID == c.GetString(userIDContextKey) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	return false
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var validation *threads.ValidationError
	switch {
	case errors.Is(err, checkpoints.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, checkpoints.ErrConflict), errors.Is(err, users.ErrUsernameTaken):
		status = http.StatusConflict
	case errors.Is(err, checkpoints.ErrInvalidInput), errors.Is(err, users.ErrInvalidUserID), errors.As(err, &validation):
		status = http.StatusBadRequest
	}

	code := "internal_error"
	var serviceErr *checkpoints.ServiceError
	switch {
	case errors.As(err, &serviceErr):
		code = serviceErr.Code()
	case errors.Is(err, users.ErrUsernameTaken):
		code = "username_taken"
	case status == http.StatusBadRequest:
		code = "invalid_request"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
		c.JSON(status, gin.H{"error": code})
		return
	}
	body := gin.H{"error": code}
	if validation != nil {
		body["message"] = validation.Reason
	}
	c.JSON(status, body)
}

func (h *httpHandler) event(eventType, fromUserID, threadID string) threads.PushEvent {
	return threads.PushEvent{
		Type:       eventType,
		FromUserID: fromUserID,
		ThreadID:   threadID,
		Timestamp:  h.clock().UTC(),
	}
}

func participantIDs(thread threads.Thread) []string {
	ids := make([]string, 0, len(thread.Users))
	for _, user := range thread.Users {
		ids = append(ids, user.ID)
	}
	return ids
}
