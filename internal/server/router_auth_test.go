package server

import (
	contextpkg "context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/threads", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{
			validateErr: jwt.ErrTokenExpired,
		},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/threads", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	handler := &httpHandler{
		tokens: stubTokenManager{
			validateErr: errors.New("signature mismatch"),
		},
		logger: logger,
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

type stubTokenManager struct {
	validateErr error
}

func (s stubTokenManager) IssueToken(contextpkg.Context, string) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	return "", s.validateErr
}

func TestIssueTokenRequiresAPIKey(t *testing.T) {
	environment := newTestEnvironment(t, false)

	testCases := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{name: "valid key", body: map[string]string{"api_key": testAPIKey, "user_id": "user-1"}, status: http.StatusOK},
		{name: "wrong key", body: map[string]string{"api_key": "nope", "user_id": "user-1"}, status: http.StatusUnauthorized},
		{name: "missing user", body: map[string]string{"api_key": testAPIKey}, status: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var response tokenResponsePayload
			recorder := environment.do(t, "", http.MethodPost, "/auth/token", testCase.body, &response)
			expectStatus(t, recorder, testCase.status)
			if testCase.status != http.StatusOK {
				return
			}
			if response.TokenType != "Bearer" || response.ExpiresIn != 60 {
				t.Fatalf("unexpected token response %+v", response)
			}
			subject, err := environment.tokens.ValidateToken(response.AccessToken)
			if err != nil || subject != "user-1" {
				t.Fatalf("expected issued token for user-1, got %q (err %v)", subject, err)
			}
		})
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	environment := newTestEnvironment(t, false)

	recorder := environment.do(t, "", http.MethodGet, "/threads", nil, nil)
	expectStatus(t, recorder, http.StatusUnauthorized)
	expectErrorCode(t, recorder, errInvalidAuthorization.Error())

	request := httptest.NewRequest(http.MethodGet, "/threads", http.NoBody)
	request.Header.Set("Authorization", "Bearer not-a-jwt")
	recorder = httptest.NewRecorder()
	environment.handler.ServeHTTP(recorder, request)
	expectStatus(t, recorder, http.StatusUnauthorized)
	expectErrorCode(t, recorder, "unauthorized")
}
