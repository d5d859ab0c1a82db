package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAPIKey = "test-api-key"

type testEnvironment struct {
	handler  http.Handler
	tokens   *auth.TokenIssuer
	realtime *RealtimeDispatcher
	renders  *stubRenderStore
}

type stubRenderStore struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func (s *stubRenderStore) PutRender(_ context.Context, threadID string, data []byte, contentType string) (threads.Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return threads.Render{}, s.err
	}
	if s.uploads == nil {
		s.uploads = make(map[string][]byte)
	}
	key := fmt.Sprintf("renders/%s/%d", threadID, len(s.uploads)+1)
	s.uploads[key] = append([]byte(nil), data...)
	return threads.Render{
		ID:           key,
		URL:          "https://cdn.example.com/" + key,
		UploadStatus: threads.UploadStatusCompleted,
	}, nil
}

func newTestEnvironment(t *testing.T, withRenders bool) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	checkpointService, err := checkpoints.NewService(checkpoints.ServiceConfig{
		Database:   db,
		IDProvider: checkpoints.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build checkpoints service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	apiKeys, err := auth.NewAPIKeyVerifier(testAPIKey)
	if err != nil {
		t.Fatalf("failed to build api key verifier: %v", err)
	}

	environment := &testEnvironment{
		tokens:   tokenIssuer,
		realtime: NewRealtimeDispatcher(),
	}
	deps := Dependencies{
		TokenManager: tokenIssuer,
		APIKeys:      apiKeys,
		Checkpoints:  checkpointService,
		Users:        userService,
		Realtime:     environment.realtime,
		Logger:       zap.NewNop(),
	}
	if withRenders {
		environment.renders = &stubRenderStore{}
		deps.Renders = environment.renders
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	environment.handler = handler
	return environment
}

func (e *testEnvironment) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.tokens.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do performs an authenticated JSON request as userID and decodes the response into out when non-nil.
func (e *testEnvironment) do(t *testing.T, userID, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Code < http.StatusBadRequest {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder
}

func (e *testEnvironment) createThread(t *testing.T, userID, name string) threads.Thread {
	t.Helper()
	var thread threads.Thread
	recorder := e.do(t, userID, http.MethodPost, "/threads", threads.CreateThreadRequest{ClientID: "client-" + name, Name: name}, &thread)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", recorder.Code, recorder.Body.String())
	}
	return thread
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("unexpected status: got %d, want %d (body %s)", recorder.Code, status, recorder.Body.String())
	}
}

func expectErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, code string) {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	if body["error"] != code {
		t.Fatalf("unexpected error code %v, want %s", body["error"], code)
	}
}

func receiveEvent(t *testing.T, stream <-chan threads.PushEvent) threads.PushEvent {
	t.Helper()
	select {
	case event := <-stream:
		return event
	case <-time.After(time.Second):
		t.Fatal("expected a push event")
		return threads.PushEvent{}
	}
}

func expectNoEvent(t *testing.T, stream <-chan threads.PushEvent) {
	t.Helper()
	select {
	case event := <-stream:
		t.Fatalf("did not expect push event %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
