package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/syncchannel"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"github.com/gorilla/websocket"
)

type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

func dialPush(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial push endpoint: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPush(t *testing.T, conn *websocket.Conn) threads.PushEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event threads.PushEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("failed to read push frame: %v", err)
	}
	return event
}

func TestWebSocketDeliversEventsAfterAuthentication(t *testing.T) {
	environment := newTestEnvironment(t, false)
	server := httptest.NewServer(environment.handler)
	t.Cleanup(server.Close)

	conn := dialPush(t, server.URL)
	if err := conn.WriteJSON(syncchannel.AuthFrame{Token: environment.token(t, "user-1"), ClientID: "device-1"}); err != nil {
		t.Fatalf("failed to write auth frame: %v", err)
	}
	if ack := readPush(t, conn); ack.Type != threads.EventConnected {
		t.Fatalf("expected connected ack, got %+v", ack)
	}

	environment.realtime.Publish("user-1", threads.PushEvent{Type: threads.EventMessageCreated, ThreadID: "thread-1", FromUserID: "user-2"})
	event := readPush(t, conn)
	if event.Type != threads.EventMessageCreated || event.ThreadID != "thread-1" || event.FromUserID != "user-2" {
		t.Fatalf("unexpected push event %+v", event)
	}
}

func TestWebSocketRejectsInvalidToken(t *testing.T) {
	environment := newTestEnvironment(t, false)
	server := httptest.NewServer(environment.handler)
	t.Cleanup(server.Close)

	conn := dialPush(t, server.URL)
	if err := conn.WriteJSON(syncchannel.AuthFrame{Token: "forged", ClientID: "device-1"}); err != nil {
		t.Fatalf("failed to write auth frame: %v", err)
	}
	event := readPush(t, conn)
	if event.Type != threads.EventError || event.Message != "unauthorized" {
		t.Fatalf("expected unauthorized error frame, got %+v", event)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestSyncChannelConnectsToServer(t *testing.T) {
	environment := newTestEnvironment(t, false)
	server := httptest.NewServer(environment.handler)
	t.Cleanup(server.Close)

	channel, err := syncchannel.Open(syncchannel.Config{
		URL:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		ClientID: "device-1",
		Tokens:   staticTokenSource(environment.token(t, "user-1")),
	})
	if err != nil {
		t.Fatalf("failed to open channel: %v", err)
	}
	defer channel.Close()

	select {
	case up := <-channel.Status():
		if !up {
			t.Fatalf("expected channel to report connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected channel to connect")
	}

	environment.realtime.Publish("user-1", threads.PushEvent{Type: threads.EventThreadDeleted, ThreadID: "thread-7"})
	select {
	case event := <-channel.Events():
		if event.Type != threads.EventThreadDeleted || event.ThreadID != "thread-7" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected event through the sync channel")
	}
}
