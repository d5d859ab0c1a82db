package server

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
)

func TestThreadLifecycle(t *testing.T) {
	environment := newTestEnvironment(t, false)
	thread := environment.createThread(t, "user-1", "jam")
	if thread.ID == "" || !thread.HasUser("user-1") {
		t.Fatalf("expected creator membership, got %+v", thread)
	}

	var list threadsResponsePayload
	recorder := environment.do(t, "user-1", http.MethodGet, "/threads?user_id=user-1", nil, &list)
	expectStatus(t, recorder, http.StatusOK)
	if len(list.Threads) != 1 || list.Threads[0].ID != thread.ID {
		t.Fatalf("unexpected thread list %+v", list.Threads)
	}

	recorder = environment.do(t, "user-1", http.MethodGet, "/threads?user_id=user-2", nil, nil)
	expectStatus(t, recorder, http.StatusForbidden)

	recorder = environment.do(t, "user-2", http.MethodGet, "/threads/"+thread.ID, nil, nil)
	expectStatus(t, recorder, http.StatusNotFound)
	expectErrorCode(t, recorder, "checkpoints.get_thread.thread_not_found")

	recorder = environment.do(t, "user-1", http.MethodDelete, "/threads/"+thread.ID, nil, nil)
	expectStatus(t, recorder, http.StatusNoContent)
	recorder = environment.do(t, "user-1", http.MethodGet, "/threads/"+thread.ID, nil, nil)
	expectStatus(t, recorder, http.StatusNotFound)
}

func TestCreateMessageNotifiesOtherMembers(t *testing.T) {
	environment := newTestEnvironment(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	authorStream, _ := environment.realtime.Subscribe(ctx, "author")
	memberStream, _ := environment.realtime.Subscribe(ctx, "member")

	var thread threads.Thread
	recorder := environment.do(t, "author", http.MethodPost, "/threads", threads.CreateThreadRequest{
		ClientID: "client-1",
		Name:     "duet",
		Users:    []threads.Participant{{ID: "member", Name: "member"}},
	}, &thread)
	expectStatus(t, recorder, http.StatusCreated)
	if event := receiveEvent(t, memberStream); event.Type != threads.EventThreadInvitation || event.ThreadID != thread.ID {
		t.Fatalf("unexpected creation event %+v", event)
	}
	expectNoEvent(t, authorStream)

	request := threads.CreateMessageRequest{
		ClientID: "message-client-1",
		UserID:   "author",
		Snapshot: snapshot.Empty(),
	}
	var message threads.Message
	recorder = environment.do(t, "author", http.MethodPost, "/threads/"+thread.ID+"/messages", request, &message)
	expectStatus(t, recorder, http.StatusCreated)
	if message.ID == "" || message.ClientID != "message-client-1" {
		t.Fatalf("unexpected message %+v", message)
	}

	event := receiveEvent(t, memberStream)
	if event.Type != threads.EventMessageCreated || event.FromUserID != "author" || event.MessageID != message.ID {
		t.Fatalf("unexpected message event %+v", event)
	}
	expectNoEvent(t, authorStream)

	var latest threads.Message
	recorder = environment.do(t, "member", http.MethodGet, "/threads/"+thread.ID+"/messages/latest?include_snapshot=true", nil, &latest)
	expectStatus(t, recorder, http.StatusOK)
	if latest.ID != message.ID || latest.Snapshot == nil {
		t.Fatalf("expected latest message with snapshot, got %+v", latest)
	}

	var page messagesResponsePayload
	recorder = environment.do(t, "member", http.MethodGet, "/threads/"+thread.ID+"/messages?order=desc&limit=5", nil, &page)
	expectStatus(t, recorder, http.StatusOK)
	if len(page.Messages) != 1 || page.Messages[0].Snapshot != nil {
		t.Fatalf("expected one message without snapshot, got %+v", page.Messages)
	}

	recorder = environment.do(t, "member", http.MethodGet, "/threads/"+thread.ID+"/messages?order=sideways", nil, nil)
	expectStatus(t, recorder, http.StatusBadRequest)

	recorder = environment.do(t, "author", http.MethodDelete, "/threads/"+thread.ID+"/messages/"+message.ID, nil, nil)
	expectStatus(t, recorder, http.StatusNoContent)
	if event := receiveEvent(t, memberStream); event.Type != threads.EventMessageDeleted {
		t.Fatalf("unexpected delete event %+v", event)
	}
	recorder = environment.do(t, "author", http.MethodDelete, "/threads/"+thread.ID+"/messages/"+message.ID, nil, nil)
	expectStatus(t, recorder, http.StatusNotFound)
}

func TestCreateMessageRejectsForeignAuthor(t *testing.T) {
	environment := newTestEnvironment(t, false)
	thread := environment.createThread(t, "user-1", "solo")

	recorder := environment.do(t, "user-1", http.MethodPost, "/threads/"+thread.ID+"/messages", threads.CreateMessageRequest{
		ClientID: "c-1",
		UserID:   "someone-else",
		Snapshot: snapshot.Empty(),
	}, nil)
	expectStatus(t, recorder, http.StatusBadRequest)
	expectErrorCode(t, recorder, "checkpoints.create_message.author_mismatch")
}

func TestInviteFlowPushesToParticipants(t *testing.T) {
	environment := newTestEnvironment(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ownerStream, _ := environment.realtime.Subscribe(ctx, "owner")
	guestStream, _ := environment.realtime.Subscribe(ctx, "guest")
	thirdStream, _ := environment.realtime.Subscribe(ctx, "third")

	thread := environment.createThread(t, "owner", "band")

	recorder := environment.do(t, "owner", http.MethodPost, "/threads/"+thread.ID+"/invites", threads.InviteRequest{
		UserID:    "guest",
		UserName:  "guest_1",
		InvitedBy: "owner",
	}, nil)
	expectStatus(t, recorder, http.StatusCreated)
	if event := receiveEvent(t, guestStream); event.Type != threads.EventThreadInvitation || event.FromUserID != "owner" {
		t.Fatalf("unexpected invitation event %+v", event)
	}

	var invited threadsResponsePayload
	recorder = environment.do(t, "guest", http.MethodGet, "/threads/invited?user_id=guest", nil, &invited)
	expectStatus(t, recorder, http.StatusOK)
	if len(invited.Threads) != 1 {
		t.Fatalf("expected one invited thread, got %d", len(invited.Threads))
	}

	recorder = environment.do(t, "third", http.MethodPost, "/threads/"+thread.ID+"/invites/guest/accept", map[string]string{"user_name": "guest_1"}, nil)
	expectStatus(t, recorder, http.StatusForbidden)

	recorder = environment.do(t, "guest", http.MethodPost, "/threads/"+thread.ID+"/invites/guest/accept", map[string]string{"user_name": "bad name!"}, nil)
	expectStatus(t, recorder, http.StatusBadRequest)

	var accepted threads.Thread
	recorder = environment.do(t, "guest", http.MethodPost, "/threads/"+thread.ID+"/invites/guest/accept", map[string]string{"user_name": "guest_1"}, &accepted)
	expectStatus(t, recorder, http.StatusOK)
	if !accepted.HasUser("guest") {
		t.Fatalf("expected guest to be a member, got %+v", accepted.Users)
	}
	if event := receiveEvent(t, ownerStream); event.Type != threads.EventInvitationAccepted || event.FromUserID != "guest" {
		t.Fatalf("unexpected acceptance event %+v", event)
	}
	expectNoEvent(t, guestStream)

	recorder = environment.do(t, "guest", http.MethodPost, "/threads/"+thread.ID+"/invites", threads.InviteRequest{UserID: "third", InvitedBy: "guest"}, nil)
	expectStatus(t, recorder, http.StatusCreated)
	receiveEvent(t, thirdStream)

	recorder = environment.do(t, "third", http.MethodPost, "/threads/"+thread.ID+"/invites/third/decline", nil, nil)
	expectStatus(t, recorder, http.StatusOK)
	if event := receiveEvent(t, guestStream); event.Type != threads.EventInvitationDeclined || event.FromUserID != "third" {
		t.Fatalf("unexpected decline event %+v", event)
	}

	recorder = environment.do(t, "owner", http.MethodPost, "/threads/"+thread.ID+"/invites", threads.InviteRequest{UserID: "guest", InvitedBy: "owner"}, nil)
	expectStatus(t, recorder, http.StatusConflict)
	expectErrorCode(t, recorder, "checkpoints.send_invite.already_member")
}

func TestSetUsernameConflicts(t *testing.T) {
	environment := newTestEnvironment(t, false)

	recorder := environment.do(t, "user-1", http.MethodPut, "/users/user-1/username", map[string]string{"username": "drummer"}, nil)
	expectStatus(t, recorder, http.StatusOK)

	recorder = environment.do(t, "user-2", http.MethodPut, "/users/user-2/username", map[string]string{"username": "drummer"}, nil)
	expectStatus(t, recorder, http.StatusConflict)
	expectErrorCode(t, recorder, "username_taken")

	recorder = environment.do(t, "user-2", http.MethodPut, "/users/user-2/username", map[string]string{"username": "x"}, nil)
	expectStatus(t, recorder, http.StatusBadRequest)

	recorder = environment.do(t, "user-2", http.MethodPut, "/users/user-1/username", map[string]string{"username": "bassist"}, nil)
	expectStatus(t, recorder, http.StatusForbidden)
}

func newRenderRequest(t *testing.T, token, path string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="take.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write form part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	return request
}

func TestUploadRenderAttachesToMessage(t *testing.T) {
	environment := newTestEnvironment(t, true)
	thread := environment.createThread(t, "user-1", "mix")
	var message threads.Message
	recorder := environment.do(t, "user-1", http.MethodPost, "/threads/"+thread.ID+"/messages", threads.CreateMessageRequest{
		ClientID: "c-1",
		Snapshot: snapshot.Empty(),
	}, &message)
	expectStatus(t, recorder, http.StatusCreated)
	if message.UserID != "user-1" {
		t.Fatalf("expected author to default to the caller, got %q", message.UserID)
	}

	path := "/threads/" + thread.ID + "/messages/" + message.ID + "/renders"
	recorder = httptest.NewRecorder()
	environment.handler.ServeHTTP(recorder, newRenderRequest(t, environment.token(t, "user-1"), path, []byte("RIFF....WAVE")))
	expectStatus(t, recorder, http.StatusCreated)
	if len(environment.renders.uploads) != 1 {
		t.Fatalf("expected one upload, got %d", len(environment.renders.uploads))
	}

	var page messagesResponsePayload
	recorder = environment.do(t, "user-1", http.MethodGet, "/threads/"+thread.ID+"/messages", nil, &page)
	expectStatus(t, recorder, http.StatusOK)
	if len(page.Messages) != 1 || len(page.Messages[0].Renders) != 1 || page.Messages[0].Renders[0].UploadStatus != threads.UploadStatusCompleted {
		t.Fatalf("expected attached render, got %+v", page.Messages)
	}

	recorder = httptest.NewRecorder()
	environment.handler.ServeHTTP(recorder, newRenderRequest(t, environment.token(t, "stranger"), path, []byte("RIFF")))
	expectStatus(t, recorder, http.StatusNotFound)
	if len(environment.renders.uploads) != 1 {
		t.Fatalf("expected stranger upload to be refused before storage")
	}
}

func TestUploadRenderDisabledWithoutStorage(t *testing.T) {
	environment := newTestEnvironment(t, false)
	thread := environment.createThread(t, "user-1", "mix")
	recorder := httptest.NewRecorder()
	path := "/threads/" + thread.ID + "/messages/m-1/renders"
	environment.handler.ServeHTTP(recorder, newRenderRequest(t, environment.token(t, "user-1"), path, []byte("RIFF")))
	expectStatus(t, recorder, http.StatusServiceUnavailable)
	expectErrorCode(t, recorder, "renders_disabled")
}
