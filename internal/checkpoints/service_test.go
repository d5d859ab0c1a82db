package checkpoints

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%03d", g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("exhausted ids")
}

type recordingCache struct {
	mu          sync.Mutex
	latest      map[string]threads.Message
	reads       int
	invalidated []string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{latest: make(map[string]threads.Message)}
}

func (c *recordingCache) Latest(_ context.Context, threadID string) (threads.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	message, ok := c.latest[threadID]
	return message, ok, nil
}

func (c *recordingCache) StoreLatest(_ context.Context, message threads.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[message.ThreadID] = message
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.latest, threadID)
	c.invalidated = append(c.invalidated, threadID)
	return nil
}

func newTestService(t *testing.T, cache LatestCache) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:sequencer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	current := time.Unix(1700000000, 0).UTC()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		current = current.Add(time.Second)
		return current
	}

	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       clock,
		IDProvider:  &sequenceIDGenerator{},
		LatestCache: cache,
	})
	if err != nil {
		t.Fatalf("failed to construct checkpoints service: %v", err)
	}
	return service, db
}

func mustCreateThread(t *testing.T, service *Service, creatorID, name string) threads.Thread {
	t.Helper()
	thread, err := service.CreateThread(context.Background(), creatorID, threads.CreateThreadRequest{
		ClientID: "client-" + name,
		Name:     name,
		Users:    []threads.Participant{{ID: creatorID, Name: creatorID + "-name"}},
	})
	if err != nil {
		t.Fatalf("unexpected create thread error: %v", err)
	}
	return thread
}

func mustCreateMessage(t *testing.T, service *Service, userID, threadID, clientID string) threads.Message {
	t.Helper()
	message, err := service.CreateMessage(context.Background(), userID, threads.CreateMessageRequest{
		ThreadID: threadID,
		ClientID: clientID,
		UserID:   userID,
		Snapshot: snapshot.Empty(),
	})
	if err != nil {
		t.Fatalf("unexpected create message error: %v", err)
	}
	return message
}

func oneSectionSnapshot(steps int) snapshot.Snapshot {
	value := snapshot.Empty()
	value.Source.Table.Sections = []snapshot.Section{{NumSteps: steps}}
	value.Source.Table.Layers = [][]snapshot.Layer{{{Len: steps}}}
	for index := range value.Source.Table.TableCells {
		value.Source.Table.TableCells[index] = make([]*snapshot.Cell, steps)
	}
	return value
}

func assertCode(t *testing.T, err error, sentinel error, code string) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T", err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("unexpected error code %q, want %q", serviceErr.Code(), code)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequenceIDGenerator{}}); err == nil {
		t.Fatalf("expected error for missing database")
	}
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if _, err := NewService(ServiceConfig{Database: db}); err == nil {
		t.Fatalf("expected error for missing id provider")
	}
}

func TestCreateThreadIsIdempotentPerClientID(t *testing.T) {
	service, db := newTestService(t, nil)

	first := mustCreateThread(t, service, "user-1", "beat")
	second := mustCreateThread(t, service, "user-1", "beat")
	if first.ID != second.ID {
		t.Fatalf("expected replayed create to return %s, got %s", first.ID, second.ID)
	}
	if len(first.Users) != 1 || first.Users[0].ID != "user-1" || first.Users[0].Name != "user-1-name" {
		t.Fatalf("expected creator as sole member, got %+v", first.Users)
	}

	var count int64
	if err := db.Model(&ThreadRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count threads: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one stored thread, got %d", count)
	}
}

func TestCreateThreadSurfacesIDFailure(t *testing.T) {
	service, db := newTestService(t, nil)
	service.idProvider = failingIDGenerator{}

	_, err := service.CreateThread(context.Background(), "user-1", threads.CreateThreadRequest{Name: "x"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "checkpoints.create_thread.id_generation_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
	var count int64
	db.Model(&ThreadRecord{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback, found %d threads", count)
	}
}

func TestCreateMessageAppendsAndDeduplicates(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")

	first := mustCreateMessage(t, service, "user-1", thread.ID, "local-1")
	replayed := mustCreateMessage(t, service, "user-1", thread.ID, "local-1")
	if first.ID != replayed.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, replayed.ID)
	}
	second := mustCreateMessage(t, service, "user-1", thread.ID, "local-2")

	if first.SendStatus != threads.SendStatusSent || first.Snapshot == nil {
		t.Fatalf("expected confirmed message with snapshot, got %+v", first)
	}

	withSection, err := service.CreateMessage(context.Background(), "user-1", threads.CreateMessageRequest{
		ThreadID: thread.ID,
		ClientID: "local-3",
		Snapshot: oneSectionSnapshot(8),
	})
	if err != nil {
		t.Fatalf("unexpected create message error: %v", err)
	}
	metadata := withSection.Metadata
	if metadata.SectionsCount != 1 || metadata.SectionsSteps[0] != 8 || metadata.Layers[0] != 1 || metadata.SectionsLoopsNum[0] != 1 {
		t.Fatalf("expected summarized metadata, got %+v", metadata)
	}

	reloaded, err := service.GetThread(context.Background(), "user-1", thread.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if len(reloaded.MessageIDs) != 3 || reloaded.MessageIDs[0] != first.ID || reloaded.MessageIDs[1] != second.ID {
		t.Fatalf("unexpected message ids %v", reloaded.MessageIDs)
	}
	if !reloaded.UpdatedAt.After(thread.UpdatedAt) {
		t.Fatalf("expected updated_at to advance")
	}
}

func TestCreateMessageRejectsNonMembersAndMismatchedAuthor(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")

	_, err := service.CreateMessage(context.Background(), "user-2", threads.CreateMessageRequest{ThreadID: thread.ID, Snapshot: snapshot.Empty()})
	assertCode(t, err, ErrNotFound, "checkpoints.create_message.thread_not_found")

	_, err = service.CreateMessage(context.Background(), "user-1", threads.CreateMessageRequest{ThreadID: thread.ID, UserID: "user-2", Snapshot: snapshot.Empty()})
	assertCode(t, err, ErrInvalidInput, "checkpoints.create_message.author_mismatch")
}

func TestListMessagesOrdersAndLimits(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")
	ids := make([]string, 0, 3)
	for index := 0; index < 3; index++ {
		ids = append(ids, mustCreateMessage(t, service, "user-1", thread.ID, fmt.Sprintf("local-%d", index)).ID)
	}

	testCases := []struct {
		name     string
		query    threads.MessageQuery
		expected []string
	}{
		{name: "ascending", query: threads.MessageQuery{Order: threads.OrderAsc}, expected: ids},
		{name: "descending limited", query: threads.MessageQuery{Order: threads.OrderDesc, Limit: 2}, expected: []string{ids[2], ids[1]}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			messages, err := service.ListMessages(context.Background(), "user-1", thread.ID, testCase.query)
			if err != nil {
				t.Fatalf("unexpected list error: %v", err)
			}
			if len(messages) != len(testCase.expected) {
				t.Fatalf("expected %d messages, got %d", len(testCase.expected), len(messages))
			}
			for index, message := range messages {
				if message.ID != testCase.expected[index] {
					t.Fatalf("unexpected message at %d: %s", index, message.ID)
				}
				if message.Snapshot != nil {
					t.Fatalf("expected snapshot to be omitted")
				}
			}
		})
	}
}

func TestLatestMessageUsesCache(t *testing.T) {
	cache := newRecordingCache()
	service, _ := newTestService(t, cache)
	thread := mustCreateThread(t, service, "user-1", "beat")

	_, err := service.LatestMessage(context.Background(), "user-1", thread.ID, true)
	assertCode(t, err, ErrNotFound, "checkpoints.latest_message.no_messages")

	created := mustCreateMessage(t, service, "user-1", thread.ID, "local-1")
	latest, err := service.LatestMessage(context.Background(), "user-1", thread.ID, true)
	if err != nil {
		t.Fatalf("unexpected latest error: %v", err)
	}
	if latest.ID != created.ID {
		t.Fatalf("expected cached latest %s, got %s", created.ID, latest.ID)
	}

	if err := service.DeleteMessage(context.Background(), "user-1", thread.ID, created.ID); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if len(cache.invalidated) != 1 || cache.invalidated[0] != thread.ID {
		t.Fatalf("expected cache invalidation, got %v", cache.invalidated)
	}
	_, err = service.LatestMessage(context.Background(), "user-1", thread.ID, true)
	assertCode(t, err, ErrNotFound, "checkpoints.latest_message.no_messages")
}

func TestDeleteMessageMissingIsNotFound(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")

	err := service.DeleteMessage(context.Background(), "user-1", thread.ID, "missing")
	assertCode(t, err, ErrNotFound, "checkpoints.delete_message.message_not_found")
}

func TestInviteLifecycle(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")
	ctx := context.Background()

	invited, err := service.SendInvite(ctx, "user-1", thread.ID, threads.InviteRequest{UserID: "user-2", UserName: "bob"})
	if err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}
	if invite, ok := invited.PendingInvite("user-2"); !ok || invite.InvitedBy != "user-1" {
		t.Fatalf("expected pending invite, got %+v", invited.Invites)
	}

	pending, err := service.ListInvitedThreads(ctx, "user-2")
	if err != nil || len(pending) != 1 || pending[0].ID != thread.ID {
		t.Fatalf("unexpected invited threads %+v (err %v)", pending, err)
	}
	if _, err := service.GetThread(ctx, "user-2", thread.ID); err != nil {
		t.Fatalf("expected invitee to see thread: %v", err)
	}

	joined, accepted, err := service.AcceptInvite(ctx, "user-2", thread.ID, "bobby")
	if err != nil {
		t.Fatalf("unexpected accept error: %v", err)
	}
	if !joined.HasUser("user-2") || len(joined.Invites) != 0 {
		t.Fatalf("expected membership without pending invites, got %+v", joined)
	}
	if accepted.InvitedBy != "user-1" || accepted.UserName != "bobby" {
		t.Fatalf("unexpected accepted invite %+v", accepted)
	}

	again, _, err := service.AcceptInvite(ctx, "user-2", thread.ID, "bobby")
	if err != nil || len(again.Users) != 2 {
		t.Fatalf("expected repeated accept to be a no-op, got %+v (err %v)", again.Users, err)
	}

	_, err = service.SendInvite(ctx, "user-1", thread.ID, threads.InviteRequest{UserID: "user-2"})
	assertCode(t, err, ErrConflict, "checkpoints.send_invite.already_member")

	listed, err := service.ListThreads(ctx, "user-2")
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected member thread listing, got %+v (err %v)", listed, err)
	}
}

func TestDeclineInviteHidesThread(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")
	ctx := context.Background()

	if _, err := service.SendInvite(ctx, "user-1", thread.ID, threads.InviteRequest{UserID: "user-3"}); err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}
	_, declined, err := service.DeclineInvite(ctx, "user-3", thread.ID)
	if err != nil {
		t.Fatalf("unexpected decline error: %v", err)
	}
	if declined.Status != threads.InviteStatusDeclined || declined.InvitedBy != "user-1" {
		t.Fatalf("unexpected declined invite %+v", declined)
	}

	_, err = service.GetThread(ctx, "user-3", thread.ID)
	assertCode(t, err, ErrNotFound, "checkpoints.get_thread.thread_not_found")

	_, _, err = service.DeclineInvite(ctx, "user-3", thread.ID)
	assertCode(t, err, ErrNotFound, "checkpoints.decline_invite.invite_not_found")
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	service, db := newTestService(t, newRecordingCache())
	thread := mustCreateThread(t, service, "user-1", "beat")
	mustCreateMessage(t, service, "user-1", thread.ID, "local-1")
	if _, err := service.SendInvite(context.Background(), "user-1", thread.ID, threads.InviteRequest{UserID: "user-2"}); err != nil {
		t.Fatalf("unexpected invite error: %v", err)
	}

	_, err := service.DeleteThread(context.Background(), "user-2", thread.ID)
	assertCode(t, err, ErrNotFound, "checkpoints.delete_thread.thread_not_found")

	members, err := service.DeleteThread(context.Background(), "user-1", thread.ID)
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if len(members) != 1 || members[0] != "user-1" {
		t.Fatalf("unexpected former members %v", members)
	}
	for _, model := range Models() {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected %T rows to be removed, found %d", model, count)
		}
	}
}

func TestAttachRenderReplacesByID(t *testing.T) {
	service, _ := newTestService(t, nil)
	thread := mustCreateThread(t, service, "user-1", "beat")
	message := mustCreateMessage(t, service, "user-1", thread.ID, "local-1")
	ctx := context.Background()

	if _, err := service.AttachRender(ctx, "user-1", thread.ID, message.ID, threads.Render{ID: "r1", UploadStatus: threads.UploadStatusUploading}); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	updated, err := service.AttachRender(ctx, "user-1", thread.ID, message.ID, threads.Render{ID: "r1", URL: "https://cdn/r1.wav", UploadStatus: threads.UploadStatusCompleted})
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if len(updated.Renders) != 1 || updated.Renders[0].URL != "https://cdn/r1.wav" {
		t.Fatalf("unexpected renders %+v", updated.Renders)
	}
}
