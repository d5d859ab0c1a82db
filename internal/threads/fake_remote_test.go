package threads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
)

type fakeRemote struct {
	mu       sync.Mutex
	calls    map[string]int
	threads  map[string]Thread
	messages map[string][]Message
	invited  []Thread
	clock    time.Time
	nextID   int

	createMessageErr  error
	deleteMessageErr  error
	deleteThreadErr   error
	listThreadsErr    error
	listMessagesErr   error
	onCreateMessage   func()
	onGetLatest       func()
	afterListThreads  func()
	createThreadGate  chan struct{}
	deleteMessageGate chan struct{}
	deleteEntered     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		calls:    make(map[string]int),
		threads:  make(map[string]Thread),
		messages: make(map[string][]Message),
		clock:    time.Unix(1700000000, 0).UTC(),
	}
}

func (f *fakeRemote) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, count := range f.calls {
		total += count
	}
	return total
}

func (f *fakeRemote) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *fakeRemote) seedThread(thread Thread, messages ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range messages {
		message.ThreadID = thread.ID
		message.SendStatus = SendStatusSent
		thread.MessageIDs = append(thread.MessageIDs, message.ID)
		f.messages[thread.ID] = append(f.messages[thread.ID], message)
	}
	f.threads[thread.ID] = thread
}

func (f *fakeRemote) CreateThread(ctx context.Context, request CreateThreadRequest) (Thread, error) {
	f.record("CreateThread")
	if f.createThreadGate != nil {
		<-f.createThreadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := f.tick()
	thread := Thread{
		ID:         fmt.Sprintf("srv-thread-%d", f.nextID),
		Name:       request.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Users:      request.Users,
		MessageIDs: []string{},
		Metadata:   request.Metadata,
	}
	f.threads[thread.ID] = thread
	return thread, nil
}

func (f *fakeRemote) DeleteThread(ctx context.Context, threadID string) error {
	f.record("DeleteThread")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteThreadErr != nil {
		return f.deleteThreadErr
	}
	delete(f.threads, threadID)
	return nil
}

func (f *fakeRemote) ListThreads(ctx context.Context, userID string) ([]Thread, error) {
	f.record("ListThreads")
	f.mu.Lock()
	if f.listThreadsErr != nil {
		f.mu.Unlock()
		return nil, f.listThreadsErr
	}
	list := make([]Thread, 0, len(f.threads))
	for _, thread := range f.threads {
		if thread.HasUser(userID) {
			list = append(list, thread.Clone())
		}
	}
	hook := f.afterListThreads
	f.afterListThreads = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return list, nil
}

func (f *fakeRemote) ListInvitedThreads(ctx context.Context, userID string) ([]Thread, error) {
	f.record("ListInvitedThreads")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Thread(nil), f.invited...), nil
}

func (f *fakeRemote) GetThread(ctx context.Context, threadID string) (Thread, error) {
	f.record("GetThread")
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return thread.Clone(), nil
}

func (f *fakeRemote) ListMessages(ctx context.Context, threadID string, query MessageQuery) ([]Message, error) {
	f.record("ListMessages")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listMessagesErr != nil {
		return nil, f.listMessagesErr
	}
	result := make([]Message, 0)
	for _, message := range f.messages[threadID] {
		clone := message.Clone()
		if !query.IncludeSnapshot {
			clone.Snapshot = nil
		}
		result = append(result, clone)
	}
	return result, nil
}

func (f *fakeRemote) GetLatestMessage(ctx context.Context, threadID string, includeSnapshot bool) (Message, error) {
	f.record("GetLatestMessage")
	if f.onGetLatest != nil {
		f.onGetLatest()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages[threadID]
	if len(messages) == 0 {
		return Message{}, ErrNotFound
	}
	latest := messages[len(messages)-1].Clone()
	if !includeSnapshot {
		latest.Snapshot = nil
	}
	return latest, nil
}

func (f *fakeRemote) CreateMessage(ctx context.Context, request CreateMessageRequest) (Message, error) {
	f.record("CreateMessage")
	if f.onCreateMessage != nil {
		f.onCreateMessage()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createMessageErr != nil {
		return Message{}, f.createMessageErr
	}
	f.nextID++
	snap := request.Snapshot.Clone()
	message := Message{
		ID:         fmt.Sprintf("srv-msg-%d", f.nextID),
		ClientID:   request.ClientID,
		ThreadID:   request.ThreadID,
		UserID:     request.UserID,
		Timestamp:  f.tick(),
		Snapshot:   &snap,
		Metadata:   request.Metadata,
		SendStatus: SendStatusSent,
	}
	f.messages[request.ThreadID] = append(f.messages[request.ThreadID], message)
	thread := f.threads[request.ThreadID]
	thread.MessageIDs = append(thread.MessageIDs, message.ID)
	f.threads[request.ThreadID] = thread
	return message.Clone(), nil
}

func (f *fakeRemote) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	f.record("DeleteMessage")
	if f.deleteEntered != nil {
		f.deleteEntered <- struct{}{}
	}
	if f.deleteMessageGate != nil {
		<-f.deleteMessageGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteMessageErr != nil {
		return f.deleteMessageErr
	}
	kept := f.messages[threadID][:0]
	for _, message := range f.messages[threadID] {
		if message.ID != messageID {
			kept = append(kept, message)
		}
	}
	f.messages[threadID] = kept
	thread := f.threads[threadID]
	thread.MessageIDs = removeID(thread.MessageIDs, messageID)
	f.threads[threadID] = thread
	return nil
}

func (f *fakeRemote) SendInvite(ctx context.Context, threadID string, request InviteRequest) (Thread, error) {
	f.record("SendInvite")
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	thread.Invites = append(thread.Invites, Invite{
		UserID:    request.UserID,
		UserName:  request.UserName,
		InvitedBy: request.InvitedBy,
		Status:    InviteStatusPending,
		CreatedAt: f.tick(),
	})
	f.threads[threadID] = thread
	return thread.Clone(), nil
}

func (f *fakeRemote) AcceptInvite(ctx context.Context, threadID, userID, userName string) (Thread, error) {
	f.record("AcceptInvite")
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	thread.Invites = withoutInvite(thread.Invites, userID)
	thread.Users = append(thread.Users, Participant{ID: userID, Name: userName, JoinedAt: f.tick()})
	f.threads[threadID] = thread
	return thread.Clone(), nil
}

func (f *fakeRemote) DeclineInvite(ctx context.Context, threadID, userID string) (Thread, error) {
	f.record("DeclineInvite")
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	thread.Invites = withoutInvite(thread.Invites, userID)
	f.threads[threadID] = thread
	return thread.Clone(), nil
}

func (f *fakeRemote) SetUsername(ctx context.Context, userID, username string) error {
	f.record("SetUsername")
	return nil
}

type fakePlayer struct {
	mu        sync.Mutex
	recording bool
	stops     int
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) StartRecording() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = true
	return nil
}

func (p *fakePlayer) StopRecording() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = false
	return nil
}

func (p *fakePlayer) IsRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

func (p *fakePlayer) Reset() {}

var errOffline = errors.New("dial tcp: connection refused")

type storeFixture struct {
	store    *Store
	remote   *fakeRemote
	player   *fakePlayer
	document *sequencer.Document
	history  *sequencer.History
}

func newStoreFixture(t *testing.T, configure func(*StoreConfig)) storeFixture {
	t.Helper()
	remote := newFakeRemote()
	player := &fakePlayer{}
	document := sequencer.NewDocument()
	history := sequencer.NewHistory(document, sequencer.HistoryConfig{})
	cfg := StoreConfig{
		Remote:       remote,
		Document:     document,
		History:      history,
		Player:       player,
		UserID:       "user-1",
		UserName:     "alice",
		RetryBackoff: time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	t.Cleanup(store.Close)
	return storeFixture{store: store, remote: remote, player: player, document: document, history: history}
}

func mustPushCommand(t *testing.T, history *sequencer.History, command sequencer.Command) {
	t.Helper()
	if err := history.Push(command); err != nil {
		t.Fatalf("unexpected %s error: %v", command.Name(), err)
	}
}

func seedMessage(id string, minute int) Message {
	return Message{
		ID:        id,
		UserID:    "user-1",
		Timestamp: time.Unix(1600000000+int64(minute)*60, 0).UTC(),
	}
}
