package threads

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/sequencer"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"go.uber.org/zap"
)

const (
	opStoreNew          = "threads.store.new"
	opLoadThreads       = "threads.load_threads"
	opRefreshThreads    = "threads.refresh_threads"
	opEnsureSummary     = "threads.ensure_thread_summary"
	opSetActiveThread   = "threads.set_active_thread"
	opCreateThread      = "threads.create_thread"
	opSendMessage       = "threads.send_message"
	opRetryMessage      = "threads.retry_message"
	opApplyMessage      = "threads.apply_message"
	opDeleteThread      = "threads.delete_thread"
	opDeleteMessage     = "threads.delete_message"
	opLoadProject       = "threads.load_project"
	opPreloadMessages   = "threads.preload_messages"
	opRefreshMessages   = "threads.refresh_messages"
	opSendInvite        = "threads.send_invite"
	opAcceptInvite      = "threads.accept_invite"
	opDeclineInvite     = "threads.decline_invite"
	opHandlePush        = "threads.handle_push"
	defaultRecentLimit  = 20
	defaultRetryBackoff = 500 * time.Millisecond
	defaultRetryCount   = 3
)

var (
	errMissingRemote   = errors.New("remote api is required")
	errMissingDocument = errors.New("document and history are required")
	errMissingUserID   = errors.New("user identifier is required")
)

// StoreConfig wires a Store to its collaborators.
type StoreConfig struct {
	Remote        RemoteAPI
	Document      *sequencer.Document
	History       *sequencer.History
	Codec         *snapshot.Codec
	Player        Player
	AudioCache    AudioCache
	Drafts        DraftStore
	DraftsEnabled bool
	UserID        string
	UserName      string
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	RecentLimit   int
	RetryCount    int
	RetryBackoff  time.Duration
}

type cachedSnapshot struct {
	messageID string
	snapshot  snapshot.Snapshot
}

// Store reconciles the local view of threads and checkpoints with the server.
type Store struct {
	remote        RemoteAPI
	document      *sequencer.Document
	history       *sequencer.History
	codec         *snapshot.Codec
	player        Player
	audio         AudioCache
	drafts        DraftStore
	draftsEnabled bool
	userID        string
	clock         func() time.Time
	ids           IDProvider
	logger        *zap.Logger
	recentLimit   int
	retryCount    int
	retryBackoff  time.Duration
	hub           *changeHub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	userName   string
	loaded     bool
	refreshing bool
	closed     bool
	threads    map[string]*Thread
	messages   map[string][]Message
	snapshots  map[string]cachedSnapshot
	resolved   map[string]string
	inflight   map[string]struct{}
	withdrawn  map[string]struct{}
	activeID   string
	generation uint64
}

// NewStore constructs a store. Close must be called to stop background work.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingRemote)
	}
	if cfg.Document == nil || cfg.History == nil {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingDocument)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%s: %w", opStoreNew, errMissingUserID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	codec := cfg.Codec
	if codec == nil {
		codec = snapshot.NewCodec(snapshot.CodecConfig{Logger: logger})
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewULIDProvider(clock)
	}
	var player Player = noopPlayer{}
	if cfg.Player != nil {
		player = cfg.Player
	}
	var audio AudioCache = noopAudioCache{}
	if cfg.AudioCache != nil {
		audio = cfg.AudioCache
	}
	recentLimit := cfg.RecentLimit
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	retryCount := cfg.RetryCount
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		remote:        cfg.Remote,
		document:      cfg.Document,
		history:       cfg.History,
		codec:         codec,
		player:        player,
		audio:         audio,
		drafts:        cfg.Drafts,
		draftsEnabled: cfg.DraftsEnabled && cfg.Drafts != nil,
		userID:        cfg.UserID,
		userName:      cfg.UserName,
		clock:         clock,
		ids:           ids,
		logger:        logger,
		recentLimit:   recentLimit,
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
		hub:           newChangeHub(32),
		ctx:           ctx,
		cancel:        cancel,
		threads:       make(map[string]*Thread),
		messages:      make(map[string][]Message),
		snapshots:     make(map[string]cachedSnapshot),
		resolved:      make(map[string]string),
		inflight:      make(map[string]struct{}),
		withdrawn:     make(map[string]struct{}),
	}, nil
}

// Close stops background work and waits for it to finish. Subscriptions are closed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.hub.close()
}

// Subscribe observes a scope. An empty threadID observes all threads. The returned cancel func is idempotent.
func (s *Store) Subscribe(scope Scope, threadID string) (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.subscribe(scope, s.resolveLocked(threadID))
}

// UserName returns the username of the local user, empty until one is set.
func (s *Store) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

// ResolveThreadID maps a client-generated thread id to the server id once the thread is persisted.
func (s *Store) ResolveThreadID(threadID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(threadID)
}

// Threads returns every cached thread, most recently updated first.
func (s *Store) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedThreadsLocked()
}

// Thread returns a cached thread.
func (s *Store) Thread(threadID string) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[s.resolveLocked(threadID)]
	if !ok {
		return Thread{}, false
	}
	return thread.Clone(), true
}

// ActiveThread returns the thread bound to the live document.
func (s *Store) ActiveThread() (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return Thread{}, false
	}
	thread, ok := s.threads[s.activeID]
	if !ok {
		return Thread{ID: s.activeID}, true
	}
	return thread.Clone(), true
}

// Messages returns the cached messages of a thread: confirmed ones by server timestamp, then unconfirmed
// ones in insertion order.
func (s *Store) Messages(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached := s.messages[s.resolveLocked(threadID)]
	result := make([]Message, len(cached))
	for index, message := range cached {
		result[index] = message.Clone()
	}
	return result
}

// LoadThreads returns the cached thread list and refreshes it in the background. The first call loads
// synchronously, invites included.
func (s *Store) LoadThreads(ctx context.Context) ([]Thread, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.loaded {
		list := s.sortedThreadsLocked()
		s.mu.Unlock()
		s.refreshInBackground()
		return list, nil
	}
	s.mu.Unlock()

	if err := s.refreshThreads(ctx); err != nil {
		s.logError(opLoadThreads, "refresh_failed", err)
		return nil, err
	}
	return s.Threads(), nil
}

// EnsureThreadSummary returns the cached thread or fetches its summary.
func (s *Store) EnsureThreadSummary(ctx context.Context, threadID string) (Thread, error) {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	if thread, ok := s.threads[id]; ok {
		clone := thread.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()
	return s.refreshThreadSummary(ctx, id)
}

// SetActiveThread binds a thread to the live document. Recording and playback are stopped before the
// switch and results of outstanding fetches for the previous thread are discarded. Nil clears.
func (s *Store) SetActiveThread(ctx context.Context, thread *Thread) error {
	nextID := ""
	if thread != nil {
		nextID = thread.ID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	nextID = s.resolveLocked(nextID)
	previousID := s.activeID
	if previousID == nextID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.stopPlayback()
	if previousID != "" {
		s.saveDraft(previousID)
	}

	s.mu.Lock()
	s.activeID = nextID
	s.generation++
	if thread != nil {
		if _, ok := s.threads[nextID]; !ok {
			clone := thread.Clone()
			clone.ID = nextID
			s.threads[nextID] = &clone
		}
	}
	s.mu.Unlock()

	s.logger.Debug("active thread changed",
		zap.String("previous_thread_id", previousID),
		zap.String("thread_id", nextID))
	s.hub.publish(Change{Scope: ScopeActiveThread, ThreadID: nextID, Reason: "activated", Timestamp: s.clock()})
	return nil
}

// CreateThread adds a local thread and persists it in the background. The returned id is usable at once;
// ResolveThreadID maps it to the server id after persistence.
func (s *Store) CreateThread(ctx context.Context, users []Participant, name string, metadata map[string]string) (string, error) {
	localID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreateThread, "id_generation_failed", err)
		return "", err
	}
	now := s.clock().UTC()
	members := make([]Participant, 0, len(users)+1)
	for _, user := range users {
		if user.JoinedAt.IsZero() {
			user.JoinedAt = now
		}
		members = append(members, user)
	}
	thread := Thread{
		ID:         localID,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
		Users:      members,
		MessageIDs: []string{},
		Invites:    []Invite{},
		Metadata:   metadata,
		IsLocal:    true,
	}
	if !thread.HasUser(s.userID) {
		thread.Users = append([]Participant{{ID: s.userID, Name: s.UserName(), JoinedAt: now}}, thread.Users...)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	stored := thread.Clone()
	s.threads[localID] = &stored
	s.wg.Add(1)
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: localID, Reason: "created", Timestamp: now})

	go func() {
		defer s.wg.Done()
		s.persistThread(s.ctx, thread)
	}()
	return localID, nil
}

func (s *Store) persistThread(ctx context.Context, local Thread) {
	created, err := s.remote.CreateThread(ctx, CreateThreadRequest{
		ClientID: local.ID,
		Name:     local.Name,
		Users:    local.Users,
		Metadata: local.Metadata,
	})
	if err != nil {
		s.logError(opCreateThread, "persist_failed", err, zap.String("thread_id", local.ID))
		s.publishError(local.ID, "create_thread_failed", err)
		return
	}

	s.mu.Lock()
	current, stillPresent := s.threads[local.ID]
	s.resolved[local.ID] = created.ID
	if !stillPresent {
		s.mu.Unlock()
		s.logger.Info("thread deleted before it was persisted",
			zap.String("thread_id", local.ID),
			zap.String("server_thread_id", created.ID))
		if err := s.remote.DeleteThread(ctx, created.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logError(opCreateThread, "orphan_delete_failed", err, zap.String("thread_id", created.ID))
		}
		return
	}
	created.IsLocal = false
	if created.MessageIDs == nil {
		created.MessageIDs = []string{}
	}
	if created.Metadata == nil {
		created.Metadata = current.Metadata
	}
	delete(s.threads, local.ID)
	s.threads[created.ID] = &created
	if messages, ok := s.messages[local.ID]; ok {
		for index := range messages {
			messages[index].ThreadID = created.ID
		}
		s.messages[created.ID] = messages
		delete(s.messages, local.ID)
	}
	if cached, ok := s.snapshots[local.ID]; ok {
		s.snapshots[created.ID] = cached
		delete(s.snapshots, local.ID)
	}
	if s.activeID == local.ID {
		s.activeID = created.ID
	}
	s.hub.rekey(local.ID, created.ID)
	s.mu.Unlock()

	s.logger.Info("thread persisted",
		zap.String("thread_id", local.ID),
		zap.String("server_thread_id", created.ID))
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: created.ID, Reason: "persisted", Timestamp: s.clock()})
}

// DeleteThread removes the thread locally and on the server. A concurrent delete of the same thread is a
// no-op. When the server rejects the delete the thread is reloaded from the server.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	key := "thread/" + id
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		s.logger.Debug("delete already in flight", zap.Error(&ConflictError{Resource: "thread", ID: id}))
		return nil
	}
	removed, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownThread
	}
	s.inflight[key] = struct{}{}
	local := removed.IsLocal
	delete(s.threads, id)
	delete(s.messages, id)
	delete(s.snapshots, id)
	wasActive := s.activeID == id
	if wasActive {
		s.activeID = ""
		s.generation++
	}
	s.mu.Unlock()

	if wasActive {
		s.stopPlayback()
		s.hub.publish(Change{Scope: ScopeActiveThread, Reason: "deleted", Timestamp: s.clock()})
	}
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: id, Reason: "deleted", Timestamp: s.clock()})

	var err error
	if !local {
		err = s.remote.DeleteThread(ctx, id)
	}

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	s.logError(opDeleteThread, "remote_delete_failed", err, zap.String("thread_id", id))
	if _, reloadErr := s.refreshThreadSummary(ctx, id); reloadErr != nil {
		s.logError(opDeleteThread, "reload_failed", reloadErr, zap.String("thread_id", id))
	}
	s.publishError(id, "delete_thread_failed", err)
	return err
}

func (s *Store) refreshInBackground() {
	s.mu.Lock()
	if s.closed || !s.loaded || s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()
		err := s.retry(s.ctx, func(ctx context.Context) error {
			return s.refreshThreads(ctx)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logError(opRefreshThreads, "background_refresh_failed", err)
		}
	}()
}

func (s *Store) refreshThreads(ctx context.Context) error {
	owned, err := s.remote.ListThreads(ctx, s.userID)
	if err != nil {
		return err
	}
	invited, err := s.remote.ListInvitedThreads(ctx, s.userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	fresh := make(map[string]*Thread, len(owned)+len(invited))
	for _, list := range [][]Thread{owned, invited} {
		for _, thread := range list {
			if _, deleting := s.inflight["thread/"+thread.ID]; deleting {
				continue
			}
			clone := reconcileFetched(thread.Clone(), s.threads[thread.ID])
			clone.IsLocal = false
			fresh[clone.ID] = &clone
		}
	}
	for id, thread := range s.threads {
		if thread.IsLocal {
			fresh[id] = thread
		}
	}
	s.threads = fresh
	s.loaded = true
	var missingSummaries []string
	for _, thread := range invited {
		if thread.Name == "" {
			missingSummaries = append(missingSummaries, thread.ID)
		}
	}
	for _, id := range missingSummaries {
		delete(s.threads, id)
	}
	s.mu.Unlock()

	for _, id := range missingSummaries {
		if _, err := s.EnsureThreadSummary(ctx, id); err != nil {
			s.logError(opEnsureSummary, "summary_failed", err, zap.String("thread_id", id))
		}
	}
	s.hub.publish(Change{Scope: ScopeThreads, Reason: "refreshed", Timestamp: s.clock()})
	return nil
}

func (s *Store) refreshInvited(ctx context.Context) error {
	invited, err := s.remote.ListInvitedThreads(ctx, s.userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, thread := range invited {
		if _, deleting := s.inflight["thread/"+thread.ID]; deleting {
			continue
		}
		if thread.Name == "" {
			continue
		}
		clone := reconcileFetched(thread.Clone(), s.threads[thread.ID])
		s.threads[clone.ID] = &clone
	}
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeThreads, Reason: "invitations", Timestamp: s.clock()})
	return nil
}

func (s *Store) refreshThreadSummary(ctx context.Context, threadID string) (Thread, error) {
	thread, err := s.remote.GetThread(ctx, threadID)
	if err != nil {
		return Thread{}, err
	}
	s.storeThread(thread)
	return thread, nil
}

func (s *Store) storeThread(thread Thread) {
	s.mu.Lock()
	if _, deleting := s.inflight["thread/"+thread.ID]; deleting {
		s.mu.Unlock()
		return
	}
	clone := reconcileFetched(thread.Clone(), s.threads[thread.ID])
	clone.IsLocal = false
	if clone.MessageIDs == nil {
		clone.MessageIDs = []string{}
	}
	s.threads[clone.ID] = &clone
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: thread.ID, Reason: "updated", Timestamp: s.clock()})
}

// reconcileFetched keeps checkpoints confirmed locally after the server produced the fetched copy. A
// fetched copy older than the cached one cannot shrink its message ids.
func reconcileFetched(fetched Thread, cached *Thread) Thread {
	if cached == nil || !cached.UpdatedAt.After(fetched.UpdatedAt) {
		return fetched
	}
	for _, id := range cached.MessageIDs {
		if !containsID(fetched.MessageIDs, id) {
			fetched.MessageIDs = append(fetched.MessageIDs, id)
		}
	}
	fetched.UpdatedAt = cached.UpdatedAt
	return fetched
}

func (s *Store) forgetThread(threadID string) {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	delete(s.threads, id)
	delete(s.messages, id)
	delete(s.snapshots, id)
	wasActive := s.activeID == id
	if wasActive {
		s.activeID = ""
		s.generation++
	}
	s.mu.Unlock()
	if wasActive {
		s.stopPlayback()
		s.hub.publish(Change{Scope: ScopeActiveThread, Reason: "deleted", Timestamp: s.clock()})
	}
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: id, Reason: "deleted", Timestamp: s.clock()})
}

func (s *Store) isActive(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID != "" && s.activeID == s.resolveLocked(threadID)
}

func (s *Store) stopPlayback() {
	if s.player.IsRecording() {
		if err := s.player.StopRecording(); err != nil {
			s.logError(opSetActiveThread, "stop_recording_failed", err)
		}
	}
	s.player.Stop()
}

func (s *Store) saveDraft(threadID string) {
	if !s.draftsEnabled {
		return
	}
	draft, err := s.codec.Export(s.document)
	if err != nil {
		s.logError(opSetActiveThread, "draft_export_failed", err, zap.String("thread_id", threadID))
		return
	}
	if err := s.drafts.SaveDraft(threadID, draft); err != nil {
		s.logError(opSetActiveThread, "draft_save_failed", err, zap.String("thread_id", threadID))
	}
}

func (s *Store) retry(ctx context.Context, attempt func(context.Context) error) error {
	var err error
	backoff := s.retryBackoff
	for try := 0; try < s.retryCount; try++ {
		if err = attempt(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

func (s *Store) resolveLocked(threadID string) string {
	if resolved, ok := s.resolved[threadID]; ok {
		return resolved
	}
	return threadID
}

func (s *Store) sortedThreadsLocked() []Thread {
	list := make([]Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		list = append(list, thread.Clone())
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list
}

func (s *Store) publishError(threadID, reason string, err error) {
	s.hub.publish(Change{Scope: ScopeErrors, ThreadID: threadID, Reason: reason, Err: err, Timestamp: s.clock()})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil || err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("threads store operation failed", allFields...)
}
