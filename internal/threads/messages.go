package threads

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"go.uber.org/zap"
)

var (
	// ErrThreadNotPersisted is returned when saving into a thread the server does not know yet.
	ErrThreadNotPersisted = errors.New("threads: thread not yet persisted")
	// ErrMissingSnapshot is returned when applying a message that carries no snapshot.
	ErrMissingSnapshot = errors.New("threads: message has no snapshot")
)

// SendMessageFromSequencer saves the live document as a checkpoint of the thread. The message is listed
// as pending before the request is issued. On success it takes the server id and timestamp; on failure it
// stays listed as failed and the error is returned. Deleting the pending entry before the server answers
// withdraws the checkpoint from the server and yields ErrUnknownMessage.
func (s *Store) SendMessageFromSequencer(ctx context.Context, threadID string) (Message, error) {
	exported, err := s.codec.Export(s.document)
	if err != nil {
		s.logError(opSendMessage, "export_failed", err, zap.String("thread_id", threadID))
		s.publishError(threadID, "export_failed", err)
		return Message{}, err
	}
	metadata := snapshot.Summarize(exported, s.document.Playback().SectionLoops)
	clientID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSendMessage, "id_generation_failed", err)
		return Message{}, err
	}

	s.mu.Lock()
	id := s.resolveLocked(threadID)
	if _, ok := s.threads[id]; !ok {
		s.mu.Unlock()
		return Message{}, ErrUnknownThread
	}
	message := Message{
		ID:         clientID,
		ClientID:   clientID,
		ThreadID:   id,
		UserID:     s.userID,
		Timestamp:  s.clock().UTC(),
		Snapshot:   &exported,
		Metadata:   metadata,
		SendStatus: SendStatusPending,
	}
	s.messages[id] = orderMessages(append(s.messages[id], message))
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: id, Reason: "pending", Timestamp: s.clock()})

	return s.deliver(ctx, id, clientID, opSendMessage)
}

// RetryMessage resends a failed message.
func (s *Store) RetryMessage(ctx context.Context, threadID, clientID string) (Message, error) {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	index := findMessage(s.messages[id], clientID)
	if index < 0 {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	message := &s.messages[id][index]
	if message.SendStatus != SendStatusFailed {
		s.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	message.SendStatus = SendStatusPending
	clientID = message.ClientID
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: id, Reason: "retrying", Timestamp: s.clock()})

	return s.deliver(ctx, id, clientID, opRetryMessage)
}

func (s *Store) deliver(ctx context.Context, threadID, clientID, operation string) (Message, error) {
	s.mu.Lock()
	index := findMessage(s.messages[threadID], clientID)
	if index < 0 {
		delete(s.withdrawn, withdrawnKey(threadID, clientID))
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	pending := s.messages[threadID][index].Clone()
	thread, ok := s.threads[threadID]
	local := ok && thread.IsLocal
	s.mu.Unlock()

	var created Message
	var err error
	switch {
	case !ok:
		err = ErrUnknownThread
	case local:
		err = &NetworkError{Operation: operation, Err: ErrThreadNotPersisted}
	default:
		created, err = s.remote.CreateMessage(ctx, CreateMessageRequest{
			ThreadID: threadID,
			ClientID: clientID,
			UserID:   pending.UserID,
			Snapshot: *pending.Snapshot,
			Metadata: pending.Metadata,
		})
	}

	s.mu.Lock()
	messages := s.messages[threadID]
	index = findMessage(messages, clientID)
	_, withdrawn := s.withdrawn[withdrawnKey(threadID, clientID)]
	delete(s.withdrawn, withdrawnKey(threadID, clientID))
	if err == nil && index < 0 && withdrawn {
		s.mu.Unlock()
		return s.discardWithdrawn(ctx, threadID, clientID, created)
	}
	if err != nil {
		var failed Message
		if index >= 0 {
			messages[index].SendStatus = SendStatusFailed
			failed = messages[index].Clone()
		}
		s.mu.Unlock()
		s.logError(operation, "create_message_failed", err,
			zap.String("thread_id", threadID),
			zap.String("client_id", clientID))
		s.hub.publish(Change{Scope: ScopeMessages, ThreadID: threadID, Reason: "failed", Err: err, Timestamp: s.clock()})
		s.publishError(threadID, "send_failed", err)
		return failed, err
	}

	confirmed := pending
	confirmed.ID = created.ID
	confirmed.Timestamp = created.Timestamp
	confirmed.SendStatus = SendStatusSent
	if len(created.Renders) > 0 {
		confirmed.Renders = s.withLocalRenders(created.Renders)
	}
	if index >= 0 {
		messages[index] = confirmed
	} else if findMessage(messages, created.ID) < 0 {
		messages = append(messages, confirmed)
	}
	s.messages[threadID] = orderMessages(dedupeMessages(messages))
	if thread, ok := s.threads[threadID]; ok {
		if !containsID(thread.MessageIDs, created.ID) {
			thread.MessageIDs = append(thread.MessageIDs, created.ID)
		}
		if created.Timestamp.After(thread.UpdatedAt) {
			thread.UpdatedAt = created.Timestamp
		}
	}
	s.snapshots[threadID] = cachedSnapshot{messageID: created.ID, snapshot: pending.Snapshot.Clone()}
	s.mu.Unlock()

	s.logger.Info("checkpoint saved",
		zap.String("thread_id", threadID),
		zap.String("client_id", clientID),
		zap.String("message_id", created.ID))
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: threadID, Reason: "sent", Timestamp: s.clock()})
	s.hub.publish(Change{Scope: ScopeThreads, ThreadID: threadID, Reason: "message_added", Timestamp: s.clock()})
	return confirmed.Clone(), nil
}

// discardWithdrawn removes a checkpoint the server confirmed after the user deleted its pending entry.
func (s *Store) discardWithdrawn(ctx context.Context, threadID, clientID string, created Message) (Message, error) {
	s.logger.Info("checkpoint deleted while sending, removing from server",
		zap.String("thread_id", threadID),
		zap.String("client_id", clientID),
		zap.String("message_id", created.ID))
	err := s.remote.DeleteMessage(ctx, threadID, created.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logError(opDeleteMessage, "withdraw_failed", err,
			zap.String("thread_id", threadID),
			zap.String("message_id", created.ID))
		s.publishError(threadID, "delete_message_failed", err)
		return Message{}, err
	}
	return Message{}, ErrUnknownMessage
}

func withdrawnKey(threadID, clientID string) string {
	return threadID + "/" + clientID
}

// ApplyMessage loads the message snapshot into the live document and clears the undo history. Thread and
// message caches are left untouched.
func (s *Store) ApplyMessage(ctx context.Context, message Message) error {
	if message.Snapshot == nil {
		return &SerializationError{Operation: "import", Err: ErrMissingSnapshot}
	}
	if err := s.codec.Import(s.document, s.history, *message.Snapshot); err != nil {
		s.logError(opApplyMessage, "import_failed", err, zap.String("message_id", message.ID))
		return err
	}
	return nil
}

// DeleteMessage removes a checkpoint locally and on the server. A concurrent delete of the same message is
// a no-op. When the server rejects the delete the thread's messages are reloaded from the server.
func (s *Store) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	key := "message/" + id + "/" + messageID
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		s.logger.Debug("delete already in flight", zap.Error(&ConflictError{Resource: "message", ID: messageID}))
		return nil
	}
	messages := s.messages[id]
	index := findMessage(messages, messageID)
	thread := s.threads[id]
	if index < 0 && (thread == nil || !containsID(thread.MessageIDs, messageID)) {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	s.inflight[key] = struct{}{}
	var removed Message
	confirmed := true
	if index >= 0 {
		removed = messages[index]
		confirmed = removed.Confirmed()
		if removed.SendStatus == SendStatusPending {
			s.withdrawn[withdrawnKey(id, removed.ClientID)] = struct{}{}
		}
		s.messages[id] = append(messages[:index:index], messages[index+1:]...)
	}
	if thread != nil {
		thread.MessageIDs = removeID(thread.MessageIDs, messageID)
	}
	if cached, ok := s.snapshots[id]; ok && cached.messageID == messageID {
		delete(s.snapshots, id)
	}
	s.mu.Unlock()

	for _, render := range removed.Renders {
		if render.URL != "" {
			s.audio.Evict(render.URL)
		}
	}
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: id, Reason: "deleted", Timestamp: s.clock()})

	var err error
	if confirmed {
		err = s.remote.DeleteMessage(ctx, id, messageID)
	}

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	s.logError(opDeleteMessage, "remote_delete_failed", err,
		zap.String("thread_id", id),
		zap.String("message_id", messageID))
	if _, reloadErr := s.refreshThreadSummary(ctx, id); reloadErr != nil {
		s.logError(opDeleteMessage, "reload_thread_failed", reloadErr, zap.String("thread_id", id))
	}
	if _, reloadErr := s.RefreshMessages(ctx, id, MessageQuery{Order: OrderDesc, Limit: s.recentLimit}); reloadErr != nil {
		s.logError(opDeleteMessage, "reload_messages_failed", reloadErr, zap.String("thread_id", id))
	}
	s.publishError(id, "delete_message_failed", err)
	return err
}

// LoadProjectIntoSequencer opens a thread's latest checkpoint in the live document. The override is used
// when provided; otherwise the snapshot cache and then the server are consulted. It reports false with a
// nil error when the thread has no checkpoint yet. A fetch whose result arrives after the active thread
// changed is discarded with ErrStaleResult.
func (s *Store) LoadProjectIntoSequencer(ctx context.Context, threadID string, override *snapshot.Snapshot) (bool, error) {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	generation := s.generation
	cached, hit := s.snapshots[id]
	s.mu.Unlock()

	var selected snapshot.Snapshot
	switch {
	case override != nil:
		selected = override.Clone()
		s.mu.Lock()
		s.snapshots[id] = cachedSnapshot{messageID: s.latestConfirmedLocked(id), snapshot: selected.Clone()}
		s.mu.Unlock()
	case s.loadDraft(id, &selected):
	case hit:
		selected = cached.snapshot.Clone()
	default:
		latest, err := s.remote.GetLatestMessage(ctx, id, true)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			s.logError(opLoadProject, "fetch_latest_failed", err, zap.String("thread_id", id))
			s.publishError(id, "load_project_failed", err)
			return false, err
		}
		s.mu.Lock()
		if s.generation != generation {
			s.mu.Unlock()
			s.logger.Debug("discarding stale checkpoint", zap.String("thread_id", id))
			return false, ErrStaleResult
		}
		s.mergeMessagesLocked(id, []Message{latest})
		s.mu.Unlock()
		if latest.Snapshot == nil {
			return false, nil
		}
		selected = latest.Snapshot.Clone()
		s.mu.Lock()
		s.snapshots[id] = cachedSnapshot{messageID: latest.ID, snapshot: selected.Clone()}
		s.mu.Unlock()
	}

	if err := s.codec.Import(s.document, s.history, selected); err != nil {
		s.logError(opLoadProject, "import_failed", err, zap.String("thread_id", id))
		return false, err
	}
	s.hub.publish(Change{Scope: ScopeActiveThread, ThreadID: id, Reason: "project_loaded", Timestamp: s.clock()})
	return true, nil
}

// PreloadRecentMessages warms the message cache in the background. Failures are logged only.
func (s *Store) PreloadRecentMessages(ctx context.Context, threadID string, limit int) {
	if limit <= 0 {
		limit = s.recentLimit
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.retry(s.ctx, func(ctx context.Context) error {
			_, err := s.RefreshMessages(ctx, threadID, MessageQuery{Order: OrderDesc, Limit: limit})
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logError(opPreloadMessages, "preload_failed", err, zap.String("thread_id", threadID))
		}
	}()
}

// RefreshMessages fetches a page of messages and merges it by id into the cache. Unconfirmed local
// messages are preserved.
func (s *Store) RefreshMessages(ctx context.Context, threadID string, query MessageQuery) ([]Message, error) {
	id := s.ResolveThreadID(threadID)
	fetched, err := s.remote.ListMessages(ctx, id, query)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.mergeMessagesLocked(id, fetched)
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: id, Reason: "refreshed", Timestamp: s.clock()})
	return s.Messages(id), nil
}

func (s *Store) loadDraft(threadID string, target *snapshot.Snapshot) bool {
	if !s.draftsEnabled {
		return false
	}
	draft, ok, err := s.drafts.LoadDraft(threadID)
	if err != nil {
		s.logError(opLoadProject, "draft_load_failed", err, zap.String("thread_id", threadID))
		return false
	}
	if ok {
		*target = draft
	}
	return ok
}

func (s *Store) mergeMessagesLocked(threadID string, fetched []Message) {
	messages := s.messages[threadID]
	thread := s.threads[threadID]
	for _, incoming := range fetched {
		if _, deleting := s.inflight["message/"+threadID+"/"+incoming.ID]; deleting {
			continue
		}
		incoming = incoming.Clone()
		incoming.ThreadID = threadID
		if incoming.SendStatus == "" || incoming.SendStatus == SendStatusPending {
			incoming.SendStatus = SendStatusSent
		}
		incoming.Renders = s.withLocalRenders(incoming.Renders)

		index := findMessage(messages, incoming.ID)
		if index < 0 && incoming.ClientID != "" {
			index = findMessage(messages, incoming.ClientID)
		}
		if index >= 0 {
			if incoming.Snapshot == nil {
				incoming.Snapshot = messages[index].Snapshot
			}
			messages[index] = incoming
		} else {
			messages = append(messages, incoming)
		}
		if thread != nil && !containsID(thread.MessageIDs, incoming.ID) {
			thread.MessageIDs = append(thread.MessageIDs, incoming.ID)
			if incoming.Timestamp.After(thread.UpdatedAt) {
				thread.UpdatedAt = incoming.Timestamp
			}
		}
	}
	messages = orderMessages(dedupeMessages(messages))
	s.messages[threadID] = messages

	latestID := s.latestConfirmedFrom(messages)
	cached, hit := s.snapshots[threadID]
	if latest := findMessage(messages, latestID); latest >= 0 && messages[latest].Snapshot != nil {
		s.snapshots[threadID] = cachedSnapshot{messageID: latestID, snapshot: messages[latest].Snapshot.Clone()}
	} else if hit && cached.messageID != latestID {
		delete(s.snapshots, threadID)
	}
}

func (s *Store) pruneMessages(threadID string, keep []string) {
	s.mu.Lock()
	messages := s.messages[threadID]
	kept := messages[:0]
	for _, message := range messages {
		if !message.Confirmed() || containsID(keep, message.ID) {
			kept = append(kept, message)
		}
	}
	s.messages[threadID] = kept
	if cached, ok := s.snapshots[threadID]; ok && !containsID(keep, cached.messageID) {
		delete(s.snapshots, threadID)
	}
	s.mu.Unlock()
	s.hub.publish(Change{Scope: ScopeMessages, ThreadID: threadID, Reason: "pruned", Timestamp: s.clock()})
}

func (s *Store) withLocalRenders(renders []Render) []Render {
	result := append([]Render(nil), renders...)
	for index := range result {
		if result[index].URL == "" || result[index].LocalPath != "" {
			continue
		}
		if path, ok := s.audio.Lookup(result[index].URL); ok {
			result[index].LocalPath = path
		}
	}
	return result
}

func (s *Store) latestConfirmedLocked(threadID string) string {
	return s.latestConfirmedFrom(s.messages[threadID])
}

func (s *Store) latestConfirmedFrom(messages []Message) string {
	latest := ""
	for _, message := range messages {
		if message.Confirmed() {
			latest = message.ID
		}
	}
	return latest
}

// orderMessages puts confirmed messages first, by server timestamp, followed by unconfirmed ones in
// insertion order.
func orderMessages(messages []Message) []Message {
	confirmed := make([]Message, 0, len(messages))
	unconfirmed := make([]Message, 0)
	for _, message := range messages {
		if message.Confirmed() {
			confirmed = append(confirmed, message)
		} else {
			unconfirmed = append(unconfirmed, message)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Timestamp.Before(confirmed[j].Timestamp)
	})
	return append(confirmed, unconfirmed...)
}

func dedupeMessages(messages []Message) []Message {
	seen := make(map[string]struct{}, len(messages))
	result := messages[:0]
	for _, message := range messages {
		if _, ok := seen[message.ID]; ok {
			continue
		}
		seen[message.ID] = struct{}{}
		result = append(result, message)
	}
	return result
}

func findMessage(messages []Message, id string) int {
	if id == "" {
		return -1
	}
	for index, message := range messages {
		if message.ID == id || message.ClientID == id {
			return index
		}
	}
	return -1
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	result := make([]string, 0, len(ids))
	for _, candidate := range ids {
		if candidate != id {
			result = append(result, candidate)
		}
	}
	return result
}
