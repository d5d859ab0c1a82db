package threads

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	EventConnected          = "connected"
	EventError              = "error"
	EventMessageCreated     = "message_created"
	EventMessageDeleted     = "message_deleted"
	EventThreadDeleted      = "thread_deleted"
	EventThreadInvitation   = "thread_invitation"
	EventInvitationAccepted = "invitation_accepted"
	EventInvitationDeclined = "invitation_declined"
)

// PushEvent is a hint that server state changed. It is never treated as authoritative.
type PushEvent struct {
	Type       string    `json:"type"`
	FromUserID string    `json:"from_user_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PushSource is a live push connection.
type PushSource interface {
	Events() <-chan PushEvent
	Status() <-chan bool
	Errors() <-chan error
}

// HandlePush refetches the state a push event refers to and merges it into the caches.
func (s *Store) HandlePush(ctx context.Context, event PushEvent) error {
	s.logger.Debug("push received",
		zap.String("type", event.Type),
		zap.String("thread_id", event.ThreadID),
		zap.String("from_user_id", event.FromUserID))

	switch event.Type {
	case EventMessageCreated:
		if event.ThreadID == "" {
			return nil
		}
		if _, err := s.EnsureThreadSummary(ctx, event.ThreadID); err != nil {
			return err
		}
		_, err := s.RefreshMessages(ctx, event.ThreadID, MessageQuery{
			Order:           OrderDesc,
			Limit:           s.recentLimit,
			IncludeSnapshot: s.isActive(event.ThreadID),
		})
		return err
	case EventThreadInvitation:
		if err := s.refreshInvited(ctx); err != nil {
			return err
		}
		if event.ThreadID == "" {
			return nil
		}
		_, err := s.EnsureThreadSummary(ctx, event.ThreadID)
		return err
	case EventInvitationAccepted, EventInvitationDeclined:
		_, err := s.refreshThreadSummary(ctx, event.ThreadID)
		return err
	case EventThreadDeleted:
		_, err := s.refreshThreadSummary(ctx, event.ThreadID)
		if errors.Is(err, ErrNotFound) {
			s.forgetThread(event.ThreadID)
			return nil
		}
		return err
	case EventMessageDeleted:
		thread, err := s.refreshThreadSummary(ctx, event.ThreadID)
		if errors.Is(err, ErrNotFound) {
			s.forgetThread(event.ThreadID)
			return nil
		}
		if err != nil {
			return err
		}
		s.pruneMessages(thread.ID, thread.MessageIDs)
		return nil
	case EventError:
		s.publishError(event.ThreadID, "push_error", errors.New(event.Message))
		return nil
	default:
		return nil
	}
}

// Run consumes a push source until the context is cancelled, the store is closed or the source ends.
// A reconnect triggers a thread list refresh to pick up events missed while disconnected.
func (s *Store) Run(ctx context.Context, source PushSource) {
	events := source.Events()
	status := source.Status()
	failures := source.Errors()
	connected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := s.HandlePush(ctx, event); err != nil {
				s.logError(opHandlePush, "refetch_failed", err,
					zap.String("type", event.Type),
					zap.String("thread_id", event.ThreadID))
			}
		case up, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if up && !connected {
				s.refreshInBackground()
			}
			connected = up
		case err, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			s.logger.Warn("push channel error", zap.Error(err))
			s.publishError("", "push_channel", err)
		}
	}
}
