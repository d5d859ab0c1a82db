package threads

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// SendInvite invites a user to a persisted thread.
func (s *Store) SendInvite(ctx context.Context, threadID, userID, userName string) error {
	s.mu.Lock()
	id := s.resolveLocked(threadID)
	thread, ok := s.threads[id]
	local := ok && thread.IsLocal
	s.mu.Unlock()
	if !ok {
		return ErrUnknownThread
	}
	if local {
		return &NetworkError{Operation: opSendInvite, Err: ErrThreadNotPersisted}
	}
	if strings.TrimSpace(userID) == "" {
		return &ValidationError{Field: "user_id", Reason: "invitee is required"}
	}

	updated, err := s.remote.SendInvite(ctx, id, InviteRequest{UserID: userID, UserName: userName, InvitedBy: s.userID})
	if err != nil {
		s.logError(opSendInvite, "remote_invite_failed", err, zap.String("thread_id", id), zap.String("invitee_id", userID))
		s.publishError(id, "send_invite_failed", err)
		return err
	}
	s.storeThread(updated)
	return nil
}

// AcceptInvite joins the local user to the thread. A user without a username must supply one; it is
// validated locally and registered before the invite is accepted.
func (s *Store) AcceptInvite(ctx context.Context, threadID, username string) error {
	id := s.ResolveThreadID(threadID)
	name := s.UserName()
	if name == "" {
		candidate := strings.TrimSpace(username)
		if err := ValidateUsername(candidate); err != nil {
			return err
		}
		if err := s.remote.SetUsername(ctx, s.userID, candidate); err != nil {
			s.logError(opAcceptInvite, "set_username_failed", err, zap.String("thread_id", id))
			s.publishError(id, "set_username_failed", err)
			return err
		}
		s.mu.Lock()
		s.userName = candidate
		s.mu.Unlock()
		name = candidate
	}

	updated, err := s.remote.AcceptInvite(ctx, id, s.userID, name)
	if err != nil {
		s.logError(opAcceptInvite, "remote_accept_failed", err, zap.String("thread_id", id))
		s.publishError(id, "accept_invite_failed", err)
		return err
	}
	if !updated.HasUser(s.userID) {
		updated.Users = append(updated.Users, Participant{ID: s.userID, Name: name, JoinedAt: s.clock().UTC()})
	}
	updated.Invites = withoutInvite(updated.Invites, s.userID)
	s.storeThread(updated)
	return nil
}

// DeclineInvite rejects an invitation. The thread is dropped from the local list unless the user is
// already a member.
func (s *Store) DeclineInvite(ctx context.Context, threadID string) error {
	id := s.ResolveThreadID(threadID)
	updated, err := s.remote.DeclineInvite(ctx, id, s.userID)
	if err != nil {
		s.logError(opDeclineInvite, "remote_decline_failed", err, zap.String("thread_id", id))
		s.publishError(id, "decline_invite_failed", err)
		return err
	}
	updated.Invites = withoutInvite(updated.Invites, s.userID)
	if updated.HasUser(s.userID) {
		s.storeThread(updated)
		return nil
	}
	s.forgetThread(id)
	return nil
}

func withoutInvite(invites []Invite, userID string) []Invite {
	result := make([]Invite, 0, len(invites))
	for _, invite := range invites {
		if invite.UserID != userID {
			result = append(result, invite)
		}
	}
	return result
}
