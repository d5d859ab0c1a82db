// Package checkpoints persists threads, their members and invitations, and the checkpoint messages
// posted to them.
package checkpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound reports a missing thread, message or invite, or one the caller may not see.
	ErrNotFound = errors.New("checkpoints: not found")
	// ErrInvalidInput reports a malformed request.
	ErrInvalidInput = errors.New("checkpoints: invalid input")
	// ErrConflict reports a request that contradicts the current state.
	ErrConflict = errors.New("checkpoints: conflict")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "checkpoints.service.new"
	opCreateThread    = "checkpoints.create_thread"
	opDeleteThread    = "checkpoints.delete_thread"
	opListThreads     = "checkpoints.list_threads"
	opListInvited     = "checkpoints.list_invited_threads"
	opGetThread       = "checkpoints.get_thread"
	opListMessages    = "checkpoints.list_messages"
	opLatestMessage   = "checkpoints.latest_message"
	opCreateMessage   = "checkpoints.create_message"
	opDeleteMessage   = "checkpoints.delete_message"
	opAttachRender    = "checkpoints.attach_render"
	opSendInvite      = "checkpoints.send_invite"
	opAcceptInvite    = "checkpoints.accept_invite"
	opDeclineInvite   = "checkpoints.decline_invite"
	opMembers         = "checkpoints.members"
	defaultPageLimit  = 50
	maxPageLimit      = 500
	maxThreadNameSize = 320
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// LatestCache keeps the newest checkpoint of each thread close at hand.
type LatestCache interface {
	Latest(ctx context.Context, threadID string) (threads.Message, bool, error)
	StoreLatest(ctx context.Context, message threads.Message) error
	Invalidate(ctx context.Context, threadID string) error
}

type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	LatestCache LatestCache
	Logger      *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	cache      LatestCache
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		cache:      cfg.LatestCache,
		logger:     logger,
	}, nil
}

// CreateThread stores a thread with the creator as its first member. A repeated request with the same
// client id returns the thread created the first time.
func (s *Service) CreateThread(ctx context.Context, creatorID string, request threads.CreateThreadRequest) (threads.Thread, error) {
	creator, err := normalizeID(creatorID)
	if err != nil {
		return threads.Thread{}, newServiceError(opCreateThread, "invalid_user_id", err)
	}
	name := strings.TrimSpace(request.Name)
	if len(name) > maxThreadNameSize {
		return threads.Thread{}, newServiceError(opCreateThread, "invalid_name", fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxThreadNameSize))
	}
	clientID := strings.TrimSpace(request.ClientID)

	var created threads.Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if clientID != "" {
			var existing ThreadRecord
			err := tx.Where("creator_id = ? AND client_id = ?", creator, clientID).Take(&existing).Error
			if err == nil {
				thread, loadErr := s.loadThread(tx, existing.ThreadID)
				if loadErr != nil {
					return newServiceError(opCreateThread, "thread_reload_failed", loadErr)
				}
				created = thread
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				s.logError(opCreateThread, "thread_select_failed", err, zap.String("user_id", creator))
				return newServiceError(opCreateThread, "thread_select_failed", err)
			}
		}

		threadID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateThread, "id_generation_failed", err, zap.String("user_id", creator))
			return newServiceError(opCreateThread, "id_generation_failed", err)
		}
		now := s.clock().UTC()
		record := ThreadRecord{
			ThreadID:  threadID,
			ClientID:  clientID,
			CreatorID: creator,
			Name:      name,
			Metadata:  toJSONMap(request.Metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreateThread, "thread_insert_failed", err, zap.String("user_id", creator))
			return newServiceError(opCreateThread, "thread_insert_failed", err)
		}

		members := []MemberRecord{{ThreadID: threadID, UserID: creator, UserName: creatorName(creator, request.Users), JoinedAt: now}}
		seen := map[string]bool{creator: true}
		for _, participant := range request.Users {
			id := strings.TrimSpace(participant.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			members = append(members, MemberRecord{ThreadID: threadID, UserID: id, UserName: strings.TrimSpace(participant.Name), JoinedAt: now})
		}
		if err := tx.Create(&members).Error; err != nil {
			s.logError(opCreateThread, "member_insert_failed", err, zap.String("thread_id", threadID))
			return newServiceError(opCreateThread, "member_insert_failed", err)
		}
		created = record.toThread(members, nil, nil)
		return nil
	})
	if txErr != nil {
		return threads.Thread{}, txErr
	}
	return created, nil
}

// DeleteThread removes a thread with its messages, members and invites. It returns the ids of the
// users who were members.
func (s *Service) DeleteThread(ctx context.Context, userID, threadID string) ([]string, error) {
	var formerMembers []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opDeleteThread, userID, threadID); err != nil {
			return err
		}
		if err := tx.Model(&MemberRecord{}).Where("thread_id = ?", threadID).Order("joined_at ASC").Pluck("user_id", &formerMembers).Error; err != nil {
			return newServiceError(opDeleteThread, "member_select_failed", err)
		}
		for _, model := range []any{&MessageRecord{}, &InviteRecord{}, &MemberRecord{}, &ThreadRecord{}} {
			if err := tx.Where("thread_id = ?", threadID).Delete(model).Error; err != nil {
				s.logError(opDeleteThread, "delete_failed", err, zap.String("thread_id", threadID))
				return newServiceError(opDeleteThread, "delete_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.invalidateLatest(ctx, threadID)
	return formerMembers, nil
}

// ListThreads returns the threads the user belongs to, most recently updated first.
func (s *Service) ListThreads(ctx context.Context, userID string) ([]threads.Thread, error) {
	user, err := normalizeID(userID)
	if err != nil {
		return nil, newServiceError(opListThreads, "invalid_user_id", err)
	}
	var threadIDs []string
	if err := s.db.WithContext(ctx).Model(&MemberRecord{}).Where("user_id = ?", user).Pluck("thread_id", &threadIDs).Error; err != nil {
		s.logError(opListThreads, "query_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opListThreads, "query_failed", err)
	}
	list, err := s.loadThreads(s.db.WithContext(ctx), threadIDs)
	if err != nil {
		s.logError(opListThreads, "load_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opListThreads, "load_failed", err)
	}
	return list, nil
}

// ListInvitedThreads returns the threads holding a pending invite for the user.
func (s *Service) ListInvitedThreads(ctx context.Context, userID string) ([]threads.Thread, error) {
	user, err := normalizeID(userID)
	if err != nil {
		return nil, newServiceError(opListInvited, "invalid_user_id", err)
	}
	var threadIDs []string
	if err := s.db.WithContext(ctx).Model(&InviteRecord{}).
		Where("user_id = ? AND status = ?", user, threads.InviteStatusPending).
		Pluck("thread_id", &threadIDs).Error; err != nil {
		s.logError(opListInvited, "query_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opListInvited, "query_failed", err)
	}
	list, err := s.loadThreads(s.db.WithContext(ctx), threadIDs)
	if err != nil {
		s.logError(opListInvited, "load_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opListInvited, "load_failed", err)
	}
	return list, nil
}

// GetThread returns a thread summary visible to members and pending invitees.
func (s *Service) GetThread(ctx context.Context, userID, threadID string) (threads.Thread, error) {
	thread, err := s.loadThread(s.db.WithContext(ctx), threadID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return threads.Thread{}, newServiceError(opGetThread, "thread_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetThread, "load_failed", err, zap.String("thread_id", threadID))
		return threads.Thread{}, newServiceError(opGetThread, "load_failed", err)
	}
	if !thread.HasUser(userID) {
		if _, invited := thread.PendingInvite(userID); !invited {
			return threads.Thread{}, newServiceError(opGetThread, "thread_not_found", ErrNotFound)
		}
	}
	return thread, nil
}

// Members returns the ids of a thread's members in join order.
func (s *Service) Members(ctx context.Context, threadID string) ([]string, error) {
	var members []string
	if err := s.db.WithContext(ctx).Model(&MemberRecord{}).Where("thread_id = ?", threadID).Order("joined_at ASC").Pluck("user_id", &members).Error; err != nil {
		s.logError(opMembers, "query_failed", err, zap.String("thread_id", threadID))
		return nil, newServiceError(opMembers, "query_failed", err)
	}
	return members, nil
}

// ListMessages pages through a thread's checkpoints by creation time.
func (s *Service) ListMessages(ctx context.Context, userID, threadID string, query threads.MessageQuery) ([]threads.Message, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireMember(db, opListMessages, userID, threadID); err != nil {
		return nil, err
	}
	direction := "ASC"
	if query.Order == threads.OrderDesc {
		direction = "DESC"
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	statement := db.Where("thread_id = ?", threadID).
		Order(fmt.Sprintf("created_at %s, message_id %s", direction, direction)).
		Limit(limit)
	if !query.IncludeSnapshot {
		statement = statement.Omit("snapshot_json")
	}
	var records []MessageRecord
	if err := statement.Find(&records).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("thread_id", threadID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	messages := make([]threads.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toMessage(query.IncludeSnapshot))
	}
	return messages, nil
}

// LatestMessage returns the newest checkpoint of a thread.
func (s *Service) LatestMessage(ctx context.Context, userID, threadID string, includeSnapshot bool) (threads.Message, error) {
	db := s.db.WithContext(ctx)
	if err := s.requireMember(db, opLatestMessage, userID, threadID); err != nil {
		return threads.Message{}, err
	}
	if includeSnapshot && s.cache != nil {
		cached, ok, err := s.cache.Latest(ctx, threadID)
		if err != nil {
			s.logger.Warn("latest checkpoint cache read failed", zap.String("thread_id", threadID), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	var record MessageRecord
	statement := db.Where("thread_id = ?", threadID).Order("created_at DESC, message_id DESC")
	if !includeSnapshot {
		statement = statement.Omit("snapshot_json")
	}
	err := statement.Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return threads.Message{}, newServiceError(opLatestMessage, "no_messages", ErrNotFound)
	}
	if err != nil {
		s.logError(opLatestMessage, "query_failed", err, zap.String("thread_id", threadID))
		return threads.Message{}, newServiceError(opLatestMessage, "query_failed", err)
	}
	message := record.toMessage(includeSnapshot)
	if includeSnapshot {
		s.storeLatest(ctx, message)
	}
	return message, nil
}

// CreateMessage posts a checkpoint authored by userID. Replaying a client id returns the stored message.
func (s *Service) CreateMessage(ctx context.Context, userID string, request threads.CreateMessageRequest) (threads.Message, error) {
	author, err := normalizeID(userID)
	if err != nil {
		return threads.Message{}, newServiceError(opCreateMessage, "invalid_user_id", err)
	}
	if request.UserID != "" && request.UserID != author {
		return threads.Message{}, newServiceError(opCreateMessage, "author_mismatch", fmt.Errorf("%w: user_id does not match the caller", ErrInvalidInput))
	}
	normalized, repairs := snapshot.Normalize(request.Snapshot)
	if len(repairs) > 0 {
		s.logger.Debug("checkpoint snapshot repaired", zap.String("thread_id", request.ThreadID), zap.Strings("repairs", repairs))
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return threads.Message{}, newServiceError(opCreateMessage, "snapshot_encode_failed", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	metadata := request.Metadata
	if metadata.SectionsCount == 0 {
		metadata = snapshot.Summarize(normalized, nil)
	}
	metadata = metadata.Normalized()

	var created MessageRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opCreateMessage, author, request.ThreadID); err != nil {
			return err
		}
		clientID := strings.TrimSpace(request.ClientID)
		if clientID != "" {
			err := tx.Where("thread_id = ? AND client_id = ?", request.ThreadID, clientID).Take(&created).Error
			if err == nil {
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				s.logError(opCreateMessage, "message_select_failed", err, zap.String("thread_id", request.ThreadID))
				return newServiceError(opCreateMessage, "message_select_failed", err)
			}
		}

		messageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateMessage, "id_generation_failed", err, zap.String("thread_id", request.ThreadID))
			return newServiceError(opCreateMessage, "id_generation_failed", err)
		}
		if clientID == "" {
			clientID = messageID
		}
		now := s.clock().UTC()
		created = MessageRecord{
			MessageID: messageID,
			ThreadID:  request.ThreadID,
			ClientID:  clientID,
			UserID:    author,
			CreatedAt: now,
			Snapshot:  datatypes.JSON(payload),
			Metadata:  datatypes.NewJSONType(metadata),
			Renders:   datatypes.JSONSlice[threads.Render]{},
		}
		if err := tx.Create(&created).Error; err != nil {
			s.logError(opCreateMessage, "message_insert_failed", err, zap.String("thread_id", request.ThreadID))
			return newServiceError(opCreateMessage, "message_insert_failed", err)
		}
		if err := s.touchThread(tx, request.ThreadID, now); err != nil {
			s.logError(opCreateMessage, "thread_touch_failed", err, zap.String("thread_id", request.ThreadID))
			return newServiceError(opCreateMessage, "thread_touch_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return threads.Message{}, txErr
	}
	message := created.toMessage(true)
	s.storeLatest(ctx, message)
	return message, nil
}

// DeleteMessage removes a checkpoint.
func (s *Service) DeleteMessage(ctx context.Context, userID, threadID, messageID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opDeleteMessage, userID, threadID); err != nil {
			return err
		}
		result := tx.Where("thread_id = ? AND message_id = ?", threadID, messageID).Delete(&MessageRecord{})
		if result.Error != nil {
			s.logError(opDeleteMessage, "delete_failed", result.Error, zap.String("thread_id", threadID), zap.String("message_id", messageID))
			return newServiceError(opDeleteMessage, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteMessage, "message_not_found", ErrNotFound)
		}
		return s.touchThread(tx, threadID, s.clock().UTC())
	})
	if txErr != nil {
		return txErr
	}
	s.invalidateLatest(ctx, threadID)
	return nil
}

// AttachRender records an uploaded audio render on a checkpoint.
func (s *Service) AttachRender(ctx context.Context, userID, threadID, messageID string, render threads.Render) (threads.Message, error) {
	var record MessageRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opAttachRender, userID, threadID); err != nil {
			return err
		}
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("thread_id = ? AND message_id = ?", threadID, messageID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAttachRender, "message_not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opAttachRender, "message_select_failed", err)
		}
		replaced := false
		for index := range record.Renders {
			if record.Renders[index].ID == render.ID {
				record.Renders[index] = render
				replaced = true
			}
		}
		if !replaced {
			record.Renders = append(record.Renders, render)
		}
		if err := tx.Model(&MessageRecord{}).
			Where("message_id = ?", messageID).
			Update("renders", record.Renders).Error; err != nil {
			s.logError(opAttachRender, "render_update_failed", err, zap.String("message_id", messageID))
			return newServiceError(opAttachRender, "render_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return threads.Message{}, txErr
	}
	s.invalidateLatest(ctx, threadID)
	return record.toMessage(false), nil
}

// SendInvite offers membership to another user. Re-inviting a pending or declined invitee resets the
// invite to pending.
func (s *Service) SendInvite(ctx context.Context, inviterID, threadID string, request threads.InviteRequest) (threads.Thread, error) {
	invitee, err := normalizeID(request.UserID)
	if err != nil {
		return threads.Thread{}, newServiceError(opSendInvite, "invalid_invitee", err)
	}
	var updated threads.Thread
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireMember(tx, opSendInvite, inviterID, threadID); err != nil {
			return err
		}
		member, err := isMember(tx, invitee, threadID)
		if err != nil {
			return newServiceError(opSendInvite, "member_select_failed", err)
		}
		if member {
			return newServiceError(opSendInvite, "already_member", ErrConflict)
		}
		invite := InviteRecord{
			ThreadID:  threadID,
			UserID:    invitee,
			UserName:  strings.TrimSpace(request.UserName),
			InvitedBy: inviterID,
			Status:    threads.InviteStatusPending,
			CreatedAt: s.clock().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_name", "invited_by", "status", "created_at"}),
		}).Create(&invite).Error; err != nil {
			s.logError(opSendInvite, "invite_upsert_failed", err, zap.String("thread_id", threadID), zap.String("invitee_id", invitee))
			return newServiceError(opSendInvite, "invite_upsert_failed", err)
		}
		updated, err = s.loadThread(tx, threadID)
		if err != nil {
			return newServiceError(opSendInvite, "thread_reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return threads.Thread{}, txErr
	}
	return updated, nil
}

// AcceptInvite turns a pending invite into membership. Accepting twice is a no-op.
func (s *Service) AcceptInvite(ctx context.Context, userID, threadID, userName string) (threads.Thread, threads.Invite, error) {
	var updated threads.Thread
	var accepted threads.Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, userID, threadID)
		if err != nil {
			return newServiceError(opAcceptInvite, "member_select_failed", err)
		}
		if !member {
			invite, err := s.pendingInvite(tx, opAcceptInvite, userID, threadID)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(userName)
			if name == "" {
				name = invite.UserName
			}
			now := s.clock().UTC()
			if err := tx.Model(&InviteRecord{}).
				Where("thread_id = ? AND user_id = ?", threadID, userID).
				Update("status", threads.InviteStatusAccepted).Error; err != nil {
				return newServiceError(opAcceptInvite, "invite_update_failed", err)
			}
			if err := tx.Create(&MemberRecord{ThreadID: threadID, UserID: userID, UserName: name, JoinedAt: now}).Error; err != nil {
				s.logError(opAcceptInvite, "member_insert_failed", err, zap.String("thread_id", threadID), zap.String("user_id", userID))
				return newServiceError(opAcceptInvite, "member_insert_failed", err)
			}
			if err := s.touchThread(tx, threadID, now); err != nil {
				return newServiceError(opAcceptInvite, "thread_touch_failed", err)
			}
			accepted = threads.Invite{UserID: userID, UserName: name, InvitedBy: invite.InvitedBy, Status: threads.InviteStatusAccepted, CreatedAt: invite.CreatedAt.UTC()}
		}
		updated, err = s.loadThread(tx, threadID)
		if err != nil {
			return newServiceError(opAcceptInvite, "thread_reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return threads.Thread{}, threads.Invite{}, txErr
	}
	return updated, accepted, nil
}

// DeclineInvite marks a pending invite declined.
func (s *Service) DeclineInvite(ctx context.Context, userID, threadID string) (threads.Thread, threads.Invite, error) {
	var updated threads.Thread
	var declined threads.Invite
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invite, err := s.pendingInvite(tx, opDeclineInvite, userID, threadID)
		if err != nil {
			return err
		}
		if err := tx.Model(&InviteRecord{}).
			Where("thread_id = ? AND user_id = ?", threadID, userID).
			Update("status", threads.InviteStatusDeclined).Error; err != nil {
			return newServiceError(opDeclineInvite, "invite_update_failed", err)
		}
		declined = threads.Invite{UserID: userID, UserName: invite.UserName, InvitedBy: invite.InvitedBy, Status: threads.InviteStatusDeclined, CreatedAt: invite.CreatedAt.UTC()}
		updated, err = s.loadThread(tx, threadID)
		if err != nil {
			return newServiceError(opDeclineInvite, "thread_reload_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return threads.Thread{}, threads.Invite{}, txErr
	}
	return updated, declined, nil
}

func (s *Service) requireMember(tx *gorm.DB, operation, userID, threadID string) error {
	var record ThreadRecord
	err := tx.Select("thread_id").Where("thread_id = ?", threadID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, "thread_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "thread_select_failed", err, zap.String("thread_id", threadID))
		return newServiceError(operation, "thread_select_failed", err)
	}
	member, err := isMember(tx, userID, threadID)
	if err != nil {
		s.logError(operation, "member_select_failed", err, zap.String("thread_id", threadID))
		return newServiceError(operation, "member_select_failed", err)
	}
	if !member {
		return newServiceError(operation, "thread_not_found", ErrNotFound)
	}
	return nil
}

func (s *Service) pendingInvite(tx *gorm.DB, operation, userID, threadID string) (InviteRecord, error) {
	var invite InviteRecord
	err := tx.Where("thread_id = ? AND user_id = ? AND status = ?", threadID, userID, threads.InviteStatusPending).Take(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return InviteRecord{}, newServiceError(operation, "invite_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "invite_select_failed", err, zap.String("thread_id", threadID), zap.String("user_id", userID))
		return InviteRecord{}, newServiceError(operation, "invite_select_failed", err)
	}
	return invite, nil
}

func isMember(tx *gorm.DB, userID, threadID string) (bool, error) {
	var count int64
	if err := tx.Model(&MemberRecord{}).Where("thread_id = ? AND user_id = ?", threadID, userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) touchThread(tx *gorm.DB, threadID string, at time.Time) error {
	return tx.Model(&ThreadRecord{}).Where("thread_id = ?", threadID).Update("updated_at", at).Error
}

func (s *Service) loadThread(tx *gorm.DB, threadID string) (threads.Thread, error) {
	list, err := s.loadThreads(tx, []string{threadID})
	if err != nil {
		return threads.Thread{}, err
	}
	if len(list) == 0 {
		return threads.Thread{}, gorm.ErrRecordNotFound
	}
	return list[0], nil
}

// loadThreads assembles summaries for the given ids, most recently updated first.
func (s *Service) loadThreads(tx *gorm.DB, threadIDs []string) ([]threads.Thread, error) {
	if len(threadIDs) == 0 {
		return []threads.Thread{}, nil
	}
	var records []ThreadRecord
	if err := tx.Where("thread_id IN ?", threadIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	var members []MemberRecord
	if err := tx.Where("thread_id IN ?", threadIDs).Order("joined_at ASC, user_id ASC").Find(&members).Error; err != nil {
		return nil, err
	}
	var invites []InviteRecord
	if err := tx.Where("thread_id IN ? AND status = ?", threadIDs, threads.InviteStatusPending).Order("created_at ASC").Find(&invites).Error; err != nil {
		return nil, err
	}
	var messageRefs []MessageRecord
	if err := tx.Select("message_id", "thread_id").
		Where("thread_id IN ?", threadIDs).
		Order("created_at ASC, message_id ASC").
		Find(&messageRefs).Error; err != nil {
		return nil, err
	}

	membersByThread := make(map[string][]MemberRecord)
	for _, member := range members {
		membersByThread[member.ThreadID] = append(membersByThread[member.ThreadID], member)
	}
	invitesByThread := make(map[string][]InviteRecord)
	for _, invite := range invites {
		invitesByThread[invite.ThreadID] = append(invitesByThread[invite.ThreadID], invite)
	}
	messagesByThread := make(map[string][]string)
	for _, ref := range messageRefs {
		messagesByThread[ref.ThreadID] = append(messagesByThread[ref.ThreadID], ref.MessageID)
	}

	list := make([]threads.Thread, 0, len(records))
	for _, record := range records {
		list = append(list, record.toThread(membersByThread[record.ThreadID], invitesByThread[record.ThreadID], messagesByThread[record.ThreadID]))
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

func (s *Service) storeLatest(ctx context.Context, message threads.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.StoreLatest(ctx, message); err != nil {
		s.logger.Warn("latest checkpoint cache write failed", zap.String("thread_id", message.ThreadID), zap.Error(err))
	}
}

func (s *Service) invalidateLatest(ctx context.Context, threadID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, threadID); err != nil {
		s.logger.Warn("latest checkpoint cache invalidation failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("checkpoints service error", attrs...)
}

func normalizeID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrInvalidInput)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: identifier exceeds %d characters", ErrInvalidInput, maxIdentifierLength)
	}
	return trimmed, nil
}

func creatorName(creatorID string, participants []threads.Participant) string {
	for _, participant := range participants {
		if strings.TrimSpace(participant.ID) == creatorID {
			return strings.TrimSpace(participant.Name)
		}
	}
	return ""
}

func toJSONMap(values map[string]string) datatypes.JSONMap {
	if len(values) == 0 {
		return nil
	}
	result := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		result[key] = value
	}
	return result
}
