package checkpoints

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/threads"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

// ThreadRecord is a persisted thread.
type ThreadRecord struct {
	ThreadID  string            `gorm:"column:thread_id;primaryKey;size:190;not null"`
	ClientID  string            `gorm:"column:client_id;size:190;not null;default:'';index:idx_threads_creator_client,priority:2"`
	CreatorID string            `gorm:"column:creator_id;size:190;not null;index:idx_threads_creator_client,priority:1"`
	Name      string            `gorm:"column:name;size:320;not null;default:''"`
	Metadata  datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt time.Time         `gorm:"column:updated_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ThreadRecord) TableName() string {
	return "threads"
}

// MemberRecord binds a user to a thread.
type MemberRecord struct {
	ThreadID string    `gorm:"column:thread_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	UserName string    `gorm:"column:user_name;size:64;not null;default:''"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

func (MemberRecord) TableName() string {
	return "thread_members"
}

// InviteRecord is an invitation and its resolution.
type InviteRecord struct {
	ThreadID  string               `gorm:"column:thread_id;primaryKey;size:190;not null"`
	UserID    string               `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_invites_user_status,priority:1"`
	UserName  string               `gorm:"column:user_name;size:64;not null;default:''"`
	InvitedBy string               `gorm:"column:invited_by;size:190;not null"`
	Status    threads.InviteStatus `gorm:"column:status;size:16;not null;index:idx_invites_user_status,priority:2"`
	CreatedAt time.Time            `gorm:"column:created_at;not null"`
}

func (InviteRecord) TableName() string {
	return "thread_invites"
}

// MessageRecord is a persisted checkpoint. Rows are never updated except to attach renders.
type MessageRecord struct {
	MessageID string                                `gorm:"column:message_id;primaryKey;size:190;not null"`
	ThreadID  string                                `gorm:"column:thread_id;size:190;not null;index:idx_messages_thread_created,priority:1;uniqueIndex:idx_messages_thread_client,priority:1"`
	ClientID  string                                `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_messages_thread_client,priority:2"`
	UserID    string                                `gorm:"column:user_id;size:190;not null"`
	CreatedAt time.Time                             `gorm:"column:created_at;not null;index:idx_messages_thread_created,priority:2"`
	Snapshot  datatypes.JSON                        `gorm:"column:snapshot_json;not null"`
	Metadata  datatypes.JSONType[snapshot.Metadata] `gorm:"column:snapshot_metadata"`
	Renders   datatypes.JSONSlice[threads.Render]   `gorm:"column:renders"`
}

func (MessageRecord) TableName() string {
	return "thread_messages"
}

// Models lists every table owned by this package, for schema migration.
func Models() []any {
	return []any{&ThreadRecord{}, &MemberRecord{}, &InviteRecord{}, &MessageRecord{}}
}

func (r ThreadRecord) toThread(members []MemberRecord, invites []InviteRecord, messageIDs []string) threads.Thread {
	thread := threads.Thread{
		ID:         r.ThreadID,
		Name:       r.Name,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		Users:      make([]threads.Participant, 0, len(members)),
		MessageIDs: append([]string{}, messageIDs...),
		Invites:    make([]threads.Invite, 0, len(invites)),
	}
	if len(r.Metadata) > 0 {
		thread.Metadata = make(map[string]string, len(r.Metadata))
		for key, value := range r.Metadata {
			if text, ok := value.(string); ok {
				thread.Metadata[key] = text
			}
		}
	}
	for _, member := range members {
		thread.Users = append(thread.Users, threads.Participant{
			ID:       member.UserID,
			Name:     member.UserName,
			JoinedAt: member.JoinedAt.UTC(),
		})
	}
	for _, invite := range invites {
		if invite.Status != threads.InviteStatusPending {
			continue
		}
		thread.Invites = append(thread.Invites, threads.Invite{
			UserID:    invite.UserID,
			UserName:  invite.UserName,
			InvitedBy: invite.InvitedBy,
			Status:    invite.Status,
			CreatedAt: invite.CreatedAt.UTC(),
		})
	}
	return thread
}

func (r MessageRecord) toMessage(includeSnapshot bool) threads.Message {
	message := threads.Message{
		ID:         r.MessageID,
		ClientID:   r.ClientID,
		ThreadID:   r.ThreadID,
		UserID:     r.UserID,
		Timestamp:  r.CreatedAt.UTC(),
		Metadata:   r.Metadata.Data(),
		Renders:    append([]threads.Render(nil), r.Renders...),
		SendStatus: threads.SendStatusSent,
	}
	if includeSnapshot && len(r.Snapshot) > 0 {
		decoded, _ := snapshot.Decode(r.Snapshot)
		message.Snapshot = &decoded
	}
	return message
}
