package threads

import (
	"time"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
)

type SendStatus string

const (
	SendStatusPending SendStatus = "pending"
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
)

type UploadStatus string

const (
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusCompleted UploadStatus = "completed"
	UploadStatusFailed    UploadStatus = "failed"
)

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
	InviteStatusDeclined InviteStatus = "declined"
)

// Participant is a member of a thread.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Invite is a pending membership offer.
type Invite struct {
	UserID    string       `json:"user_id"`
	UserName  string       `json:"user_name"`
	InvitedBy string       `json:"invited_by"`
	Status    InviteStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Thread is a collaborative project container. len(MessageIDs) is the checkpoint counter.
type Thread struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Users      []Participant     `json:"users"`
	MessageIDs []string          `json:"messages"`
	Invites    []Invite          `json:"invites"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IsLocal    bool              `json:"-"`
}

// Clone returns a copy that shares no slices or maps with the receiver.
func (t Thread) Clone() Thread {
	clone := t
	clone.Users = append([]Participant(nil), t.Users...)
	clone.MessageIDs = append([]string(nil), t.MessageIDs...)
	clone.Invites = append([]Invite(nil), t.Invites...)
	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for key, value := range t.Metadata {
			clone.Metadata[key] = value
		}
	}
	return clone
}

// HasUser reports whether the user is a participant.
func (t Thread) HasUser(userID string) bool {
	for _, user := range t.Users {
		if user.ID == userID {
			return true
		}
	}
	return false
}

// PendingInvite returns the pending invite addressed to the user.
func (t Thread) PendingInvite(userID string) (Invite, bool) {
	for _, invite := range t.Invites {
		if invite.UserID == userID && invite.Status == InviteStatusPending {
			return invite, true
		}
	}
	return Invite{}, false
}

// Render is an audio artifact attached to a checkpoint.
type Render struct {
	ID           string       `json:"id"`
	URL          string       `json:"url,omitempty"`
	LocalPath    string       `json:"-"`
	UploadStatus UploadStatus `json:"upload_status"`
}

// Playable reports whether the render can be played, remotely or from its local copy.
func (r Render) Playable() bool {
	return r.URL != "" || r.LocalPath != ""
}

// Message is a checkpoint. Once sent it is immutable.
type Message struct {
	ID         string             `json:"id"`
	ClientID   string             `json:"client_id,omitempty"`
	ThreadID   string             `json:"thread_id"`
	UserID     string             `json:"user_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Snapshot   *snapshot.Snapshot `json:"snapshot,omitempty"`
	Metadata   snapshot.Metadata  `json:"snapshot_metadata"`
	Renders    []Render           `json:"renders,omitempty"`
	SendStatus SendStatus         `json:"send_status,omitempty"`
}

// Clone returns a copy that shares no slices with the receiver.
func (m Message) Clone() Message {
	clone := m
	if m.Snapshot != nil {
		value := m.Snapshot.Clone()
		clone.Snapshot = &value
	}
	clone.Renders = append([]Render(nil), m.Renders...)
	clone.Metadata.SectionsSteps = append([]int(nil), m.Metadata.SectionsSteps...)
	clone.Metadata.SectionsLoopsNum = append([]int(nil), m.Metadata.SectionsLoopsNum...)
	clone.Metadata.Layers = append([]int(nil), m.Metadata.Layers...)
	return clone
}

// Confirmed reports whether the server acknowledged the message.
func (m Message) Confirmed() bool {
	return m.SendStatus == SendStatusSent
}
