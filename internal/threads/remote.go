package threads

import (
	"context"

	"github.com/MarcoPoloResearchLab/gravity/sequencer/internal/snapshot"
)

type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// MessageQuery selects a page of a thread's messages.
type MessageQuery struct {
	Order           Order
	Limit           int
	IncludeSnapshot bool
}

type CreateThreadRequest struct {
	ClientID string            `json:"client_id"`
	Name     string            `json:"name"`
	Users    []Participant     `json:"users"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type CreateMessageRequest struct {
	ThreadID string            `json:"-"`
	ClientID string            `json:"client_id"`
	UserID   string            `json:"user_id"`
	Snapshot snapshot.Snapshot `json:"snapshot"`
	Metadata snapshot.Metadata `json:"snapshot_metadata"`
}

type InviteRequest struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	InvitedBy string `json:"invited_by"`
}

// RemoteAPI is the stateless request/response boundary to the thread server. Implementations do not retry.
// Transport failures are reported as *NetworkError, missing entities as ErrNotFound, rejected input as
// *ValidationError and conflicts as *ConflictError.
type RemoteAPI interface {
	CreateThread(ctx context.Context, request CreateThreadRequest) (Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	ListThreads(ctx context.Context, userID string) ([]Thread, error)
	ListInvitedThreads(ctx context.Context, userID string) ([]Thread, error)
	GetThread(ctx context.Context, threadID string) (Thread, error)
	ListMessages(ctx context.Context, threadID string, query MessageQuery) ([]Message, error)
	GetLatestMessage(ctx context.Context, threadID string, includeSnapshot bool) (Message, error)
	CreateMessage(ctx context.Context, request CreateMessageRequest) (Message, error)
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	SendInvite(ctx context.Context, threadID string, request InviteRequest) (Thread, error)
	AcceptInvite(ctx context.Context, threadID, userID, userName string) (Thread, error)
	DeclineInvite(ctx context.Context, threadID, userID string) (Thread, error)
	SetUsername(ctx context.Context, userID, username string) error
}

// Player is the playback and recording engine bound to the live document. Every method is idempotent.
type Player interface {
	Stop()
	StartRecording() error
	StopRecording() error
	IsRecording() bool
	Reset()
}

// AudioCache maps render URLs to locally cached audio files.
type AudioCache interface {
	Lookup(url string) (localPath string, ok bool)
	Evict(url string)
}

// DraftStore persists unsaved work per thread.
type DraftStore interface {
	SaveDraft(threadID string, draft snapshot.Snapshot) error
	LoadDraft(threadID string) (snapshot.Snapshot, bool, error)
}

type noopPlayer struct{}

func (noopPlayer) Stop()                 {}
func (noopPlayer) StartRecording() error { return nil }
func (noopPlayer) StopRecording() error  { return nil }
func (noopPlayer) IsRecording() bool     { return false }
func (noopPlayer) Reset()                {}

type noopAudioCache struct{}

func (noopAudioCache) Lookup(string) (string, bool) { return "", false }
func (noopAudioCache) Evict(string)                 {}
