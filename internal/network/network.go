// Package network describes the messaging-network capability the bridge
// drives. The whatsmeow adapter in internal/whatsapp implements it; tests
// use in-memory fakes.
package network

import (
	"context"
	"errors"
	"time"

	"github.com/KafClaw/wabridge/internal/message"
)

var (
	// ErrGroupNotFound is returned when the network does not know a group.
	ErrGroupNotFound = errors.New("group not found")
	// ErrNotPaired is returned by operations that need a paired device.
	ErrNotPaired = errors.New("device not paired")
)

// Credentials is the persisted device state of one instance.
type Credentials interface {
	InstanceID() string
	Paired() bool
}

// CredentialStore persists Credentials, one scope per instance.
type CredentialStore interface {
	LoadOrInit(ctx context.Context, instanceID string) (Credentials, error)
	Purge(instanceID string) error
}

// Dialer builds a fresh, not yet connected session.
type Dialer interface {
	Dial(ctx context.Context, instanceID string, creds Credentials) (Session, error)
}

// Session is one connection attempt. It is never reused after a close.
type Session interface {
	GroupClient

	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	// Events is closed once the session is disconnected for good.
	Events() <-chan Event

	Self() (id, pushName string)
	AvatarURL(ctx context.Context, id string) (string, error)
	SendPresence(ctx context.Context, available bool) error
	SendMessage(ctx context.Context, to string, payload *message.Payload) (string, error)
	LookupName(ctx context.Context, id string) (string, error)
	ListChats(ctx context.Context) ([]Chat, error)
}

// GroupClient is the group slice of a Session.
type GroupClient interface {
	JoinedGroups(ctx context.Context) ([]GroupInfo, error)
	GroupInfo(ctx context.Context, id string) (GroupInfo, error)
	CreateGroup(ctx context.Context, subject string, participants []string) (GroupInfo, error)
	SetGroupName(ctx context.Context, id, name string) error
	SetGroupTopic(ctx context.Context, id, topic string) error
	SetGroupAnnounce(ctx context.Context, id string, announce bool) error
	SetGroupLocked(ctx context.Context, id string, locked bool) error
	UpdateParticipants(ctx context.Context, id string, participants []string, action ParticipantAction) ([]ParticipantResult, error)
	LeaveGroup(ctx context.Context, id string) error
	InviteLink(ctx context.Context, id string, reset bool) (string, error)
}

// GroupInfo is a full group snapshot as reported by the network.
type GroupInfo struct {
	ID               string
	Subject          string
	Description      string
	OwnerID          string
	CreatedAt        time.Time
	AnnouncementOnly bool
	EditRestricted   bool
	Participants     []GroupParticipant
}

type GroupParticipant struct {
	ID           string
	Name         string
	IsAdmin      bool
	IsSuperAdmin bool
}

// ParticipantAction is a membership change applied to a group.
type ParticipantAction string

const (
	ActionAdd     ParticipantAction = "add"
	ActionRemove  ParticipantAction = "remove"
	ActionPromote ParticipantAction = "promote"
	ActionDemote  ParticipantAction = "demote"
)

// Valid reports whether a is one of the four known actions.
func (a ParticipantAction) Valid() bool {
	switch a {
	case ActionAdd, ActionRemove, ActionPromote, ActionDemote:
		return true
	}
	return false
}

// ParticipantResult is the per-participant outcome of UpdateParticipants.
// Status is the network's code; zero or 200 means accepted.
type ParticipantResult struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

func (r ParticipantResult) OK() bool { return r.Status == 0 || r.Status == 200 }

// Chat is an entry of the chat list replayed downstream after connecting.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
	IsGroup       bool      `json:"isGroup"`
}
