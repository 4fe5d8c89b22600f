// Package instance holds the runtime state of every bridged account.
package instance

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/KafClaw/wabridge/internal/groups"
	"github.com/KafClaw/wabridge/internal/network"
)

var (
	// ErrNotConnected is returned for operations that need an open session.
	ErrNotConnected = errors.New("instance not connected")
	// ErrNotFound is returned when the registry has no such instance.
	ErrNotFound = errors.New("instance not found")
	// ErrInvalidID rejects ids that cannot name a credential directory.
	ErrInvalidID = errors.New("invalid instance id")
)

// State is the connection state of an instance.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Identity describes the account behind a connected instance.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	AvatarURL string `json:"profilePictureUrl,omitempty"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateID checks that id is safe to use as a directory suffix.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Instance is one tenant's session state. All fields are guarded by mu,
// which is never held across a network call.
type Instance struct {
	id        string
	createdAt time.Time
	now       func() time.Time
	groups    *groups.Cache

	mu         sync.Mutex
	state      State
	loggedOut  bool
	session    network.Session
	qr         string
	qrIssuedAt time.Time
	identity   *Identity
	lastSeen   time.Time
}

func newInstance(id string, now func() time.Time) *Instance {
	t := now()
	return &Instance{
		id:        id,
		createdAt: t,
		now:       now,
		groups:    groups.NewCache(now),
		state:     StateDisconnected,
		lastSeen:  t,
	}
}

func (i *Instance) ID() string { return i.id }

// Groups is the instance's group cache.
func (i *Instance) Groups() *groups.Cache { return i.groups }

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// BeginConnect moves a disconnected instance to connecting and clears the
// logged-out flag. It reports the current state and false when the
// instance is already connecting or connected.
func (i *Instance) BeginConnect() (State, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateDisconnected {
		return i.state, false
	}
	i.state = StateConnecting
	i.loggedOut = false
	i.session = nil
	i.lastSeen = i.now()
	return i.state, true
}

// AbortConnect returns a connecting instance without a session to
// disconnected, e.g. when dialing failed.
func (i *Instance) AbortConnect() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateConnecting && i.session == nil {
		i.state = StateDisconnected
		i.lastSeen = i.now()
	}
}

// AttachSession records s as the current session.
func (i *Instance) AttachSession(s network.Session) {
	i.mu.Lock()
	i.session = s
	i.mu.Unlock()
}

// Session returns the current session handle, nil when none.
func (i *Instance) Session() network.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// IsCurrent reports whether s is the instance's live session.
func (i *Instance) IsCurrent(s network.Session) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return s != nil && i.session == s
}

// SetQR stores a pairing code issued by s. Codes from stale sessions or
// arriving after the instance left connecting are dropped.
func (i *Instance) SetQR(s network.Session, code string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session != s || i.state != StateConnecting {
		return false
	}
	i.qr = code
	i.qrIssuedAt = i.now()
	return true
}

// QR returns the pending pairing code and when it was issued.
func (i *Instance) QR() (string, time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.qr, i.qrIssuedAt
}

// MarkConnected transitions to connected with the given identity.
func (i *Instance) MarkConnected(s network.Session, id Identity) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session != s {
		return false
	}
	i.state = StateConnected
	i.qr = ""
	i.qrIssuedAt = time.Time{}
	i.identity = &id
	i.lastSeen = i.now()
	return true
}

// SetAvatar fills in the avatar once it has been looked up.
func (i *Instance) SetAvatar(s network.Session, url string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.session == s && i.identity != nil {
		i.identity.AvatarURL = url
	}
}

// MarkDisconnected drops s and every piece of per-connection state. A nil
// s matches whatever session is current.
func (i *Instance) MarkDisconnected(s network.Session, loggedOut bool) bool {
	i.mu.Lock()
	if s != nil && i.session != s {
		i.mu.Unlock()
		return false
	}
	i.state = StateDisconnected
	i.session = nil
	i.qr = ""
	i.qrIssuedAt = time.Time{}
	i.identity = nil
	i.loggedOut = i.loggedOut || loggedOut
	i.lastSeen = i.now()
	i.mu.Unlock()

	i.groups.Clear()
	return true
}

// LoggedOut reports whether the last close ended the pairing.
func (i *Instance) LoggedOut() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loggedOut
}

// Touch refreshes LastSeen.
func (i *Instance) Touch() {
	i.mu.Lock()
	i.lastSeen = i.now()
	i.mu.Unlock()
}

// ConnectedSession returns the session when the instance is connected.
func (i *Instance) ConnectedSession() (network.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateConnected || i.session == nil {
		return nil, fmt.Errorf("%s: %w", i.id, ErrNotConnected)
	}
	return i.session, nil
}

// Identity returns a copy of the connected identity, nil otherwise.
func (i *Instance) Identity() *Identity {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.identity == nil {
		return nil
	}
	id := *i.identity
	return &id
}

// Snapshot is a consistent read of an instance for status reporting.
type Snapshot struct {
	ID             string    `json:"instanceId"`
	State          State     `json:"state"`
	Connected      bool      `json:"connected"`
	Connecting     bool      `json:"connecting"`
	LoggedOut      bool      `json:"loggedOut"`
	HasQR          bool      `json:"hasQR"`
	QRIssuedAt     time.Time `json:"-"`
	User           *Identity `json:"user"`
	LastSeen       time.Time `json:"lastSeen"`
	CreatedAt      time.Time `json:"createdAt"`
	GroupsCached   int       `json:"groupsCached"`
	GroupsSyncedAt time.Time `json:"groupsSyncedAt,omitempty"`
}

func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	s := Snapshot{
		ID:         i.id,
		State:      i.state,
		Connected:  i.state == StateConnected,
		Connecting: i.state == StateConnecting,
		LoggedOut:  i.loggedOut,
		HasQR:      i.qr != "",
		QRIssuedAt: i.qrIssuedAt,
		LastSeen:   i.lastSeen,
		CreatedAt:  i.createdAt,
	}
	if i.identity != nil {
		id := *i.identity
		s.User = &id
	}
	i.mu.Unlock()

	s.GroupsCached = i.groups.Len()
	s.GroupsSyncedAt = i.groups.SyncedAt()
	return s
}
