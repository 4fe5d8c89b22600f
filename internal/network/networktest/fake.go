// Package networktest provides in-memory network fakes for tests.
package networktest

import (
	"context"
	"fmt"
	"sync"

	"github.com/KafClaw/wabridge/internal/message"
	"github.com/KafClaw/wabridge/internal/network"
)

// Sent records one SendMessage call.
type Sent struct {
	To      string
	Payload *message.Payload
}

// Session is a scriptable network.Session. Tests push events with Emit and
// end the stream with Close. Unset funcs succeed with zero values.
type Session struct {
	InstanceID string
	SelfID     string
	PushName   string

	ConnectFn      func(ctx context.Context) error
	LogoutFn       func(ctx context.Context) error
	AvatarFn       func(ctx context.Context, id string) (string, error)
	PresenceFn     func(ctx context.Context, available bool) error
	SendFn         func(ctx context.Context, to string, p *message.Payload) (string, error)
	LookupNameFn   func(ctx context.Context, id string) (string, error)
	ListChatsFn    func(ctx context.Context) ([]network.Chat, error)
	JoinedGroupsFn func(ctx context.Context) ([]network.GroupInfo, error)
	GroupInfoFn    func(ctx context.Context, id string) (network.GroupInfo, error)
	UpdateFn       func(ctx context.Context, id string, ids []string, action network.ParticipantAction) ([]network.ParticipantResult, error)

	events    chan network.Event
	closeOnce sync.Once

	mu    sync.Mutex
	calls map[string]int
	sent  []Sent
}

// NewSession returns a session whose event channel buffers up to 64 events.
func NewSession(instanceID, selfID string) *Session {
	return &Session{
		InstanceID: instanceID,
		SelfID:     selfID,
		events:     make(chan network.Event, 64),
		calls:      make(map[string]int),
	}
}

func (s *Session) record(op string) {
	s.mu.Lock()
	s.calls[op]++
	s.mu.Unlock()
}

// Calls reports how often op was invoked.
func (s *Session) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SentMessages returns a copy of every SendMessage call.
func (s *Session) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Emit delivers ev on the event stream.
func (s *Session) Emit(ev network.Event) { s.events <- ev }

// Close ends the stream with a CloseEvent for reason.
func (s *Session) Close(reason network.CloseReason) {
	s.closeOnce.Do(func() {
		s.events <- network.CloseEvent{Reason: reason}
		close(s.events)
	})
}

func (s *Session) Events() <-chan network.Event { return s.events }

func (s *Session) Connect(ctx context.Context) error {
	s.record("connect")
	if s.ConnectFn != nil {
		return s.ConnectFn(ctx)
	}
	return nil
}

func (s *Session) Disconnect() {
	s.record("disconnect")
	s.Close(network.ReasonConnectionClosed)
}

func (s *Session) Logout(ctx context.Context) error {
	s.record("logout")
	if s.LogoutFn != nil {
		return s.LogoutFn(ctx)
	}
	s.Close(network.ReasonLoggedOut)
	return nil
}

func (s *Session) Self() (string, string) { return s.SelfID, s.PushName }

func (s *Session) AvatarURL(ctx context.Context, id string) (string, error) {
	s.record("avatar")
	if s.AvatarFn != nil {
		return s.AvatarFn(ctx, id)
	}
	return "", nil
}

func (s *Session) SendPresence(ctx context.Context, available bool) error {
	s.record("presence")
	if s.PresenceFn != nil {
		return s.PresenceFn(ctx, available)
	}
	return nil
}

func (s *Session) SendMessage(ctx context.Context, to string, p *message.Payload) (string, error) {
	s.record("send")
	if s.SendFn != nil {
		if id, err := s.SendFn(ctx, to, p); err != nil {
			return id, err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, Sent{To: to, Payload: p})
	n := len(s.sent)
	s.mu.Unlock()
	return fmt.Sprintf("MSG%d", n), nil
}

func (s *Session) LookupName(ctx context.Context, id string) (string, error) {
	s.record("lookup")
	if s.LookupNameFn != nil {
		return s.LookupNameFn(ctx, id)
	}
	return "", nil
}

func (s *Session) ListChats(ctx context.Context) ([]network.Chat, error) {
	s.record("chats")
	if s.ListChatsFn != nil {
		return s.ListChatsFn(ctx)
	}
	return nil, nil
}

func (s *Session) JoinedGroups(ctx context.Context) ([]network.GroupInfo, error) {
	s.record("joined")
	if s.JoinedGroupsFn != nil {
		return s.JoinedGroupsFn(ctx)
	}
	return nil, nil
}

func (s *Session) GroupInfo(ctx context.Context, id string) (network.GroupInfo, error) {
	s.record("info")
	if s.GroupInfoFn != nil {
		return s.GroupInfoFn(ctx, id)
	}
	return network.GroupInfo{}, network.ErrGroupNotFound
}

func (s *Session) CreateGroup(ctx context.Context, subject string, participants []string) (network.GroupInfo, error) {
	s.record("create")
	g := network.GroupInfo{ID: "created@g.us", Subject: subject, OwnerID: s.SelfID}
	g.Participants = append(g.Participants, network.GroupParticipant{ID: s.SelfID, IsAdmin: true, IsSuperAdmin: true})
	for _, p := range participants {
		g.Participants = append(g.Participants, network.GroupParticipant{ID: p})
	}
	return g, nil
}

func (s *Session) SetGroupName(ctx context.Context, id, name string) error {
	s.record("name")
	return nil
}

func (s *Session) SetGroupTopic(ctx context.Context, id, topic string) error {
	s.record("topic")
	return nil
}

func (s *Session) SetGroupAnnounce(ctx context.Context, id string, announce bool) error {
	s.record("announce")
	return nil
}

func (s *Session) SetGroupLocked(ctx context.Context, id string, locked bool) error {
	s.record("locked")
	return nil
}

func (s *Session) UpdateParticipants(ctx context.Context, id string, ids []string, action network.ParticipantAction) ([]network.ParticipantResult, error) {
	s.record("participants")
	if s.UpdateFn != nil {
		return s.UpdateFn(ctx, id, ids, action)
	}
	return nil, nil
}

func (s *Session) LeaveGroup(ctx context.Context, id string) error {
	s.record("leave")
	return nil
}

func (s *Session) InviteLink(ctx context.Context, id string, reset bool) (string, error) {
	s.record("invite")
	return "https://chat.whatsapp.com/INVITE", nil
}

// Credentials is a plain network.Credentials.
type Credentials struct {
	ID         string
	PairedFlag bool
}

func (c *Credentials) InstanceID() string { return c.ID }
func (c *Credentials) Paired() bool       { return c.PairedFlag }

// CredentialStore keeps credentials in memory and records purges.
type CredentialStore struct {
	mu     sync.Mutex
	creds  map[string]*Credentials
	purged []string

	LoadErr error
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]*Credentials)}
}

func (c *CredentialStore) LoadOrInit(ctx context.Context, id string) (network.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LoadErr != nil {
		return nil, c.LoadErr
	}
	cr, ok := c.creds[id]
	if !ok {
		cr = &Credentials{ID: id}
		c.creds[id] = cr
	}
	return cr, nil
}

func (c *CredentialStore) Purge(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, id)
	c.purged = append(c.purged, id)
	return nil
}

// Purged lists purged instance ids in order.
func (c *CredentialStore) Purged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.purged...)
}

// Dialer hands out a new Session per Dial and remembers them all.
type Dialer struct {
	mu       sync.Mutex
	sessions []*Session

	// Setup customises each session before it is returned.
	Setup   func(s *Session)
	DialErr error
}

func (d *Dialer) Dial(ctx context.Context, id string, creds network.Credentials) (network.Session, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	d.mu.Lock()
	s := NewSession(id, "5511999990000:3@s.whatsapp.net")
	s.PushName = "Tester"
	if d.Setup != nil {
		d.Setup(s)
	}
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// Sessions returns every session dialed so far.
func (d *Dialer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Last returns the most recent session, nil before the first Dial.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}
