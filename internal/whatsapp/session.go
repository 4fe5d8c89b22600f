package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/KafClaw/wabridge/internal/network"
)

var errQRTimeout = errors.New("QR code was not scanned in time")

// Session is one whatsmeow connection attempt.
type Session struct {
	id      string
	client  *whatsmeow.Client
	fetcher Fetcher
	log     zerolog.Logger

	mu     sync.Mutex
	queue  []network.Event
	closed bool
	stopQR context.CancelFunc
	chats  map[string]network.Chat

	// events is fed from queue by pump.
	events      chan network.Event
	wake        chan struct{}
	abandoned   chan struct{}
	abandonOnce sync.Once
}

func newSession(id string, client *whatsmeow.Client, fetcher Fetcher, log zerolog.Logger) *Session {
	s := &Session{
		id:        id,
		client:    client,
		fetcher:   fetcher,
		log:       log,
		chats:     make(map[string]network.Chat),
		events:    make(chan network.Event),
		wake:      make(chan struct{}, 1),
		abandoned: make(chan struct{}),
	}
	go s.pump()
	if client != nil {
		client.AddEventHandler(s.handle)
	}
	return s
}

func (s *Session) Events() <-chan network.Event { return s.events }

// Connect opens the socket. An unpaired device streams QR codes until it
// is scanned or the pairing window closes.
func (s *Session) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(ctx)
		qrChan, err := s.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get QR channel: %w", err)
		}
		s.mu.Lock()
		s.stopQR = cancel
		s.mu.Unlock()
		go s.pumpQR(qrChan)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch {
		case item.Event == "code":
			s.emit(network.QREvent{Code: item.Code})
		case item.Event == "timeout":
			s.finish(network.ReasonTimedOut, errQRTimeout)
		case item.Event == "success":
		case strings.HasPrefix(item.Event, "err"):
			err := item.Error
			if err == nil {
				err = errors.New(item.Event)
			}
			s.finish(network.ReasonBadSession, err)
		}
	}
}

// Disconnect and Logout are called once the caller has stopped reading
// Events, so undelivered events are discarded.
func (s *Session) Disconnect() {
	s.client.Disconnect()
	s.finish(network.ReasonConnectionClosed, nil)
	s.abandon()
}

func (s *Session) Logout(ctx context.Context) error {
	err := s.client.Logout(ctx)
	s.finish(network.ReasonLoggedOut, nil)
	s.abandon()
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (s *Session) Self() (string, string) {
	if s.client.Store.ID == nil {
		return "", ""
	}
	return s.client.Store.ID.String(), s.client.Store.PushName
}

func (s *Session) AvatarURL(ctx context.Context, id string) (string, error) {
	jid, err := parseJID(id)
	if err != nil {
		return "", err
	}
	info, err := s.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	switch {
	case errors.Is(err, whatsmeow.ErrProfilePictureNotSet), errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("profile picture: %w", err)
	case info == nil:
		return "", nil
	}
	return info.URL, nil
}

func (s *Session) SendPresence(ctx context.Context, available bool) error {
	state := types.PresenceUnavailable
	if available {
		state = types.PresenceAvailable
	}
	return s.client.SendPresence(ctx, state)
}

// LookupName resolves a contact's saved name from the device store.
func (s *Session) LookupName(ctx context.Context, id string) (string, error) {
	jid, err := parseJID(id)
	if err != nil {
		return "", err
	}
	contact, err := s.client.Store.Contacts.GetContact(ctx, jid.ToNonAD())
	if err != nil {
		return "", fmt.Errorf("lookup contact: %w", err)
	}
	for _, name := range []string{contact.FullName, contact.FirstName, contact.BusinessName, contact.PushName} {
		if name != "" {
			return name, nil
		}
	}
	return "", nil
}

// ListChats merges the chats seen in history syncs with the joined groups,
// most recent first.
func (s *Session) ListChats(ctx context.Context) ([]network.Chat, error) {
	s.mu.Lock()
	index := make(map[string]network.Chat, len(s.chats))
	for id, c := range s.chats {
		index[id] = c
	}
	s.mu.Unlock()

	joined, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("joined groups unavailable for chat list")
	}
	for _, g := range joined {
		id := g.JID.String()
		c, ok := index[id]
		if !ok {
			c = network.Chat{ID: id, IsGroup: true}
		}
		if c.Name == "" {
			c.Name = g.Name
		}
		index[id] = c
	}
	return sortedChats(index), nil
}

func sortedChats(index map[string]network.Chat) []network.Chat {
	out := make([]network.Chat, 0, len(index))
	for _, c := range index {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Session) indexHistory(data *waHistorySync.HistorySync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil || jid.Server == types.BroadcastServer {
			continue
		}
		c := network.Chat{
			ID:          jid.String(),
			Name:        conv.GetName(),
			UnreadCount: int(conv.GetUnreadCount()),
			IsGroup:     jid.Server == types.GroupServer,
		}
		if ts := conv.GetConversationTimestamp(); ts > 0 {
			c.LastMessageAt = time.Unix(int64(ts), 0).UTC()
		}
		if prev, ok := s.chats[c.ID]; ok {
			if c.Name == "" {
				c.Name = prev.Name
			}
			if prev.LastMessageAt.After(c.LastMessageAt) {
				c.LastMessageAt = prev.LastMessageAt
			}
		}
		s.chats[c.ID] = c
	}
}

func (s *Session) handle(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.emit(network.OpenEvent{})
	case *events.Disconnected:
		s.finish(network.ReasonConnectionLost, nil)
	case *events.LoggedOut:
		s.finish(network.ReasonLoggedOut, fmt.Errorf("logged out: %v", v.Reason))
	case *events.StreamReplaced:
		s.finish(network.ReasonConnectionReplaced, nil)
	case *events.StreamError:
		s.finish(network.ReasonRestartRequired, fmt.Errorf("stream error %s", v.Code))
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			s.finish(network.ReasonLoggedOut, fmt.Errorf("connect failure: %v", v.Reason))
		} else {
			s.finish(network.ReasonBadSession, fmt.Errorf("connect failure: %v %s", v.Reason, v.Message))
		}
	case *events.ClientOutdated:
		s.finish(network.ReasonBadSession, errors.New("client outdated"))
	case *events.TemporaryBan:
		s.finish(network.ReasonBadSession, fmt.Errorf("temporary ban: %s", v.String()))
	case *events.Message:
		s.emit(network.MessagesEvent{Messages: []network.InboundMessage{inboundOf(v)}})
	case *events.GroupInfo:
		for _, ev := range groupEvents(v, s.memberID) {
			s.emit(ev)
		}
	case *events.JoinedGroup:
		s.emit(network.JoinedGroupEvent{Group: groupInfoOf(&v.GroupInfo)})
	case *events.HistorySync:
		s.indexHistory(v.Data)
	}
}

// emit queues ev for delivery. It never blocks the whatsmeow dispatcher.
func (s *Session) emit(ev network.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish queues the close reason once, behind every event emitted before
// it, and stops accepting events.
func (s *Session) finish(reason network.CloseReason, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = append(s.queue, network.CloseEvent{Reason: reason, Err: err})
	stop := s.stopQR
	s.mu.Unlock()
	s.signal()

	if stop != nil {
		stop()
	}
	if s.client != nil && reason != network.ReasonConnectionClosed && reason != network.ReasonLoggedOut {
		go s.client.Disconnect()
	}
}

func (s *Session) abandon() {
	s.abandonOnce.Do(func() { close(s.abandoned) })
}

// pump delivers queued events in order and closes events after the close
// reason went out, or as soon as the session is abandoned.
func (s *Session) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			done := s.closed
			s.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.abandoned:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.abandoned:
			return
		}
	}
}

func parseJID(id string) (types.JID, error) {
	if !strings.Contains(id, "@") {
		return types.JID{}, fmt.Errorf("invalid jid %q", id)
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid jid %q: %w", id, err)
	}
	return jid, nil
}
