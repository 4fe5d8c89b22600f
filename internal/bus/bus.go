// Package bus fans downstream events out to the configured sinks.
package bus

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Kind names a downstream event.
type Kind string

const (
	KindConnected       Kind = "connected"
	KindDisconnected    Kind = "disconnected"
	KindMessageReceived Kind = "message-received"
	KindChatsImport     Kind = "chats-import"
)

// User is the account announced with connection events.
type User struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Phone             string `json:"phone"`
	ProfilePictureURL string `json:"profilePictureUrl"`
}

// Connected is published a short while after a session opens.
type Connected struct {
	InstanceID  string    `json:"instanceId"`
	User        *User     `json:"user"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Disconnected is published on every session close.
type Disconnected struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

// MessageReceived is one inbound message.
type MessageReceived struct {
	InstanceID  string    `json:"instanceId"`
	From        string    `json:"from"`
	Message     string    `json:"message"`
	PushName    string    `json:"pushName"`
	ContactName string    `json:"contactName"`
	Timestamp   time.Time `json:"timestamp"`
	MessageID   string    `json:"messageId"`
	MessageType string    `json:"messageType"`
}

// Chat is one replayed conversation.
type Chat struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	UnreadCount   int        `json:"unreadCount"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	IsGroup       bool       `json:"isGroup"`
}

// ChatsImport is one batch of the chat replay.
type ChatsImport struct {
	InstanceID   string `json:"instanceId"`
	Chats        []Chat `json:"chats"`
	User         *User  `json:"user"`
	BatchNumber  int    `json:"batchNumber"`
	TotalBatches int    `json:"totalBatches"`
}

// Event is one downstream notification. Payload is one of the payload
// structs above, matching Kind.
type Event struct {
	Kind       Kind
	InstanceID string
	Timestamp  time.Time
	Payload    any
}

// Sink delivers events somewhere outside the process.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

type subscription struct {
	sink  Sink
	kinds map[Kind]bool
}

func (s subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus delivers every published event to each subscribed sink in turn.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	now  func() time.Time
}

// New returns a bus with no sinks. Publishing to it is a no-op.
func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers sink for kinds, or for every kind when none given.
func (b *Bus) Subscribe(sink Sink, kinds ...Kind) {
	sub := subscription{sink: sink}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Sinks lists the names of the subscribed sinks.
func (b *Bus) Sinks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.sink.Name())
	}
	return out
}

// Publish delivers ev synchronously. Every sink is tried; failures are
// joined into the returned error, one *SinkError per failed sink.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	return b.PublishTo(ctx, ev, nil)
}

// PublishTo is Publish restricted to the named sinks. A nil names slice
// selects every sink.
func (b *Bus) PublishTo(ctx context.Context, ev Event, names []string) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !s.wants(ev.Kind) || (names != nil && !slices.Contains(names, s.sink.Name())) {
			continue
		}
		if err := s.sink.Deliver(ctx, ev); err != nil {
			errs = append(errs, &SinkError{Sink: s.sink.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError is one sink's delivery failure.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return e.Sink + ": " + e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// FailedSinks lists the sinks named by the SinkErrors in err.
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	var out []string
	for _, e := range errs {
		var se *SinkError
		if errors.As(e, &se) {
			out = append(out, se.Sink)
		}
	}
	return out
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, ev Event) error
}

func (f SinkFunc) Name() string                                { return f.ID }
func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f.Fn(ctx, ev) }
