package network

import "time"

// Event is one item of a session's event stream.
type Event interface{ event() }

// QREvent carries a fresh pairing code.
type QREvent struct{ Code string }

// OpenEvent signals that the session is authenticated and usable.
type OpenEvent struct{}

// CloseEvent ends the session. The session must not be reused.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// MessagesEvent carries a batch of inbound messages.
type MessagesEvent struct{ Messages []InboundMessage }

// GroupUpdateEvent is a field-wise change to group metadata. Nil fields are
// unchanged.
type GroupUpdateEvent struct {
	GroupID          string
	Subject          *string
	Description      *string
	AnnouncementOnly *bool
	EditRestricted   *bool
}

// ParticipantsEvent is a membership change pushed by the network.
type ParticipantsEvent struct {
	GroupID      string
	Participants []string
	Action       ParticipantAction
}

// JoinedGroupEvent is emitted when the account is added to a group.
type JoinedGroupEvent struct{ Group GroupInfo }

func (QREvent) event()           {}
func (OpenEvent) event()         {}
func (CloseEvent) event()        {}
func (MessagesEvent) event()     {}
func (GroupUpdateEvent) event()  {}
func (ParticipantsEvent) event() {}
func (JoinedGroupEvent) event()  {}

// InboundMessage is the part of a received message the bridge forwards.
type InboundMessage struct {
	ID       string
	Chat     string
	Sender   string
	PushName string
	FromMe   bool
	// HasContent is false for protocol-only envelopes.
	HasContent   bool
	Conversation string
	ExtendedText string
	Timestamp    time.Time
}

// CloseReason classifies why a session closed.
type CloseReason string

const (
	ReasonRestartRequired    CloseReason = "restartRequired"
	ReasonConnectionClosed   CloseReason = "connectionClosed"
	ReasonConnectionLost     CloseReason = "connectionLost"
	ReasonTimedOut           CloseReason = "timedOut"
	ReasonLoggedOut          CloseReason = "loggedOut"
	ReasonConnectionReplaced CloseReason = "connectionReplaced"
	ReasonBadSession         CloseReason = "badSession"
	ReasonUnknown            CloseReason = "unknown"
)
