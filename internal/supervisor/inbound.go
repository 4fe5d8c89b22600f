package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/network"
)

// messageReceived turns an inbound message into its downstream payload.
// ok is false for messages that are not forwarded.
func (s *Supervisor) messageReceived(ctx context.Context, inst *instance.Instance, sess network.Session, m network.InboundMessage) (bus.MessageReceived, bool) {
	if m.FromMe || !m.HasContent {
		return bus.MessageReceived{}, false
	}
	text, kind := m.Conversation, "text"
	if text == "" {
		kind = "media"
		text = m.ExtendedText
	}
	if text == "" {
		text = s.placeholder
	}

	contact := strings.TrimSpace(m.PushName)
	if contact == "" {
		name, err := sess.LookupName(ctx, m.Chat)
		if err != nil {
			s.log.Debug("Contact lookup failed", "instance", inst.ID(), "chat", m.Chat, "error", err)
		}
		contact = strings.TrimSpace(name)
	}

	return bus.MessageReceived{
		InstanceID:  inst.ID(),
		From:        m.Chat,
		Message:     text,
		PushName:    m.PushName,
		ContactName: contact,
		Timestamp:   s.clock.Now(),
		MessageID:   m.ID,
		MessageType: kind,
	}, true
}

// forward relays one inbound message in the background so a slow sink
// does not hold up the session's event stream.
func (s *Supervisor) forward(inst *instance.Instance, rt *runtime, m network.InboundMessage) {
	payload, ok := s.messageReceived(rt.ctx, inst, rt.session, m)
	if !ok {
		return
	}
	s.log.Info("Message received", "instance", inst.ID(), "from", phoneOf(m.Chat), "type", payload.MessageType)

	ev := bus.Event{Kind: bus.KindMessageReceived, InstanceID: inst.ID(), Payload: payload}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var pending []string
		err := s.withRetry(rt.ctx, ForwardAttempts, ForwardRetryDelay, func() error {
			err := s.deliver(rt.ctx, ev, pending)
			pending = bus.FailedSinks(err)
			return err
		})
		if err != nil {
			s.log.Error("Forward message failed", "instance", inst.ID(), "message_id", m.ID, "attempts", ForwardAttempts, "error", err)
		}
	}()
}

// deliver publishes ev to the sinks in only, or to every sink when only is
// empty or the publisher cannot target sinks.
func (s *Supervisor) deliver(ctx context.Context, ev bus.Event, only []string) error {
	if tp, ok := s.pub.(targetedPublisher); ok && len(only) > 0 {
		return tp.PublishTo(ctx, ev, only)
	}
	return s.pub.Publish(ctx, ev)
}

// withRetry calls fn up to attempts times, waiting delay between tries.
func (s *Supervisor) withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if err := s.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

// replayChats sends the chat list downstream in paced batches. The first
// failing batch ends the replay.
func (s *Supervisor) replayChats(inst *instance.Instance, rt *runtime) {
	if !inst.IsCurrent(rt.session) || inst.State() != instance.StateConnected {
		return
	}
	chats, err := rt.session.ListChats(rt.ctx)
	if err != nil {
		s.log.Warn("Chat replay failed", "instance", inst.ID(), "error", err)
		return
	}
	total := (len(chats) + ChatReplayBatch - 1) / ChatReplayBatch
	s.log.Info("Replaying chats", "instance", inst.ID(), "chats", len(chats), "batches", total)
	user := userOf(inst.Identity())

	for n := 0; n < total; n++ {
		lo, hi := n*ChatReplayBatch, (n+1)*ChatReplayBatch
		if hi > len(chats) {
			hi = len(chats)
		}
		ev := bus.Event{
			Kind:       bus.KindChatsImport,
			InstanceID: inst.ID(),
			Payload: bus.ChatsImport{
				InstanceID:   inst.ID(),
				Chats:        busChats(chats[lo:hi]),
				User:         user,
				BatchNumber:  n + 1,
				TotalBatches: total,
			},
		}
		if err := s.pub.Publish(rt.ctx, ev); err != nil {
			s.log.Warn("Chat replay batch failed", "instance", inst.ID(), "batch", n+1, "error", err)
			return
		}
		if n < total-1 {
			if err := s.sleep(rt.ctx, ChatReplayPacing); err != nil {
				return
			}
		}
	}
	s.log.Info("Chat replay complete", "instance", inst.ID())
}

func busChats(in []network.Chat) []bus.Chat {
	out := make([]bus.Chat, 0, len(in))
	for _, c := range in {
		bc := bus.Chat{ID: c.ID, Name: c.Name, UnreadCount: c.UnreadCount, IsGroup: c.IsGroup}
		if !c.LastMessageAt.IsZero() {
			t := c.LastMessageAt
			bc.LastMessageAt = &t
		}
		out = append(out, bc)
	}
	return out
}
