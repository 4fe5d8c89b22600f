// Package supervisor drives the connection lifecycle of every instance:
// dialing, pairing, reconnecting and relaying inbound events downstream.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/clock"
	"github.com/KafClaw/wabridge/internal/groups"
	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/network"
)

const (
	QRWatchdog           = 30 * time.Second
	QRExpiresIn          = 60 * time.Second
	HeartbeatInterval    = 60 * time.Second
	ConnectedNotifyDelay = 2 * time.Second
	ChatReplayDelay      = 5 * time.Second
	ChatReplayBatch      = 20
	ChatReplayPacing     = time.Second
	ForwardAttempts      = 3
	ForwardRetryDelay    = 2 * time.Second

	// DefaultMediaPlaceholder stands in for the text of non-text messages.
	DefaultMediaPlaceholder = "Mídia recebida"
)

// ErrShuttingDown is returned by Connect once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor shutting down")

// ConnectResult tells the caller what Connect did.
type ConnectResult string

const (
	ConnectStarted           ConnectResult = "started"
	ConnectAlreadyConnecting ConnectResult = "already-connecting"
	ConnectAlreadyConnected  ConnectResult = "already-connected"
)

// ReconnectDelay maps a close reason to the wait before the next attempt.
// ok is false for loggedOut, which never reconnects.
func ReconnectDelay(reason network.CloseReason) (delay time.Duration, ok bool) {
	switch reason {
	case network.ReasonLoggedOut:
		return 0, false
	case network.ReasonRestartRequired:
		return 5 * time.Second, true
	case network.ReasonConnectionClosed:
		return 10 * time.Second, true
	case network.ReasonConnectionLost:
		return 15 * time.Second, true
	case network.ReasonTimedOut:
		return 20 * time.Second, true
	default:
		return 30 * time.Second, true
	}
}

// Publisher receives downstream events.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// targetedPublisher can redeliver to the sinks that failed; *bus.Bus
// implements it.
type targetedPublisher interface {
	PublishTo(ctx context.Context, ev bus.Event, sinks []string) error
}

// Options wires a Supervisor. Registry, Credentials and Dialer are required.
type Options struct {
	Registry    *instance.Registry
	Credentials network.CredentialStore
	Dialer      network.Dialer
	Publisher   Publisher
	Clock       clock.Clock
	Logger      *slog.Logger
	QR          QRRenderer

	// MediaPlaceholder replaces the text of messages without one.
	MediaPlaceholder string
	// ReplayChats enables the chat-list replay after each open.
	ReplayChats bool
}

// Supervisor owns every live session and the timers around it.
type Supervisor struct {
	registry    *instance.Registry
	creds       network.CredentialStore
	dialer      network.Dialer
	pub         Publisher
	clock       clock.Clock
	log         *slog.Logger
	qr          QRRenderer
	placeholder string
	replay      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	runtimes   map[string]*runtime
	reconnects map[string]*clock.Timer
}

// runtime is the per-session machinery: the event loop and its timers.
// It is discarded together with the session.
type runtime struct {
	session   network.Session
	heartbeat *clock.Ticker
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	timers  []*clock.Timer
	qrWatch *clock.Timer
}

func (rt *runtime) after(c clock.Clock, d time.Duration, f func()) {
	t := c.AfterFunc(d, f)
	rt.mu.Lock()
	rt.timers = append(rt.timers, t)
	rt.mu.Unlock()
}

func (rt *runtime) armQRWatch(c clock.Clock, f func()) {
	t := c.AfterFunc(QRWatchdog, f)
	rt.mu.Lock()
	prev := rt.qrWatch
	rt.qrWatch = t
	rt.mu.Unlock()
	prev.Stop()
}

func (rt *runtime) stop() {
	rt.cancel()
	rt.heartbeat.Stop()
	rt.mu.Lock()
	timers := append(rt.timers, rt.qrWatch)
	rt.timers, rt.qrWatch = nil, nil
	rt.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// New builds a supervisor. Call Shutdown to release it.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = bus.New()
	}
	if opts.MediaPlaceholder == "" {
		opts.MediaPlaceholder = DefaultMediaPlaceholder
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:    opts.Registry,
		creds:       opts.Credentials,
		dialer:      opts.Dialer,
		pub:         opts.Publisher,
		clock:       opts.Clock,
		log:         opts.Logger,
		qr:          opts.QR,
		placeholder: opts.MediaPlaceholder,
		replay:      opts.ReplayChats,
		ctx:         ctx,
		cancel:      cancel,
		runtimes:    make(map[string]*runtime),
		reconnects:  make(map[string]*clock.Timer),
	}
}

// Registry exposes the instance registry the supervisor drives.
func (s *Supervisor) Registry() *instance.Registry { return s.registry }

// Connect starts a connection attempt for id unless one is already
// running. Failures before the session is up leave the instance
// disconnected and are not retried.
func (s *Supervisor) Connect(ctx context.Context, id string) (ConnectResult, error) {
	if s.ctx.Err() != nil {
		return "", ErrShuttingDown
	}
	inst, created, err := s.registry.GetOrCreate(id)
	if err != nil {
		return "", err
	}
	if created {
		s.log.Info("Instance created", "instance", id)
	}
	switch st, ok := inst.BeginConnect(); {
	case !ok && st == instance.StateConnected:
		return ConnectAlreadyConnected, nil
	case !ok:
		return ConnectAlreadyConnecting, nil
	}
	s.stopReconnect(id)

	creds, err := s.creds.LoadOrInit(ctx, id)
	if err != nil {
		inst.AbortConnect()
		s.log.Error("Load credentials failed", "instance", id, "error", err)
		return "", fmt.Errorf("load credentials for %s: %w", id, err)
	}
	sess, err := s.dialer.Dial(ctx, id, creds)
	if err != nil {
		inst.AbortConnect()
		s.log.Error("Create session failed", "instance", id, "error", err)
		return "", fmt.Errorf("create session for %s: %w", id, err)
	}

	inst.AttachSession(sess)
	rt := s.startRuntime(inst, sess)
	s.log.Info("Connecting instance", "instance", id, "paired", creds.Paired())

	if err := sess.Connect(rt.ctx); err != nil {
		s.dropRuntime(id, rt)
		inst.MarkDisconnected(sess, false)
		s.log.Error("Connect failed", "instance", id, "error", err)
		return "", fmt.Errorf("connect %s: %w", id, err)
	}
	return ConnectStarted, nil
}

func (s *Supervisor) startRuntime(inst *instance.Instance, sess network.Session) *runtime {
	ctx, cancel := context.WithCancel(s.ctx)
	rt := &runtime{
		session:   sess,
		heartbeat: s.clock.NewTicker(HeartbeatInterval),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	old := s.runtimes[inst.ID()]
	s.runtimes[inst.ID()] = rt
	s.mu.Unlock()
	if old != nil {
		old.stop()
	}
	go s.run(inst, rt)
	return rt
}

// dropRuntime stops rt and forgets it if it is still the registered one.
func (s *Supervisor) dropRuntime(id string, rt *runtime) {
	s.mu.Lock()
	if s.runtimes[id] == rt {
		delete(s.runtimes, id)
	}
	s.mu.Unlock()
	rt.stop()
}

func (s *Supervisor) takeRuntime(id string) *runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtimes[id]
	delete(s.runtimes, id)
	return rt
}

// run is the single consumer of one session's events.
func (s *Supervisor) run(inst *instance.Instance, rt *runtime) {
	defer close(rt.done)
	events := rt.session.Events()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-rt.heartbeat.C:
			s.heartbeat(inst, rt)
		case ev, ok := <-events:
			if !ok {
				s.handleClose(inst, rt, network.CloseEvent{Reason: network.ReasonConnectionClosed})
				return
			}
			if rt.ctx.Err() != nil || !inst.IsCurrent(rt.session) {
				return
			}
			if s.handle(inst, rt, ev) {
				return
			}
		}
	}
}

// handle applies one event. It reports true once the session is closed.
func (s *Supervisor) handle(inst *instance.Instance, rt *runtime, ev network.Event) bool {
	switch e := ev.(type) {
	case network.QREvent:
		s.handleQR(inst, rt, e.Code)
	case network.OpenEvent:
		s.handleOpen(inst, rt)
	case network.CloseEvent:
		s.handleClose(inst, rt, e)
		return true
	case network.MessagesEvent:
		for _, m := range e.Messages {
			s.forward(inst, rt, m)
		}
	case network.GroupUpdateEvent:
		inst.Groups().ApplyUpdate(e)
	case network.ParticipantsEvent:
		if _, err := inst.Groups().ApplyParticipants(rt.ctx, rt.session, e.GroupID, e.Participants, e.Action); err != nil {
			s.log.Warn("Apply participants update failed", "instance", inst.ID(), "group", e.GroupID, "error", err)
		}
	case network.JoinedGroupEvent:
		inst.Groups().Upsert(e.Group)
	default:
		s.log.Debug("Unhandled session event", "instance", inst.ID(), "type", fmt.Sprintf("%T", ev))
	}
	return false
}

func (s *Supervisor) handleQR(inst *instance.Instance, rt *runtime, code string) {
	if !inst.SetQR(rt.session, code) {
		return
	}
	s.log.Info("QR code issued", "instance", inst.ID())
	if s.qr != nil {
		if err := s.qr.Render(inst.ID(), code); err != nil {
			s.log.Warn("Render QR failed", "instance", inst.ID(), "error", err)
		}
	}
	rt.armQRWatch(s.clock, func() {
		if inst.IsCurrent(rt.session) && inst.State() == instance.StateConnecting {
			s.log.Warn("QR code not scanned yet", "instance", inst.ID())
		}
	})
}

func (s *Supervisor) handleOpen(inst *instance.Instance, rt *runtime) {
	sess := rt.session
	selfID, pushName := sess.Self()
	if !inst.MarkConnected(sess, identityOf(selfID, pushName)) {
		return
	}
	s.log.Info("Instance connected", "instance", inst.ID(), "phone", phoneOf(selfID))

	rt.after(s.clock, ConnectedNotifyDelay, func() { s.publishConnected(inst, rt) })
	if s.replay {
		rt.after(s.clock, ChatReplayDelay, func() {
			if rt.ctx.Err() != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.replayChats(inst, rt)
			}()
		})
	}

	if url, err := sess.AvatarURL(rt.ctx, selfID); err != nil {
		s.log.Debug("Avatar lookup failed", "instance", inst.ID(), "error", err)
	} else if url != "" {
		inst.SetAvatar(sess, url)
	}
	if err := inst.Groups().RefreshAll(rt.ctx, sess); err != nil {
		s.log.Warn("Initial group refresh failed", "instance", inst.ID(), "error", err)
	} else {
		s.log.Info("Groups loaded", "instance", inst.ID(), "count", inst.Groups().Len())
	}
}

func (s *Supervisor) publishConnected(inst *instance.Instance, rt *runtime) {
	if !inst.IsCurrent(rt.session) || inst.State() != instance.StateConnected {
		return
	}
	ev := bus.Event{
		Kind:       bus.KindConnected,
		InstanceID: inst.ID(),
		Payload: bus.Connected{
			InstanceID:  inst.ID(),
			User:        userOf(inst.Identity()),
			ConnectedAt: s.clock.Now(),
		},
	}
	if err := s.pub.Publish(rt.ctx, ev); err != nil {
		s.log.Warn("Connected notification failed", "instance", inst.ID(), "error", err)
	}
}

func (s *Supervisor) handleClose(inst *instance.Instance, rt *runtime, e network.CloseEvent) {
	id := inst.ID()
	loggedOut := e.Reason == network.ReasonLoggedOut
	if !inst.MarkDisconnected(rt.session, loggedOut) {
		return
	}
	s.dropRuntime(id, rt)
	s.log.Info("Connection closed", "instance", id, "reason", e.Reason, "error", e.Err)

	if loggedOut {
		if err := s.creds.Purge(id); err != nil {
			s.log.Warn("Purge credentials failed", "instance", id, "error", err)
		} else {
			s.log.Info("Credentials removed", "instance", id)
		}
	} else if delay, ok := ReconnectDelay(e.Reason); ok {
		s.scheduleReconnect(id, delay)
	}
	s.publishDisconnected(id, e.Reason)
}

func (s *Supervisor) publishDisconnected(id string, reason network.CloseReason) {
	ev := bus.Event{
		Kind:       bus.KindDisconnected,
		InstanceID: id,
		Payload:    bus.Disconnected{InstanceID: id, Reason: string(reason)},
	}
	if err := s.pub.Publish(s.ctx, ev); err != nil {
		s.log.Warn("Disconnected notification failed", "instance", id, "error", err)
	}
}

// scheduleReconnect arms the single pending reconnect for id, replacing
// any earlier one.
func (s *Supervisor) scheduleReconnect(id string, delay time.Duration) {
	var t *clock.Timer
	fire := func() {
		s.mu.Lock()
		if s.reconnects[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.reconnects, id)
		s.mu.Unlock()

		inst, ok := s.registry.Get(id)
		if !ok || inst.LoggedOut() {
			return
		}
		if _, err := s.Connect(s.ctx, id); err != nil {
			s.log.Warn("Reconnect failed", "instance", id, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.reconnects[id].Stop()
	t = s.clock.AfterFunc(delay, fire)
	s.reconnects[id] = t
	s.log.Info("Reconnect scheduled", "instance", id, "in", delay)
}

func (s *Supervisor) stopReconnect(id string) {
	s.mu.Lock()
	t := s.reconnects[id]
	delete(s.reconnects, id)
	s.mu.Unlock()
	t.Stop()
}

// PendingReconnect reports whether a reconnect is armed for id.
func (s *Supervisor) PendingReconnect(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reconnects[id]
	return ok
}

func (s *Supervisor) heartbeat(inst *instance.Instance, rt *runtime) {
	if inst.State() != instance.StateConnected || !inst.IsCurrent(rt.session) {
		return
	}
	inst.Touch()
	if err := rt.session.SendPresence(rt.ctx, true); err != nil {
		s.log.Debug("Heartbeat presence failed", "instance", inst.ID(), "error", err)
	}
}

// Logout ends the pairing of id, deletes its credentials and forgets it.
func (s *Supervisor) Logout(ctx context.Context, id string) error {
	inst, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, instance.ErrNotFound)
	}
	s.stopReconnect(id)
	sess := inst.Session()
	if rt := s.takeRuntime(id); rt != nil {
		rt.stop()
		<-rt.done
	}
	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			s.log.Warn("Logout failed, disconnecting", "instance", id, "error", err)
			sess.Disconnect()
		}
	}
	inst.MarkDisconnected(nil, true)
	if err := s.creds.Purge(id); err != nil {
		s.log.Warn("Purge credentials failed", "instance", id, "error", err)
	}
	s.registry.Remove(id)
	s.log.Info("Instance logged out", "instance", id)
	s.publishDisconnected(id, network.ReasonLoggedOut)
	return nil
}

// Shutdown disconnects every session without logging out, so credentials
// stay on disk for the next start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	timers := s.reconnects
	runtimes := s.runtimes
	s.reconnects = make(map[string]*clock.Timer)
	s.runtimes = make(map[string]*runtime)
	s.mu.Unlock()
	s.cancel()

	for _, t := range timers {
		t.Stop()
	}
	for id, rt := range runtimes {
		rt.stop()
		<-rt.done
		rt.session.Disconnect()
		if inst, ok := s.registry.Get(id); ok {
			inst.MarkDisconnected(rt.session, false)
		}
	}
	s.wg.Wait()
}

// Session returns the open session of id.
func (s *Supervisor) Session(id string) (network.Session, error) {
	inst, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, instance.ErrNotConnected)
	}
	return inst.ConnectedSession()
}

// Groups returns the group service bound to id's open session.
func (s *Supervisor) Groups(id string) (*groups.Service, error) {
	inst, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, instance.ErrNotConnected)
	}
	sess, err := inst.ConnectedSession()
	if err != nil {
		return nil, err
	}
	selfID, _ := sess.Self()
	return groups.NewService(sess, inst.Groups(), selfID), nil
}

func identityOf(selfID, pushName string) instance.Identity {
	phone := phoneOf(selfID)
	name := strings.TrimSpace(pushName)
	if name == "" {
		name = phone
	}
	return instance.Identity{ID: selfID, Name: name, Phone: phone}
}

// phoneOf returns the user part of an account id, without device suffix.
func phoneOf(id string) string {
	user, _, _ := strings.Cut(id, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

func userOf(id *instance.Identity) *bus.User {
	if id == nil {
		return nil
	}
	return &bus.User{ID: id.ID, Name: id.Name, Phone: id.Phone, ProfilePictureURL: id.AvatarURL}
}
