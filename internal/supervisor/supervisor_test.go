package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/clock"
	"github.com/KafClaw/wabridge/internal/instance"
	"github.com/KafClaw/wabridge/internal/network"
	"github.com/KafClaw/wabridge/internal/network/networktest"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
	failFn func(ev bus.Event) error
}

func (r *recorder) Publish(ctx context.Context, ev bus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	fail := r.failFn
	r.mu.Unlock()
	if fail != nil {
		return fail(ev)
	}
	return nil
}

func (r *recorder) byKind(k bus.Kind) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type qrRecorder struct {
	mu    sync.Mutex
	codes []string
}

func (q *qrRecorder) Render(id, code string) error {
	q.mu.Lock()
	q.codes = append(q.codes, id+"="+code)
	q.mu.Unlock()
	return nil
}

type harness struct {
	sup    *Supervisor
	reg    *instance.Registry
	clk    *clock.FakeClock
	dialer *networktest.Dialer
	creds  *networktest.CredentialStore
	pub    *recorder
	qr     *qrRecorder
}

var epoch = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, replay bool, setup func(s *networktest.Session)) *harness {
	t.Helper()
	return newHarnessWith(t, replay, setup, nil)
}

// newHarnessWith publishes to pub instead of the recorder when pub is set.
func newHarnessWith(t *testing.T, replay bool, setup func(s *networktest.Session), pub Publisher) *harness {
	t.Helper()
	h := &harness{
		reg:    instance.NewRegistry(nil),
		clk:    clock.NewFake(epoch),
		dialer: &networktest.Dialer{Setup: setup},
		creds:  networktest.NewCredentialStore(),
		pub:    &recorder{},
		qr:     &qrRecorder{},
	}
	if pub == nil {
		pub = h.pub
	}
	h.sup = New(Options{
		Registry:    h.reg,
		Credentials: h.creds,
		Dialer:      h.dialer,
		Publisher:   pub,
		Clock:       h.clk,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		QR:          h.qr,
		ReplayChats: replay,
	})
	t.Cleanup(h.sup.Shutdown)
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// open connects id and delivers an open event. It returns once the
// post-open timers are armed and the group refresh has run.
func (h *harness) open(t *testing.T, id string) (*instance.Instance, *networktest.Session) {
	t.Helper()
	if res, err := h.sup.Connect(context.Background(), id); err != nil || res != ConnectStarted {
		t.Fatalf("Connect = %s, %v", res, err)
	}
	s := h.dialer.Last()
	s.Emit(network.OpenEvent{})
	inst, _ := h.reg.Get(id)
	eventually(t, "open", func() bool {
		return inst.State() == instance.StateConnected && s.Calls("joined") >= 1
	})
	return inst, s
}

func TestReconnectDelay(t *testing.T) {
	cases := []struct {
		reason network.CloseReason
		want   time.Duration
		ok     bool
	}{
		{network.ReasonRestartRequired, 5 * time.Second, true},
		{network.ReasonConnectionClosed, 10 * time.Second, true},
		{network.ReasonConnectionLost, 15 * time.Second, true},
		{network.ReasonTimedOut, 20 * time.Second, true},
		{network.ReasonConnectionReplaced, 30 * time.Second, true},
		{network.ReasonBadSession, 30 * time.Second, true},
		{network.ReasonUnknown, 30 * time.Second, true},
		{network.ReasonLoggedOut, 0, false},
	}
	for _, tc := range cases {
		got, ok := ReconnectDelay(tc.reason)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ReconnectDelay(%s) = %v, %v; want %v, %v", tc.reason, got, ok, tc.want, tc.ok)
		}
	}
}

func TestConnectPairAndOpen(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	res, err := h.sup.Connect(ctx, "inst1")
	if err != nil || res != ConnectStarted {
		t.Fatalf("Connect = %s, %v", res, err)
	}
	inst, ok := h.reg.Get("inst1")
	if !ok || inst.State() != instance.StateConnecting {
		t.Fatalf("instance not connecting")
	}
	s := h.dialer.Last()
	if s.Calls("connect") != 1 {
		t.Fatal("session Connect not called")
	}

	s.Emit(network.QREvent{Code: "2@abc"})
	eventually(t, "qr", func() bool { qr, _ := inst.QR(); return qr == "2@abc" })
	h.qr.mu.Lock()
	rendered := append([]string(nil), h.qr.codes...)
	h.qr.mu.Unlock()
	if len(rendered) != 1 || rendered[0] != "inst1=2@abc" {
		t.Fatalf("rendered = %v", rendered)
	}

	if res, _ := h.sup.Connect(ctx, "inst1"); res != ConnectAlreadyConnecting {
		t.Fatalf("second Connect = %s", res)
	}

	s.Emit(network.OpenEvent{})
	eventually(t, "connected", func() bool { return inst.State() == instance.StateConnected })
	if qr, _ := inst.QR(); qr != "" {
		t.Fatal("QR not cleared on open")
	}
	id := inst.Identity()
	if id == nil || id.Phone != "5511999990000" || id.Name != "Tester" {
		t.Fatalf("identity = %+v", id)
	}
	if res, _ := h.sup.Connect(ctx, "inst1"); res != ConnectAlreadyConnected {
		t.Fatalf("Connect while connected = %s", res)
	}
	if len(h.dialer.Sessions()) != 1 {
		t.Fatal("duplicate connects dialed again")
	}
}

func TestConnectedNotificationAfterDelay(t *testing.T) {
	h := newHarness(t, false, func(s *networktest.Session) {
		s.PushName = ""
		s.AvatarFn = func(ctx context.Context, id string) (string, error) { return "https://pic/1", nil }
	})
	h.open(t, "inst1")
	if len(h.pub.byKind(bus.KindConnected)) != 0 {
		t.Fatal("connected published before the delay")
	}
	h.clk.Advance(ConnectedNotifyDelay)
	got := h.pub.byKind(bus.KindConnected)
	if len(got) != 1 {
		t.Fatalf("connected events = %d", len(got))
	}
	p := got[0].Payload.(bus.Connected)
	if p.User == nil || p.User.Name != "5511999990000" || p.User.ProfilePictureURL != "https://pic/1" {
		t.Fatalf("payload user = %+v", p.User)
	}
}

func TestLoggedOutPurgesAndDoesNotReconnect(t *testing.T) {
	h := newHarness(t, false, nil)
	inst, s := h.open(t, "inst1")

	s.Close(network.ReasonLoggedOut)
	eventually(t, "disconnect", func() bool { return inst.State() == instance.StateDisconnected })
	eventually(t, "purge", func() bool { return len(h.creds.Purged()) == 1 })

	if h.sup.PendingReconnect("inst1") {
		t.Fatal("reconnect scheduled after loggedOut")
	}
	if !inst.LoggedOut() || inst.Identity() != nil {
		t.Fatal("loggedOut state not applied")
	}
	eventually(t, "disconnected event", func() bool { return len(h.pub.byKind(bus.KindDisconnected)) == 1 })
	if p := h.pub.byKind(bus.KindDisconnected)[0].Payload.(bus.Disconnected); p.Reason != "loggedOut" {
		t.Fatalf("reason = %q", p.Reason)
	}
	h.clk.Advance(time.Minute)
	if len(h.dialer.Sessions()) != 1 {
		t.Fatal("logged out instance was redialed")
	}
}

func TestConnectionLostReconnectsOnce(t *testing.T) {
	h := newHarness(t, false, nil)
	inst, s := h.open(t, "inst1")
	inst.Groups().Upsert(network.GroupInfo{ID: "g@g.us"})

	s.Close(network.ReasonConnectionLost)
	eventually(t, "reconnect armed", func() bool { return h.sup.PendingReconnect("inst1") })
	if inst.State() != instance.StateDisconnected || inst.Groups().Len() != 0 {
		t.Fatal("close did not reset the instance")
	}
	if len(h.creds.Purged()) != 0 {
		t.Fatal("credentials purged on a transient close")
	}

	h.clk.Advance(14 * time.Second)
	if len(h.dialer.Sessions()) != 1 {
		t.Fatal("reconnected too early")
	}
	h.clk.Advance(time.Second)
	if len(h.dialer.Sessions()) != 2 {
		t.Fatalf("sessions = %d, want 2", len(h.dialer.Sessions()))
	}
	if inst.State() != instance.StateConnecting || !inst.IsCurrent(h.dialer.Last()) {
		t.Fatal("reconnect did not attach the new session")
	}
	h.clk.Advance(time.Minute)
	if len(h.dialer.Sessions()) != 2 {
		t.Fatal("more than one reconnect")
	}
}

func TestExplicitConnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, false, nil)
	_, s := h.open(t, "inst1")
	s.Close(network.ReasonTimedOut)
	eventually(t, "reconnect armed", func() bool { return h.sup.PendingReconnect("inst1") })

	if _, err := h.sup.Connect(context.Background(), "inst1"); err != nil {
		t.Fatal(err)
	}
	if h.sup.PendingReconnect("inst1") {
		t.Fatal("pending reconnect survived an explicit connect")
	}
	h.clk.Advance(time.Minute)
	if len(h.dialer.Sessions()) != 2 {
		t.Fatalf("sessions = %d, want 2", len(h.dialer.Sessions()))
	}
}

func TestConnectFailures(t *testing.T) {
	h := newHarness(t, false, nil)
	h.dialer.DialErr = errors.New("no socket")
	if _, err := h.sup.Connect(context.Background(), "inst1"); err == nil {
		t.Fatal("expected dial error")
	}
	inst, _ := h.reg.Get("inst1")
	if inst.State() != instance.StateDisconnected || h.sup.PendingReconnect("inst1") {
		t.Fatal("dial failure must leave the instance disconnected without retry")
	}

	h.dialer.DialErr = nil
	h.dialer.Setup = func(s *networktest.Session) {
		s.ConnectFn = func(ctx context.Context) error { return errors.New("refused") }
	}
	if _, err := h.sup.Connect(context.Background(), "inst1"); err == nil {
		t.Fatal("expected connect error")
	}
	if inst.State() != instance.StateDisconnected {
		t.Fatal("connect failure left the instance connecting")
	}

	if _, err := h.sup.Connect(context.Background(), "../etc"); !errors.Is(err, instance.ErrInvalidID) {
		t.Fatalf("invalid id err = %v", err)
	}
}

func TestInboundMessagesForwarded(t *testing.T) {
	h := newHarness(t, false, func(s *networktest.Session) {
		s.LookupNameFn = func(ctx context.Context, id string) (string, error) { return "Ana", nil }
	})
	_, s := h.open(t, "inst1")

	s.Emit(network.MessagesEvent{Messages: []network.InboundMessage{
		{ID: "1", Chat: "1@s.whatsapp.net", FromMe: true, HasContent: true, Conversation: "mine"},
		{ID: "2", Chat: "1@s.whatsapp.net", HasContent: false},
		{ID: "3", Chat: "1@s.whatsapp.net", PushName: "Bob", HasContent: true, Conversation: "hello"},
		{ID: "4", Chat: "2@s.whatsapp.net", HasContent: true, ExtendedText: "see link"},
		{ID: "5", Chat: "3@s.whatsapp.net", HasContent: true},
	}})
	eventually(t, "forwarded", func() bool { return len(h.pub.byKind(bus.KindMessageReceived)) == 3 })

	got := map[string]bus.MessageReceived{}
	for _, ev := range h.pub.byKind(bus.KindMessageReceived) {
		p := ev.Payload.(bus.MessageReceived)
		got[p.MessageID] = p
	}
	if p := got["3"]; p.Message != "hello" || p.MessageType != "text" || p.ContactName != "Bob" || p.From != "1@s.whatsapp.net" {
		t.Fatalf("message 3 = %+v", p)
	}
	if p := got["4"]; p.Message != "see link" || p.MessageType != "media" || p.ContactName != "Ana" {
		t.Fatalf("message 4 = %+v", p)
	}
	if p := got["5"]; p.Message != DefaultMediaPlaceholder || p.MessageType != "media" {
		t.Fatalf("message 5 = %+v", p)
	}
}

func TestForwardRetriesThreeTimes(t *testing.T) {
	h := newHarness(t, false, nil)
	_, s := h.open(t, "inst1")
	h.clk.Advance(ConnectedNotifyDelay)

	h.pub.mu.Lock()
	h.pub.failFn = func(ev bus.Event) error {
		if ev.Kind == bus.KindMessageReceived {
			return errors.New("backend down")
		}
		return nil
	}
	h.pub.mu.Unlock()

	s.Emit(network.MessagesEvent{Messages: []network.InboundMessage{
		{ID: "9", Chat: "1@s.whatsapp.net", HasContent: true, Conversation: "hi"},
	}})
	attempts := func() int { return len(h.pub.byKind(bus.KindMessageReceived)) }
	eventually(t, "first attempt", func() bool { return attempts() == 1 })

	// heartbeat ticker plus the retry sleeper
	h.clk.BlockUntil(2)
	h.clk.Advance(ForwardRetryDelay)
	eventually(t, "second attempt", func() bool { return attempts() == 2 })
	h.clk.BlockUntil(2)
	h.clk.Advance(ForwardRetryDelay)
	eventually(t, "third attempt", func() bool { return attempts() == 3 })

	h.clk.Advance(ForwardRetryDelay * 5)
	time.Sleep(10 * time.Millisecond)
	if attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts())
	}
}

func TestForwardRetriesOnlyFailedSinks(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	count := func(name string) int {
		mu.Lock()
		defer mu.Unlock()
		return counts[name]
	}
	sink := func(name string, fail bool) bus.SinkFunc {
		return bus.SinkFunc{ID: name, Fn: func(ctx context.Context, ev bus.Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			if fail {
				return errors.New("connection refused")
			}
			return nil
		}}
	}
	b := bus.New()
	b.Subscribe(sink("webhook", true), bus.KindMessageReceived)
	b.Subscribe(sink("kafka", false), bus.KindMessageReceived)

	h := newHarnessWith(t, false, nil, b)
	_, s := h.open(t, "inst1")
	h.clk.Advance(ConnectedNotifyDelay)
	s.Emit(network.MessagesEvent{Messages: []network.InboundMessage{
		{ID: "9", Chat: "1@s.whatsapp.net", HasContent: true, Conversation: "hi"},
	}})
	eventually(t, "first attempt", func() bool { return count("webhook") == 1 })

	for want := 2; want <= ForwardAttempts; want++ {
		h.clk.BlockUntil(2)
		h.clk.Advance(ForwardRetryDelay)
		eventually(t, fmt.Sprintf("attempt %d", want), func() bool { return count("webhook") == want })
	}
	if got := count("kafka"); got != 1 {
		t.Fatalf("healthy sink received the message %d times, want 1", got)
	}
}

func TestHeartbeatSendsPresence(t *testing.T) {
	h := newHarness(t, false, nil)
	inst, s := h.open(t, "inst1")
	before := inst.Snapshot().LastSeen

	h.clk.Advance(HeartbeatInterval)
	eventually(t, "presence", func() bool { return s.Calls("presence") == 1 })
	if after := inst.Snapshot().LastSeen; after.Before(before) {
		t.Fatal("LastSeen went backwards")
	}
}

func TestChatReplayBatches(t *testing.T) {
	chats := make([]network.Chat, 45)
	for i := range chats {
		chats[i] = network.Chat{ID: fmt.Sprintf("%d@s.whatsapp.net", i), Name: fmt.Sprintf("c%d", i)}
	}
	h := newHarness(t, true, func(s *networktest.Session) {
		s.ListChatsFn = func(ctx context.Context) ([]network.Chat, error) { return chats, nil }
	})
	h.open(t, "inst1")

	h.clk.Advance(ChatReplayDelay)
	eventually(t, "first batch", func() bool { return len(h.pub.byKind(bus.KindChatsImport)) == 1 })
	h.clk.BlockUntil(2)
	h.clk.Advance(ChatReplayPacing)
	eventually(t, "second batch", func() bool { return len(h.pub.byKind(bus.KindChatsImport)) == 2 })
	h.clk.BlockUntil(2)
	h.clk.Advance(ChatReplayPacing)
	eventually(t, "third batch", func() bool { return len(h.pub.byKind(bus.KindChatsImport)) == 3 })

	sizes := []int{20, 20, 5}
	for i, ev := range h.pub.byKind(bus.KindChatsImport) {
		p := ev.Payload.(bus.ChatsImport)
		if p.BatchNumber != i+1 || p.TotalBatches != 3 || len(p.Chats) != sizes[i] {
			t.Fatalf("batch %d = number %d of %d with %d chats", i, p.BatchNumber, p.TotalBatches, len(p.Chats))
		}
	}
}

func TestChatReplayStopsOnError(t *testing.T) {
	chats := make([]network.Chat, 30)
	h := newHarness(t, true, func(s *networktest.Session) {
		s.ListChatsFn = func(ctx context.Context) ([]network.Chat, error) { return chats, nil }
	})
	h.pub.failFn = func(ev bus.Event) error {
		if ev.Kind == bus.KindChatsImport {
			return errors.New("import rejected")
		}
		return nil
	}
	h.open(t, "inst1")
	h.clk.Advance(ChatReplayDelay)
	eventually(t, "first batch", func() bool { return len(h.pub.byKind(bus.KindChatsImport)) == 1 })
	h.clk.Advance(10 * ChatReplayPacing)
	time.Sleep(10 * time.Millisecond)
	if n := len(h.pub.byKind(bus.KindChatsImport)); n != 1 {
		t.Fatalf("batches after a failure = %d", n)
	}
}

func TestGroupPushEventsPatchCache(t *testing.T) {
	h := newHarness(t, false, func(s *networktest.Session) {
		s.JoinedGroupsFn = func(ctx context.Context) ([]network.GroupInfo, error) {
			return []network.GroupInfo{{
				ID:           "g@g.us",
				Subject:      "Old",
				Participants: []network.GroupParticipant{{ID: "a@s.whatsapp.net"}},
			}}, nil
		}
	})
	inst, s := h.open(t, "inst1")
	eventually(t, "group load", inst.Groups().Initialized)

	subject := "New"
	s.Emit(network.GroupUpdateEvent{GroupID: "g@g.us", Subject: &subject})
	s.Emit(network.ParticipantsEvent{GroupID: "g@g.us", Participants: []string{"a@s.whatsapp.net"}, Action: network.ActionPromote})
	s.Emit(network.JoinedGroupEvent{Group: network.GroupInfo{ID: "h@g.us", Subject: "Joined"}})
	eventually(t, "joined group", func() bool { return inst.Groups().Len() == 2 })

	m, _ := inst.Groups().Lookup("g@g.us")
	if m.Subject != "New" || m.Participants["a@s.whatsapp.net"].Admin != "admin" {
		t.Fatalf("group = %+v", m)
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t, false, nil)
	_, s := h.open(t, "inst1")

	if err := h.sup.Logout(context.Background(), "inst1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if s.Calls("logout") != 1 {
		t.Fatal("session not logged out")
	}
	if _, ok := h.reg.Get("inst1"); ok {
		t.Fatal("instance still registered")
	}
	if p := h.creds.Purged(); len(p) != 1 || p[0] != "inst1" {
		t.Fatalf("purged = %v", p)
	}
	if h.sup.PendingReconnect("inst1") {
		t.Fatal("reconnect pending after logout")
	}
	if err := h.sup.Logout(context.Background(), "inst1"); !errors.Is(err, instance.ErrNotFound) {
		t.Fatalf("second Logout err = %v", err)
	}
}

func TestSessionAndGroupsRequireConnection(t *testing.T) {
	h := newHarness(t, false, nil)
	if _, err := h.sup.Session("nobody"); !errors.Is(err, instance.ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := h.sup.Connect(context.Background(), "inst1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Groups("inst1"); !errors.Is(err, instance.ErrNotConnected) {
		t.Fatalf("connecting instance err = %v", err)
	}
	h.dialer.Last().Emit(network.OpenEvent{})
	inst, _ := h.reg.Get("inst1")
	eventually(t, "open", func() bool { return inst.State() == instance.StateConnected })
	if _, err := h.sup.Groups("inst1"); err != nil {
		t.Fatalf("Groups: %v", err)
	}
}

func TestShutdownKeepsCredentials(t *testing.T) {
	h := newHarness(t, false, nil)
	inst, s := h.open(t, "inst1")
	h.sup.Shutdown()

	if s.Calls("disconnect") != 1 || s.Calls("logout") != 0 {
		t.Fatalf("disconnect=%d logout=%d", s.Calls("disconnect"), s.Calls("logout"))
	}
	if len(h.creds.Purged()) != 0 {
		t.Fatal("shutdown purged credentials")
	}
	if inst.State() != instance.StateDisconnected {
		t.Fatal("instance still connected after shutdown")
	}
	if _, err := h.sup.Connect(context.Background(), "inst1"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Connect after shutdown err = %v", err)
	}
}
