package instance

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/wabridge/internal/network"
	"github.com/KafClaw/wabridge/internal/network/networktest"
)

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func TestValidateID(t *testing.T) {
	for _, ok := range []string{"a", "tenant-1", "Shop_2.main"} {
		if err := ValidateID(ok); err != nil {
			t.Errorf("ValidateID(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../x", "a/b", ".hidden", "with space"} {
		if err := ValidateID(bad); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", bad, err)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	r := NewRegistry(fixedNow)
	inst, created, err := r.GetOrCreate("shop")
	if err != nil || !created {
		t.Fatalf("GetOrCreate = %v, %v", created, err)
	}
	if _, err := inst.ConnectedSession(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("fresh instance should not be connected: %v", err)
	}

	if st, ok := inst.BeginConnect(); !ok || st != StateConnecting {
		t.Fatalf("BeginConnect = %s, %v", st, ok)
	}
	if st, ok := inst.BeginConnect(); ok || st != StateConnecting {
		t.Fatalf("second BeginConnect = %s, %v", st, ok)
	}

	s := networktest.NewSession("shop", "1@s.whatsapp.net")
	inst.AttachSession(s)
	if !inst.SetQR(s, "QR1") {
		t.Fatal("QR from the live session was dropped")
	}
	if snap := inst.Snapshot(); !snap.HasQR || !snap.Connecting {
		t.Fatalf("snapshot = %+v", snap)
	}

	if !inst.MarkConnected(s, Identity{ID: "1@s.whatsapp.net", Name: "Shop", Phone: "1"}) {
		t.Fatal("MarkConnected dropped")
	}
	if qr, _ := inst.QR(); qr != "" {
		t.Fatal("QR must be cleared on open")
	}
	if inst.SetQR(s, "late") {
		t.Fatal("QR accepted while connected")
	}
	got, err := inst.ConnectedSession()
	if err != nil || got != s {
		t.Fatalf("ConnectedSession = %v, %v", got, err)
	}
	inst.SetAvatar(s, "https://pic")
	if id := inst.Identity(); id == nil || id.AvatarURL != "https://pic" {
		t.Fatalf("identity = %+v", id)
	}

	inst.Groups().Upsert(network.GroupInfo{ID: "g@g.us"})
	if !inst.MarkDisconnected(s, false) {
		t.Fatal("MarkDisconnected dropped")
	}
	snap := inst.Snapshot()
	if snap.State != StateDisconnected || snap.User != nil || snap.HasQR || snap.GroupsCached != 0 || snap.LoggedOut {
		t.Fatalf("after close snapshot = %+v", snap)
	}
}

func TestStaleSessionIsIgnored(t *testing.T) {
	r := NewRegistry(fixedNow)
	inst, _, _ := r.GetOrCreate("shop")
	old := networktest.NewSession("shop", "1@s.whatsapp.net")
	inst.BeginConnect()
	inst.AttachSession(old)
	inst.MarkDisconnected(old, false)

	fresh := networktest.NewSession("shop", "1@s.whatsapp.net")
	inst.BeginConnect()
	inst.AttachSession(fresh)

	if inst.IsCurrent(old) || !inst.IsCurrent(fresh) {
		t.Fatal("IsCurrent confused the sessions")
	}
	if inst.SetQR(old, "x") || inst.MarkConnected(old, Identity{}) || inst.MarkDisconnected(old, true) {
		t.Fatal("transition from a superseded session was applied")
	}
	if inst.State() != StateConnecting || inst.LoggedOut() {
		t.Fatalf("state = %s loggedOut=%v", inst.State(), inst.LoggedOut())
	}
}

func TestLoggedOutClearedByNextConnect(t *testing.T) {
	r := NewRegistry(fixedNow)
	inst, _, _ := r.GetOrCreate("shop")
	inst.BeginConnect()
	inst.MarkDisconnected(nil, true)
	if !inst.LoggedOut() {
		t.Fatal("loggedOut not recorded")
	}
	inst.BeginConnect()
	if inst.LoggedOut() {
		t.Fatal("BeginConnect must clear loggedOut")
	}
	inst.AbortConnect()
	if inst.State() != StateDisconnected {
		t.Fatalf("AbortConnect left %s", inst.State())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	if _, _, err := r.GetOrCreate("bad id"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("err = %v", err)
	}
	a, _, _ := r.GetOrCreate("b")
	again, created, _ := r.GetOrCreate("b")
	if created || again != a {
		t.Fatal("GetOrCreate returned a different instance")
	}
	c, _, _ := r.GetOrCreate("a")
	c.BeginConnect()

	list := r.List()
	if len(list) != 2 || list[0].ID() != "a" {
		t.Fatalf("List order wrong")
	}
	counts := r.Counts()
	if counts != (Counts{Total: 2, Connecting: 1, Disconnected: 1}) {
		t.Fatalf("counts = %+v", counts)
	}
	if _, ok := r.Remove("a"); !ok {
		t.Fatal("Remove reported missing")
	}
	if _, ok := r.Get("a"); ok {
		t.Fatal("removed instance still present")
	}
	if _, ok := r.Remove("a"); ok {
		t.Fatal("second Remove should report missing")
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	seen := make(chan *Instance, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, _, _ := r.GetOrCreate("same")
			seen <- inst
		}()
	}
	wg.Wait()
	close(seen)
	first := <-seen
	for inst := range seen {
		if inst != first {
			t.Fatal("concurrent GetOrCreate produced two instances")
		}
	}
}
