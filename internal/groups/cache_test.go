package groups

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/wabridge/internal/network"
)

// fakeClient is an in-memory network.GroupClient. Unset funcs fall back to
// serving the groups map.
type fakeClient struct {
	mu     sync.Mutex
	groups map[string]network.GroupInfo
	calls  map[string]int

	joinedErr error
	infoErr   error

	updateFn func(id string, ids []string, action network.ParticipantAction) ([]network.ParticipantResult, error)
	inviteFn func(id string, reset bool) (string, error)
	mutateFn func(op, id string) error
}

func newFakeClient(groups ...network.GroupInfo) *fakeClient {
	f := &fakeClient{groups: map[string]network.GroupInfo{}, calls: map[string]int{}}
	for _, g := range groups {
		f.groups[g.ID] = g
	}
	return f
}

func (f *fakeClient) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeClient) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeClient) mutate(op, id string) error {
	f.record(op)
	if f.mutateFn != nil {
		return f.mutateFn(op, id)
	}
	return nil
}

func (f *fakeClient) JoinedGroups(ctx context.Context) ([]network.GroupInfo, error) {
	f.record("joined")
	if f.joinedErr != nil {
		return nil, f.joinedErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]network.GroupInfo, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeClient) GroupInfo(ctx context.Context, id string) (network.GroupInfo, error) {
	f.record("info")
	if f.infoErr != nil {
		return network.GroupInfo{}, f.infoErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return network.GroupInfo{}, network.ErrGroupNotFound
	}
	return g, nil
}

func (f *fakeClient) CreateGroup(ctx context.Context, subject string, participants []string) (network.GroupInfo, error) {
	if err := f.mutate("create", ""); err != nil {
		return network.GroupInfo{}, err
	}
	g := network.GroupInfo{ID: "new@g.us", Subject: subject, Participants: []network.GroupParticipant{{ID: "me@s.whatsapp.net", IsAdmin: true, IsSuperAdmin: true}}}
	for _, p := range participants {
		g.Participants = append(g.Participants, network.GroupParticipant{ID: p})
	}
	f.mu.Lock()
	f.groups[g.ID] = g
	f.mu.Unlock()
	return g, nil
}

func (f *fakeClient) SetGroupName(ctx context.Context, id, name string) error {
	return f.mutate("name", id)
}

func (f *fakeClient) SetGroupTopic(ctx context.Context, id, topic string) error {
	return f.mutate("topic", id)
}

func (f *fakeClient) SetGroupAnnounce(ctx context.Context, id string, announce bool) error {
	return f.mutate("announce", id)
}

func (f *fakeClient) SetGroupLocked(ctx context.Context, id string, locked bool) error {
	return f.mutate("locked", id)
}

func (f *fakeClient) UpdateParticipants(ctx context.Context, id string, ids []string, action network.ParticipantAction) ([]network.ParticipantResult, error) {
	f.record("participants")
	if f.updateFn != nil {
		return f.updateFn(id, ids, action)
	}
	return nil, nil
}

func (f *fakeClient) LeaveGroup(ctx context.Context, id string) error {
	return f.mutate("leave", id)
}

func (f *fakeClient) InviteLink(ctx context.Context, id string, reset bool) (string, error) {
	f.record("invite")
	if f.inviteFn != nil {
		return f.inviteFn(id, reset)
	}
	return "https://chat.whatsapp.com/CODE1", nil
}

func adminGroup(id string) network.GroupInfo {
	return network.GroupInfo{
		ID:      id,
		Subject: "Team " + id,
		Participants: []network.GroupParticipant{
			{ID: "me@s.whatsapp.net", IsAdmin: true},
			{ID: "a@s.whatsapp.net"},
		},
	}
}

func fixedNow() func() time.Time {
	return func() time.Time { return t0 }
}

func TestCacheRefreshAllThenGetOneDoesNotRefetch(t *testing.T) {
	f := newFakeClient(adminGroup("g1@g.us"), adminGroup("g2@g.us"))
	c := NewCache(fixedNow())
	if c.Initialized() {
		t.Fatal("new cache should not be initialized")
	}
	if err := c.RefreshAll(context.Background(), f); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if !c.Initialized() || c.Len() != 2 || !c.SyncedAt().Equal(t0) {
		t.Fatalf("after refresh: init=%v len=%d", c.Initialized(), c.Len())
	}
	m, err := c.GetOne(context.Background(), f, "g1@g.us", false)
	if err != nil || m.Subject != "Team g1@g.us" {
		t.Fatalf("GetOne = %+v, %v", m, err)
	}
	if f.count("info") != 0 {
		t.Fatalf("GetOne fetched %d times after a bulk refresh", f.count("info"))
	}
	if _, err := c.GetOne(context.Background(), f, "g1@g.us", true); err != nil || f.count("info") != 1 {
		t.Fatalf("forced GetOne: err=%v fetches=%d", err, f.count("info"))
	}
}

func TestCacheRefreshAllErrorKeepsContents(t *testing.T) {
	f := newFakeClient(adminGroup("g1@g.us"))
	c := NewCache(fixedNow())
	_ = c.RefreshAll(context.Background(), f)
	c.Patch("g1@g.us", func(m *Metadata) { m.InviteCode = "KEEP" })

	f.joinedErr = errors.New("boom")
	if err := c.RefreshAll(context.Background(), f); err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 1 {
		t.Fatal("failed refresh dropped contents")
	}

	f.joinedErr = nil
	_ = c.RefreshAll(context.Background(), f)
	m, _ := c.Lookup("g1@g.us")
	if m.InviteCode != "KEEP" {
		t.Fatalf("invite code lost on refresh: %q", m.InviteCode)
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(fixedNow())
	c.Upsert(adminGroup("g1@g.us"))
	m, _ := c.Lookup("g1@g.us")
	m.Subject = "mutated"
	delete(m.Participants, "a@s.whatsapp.net")
	again, _ := c.Lookup("g1@g.us")
	if again.Subject == "mutated" || len(again.Participants) != 2 {
		t.Fatal("caller mutation leaked into the cache")
	}
}

func TestCacheListOrderedBySubject(t *testing.T) {
	c := NewCache(fixedNow())
	c.Upsert(network.GroupInfo{ID: "1@g.us", Subject: "beta"})
	c.Upsert(network.GroupInfo{ID: "2@g.us", Subject: "Alpha"})
	c.Upsert(network.GroupInfo{ID: "3@g.us", Subject: "gamma"})
	list := c.List()
	if len(list) != 3 || list[0].ID != "2@g.us" || list[2].ID != "3@g.us" {
		t.Fatalf("unexpected order %v %v %v", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestCacheApplyUpdate(t *testing.T) {
	c := NewCache(fixedNow())
	c.Upsert(adminGroup("g1@g.us"))
	subject := "Renamed"
	locked := true
	if !c.ApplyUpdate(network.GroupUpdateEvent{GroupID: "g1@g.us", Subject: &subject, EditRestricted: &locked}) {
		t.Fatal("update for a known group was dropped")
	}
	m, _ := c.Lookup("g1@g.us")
	if m.Subject != "Renamed" || !m.Settings.EditRestricted || m.Settings.AnnouncementOnly {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if c.ApplyUpdate(network.GroupUpdateEvent{GroupID: "other@g.us", Subject: &subject}) {
		t.Fatal("update for an unknown group should be dropped")
	}
	if c.Len() != 1 {
		t.Fatal("unknown update created an entry")
	}
}

func TestCacheApplyParticipantsSeedsUnknownGroup(t *testing.T) {
	f := newFakeClient(adminGroup("g1@g.us"))
	c := NewCache(fixedNow())

	m, err := c.ApplyParticipants(context.Background(), f, "g1@g.us", []string{"b"}, network.ActionAdd)
	if err != nil {
		t.Fatalf("ApplyParticipants: %v", err)
	}
	if f.count("info") != 1 || len(m.Participants) != 3 || m.Subject != "Team g1@g.us" {
		t.Fatalf("seeded group = %+v (fetches %d)", m, f.count("info"))
	}

	f.infoErr = errors.New("offline")
	m, err = c.ApplyParticipants(context.Background(), f, "ghost@g.us", []string{"b"}, network.ActionAdd)
	if err != nil {
		t.Fatalf("ApplyParticipants: %v", err)
	}
	if m.AdminLevelOf("b") != AdminNone || len(m.Participants) != 1 {
		t.Fatalf("placeholder group = %+v", m)
	}
}

func TestCacheClear(t *testing.T) {
	f := newFakeClient(adminGroup("g1@g.us"))
	c := NewCache(fixedNow())
	_ = c.RefreshAll(context.Background(), f)
	c.Clear()
	if c.Initialized() || c.Len() != 0 || !c.SyncedAt().IsZero() {
		t.Fatal("Clear left state behind")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	f := newFakeClient(adminGroup("g1@g.us"))
	c := NewCache(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				switch (i + j) % 4 {
				case 0:
					_ = c.RefreshAll(context.Background(), f)
				case 1:
					_, _ = c.ApplyParticipants(context.Background(), f, "g1@g.us", []string{"x"}, network.ActionAdd)
				case 2:
					c.List()
				case 3:
					c.Clear()
				}
			}
		}(i)
	}
	wg.Wait()
}
