package groups

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/wabridge/internal/network"
)

// Fetcher loads group snapshots from the network.
type Fetcher interface {
	JoinedGroups(ctx context.Context) ([]network.GroupInfo, error)
	GroupInfo(ctx context.Context, id string) (network.GroupInfo, error)
}

// Cache holds one instance's groups. Every read returns a copy, so callers
// never observe a half-applied change. Network calls are made without the
// lock held.
type Cache struct {
	mu          sync.RWMutex
	groups      map[string]*Metadata
	initialized bool
	syncedAt    time.Time
	now         func() time.Time
}

// NewCache returns an empty cache. now defaults to time.Now.
func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{groups: make(map[string]*Metadata), now: now}
}

// Initialized reports whether a bulk refresh has succeeded since the last
// Clear.
func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// SyncedAt is the time of the last successful bulk refresh.
func (c *Cache) SyncedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncedAt
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.groups)
}

// RefreshAll replaces the whole cache with a bulk fetch. On error the
// previous contents are kept.
func (c *Cache) RefreshAll(ctx context.Context, f Fetcher) error {
	infos, err := f.JoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetch joined groups: %w", err)
	}
	now := c.now()
	next := make(map[string]*Metadata, len(infos))
	for _, info := range infos {
		m := FromInfo(info, now)
		if prev, ok := c.Lookup(m.ID); ok && m.InviteCode == "" {
			m.InviteCode = prev.InviteCode
		}
		next[m.ID] = m
	}

	c.mu.Lock()
	c.groups = next
	c.initialized = true
	c.syncedAt = now
	c.mu.Unlock()
	return nil
}

// GetOne returns the cached group, fetching and caching it when absent or
// when force is set.
func (c *Cache) GetOne(ctx context.Context, f Fetcher, id string, force bool) (*Metadata, error) {
	if !force {
		if m, ok := c.Lookup(id); ok {
			return m, nil
		}
	}
	info, err := f.GroupInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch group %s: %w", id, err)
	}
	return c.Upsert(info), nil
}

// Lookup returns a copy of the cached group without touching the network.
func (c *Cache) Lookup(id string) (*Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.groups[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns copies of every cached group ordered by subject.
func (c *Cache) List() []*Metadata {
	c.mu.RLock()
	out := make([]*Metadata, 0, len(c.groups))
	for _, m := range c.groups {
		out = append(out, m.Clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Subject), strings.ToLower(out[j].Subject)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Upsert replaces one group wholesale with a network snapshot.
func (c *Cache) Upsert(info network.GroupInfo) *Metadata {
	m := FromInfo(info, c.now())
	c.mu.Lock()
	if prev, ok := c.groups[m.ID]; ok {
		m.InviteCode = prev.InviteCode
	}
	c.groups[m.ID] = m
	out := m.Clone()
	c.mu.Unlock()
	return out
}

// Patch runs fn on the cached group under the lock. It reports false when
// the group is unknown.
func (c *Cache) Patch(id string, fn func(m *Metadata)) (*Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.groups[id]
	if !ok {
		return nil, false
	}
	fn(m)
	m.LastSyncedAt = c.now()
	return m.Clone(), true
}

// ApplyUpdate merges a pushed metadata change into a known group. Updates
// for unknown groups are dropped.
func (c *Cache) ApplyUpdate(u network.GroupUpdateEvent) bool {
	_, ok := c.Patch(u.GroupID, func(m *Metadata) {
		if u.Subject != nil {
			m.Subject = *u.Subject
		}
		if u.Description != nil {
			m.Description = *u.Description
		}
		if u.AnnouncementOnly != nil {
			m.Settings.AnnouncementOnly = *u.AnnouncementOnly
		}
		if u.EditRestricted != nil {
			m.Settings.EditRestricted = *u.EditRestricted
		}
	})
	return ok
}

// ApplyParticipants applies a membership change. An unknown group is seeded
// with one fetch; if that fails an empty placeholder is seeded instead so
// the change is not lost.
func (c *Cache) ApplyParticipants(ctx context.Context, f Fetcher, groupID string, ids []string, action network.ParticipantAction) (*Metadata, error) {
	if !action.Valid() {
		return nil, ErrUnknownAction
	}
	var seed *network.GroupInfo
	if _, known := c.Lookup(groupID); !known {
		info, err := f.GroupInfo(ctx, groupID)
		if err != nil {
			info = network.GroupInfo{}
		}
		info.ID = groupID
		seed = &info
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.groups[groupID]
	if !ok {
		if seed == nil {
			seed = &network.GroupInfo{ID: groupID}
		}
		m = FromInfo(*seed, c.now())
		c.groups[groupID] = m
	}
	if err := ApplyParticipantsChange(m, ids, action, c.now()); err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

// Remove drops a group, e.g. after leaving it.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.groups, id)
	c.mu.Unlock()
}

// Clear empties the cache and resets the initialized flag.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.groups = make(map[string]*Metadata)
	c.initialized = false
	c.syncedAt = time.Time{}
	c.mu.Unlock()
}
