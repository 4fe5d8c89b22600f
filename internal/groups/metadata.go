// Package groups keeps an authoritative in-memory view of the groups an
// instance belongs to and performs privileged group changes.
package groups

import (
	"errors"
	"strings"
	"time"

	"github.com/KafClaw/wabridge/internal/network"
)

var (
	// ErrNotAdmin is returned when the connected account lacks admin rights.
	ErrNotAdmin = errors.New("not a group admin")
	// ErrGroupNotFound mirrors network.ErrGroupNotFound for callers.
	ErrGroupNotFound = network.ErrGroupNotFound
	// ErrUnknownAction rejects participant actions outside add/remove/promote/demote.
	ErrUnknownAction = errors.New("unknown participant action")
)

// ValidationError rejects a group request before the network is called.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AdminLevel is a participant's privilege.
type AdminLevel string

const (
	AdminNone  AdminLevel = "none"
	AdminAdmin AdminLevel = "admin"
	AdminSuper AdminLevel = "superadmin"
)

type Participant struct {
	ID    string
	Name  string
	Admin AdminLevel
}

type Settings struct {
	AnnouncementOnly bool
	EditRestricted   bool
}

// Metadata is the cached state of one group.
type Metadata struct {
	ID           string
	Subject      string
	Description  string
	OwnerID      string
	CreatedAt    time.Time
	Participants map[string]*Participant
	Settings     Settings
	InviteCode   string
	LastSyncedAt time.Time
}

// Clone returns a deep copy that shares nothing with m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Participants = make(map[string]*Participant, len(m.Participants))
	for id, p := range m.Participants {
		cp := *p
		out.Participants[id] = &cp
	}
	return &out
}

// AdminLevelOf returns id's privilege, AdminNone when absent.
func (m *Metadata) AdminLevelOf(id string) AdminLevel {
	if p, ok := m.Participants[NormalizeID(id)]; ok {
		return p.Admin
	}
	return AdminNone
}

// FromInfo converts a network snapshot into Metadata.
func FromInfo(info network.GroupInfo, now time.Time) *Metadata {
	m := &Metadata{
		ID:           info.ID,
		Subject:      info.Subject,
		Description:  info.Description,
		OwnerID:      NormalizeID(info.OwnerID),
		CreatedAt:    info.CreatedAt,
		Participants: make(map[string]*Participant, len(info.Participants)),
		Settings: Settings{
			AnnouncementOnly: info.AnnouncementOnly,
			EditRestricted:   info.EditRestricted,
		},
		LastSyncedAt: now,
	}
	for _, p := range info.Participants {
		id := NormalizeID(p.ID)
		if id == "" {
			continue
		}
		level := AdminNone
		switch {
		case p.IsSuperAdmin:
			level = AdminSuper
		case p.IsAdmin:
			level = AdminAdmin
		}
		m.Participants[id] = &Participant{ID: id, Name: p.Name, Admin: level}
	}
	return m
}

// NormalizeID lowercases id, strips a device suffix and maps bare numbers
// and the legacy c.us server onto s.whatsapp.net.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	user, server, hasServer := strings.Cut(id, "@")
	if !hasServer {
		server = "s.whatsapp.net"
	}
	if server == "c.us" {
		server = "s.whatsapp.net"
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if server == "s.whatsapp.net" {
		user = strings.TrimPrefix(user, "+")
	}
	return user + "@" + server
}

// NormalizeGroupID appends the group server to bare group ids.
func NormalizeGroupID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return id + "@g.us"
}

// ApplyParticipantsChange applies action to ids. Re-applying the same
// change leaves the group unchanged apart from LastSyncedAt. Promote and
// demote only touch current members.
func ApplyParticipantsChange(m *Metadata, ids []string, action network.ParticipantAction, now time.Time) error {
	if !action.Valid() {
		return ErrUnknownAction
	}
	if m.Participants == nil {
		m.Participants = make(map[string]*Participant)
	}
	for _, raw := range ids {
		id := NormalizeID(raw)
		if id == "" {
			continue
		}
		p, exists := m.Participants[id]
		switch action {
		case network.ActionAdd:
			if !exists {
				m.Participants[id] = &Participant{ID: id, Admin: AdminNone}
			}
		case network.ActionRemove:
			delete(m.Participants, id)
		case network.ActionPromote:
			if exists && p.Admin != AdminSuper {
				p.Admin = AdminAdmin
			}
		case network.ActionDemote:
			if exists {
				p.Admin = AdminNone
			}
		}
	}
	m.LastSyncedAt = now
	return nil
}
