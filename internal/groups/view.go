package groups

import (
	"sort"
	"strings"
	"time"
)

// View is the JSON projection of a group as seen by one account.
type View struct {
	ID               string            `json:"id"`
	JID              string            `json:"jid"`
	Subject          string            `json:"subject"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Owner            string            `json:"owner,omitempty"`
	Creation         *time.Time        `json:"creation,omitempty"`
	ParticipantCount int               `json:"participantCount"`
	Participants     []ParticipantView `json:"participants"`
	Settings         SettingsView      `json:"settings"`
	InviteCode       string            `json:"inviteCode,omitempty"`
	Permissions      Permissions       `json:"permissions"`
	LastSyncedAt     time.Time         `json:"lastSyncedAt"`
}

type ParticipantView struct {
	ID           string     `json:"id"`
	Phone        string     `json:"phone,omitempty"`
	Name         string     `json:"name,omitempty"`
	Admin        AdminLevel `json:"admin"`
	IsAdmin      bool       `json:"isAdmin"`
	IsSuperAdmin bool       `json:"isSuperAdmin"`
}

type SettingsView struct {
	Announcement bool `json:"announcement"`
	Locked       bool `json:"locked"`
}

type Permissions struct {
	IsAdmin      bool `json:"isAdmin"`
	IsSuperAdmin bool `json:"isSuperAdmin"`
}

// DefaultSubject names groups the network reports without a subject.
const DefaultSubject = "Grupo sem nome"

// NewView projects m for the account selfID.
func NewView(m *Metadata, selfID string) View {
	subject := m.Subject
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	v := View{
		ID:               m.ID,
		JID:              m.ID,
		Subject:          subject,
		Name:             subject,
		Description:      m.Description,
		Owner:            m.OwnerID,
		ParticipantCount: len(m.Participants),
		Participants:     make([]ParticipantView, 0, len(m.Participants)),
		Settings: SettingsView{
			Announcement: m.Settings.AnnouncementOnly,
			Locked:       m.Settings.EditRestricted,
		},
		InviteCode:   m.InviteCode,
		LastSyncedAt: m.LastSyncedAt,
	}
	if !m.CreatedAt.IsZero() {
		created := m.CreatedAt
		v.Creation = &created
	}
	for _, p := range m.Participants {
		v.Participants = append(v.Participants, ParticipantView{
			ID:           p.ID,
			Phone:        PhoneOf(p.ID),
			Name:         p.Name,
			Admin:        p.Admin,
			IsAdmin:      p.Admin == AdminAdmin || p.Admin == AdminSuper,
			IsSuperAdmin: p.Admin == AdminSuper,
		})
	}
	sort.Slice(v.Participants, func(i, j int) bool { return v.Participants[i].ID < v.Participants[j].ID })

	level := m.AdminLevelOf(selfID)
	v.Permissions = Permissions{
		IsAdmin:      level == AdminAdmin || level == AdminSuper,
		IsSuperAdmin: level == AdminSuper,
	}
	return v
}

// PhoneOf returns the user part of ids in the phone-number namespaces.
func PhoneOf(id string) string {
	user, server, ok := strings.Cut(id, "@")
	if !ok || (server != "s.whatsapp.net" && server != "c.us") {
		return ""
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}
