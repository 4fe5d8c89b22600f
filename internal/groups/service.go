package groups

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/wabridge/internal/network"
)

// Service runs group operations on behalf of one connected account. Every
// mutation is sent to the network first and only then patched into the
// cache, so a failed call leaves the cache untouched.
type Service struct {
	client network.GroupClient
	cache  *Cache
	self   string
}

// NewService binds a session, its cache and the account id.
func NewService(client network.GroupClient, cache *Cache, selfID string) *Service {
	return &Service{client: client, cache: cache, self: NormalizeID(selfID)}
}

func (s *Service) view(m *Metadata) View { return NewView(m, s.self) }

// List returns every group. refresh forces a bulk fetch; an uninitialized
// cache is filled on first use.
func (s *Service) List(ctx context.Context, refresh bool) ([]View, error) {
	if refresh || !s.cache.Initialized() {
		if err := s.cache.RefreshAll(ctx, s.client); err != nil {
			return nil, err
		}
	}
	groups := s.cache.List()
	out := make([]View, 0, len(groups))
	for _, m := range groups {
		out = append(out, s.view(m))
	}
	return out, nil
}

// Get returns one group, fetching it when unknown or when refresh is set.
func (s *Service) Get(ctx context.Context, groupID string, refresh bool) (View, error) {
	m, err := s.cache.GetOne(ctx, s.client, NormalizeGroupID(groupID), refresh)
	if err != nil {
		return View{}, err
	}
	return s.view(m), nil
}

// Create makes a new group with the given members.
func (s *Service) Create(ctx context.Context, subject string, participants []string) (View, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return View{}, invalid("subject", "subject is required")
	}
	ids := normalizeAll(participants)
	info, err := s.client.CreateGroup(ctx, subject, ids)
	if err != nil {
		return View{}, fmt.Errorf("create group: %w", err)
	}
	return s.view(s.cache.Upsert(info)), nil
}

// requireAdmin loads the group (fetching it when unknown) and checks the
// account's privilege.
func (s *Service) requireAdmin(ctx context.Context, groupID string) error {
	m, err := s.cache.GetOne(ctx, s.client, groupID, false)
	if err != nil {
		return err
	}
	if m.AdminLevelOf(s.self) == AdminNone {
		return fmt.Errorf("group %s: %w", groupID, ErrNotAdmin)
	}
	return nil
}

// patched returns the post-mutation view, re-fetching once if the group
// vanished from the cache meanwhile.
func (s *Service) patched(ctx context.Context, groupID string, fn func(m *Metadata)) (View, error) {
	if m, ok := s.cache.Patch(groupID, fn); ok {
		return s.view(m), nil
	}
	return s.Get(ctx, groupID, true)
}

func (s *Service) SetSubject(ctx context.Context, groupID, subject string) (View, error) {
	groupID = NormalizeGroupID(groupID)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return View{}, invalid("subject", "subject is required")
	}
	if err := s.requireAdmin(ctx, groupID); err != nil {
		return View{}, err
	}
	if err := s.client.SetGroupName(ctx, groupID, subject); err != nil {
		return View{}, fmt.Errorf("set subject: %w", err)
	}
	return s.patched(ctx, groupID, func(m *Metadata) { m.Subject = subject })
}

func (s *Service) SetDescription(ctx context.Context, groupID, description string) (View, error) {
	groupID = NormalizeGroupID(groupID)
	if err := s.requireAdmin(ctx, groupID); err != nil {
		return View{}, err
	}
	if err := s.client.SetGroupTopic(ctx, groupID, description); err != nil {
		return View{}, fmt.Errorf("set description: %w", err)
	}
	return s.patched(ctx, groupID, func(m *Metadata) { m.Description = description })
}

// SettingsChange carries the settings to flip; nil fields are untouched.
type SettingsChange struct {
	Announcement *bool `json:"announcement"`
	Locked       *bool `json:"locked"`
}

// SetSettings sends announcement then locked. When locked is refused after
// announcement went through, announcement is put back so the call fails as
// a whole; if that revert fails too the error says so.
func (s *Service) SetSettings(ctx context.Context, groupID string, change SettingsChange) (View, error) {
	groupID = NormalizeGroupID(groupID)
	if change.Announcement == nil && change.Locked == nil {
		return View{}, invalid("settings", "announcement or locked must be set")
	}
	if err := s.requireAdmin(ctx, groupID); err != nil {
		return View{}, err
	}
	prev := false
	if m, ok := s.cache.Lookup(groupID); ok {
		prev = m.Settings.AnnouncementOnly
	}
	if change.Announcement != nil {
		if err := s.client.SetGroupAnnounce(ctx, groupID, *change.Announcement); err != nil {
			return View{}, fmt.Errorf("set announcement: %w", err)
		}
		s.cache.Patch(groupID, func(m *Metadata) { m.Settings.AnnouncementOnly = *change.Announcement })
	}
	if change.Locked != nil {
		if err := s.client.SetGroupLocked(ctx, groupID, *change.Locked); err != nil {
			if change.Announcement == nil || *change.Announcement == prev {
				return View{}, fmt.Errorf("set locked: %w", err)
			}
			if rerr := s.client.SetGroupAnnounce(ctx, groupID, prev); rerr != nil {
				return View{}, fmt.Errorf("set locked: %w (announcement stays %t, revert failed: %v)", err, *change.Announcement, rerr)
			}
			s.cache.Patch(groupID, func(m *Metadata) { m.Settings.AnnouncementOnly = prev })
			return View{}, fmt.Errorf("set locked: %w", err)
		}
		s.cache.Patch(groupID, func(m *Metadata) { m.Settings.EditRestricted = *change.Locked })
	}
	return s.Get(ctx, groupID, false)
}

// UpdateParticipants applies action to participants. Only entries the
// network accepted are patched into the cache.
func (s *Service) UpdateParticipants(ctx context.Context, groupID string, participants []string, action network.ParticipantAction) (View, []network.ParticipantResult, error) {
	groupID = NormalizeGroupID(groupID)
	if !action.Valid() {
		return View{}, nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	ids := normalizeAll(participants)
	if len(ids) == 0 {
		return View{}, nil, invalid("participants", "at least one participant is required")
	}
	if err := s.requireAdmin(ctx, groupID); err != nil {
		return View{}, nil, err
	}
	results, err := s.client.UpdateParticipants(ctx, groupID, ids, action)
	if err != nil {
		return View{}, nil, fmt.Errorf("%s participants: %w", action, err)
	}
	accepted := ids
	if len(results) > 0 {
		accepted = make([]string, 0, len(results))
		for _, r := range results {
			if r.OK() {
				accepted = append(accepted, r.ID)
			}
		}
	}
	m, err := s.cache.ApplyParticipants(ctx, s.client, groupID, accepted, action)
	if err != nil {
		return View{}, nil, err
	}
	return s.view(m), results, nil
}

// Leave exits the group and forgets it.
func (s *Service) Leave(ctx context.Context, groupID string) error {
	groupID = NormalizeGroupID(groupID)
	if err := s.client.LeaveGroup(ctx, groupID); err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	s.cache.Remove(groupID)
	return nil
}

// InviteCode fetches the current invite code.
func (s *Service) InviteCode(ctx context.Context, groupID string) (string, error) {
	return s.invite(ctx, groupID, false)
}

// RevokeInvite resets the invite link and returns the new code.
func (s *Service) RevokeInvite(ctx context.Context, groupID string) (string, error) {
	return s.invite(ctx, groupID, true)
}

func (s *Service) invite(ctx context.Context, groupID string, reset bool) (string, error) {
	groupID = NormalizeGroupID(groupID)
	if err := s.requireAdmin(ctx, groupID); err != nil {
		return "", err
	}
	link, err := s.client.InviteLink(ctx, groupID, reset)
	if err != nil {
		return "", fmt.Errorf("invite link: %w", err)
	}
	code := InviteCodeFromLink(link)
	s.cache.Patch(groupID, func(m *Metadata) { m.InviteCode = code })
	return code, nil
}

// InviteCodeFromLink strips the chat.whatsapp.com prefix from link.
func InviteCodeFromLink(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.LastIndexByte(link, '/'); i >= 0 {
		return link[i+1:]
	}
	return link
}

func normalizeAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id := NormalizeID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
