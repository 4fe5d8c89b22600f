package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/KafClaw/wabridge/internal/network"
)

func (s *Session) JoinedGroups(ctx context.Context) ([]network.GroupInfo, error) {
	joined, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined groups: %w", err)
	}
	out := make([]network.GroupInfo, 0, len(joined))
	for _, g := range joined {
		out = append(out, groupInfoOf(g))
	}
	return out, nil
}

func (s *Session) GroupInfo(ctx context.Context, id string) (network.GroupInfo, error) {
	jid, err := parseJID(id)
	if err != nil {
		return network.GroupInfo{}, err
	}
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return network.GroupInfo{}, groupErr(err)
	}
	return groupInfoOf(info), nil
}

func (s *Session) CreateGroup(ctx context.Context, subject string, participants []string) (network.GroupInfo, error) {
	jids, err := parseJIDs(participants)
	if err != nil {
		return network.GroupInfo{}, err
	}
	info, err := s.client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{Name: subject, Participants: jids})
	if err != nil {
		return network.GroupInfo{}, fmt.Errorf("create group: %w", err)
	}
	return groupInfoOf(info), nil
}

func (s *Session) SetGroupName(ctx context.Context, id, name string) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	return groupErr(s.client.SetGroupName(ctx, jid, name))
}

// SetGroupTopic lets whatsmeow look up the previous topic id itself.
func (s *Session) SetGroupTopic(ctx context.Context, id, topic string) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	return groupErr(s.client.SetGroupTopic(ctx, jid, "", "", topic))
}

func (s *Session) SetGroupAnnounce(ctx context.Context, id string, announce bool) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	return groupErr(s.client.SetGroupAnnounce(ctx, jid, announce))
}

func (s *Session) SetGroupLocked(ctx context.Context, id string, locked bool) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	return groupErr(s.client.SetGroupLocked(ctx, jid, locked))
}

func (s *Session) UpdateParticipants(ctx context.Context, id string, participants []string, action network.ParticipantAction) ([]network.ParticipantResult, error) {
	jid, err := parseJID(id)
	if err != nil {
		return nil, err
	}
	jids, err := parseJIDs(participants)
	if err != nil {
		return nil, err
	}
	res, err := s.client.UpdateGroupParticipants(ctx, jid, jids, whatsmeow.ParticipantChange(action))
	if err != nil {
		return nil, groupErr(err)
	}
	out := make([]network.ParticipantResult, 0, len(res))
	for _, p := range res {
		out = append(out, network.ParticipantResult{ID: participantID(p), Status: p.Error})
	}
	return out, nil
}

func (s *Session) LeaveGroup(ctx context.Context, id string) error {
	jid, err := parseJID(id)
	if err != nil {
		return err
	}
	return groupErr(s.client.LeaveGroup(ctx, jid))
}

func (s *Session) InviteLink(ctx context.Context, id string, reset bool) (string, error) {
	jid, err := parseJID(id)
	if err != nil {
		return "", err
	}
	link, err := s.client.GetGroupInviteLink(ctx, jid, reset)
	if err != nil {
		return "", groupErr(err)
	}
	return link, nil
}

func groupErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, whatsmeow.ErrGroupNotFound), errors.Is(err, whatsmeow.ErrNotInGroup):
		return fmt.Errorf("%w: %v", network.ErrGroupNotFound, err)
	}
	return err
}

func parseJIDs(ids []string) ([]types.JID, error) {
	out := make([]types.JID, 0, len(ids))
	for _, id := range ids {
		jid, err := parseJID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, jid)
	}
	return out, nil
}

// participantID prefers the phone-number address when the group reports
// participants by LID.
func participantID(p types.GroupParticipant) string {
	if p.JID.Server == types.HiddenUserServer && !p.PhoneNumber.IsEmpty() {
		return p.PhoneNumber.String()
	}
	return p.JID.String()
}

// memberID maps a LID to its phone-number address when the device store
// knows it.
func (s *Session) memberID(j types.JID) string {
	if j.Server != types.HiddenUserServer || s.client == nil {
		return j.String()
	}
	pn, err := s.client.Store.LIDs.GetPNForLID(context.Background(), j)
	if err != nil || pn.IsEmpty() {
		s.log.Debug().Err(err).Str("lid", j.String()).Msg("no phone number for lid")
		return j.String()
	}
	return pn.ToNonAD().String()
}

func groupInfoOf(g *types.GroupInfo) network.GroupInfo {
	info := network.GroupInfo{
		ID:               g.JID.String(),
		Subject:          g.Name,
		Description:      g.Topic,
		CreatedAt:        g.GroupCreated,
		AnnouncementOnly: g.IsAnnounce,
		EditRestricted:   g.IsLocked,
	}
	if !g.OwnerJID.IsEmpty() {
		info.OwnerID = g.OwnerJID.String()
	}
	for _, p := range g.Participants {
		info.Participants = append(info.Participants, network.GroupParticipant{
			ID:           participantID(p),
			Name:         p.DisplayName,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return info
}

// groupEvents splits a whatsmeow group notification into a metadata update
// and one membership event per action. Member ids go through idOf so they
// match the phone-number keys of groupInfoOf.
func groupEvents(v *events.GroupInfo, idOf func(types.JID) string) []network.Event {
	id := v.JID.String()
	var out []network.Event

	upd := network.GroupUpdateEvent{GroupID: id}
	changed := false
	if v.Name != nil {
		name := v.Name.Name
		upd.Subject = &name
		changed = true
	}
	if v.Topic != nil {
		topic := v.Topic.Topic
		if v.Topic.TopicDeleted {
			topic = ""
		}
		upd.Description = &topic
		changed = true
	}
	if v.Announce != nil {
		announce := v.Announce.IsAnnounce
		upd.AnnouncementOnly = &announce
		changed = true
	}
	if v.Locked != nil {
		locked := v.Locked.IsLocked
		upd.EditRestricted = &locked
		changed = true
	}
	if changed {
		out = append(out, upd)
	}

	for _, m := range []struct {
		jids   []types.JID
		action network.ParticipantAction
	}{
		{v.Join, network.ActionAdd},
		{v.Leave, network.ActionRemove},
		{v.Promote, network.ActionPromote},
		{v.Demote, network.ActionDemote},
	} {
		if len(m.jids) == 0 {
			continue
		}
		ids := make([]string, 0, len(m.jids))
		for _, j := range m.jids {
			ids = append(ids, idOf(j))
		}
		out = append(out, network.ParticipantsEvent{GroupID: id, Participants: ids, Action: m.action})
	}
	return out
}
