package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/KafClaw/wabridge/internal/media"
	"github.com/KafClaw/wabridge/internal/message"
	"github.com/KafClaw/wabridge/internal/network"
)

var errNoFetcher = errors.New("no media fetcher configured")

func inboundOf(v *events.Message) network.InboundMessage {
	return network.InboundMessage{
		ID:           v.Info.ID,
		Chat:         v.Info.Chat.String(),
		Sender:       v.Info.Sender.ToNonAD().String(),
		PushName:     v.Info.PushName,
		FromMe:       v.Info.IsFromMe,
		HasContent:   hasContent(v.Message),
		Conversation: v.Message.GetConversation(),
		ExtendedText: v.Message.GetExtendedTextMessage().GetText(),
		Timestamp:    v.Info.Timestamp,
	}
}

// hasContent is false for receipts, reactions and other protocol envelopes.
func hasContent(m *waE2E.Message) bool {
	if m == nil {
		return false
	}
	switch {
	case m.GetConversation() != "",
		m.ExtendedTextMessage != nil,
		m.ImageMessage != nil,
		m.VideoMessage != nil,
		m.AudioMessage != nil,
		m.DocumentMessage != nil,
		m.StickerMessage != nil,
		m.LocationMessage != nil,
		m.ContactMessage != nil,
		m.ContactsArrayMessage != nil,
		m.PollCreationMessage != nil,
		m.PollCreationMessageV3 != nil:
		return true
	}
	return false
}

func (s *Session) SendMessage(ctx context.Context, to string, payload *message.Payload) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	msg, err := s.build(ctx, payload)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (s *Session) build(ctx context.Context, p *message.Payload) (*waE2E.Message, error) {
	switch p.Kind {
	case message.KindText:
		return &waE2E.Message{Conversation: proto.String(p.Text)}, nil
	case message.KindLocation:
		return locationMessage(p.Location), nil
	case message.KindContacts:
		return contactsMessage(p.Contacts), nil
	case message.KindPoll:
		return s.client.BuildPollCreation(p.Poll.Name, p.Poll.Options, p.Poll.SelectableCount), nil
	case message.KindImage, message.KindVideo, message.KindAudio, message.KindDocument, message.KindSticker:
		data, mime, err := s.loadMedia(ctx, p.Media)
		if err != nil {
			return nil, err
		}
		up, err := s.client.Upload(ctx, data, mediaTypeOf(p.Kind))
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", p.Kind, err)
		}
		return mediaMessage(p.Kind, p.Media, mime, up), nil
	}
	return nil, fmt.Errorf("unsupported payload kind %q", p.Kind)
}

func (s *Session) loadMedia(ctx context.Context, m *message.Media) ([]byte, string, error) {
	data, mime := m.Data, m.MimeType
	if data == nil {
		if s.fetcher == nil {
			return nil, "", errNoFetcher
		}
		fetched, contentType, err := s.fetcher.Fetch(ctx, m.URL)
		if err != nil {
			return nil, "", err
		}
		data = fetched
		if mime == "" {
			mime = contentType
		}
	}
	return data, mimeOf(data, mime), nil
}

// mimeOf keeps an explicit type and sniffs the bytes otherwise.
func mimeOf(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(data).String()
}

func mediaTypeOf(kind message.Kind) whatsmeow.MediaType {
	switch kind {
	case message.KindVideo:
		return whatsmeow.MediaVideo
	case message.KindAudio:
		return whatsmeow.MediaAudio
	case message.KindDocument:
		return whatsmeow.MediaDocument
	}
	return whatsmeow.MediaImage
}

func mediaMessage(kind message.Kind, m *message.Media, mime string, up whatsmeow.UploadResponse) *waE2E.Message {
	switch kind {
	case message.KindVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(m.Caption),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case message.KindAudio:
		if m.PTT && strings.HasPrefix(mime, "audio/ogg") {
			mime = "audio/ogg; codecs=opus"
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(m.PTT),
			Waveform:      m.Waveform,
		}}
	case message.KindDocument:
		name := m.FileName
		if name == "" {
			name = media.FileNameFromURL(m.URL)
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(m.Caption),
			Title:         proto.String(name),
			FileName:      proto.String(name),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case message.KindSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       optional(m.Caption),
		Mimetype:      proto.String(mime),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

func locationMessage(l *message.Location) *waE2E.Message {
	return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
		DegreesLatitude:  proto.Float64(l.Latitude),
		DegreesLongitude: proto.Float64(l.Longitude),
		Name:             optional(l.Name),
		Address:          optional(l.Address),
		Comment:          optional(l.Description),
	}}
}

// contactsMessage sends a single card as a contact message and several as
// a contacts array.
func contactsMessage(c *message.Contacts) *waE2E.Message {
	cards := make([]*waE2E.ContactMessage, 0, len(c.Entries))
	for _, e := range c.Entries {
		cards = append(cards, &waE2E.ContactMessage{
			DisplayName: proto.String(e.Name),
			Vcard:       proto.String(e.VCard),
		})
	}
	if len(cards) == 1 {
		return &waE2E.Message{ContactMessage: cards[0]}
	}
	return &waE2E.Message{ContactsArrayMessage: &waE2E.ContactsArrayMessage{
		DisplayName: proto.String(c.DisplayName),
		Contacts:    cards,
	}}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
