package message

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/KafClaw/wabridge/internal/media"
)

// MediaResolver is the part of media.Resolver the builder needs.
type MediaResolver interface {
	Resolve(ctx context.Context, raw string) (*media.Remote, error)
	DecodeInline(s string) ([]byte, string, error)
}

// Builder validates requests and produces payloads.
type Builder struct {
	media MediaResolver
}

func NewBuilder(resolver MediaResolver) *Builder {
	return &Builder{media: resolver}
}

// Build validates req and returns the payload to send. Validation failures
// are *ValidationError; oversized media is *media.TooLargeError.
func (b *Builder) Build(ctx context.Context, req *Request) (*Payload, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	if kind == "" {
		kind = "text"
	}
	text := strings.TrimSpace(req.Message)

	switch {
	case kind == "text":
		if text == "" {
			return nil, fieldError("message", "text message must not be empty")
		}
		return &Payload{Kind: KindText, Text: text}, nil
	case genericMediaAliases[kind]:
		return b.buildGenericMedia(ctx, req, text)
	case kind == "image" || kind == "video" || kind == "audio" || kind == "document" || kind == "sticker":
		return b.buildMedia(ctx, Kind(kind), req, text)
	case kind == "location":
		return buildLocation(req.Location)
	case kind == "contact" || kind == "contacts":
		return buildContacts(req)
	case kind == "poll":
		return buildPoll(req.Poll)
	}
	return nil, fieldError("type", "unsupported message type %q (supported: %s)", req.Type, strings.Join(SupportedTypes, ", "))
}

func (b *Builder) buildGenericMedia(ctx context.Context, req *Request, text string) (*Payload, error) {
	mt := strings.ToLower(strings.TrimSpace(req.MediaType))
	switch Kind(mt) {
	case KindImage, KindVideo, KindAudio, KindDocument:
	default:
		return nil, fieldError("mediaType", "generic media requires mediaType image, video, audio or document")
	}
	if text == "" {
		return nil, fieldError("message", "generic media must carry the public URL in message")
	}
	m := &Media{FileName: strings.TrimSpace(req.FileName)}
	if req.Caption != nil {
		m.Caption = strings.TrimSpace(*req.Caption)
	}
	if err := b.resolveRemote(ctx, "message", text, m); err != nil {
		return nil, err
	}
	return finishMedia(Kind(mt), req, m), nil
}

func (b *Builder) buildMedia(ctx context.Context, kind Kind, req *Request, text string) (*Payload, error) {
	m := &Media{FileName: strings.TrimSpace(req.FileName)}
	if kind != KindSticker {
		if req.Caption != nil {
			m.Caption = strings.TrimSpace(*req.Caption)
		} else {
			m.Caption = text
		}
	}

	inline := strings.TrimSpace(req.MediaData)
	if inline == "" {
		inline = strings.TrimSpace(req.ImageData)
	}
	switch {
	case inline != "":
		data, mime, err := b.media.DecodeInline(inline)
		if err != nil {
			return nil, mediaFieldError("mediaData", err)
		}
		m.Data, m.Size, m.MimeType = data, int64(len(data)), mime
	case strings.TrimSpace(req.MediaURL) != "":
		if err := b.resolveRemote(ctx, "mediaUrl", req.MediaURL, m); err != nil {
			return nil, err
		}
	default:
		return nil, fieldError("mediaUrl", "%s message requires mediaUrl or inline mediaData", kind)
	}
	return finishMedia(kind, req, m), nil
}

func (b *Builder) resolveRemote(ctx context.Context, field, raw string, m *Media) error {
	if media.LooksLikeBase64(raw) {
		data, mime, err := b.media.DecodeInline(raw)
		if err != nil {
			return mediaFieldError(field, err)
		}
		m.Data, m.Size, m.MimeType = data, int64(len(data)), mime
		return nil
	}
	remote, err := b.media.Resolve(ctx, raw)
	if err != nil {
		return mediaFieldError(field, err)
	}
	m.URL, m.Size = remote.URL, remote.Size
	if m.MimeType == "" {
		m.MimeType = baseMime(remote.ContentType)
	}
	return nil
}

func finishMedia(kind Kind, req *Request, m *Media) *Payload {
	if override := strings.TrimSpace(req.MimeType); override != "" && (kind == KindVideo || kind == KindAudio || kind == KindDocument) {
		m.MimeType = override
	}
	if kind == KindDocument && m.FileName == "" && m.URL != "" {
		m.FileName = media.FileNameFromURL(m.URL)
	}
	if kind != KindDocument {
		m.FileName = ""
	}
	if kind == KindAudio {
		m.PTT = req.PTT
		if len(req.Waveform) > 0 {
			m.Waveform = make([]byte, len(req.Waveform))
			for i, v := range req.Waveform {
				m.Waveform[i] = byte(min(max(v, 0), 100))
			}
		}
	}
	return &Payload{Kind: kind, Media: m}
}

// mediaFieldError attaches field to media validation errors and passes
// everything else through unchanged.
func mediaFieldError(field string, err error) error {
	var ve *media.ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Field: field, Reason: ve.Reason}
	}
	return err
}

func baseMime(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func buildLocation(body *LocationBody) (*Payload, error) {
	if body == nil {
		return nil, fieldError("location", "location body is required")
	}
	if body.Latitude == nil || !finite(*body.Latitude) || *body.Latitude < -90 || *body.Latitude > 90 {
		return nil, fieldError("location.latitude", "latitude must be a number between -90 and 90")
	}
	if body.Longitude == nil || !finite(*body.Longitude) || *body.Longitude < -180 || *body.Longitude > 180 {
		return nil, fieldError("location.longitude", "longitude must be a number between -180 and 180")
	}
	return &Payload{Kind: KindLocation, Location: &Location{
		Latitude:    *body.Latitude,
		Longitude:   *body.Longitude,
		Name:        strings.TrimSpace(body.Name),
		Address:     strings.TrimSpace(body.Address),
		Description: strings.TrimSpace(body.Description),
	}}, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func buildContacts(req *Request) (*Payload, error) {
	bodies := req.Contacts
	if len(bodies) == 0 && req.Contact != nil {
		bodies = []ContactBody{*req.Contact}
	}
	if len(bodies) == 0 {
		return nil, fieldError("contacts", "at least one contact is required")
	}
	entries := make([]Contact, 0, len(bodies))
	for i, c := range bodies {
		vcard := strings.TrimSpace(c.VCard)
		if vcard == "" {
			return nil, fieldError(fmt.Sprintf("contacts[%d].vcard", i), "vcard must not be empty")
		}
		entries = append(entries, Contact{Name: strings.TrimSpace(c.Name), VCard: vcard})
	}
	display := ""
	if len(entries) == 1 {
		display = entries[0].Name
		if display == "" {
			display = "Contato"
		}
	} else {
		display = fmt.Sprintf("%d contatos", len(entries))
	}
	return &Payload{Kind: KindContacts, Contacts: &Contacts{DisplayName: display, Entries: entries}}, nil
}

func buildPoll(body *PollBody) (*Payload, error) {
	if body == nil {
		return nil, fieldError("poll", "poll body is required")
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = strings.TrimSpace(body.Question)
	}
	if name == "" {
		return nil, fieldError("poll.name", "poll name must not be empty")
	}
	raw := body.Values
	if len(raw) == 0 {
		raw = body.Options
	}
	options := make([]string, 0, len(raw))
	for _, o := range raw {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	if len(options) < 2 {
		return nil, fieldError("poll.values", "poll needs at least two non-empty options")
	}

	selectable := 1
	switch {
	case body.SelectableCount != nil:
		n := *body.SelectableCount
		if !finite(n) || n != math.Trunc(n) {
			return nil, fieldError("poll.selectableCount", "selectableCount must be an integer")
		}
		if n < 1 || int(n) > len(options) {
			return nil, fieldError("poll.selectableCount", "selectableCount must be between 1 and %d", len(options))
		}
		selectable = int(n)
	case body.MultiSelect:
		selectable = len(options)
	}
	return &Payload{Kind: KindPoll, Poll: &Poll{Name: name, Options: options, SelectableCount: selectable}}, nil
}
