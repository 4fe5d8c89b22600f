package whatsapp

import (
	"context"
	"errors"
	"testing"

	"go.mau.fi/whatsmeow"

	"github.com/KafClaw/wabridge/internal/message"
)

type fetchFunc func(ctx context.Context, u string) ([]byte, string, error)

func (f fetchFunc) Fetch(ctx context.Context, u string) ([]byte, string, error) { return f(ctx, u) }

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestMimeOf(t *testing.T) {
	if got := mimeOf(pngHeader, "image/webp"); got != "image/webp" {
		t.Fatalf("declared type overridden: %q", got)
	}
	if got := mimeOf(pngHeader, "application/octet-stream"); got != "image/png" {
		t.Fatalf("sniffed = %q", got)
	}
}

func TestLoadMedia(t *testing.T) {
	s := detached()
	if _, _, err := s.loadMedia(context.Background(), &message.Media{URL: "https://cdn.example.com/a.png"}); !errors.Is(err, errNoFetcher) {
		t.Fatalf("err = %v", err)
	}

	var fetched string
	s.fetcher = fetchFunc(func(_ context.Context, u string) ([]byte, string, error) {
		fetched = u
		return pngHeader, "", nil
	})
	data, mime, err := s.loadMedia(context.Background(), &message.Media{URL: "https://cdn.example.com/a.png"})
	if err != nil || fetched != "https://cdn.example.com/a.png" || len(data) != len(pngHeader) || mime != "image/png" {
		t.Fatalf("loadMedia = %d bytes %q %v", len(data), mime, err)
	}

	data, mime, err = s.loadMedia(context.Background(), &message.Media{Data: []byte("%PDF-1.4"), MimeType: "application/pdf"})
	if err != nil || string(data) != "%PDF-1.4" || mime != "application/pdf" {
		t.Fatalf("inline = %q %q %v", data, mime, err)
	}
}

func TestMediaMessage(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg/x", DirectPath: "/x", MediaKey: []byte{1}, FileLength: 42}

	img := mediaMessage(message.KindImage, &message.Media{Caption: "foto"}, "image/png", up).GetImageMessage()
	if img.GetCaption() != "foto" || img.GetFileLength() != 42 || img.GetDirectPath() != "/x" {
		t.Fatalf("image = %v", img)
	}

	doc := mediaMessage(message.KindDocument, &message.Media{URL: "https://cdn.example.com/files/nota%20fiscal.pdf"}, "application/pdf", up).GetDocumentMessage()
	if doc.GetFileName() != "nota fiscal.pdf" || doc.GetTitle() != "nota fiscal.pdf" {
		t.Fatalf("document name = %q", doc.GetFileName())
	}

	voice := mediaMessage(message.KindAudio, &message.Media{PTT: true}, "audio/ogg", up).GetAudioMessage()
	if !voice.GetPTT() || voice.GetMimetype() != "audio/ogg; codecs=opus" {
		t.Fatalf("voice note = %v", voice)
	}

	if mediaMessage(message.KindSticker, &message.Media{}, "image/webp", up).GetStickerMessage() == nil {
		t.Fatal("sticker not built")
	}
	if mediaMessage(message.KindVideo, &message.Media{}, "video/mp4", up).GetVideoMessage() == nil {
		t.Fatal("video not built")
	}
}

func TestMediaTypeOf(t *testing.T) {
	tests := []struct {
		kind message.Kind
		want whatsmeow.MediaType
	}{
		{message.KindImage, whatsmeow.MediaImage},
		{message.KindSticker, whatsmeow.MediaImage},
		{message.KindVideo, whatsmeow.MediaVideo},
		{message.KindAudio, whatsmeow.MediaAudio},
		{message.KindDocument, whatsmeow.MediaDocument},
	}
	for _, tt := range tests {
		if got := mediaTypeOf(tt.kind); got != tt.want {
			t.Fatalf("%s: got %s", tt.kind, got)
		}
	}
}

func TestLocationAndContacts(t *testing.T) {
	loc := locationMessage(&message.Location{Latitude: -23.5, Longitude: -46.6, Name: "Loja"}).GetLocationMessage()
	if loc.GetDegreesLatitude() != -23.5 || loc.GetName() != "Loja" || loc.Address != nil {
		t.Fatalf("location = %v", loc)
	}

	one := contactsMessage(&message.Contacts{Entries: []message.Contact{{Name: "Ana", VCard: "BEGIN:VCARD"}}})
	if one.GetContactMessage().GetDisplayName() != "Ana" {
		t.Fatalf("single contact = %v", one)
	}
	many := contactsMessage(&message.Contacts{DisplayName: "2 contatos", Entries: []message.Contact{{Name: "Ana"}, {Name: "Bia"}}})
	if arr := many.GetContactsArrayMessage(); arr == nil || len(arr.GetContacts()) != 2 || arr.GetDisplayName() != "2 contatos" {
		t.Fatalf("contacts array = %v", many)
	}
}

func TestBuildText(t *testing.T) {
	msg, err := detached().build(context.Background(), &message.Payload{Kind: message.KindText, Text: "olá"})
	if err != nil || msg.GetConversation() != "olá" {
		t.Fatalf("build = %v, %v", msg, err)
	}
	if _, err := detached().build(context.Background(), &message.Payload{Kind: "gif"}); err == nil {
		t.Fatal("expected unsupported kind error")
	}
}
