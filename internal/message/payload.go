// Package message turns send requests into validated outbound payloads.
package message

// Kind discriminates Payload.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindContacts Kind = "contacts"
	KindPoll     Kind = "poll"
)

// Payload is a tagged union: exactly the field matching Kind is set.
type Payload struct {
	Kind     Kind
	Text     string
	Media    *Media
	Location *Location
	Contacts *Contacts
	Poll     *Poll
}

// Media references either a probed URL or inline bytes, never both.
type Media struct {
	URL string
	// Size is the probed length, -1 when unknown.
	Size     int64
	Data     []byte
	MimeType string
	Caption  string
	FileName string
	PTT      bool
	Waveform []byte
}

type Location struct {
	Latitude    float64
	Longitude   float64
	Name        string
	Address     string
	Description string
}

type Contacts struct {
	DisplayName string
	Entries     []Contact
}

type Contact struct {
	Name  string
	VCard string
}

type Poll struct {
	Name            string
	Options         []string
	SelectableCount int
}
