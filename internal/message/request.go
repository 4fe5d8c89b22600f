package message

import (
	"fmt"
	"strings"
)

// Request is the JSON body of a send call. Type selects which of the
// optional bodies is read.
type Request struct {
	To      string  `json:"to"`
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Caption *string `json:"caption,omitempty"`

	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	MediaData string `json:"mediaData,omitempty"`
	ImageData string `json:"imageData,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	MimeType  string `json:"mimetype,omitempty"`
	PTT       bool   `json:"ptt,omitempty"`
	Waveform  []int  `json:"waveform,omitempty"`

	Location *LocationBody `json:"location,omitempty"`
	Contact  *ContactBody  `json:"contact,omitempty"`
	Contacts []ContactBody `json:"contacts,omitempty"`
	Poll     *PollBody     `json:"poll,omitempty"`
}

type LocationBody struct {
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Name        string   `json:"name,omitempty"`
	Address     string   `json:"address,omitempty"`
	Description string   `json:"description,omitempty"`
}

type ContactBody struct {
	Name  string `json:"name,omitempty"`
	VCard string `json:"vcard"`
}

type PollBody struct {
	Name            string   `json:"name,omitempty"`
	Question        string   `json:"question,omitempty"`
	Values          []string `json:"values,omitempty"`
	Options         []string `json:"options,omitempty"`
	SelectableCount *float64 `json:"selectableCount,omitempty"`
	MultiSelect     bool     `json:"multiSelect,omitempty"`
}

// ValidationError names the request field that failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func fieldError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// SupportedTypes lists the accepted values of Request.Type.
var SupportedTypes = []string{"text", "image", "video", "audio", "document", "sticker", "media", "location", "contact", "poll"}

// genericMediaAliases carry the URL in Message and the concrete kind in
// MediaType.
var genericMediaAliases = map[string]bool{"media": true, "mídia": true, "midia": true}

// NormalizeRecipient turns a bare phone number into a user JID. Values
// that already carry a server part are kept.
func NormalizeRecipient(to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", fieldError("to", "recipient is required")
	}
	if strings.Contains(to, "@") {
		return to, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		switch r {
		case '+', ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, to)
	if digits == "" {
		return "", fieldError("to", "recipient %q is not a phone number or JID", to)
	}
	return digits + "@s.whatsapp.net", nil
}
