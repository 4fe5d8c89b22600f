// Package media validates and fetches outbound attachments.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/wabridge/internal/config"
)

// ValidationError rejects a media reference before anything is sent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TooLargeError reports media beyond the configured ceiling.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	mb := math.Round(float64(e.Limit)/(1<<20)*10) / 10
	return fmt.Sprintf("o arquivo de mídia excede o limite de %s MB", strconv.FormatFloat(mb, 'f', -1, 64))
}

// ErrInlineDisabled is returned for base64 payloads when inline media is off.
var ErrInlineDisabled = &ValidationError{Reason: "base64 media is not accepted; provide a public http(s) URL"}

var base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/=\s]+$`)

// LooksLikeBase64 guesses whether s is inline data rather than a URL.
func LooksLikeBase64(s string) bool {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		return true
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return false
	}
	if len(s) < 128 {
		return false
	}
	if !base64Alphabet.MatchString(s) {
		return false
	}
	return len(stripSpace(s))%4 == 0
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, s)
}

// SanitizeURL returns the trimmed URL when it is an absolute http(s) URL.
func SanitizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalid("media URL is required")
	}
	if LooksLikeBase64(raw) {
		return "", ErrInlineDisabled
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", invalid("invalid media URL: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", invalid("media URL must use http or https")
	}
	if u.Host == "" {
		return "", invalid("media URL host is missing")
	}
	if u.User != nil {
		return "", invalid("media URL user info is not allowed")
	}
	return u.String(), nil
}

// FileNameFromURL derives a document file name from the URL path.
func FileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "document"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

// Remote is a probed, reachable media URL.
type Remote struct {
	URL string
	// Size is the declared Content-Length, -1 when unknown.
	Size        int64
	ContentType string
}

// Resolver probes and downloads media under a size ceiling.
type Resolver struct {
	client      *http.Client
	maxBytes    int64
	allowInline bool
}

// NewResolver builds a Resolver. A nil client gets one with the configured
// probe timeout.
func NewResolver(cfg config.MediaConfig, client *http.Client) *Resolver {
	if client == nil {
		timeout := time.Duration(cfg.ProbeTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 15 << 20
	}
	return &Resolver{client: client, maxBytes: maxBytes, allowInline: cfg.AllowInlineBase64}
}

func (r *Resolver) MaxBytes() int64 { return r.maxBytes }

// Resolve sanitizes raw, probes it and enforces the ceiling.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Remote, error) {
	u, err := SanitizeURL(raw)
	if err != nil {
		return nil, err
	}
	remote, err := r.Probe(ctx, u)
	if err != nil {
		return nil, err
	}
	if remote.Size > r.maxBytes {
		return nil, &TooLargeError{Size: remote.Size, Limit: r.maxBytes}
	}
	return remote, nil
}

// Probe checks reachability with HEAD, falling back to GET when the server
// does not implement HEAD. A missing Content-Length is accepted.
func (r *Resolver) Probe(ctx context.Context, u string) (*Remote, error) {
	resp, err := r.do(ctx, http.MethodHead, u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		resp, err = r.do(ctx, http.MethodGet, u)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, invalid("media URL returned status %d", resp.StatusCode)
	}
	return &Remote{URL: u, Size: resp.ContentLength, ContentType: resp.Header.Get("Content-Type")}, nil
}

// do issues a request and closes the body straight away; only headers are
// used.
func (r *Resolver) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, invalid("invalid media URL: %v", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, invalid("media URL is unreachable: %v", err)
	}
	resp.Body.Close()
	return resp, nil
}

// Fetch downloads u, failing once more than the ceiling has been read.
func (r *Resolver) Fetch(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media fetch status %d", resp.StatusCode)
	}
	if resp.ContentLength > r.maxBytes {
		return nil, "", &TooLargeError{Size: resp.ContentLength, Limit: r.maxBytes}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, "", &TooLargeError{Size: int64(len(data)), Limit: r.maxBytes}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// DecodeInline decodes a data URI or bare base64 string when inline media
// is enabled. The MIME type is returned for data URIs.
func (r *Resolver) DecodeInline(s string) ([]byte, string, error) {
	if !r.allowInline {
		return nil, "", ErrInlineDisabled
	}
	s = strings.TrimSpace(s)
	mime := ""
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", invalid("malformed data URI")
		}
		meta := s[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", invalid("data URI must be base64 encoded")
		}
		mime = strings.TrimSuffix(meta, ";base64")
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(stripSpace(s))
	if err != nil {
		return nil, "", invalid("invalid base64 media: %v", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, "", &TooLargeError{Size: int64(len(data)), Limit: r.maxBytes}
	}
	return data, mime, nil
}

// IsTooLarge reports whether err carries a TooLargeError.
func IsTooLarge(err error) bool {
	var tl *TooLargeError
	return errors.As(err, &tl)
}
