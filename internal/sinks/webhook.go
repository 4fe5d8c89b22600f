// Package sinks delivers bus events to the systems downstream of the
// bridge: an HTTP application, a Kafka topic and a local sqlite mirror.
package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/config"
)

// webhookPaths are the routes the downstream application listens on.
var webhookPaths = map[bus.Kind]string{
	bus.KindConnected:       "/api/whatsapp/connected",
	bus.KindDisconnected:    "/api/whatsapp/disconnected",
	bus.KindMessageReceived: "/api/messages/receive",
	bus.KindChatsImport:     "/api/chats/import",
}

// Webhook POSTs each event payload as JSON to the downstream application.
type Webhook struct {
	baseURL    string
	token      string
	httpClient *http.Client
	newID      func() string
}

func NewWebhook(cfg config.WebhookConfig) *Webhook {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		newID:      uuid.NewString,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, ev bus.Event) error {
	path, ok := webhookPaths[ev.Kind]
	if !ok {
		return nil
	}
	endpoint, err := w.safeURL(path)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal %s: %w", ev.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", w.newID())
	req.Header.Set("X-Instance-ID", ev.InstanceID)
	req.Header.Set("X-Event-Kind", string(ev.Kind))
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: request failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var safeHost = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// safeURL rebuilds the endpoint from validated base URL components.
func (w *Webhook) safeURL(path string) (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	if !safeHost.MatchString(u.Host) {
		return "", fmt.Errorf("invalid host: %q", u.Host)
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/") + path, nil
}
