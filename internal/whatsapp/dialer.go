// Package whatsapp adapts whatsmeow to the network.Session interface.
package whatsapp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/KafClaw/wabridge/internal/credstore"
	"github.com/KafClaw/wabridge/internal/network"
)

// Fetcher downloads outbound media referenced by URL.
type Fetcher interface {
	Fetch(ctx context.Context, u string) ([]byte, string, error)
}

// Dialer builds whatsmeow-backed sessions from credstore devices.
type Dialer struct {
	fetcher Fetcher
	log     zerolog.Logger
}

func NewDialer(fetcher Fetcher, log zerolog.Logger) *Dialer {
	return &Dialer{fetcher: fetcher, log: log}
}

// Dial creates a client for creds. Reconnection is left to the caller, so
// whatsmeow's own auto-reconnect is turned off.
func (d *Dialer) Dial(_ context.Context, instanceID string, creds network.Credentials) (network.Session, error) {
	dev, ok := creds.(*credstore.Device)
	if !ok || dev.Store == nil {
		return nil, fmt.Errorf("unsupported credentials %T", creds)
	}
	log := d.log.With().Str("instance", instanceID).Logger()
	client := whatsmeow.NewClient(dev.Store, waLog.Zerolog(log))
	client.EnableAutoReconnect = false
	return newSession(instanceID, client, d.fetcher, log), nil
}

// ParseLevel maps a config level name to zerolog, defaulting to warn.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.WarnLevel
	}
	return lvl
}
