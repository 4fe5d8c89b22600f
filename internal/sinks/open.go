package sinks

import (
	"errors"
	"fmt"
	"io"

	"github.com/KafClaw/wabridge/internal/bus"
	"github.com/KafClaw/wabridge/internal/config"
)

// Set is the group of sinks enabled by configuration.
type Set struct {
	Sinks   []bus.Sink
	closers []io.Closer
}

// Open builds every enabled sink. On error the sinks opened so far are
// closed.
func Open(cfg *config.Config) (*Set, error) {
	set := &Set{}
	if cfg.Webhook.Enabled {
		set.Sinks = append(set.Sinks, NewWebhook(cfg.Webhook))
	}
	if cfg.Kafka.Enabled {
		k, err := NewKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		set.add(k, k)
	}
	if cfg.LocalDB.Enabled {
		l, err := NewLocalDB(cfg.LocalDB.Path)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("local db sink: %w", err)
		}
		set.add(l, l)
	}
	return set, nil
}

func (s *Set) add(sink bus.Sink, c io.Closer) {
	s.Sinks = append(s.Sinks, sink)
	s.closers = append(s.closers, c)
}

// Subscribe attaches every sink to b for all event kinds.
func (s *Set) Subscribe(b *bus.Bus) {
	for _, sink := range s.Sinks {
		b.Subscribe(sink)
	}
}

func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
