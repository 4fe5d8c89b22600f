// Package credstore keeps each instance's WhatsApp device credentials in
// its own sqlite database under <dataDir>/auth_<id>/.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/network"
)

const (
	dirPrefix = "auth_"
	dbFile    = "device.db"
)

// Device is the persisted credential set of one instance.
type Device struct {
	id    string
	Store *store.Device
}

func (d *Device) InstanceID() string { return d.id }

// Paired reports whether the device has completed pairing.
func (d *Device) Paired() bool { return d.Store != nil && d.Store.ID != nil }

// Store opens one sqlstore container per instance and keeps it open until
// the instance is purged or the store is closed.
type Store struct {
	baseDir string
	driver  string
	log     waLog.Logger

	mu         sync.Mutex
	containers map[string]*sqlstore.Container
}

// New prepares the data directory. log may be nil.
func New(cfg config.CredentialsConfig, log waLog.Logger) (*Store, error) {
	dir := config.ExpandHome(cfg.DataDir)
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("credentials data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return nil, fmt.Errorf("unsupported credentials driver %q", driver)
	}
	if log == nil {
		log = waLog.Noop
	}
	return &Store{baseDir: dir, driver: driver, log: log, containers: make(map[string]*sqlstore.Container)}, nil
}

// Dir is the credential directory of id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.baseDir, dirPrefix+id)
}

func (s *Store) dsn(id string) string {
	path := filepath.Join(s.Dir(id), dbFile)
	if s.driver == "sqlite3" {
		return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// LoadOrInit returns the stored device of id, or a fresh unpaired one.
func (s *Store) LoadOrInit(ctx context.Context, id string) (network.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	container, ok := s.containers[id]
	if !ok {
		if err := os.MkdirAll(s.Dir(id), 0o700); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
		var err error
		container, err = sqlstore.New(ctx, s.driver, s.dsn(id), s.log.Sub(id))
		if err != nil {
			return nil, fmt.Errorf("open credential db for %s: %w", id, err)
		}
		s.containers[id] = container
	}
	dev, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device for %s: %w", id, err)
	}
	return &Device{id: id, Store: dev}, nil
}

// Purge closes and deletes the credential directory of id.
func (s *Store) Purge(id string) error {
	s.mu.Lock()
	container, ok := s.containers[id]
	delete(s.containers, id)
	s.mu.Unlock()

	var errs []error
	if ok {
		if err := container.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close credential db: %w", err))
		}
	}
	if err := os.RemoveAll(s.Dir(id)); err != nil {
		errs = append(errs, fmt.Errorf("remove auth dir: %w", err))
	}
	return errors.Join(errs...)
}

// Exists reports whether id has a credential directory on disk.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(id), dbFile))
	return err == nil
}

// List returns the ids that have credentials on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), dirPrefix)
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes every open container.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, c := range s.containers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		delete(s.containers, id)
	}
	return errors.Join(errs...)
}
