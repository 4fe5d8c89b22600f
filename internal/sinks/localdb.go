package sinks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/wabridge/internal/bus"
)

// LocalSchema is the sqlite mirror of instances, chats and inbound messages.
const LocalSchema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	name TEXT,
	connected INTEGER NOT NULL DEFAULT 0,
	contacts_count INTEGER NOT NULL DEFAULT 0,
	messages_today INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	user_name TEXT,
	user_id TEXT
);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	contact_phone TEXT,
	contact_name TEXT,
	last_message TEXT,
	last_message_time DATETIME,
	unread_count INTEGER NOT NULL DEFAULT 0,
	is_group INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	PRIMARY KEY (instance_id, id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	contact_name TEXT,
	phone TEXT,
	message TEXT,
	direction TEXT NOT NULL DEFAULT 'in',
	instance_id TEXT NOT NULL,
	message_type TEXT,
	whatsapp_id TEXT,
	created_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_messages_instance ON messages(instance_id, created_at);
`

// LocalDB mirrors events into a sqlite database.
type LocalDB struct {
	db  *sql.DB
	now func() time.Time
}

func NewLocalDB(dbPath string) (*LocalDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create local db dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open local db: %w", err)
	}
	if _, err := db.Exec(LocalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for databases created before disconnect reasons were kept.
	_, _ = db.Exec(`ALTER TABLE instances ADD COLUMN last_reason TEXT`)
	return &LocalDB{db: db, now: time.Now}, nil
}

func (l *LocalDB) DB() *sql.DB { return l.db }

func (l *LocalDB) Close() error { return l.db.Close() }

func (l *LocalDB) Name() string { return "localdb" }

func (l *LocalDB) Deliver(ctx context.Context, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case bus.Connected:
		return l.connected(ctx, p)
	case bus.Disconnected:
		_, err := l.db.ExecContext(ctx, `UPDATE instances SET connected = 0, last_reason = ? WHERE id = ?`, p.Reason, p.InstanceID)
		if err != nil {
			return fmt.Errorf("localdb: mark disconnected: %w", err)
		}
	case bus.MessageReceived:
		return l.message(ctx, p)
	case bus.ChatsImport:
		return l.importChats(ctx, p)
	}
	return nil
}

func (l *LocalDB) connected(ctx context.Context, p bus.Connected) error {
	name, userName, userID := p.InstanceID, "", ""
	if p.User != nil {
		userName, userID = p.User.Name, p.User.ID
		if p.User.Name != "" {
			name = p.User.Name
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO instances (id, name, connected, created_at, user_name, user_id)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			connected = 1,
			user_name = excluded.user_name,
			user_id = excluded.user_id`,
		p.InstanceID, name, p.ConnectedAt.UTC(), nullable(userName), nullable(userID))
	if err != nil {
		return fmt.Errorf("localdb: save connected instance: %w", err)
	}
	return nil
}

func (l *LocalDB) message(ctx context.Context, p bus.MessageReceived) error {
	phone := phoneOf(p.From)
	contact := p.ContactName
	if contact == "" {
		contact = phone
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localdb: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (id, contact_name, phone, message, direction, instance_id, message_type, whatsapp_id, created_at)
		VALUES (?, ?, ?, ?, 'in', ?, ?, ?, ?)`,
		p.MessageID, contact, phone, p.Message, p.InstanceID, p.MessageType, p.MessageID, p.Timestamp.UTC()); err != nil {
		return fmt.Errorf("localdb: save message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, instance_id, contact_phone, contact_name, last_message, last_message_time, unread_count, is_group, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(instance_id, id) DO UPDATE SET
			last_message = excluded.last_message,
			last_message_time = excluded.last_message_time,
			unread_count = chats.unread_count + 1`,
		p.From, p.InstanceID, phone, contact, p.Message, p.Timestamp.UTC(), strings.HasSuffix(p.From, "@g.us"), l.now().UTC()); err != nil {
		return fmt.Errorf("localdb: touch chat: %w", err)
	}
	return tx.Commit()
}

func (l *LocalDB) importChats(ctx context.Context, p bus.ChatsImport) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localdb: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chats (id, instance_id, contact_phone, contact_name, last_message, last_message_time, unread_count, is_group, created_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("localdb: prepare chat import: %w", err)
	}
	defer stmt.Close()

	now := l.now().UTC()
	for _, c := range p.Chats {
		phone := phoneOf(c.ID)
		name := c.Name
		if name == "" {
			name = phone
		}
		last := now
		if c.LastMessageAt != nil {
			last = c.LastMessageAt.UTC()
		}
		if _, err := stmt.ExecContext(ctx, c.ID, p.InstanceID, phone, name, last, c.UnreadCount, c.IsGroup, now); err != nil {
			return fmt.Errorf("localdb: import chat %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func phoneOf(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
