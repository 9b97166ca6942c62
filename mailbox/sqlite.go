package mailbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agenthive/core"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriver = "sqlite"
	sqliteDSNOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"
)

// SQLiteStore is a durable Store backed by a single SQLite database file.
// Messages are written inside the Append call, so once Send returns the
// message survives a process crash.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the mailbox database at path and
// runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mailbox store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mailbox store: create dir: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, path+sqliteDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("mailbox store: open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	sender         TEXT NOT NULL,
	recipient      TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	timestamp_ms   INTEGER NOT NULL,
	read           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, seq);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("mailbox store: migrate: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(recipient string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
INSERT INTO messages (id, sender, recipient, subject, body, correlation_id, timestamp_ms, read)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`
	if _, err := s.db.Exec(q,
		msg.ID, msg.Sender, recipient, msg.Subject, msg.Body,
		msg.CorrelationID, msg.Timestamp.UnixMilli(),
	); err != nil {
		return fmt.Errorf("mailbox store: append: %w", err)
	}
	return nil
}

// MarkRead implements Store.
func (s *SQLiteStore) MarkRead(recipient string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	q := fmt.Sprintf(`UPDATE messages SET read = 1 WHERE recipient = ? AND id IN (%s)`, placeholders)

	args := make([]any, 0, len(ids)+1)
	args = append(args, recipient)
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("mailbox store: mark read: %w", err)
	}
	return nil
}

// Messages implements Store; records come back in append order.
func (s *SQLiteStore) Messages(recipient string) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const q = `
SELECT id, sender, recipient, subject, body, correlation_id, timestamp_ms, read
FROM messages WHERE recipient = ? ORDER BY seq`
	rows, err := s.db.Query(q, recipient)
	if err != nil {
		return nil, fmt.Errorf("mailbox store: query: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var rec StoredMessage
		var tsMillis int64
		var read int
		if err := rows.Scan(&rec.ID, &rec.Sender, &rec.Recipient, &rec.Subject,
			&rec.Body, &rec.CorrelationID, &tsMillis, &read); err != nil {
			return nil, fmt.Errorf("mailbox store: scan: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMillis).UTC()
		rec.Read = read != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Recipients implements Store.
func (s *SQLiteStore) Recipients() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT recipient FROM messages ORDER BY recipient`)
	if err != nil {
		return nil, fmt.Errorf("mailbox store: recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("mailbox store: scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
