package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists handled message IDs so a restart followed by a history
// replay does not answer the same message twice. Only IDs and timestamps
// are stored, never message content.
type SQLite struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewSQLite(dbPath string, ttl time.Duration, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &SQLite{db: db, ttl: ttl, now: time.Now, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS seen_messages (
		id       TEXT PRIMARY KEY,
		seen_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_messages_at ON seen_messages(seen_at);`)
	return err
}

// Seen records id and reports whether it was already recorded within the TTL.
// Database errors are logged and treated as "not seen" so a broken store
// never silences the bot.
func (s *SQLite) Seen(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	now := s.now()
	cutoff := now.Add(-s.ttl).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_messages (id, seen_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET seen_at = excluded.seen_at
		WHERE seen_messages.seen_at < ?`, id, now.UnixMilli(), cutoff)
	if err != nil {
		s.logger.Warn("dedup store write failed", "id", id, "err", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("dedup store rows affected", "err", err)
		return false
	}
	return n == 0
}

// Prune deletes entries older than the TTL and returns how many were removed.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_messages WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune seen messages: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner prunes every interval until ctx is done.
func (s *SQLite) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Prune(ctx); err != nil {
				s.logger.Warn("dedup prune failed", "err", err)
			} else if n > 0 {
				s.logger.Debug("dedup pruned", "removed", n)
			}
		}
	}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
