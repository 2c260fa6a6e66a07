package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	_ "modernc.org/sqlite"

	"wagpt/internal/domain"
)

// Store keeps the multi-device session keys in a SQLite file. It is the
// credentials bundle: deleting the file forces a new pairing.
type Store struct {
	path      string
	db        *sql.DB
	container *sqlstore.Container
	logger    *slog.Logger
}

func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create auth store directory %s: %w", dir, err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open auth store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite", NewLogger(logger, "store"))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth store migration failed: %w", err)
	}
	return &Store{path: path, db: db, container: container, logger: logger}, nil
}

// Load returns the stored device, or a fresh unpaired one.
func (s *Store) Load(ctx context.Context) (domain.Credentials, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return device, nil
}

func (s *Store) Save(ctx context.Context, creds domain.Credentials) error {
	device, ok := creds.(*store.Device)
	if !ok {
		return fmt.Errorf("unexpected credentials type %T", creds)
	}
	if device.ID == nil {
		return nil // nothing to persist before pairing
	}
	if err := device.Save(ctx); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// Paired reports whether a device is linked and its JID.
func (s *Store) Paired(ctx context.Context) (bool, string, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return false, "", fmt.Errorf("load device: %w", err)
	}
	if device.ID == nil {
		return false, "", nil
	}
	return true, device.ID.String(), nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}
