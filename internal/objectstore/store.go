// Package objectstore implements bucket/key object storage on top of a
// content-addressed ContentStore. Object, version, multipart and lifecycle
// metadata live in SQLite; payload bytes live in the ContentStore.
package objectstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"depot/internal/events"
	"depot/internal/storage"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	defaultRegion        = "us-east-1"
	defaultMaxObjectSize = 5 << 30
)

// Config holds the tunables of a Store. Use the With* options to set them.
type Config struct {
	Region         string
	MaxObjectSize  int64
	SigningSecret  []byte
	PresignBaseURL string
	Publisher      events.Publisher
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Option mutates a Config.
type Option func(*Config)

// WithRegion sets the region recorded on buckets created without one.
func WithRegion(region string) Option {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

// WithMaxObjectSize caps the size of a single object body.
func WithMaxObjectSize(n int64) Option {
	return func(cfg *Config) {
		cfg.MaxObjectSize = n
	}
}

// WithSigningSecret sets the key used for presigned URLs.
func WithSigningSecret(secret []byte) Option {
	return func(cfg *Config) {
		cfg.SigningSecret = secret
	}
}

// WithPresignBaseURL sets the scheme, host and optional path prefix that
// presigned URLs are issued under.
func WithPresignBaseURL(base string) Option {
	return func(cfg *Config) {
		cfg.PresignBaseURL = base
	}
}

// WithPublisher routes object lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(cfg *Config) {
		cfg.Publisher = p
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(cfg *Config) {
		cfg.Clock = now
	}
}

// Store is the object API. It is safe for concurrent use.
type Store struct {
	cfg     Config
	db      *sql.DB
	content storage.ContentStore
	log     *slog.Logger
}

// initSchema applies all SQL files in the embedded migrations directory in
// lexicographical order. Every statement is idempotent.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// OpenDB opens a SQLite database at dbPath with foreign keys enforced and a
// single shared connection.
func OpenDB(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		return nil, errors.New("database path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Writers are serialized anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

// New opens the metadata database at dbPath and returns a Store writing
// payloads to content.
func New(ctx context.Context, dbPath string, content storage.ContentStore, opts ...Option) (*Store, error) {
	if content == nil {
		return nil, errors.New("content store must not be nil")
	}

	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = defaultMaxObjectSize
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if len(cfg.SigningSecret) == 0 {
		cfg.SigningSecret = make([]byte, 32)
		if _, err := rand.Read(cfg.SigningSecret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		cfg.Logger.Warn("No signing secret configured; presigned URLs will not survive a restart")
	}

	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{cfg: cfg, db: db, content: content, log: cfg.Logger}, nil
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Region is the default region of the store.
func (s *Store) Region() string {
	return s.cfg.Region
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
