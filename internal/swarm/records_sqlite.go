package swarm

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"depot/internal/objectstore"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteRecordStore keeps records in a SQLite database.
type SQLiteRecordStore struct {
	db *sql.DB
}

var _ RecordStore = (*SQLiteRecordStore)(nil)

func NewSQLiteRecordStore(ctx context.Context, dbPath string) (*SQLiteRecordStore, error) {
	db, err := objectstore.OpenDB(dbPath)
	if err != nil {
		return nil, err
	}

	err = fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("error reading SQL file: %w", err)
		}
		slog.Debug("Running migration", "path", path)
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteRecordStore{db: db}, nil
}

func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

const recordColumns = `info_hash, magnet, name, total_size, files, content_id, tier, category, priority, created_at`

func (s *SQLiteRecordStore) Put(ctx context.Context, rec Record) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO swarm_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(info_hash) DO UPDATE SET
			magnet = excluded.magnet,
			name = excluded.name,
			total_size = excluded.total_size,
			files = excluded.files,
			content_id = excluded.content_id,
			tier = excluded.tier,
			category = excluded.category,
			priority = excluded.priority`,
		rec.InfoHash, rec.Magnet, rec.Name, rec.TotalSize, string(files),
		rec.ContentID, string(rec.Tier), rec.Category, rec.Priority, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO swarm_content_index (content_id, info_hash) VALUES (?, ?)
		ON CONFLICT(content_id) DO UPDATE SET info_hash = excluded.info_hash`,
		rec.ContentID, rec.InfoHash)
	if err != nil {
		return fmt.Errorf("index record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var (
		rec   Record
		files string
		tier  string
	)
	err := row.Scan(&rec.InfoHash, &rec.Magnet, &rec.Name, &rec.TotalSize, &files,
		&rec.ContentID, &tier, &rec.Category, &rec.Priority, &rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Tier = Tier(tier)
	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return Record{}, fmt.Errorf("decode files: %w", err)
	}
	return rec, nil
}

func (s *SQLiteRecordStore) Get(ctx context.Context, infoHash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM swarm_records WHERE info_hash = ?`, infoHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteRecordStore) GetByContentID(ctx context.Context, contentID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.info_hash, r.magnet, r.name, r.total_size, r.files, r.content_id, r.tier, r.category, r.priority, r.created_at
		FROM swarm_content_index i
		JOIN swarm_records r ON r.info_hash = i.info_hash
		WHERE i.content_id = ?`, contentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteRecordStore) List(ctx context.Context, tier Tier) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM swarm_records`
	var args []any
	if tier != "" {
		query += ` WHERE tier = ?`
		args = append(args, string(tier))
	}
	query += ` ORDER BY created_at, info_hash`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteRecordStore) Delete(ctx context.Context, infoHash string) error {
	// The index row cascades with the record.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM swarm_records WHERE info_hash = ?`, infoHash); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
