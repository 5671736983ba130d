package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"depot/internal/apierror"
)

// CreateBucket creates an empty bucket. An empty region falls back to the
// store's region.
func (s *Store) CreateBucket(ctx context.Context, name, owner, region string) (Bucket, error) {
	if !IsValidBucketName(name) {
		return Bucket{}, apierror.ErrInvalidBucketName
	}
	if region == "" {
		region = s.cfg.Region
	}

	b := Bucket{
		Name:         name,
		CreationDate: s.now(),
		Owner:        owner,
		Region:       region,
		Versioning:   VersioningDisabled,
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, owner, region, versioning, encryption, created_at)
		 VALUES(?, ?, ?, ?, '', ?)`,
		b.Name, b.Owner, b.Region, string(b.Versioning), b.CreationDate,
	)
	if err != nil {
		return Bucket{}, fmt.Errorf("create bucket %q: %w", name, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Bucket{}, fmt.Errorf("create bucket %q: %w", name, err)
	}
	if rows == 0 {
		return Bucket{}, apierror.ErrBucketAlreadyExists
	}

	s.log.Info("Created bucket", "bucket", name, "owner", owner, "region", region)
	return b, nil
}

// GetBucket returns the bucket called name.
func (s *Store) GetBucket(ctx context.Context, name string) (Bucket, error) {
	return getBucket(ctx, s.db, name)
}

// ListBuckets returns every bucket ordered by name.
func (s *Store) ListBuckets(ctx context.Context) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, owner, region, versioning, encryption, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// DeleteBucket removes an empty bucket. Noncurrent versions count as
// contents.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, name); err != nil {
			return err
		}

		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT (SELECT COUNT(*) FROM objects WHERE bucket = ?) + (SELECT COUNT(*) FROM object_versions WHERE bucket = ?)`,
			name, name,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("count bucket objects: %w", err)
		}
		if count > 0 {
			return apierror.ErrBucketNotEmpty
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete bucket %q: %w", name, err)
		}
		s.log.Info("Deleted bucket", "bucket", name)
		return nil
	})
}

// PutBucketVersioning changes the versioning state of a bucket.
func (s *Store) PutBucketVersioning(ctx context.Context, name string, state VersioningState) error {
	if !state.valid() {
		return apierror.ErrInvalidArgument.WithMessage(fmt.Sprintf("Unknown versioning state %q.", state))
	}
	return s.updateBucket(ctx, name, `UPDATE buckets SET versioning = ? WHERE name = ?`, string(state))
}

// PutBucketEncryption records the server-side encryption mode of a bucket.
// Payloads are not encrypted by this layer; the mode is metadata for the
// storage backend. An empty mode clears it.
func (s *Store) PutBucketEncryption(ctx context.Context, name, mode string) error {
	switch mode {
	case "", "AES256", "aws:kms":
	default:
		return apierror.ErrInvalidArgument.WithMessage(fmt.Sprintf("Unknown encryption mode %q.", mode))
	}
	return s.updateBucket(ctx, name, `UPDATE buckets SET encryption = ? WHERE name = ?`, mode)
}

func (s *Store) updateBucket(ctx context.Context, name, query string, value string) error {
	res, err := s.db.ExecContext(ctx, query, value, name)
	if err != nil {
		return fmt.Errorf("update bucket %q: %w", name, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update bucket %q: %w", name, err)
	}
	if rows == 0 {
		return apierror.ErrNoSuchBucket
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBucket(row scanner) (Bucket, error) {
	var (
		b          Bucket
		versioning string
	)
	if err := row.Scan(&b.Name, &b.Owner, &b.Region, &versioning, &b.EncryptionMode, &b.CreationDate); err != nil {
		return Bucket{}, err
	}
	b.Versioning = VersioningState(versioning)
	return b, nil
}

func getBucket(ctx context.Context, q querier, name string) (Bucket, error) {
	row := q.QueryRowContext(ctx,
		`SELECT name, owner, region, versioning, encryption, created_at FROM buckets WHERE name = ?`, name)
	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bucket{}, apierror.ErrNoSuchBucket
	}
	if err != nil {
		return Bucket{}, fmt.Errorf("lookup bucket %q: %w", name, err)
	}
	return b, nil
}
