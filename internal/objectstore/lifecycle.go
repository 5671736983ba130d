package objectstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"depot/internal/apierror"
)

// LifecycleRule describes transitions and expirations for keys under Prefix.
// Rules are only stored here; enforcement belongs to an external batch job.
type LifecycleRule struct {
	ID                          string                       `json:"id"`
	Prefix                      string                       `json:"prefix"`
	Enabled                     bool                         `json:"enabled"`
	Transitions                 []Transition                 `json:"transitions,omitempty"`
	Expiration                  *Expiration                  `json:"expiration,omitempty"`
	NoncurrentVersionExpiration *NoncurrentVersionExpiration `json:"noncurrentVersionExpiration,omitempty"`
}

type Transition struct {
	AfterDays    int    `json:"afterDays"`
	StorageClass string `json:"storageClass"`
}

// Expiration sets either AfterDays or Date.
type Expiration struct {
	AfterDays *int       `json:"afterDays,omitempty"`
	Date      *time.Time `json:"date,omitempty"`
}

type NoncurrentVersionExpiration struct {
	AfterDays int `json:"afterDays"`
}

// validateLifecycleRules checks ids are present and unique and day counts are not negative.
func validateLifecycleRules(rules []LifecycleRule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.ID == "" || len(r.ID) > 255 {
			return apierror.ErrMalformedLifecycle.WithMessage("Every rule needs an id of at most 255 characters.")
		}
		if _, dup := seen[r.ID]; dup {
			return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule id %q is used more than once.", r.ID))
		}
		seen[r.ID] = struct{}{}

		for _, t := range r.Transitions {
			if t.AfterDays < 0 {
				return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule %q has a negative transition age.", r.ID))
			}
			if t.StorageClass == "" {
				return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule %q has a transition without a storage class.", r.ID))
			}
		}
		if e := r.Expiration; e != nil {
			if (e.AfterDays == nil) == (e.Date == nil) {
				return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule %q expiration needs exactly one of days or date.", r.ID))
			}
			if e.AfterDays != nil && *e.AfterDays < 0 {
				return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule %q has a negative expiration age.", r.ID))
			}
		}
		if n := r.NoncurrentVersionExpiration; n != nil && n.AfterDays < 0 {
			return apierror.ErrMalformedLifecycle.WithMessage(fmt.Sprintf("Rule %q has a negative noncurrent expiration age.", r.ID))
		}
	}
	return nil
}

// PutLifecycleRules replaces the rule set of a bucket.
func (s *Store) PutLifecycleRules(ctx context.Context, bucket string, rules []LifecycleRule) error {
	if err := validateLifecycleRules(rules); err != nil {
		return err
	}

	encoded, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("encode lifecycle rules: %w", err)
	}

	return withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, bucket); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO lifecycle_rules(bucket, rules, modified_at) VALUES(?, ?, ?)
			 ON CONFLICT(bucket) DO UPDATE SET rules=excluded.rules, modified_at=excluded.modified_at`,
			bucket, string(encoded), s.now(),
		)
		if err != nil {
			return fmt.Errorf("store lifecycle rules: %w", err)
		}
		return nil
	})
}

// GetLifecycleRules returns the stored rules of a bucket, which may be empty.
func (s *Store) GetLifecycleRules(ctx context.Context, bucket string) ([]LifecycleRule, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	var encoded string
	err := s.db.QueryRowContext(ctx, `SELECT rules FROM lifecycle_rules WHERE bucket = ?`, bucket).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lifecycle rules: %w", err)
	}

	var rules []LifecycleRule
	if err := json.Unmarshal([]byte(encoded), &rules); err != nil {
		return nil, fmt.Errorf("decode lifecycle rules: %w", err)
	}
	return rules, nil
}

// DeleteLifecycleRules removes every rule of a bucket.
func (s *Store) DeleteLifecycleRules(ctx context.Context, bucket string) error {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_rules WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("delete lifecycle rules: %w", err)
	}
	return nil
}
