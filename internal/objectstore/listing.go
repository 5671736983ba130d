package objectstore

import (
	"context"
	"fmt"
	"strings"
)

const defaultMaxKeys = 1000

// ListObjects enumerates keys in lexicographic order. With a delimiter, keys
// whose remainder after the prefix contains it are folded into
// CommonPrefixes. MaxKeys bounds the content entries; the continuation token
// is the last content key returned.
func (s *Store) ListObjects(ctx context.Context, in ListObjectsInput) (ListObjectsOutput, error) {
	if _, err := s.GetBucket(ctx, in.Bucket); err != nil {
		return ListObjectsOutput{}, err
	}

	maxKeys := in.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	after := in.StartAfter
	if in.ContinuationToken != "" {
		after = in.ContinuationToken
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectColumns+` FROM objects
		 WHERE bucket = ? AND substr(key, 1, length(?)) = ? AND key > ?
		 ORDER BY key`,
		in.Bucket, in.Prefix, in.Prefix, after,
	)
	if err != nil {
		return ListObjectsOutput{}, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	out := ListObjectsOutput{MaxKeys: maxKeys}
	seen := make(map[string]struct{})

	for rows.Next() {
		info, err := scanObject(rows)
		if err != nil {
			return ListObjectsOutput{}, fmt.Errorf("scan object: %w", err)
		}

		if in.Delimiter != "" {
			rel := strings.TrimPrefix(info.Key, in.Prefix)
			if idx := strings.Index(rel, in.Delimiter); idx != -1 {
				cp := in.Prefix + rel[:idx+len(in.Delimiter)]
				if _, ok := seen[cp]; !ok {
					seen[cp] = struct{}{}
					out.CommonPrefixes = append(out.CommonPrefixes, cp)
				}
				continue
			}
		}

		if len(out.Contents) == maxKeys {
			out.IsTruncated = true
			break
		}
		out.Contents = append(out.Contents, info)
	}
	if err := rows.Err(); err != nil {
		return ListObjectsOutput{}, fmt.Errorf("list objects: %w", err)
	}

	if out.IsTruncated {
		out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
	}
	return out, nil
}
