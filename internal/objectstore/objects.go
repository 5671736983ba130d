package objectstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"depot/internal/apierror"
	"depot/internal/events"
	"depot/internal/storage"

	"github.com/google/uuid"
)

const objectColumns = `bucket, key, content_id, size, content_type, etag, version_id, storage_class, metadata, modified_at`

// PutObject stores a body under bucket/key, replacing the current object.
// A version id is issued only when the bucket's versioning is enabled.
func (s *Store) PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error) {
	if !IsValidObjectKey(in.Key) {
		return PutObjectOutput{}, apierror.ErrInvalidObjectName
	}
	if int64(len(in.Body)) > s.cfg.MaxObjectSize {
		return PutObjectOutput{}, apierror.ErrEntityTooLarge
	}
	if _, err := s.GetBucket(ctx, in.Bucket); err != nil {
		return PutObjectOutput{}, err
	}

	contentID, err := s.content.Put(ctx, in.Body, in.Bucket+"/"+in.Key)
	if err != nil {
		return PutObjectOutput{}, fmt.Errorf("store object payload: %w", err)
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	storageClass := in.StorageClass
	if storageClass == "" {
		storageClass = defaultStorageClass
	}

	info := ObjectInfo{
		Bucket:       in.Bucket,
		Key:          in.Key,
		ContentID:    contentID,
		Size:         int64(len(in.Body)),
		ContentType:  contentType,
		ETag:         computeETag(in.Body),
		LastModified: s.now(),
		Metadata:     normalizeMetadata(in.Metadata),
		StorageClass: storageClass,
	}

	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		b, err := getBucket(ctx, tx, in.Bucket)
		if err != nil {
			return err
		}
		if b.Versioning == VersioningEnabled {
			info.VersionID = uuid.NewString()
		}
		return writeObject(ctx, tx, info)
	})
	if err != nil {
		return PutObjectOutput{}, err
	}

	s.log.Debug("Put object", "bucket", in.Bucket, "key", in.Key, "size", info.Size, "versionId", info.VersionID)
	s.cfg.Publisher.Publish(events.ObjectCreated{
		Bucket:    info.Bucket,
		Key:       info.Key,
		ETag:      info.ETag,
		VersionID: info.VersionID,
		Size:      info.Size,
	})

	return PutObjectOutput{
		ETag:         info.ETag,
		VersionID:    info.VersionID,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// writeObject upserts the current row and, for versioned writes, appends to
// the version history.
func writeObject(ctx context.Context, tx *sql.Tx, info ObjectInfo) error {
	meta, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("encode object metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects(`+objectColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	content_id=excluded.content_id,
		 	size=excluded.size,
		 	content_type=excluded.content_type,
		 	etag=excluded.etag,
		 	version_id=excluded.version_id,
		 	storage_class=excluded.storage_class,
		 	metadata=excluded.metadata,
		 	modified_at=excluded.modified_at`,
		info.Bucket, info.Key, info.ContentID, info.Size, info.ContentType, info.ETag,
		info.VersionID, info.StorageClass, string(meta), info.LastModified,
	)
	if err != nil {
		return fmt.Errorf("upsert object metadata: %w", err)
	}

	if info.VersionID == "" {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO object_versions(`+objectColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Bucket, info.Key, info.ContentID, info.Size, info.ContentType, info.ETag,
		info.VersionID, info.StorageClass, string(meta), info.LastModified,
	)
	if err != nil {
		return fmt.Errorf("insert object version: %w", err)
	}
	return nil
}

func scanObject(row scanner) (ObjectInfo, error) {
	var (
		info ObjectInfo
		meta string
	)
	err := row.Scan(&info.Bucket, &info.Key, &info.ContentID, &info.Size, &info.ContentType, &info.ETag,
		&info.VersionID, &info.StorageClass, &meta, &info.LastModified)
	if err != nil {
		return ObjectInfo{}, err
	}
	info.Metadata = map[string]string{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &info.Metadata); err != nil {
			return ObjectInfo{}, fmt.Errorf("decode object metadata: %w", err)
		}
	}
	return info, nil
}

// lookupObject resolves the current object, or a specific version when
// versionID is set. "null" names the unversioned current object.
func (s *Store) lookupObject(ctx context.Context, bucket, key, versionID string) (ObjectInfo, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return ObjectInfo{}, err
	}
	if !IsValidObjectKey(key) {
		return ObjectInfo{}, apierror.ErrInvalidObjectName
	}

	switch versionID {
	case "":
		row := s.db.QueryRowContext(ctx,
			`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
		info, err := scanObject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ObjectInfo{}, apierror.ErrNoSuchKey
		}
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("lookup object metadata: %w", err)
		}
		return info, nil

	case "null":
		row := s.db.QueryRowContext(ctx,
			`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ? AND version_id = ''`, bucket, key)
		info, err := scanObject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ObjectInfo{}, apierror.ErrNoSuchVersion
		}
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("lookup object metadata: %w", err)
		}
		return info, nil

	default:
		row := s.db.QueryRowContext(ctx,
			`SELECT `+objectColumns+` FROM object_versions WHERE bucket = ? AND key = ? AND version_id = ?`,
			bucket, key, versionID)
		info, err := scanObject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ObjectInfo{}, apierror.ErrNoSuchVersion
		}
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("lookup object version: %w", err)
		}
		return info, nil
	}
}

// readPayload fetches an object's bytes from the content store.
func (s *Store) readPayload(ctx context.Context, info ObjectInfo) ([]byte, error) {
	data, err := s.content.Get(ctx, info.ContentID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Error("Object payload missing", "bucket", info.Bucket, "key", info.Key, "contentId", info.ContentID)
		return nil, fmt.Errorf("payload of %s/%s missing: %w", info.Bucket, info.Key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read object payload: %w", err)
	}
	return data, nil
}

// GetObject reads an object, honouring conditional headers and byte ranges.
func (s *Store) GetObject(ctx context.Context, in GetObjectInput) (*GetObjectOutput, error) {
	out, start, end, err := s.resolveRead(ctx, in)
	if err != nil || out.NotModified {
		return out, err
	}

	data, err := s.readPayload(ctx, out.Info)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != out.Info.Size {
		return nil, fmt.Errorf("payload of %s/%s has %d bytes, expected %d", in.Bucket, in.Key, len(data), out.Info.Size)
	}

	out.Body = data[start : end+1]
	return out, nil
}

// HeadObject resolves the same metadata as GetObject without reading the
// payload.
func (s *Store) HeadObject(ctx context.Context, in GetObjectInput) (*GetObjectOutput, error) {
	out, _, _, err := s.resolveRead(ctx, in)
	return out, err
}

// resolveRead returns the output skeleton and the inclusive byte window to
// serve.
func (s *Store) resolveRead(ctx context.Context, in GetObjectInput) (*GetObjectOutput, int64, int64, error) {
	info, err := s.lookupObject(ctx, in.Bucket, in.Key, in.VersionID)
	if err != nil {
		return nil, 0, 0, err
	}

	out := &GetObjectOutput{Info: info}
	if notModified(info, in.IfNoneMatch, in.IfModifiedSince) {
		out.NotModified = true
		return out, 0, 0, nil
	}

	start, end := int64(0), info.Size-1
	out.ContentLength = info.Size
	if in.Range != "" {
		start, end, err = parseRange(in.Range, info.Size)
		if err != nil {
			return nil, 0, 0, err
		}
		out.ContentLength = end - start + 1
		out.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size)
	}
	return out, start, end, nil
}

// notModified evaluates If-None-Match, falling back to If-Modified-Since
// only when no entity tag was supplied. Times compare at one second
// resolution, the precision of HTTP dates.
func notModified(info ObjectInfo, ifNoneMatch string, ifModifiedSince time.Time) bool {
	if ifNoneMatch != "" {
		for _, candidate := range strings.Split(ifNoneMatch, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || unquoteETag(candidate) == info.ETag {
				return true
			}
		}
		return false
	}
	if ifModifiedSince.IsZero() {
		return false
	}
	return !ifModifiedSince.Before(info.LastModified.Truncate(time.Second))
}

// DeleteObject removes the current object. Deleting a missing key succeeds.
// Noncurrent versions stay retrievable by id.
func (s *Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return err
	}
	if !IsValidObjectKey(key) {
		return apierror.ErrInvalidObjectName
	}

	deleted, err := s.deleteCurrent(ctx, bucket, key)
	if err != nil {
		return err
	}
	if deleted {
		s.cfg.Publisher.Publish(events.ObjectRemoved{Bucket: bucket, Key: key})
	}
	return nil
}

func (s *Store) deleteCurrent(ctx context.Context, bucket, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, fmt.Errorf("delete object metadata: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete object metadata: %w", err)
	}
	return rows > 0, nil
}

// DeleteObjects deletes each key and reports a result per key. Only a missing
// bucket fails the whole call.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteResult, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	results := make([]DeleteResult, 0, len(keys))
	for _, key := range keys {
		if !IsValidObjectKey(key) {
			results = append(results, DeleteResult{Key: key, Code: apierror.ErrInvalidObjectName.Code, Message: apierror.ErrInvalidObjectName.Message})
			continue
		}

		deleted, err := s.deleteCurrent(ctx, bucket, key)
		switch {
		case err != nil:
			s.log.Error("Delete object in batch", "bucket", bucket, "key", key, "err", err)
			results = append(results, DeleteResult{Key: key, Code: apierror.ErrInternal.Code, Message: apierror.ErrInternal.Message})
		case !deleted:
			results = append(results, DeleteResult{Key: key, Code: apierror.ErrNoSuchKey.Code, Message: apierror.ErrNoSuchKey.Message})
		default:
			results = append(results, DeleteResult{Key: key, Deleted: true})
			s.cfg.Publisher.Publish(events.ObjectRemoved{Bucket: bucket, Key: key})
		}
	}
	return results, nil
}

// CopyObject re-puts the source object under the destination key. Content
// type and metadata are carried unless MetadataDirective is "REPLACE".
func (s *Store) CopyObject(ctx context.Context, in CopyObjectInput) (PutObjectOutput, error) {
	directive := strings.ToUpper(in.MetadataDirective)
	if directive != "" && directive != "COPY" && directive != "REPLACE" {
		return PutObjectOutput{}, apierror.ErrInvalidArgument.WithMessage("Unknown metadata directive.")
	}

	src, err := s.GetObject(ctx, GetObjectInput{
		Bucket:    in.SourceBucket,
		Key:       in.SourceKey,
		VersionID: in.SourceVersionID,
	})
	if err != nil {
		return PutObjectOutput{}, err
	}

	put := PutObjectInput{
		Bucket:       in.DestBucket,
		Key:          in.DestKey,
		Body:         src.Body,
		ContentType:  src.Info.ContentType,
		Metadata:     src.Info.Metadata,
		StorageClass: src.Info.StorageClass,
	}
	if directive == "REPLACE" {
		put.ContentType = in.ContentType
		put.Metadata = in.Metadata
	}

	return s.PutObject(ctx, put)
}

// ListObjectVersions lists the retained versions under prefix, newest first
// within each key.
func (s *Store) ListObjectVersions(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT v.bucket, v.key, v.content_id, v.size, v.content_type, v.etag, v.version_id,
		        v.storage_class, v.metadata, v.modified_at, o.key IS NOT NULL
		 FROM object_versions v
		 LEFT JOIN objects o ON o.bucket = v.bucket AND o.key = v.key AND o.version_id = v.version_id
		 WHERE v.bucket = ? AND substr(v.key, 1, length(?)) = ?
		 ORDER BY v.key, v.modified_at DESC, v.rowid DESC`,
		bucket, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list object versions: %w", err)
	}
	defer rows.Close()

	var versions []ObjectInfo
	for rows.Next() {
		var (
			info ObjectInfo
			meta string
		)
		if err := rows.Scan(&info.Bucket, &info.Key, &info.ContentID, &info.Size, &info.ContentType, &info.ETag,
			&info.VersionID, &info.StorageClass, &meta, &info.LastModified, &info.IsLatest); err != nil {
			return nil, fmt.Errorf("scan object version: %w", err)
		}
		info.Metadata = map[string]string{}
		if err := json.Unmarshal([]byte(meta), &info.Metadata); err != nil {
			return nil, fmt.Errorf("decode object metadata: %w", err)
		}
		versions = append(versions, info)
	}
	return versions, rows.Err()
}

// DeleteObjectVersion permanently removes one version. When it was the
// current version, the newest remaining version becomes current.
func (s *Store) DeleteObjectVersion(ctx context.Context, bucket, key, versionID string) error {
	if versionID == "" || versionID == "null" {
		return s.DeleteObject(ctx, bucket, key)
	}

	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := getBucket(ctx, tx, bucket); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM object_versions WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID)
		if err != nil {
			return fmt.Errorf("delete object version: %w", err)
		}
		if rows, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("delete object version: %w", err)
		} else if rows == 0 {
			return apierror.ErrNoSuchVersion
		}

		res, err = tx.ExecContext(ctx,
			`DELETE FROM objects WHERE bucket = ? AND key = ? AND version_id = ?`, bucket, key, versionID)
		if err != nil {
			return fmt.Errorf("delete current object: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO objects(`+objectColumns+`)
			 SELECT `+objectColumns+` FROM object_versions
			 WHERE bucket = ? AND key = ?
			 ORDER BY modified_at DESC, rowid DESC LIMIT 1`,
			bucket, key)
		if err != nil {
			return fmt.Errorf("promote previous version: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cfg.Publisher.Publish(events.ObjectRemoved{Bucket: bucket, Key: key, VersionID: versionID})
	return nil
}
