package objectstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"depot/internal/apierror"

	"github.com/google/uuid"
)

const maxPartNumber = 10000

// CreateMultipartUpload starts an upload and returns its opaque id.
func (s *Store) CreateMultipartUpload(ctx context.Context, in CreateMultipartUploadInput) (MultipartUpload, error) {
	if !IsValidObjectKey(in.Key) {
		return MultipartUpload{}, apierror.ErrInvalidObjectName
	}
	if _, err := s.GetBucket(ctx, in.Bucket); err != nil {
		return MultipartUpload{}, err
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	up := MultipartUpload{
		UploadID:    uuid.NewString(),
		Bucket:      in.Bucket,
		Key:         in.Key,
		ContentType: contentType,
		Metadata:    normalizeMetadata(in.Metadata),
		Initiated:   s.now(),
	}

	meta, err := json.Marshal(up.Metadata)
	if err != nil {
		return MultipartUpload{}, fmt.Errorf("encode upload metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO multipart_uploads(upload_id, bucket, key, content_type, metadata, initiated_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		up.UploadID, up.Bucket, up.Key, up.ContentType, string(meta), up.Initiated,
	)
	if err != nil {
		return MultipartUpload{}, fmt.Errorf("create multipart upload: %w", err)
	}

	s.log.Debug("Created multipart upload", "bucket", in.Bucket, "key", in.Key, "uploadId", up.UploadID)
	return up, nil
}

// UploadPart stores one part. Uploading the same part number again replaces
// the earlier part.
func (s *Store) UploadPart(ctx context.Context, in UploadPartInput) (Part, error) {
	if in.PartNumber < 1 || in.PartNumber > maxPartNumber {
		return Part{}, apierror.ErrInvalidArgument.WithMessage(fmt.Sprintf("Part number must be an integer between 1 and %d, inclusive.", maxPartNumber))
	}
	if int64(len(in.Body)) > s.cfg.MaxObjectSize {
		return Part{}, apierror.ErrEntityTooLarge
	}
	if _, err := s.getUpload(ctx, s.db, in.Bucket, in.Key, in.UploadID); err != nil {
		return Part{}, err
	}

	contentID, err := s.content.Put(ctx, in.Body, fmt.Sprintf("%s/%s#%d", in.Bucket, in.Key, in.PartNumber))
	if err != nil {
		return Part{}, fmt.Errorf("store part payload: %w", err)
	}

	part := Part{
		PartNumber:   in.PartNumber,
		ETag:         computeETag(in.Body),
		Size:         int64(len(in.Body)),
		LastModified: s.now(),
	}

	err = withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		// The upload may have been aborted while the payload was written.
		if _, err := s.getUpload(ctx, tx, in.Bucket, in.Key, in.UploadID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO multipart_parts(upload_id, part_number, content_id, etag, size, uploaded_at)
			 VALUES(?, ?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET
			 	content_id=excluded.content_id,
			 	etag=excluded.etag,
			 	size=excluded.size,
			 	uploaded_at=excluded.uploaded_at`,
			in.UploadID, part.PartNumber, contentID, part.ETag, part.Size, part.LastModified,
		)
		if err != nil {
			return fmt.Errorf("record part: %w", err)
		}
		return nil
	})
	if err != nil {
		return Part{}, err
	}
	return part, nil
}

// ListParts returns the upload with its parts ordered by part number.
func (s *Store) ListParts(ctx context.Context, bucket, key, uploadID string) (MultipartUpload, error) {
	up, err := s.getUpload(ctx, s.db, bucket, key, uploadID)
	if err != nil {
		return MultipartUpload{}, err
	}

	parts, err := s.listParts(ctx, uploadID)
	if err != nil {
		return MultipartUpload{}, err
	}
	for _, p := range parts {
		up.Parts = append(up.Parts, p.Part)
	}
	return up, nil
}

// ListMultipartUploads returns the in-progress uploads of a bucket whose key
// starts with prefix, ordered by key and initiation time.
func (s *Store) ListMultipartUploads(ctx context.Context, bucket, prefix string) ([]MultipartUpload, error) {
	if _, err := s.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, bucket, key, content_type, metadata, initiated_at FROM multipart_uploads
		 WHERE bucket = ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key, initiated_at`,
		bucket, prefix, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list multipart uploads: %w", err)
	}
	defer rows.Close()

	var uploads []MultipartUpload
	for rows.Next() {
		up, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, up)
	}
	return uploads, rows.Err()
}

// CompleteMultipartUpload assembles parts 1..N into an ordinary object and
// discards the upload.
func (s *Store) CompleteMultipartUpload(ctx context.Context, in CompleteMultipartUploadInput) (PutObjectOutput, error) {
	up, err := s.getUpload(ctx, s.db, in.Bucket, in.Key, in.UploadID)
	if err != nil {
		return PutObjectOutput{}, err
	}
	if len(in.Parts) == 0 {
		return PutObjectOutput{}, apierror.ErrInvalidRequest.WithMessage("You must specify at least one part.")
	}
	for i, p := range in.Parts {
		if p.PartNumber != i+1 {
			return PutObjectOutput{}, apierror.ErrInvalidPartOrder
		}
	}

	stored, err := s.listParts(ctx, in.UploadID)
	if err != nil {
		return PutObjectOutput{}, err
	}
	byNumber := make(map[int]storedPart, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	var body bytes.Buffer
	for _, want := range in.Parts {
		got, ok := byNumber[want.PartNumber]
		if !ok {
			return PutObjectOutput{}, apierror.ErrInvalidPart.WithMessage(fmt.Sprintf("Part %d was never uploaded.", want.PartNumber))
		}
		if want.ETag != "" && unquoteETag(want.ETag) != got.ETag {
			return PutObjectOutput{}, apierror.ErrInvalidPart.WithMessage(fmt.Sprintf("Part %d entity tag does not match.", want.PartNumber))
		}

		data, err := s.content.Get(ctx, got.contentID)
		if err != nil {
			return PutObjectOutput{}, fmt.Errorf("read part %d: %w", want.PartNumber, err)
		}
		if int64(body.Len())+int64(len(data)) > s.cfg.MaxObjectSize {
			return PutObjectOutput{}, apierror.ErrEntityTooLarge
		}
		body.Write(data)
	}

	out, err := s.PutObject(ctx, PutObjectInput{
		Bucket:      up.Bucket,
		Key:         up.Key,
		Body:        body.Bytes(),
		ContentType: up.ContentType,
		Metadata:    up.Metadata,
	})
	if err != nil {
		return PutObjectOutput{}, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, in.UploadID); err != nil {
		s.log.Error("Clear completed multipart upload", "uploadId", in.UploadID, "err", err)
	}

	s.log.Debug("Completed multipart upload", "bucket", up.Bucket, "key", up.Key, "uploadId", in.UploadID, "parts", len(in.Parts))
	return out, nil
}

// AbortMultipartUpload discards an upload and its parts.
func (s *Store) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if _, err := s.getUpload(ctx, s.db, bucket, key, uploadID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	s.log.Debug("Aborted multipart upload", "bucket", bucket, "key", key, "uploadId", uploadID)
	return nil
}

type storedPart struct {
	Part
	contentID string
}

func (s *Store) listParts(ctx context.Context, uploadID string) ([]storedPart, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_number, etag, size, uploaded_at, content_id FROM multipart_parts
		 WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	var parts []storedPart
	for rows.Next() {
		var p storedPart
		if err := rows.Scan(&p.PartNumber, &p.ETag, &p.Size, &p.LastModified, &p.contentID); err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func scanUpload(row scanner) (MultipartUpload, error) {
	var (
		up   MultipartUpload
		meta string
	)
	if err := row.Scan(&up.UploadID, &up.Bucket, &up.Key, &up.ContentType, &meta, &up.Initiated); err != nil {
		return MultipartUpload{}, err
	}
	up.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(meta), &up.Metadata); err != nil {
		return MultipartUpload{}, fmt.Errorf("decode upload metadata: %w", err)
	}
	return up, nil
}

// getUpload finds an upload that belongs to bucket/key.
func (s *Store) getUpload(ctx context.Context, q querier, bucket, key, uploadID string) (MultipartUpload, error) {
	if _, err := getBucket(ctx, q, bucket); err != nil {
		return MultipartUpload{}, err
	}

	row := q.QueryRowContext(ctx,
		`SELECT upload_id, bucket, key, content_type, metadata, initiated_at FROM multipart_uploads
		 WHERE upload_id = ? AND bucket = ? AND key = ?`, uploadID, bucket, key)
	up, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MultipartUpload{}, apierror.ErrNoSuchUpload
	}
	if err != nil {
		return MultipartUpload{}, fmt.Errorf("lookup multipart upload: %w", err)
	}
	return up, nil
}
