package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes a remote S3-compatible bucket used as a ContentStore.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// MinioStorage is a ContentStore that keeps each payload as one object in a
// remote S3-compatible bucket, keyed by its content identifier.
type MinioStorage struct {
	client *minio.Client
	bucket string
}

// NewMinioStorage connects to the configured endpoint. The bucket is created
// when it does not exist yet.
func NewMinioStorage(ctx context.Context, cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check content bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create content bucket %q: %w", cfg.Bucket, err)
		}
		slog.Info("Created remote content bucket", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	}

	return &MinioStorage{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStorage) Put(ctx context.Context, data []byte, hint string) (string, error) {
	id := ContentID(data)

	if exists, err := s.Has(ctx, id); err != nil {
		return "", err
	} else if exists {
		return id, nil
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if hint != "" {
		opts.UserMetadata = map[string]string{"hint": hint}
	}

	if _, err := s.client.PutObject(ctx, s.bucket, id, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("upload content %s: %w", id, err)
	}
	return id, nil
}

func (s *MinioStorage) Get(ctx context.Context, id string) ([]byte, error) {
	if !validContentID(id) {
		return nil, fmt.Errorf("invalid content id %q", id)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(id, err)
	}
	return data, nil
}

func (s *MinioStorage) Has(ctx context.Context, id string) (bool, error) {
	if !validContentID(id) {
		return false, nil
	}

	_, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat content %s: %w", id, err)
}

func (s *MinioStorage) mapError(id string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("download content %s: %w", id, err)
}
