package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// compressedSuffix marks payload files stored zstd-compressed.
const compressedSuffix = ".zst"

// LocalFileStorage is a ContentStore that keeps payloads on the local
// filesystem under a content-addressed layout rooted at dataDir. Payloads are
// addressed by their full SHA-256 hexadecimal hash, with the first two
// characters used as a subdirectory prefix.
type LocalFileStorage struct {
	dataDir string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// LocalOption configures a LocalFileStorage.
type LocalOption func(*LocalFileStorage) error

// WithCompression stores payloads zstd-compressed at rest. Payloads written
// without compression remain readable.
func WithCompression() LocalOption {
	return func(s *LocalFileStorage) error {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		s.encoder = enc
		return nil
	}
}

// NewLocalFileStorage creates a new LocalFileStorage rooted at dataDir.
func NewLocalFileStorage(dataDir string, opts ...LocalOption) (*LocalFileStorage, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data dir must not be empty")
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &LocalFileStorage{dataDir: dataDir, decoder: dec}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ObjectPath computes the full filesystem path for the payload identified by
// hashHex.
func ObjectPath(directory string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	subdir := hashHex[:2]
	return filepath.Join(directory, subdir, hashHex), nil
}

func (s *LocalFileStorage) Put(ctx context.Context, data []byte, hint string) (string, error) {
	hashHex := ContentID(data)
	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return "", err
	}

	// Identical content is already on disk; nothing to write.
	if exists, err := s.Has(ctx, hashHex); err != nil {
		return "", err
	} else if exists {
		return hashHex, nil
	}

	payload := data
	if s.encoder != nil {
		payload = s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		objPath += compressedSuffix
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dataDir, "tmp"), "content-*")
	if err != nil {
		return "", fmt.Errorf("create temp content file: %w", err)
	}
	defer func() {
		// Best-effort cleanup; after a successful move this fails with ENOENT.
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			slog.Debug("Failed to remove temp content file", "path", tmp.Name(), "err", err)
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp content file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp content file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", err
	}
	if err := MoveFile(tmp.Name(), objPath); err != nil {
		return "", fmt.Errorf("move content into place: %w", err)
	}

	slog.Debug("Stored content", "id", hashHex, "size", len(data), "hint", hint)
	return hashHex, nil
}

func (s *LocalFileStorage) Get(ctx context.Context, id string) ([]byte, error) {
	if !validContentID(id) {
		return nil, fmt.Errorf("invalid content id %q", id)
	}
	objPath, err := ObjectPath(s.dataDir, id)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(objPath + compressedSuffix)
	if err == nil {
		data, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress content %s: %w", id, err)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	raw, err := os.ReadFile(objPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return raw, err
}

func (s *LocalFileStorage) Has(ctx context.Context, id string) (bool, error) {
	if !validContentID(id) {
		return false, nil
	}
	objPath, err := ObjectPath(s.dataDir, id)
	if err != nil {
		return false, err
	}
	for _, candidate := range []string{objPath, objPath + compressedSuffix} {
		info, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		if info.Mode().IsRegular() {
			return true, nil
		}
	}
	return false, nil
}
