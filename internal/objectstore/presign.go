package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"depot/internal/apierror"
)

// Query parameters carried by presigned URLs. Clients depend on these names.
const (
	ParamOperation   = "X-Depot-Operation"
	ParamExpires     = "X-Depot-Expires"
	ParamSignature   = "X-Depot-Signature"
	ParamContentType = "X-Depot-Content-Type"
)

const (
	signatureLength   = 32
	maxPresignExpires = 7 * 24 * time.Hour
)

// Operation is the request a presigned URL authorizes. Its value is the HTTP
// method that must be used.
type Operation string

const (
	OpGet    Operation = "GET"
	OpPut    Operation = "PUT"
	OpHead   Operation = "HEAD"
	OpDelete Operation = "DELETE"
)

func (op Operation) valid() bool {
	switch op {
	case OpGet, OpPut, OpHead, OpDelete:
		return true
	}
	return false
}

type PresignInput struct {
	Bucket      string
	Key         string
	Operation   Operation
	ExpiresIn   time.Duration
	ContentType string
}

// PresignedRequest is what a verified URL authorizes.
type PresignedRequest struct {
	Bucket      string
	Key         string
	Operation   Operation
	Expires     time.Time
	ContentType string
}

// GeneratePresignedURL builds a URL under the configured base that
// authorizes one operation on bucket/key until it expires.
func (s *Store) GeneratePresignedURL(in PresignInput) (string, error) {
	if !IsValidBucketName(in.Bucket) {
		return "", apierror.ErrInvalidBucketName
	}
	if !IsValidObjectKey(in.Key) {
		return "", apierror.ErrInvalidObjectName
	}
	if !in.Operation.valid() {
		return "", apierror.ErrInvalidArgument.WithMessage(fmt.Sprintf("Unsupported presign operation %q.", in.Operation))
	}
	if in.ExpiresIn <= 0 || in.ExpiresIn > maxPresignExpires {
		return "", apierror.ErrInvalidArgument.WithMessage("Presigned URL expiry must be between 1 second and 7 days.")
	}

	base, err := url.Parse(s.cfg.PresignBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse presign base url: %w", err)
	}

	expires := s.now().Add(in.ExpiresIn).Unix()
	sig := s.sign(in.Operation, in.Bucket, in.Key, expires, in.ContentType)

	q := url.Values{}
	q.Set(ParamOperation, string(in.Operation))
	q.Set(ParamExpires, strconv.FormatInt(expires, 10))
	q.Set(ParamSignature, sig)
	if in.ContentType != "" {
		q.Set(ParamContentType, in.ContentType)
	}

	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + in.Bucket + "/" + in.Key
	u.RawPath = ""
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IsPresigned reports whether u carries presign parameters.
func IsPresigned(u *url.URL) bool {
	return u.Query().Has(ParamSignature)
}

// VerifyPresignedURL checks the signature and expiry of a presigned URL.
// Bucket and key are taken from the path, after the base URL's path prefix.
func (s *Store) VerifyPresignedURL(u *url.URL) (PresignedRequest, error) {
	q := u.Query()

	op := Operation(q.Get(ParamOperation))
	sig := q.Get(ParamSignature)
	expiresStr := q.Get(ParamExpires)
	if !op.valid() || sig == "" || expiresStr == "" {
		return PresignedRequest{}, apierror.ErrInvalidRequest.WithMessage("Missing or malformed presign parameters.")
	}

	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return PresignedRequest{}, apierror.ErrInvalidRequest.WithMessage("Malformed presign expiry.")
	}

	bucket, key, err := s.presignedPath(u.Path)
	if err != nil {
		return PresignedRequest{}, err
	}

	contentType := q.Get(ParamContentType)
	want := s.sign(op, bucket, key, expires, contentType)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return PresignedRequest{}, apierror.ErrAccessDenied.WithMessage("The request signature does not match.")
	}

	expiresAt := time.Unix(expires, 0).UTC()
	if !s.now().Before(expiresAt) {
		return PresignedRequest{}, apierror.ErrAccessDenied.WithMessage("Request has expired.")
	}

	return PresignedRequest{
		Bucket:      bucket,
		Key:         key,
		Operation:   op,
		Expires:     expiresAt,
		ContentType: contentType,
	}, nil
}

// VerifyPresignedRequest is VerifyPresignedURL plus a check that method is
// the operation the URL was signed for.
func (s *Store) VerifyPresignedRequest(method string, u *url.URL) (PresignedRequest, error) {
	req, err := s.VerifyPresignedURL(u)
	if err != nil {
		return PresignedRequest{}, err
	}
	if !strings.EqualFold(method, string(req.Operation)) {
		return PresignedRequest{}, apierror.ErrAccessDenied.WithMessage("The presigned URL does not authorize this method.")
	}
	return req, nil
}

func (s *Store) presignedPath(p string) (string, string, error) {
	if base, err := url.Parse(s.cfg.PresignBaseURL); err == nil {
		if prefix := strings.TrimSuffix(base.Path, "/"); prefix != "" {
			p = strings.TrimPrefix(p, prefix)
		}
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", apierror.ErrInvalidRequest.WithMessage("Presigned URL does not name a bucket and key.")
	}
	return bucket, key, nil
}

// sign is HMAC-SHA256 over the newline joined fields, hex encoded and cut to
// signatureLength characters.
func (s *Store) sign(op Operation, bucket, key string, expires int64, contentType string) string {
	mac := hmac.New(sha256.New, s.cfg.SigningSecret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d\n%s", op, bucket, key, expires, contentType)
	return hex.EncodeToString(mac.Sum(nil))[:signatureLength]
}
