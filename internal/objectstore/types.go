package objectstore

import "time"

// VersioningState is a bucket's versioning mode.
type VersioningState string

const (
	VersioningDisabled  VersioningState = "disabled"
	VersioningEnabled   VersioningState = "enabled"
	VersioningSuspended VersioningState = "suspended"
)

func (v VersioningState) valid() bool {
	switch v {
	case VersioningDisabled, VersioningEnabled, VersioningSuspended:
		return true
	}
	return false
}

const defaultStorageClass = "STANDARD"

// Bucket is a named container of objects.
type Bucket struct {
	Name           string
	CreationDate   time.Time
	Owner          string
	Region         string
	Versioning     VersioningState
	EncryptionMode string
}

// ObjectInfo describes one stored object or object version.
type ObjectInfo struct {
	Bucket       string
	Key          string
	ContentID    string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
	VersionID    string
	StorageClass string
	// IsLatest is set on version listings for the current version.
	IsLatest bool
}

type PutObjectInput struct {
	Bucket       string
	Key          string
	Body         []byte
	ContentType  string
	Metadata     map[string]string
	StorageClass string
}

type PutObjectOutput struct {
	ETag         string
	VersionID    string
	Size         int64
	LastModified time.Time
}

type GetObjectInput struct {
	Bucket    string
	Key       string
	VersionID string
	// Range is an HTTP byte range such as "bytes=0-99".
	Range           string
	IfNoneMatch     string
	IfModifiedSince time.Time
}

// GetObjectOutput carries an object and the selected byte window. When
// NotModified is set no body is attached.
type GetObjectOutput struct {
	Info          ObjectInfo
	Body          []byte
	ContentLength int64
	// ContentRange is set for ranged reads, e.g. "bytes 0-99/1000".
	ContentRange string
	NotModified  bool
}

type DeleteResult struct {
	Key     string
	Deleted bool
	Code    string
	Message string
}

type ListObjectsInput struct {
	Bucket            string
	Prefix            string
	Delimiter         string
	MaxKeys           int
	StartAfter        string
	ContinuationToken string
}

type ListObjectsOutput struct {
	Contents              []ObjectInfo
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
	MaxKeys               int
}

type CopyObjectInput struct {
	SourceBucket    string
	SourceKey       string
	SourceVersionID string
	DestBucket      string
	DestKey         string
	// MetadataDirective is "COPY" (default) or "REPLACE".
	MetadataDirective string
	ContentType       string
	Metadata          map[string]string
}

// MultipartUpload is an in-progress multipart upload.
type MultipartUpload struct {
	UploadID    string
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
	Initiated   time.Time
	Parts       []Part
}

// Part is one uploaded part of a multipart upload.
type Part struct {
	PartNumber   int
	ETag         string
	Size         int64
	LastModified time.Time
}

type CreateMultipartUploadInput struct {
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
}

type UploadPartInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Body       []byte
}

// CompletedPart names a part in a completion request. An empty ETag skips
// the tag comparison.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

type CompleteMultipartUploadInput struct {
	Bucket   string
	Key      string
	UploadID string
	Parts    []CompletedPart
}
