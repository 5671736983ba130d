package objectstore_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"depot/internal/apierror"
	"depot/internal/events"
	"depot/internal/objectstore"
	"depot/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestStore creates a Store backed by a temporary content directory and
// SQLite database.
func newTestStore(t *testing.T, opts ...objectstore.Option) *objectstore.Store {
	t.Helper()

	dataDir := t.TempDir()
	content, err := storage.NewLocalFileStorage(filepath.Join(dataDir, "content"))
	require.NoError(t, err, "NewLocalFileStorage error")

	opts = append([]objectstore.Option{objectstore.WithSigningSecret([]byte("test-secret"))}, opts...)
	store, err := objectstore.New(t.Context(), filepath.Join(dataDir, "metadata.sqlite"), content, opts...)
	require.NoError(t, err, "objectstore.New error")
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func mustCreateBucket(t *testing.T, store *objectstore.Store, name string) {
	t.Helper()
	_, err := store.CreateBucket(t.Context(), name, "owner", "")
	require.NoError(t, err, "CreateBucket %s", name)
}

func mustPut(t *testing.T, store *objectstore.Store, bucket, key string, body []byte) objectstore.PutObjectOutput {
	t.Helper()
	out, err := store.PutObject(t.Context(), objectstore.PutObjectInput{Bucket: bucket, Key: key, Body: body})
	require.NoError(t, err, "PutObject %s/%s", bucket, key)
	return out
}

func TestBucketNames(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	tests := []struct {
		name  string
		valid bool
	}{
		{"abc", true},
		{"my-bucket.logs", true},
		{"a1b2c3", true},
		{strings.Repeat("a", 63), true},
		{"ab", false},
		{strings.Repeat("a", 64), false},
		{"MyBucket", false},
		{"-bucket", false},
		{"bucket-", false},
		{"my..bucket", false},
		{"my.-bucket", false},
		{"my-.bucket", false},
		{"my_bucket", false},
		{"192.168.1.1", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.valid, objectstore.IsValidBucketName(tt.name), "IsValidBucketName(%q)", tt.name)

		_, err := store.CreateBucket(t.Context(), tt.name, "", "")
		if tt.valid {
			require.NoError(t, err, "CreateBucket(%q)", tt.name)
		} else {
			require.ErrorIs(t, err, apierror.ErrInvalidBucketName, "CreateBucket(%q)", tt.name)
		}
	}
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, objectstore.WithRegion("eu-west-1"))

	b, err := store.CreateBucket(t.Context(), "photos", "alice", "")
	require.NoError(t, err, "CreateBucket error")
	require.Equal(t, "eu-west-1", b.Region, "default region applies")
	require.Equal(t, objectstore.VersioningDisabled, b.Versioning)

	_, err = store.CreateBucket(t.Context(), "photos", "bob", "")
	require.ErrorIs(t, err, apierror.ErrBucketAlreadyExists)

	mustCreateBucket(t, store, "archive")
	buckets, err := store.ListBuckets(t.Context())
	require.NoError(t, err, "ListBuckets error")
	require.Len(t, buckets, 2)
	require.Equal(t, "archive", buckets[0].Name, "buckets are ordered by name")
	require.Equal(t, "photos", buckets[1].Name)
	require.Equal(t, "alice", buckets[1].Owner)

	require.NoError(t, store.PutBucketEncryption(t.Context(), "photos", "AES256"))
	require.ErrorIs(t, store.PutBucketEncryption(t.Context(), "photos", "rot13"), apierror.ErrInvalidArgument)
	got, err := store.GetBucket(t.Context(), "photos")
	require.NoError(t, err, "GetBucket error")
	require.Equal(t, "AES256", got.EncryptionMode)

	mustPut(t, store, "photos", "cat.jpg", []byte("meow"))
	require.ErrorIs(t, store.DeleteBucket(t.Context(), "photos"), apierror.ErrBucketNotEmpty)

	require.NoError(t, store.DeleteObject(t.Context(), "photos", "cat.jpg"))
	require.NoError(t, store.DeleteBucket(t.Context(), "photos"))

	require.ErrorIs(t, store.DeleteBucket(t.Context(), "photos"), apierror.ErrNoSuchBucket)
	_, err = store.GetBucket(t.Context(), "photos")
	require.ErrorIs(t, err, apierror.ErrNoSuchBucket)
}

func TestPutObjectIdempotentETag(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	first := mustPut(t, store, "bucket", "key", []byte("same bytes"))
	second := mustPut(t, store, "bucket", "key", []byte("same bytes"))
	other := mustPut(t, store, "bucket", "other", []byte("different bytes"))

	require.Equal(t, first.ETag, second.ETag, "identical bytes produce the same entity tag")
	require.NotEqual(t, first.ETag, other.ETag)
	require.Empty(t, first.VersionID, "no version id without versioning")
	require.Len(t, first.ETag, 32, "entity tag is a short hex digest")
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, objectstore.WithMaxObjectSize(8))
	mustCreateBucket(t, store, "bucket")

	_, err := store.PutObject(t.Context(), objectstore.PutObjectInput{Bucket: "missing", Key: "k", Body: []byte("x")})
	require.ErrorIs(t, err, apierror.ErrNoSuchBucket)

	_, err = store.PutObject(t.Context(), objectstore.PutObjectInput{Bucket: "bucket", Key: "", Body: []byte("x")})
	require.ErrorIs(t, err, apierror.ErrInvalidObjectName)

	_, err = store.PutObject(t.Context(), objectstore.PutObjectInput{Bucket: "bucket", Key: "big", Body: []byte("123456789")})
	require.ErrorIs(t, err, apierror.ErrEntityTooLarge)

	_, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "absent"})
	require.ErrorIs(t, err, apierror.ErrNoSuchKey)

	_, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "missing", Key: "absent"})
	require.ErrorIs(t, err, apierror.ErrNoSuchBucket)
}

func TestGetObjectMetadata(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	_, err := store.PutObject(t.Context(), objectstore.PutObjectInput{
		Bucket:      "bucket",
		Key:         "docs/readme.txt",
		Body:        []byte("read me"),
		ContentType: "text/plain",
		Metadata:    map[string]string{"X-Author": "Ada"},
	})
	require.NoError(t, err, "PutObject error")

	out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "docs/readme.txt"})
	require.NoError(t, err, "GetObject error")
	require.Equal(t, []byte("read me"), out.Body)
	require.EqualValues(t, 7, out.ContentLength)
	require.Equal(t, "text/plain", out.Info.ContentType)
	require.Equal(t, map[string]string{"x-author": "Ada"}, out.Info.Metadata, "metadata keys are lower-cased")
	require.Equal(t, storage.ContentID([]byte("read me")), out.Info.ContentID)
	require.Equal(t, "STANDARD", out.Info.StorageClass)

	head, err := store.HeadObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "docs/readme.txt"})
	require.NoError(t, err, "HeadObject error")
	require.Nil(t, head.Body, "HEAD carries no body")
	require.EqualValues(t, 7, head.ContentLength)
	require.Equal(t, out.Info.ETag, head.Info.ETag)
}

func TestGetObjectRange(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	body := []byte("0123456789abcdefghij")
	mustPut(t, store, "bucket", "digits", body)

	for k := 1; k <= len(body); k++ {
		out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{
			Bucket: "bucket",
			Key:    "digits",
			Range:  fmt.Sprintf("bytes=0-%d", k-1),
		})
		require.NoError(t, err, "GetObject range k=%d", k)
		require.Equal(t, body[:k], out.Body, "range k=%d", k)
		require.EqualValues(t, k, out.ContentLength, "content length k=%d", k)
		require.Equal(t, fmt.Sprintf("bytes 0-%d/%d", k-1, len(body)), out.ContentRange)
	}

	tests := []struct {
		rangeHeader string
		want        string
	}{
		{"bytes=5-", "56789abcdefghij"},
		{"bytes=5-7", "567"},
		{"bytes=19-19", "j"},
		{"bytes=-3", "hij"},
		{"bytes=-100", string(body)},
	}
	for _, tt := range tests {
		out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "digits", Range: tt.rangeHeader})
		require.NoError(t, err, "GetObject %s", tt.rangeHeader)
		require.Equal(t, tt.want, string(out.Body), "GetObject %s", tt.rangeHeader)
	}

	for _, bad := range []string{"bytes=20-", "bytes=0-20", "bytes=5-4", "bytes=abc", "items=0-1", "bytes=0-1,3-4"} {
		_, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "digits", Range: bad})
		require.ErrorIs(t, err, apierror.ErrInvalidRequest, "range %q should be rejected", bad)
	}
}

func TestGetObjectConditional(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")
	put := mustPut(t, store, "bucket", "key", []byte("conditional"))

	out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key", IfNoneMatch: objectstore.QuoteETag(put.ETag)})
	require.NoError(t, err, "GetObject error")
	require.True(t, out.NotModified, "matching entity tag yields NotModified")
	require.Nil(t, out.Body)

	out, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key", IfNoneMatch: `"deadbeef"`})
	require.NoError(t, err, "GetObject error")
	require.False(t, out.NotModified)
	require.Equal(t, []byte("conditional"), out.Body)

	out, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key", IfModifiedSince: put.LastModified})
	require.NoError(t, err, "GetObject error")
	require.True(t, out.NotModified, "If-Modified-Since at lastModified yields NotModified")

	out, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key", IfModifiedSince: put.LastModified.Add(-2 * time.Second)})
	require.NoError(t, err, "GetObject error")
	require.False(t, out.NotModified)
	require.Equal(t, []byte("conditional"), out.Body)

	head, err := store.HeadObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key", IfNoneMatch: "*"})
	require.NoError(t, err, "HeadObject error")
	require.True(t, head.NotModified)
}

func TestDeleteObjectIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")
	mustPut(t, store, "bucket", "key", []byte("x"))

	require.NoError(t, store.DeleteObject(t.Context(), "bucket", "key"))
	require.NoError(t, store.DeleteObject(t.Context(), "bucket", "key"), "deleting a missing key succeeds")
	require.ErrorIs(t, store.DeleteObject(t.Context(), "missing", "key"), apierror.ErrNoSuchBucket)

	_, err := store.HeadObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "key"})
	require.ErrorIs(t, err, apierror.ErrNoSuchKey)
}

func TestDeleteObjectsBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")
	mustPut(t, store, "bucket", "a", []byte("a"))
	mustPut(t, store, "bucket", "b", []byte("b"))

	results, err := store.DeleteObjects(t.Context(), "bucket", []string{"a", "missing", "b"})
	require.NoError(t, err, "DeleteObjects error")
	require.Len(t, results, 3)

	require.Equal(t, "a", results[0].Key)
	require.True(t, results[0].Deleted)
	require.Equal(t, "missing", results[1].Key)
	require.False(t, results[1].Deleted)
	require.Equal(t, "NoSuchKey", results[1].Code)
	require.True(t, results[2].Deleted)

	_, err = store.DeleteObjects(t.Context(), "nope", []string{"a"})
	require.ErrorIs(t, err, apierror.ErrNoSuchBucket)
}

func TestListObjectsDelimiter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")
	for _, key := range []string{"a/x", "a/y", "b/z"} {
		mustPut(t, store, "bucket", key, []byte(key))
	}

	out, err := store.ListObjects(t.Context(), objectstore.ListObjectsInput{Bucket: "bucket", Delimiter: "/"})
	require.NoError(t, err, "ListObjects error")
	require.Equal(t, []string{"a/", "b/"}, out.CommonPrefixes)
	require.Empty(t, out.Contents, "every key folds into a common prefix")
	require.False(t, out.IsTruncated)

	out, err = store.ListObjects(t.Context(), objectstore.ListObjectsInput{Bucket: "bucket", Prefix: "a/", Delimiter: "/"})
	require.NoError(t, err, "ListObjects error")
	require.Empty(t, out.CommonPrefixes)
	require.Len(t, out.Contents, 2)
	require.Equal(t, "a/x", out.Contents[0].Key)
	require.Equal(t, "a/y", out.Contents[1].Key)
}

func TestListObjectsPagination(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	var want []string
	for i := range 7 {
		key := fmt.Sprintf("obj-%02d", i)
		want = append(want, key)
		mustPut(t, store, "bucket", key, []byte(key))
	}
	mustPut(t, store, "bucket", "other", []byte("filtered by prefix"))

	var (
		got   []string
		token string
		pages int
	)
	for {
		out, err := store.ListObjects(t.Context(), objectstore.ListObjectsInput{
			Bucket:            "bucket",
			Prefix:            "obj-",
			MaxKeys:           3,
			ContinuationToken: token,
		})
		require.NoError(t, err, "ListObjects error")
		pages++
		for _, o := range out.Contents {
			got = append(got, o.Key)
		}
		if !out.IsTruncated {
			require.Empty(t, out.NextContinuationToken)
			break
		}
		require.Equal(t, out.Contents[len(out.Contents)-1].Key, out.NextContinuationToken, "cursor is the last content key")
		token = out.NextContinuationToken
	}

	require.Equal(t, want, got)
	require.Equal(t, 3, pages)

	out, err := store.ListObjects(t.Context(), objectstore.ListObjectsInput{Bucket: "bucket", StartAfter: "obj-04"})
	require.NoError(t, err, "ListObjects error")
	require.Len(t, out.Contents, 3)
	require.Equal(t, "obj-05", out.Contents[0].Key)
	require.Equal(t, "other", out.Contents[2].Key)
}

func TestListObjectsPrefixWithWildcards(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")
	mustPut(t, store, "bucket", "100%_done", []byte("1"))
	mustPut(t, store, "bucket", "100xxdone", []byte("2"))

	out, err := store.ListObjects(t.Context(), objectstore.ListObjectsInput{Bucket: "bucket", Prefix: "100%_"})
	require.NoError(t, err, "ListObjects error")
	require.Len(t, out.Contents, 1, "prefix is matched literally")
	require.Equal(t, "100%_done", out.Contents[0].Key)
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "src")
	mustCreateBucket(t, store, "dst")

	_, err := store.PutObject(t.Context(), objectstore.PutObjectInput{
		Bucket:      "src",
		Key:         "orig",
		Body:        []byte("copy me"),
		ContentType: "text/plain",
		Metadata:    map[string]string{"color": "blue"},
	})
	require.NoError(t, err, "PutObject error")

	_, err = store.CopyObject(t.Context(), objectstore.CopyObjectInput{
		SourceBucket: "src", SourceKey: "orig",
		DestBucket: "dst", DestKey: "copied",
	})
	require.NoError(t, err, "CopyObject error")

	out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "dst", Key: "copied"})
	require.NoError(t, err, "GetObject error")
	require.Equal(t, []byte("copy me"), out.Body)
	require.Equal(t, "text/plain", out.Info.ContentType)
	require.Equal(t, "blue", out.Info.Metadata["color"], "metadata is carried by default")

	_, err = store.CopyObject(t.Context(), objectstore.CopyObjectInput{
		SourceBucket: "src", SourceKey: "orig",
		DestBucket: "dst", DestKey: "replaced",
		MetadataDirective: "REPLACE",
		ContentType:       "application/json",
		Metadata:          map[string]string{"shape": "round"},
	})
	require.NoError(t, err, "CopyObject REPLACE error")

	out, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "dst", Key: "replaced"})
	require.NoError(t, err, "GetObject error")
	require.Equal(t, "application/json", out.Info.ContentType)
	require.Equal(t, map[string]string{"shape": "round"}, out.Info.Metadata)

	_, err = store.CopyObject(t.Context(), objectstore.CopyObjectInput{
		SourceBucket: "src", SourceKey: "missing",
		DestBucket: "dst", DestKey: "x",
	})
	require.ErrorIs(t, err, apierror.ErrNoSuchKey)
}

func TestVersionHistory(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newTestStore(t, objectstore.WithClock(clock.Now))
	mustCreateBucket(t, store, "bucket")
	require.NoError(t, store.PutBucketVersioning(t.Context(), "bucket", objectstore.VersioningEnabled))
	require.ErrorIs(t, store.PutBucketVersioning(t.Context(), "bucket", "sometimes"), apierror.ErrInvalidArgument)

	v1 := mustPut(t, store, "bucket", "doc", []byte("first"))
	clock.Advance(time.Second)
	v2 := mustPut(t, store, "bucket", "doc", []byte("second"))
	require.NotEmpty(t, v1.VersionID)
	require.NotEmpty(t, v2.VersionID)
	require.NotEqual(t, v1.VersionID, v2.VersionID)

	cur, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc"})
	require.NoError(t, err, "GetObject error")
	require.Equal(t, []byte("second"), cur.Body)
	require.Equal(t, v2.VersionID, cur.Info.VersionID)

	old, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc", VersionID: v1.VersionID})
	require.NoError(t, err, "GetObject by version error")
	require.Equal(t, []byte("first"), old.Body)

	_, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc", VersionID: "nope"})
	require.ErrorIs(t, err, apierror.ErrNoSuchVersion)

	versions, err := store.ListObjectVersions(t.Context(), "bucket", "")
	require.NoError(t, err, "ListObjectVersions error")
	require.Len(t, versions, 2)
	require.Equal(t, v2.VersionID, versions[0].VersionID, "newest version first")
	require.True(t, versions[0].IsLatest)
	require.Equal(t, v1.VersionID, versions[1].VersionID)
	require.False(t, versions[1].IsLatest)

	// Deleting the current version promotes the previous one.
	require.NoError(t, store.DeleteObjectVersion(t.Context(), "bucket", "doc", v2.VersionID))
	cur, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc"})
	require.NoError(t, err, "GetObject after version delete")
	require.Equal(t, []byte("first"), cur.Body)
	require.ErrorIs(t, store.DeleteObjectVersion(t.Context(), "bucket", "doc", v2.VersionID), apierror.ErrNoSuchVersion)

	// Deleting the key leaves the history retrievable.
	require.NoError(t, store.DeleteObject(t.Context(), "bucket", "doc"))
	_, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc"})
	require.ErrorIs(t, err, apierror.ErrNoSuchKey)
	old, err = store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "doc", VersionID: v1.VersionID})
	require.NoError(t, err, "noncurrent version survives delete")
	require.Equal(t, []byte("first"), old.Body)

	require.ErrorIs(t, store.DeleteBucket(t.Context(), "bucket"), apierror.ErrBucketNotEmpty, "retained versions keep the bucket non-empty")

	require.NoError(t, store.PutBucketVersioning(t.Context(), "bucket", objectstore.VersioningSuspended))
	suspended := mustPut(t, store, "bucket", "doc", []byte("third"))
	require.Empty(t, suspended.VersionID, "suspended buckets issue no version ids")
}

func TestObjectEventsPublished(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	_, err := bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind())
	}, events.KindObjectCreated, events.KindObjectRemoved)
	require.NoError(t, err, "Subscribe error")

	store := newTestStore(t, objectstore.WithPublisher(bus))
	mustCreateBucket(t, store, "bucket")
	mustPut(t, store, "bucket", "k", []byte("v"))
	require.NoError(t, store.DeleteObject(t.Context(), "bucket", "k"))
	require.NoError(t, store.DeleteObject(t.Context(), "bucket", "k"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []events.Kind{events.KindObjectCreated, events.KindObjectRemoved}, kinds, "a no-op delete publishes nothing")
}

func TestLifecycleRules(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	rules, err := store.GetLifecycleRules(t.Context(), "bucket")
	require.NoError(t, err, "GetLifecycleRules error")
	require.Empty(t, rules)

	days := 30
	want := []objectstore.LifecycleRule{
		{
			ID:          "archive-logs",
			Prefix:      "logs/",
			Enabled:     true,
			Transitions: []objectstore.Transition{{AfterDays: 7, StorageClass: "GLACIER"}},
			Expiration:  &objectstore.Expiration{AfterDays: &days},
		},
		{
			ID:                          "trim-versions",
			NoncurrentVersionExpiration: &objectstore.NoncurrentVersionExpiration{AfterDays: 1},
		},
	}
	require.NoError(t, store.PutLifecycleRules(t.Context(), "bucket", want))

	got, err := store.GetLifecycleRules(t.Context(), "bucket")
	require.NoError(t, err, "GetLifecycleRules error")
	require.Equal(t, want, got)

	require.NoError(t, store.DeleteLifecycleRules(t.Context(), "bucket"))
	got, err = store.GetLifecycleRules(t.Context(), "bucket")
	require.NoError(t, err, "GetLifecycleRules error")
	require.Empty(t, got)

	negative := -1
	invalid := [][]objectstore.LifecycleRule{
		{{ID: ""}},
		{{ID: "dup"}, {ID: "dup"}},
		{{ID: "neg", Transitions: []objectstore.Transition{{AfterDays: -1, StorageClass: "GLACIER"}}}},
		{{ID: "neg-exp", Expiration: &objectstore.Expiration{AfterDays: &negative}}},
		{{ID: "empty-exp", Expiration: &objectstore.Expiration{}}},
	}
	for i, rs := range invalid {
		require.ErrorIs(t, store.PutLifecycleRules(t.Context(), "bucket", rs), apierror.ErrMalformedLifecycle, "rule set %d", i)
	}

	require.ErrorIs(t, store.PutLifecycleRules(t.Context(), "missing", want), apierror.ErrNoSuchBucket)
}

func TestLargeObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	mustCreateBucket(t, store, "bucket")

	body := bytes.Repeat([]byte("0123456789"), 100_000)
	mustPut(t, store, "bucket", "big", body)

	out, err := store.GetObject(t.Context(), objectstore.GetObjectInput{Bucket: "bucket", Key: "big"})
	require.NoError(t, err, "GetObject error")
	require.Equal(t, body, out.Body)
}
