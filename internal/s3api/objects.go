package s3api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"depot/internal/objectstore"
)

const metaHeaderPrefix = "X-Amz-Meta-"

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPost implements POST /bucket/key[?subresource] for the
// multipart upload lifecycle.
func (s *Server) handleObjectPost(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		s.writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		s.writeNotImplemented(w, r, "SelectObjectContent")
	default:
		s.writeNotImplemented(w, r, "ObjectPost")
	}
}

// handleObjectGet implements GET /bucket/key to retrieve an object.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleListParts(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("attributes"):
		s.writeNotImplemented(w, r, "GetObjectAttributes")
	default:
		s.handleGetObject(w, r, bucket, key, true)
	}
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	s.handleGetObject(w, r, bucket, key, false)
}

// handleObjectDelete implements DELETE /bucket/key to delete an object, one
// of its versions, or an in-progress multipart upload.
func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleAbortMultipartUpload(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "DeleteObjectTagging")
	case q.Get("versionId") != "":
		versionID := q.Get("versionId")
		if err := s.objects.DeleteObjectVersion(r.Context(), bucket, key, versionID); err != nil {
			s.writeError(w, r, "Delete object version", err)
			return
		}
		w.Header().Set("X-Amz-Version-Id", versionID)
		w.WriteHeader(http.StatusNoContent)
	default:
		if err := s.objects.DeleteObject(r.Context(), bucket, key); err != nil {
			s.writeError(w, r, "Delete object", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleObjectPut implements PUT /bucket/key to store, copy or upload a part
// of an object.
func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		if partNumber := q.Get("partNumber"); partNumber != "" {
			if r.Header.Get("X-Amz-Copy-Source") != "" {
				s.writeNotImplemented(w, r, "UploadPartCopy")
			} else {
				s.handleUploadPart(w, r, bucket, key, uploadID, partNumber)
			}
			return
		}
	}

	if q.Has("tagging") {
		s.writeNotImplemented(w, r, "PutObjectTagging")
		return
	}

	if copySource := r.Header.Get("X-Amz-Copy-Source"); copySource != "" {
		s.handleCopyObject(w, r, bucket, key, copySource)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.log.Warn("Read request body", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	out, err := s.objects.PutObject(r.Context(), objectstore.PutObjectInput{
		Bucket:       bucket,
		Key:          key,
		Body:         body,
		ContentType:  r.Header.Get("Content-Type"),
		Metadata:     metadataFromHeaders(r.Header),
		StorageClass: r.Header.Get("X-Amz-Storage-Class"),
	})
	if err != nil {
		s.writeError(w, r, "Put object", err)
		return
	}

	w.Header().Set("ETag", objectstore.QuoteETag(out.ETag))
	if out.VersionID != "" {
		w.Header().Set("X-Amz-Version-Id", out.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// ------ Individual object API handlers ------

// handleGetObject serves GET and HEAD. Conditional and range headers are
// evaluated by the object store.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string, withBody bool) {
	in := objectstore.GetObjectInput{
		Bucket:      bucket,
		Key:         key,
		VersionID:   r.URL.Query().Get("versionId"),
		Range:       r.Header.Get("Range"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	if raw := r.Header.Get("If-Modified-Since"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			in.IfModifiedSince = t
		}
	}

	var (
		out *objectstore.GetObjectOutput
		err error
	)
	if withBody {
		out, err = s.objects.GetObject(r.Context(), in)
	} else {
		out, err = s.objects.HeadObject(r.Context(), in)
	}
	if err != nil {
		s.writeError(w, r, "Get object", err)
		return
	}

	h := w.Header()
	h.Set("Last-Modified", out.Info.LastModified.UTC().Format(http.TimeFormat))
	h.Set("ETag", objectstore.QuoteETag(out.Info.ETag))
	if out.Info.VersionID != "" {
		h.Set("X-Amz-Version-Id", out.Info.VersionID)
	}

	if out.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", out.Info.ContentType)
	h.Set("Content-Length", strconv.FormatInt(out.ContentLength, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Amz-Storage-Class", out.Info.StorageClass)
	for k, v := range out.Info.Metadata {
		h.Set(metaHeaderPrefix+k, v)
	}

	status := http.StatusOK
	if out.ContentRange != "" {
		h.Set("Content-Range", out.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if !withBody {
		return
	}
	if _, err := w.Write(out.Body); err != nil {
		s.log.Debug("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleCopyObject implements CopyObject. x-amz-copy-source is of the form
// "/source-bucket/source-key[?versionId=...]" and may be URL-encoded.
func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	src, rawQuery, _ := strings.Cut(copySource, "?")
	src = strings.TrimPrefix(src, "/")
	decoded, err := url.PathUnescape(src)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Unable to parse copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}

	srcBucket, srcKey, ok := strings.Cut(decoded, "/")
	if !ok || srcBucket == "" || srcKey == "" {
		writeS3Error(w, "InvalidRequest", "Invalid copy source.", r.URL.Path, http.StatusBadRequest)
		return
	}

	var versionID string
	if rawQuery != "" {
		values, err := url.ParseQuery(rawQuery)
		if err != nil {
			writeS3Error(w, "InvalidRequest", "Unable to parse copy source.", r.URL.Path, http.StatusBadRequest)
			return
		}
		versionID = values.Get("versionId")
	}

	out, err := s.objects.CopyObject(r.Context(), objectstore.CopyObjectInput{
		SourceBucket:      srcBucket,
		SourceKey:         srcKey,
		SourceVersionID:   versionID,
		DestBucket:        destBucket,
		DestKey:           destKey,
		MetadataDirective: r.Header.Get("X-Amz-Metadata-Directive"),
		ContentType:       r.Header.Get("Content-Type"),
		Metadata:          metadataFromHeaders(r.Header),
	})
	if err != nil {
		s.writeError(w, r, "Copy object", err)
		return
	}

	if out.VersionID != "" {
		w.Header().Set("X-Amz-Version-Id", out.VersionID)
	}
	resp := CopyObjectResult{
		XMLNS:        s3XMLNamespace,
		LastModified: formatTime(out.LastModified),
		ETag:         objectstore.QuoteETag(out.ETag),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}

// metadataFromHeaders collects x-amz-meta-* headers.
func metadataFromHeaders(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, metaHeaderPrefix) || len(values) == 0 {
			continue
		}
		meta[strings.ToLower(strings.TrimPrefix(canonical, metaHeaderPrefix))] = values[0]
	}
	return meta
}
