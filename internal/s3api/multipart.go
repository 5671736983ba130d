package s3api

import (
	"net/http"
	"strconv"

	"depot/internal/objectstore"
)

const defaultStorageClass = "STANDARD"

// handleCreateMultipartUpload implements POST /bucket/key?uploads.
func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	up, err := s.objects.CreateMultipartUpload(r.Context(), objectstore.CreateMultipartUploadInput{
		Bucket:      bucket,
		Key:         key,
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    metadataFromHeaders(r.Header),
	})
	if err != nil {
		s.writeError(w, r, "Create multipart upload", err)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: up.UploadID,
	}
	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode initiate multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID.
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber string) {
	n, err := strconv.Atoi(partNumber)
	if err != nil {
		writeS3Error(w, "InvalidArgument", "Part number must be an integer.", r.URL.Path, http.StatusBadRequest)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.log.Warn("Read part body", "bucket", bucket, "key", key, "uploadId", uploadID, "err", err)
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	part, err := s.objects.UploadPart(r.Context(), objectstore.UploadPartInput{
		Bucket:     bucket,
		Key:        key,
		UploadID:   uploadID,
		PartNumber: n,
		Body:       body,
	})
	if err != nil {
		s.writeError(w, r, "Upload part", err)
		return
	}

	w.Header().Set("ETag", objectstore.QuoteETag(part.ETag))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID.
func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	var req CompleteMultipartUpload
	if !decodeXMLBody(w, r, &req) {
		return
	}

	parts := make([]objectstore.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, objectstore.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	out, err := s.objects.CompleteMultipartUpload(r.Context(), objectstore.CompleteMultipartUploadInput{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
		Parts:    parts,
	})
	if err != nil {
		s.writeError(w, r, "Complete multipart upload", err)
		return
	}

	if out.VersionID != "" {
		w.Header().Set("X-Amz-Version-Id", out.VersionID)
	}
	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     objectstore.QuoteETag(out.ETag),
	}
	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID.
func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if err := s.objects.AbortMultipartUpload(r.Context(), bucket, key, uploadID); err != nil {
		s.writeError(w, r, "Abort multipart upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListParts implements GET /bucket/key?uploadId=ID.
func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	up, err := s.objects.ListParts(r.Context(), bucket, key, uploadID)
	if err != nil {
		s.writeError(w, r, "List parts", err)
		return
	}

	resp := ListPartsResult{
		XMLNS:        s3XMLNamespace,
		Bucket:       bucket,
		Key:          key,
		UploadID:     uploadID,
		StorageClass: defaultStorageClass,
		MaxParts:     len(up.Parts),
	}
	for _, p := range up.Parts {
		resp.Parts = append(resp.Parts, PartItem{
			PartNumber:   p.PartNumber,
			LastModified: formatTime(p.LastModified),
			ETag:         objectstore.QuoteETag(p.ETag),
			Size:         p.Size,
		})
	}
	if n := len(up.Parts); n > 0 {
		resp.NextPartNumberMarker = up.Parts[n-1].PartNumber
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list parts XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleListMultipartUploads implements GET /bucket?uploads.
func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	prefix := r.URL.Query().Get("prefix")
	uploads, err := s.objects.ListMultipartUploads(r.Context(), bucket, prefix)
	if err != nil {
		s.writeError(w, r, "List multipart uploads", err)
		return
	}

	resp := ListMultipartUploadsResult{
		XMLNS:      s3XMLNamespace,
		Bucket:     bucket,
		Prefix:     prefix,
		MaxUploads: 1000,
	}
	for _, up := range uploads {
		resp.Uploads = append(resp.Uploads, UploadItem{
			Key:          up.Key,
			UploadID:     up.UploadID,
			Initiated:    formatTime(up.Initiated),
			StorageClass: defaultStorageClass,
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list multipart uploads XML", "bucket", bucket, "err", err)
	}
}
