package s3api

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"depot/internal/apierror"
	"depot/internal/objectstore"
)

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketPut dispatches PUT /bucket[?subresource] between CreateBucket
// and the bucket configuration APIs.
func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("versioning"):
		s.handlePutBucketVersioning(w, r, bucket)
	case q.Has("encryption"):
		s.handlePutBucketEncryption(w, r, bucket)
	case q.Has("lifecycle"):
		s.handlePutBucketLifecycle(w, r, bucket)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "PutBucketTagging")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("notification"):
		s.writeNotImplemented(w, r, "PutBucketNotificationConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		s.writeNotImplemented(w, r, "PutBucketReplication")
	default:
		s.handleCreateBucket(w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket?delete.
func (s *Server) handleBucketPost(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(w, r, bucket)
	default:
		s.writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between the listing
// APIs and bucket-level read APIs.
func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(w, r, bucket)
	case q.Has("versioning"):
		s.handleGetBucketVersioning(w, r, bucket)
	case q.Has("encryption"):
		s.handleGetBucketEncryption(w, r, bucket)
	case q.Has("lifecycle"):
		s.handleGetBucketLifecycle(w, r, bucket)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("versions"):
		s.handleListObjectVersions(w, r, bucket)
	case q.Has("uploads"):
		s.handleListMultipartUploads(w, r, bucket)
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(w, r, bucket)
	default:
		s.handleListObjects(w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket[?subresource].
func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("lifecycle"):
		if err := s.objects.DeleteLifecycleRules(r.Context(), bucket); err != nil {
			s.writeError(w, r, "Delete bucket lifecycle", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case q.Has("encryption"):
		if err := s.objects.PutBucketEncryption(r.Context(), bucket, ""); err != nil {
			s.writeError(w, r, "Delete bucket encryption", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "DeleteBucketTagging")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "DeleteBucketPolicy")
	default:
		if err := s.objects.DeleteBucket(r.Context(), bucket); err != nil {
			s.writeError(w, r, "Delete bucket", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	b, err := s.objects.GetBucket(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, "Bucket head", err)
		return
	}

	w.Header().Set("X-Amz-Bucket-Region", b.Region)
	w.WriteHeader(http.StatusOK)
}

// ------ Individual bucket API handlers ------

// handleCreateBucket implements PUT /bucket. An optional
// CreateBucketConfiguration body names the region.
func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	var conf struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}

	defer r.Body.Close()
	if err := xml.NewDecoder(r.Body).Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if _, err := s.objects.CreateBucket(r.Context(), bucket, "", conf.LocationConstraint); err != nil {
		s.writeError(w, r, "Create bucket", err)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleListBuckets implements GET / to list all buckets.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.objects.ListBuckets(r.Context())
	if err != nil {
		s.writeError(w, r, "List buckets", err)
		return
	}

	resp := ListAllMyBucketsResult{
		XMLNS: s3XMLNamespace,
		Owner: ListAllMyBucketsOwner{
			ID:          "depot",
			DisplayName: "depot",
		},
		Buckets: make([]ListAllMyBucketsEntry, 0, len(buckets)),
	}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, ListAllMyBucketsEntry{
			Name:         b.Name,
			CreationDate: formatTime(b.CreationDate),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list buckets XML", "err", err)
	}
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	b, err := s.objects.GetBucket(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, "Get bucket location", err)
		return
	}

	resp := LocationConstraint{
		XMLNS:  s3XMLNamespace,
		Region: b.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

var versioningStatus = map[objectstore.VersioningState]string{
	objectstore.VersioningEnabled:   "Enabled",
	objectstore.VersioningSuspended: "Suspended",
}

func (s *Server) handleGetBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	b, err := s.objects.GetBucket(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, "Get bucket versioning", err)
		return
	}

	resp := VersioningConfiguration{XMLNS: s3XMLNamespace, Status: versioningStatus[b.Versioning]}
	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode bucket versioning XML", "bucket", bucket, "err", err)
	}
}

func (s *Server) handlePutBucketVersioning(w http.ResponseWriter, r *http.Request, bucket string) {
	var conf VersioningConfiguration
	if !decodeXMLBody(w, r, &conf) {
		return
	}

	var state objectstore.VersioningState
	switch conf.Status {
	case "Enabled":
		state = objectstore.VersioningEnabled
	case "Suspended":
		state = objectstore.VersioningSuspended
	default:
		writeS3Error(w, "MalformedXML", "Versioning status must be Enabled or Suspended.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if err := s.objects.PutBucketVersioning(r.Context(), bucket, state); err != nil {
		s.writeError(w, r, "Put bucket versioning", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketEncryption(w http.ResponseWriter, r *http.Request, bucket string) {
	b, err := s.objects.GetBucket(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, "Get bucket encryption", err)
		return
	}
	if b.EncryptionMode == "" {
		writeS3Error(w, "ServerSideEncryptionConfigurationNotFoundError", "The server side encryption configuration was not found.", r.URL.Path, http.StatusNotFound)
		return
	}

	resp := ServerSideEncryptionConfiguration{XMLNS: s3XMLNamespace}
	resp.Rules = make([]struct {
		Apply struct {
			SSEAlgorithm string `xml:"SSEAlgorithm"`
		} `xml:"ApplyServerSideEncryptionByDefault"`
	}, 1)
	resp.Rules[0].Apply.SSEAlgorithm = b.EncryptionMode

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode bucket encryption XML", "bucket", bucket, "err", err)
	}
}

func (s *Server) handlePutBucketEncryption(w http.ResponseWriter, r *http.Request, bucket string) {
	var conf ServerSideEncryptionConfiguration
	if !decodeXMLBody(w, r, &conf) {
		return
	}
	if len(conf.Rules) != 1 {
		writeS3Error(w, "MalformedXML", "Exactly one encryption rule is supported.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if err := s.objects.PutBucketEncryption(r.Context(), bucket, conf.Rules[0].Apply.SSEAlgorithm); err != nil {
		s.writeError(w, r, "Put bucket encryption", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBucketLifecycle(w http.ResponseWriter, r *http.Request, bucket string) {
	rules, err := s.objects.GetLifecycleRules(r.Context(), bucket)
	if err != nil {
		s.writeError(w, r, "Get bucket lifecycle", err)
		return
	}
	if len(rules) == 0 {
		writeS3Error(w, "NoSuchLifecycleConfiguration", "The lifecycle configuration does not exist.", r.URL.Path, http.StatusNotFound)
		return
	}

	resp := LifecycleConfiguration{XMLNS: s3XMLNamespace}
	for _, rule := range rules {
		resp.Rules = append(resp.Rules, lifecycleRuleToXML(rule))
	}
	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode bucket lifecycle XML", "bucket", bucket, "err", err)
	}
}

func (s *Server) handlePutBucketLifecycle(w http.ResponseWriter, r *http.Request, bucket string) {
	var conf LifecycleConfiguration
	if !decodeXMLBody(w, r, &conf) {
		return
	}

	rules := make([]objectstore.LifecycleRule, 0, len(conf.Rules))
	for _, x := range conf.Rules {
		rule, err := lifecycleRuleFromXML(x)
		if err != nil {
			s.writeError(w, r, "Decode lifecycle rule", err)
			return
		}
		rules = append(rules, rule)
	}

	if err := s.objects.PutLifecycleRules(r.Context(), bucket, rules); err != nil {
		s.writeError(w, r, "Put bucket lifecycle", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func lifecycleRuleToXML(rule objectstore.LifecycleRule) LifecycleRule {
	x := LifecycleRule{ID: rule.ID, Status: "Disabled"}
	if rule.Enabled {
		x.Status = "Enabled"
	}
	x.Filter = &struct {
		Prefix string `xml:"Prefix"`
	}{Prefix: rule.Prefix}

	for _, t := range rule.Transitions {
		x.Transitions = append(x.Transitions, LifecycleTransition{Days: t.AfterDays, StorageClass: t.StorageClass})
	}
	if e := rule.Expiration; e != nil {
		x.Expiration = &LifecycleExpiration{Days: e.AfterDays}
		if e.Date != nil {
			x.Expiration.Date = e.Date.UTC().Format(time.RFC3339)
		}
	}
	if n := rule.NoncurrentVersionExpiration; n != nil {
		x.NoncurrentVersionExpiration = &NoncurrentVersionExpiration{NoncurrentDays: n.AfterDays}
	}
	return x
}

func lifecycleRuleFromXML(x LifecycleRule) (objectstore.LifecycleRule, error) {
	rule := objectstore.LifecycleRule{
		ID:      x.ID,
		Prefix:  x.Prefix,
		Enabled: strings.EqualFold(x.Status, "Enabled"),
	}
	if x.Filter != nil {
		rule.Prefix = x.Filter.Prefix
	}

	for _, t := range x.Transitions {
		rule.Transitions = append(rule.Transitions, objectstore.Transition{AfterDays: t.Days, StorageClass: t.StorageClass})
	}
	if e := x.Expiration; e != nil {
		rule.Expiration = &objectstore.Expiration{AfterDays: e.Days}
		if e.Date != "" {
			date, err := time.Parse(time.RFC3339, e.Date)
			if err != nil {
				return objectstore.LifecycleRule{}, apierror.ErrMalformedLifecycle.WithMessage("Expiration date must be an ISO 8601 timestamp.")
			}
			rule.Expiration.Date = &date
		}
	}
	if n := x.NoncurrentVersionExpiration; n != nil {
		rule.NoncurrentVersionExpiration = &objectstore.NoncurrentVersionExpiration{AfterDays: n.NoncurrentDays}
	}
	return rule, nil
}

// parseMaxKeys reads max-keys, ignoring values that are absent or not positive.
func parseMaxKeys(raw string) int {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return 0
}

func objectSummaries(infos []objectstore.ObjectInfo) []ObjectSummary {
	out := make([]ObjectSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, ObjectSummary{
			Key:          info.Key,
			LastModified: formatTime(info.LastModified),
			ETag:         objectstore.QuoteETag(info.ETag),
			Size:         info.Size,
			StorageClass: info.StorageClass,
		})
	}
	return out
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

// handleListObjects implements S3 ListObjects (v1):
// GET /bucket[?prefix=&delimiter=&marker=&max-keys=].
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	out, err := s.objects.ListObjects(r.Context(), objectstore.ListObjectsInput{
		Bucket:     bucket,
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		MaxKeys:    parseMaxKeys(q.Get("max-keys")),
		StartAfter: q.Get("marker"),
	})
	if err != nil {
		s.writeError(w, r, "List objects", err)
		return
	}

	resp := ListBucketResult{
		XMLNS:          s3XMLNamespace,
		Name:           bucket,
		Prefix:         q.Get("prefix"),
		Marker:         q.Get("marker"),
		Delimiter:      q.Get("delimiter"),
		MaxKeys:        out.MaxKeys,
		IsTruncated:    out.IsTruncated,
		Contents:       objectSummaries(out.Contents),
		CommonPrefixes: commonPrefixes(out.CommonPrefixes),
	}
	if out.IsTruncated {
		resp.NextMarker = out.NextContinuationToken
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&max-keys=&continuation-token=&start-after=].
func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	in := objectstore.ListObjectsInput{
		Bucket:            bucket,
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		MaxKeys:           parseMaxKeys(q.Get("max-keys")),
		StartAfter:        q.Get("start-after"),
		ContinuationToken: q.Get("continuation-token"),
	}

	out, err := s.objects.ListObjects(r.Context(), in)
	if err != nil {
		s.writeError(w, r, "List objects v2", err)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:                 s3XMLNamespace,
		Name:                  bucket,
		Prefix:                in.Prefix,
		Delimiter:             in.Delimiter,
		KeyCount:              len(out.Contents) + len(out.CommonPrefixes),
		MaxKeys:               out.MaxKeys,
		IsTruncated:           out.IsTruncated,
		ContinuationToken:     in.ContinuationToken,
		NextContinuationToken: out.NextContinuationToken,
		StartAfter:            in.StartAfter,
		Contents:              objectSummaries(out.Contents),
		CommonPrefixes:        commonPrefixes(out.CommonPrefixes),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectVersions implements GET /bucket?versions. Objects written
// without versioning report the version id "null".
func (s *Server) handleListObjectVersions(w http.ResponseWriter, r *http.Request, bucket string) {
	prefix := r.URL.Query().Get("prefix")
	versions, err := s.objects.ListObjectVersions(r.Context(), bucket, prefix)
	if err != nil {
		s.writeError(w, r, "List object versions", err)
		return
	}

	resp := ListVersionsResult{
		XMLNS:    s3XMLNamespace,
		Name:     bucket,
		Prefix:   prefix,
		MaxKeys:  len(versions),
		Versions: make([]ObjectVersion, 0, len(versions)),
	}
	for _, v := range versions {
		id := v.VersionID
		if id == "" {
			id = "null"
		}
		resp.Versions = append(resp.Versions, ObjectVersion{
			Key:          v.Key,
			VersionID:    id,
			IsLatest:     v.IsLatest,
			LastModified: formatTime(v.LastModified),
			ETag:         objectstore.QuoteETag(v.ETag),
			Size:         v.Size,
			StorageClass: v.StorageClass,
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode list object versions XML", "bucket", bucket, "err", err)
	}
}

// handleDeleteObjects implements POST /bucket?delete. Per-key failures are
// reported in the body; only a missing bucket fails the request.
func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	var req Delete
	if !decodeXMLBody(w, r, &req) {
		return
	}

	keys := make([]string, 0, len(req.Objects))
	for _, o := range req.Objects {
		keys = append(keys, o.Key)
	}

	results, err := s.objects.DeleteObjects(r.Context(), bucket, keys)
	if err != nil {
		s.writeError(w, r, "Delete objects", err)
		return
	}

	resp := DeleteResult{XMLNS: s3XMLNamespace}
	for _, res := range results {
		if res.Deleted {
			if !req.Quiet {
				resp.Deleted = append(resp.Deleted, DeletedObject{Key: res.Key})
			}
			continue
		}
		resp.Errors = append(resp.Errors, DeleteError{Key: res.Key, Code: res.Code, Message: res.Message})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		s.log.Error("Encode delete objects XML", "bucket", bucket, "err", err)
	}
}
