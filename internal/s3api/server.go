// Package s3api serves the object store over a subset of the S3 REST API and
// exposes the node's swarm state. It holds no storage rules of its own: every
// request is translated into one objectstore or swarm call.
package s3api

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"depot/internal/apierror"
	"depot/internal/objectstore"
	"depot/internal/swarm"
)

// Swarm is the part of the distributor served under /_node.
type Swarm interface {
	NodeStats(ctx context.Context) (swarm.NodeStats, error)
	ListTorrents(ctx context.Context, tier swarm.Tier) ([]swarm.Record, error)
	Download(ctx context.Context, ref string, opts ...swarm.DownloadOption) ([]byte, error)
}

type Config struct {
	Logger *slog.Logger
	Swarm  Swarm
	// Metrics serves the Prometheus scrape endpoint.
	Metrics http.Handler
	// Instrument wraps the whole handler, typically to record request
	// metrics.
	Instrument func(http.Handler) http.Handler
	// DownloadTimeout bounds how long a content request waits on an
	// incomplete swarm session.
	DownloadTimeout time.Duration
}

type Option func(*Config)

func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithSwarm enables the /_node endpoints.
func WithSwarm(sw Swarm) Option {
	return func(cfg *Config) {
		cfg.Swarm = sw
	}
}

// WithMetrics serves h at /_node/metrics and wraps every request with
// instrument, when not nil.
func WithMetrics(h http.Handler, instrument func(http.Handler) http.Handler) Option {
	return func(cfg *Config) {
		cfg.Metrics = h
		cfg.Instrument = instrument
	}
}

func WithDownloadTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.DownloadTimeout = d
	}
}

// Server provides a minimal S3-compatible HTTP API.
type Server struct {
	cfg     Config
	objects *objectstore.Store
	log     *slog.Logger
}

// NewServer returns a Server over objects.
func NewServer(objects *objectstore.Store, opts ...Option) *Server {
	cfg := Config{DownloadTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{cfg: cfg, objects: objects, log: cfg.Logger}
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeError maps err onto an S3 error document. Errors outside the
// apierror taxonomy are logged and reported as InternalError.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if e, ok := apierror.From(err); ok {
		writeS3Error(w, e.Code, e.Message, r.URL.Path, e.Status)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	s.log.Error(op, "path", r.URL.Path, "err", err)
	writeS3Error(w, apierror.ErrInternal.Code, apierror.ErrInternal.Message, r.URL.Path, apierror.ErrInternal.Status)
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !objectstore.IsValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !objectstore.IsValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// decodeXMLBody decodes the request body into v, answering MalformedXML on
// failure.
func decodeXMLBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := xml.NewDecoder(r.Body).Decode(v); err != nil {
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
