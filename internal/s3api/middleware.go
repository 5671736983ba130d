package s3api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"depot/internal/apierror"
	"depot/internal/objectstore"
)

// statusRecorder captures the status code and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// LogRequest logs one line per request. The level follows the status class.
// The query is left out so presign signatures never reach the log.
func LogRequest(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		}

		logger.LogAttrs(r.Context(), level, "Request",
			slog.String("remote", r.RemoteAddr),
			slog.Group("request",
				"method", r.Method,
				"path", r.URL.Path,
				"proto", r.Proto,
				"node", strings.HasPrefix(r.URL.Path, "/_node"),
			),
			slog.Group("response",
				"status", rec.status,
				"bytes", rec.bytes,
				"duration_ms", float64(elapsed.Microseconds())/1000,
			),
		)
	})
}

// RequirePresignature verifies requests carrying presign parameters. A
// presigned request must use the method it was signed for, and a signed
// content type becomes the request's content type. Requests without presign
// parameters pass through unchanged.
func (s *Server) RequirePresignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !objectstore.IsPresigned(r.URL) {
			next.ServeHTTP(w, r)
			return
		}

		req, err := s.objects.VerifyPresignedRequest(r.Method, r.URL)
		if err != nil {
			s.writeError(w, r, "Verify presigned request", err)
			return
		}

		if req.ContentType != "" && req.Operation == objectstore.OpPut {
			if ct := r.Header.Get("Content-Type"); ct != "" && ct != req.ContentType {
				writeS3Error(w, "AccessDenied", "The content type does not match the presigned URL.", r.URL.Path, http.StatusForbidden)
				return
			}
			r.Header.Set("Content-Type", req.ContentType)
		}

		next.ServeHTTP(w, r)
	})
}

// SlashFix collapses doubled slashes and drops the trailing slash of a bare
// bucket path. Object keys keep a trailing slash, since "dir/" is a distinct
// key.
func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")
		r.URL.RawPath = ""

		if trimmed := strings.TrimSuffix(r.URL.Path, "/"); trimmed != "" && !strings.Contains(trimmed[1:], "/") {
			r.URL.Path = trimmed
		}

		next.ServeHTTP(w, r)
	})
}

// Recoverer turns a handler panic into an InternalError response and logs
// the stack. http.ErrAbortHandler is re-raised so the connection is dropped.
func Recoverer(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			logger.Error("Panic in HTTP handler", "path", r.URL.Path, "panic", rvr, "stack", string(debug.Stack()))
			writeS3Error(w, apierror.ErrInternal.Code, apierror.ErrInternal.Message, r.URL.Path, apierror.ErrInternal.Status)
		}()

		next.ServeHTTP(w, r)
	})
}
