package s3api

import "net/http"

// Handler returns an http.Handler implementing the S3 API subset plus the
// /_node endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// List all buckets
	mux.HandleFunc("GET /", s.handleListBuckets)

	// Bucket-level operations
	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPut(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("HEAD /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketHead(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("DELETE /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketDelete(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("POST /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketPost(w, r, r.PathValue("bucket"))
	})

	// Object-level operations
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectHead(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectDelete(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("POST /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPost(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	// Node endpoints live on their own mux: "_node" is not a valid bucket
	// name, and the method-specific bucket patterns above would otherwise
	// conflict with them.
	node := http.NewServeMux()
	if s.cfg.Swarm != nil {
		node.HandleFunc("GET /_node/stats", s.handleNodeStats)
		node.HandleFunc("GET /_node/torrents", s.handleListTorrents)
		node.HandleFunc("GET /_node/content/{ref...}", s.handleNodeContent)
	}
	if s.cfg.Metrics != nil {
		node.Handle("GET /_node/metrics", s.cfg.Metrics)
	}

	root := http.NewServeMux()
	// SlashFix has already trimmed "/_node/" to "/_node".
	root.HandleFunc("GET /_node", s.handleDashboard)
	root.Handle("/_node/", node)
	root.Handle("/", s.RequirePresignature(mux))

	var h http.Handler = SlashFix(root)
	h = LogRequest(s.log, Recoverer(s.log, h))
	if s.cfg.Instrument != nil {
		h = s.cfg.Instrument(h)
	}
	return h
}
