package s3api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"depot/internal/apierror"
	"depot/internal/swarm"
)

type tierStatsJSON struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"total_size"`
}

type nodeStatsJSON struct {
	Tiers             map[swarm.Tier]tierStatsJSON `json:"tiers"`
	Seeding           int                          `json:"seeding"`
	Downloading       int                          `json:"downloading"`
	Paused            int                          `json:"paused"`
	Peers             int                          `json:"peers"`
	SystemWindowBytes int64                        `json:"system_window_bytes"`
}

type fileJSON struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type recordJSON struct {
	InfoHash  string     `json:"info_hash"`
	Magnet    string     `json:"magnet"`
	Name      string     `json:"name"`
	TotalSize int64      `json:"total_size"`
	Files     []fileJSON `json:"files"`
	ContentID string     `json:"content_id,omitempty"`
	Tier      swarm.Tier `json:"tier"`
	Category  string     `json:"category,omitempty"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleNodeStats implements GET /_node/stats.
func (s *Server) handleNodeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Swarm.NodeStats(r.Context())
	if err != nil {
		s.writeJSONError(w, r, "Node stats", err)
		return
	}

	resp := nodeStatsJSON{
		Tiers:             make(map[swarm.Tier]tierStatsJSON, len(swarm.Tiers)),
		Seeding:           stats.Seeding,
		Downloading:       stats.Downloading,
		Paused:            stats.Paused,
		Peers:             stats.Peers,
		SystemWindowBytes: stats.SystemWindowBytes,
	}
	for _, tier := range swarm.Tiers {
		ts := stats.Tiers[tier]
		resp.Tiers[tier] = tierStatsJSON{Count: ts.Count, TotalSize: ts.TotalSize}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListTorrents implements GET /_node/torrents[?tier=...].
func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	var tier swarm.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, err := swarm.ParseTier(raw)
		if err != nil {
			s.writeJSONError(w, r, "List torrents", apierror.ErrInvalidArgument.WithMessage(err.Error()))
			return
		}
		tier = t
	}

	records, err := s.cfg.Swarm.ListTorrents(r.Context(), tier)
	if err != nil {
		s.writeJSONError(w, r, "List torrents", err)
		return
	}

	resp := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		files := make([]fileJSON, 0, len(rec.Files))
		for _, f := range rec.Files {
			files = append(files, fileJSON{Name: f.Name, Path: f.Path, Size: f.Size})
		}
		resp = append(resp, recordJSON{
			InfoHash:  rec.InfoHash,
			Magnet:    rec.Magnet,
			Name:      rec.Name,
			TotalSize: rec.TotalSize,
			Files:     files,
			ContentID: rec.ContentID,
			Tier:      rec.Tier,
			Category:  rec.Category,
			Priority:  rec.Priority,
			CreatedAt: rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleNodeContent implements GET /_node/content/{ref}, where ref is an info
// hash or a content id. Magnet links go in the ref query parameter instead,
// since their tracker URLs do not survive path cleaning.
func (s *Server) handleNodeContent(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if ref == "" {
		ref = r.URL.Query().Get("ref")
	}
	if ref == "" {
		s.writeJSON(w, http.StatusBadRequest, errorJSON{Code: "InvalidArgument", Message: "A content reference is required."})
		return
	}

	var opts []swarm.DownloadOption
	if raw := r.URL.Query().Get("tier"); raw != "" {
		tier, err := swarm.ParseTier(raw)
		if err != nil {
			s.writeJSONError(w, r, "Download", apierror.ErrInvalidArgument.WithMessage(err.Error()))
			return
		}
		opts = append(opts, swarm.WithTier(tier))
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DownloadTimeout)
	defer cancel()

	data, err := s.cfg.Swarm.Download(ctx, ref, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.writeJSON(w, http.StatusGatewayTimeout, errorJSON{Code: "Timeout", Message: "The content did not arrive in time."})
			return
		}
		s.writeJSONError(w, r, "Download", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("Stream node content", "ref", ref, "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Encode JSON response", "err", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if e, ok := apierror.From(err); ok {
		s.writeJSON(w, e.Status, errorJSON{Code: e.Code, Message: e.Message})
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	s.log.Error(op, "path", r.URL.Path, "err", err)
	s.writeJSON(w, http.StatusInternalServerError, errorJSON{Code: apierror.ErrInternal.Code, Message: apierror.ErrInternal.Message})
}
