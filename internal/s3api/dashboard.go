package s3api

import (
	"net/http"

	"depot/internal/swarm"
	"depot/internal/ui"
)

// handleDashboard implements GET /_node, an HTML overview of the node.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	buckets, err := s.objects.ListBuckets(ctx)
	if err != nil {
		s.writeJSONError(w, r, "Dashboard", err)
		return
	}

	d := ui.Dashboard{Buckets: make([]ui.Bucket, 0, len(buckets))}
	for _, b := range buckets {
		d.Buckets = append(d.Buckets, ui.Bucket{
			Name:         b.Name,
			CreationDate: formatTime(b.CreationDate),
			Versioning:   string(b.Versioning),
		})
	}

	if s.cfg.Swarm != nil {
		stats, err := s.cfg.Swarm.NodeStats(ctx)
		if err != nil {
			s.writeJSONError(w, r, "Dashboard", err)
			return
		}
		records, err := s.cfg.Swarm.ListTorrents(ctx, "")
		if err != nil {
			s.writeJSONError(w, r, "Dashboard", err)
			return
		}

		d.Swarm = true
		d.Seeding, d.Downloading, d.Paused, d.Peers = stats.Seeding, stats.Downloading, stats.Paused, stats.Peers
		for _, tier := range swarm.Tiers {
			ts := stats.Tiers[tier]
			d.Tiers = append(d.Tiers, ui.Tier{Name: string(tier), Count: ts.Count, TotalSize: ts.TotalSize})
		}
		for _, rec := range records {
			d.Torrents = append(d.Torrents, ui.Torrent{
				Name:      rec.Name,
				InfoHash:  rec.InfoHash,
				Tier:      string(rec.Tier),
				TotalSize: rec.TotalSize,
				Magnet:    rec.Magnet,
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.DashboardPage(d).Render(ctx, w); err != nil {
		s.log.Error("Render dashboard", "err", err)
	}
}
