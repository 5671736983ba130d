package events

import (
	"context"
	"log/slog"
)

// LogSubscriber returns a Handler that writes each event to logger. Error
// events are logged at warning level, everything else at info.
func LogSubscriber(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ev Event) {
		level := slog.LevelInfo
		var attrs []any

		switch e := ev.(type) {
		case Created:
			attrs = []any{"infohash", e.InfoHash, "contentId", e.ContentID, "name", e.Name, "tier", e.Tier, "size", e.Size}
		case Added:
			attrs = []any{"infohash", e.InfoHash, "contentId", e.ContentID, "tier", e.Tier, "priority", e.Priority}
		case Done:
			attrs = []any{"infohash", e.InfoHash, "contentId", e.ContentID, "tier", e.Tier, "size", e.Size}
		case Error:
			level = slog.LevelWarn
			attrs = []any{"infohash", e.InfoHash, "op", e.Op, "err", e.Err}
		case Removed:
			attrs = []any{"infohash", e.InfoHash, "contentId", e.ContentID, "tier", e.Tier}
		case Evicted:
			attrs = []any{"infohash", e.InfoHash, "contentId", e.ContentID, "shareRatio", e.ShareRatio}
		case ObjectCreated:
			level = slog.LevelDebug
			attrs = []any{"bucket", e.Bucket, "key", e.Key, "etag", e.ETag, "versionId", e.VersionID, "size", e.Size}
		case ObjectRemoved:
			level = slog.LevelDebug
			attrs = []any{"bucket", e.Bucket, "key", e.Key, "versionId", e.VersionID}
		}

		logger.Log(context.Background(), level, "Event", append([]any{"kind", ev.Kind().String()}, attrs...)...)
	}
}
