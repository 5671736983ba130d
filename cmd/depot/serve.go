package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"depot/internal/config"
	"depot/internal/events"
	"depot/internal/metrics"
	"depot/internal/objectstore"
	"depot/internal/s3api"
	"depot/internal/storage"
	"depot/internal/swarm"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the object store and swarm node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides listen)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := setupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cfg.DataDir = absDataDir
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	content, err := openContentStore(ctx, cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	defer bus.WaitAsync()
	if _, err := bus.SubscribeAsync(events.LogSubscriber(logger)); err != nil {
		return fmt.Errorf("subscribe event log: %w", err)
	}

	objects, err := objectstore.New(ctx, cfg.MetadataPath(), content,
		objectstore.WithRegion(cfg.Region),
		objectstore.WithMaxObjectSize(cfg.Objects.MaxObjectSize),
		objectstore.WithSigningSecret([]byte(cfg.Objects.SigningSecret)),
		objectstore.WithPresignBaseURL(cfg.Objects.PresignBaseURL),
		objectstore.WithPublisher(bus),
		objectstore.WithLogger(logger.With("component", "objectstore")),
	)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	defer objects.Close()

	var (
		dist  *swarm.Distributor
		stats metrics.StatsSource
	)
	if cfg.Swarm.Enabled {
		records, err := openRecordStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer records.Close()

		engine := swarm.NewLoopbackEngine(swarm.NewLoopbackNetwork())
		dist, err = swarm.New(objects, engine, records,
			swarm.WithBucket(cfg.Swarm.Bucket),
			swarm.WithMaxConcurrentSessions(cfg.Swarm.MaxConcurrentSessions),
			swarm.WithSystemBandwidth(cfg.Swarm.SystemBandwidthMbps, cfg.Swarm.BandwidthWindow),
			swarm.WithCacheBudget(cfg.Swarm.CacheBudgetBytes),
			swarm.WithMinPopularityScore(cfg.Swarm.MinPopularityScore),
			swarm.WithSystemAutoSeed(cfg.Swarm.SystemAutoSeed),
			swarm.WithHotCache(cfg.Swarm.HotCacheMB),
			swarm.WithStatsInterval(cfg.Swarm.StatsInterval),
			swarm.WithSeedConcurrency(cfg.Swarm.SeedConcurrency),
			swarm.WithPublisher(bus),
			swarm.WithLogger(logger.With("component", "swarm")),
		)
		if err != nil {
			return fmt.Errorf("failed to create distributor: %w", err)
		}
		defer dist.Close()
		stats = dist
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.New(reg, stats)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if _, err := bus.Subscribe(collector.Observe); err != nil {
		return fmt.Errorf("subscribe metrics: %w", err)
	}

	opts := []s3api.Option{
		s3api.WithLogger(logger.With("component", "http")),
		s3api.WithMetrics(metrics.Handler(reg), collector.Instrument),
		s3api.WithDownloadTimeout(cfg.Swarm.DownloadTimeout),
	}
	if dist != nil {
		opts = append(opts, s3api.WithSwarm(dist))
	}
	server := s3api.NewServer(objects, opts...)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	eg, ctx := errgroup.WithContext(ctx)

	if dist != nil {
		if err := dist.Start(ctx); err != nil {
			return fmt.Errorf("failed to start distributor: %w", err)
		}
		if cfg.Swarm.SystemDir != "" {
			eg.Go(func() error {
				return seedSystemDir(ctx, dist, cfg.Swarm.SystemDir)
			})
		}
	}

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting Depot HTTP server", "listen", cfg.Listen, "dataDir", cfg.DataDir, "swarm", cfg.Swarm.Enabled)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Depot Started")
	err = eg.Wait()
	slog.Info("Depot Stopped")
	return err
}

func openContentStore(ctx context.Context, cfg *config.Config) (storage.ContentStore, error) {
	switch cfg.Content.Backend {
	case config.BackendMinio:
		m := cfg.Content.Minio
		store, err := storage.NewMinioStorage(ctx, storage.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Region:    m.Region,
			Secure:    m.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open remote content store: %w", err)
		}
		return store, nil
	default:
		var opts []storage.LocalOption
		if cfg.Content.Compress {
			opts = append(opts, storage.WithCompression())
		}
		store, err := storage.NewLocalFileStorage(cfg.ContentDir(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open content store: %w", err)
		}
		return store, nil
	}
}

func openRecordStore(ctx context.Context, cfg *config.Config) (swarm.RecordStore, error) {
	if cfg.Swarm.RecordStore == config.RecordStoreBolt {
		records, err := swarm.NewBoltRecordStore(cfg.RecordsPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return records, nil
	}

	records, err := swarm.NewSQLiteRecordStore(ctx, cfg.RecordsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return records, nil
}

// seedSystemDir publishes every regular file of dir as system content,
// keyed by file name.
func seedSystemDir(ctx context.Context, dist *swarm.Distributor, dir string) error {
	items, err := loadSystemItems(dir)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		slog.Warn("System content directory is empty", "dir", dir)
		return nil
	}

	start := time.Now()
	seeded, err := dist.SeedSystemContent(ctx, items)
	if err != nil {
		return fmt.Errorf("seed system content: %w", err)
	}
	slog.Info("Seeded system content", "dir", dir, "count", len(seeded), "elapsed", time.Since(start))
	return nil
}

func loadSystemItems(dir string) ([]swarm.SystemItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read system content directory: %w", err)
	}

	var items []swarm.SystemItem
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read system content %s: %w", e.Name(), err)
		}
		items = append(items, swarm.SystemItem{ContentID: e.Name(), Name: e.Name(), Data: data})
	}
	return items, nil
}
