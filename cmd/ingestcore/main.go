package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tellyhubcloud/ingestcore/internal/config"
	"github.com/tellyhubcloud/ingestcore/internal/packager"
	"github.com/tellyhubcloud/ingestcore/internal/pipeline"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("ingestcore starting",
		"version", version,
		"identity", cfg.Identity,
		"video_sources", len(cfg.VideoSources),
		"audio_sources", len(cfg.AudioSources),
		"segment", cfg.Segment,
		"window", cfg.Window,
	)

	bus := signalbus.New(slog.Default())

	var up packager.Uploader = &packager.DirUploader{Root: cfg.ManifestDir}
	if cfg.CDNServer != "" {
		up = packager.MultiUploader{
			up,
			&packager.WebDAVUploader{
				BaseURL:  cfg.CDNServer,
				Username: cfg.CDNUsername,
				Password: cfg.CDNPassword,
			},
		}
	}

	seg := packager.NewSegmenter(slog.Default(), packager.Config{
		SegmentSeconds: cfg.Segment,
		WindowSize:     cfg.Window,
		Rollover:       cfg.Rollover,
		ManifestHLS:    cfg.ManifestHLS,
		ManifestFMP4:   cfg.ManifestFMP4,
		ManifestDASH:   cfg.ManifestDASH,
		EnableHLS:      cfg.EnableHLS,
		EnableDASH:     cfg.EnableDASH,
	}, up)

	p := pipeline.New(cfg, slog.Default(), bus, seg)
	p.Supervisor().RequestStop = cancel

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	// Event observer: every signal-bus event has already been logged by
	// the bus itself; this subscription keeps the channel drained and is
	// where an operator-facing webhook would hang off.
	g.Go(func() error {
		events := bus.Subscribe(ctx, 64)
		for range events {
		}
		return nil
	})

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		metricsSrv := &http.Server{Addr: addr, Handler: promhttp.Handler()}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()

	if flushErr := seg.Flush(); flushErr != nil {
		slog.Warn("failed to flush final segment", "error", flushErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestcore stopped")
}
