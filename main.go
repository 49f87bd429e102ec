// Package main implements a camera stream server that keeps one ffmpeg
// RTSP-to-HLS process running per active camera and serves the results.
//
// Usage:
//
//	camstream [-config path/to/config.yaml]
//
// If -config is not specified, the server reads CONFIG_PATH or config.yaml
// in the same directory as the binary. The file is optional.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/camwall/camstream/internal/camera"
	"github.com/camwall/camstream/internal/config"
	"github.com/camwall/camstream/internal/ffmpeg"
	"github.com/camwall/camstream/internal/hls"
	"github.com/camwall/camstream/internal/logging"
	"github.com/camwall/camstream/internal/metrics"
	"github.com/camwall/camstream/internal/notify"
	"github.com/camwall/camstream/internal/service"
	"github.com/camwall/camstream/internal/stream"
	"github.com/camwall/camstream/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.yaml next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camstream %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel(), Format: cfg.Logging.Format})
	slog.Info("starting camstream", "version", Version, "config", cfg.FilePath())

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("camstream stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	cameras, err := camera.NewDirectory(cfg.Paths.CamerasFile)
	if err != nil {
		return util.WrapError("open camera directory", err)
	}
	store, err := hls.NewStore(cfg.Paths.StreamsDir)
	if err != nil {
		return util.WrapError("open streams directory", err)
	}

	launcher := &stream.ExecLauncher{
		Binary:      cfg.FFmpeg.Binary,
		Params:      ffmpegParams(cfg),
		Outputs:     store,
		StopTimeout: cfg.Stream.StopTimeout,
	}
	sup := stream.NewSupervisor(cameras, launcher, store, stream.Config{
		StartupPacing:   cfg.Stream.StartupPacing,
		RestartCooldown: cfg.Stream.RestartCooldown,
		StableAfter:     cfg.Stream.StableAfter,
	})

	notifier := notify.NewStreamNotifier(cfg.Notifications)
	sup.Subscribe(metrics.ObserveEvent)
	sup.Subscribe(notifier.HandleEvent)

	version := NewVersionChecker()
	srv := NewServer(ctx, cfg, cameras, sup, store, notifier, version)

	tree := service.NewTree(slog.Default(), service.DefaultTreeConfig())
	// Processes get a graceful signal, then WaitDelay before SIGKILL.
	tree.AddStreamService(service.NewStreamService(sup, 2*cfg.Stream.StopTimeout))
	if cfg.Watch.Enabled {
		tree.AddStreamService(service.NewWatchService(cameras.Path(), cfg.Watch.Interval, func(ctx context.Context) {
			if sup.ReconcileIfChanged(ctx) {
				slog.Info("cameras file changed, streams reconciled")
			}
		}))
	}
	tree.AddAPIService(service.NewHTTPService(srv.HTTPServer(), 0))
	tree.AddAPIService(version)

	slog.Info("web server listening", "addr", cfg.ListenAddr(), "auth", cfg.AuthEnabled())
	err = tree.Serve(ctx)

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		slog.Warn("services did not stop in time", "count", len(report))
	}
	return err
}

func ffmpegParams(cfg *config.Config) ffmpeg.Params {
	p := cfg.Primary
	return ffmpeg.Params{
		SegmentDuration: cfg.HLS.SegmentDuration,
		ListSize:        cfg.HLS.ListSize,
		Verbose:         cfg.FFmpeg.Verbose,
		Primary: ffmpeg.PrimaryParams{
			Enabled:        p.Enabled,
			Width:          p.Width,
			FrameRate:      p.FrameRate,
			GOP:            p.GOP,
			Bitrate:        p.Bitrate,
			MaxRate:        p.MaxRate,
			BufferSize:     p.BufferSize,
			Preset:         p.Preset,
			ConnectTimeout: p.ConnectTimeout,
		},
	}
}
