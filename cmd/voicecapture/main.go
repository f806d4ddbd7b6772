// Command voicecapture segments microphone frames into utterances and
// forwards them to the speech-to-text webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/robot-voice-lab/internal/capture"
	"github.com/robot-voice-lab/internal/config"
	"github.com/robot-voice-lab/internal/forward"
	"github.com/robot-voice-lab/internal/ingress"
	"github.com/robot-voice-lab/internal/logging"
	"github.com/robot-voice-lab/internal/mcp"
	"github.com/robot-voice-lab/internal/metrics"
	"github.com/robot-voice-lab/internal/recorder"
	"github.com/robot-voice-lab/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("VOICECAPTURE_CONFIG"), "path to YAML config file")
	envFile := flag.String("env-file", ".env", "optional dotenv file; set variables take precedence")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voicecapture: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicecapture: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.LogLevel)
	defer func() { _ = logging.Sync() }()
	cfg.LogSummary()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Errorw("voicecapture exited with error", "err", err)
		_ = logging.Sync()
		os.Exit(1)
	}
	logging.Infow("shutdown complete")
}

// buildSink picks the delivery target: upload only, archive then upload, or
// archive only.
func buildSink(cfg *config.Config) (capture.Sink, *recorder.Recorder, error) {
	var client *forward.Client
	if cfg.Forward.URL != "" {
		c, err := forward.New(cfg.Forward.ClientConfig(), nil)
		if err != nil {
			return nil, nil, err
		}
		client = c
	}
	if !cfg.SaveAudio.Enabled {
		return client, nil, nil
	}
	rec, err := recorder.New(cfg.SaveAudio.Dir)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return recorder.NewSink(rec, nil), rec, nil
	}
	return recorder.NewSink(rec, client), rec, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	sink, rec, err := buildSink(cfg)
	if err != nil {
		return err
	}
	dispatcher := capture.NewDispatcher(sink, m)
	engine := capture.NewEngine(cfg.Capture.EngineConfig(), dispatcher, capture.WithStats(m))
	m.ObserveRegistry(engine.Registry())
	m.ObservePending(dispatcher.Pending)

	opts := server.Options{
		Addr:            cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Registry:        engine.Registry(),
		Metrics:         m.Handler(),
		Frames:          ingress.NewHandler(engine, ingress.WithObserver(m)),
	}
	if cfg.Server.EnableMCP {
		opts.MCP = mcp.NewServer(engine, dispatcher.Pending, version)
	}
	srv := server.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if rec != nil {
		g.Go(func() error {
			return rec.RunCleaner(gctx, recorder.CleanerConfig{
				Retention: cfg.SaveAudio.Retention,
				MaxFiles:  cfg.SaveAudio.MaxFiles,
				Interval:  cfg.SaveAudio.CleanInterval,
			})
		})
	}
	runErr := g.Wait()

	// Utterances still buffered at shutdown are delivered rather than lost.
	for _, info := range engine.Registry().Snapshot() {
		if info.Recording {
			if _, err := engine.Flush(info.ChannelID); err != nil {
				logging.Warnw("flush on shutdown failed", "channel.id", info.ChannelID, "err", err)
			}
		}
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logging.Warnw("pending deliveries abandoned", "pending", dispatcher.Pending(), "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
