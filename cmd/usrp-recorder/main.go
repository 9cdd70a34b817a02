package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/usrp-recorder/internal/config"
	"github.com/skypro1111/usrp-recorder/internal/events"
	"github.com/skypro1111/usrp-recorder/internal/metrics"
	"github.com/skypro1111/usrp-recorder/internal/server"
	"github.com/skypro1111/usrp-recorder/internal/storage"
	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "usrp-recorder"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("group", cfg.Group),
		slog.String("receive_address", cfg.ReceiveAddress),
		slog.String("audio_write_path", cfg.AudioWritePath),
		slog.String("format", cfg.Storage.Format),
		slog.Int("queue_size", cfg.Storage.QueueSize),
		slog.Bool("upload_enabled", cfg.Upload.Enabled),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(reg)

	sink, uploader, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}

	conn, err := server.Listen(cfg, logger)
	if err != nil {
		return err
	}

	hubOpts := []events.Option{events.WithBufferSize(cfg.HTTP.EventBuffer)}
	if len(cfg.HTTP.AllowedOrigins) > 0 {
		hubOpts = append(hubOpts, events.WithCheckOrigin(events.AllowOrigins(cfg.HTTP.AllowedOrigins...)))
	}
	hub := events.NewHub(logger, hubOpts...)
	tracker := transmission.NewTracker(cfg.Group)
	receiver := server.NewReceiver(conn, tracker, sink, logger,
		server.WithMetrics(appMetrics),
		server.WithPublisher(hub),
		server.WithReadBufferSize(cfg.Server.ReadBufferSize),
		server.WithQueueSize(cfg.Storage.QueueSize),
		server.WithDrainTimeout(cfg.Storage.GetDrainTimeout()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return receiver.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		var httpOpts []server.HTTPOption
		if uploader != nil {
			httpOpts = append(httpOpts, server.WithUploadStats(uploader))
		}
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, receiver, hub, appMetrics, reg, httpOpts...)
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()

	stats := receiver.GetStatistics()
	logger.Info("Final receiver statistics",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("decode_errors", stats.DecodeErrors),
		slog.Uint64("transmissions_started", stats.TransmissionsStarted),
		slog.Uint64("flushes_written", stats.FlushesWritten),
		slog.Uint64("flushes_partial", stats.FlushesPartial),
		slog.Uint64("flushes_failed", stats.FlushesFailed),
	)
	if uploader != nil {
		us := uploader.GetStats()
		logger.Info("Final upload statistics",
			slog.Uint64("total_requests", us.TotalRequests),
			slog.Uint64("failed_requests", us.FailedRequests),
			slog.Uint64("total_retries", us.TotalRetries),
		)
	}

	return err
}

// buildSink composes the file store, optional uploader and flush policy.
// The uploader is nil when upload is disabled.
func buildSink(cfg *config.Config, logger *slog.Logger) (storage.Sink, *storage.Uploader, error) {
	fileStore, err := storage.NewFileStore(storage.FileStoreConfig{
		Dir:        cfg.AudioWritePath,
		Format:     cfg.Storage.Format,
		SampleRate: cfg.Storage.SampleRate,
		FileMode:   cfg.Storage.GetFileMode(),
		Sidecar:    cfg.Storage.Sidecar,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file store: %w", err)
	}

	var sink storage.Sink = fileStore
	var uploader *storage.Uploader

	if cfg.Upload.Enabled {
		uploader, err = storage.NewUploader(storage.UploaderConfig{
			Endpoint:   cfg.Upload.Endpoint,
			APIKey:     cfg.Upload.APIKey,
			Timeout:    cfg.Upload.GetTimeoutDuration(),
			MaxRetries: cfg.Upload.MaxRetries,
			Format:     cfg.Storage.Format,
			SampleRate: cfg.Storage.SampleRate,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create uploader: %w", err)
		}
		sink = storage.Multi{fileStore, uploader}
		logger.Info("Upload sink enabled", slog.String("endpoint", cfg.Upload.Endpoint))
	}

	return storage.Filter(sink, storage.Policy{
		MinDuration: cfg.Storage.GetMinDuration(),
		MaxDuration: cfg.Storage.GetMaxDuration(),
		SkipEmpty:   cfg.Storage.SkipEmpty,
	}), uploader, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
