package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/config"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/push"
	"github.com/INLOpen/nexusvolume/recovery"
	"github.com/INLOpen/nexusvolume/remote"
	"github.com/INLOpen/nexusvolume/volume"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file // The file handle is the closer.
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexusvolume")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}

	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Volume.Dir == "" {
		logger.Error("Volume dir must be specified in the configuration file.")
		os.Exit(1)
	}
	logger.Info("Using volume directory", "path", cfg.Volume.Dir)

	compression, err := compressors.ParseCompression(cfg.Volume.Compression)
	if err != nil {
		logger.Error("Invalid compression value in config.", "value", cfg.Volume.Compression, "error", err)
		os.Exit(1)
	}

	syncMode := core.WALSyncAlways
	if strings.ToLower(cfg.Volume.SyncMode) == "disabled" {
		syncMode = core.WALSyncDisabled
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	defer tracerCleanup()

	// Published counters, exposed by the debug endpoint when enabled.
	metrics := struct {
		bytesWritten        *expvar.Int
		framesWritten       *expvar.Int
		chunksWritten       *expvar.Int
		chunkBytesWritten   *expvar.Int
		checkpointsDeferred *expvar.Int
		pushesCompleted     *expvar.Int
		pushesInterrupted   *expvar.Int
		chunksTransmitted   *expvar.Int
		bytesTransmitted    *expvar.Int
	}{
		bytesWritten:        expvar.NewInt("nexusvolume_wal_bytes_written"),
		framesWritten:       expvar.NewInt("nexusvolume_wal_frames_written"),
		chunksWritten:       expvar.NewInt("nexusvolume_chunks_written"),
		chunkBytesWritten:   expvar.NewInt("nexusvolume_chunk_bytes_written"),
		checkpointsDeferred: expvar.NewInt("nexusvolume_checkpoints_deferred"),
		pushesCompleted:     expvar.NewInt("nexusvolume_pushes_completed"),
		pushesInterrupted:   expvar.NewInt("nexusvolume_pushes_interrupted"),
		chunksTransmitted:   expvar.NewInt("nexusvolume_chunks_transmitted"),
		bytesTransmitted:    expvar.NewInt("nexusvolume_bytes_transmitted"),
	}

	vol, err := volume.Open(volume.Options{
		Dir:                 cfg.Volume.Dir,
		PageSize:            cfg.Volume.PageSize,
		SyncMode:            syncMode,
		Compression:         compression,
		UnguardedCheckpoint: !cfg.Checkpoint.Guarded,
		Logger:              logger,
		BytesWritten:        metrics.bytesWritten,
		FramesWritten:       metrics.framesWritten,
		ChunksWritten:       metrics.chunksWritten,
		ChunkBytesWritten:   metrics.chunkBytesWritten,
		CheckpointsDeferred: metrics.checkpointsDeferred,
	})
	if err != nil {
		logger.Error("Failed to open volume", "error", err)
		os.Exit(1)
	}
	defer vol.Close()

	// Refuse to run on a volume whose records contradict each other.
	verifier := recovery.NewVerifier(vol, logger)
	report, err := verifier.Verify()
	if err != nil {
		logger.Error("Volume failed verification", "error", err)
		os.Exit(1)
	}
	logger.Info("Volume verification passed",
		"state", report.State.String(),
		"confirmed_seq", report.ConfirmedSeq,
		"committed_seq", report.CommittedSeq,
		"checksum_verified", report.ChecksumVerified)

	// Optional embedded store server, for single-box deployments.
	var storeServer *remote.Server
	if cfg.StoreServer.Enabled {
		fileStore, err := remote.NewFileStore(cfg.StoreServer.DataDir, logger)
		if err != nil {
			logger.Error("Failed to open store data dir", "error", err)
			os.Exit(1)
		}
		storeServer = remote.NewServer(fileStore, logger)
	}

	dialTimeout := config.ParseDuration(cfg.Push.DialTimeout, 10*time.Second, logger)
	client := remote.NewClient(cfg.Push.StoreAddress, dialTimeout, logger)
	defer client.Close()

	coordinator := push.NewCoordinator(vol, push.Options{
		Store:             client,
		Logger:            logger,
		TracerProvider:    tp,
		MaxChunkBytes:     cfg.Push.MaxChunkBytes,
		RetryMaxAttempts:  cfg.Push.RetryMaxAttempts,
		PushesCompleted:   metrics.pushesCompleted,
		PushesInterrupted: metrics.pushesInterrupted,
		ChunksTransmitted: metrics.chunksTransmitted,
		BytesTransmitted:  metrics.bytesTransmitted,
	})

	checkpointInterval := config.ParseDuration(cfg.Checkpoint.Interval, 60*time.Second, logger)
	pushInterval := config.ParseDuration(cfg.Push.Interval, 10*time.Second, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if storeServer != nil {
		lis, err := net.Listen("tcp", cfg.StoreServer.ListenAddress)
		if err != nil {
			logger.Error("Failed to listen for store server", "address", cfg.StoreServer.ListenAddress, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			return storeServer.Start(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			storeServer.Stop()
			return nil
		})
	}

	var debugServer *http.Server
	if cfg.Debug.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/debug/vars", expvar.Handler())
		if cfg.Debug.PProfEnabled {
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
		debugServer = &http.Server{Addr: cfg.Debug.ListenAddress, Handler: mux}
		g.Go(func() error {
			logger.Info("Debug server listening", "address", cfg.Debug.ListenAddress)
			if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return debugServer.Shutdown(shutdownCtx)
		})
	}

	// Checkpoint loop. Runs through the barrier gate; a deferred checkpoint
	// simply waits for the next tick.
	g.Go(func() error {
		ticker := time.NewTicker(checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := vol.Checkpoint(0); err != nil {
					if errors.Is(err, core.ErrBarrierHeld) {
						logger.Debug("Checkpoint deferred, barrier held")
						continue
					}
					return fmt.Errorf("checkpoint loop: %w", err)
				}
			}
		}
	})

	// Push loop. Interrupted sessions are resumed on the next tick; only a
	// verification failure stops the daemon.
	g.Go(func() error {
		ticker := time.NewTicker(pushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := coordinator.Push(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					if errors.Is(err, core.ErrVolumeInconsistent) {
						return fmt.Errorf("push loop: %w", err)
					}
					logger.Warn("Push failed, will retry on next tick", "error", err)
				}
			}
		}
	})

	logger.Info("Daemon running. Press Ctrl+C to exit.")
	if err := g.Wait(); err != nil {
		logger.Error("Daemon exited with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Daemon exited gracefully.")
}
