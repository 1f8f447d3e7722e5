package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/voxmod/internal/config"
	"github.com/satindergrewal/voxmod/internal/device"
	"github.com/satindergrewal/voxmod/internal/logging"
	"github.com/satindergrewal/voxmod/internal/metrics"
	"github.com/satindergrewal/voxmod/internal/session"
	"github.com/satindergrewal/voxmod/internal/stream"
	"github.com/satindergrewal/voxmod/internal/tts"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("voxmod stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("voxmod starting up...",
		zap.String("audio_backend", cfg.AudioBackend),
		zap.String("tts_provider", cfg.TTSProvider))

	// Audio devices
	var provider device.Provider
	switch cfg.AudioBackend {
	case config.BackendMemory:
		provider = device.NewMemory(cfg.ToneHz)
	case config.BackendSystem:
		sys, err := device.NewSystem(logger)
		if err != nil {
			return fmt.Errorf("audio system: %w", err)
		}
		defer sys.Close()
		provider = sys
	default:
		return fmt.Errorf("unknown audio backend %q", cfg.AudioBackend)
	}

	// Speech synthesis (optional -- needs an API key)
	synth, err := tts.NewProvider(cfg.TTSProvider, cfg.TTSAPIKey, cfg.TTSModel, logger)
	if err != nil {
		return err
	}
	if !synth.Available() {
		logger.Info("TTS not configured (set VOXMOD_TTS_API_KEY to enable speech)")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("voxmod", reg)

	sessions := session.NewRegistry()
	deps := session.Deps{
		Devices: provider,
		Engine:  cfg.Engine(),
		TTS:     synth,
		Metrics: collector,
		Logger:  logger,
	}

	webrtcHandler := stream.NewWebRTCHandler(sessions.Broadcaster, logger)

	// HTTP routes
	mux := http.NewServeMux()

	// Control plane
	mux.Handle("/ws", session.NewHandler(ctx, sessions, deps))

	// Monitors
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/listen", stream.NewHTTPHandler(sessions.Broadcaster, logger))
	mux.Handle("/api/clips", stream.NewClipHandler(sessions.Clip))

	// API endpoints
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		infos, err := provider.Devices()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(map[string]any{"devices": infos})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(map[string]any{
			"sessions":      sessions.Len(),
			"webrtc_peers":  webrtcHandler.PeerCount(),
			"tts_available": synth.Available(),
			"audio_backend": cfg.AudioBackend,
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("voxmod live", zap.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		// WebSocket connections are hijacked, so Shutdown does not wait for them.
		return errors.Join(err, sessions.CloseAll())
	})
	return g.Wait()
}
