package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avatar-console/internal/console"
	"avatar-console/internal/livetext"
	"avatar-console/internal/mediaservice"
	"avatar-console/internal/platform/config"
	"avatar-console/internal/platform/logger"
	"avatar-console/internal/platform/metrics"
	"avatar-console/internal/playback"
	"avatar-console/internal/playback/hls"
	"avatar-console/internal/session"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	client := mediaservice.New(cfg.MediaServiceURL, mediaservice.WithLogger(log))

	var transport livetext.Transport = client
	if cfg.TextTransport == config.TextOverWebSocket {
		ws, err := livetext.NewWSTransport(cfg.MediaServiceURL, log)
		if err != nil {
			log.Error("websocket transport", "error", err)
			os.Exit(1)
		}
		defer ws.Close()
		transport = ws
	}
	dispatcher := livetext.NewDispatcher(transport, log, met)

	var engine playback.Engine
	if cfg.PlaybackMode == config.PlaybackAdaptive {
		engine = hls.NewEngine(hls.Config{
			Logger:          log,
			MaxBandwidth:    int64(cfg.HLSMaxBandwidth),
			MinPollInterval: cfg.HLSMinPoll,
		})
	}
	mirror := hls.NewMirror(cfg.HLSWindowSize, met)
	player := playback.NewManager(engine, log, met)
	player.SetSink(mirror)

	ctrl := session.New(client, dispatcher, log, met)
	ctrl.Bind(player)
	ctrl.Subscribe(func(s session.Snapshot) {
		log.Debug("session changed",
			"phase", s.Phase.String(),
			"stream_key", s.StreamKey,
			"url", s.PlaybackURL,
			"token", s.Token,
		)
	})

	h := console.NewHandler(ctrl, mirror, cfg.DefaultStreamKey, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetLive(ctrl.Snapshot().Phase == session.Live) }).ServeHTTP(w, r)
	})
	h.Mount(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("console starting",
		"port", cfg.Port,
		"media_service_url", cfg.MediaServiceURL,
		"playback_mode", cfg.PlaybackMode,
		"text_transport", cfg.TextTransport,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	ctrl.Close()
	player.Close()

	log.Info("console stopped")
}
