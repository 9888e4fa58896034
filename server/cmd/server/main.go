package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamchecker/streamchecker/server/internal/alerts"
	"github.com/streamchecker/streamchecker/server/internal/api"
	"github.com/streamchecker/streamchecker/server/internal/checks"
	"github.com/streamchecker/streamchecker/server/internal/config"
	"github.com/streamchecker/streamchecker/server/internal/metrics"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
	"github.com/streamchecker/streamchecker/server/internal/scheduler"
	"github.com/streamchecker/streamchecker/server/internal/security"
	"github.com/streamchecker/streamchecker/server/internal/service"
	"github.com/streamchecker/streamchecker/server/internal/store"
	"github.com/streamchecker/streamchecker/server/internal/ws"
)

// progressInterval is how often the hub broadcasts in-flight runs.
const progressInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	watch := flag.Bool("watch", true, "reload alert rules, rate limits, check defaults and schedules when the config file changes")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("streamcheck-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setLevel(&level, cfg.LogLevel)

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"database", cfg.Database.Backend,
		"rate_limit_per_hour", cfg.Security.MaxRequestsPerHour(),
		"schedules", len(cfg.Schedule),
		"alert_rules", len(cfg.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Database.Backend, "err", err)
		os.Exit(1)
	}
	defer st.Close() //nolint:errcheck
	if mem, ok := st.(*store.Memory); ok {
		go mem.Run(ctx)
	}

	// Observers: counters, alert rules and the progress stream.
	reg := metrics.New()
	alertEngine := alerts.New(cfg.Alerts)
	hub := ws.New(progressInterval)
	go hub.Run(ctx)

	coord := pipeline.New(checks.New(cfg.Checks), st, pipeline.Options{
		Logger:    logger,
		Observers: []pipeline.Observer{reg, alertEngine, hub},
	})
	svc := service.New(st, coord, settings(cfg), logger)

	sched := scheduler.New(svc, logger)
	if err := sched.Load(cfg.Schedule); err != nil {
		slog.Error("failed to load schedule", "err", err)
		os.Exit(1)
	}
	go sched.Run(ctx)

	if *watch {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				setLevel(&level, next.LogLevel)
				svc.Reconfigure(settings(next))
				alertEngine.Reconfigure(next.Alerts)
				if err := sched.Load(next.Schedule); err != nil {
					slog.Error("schedule reload failed", "err", err)
				}
			})
			if err != nil {
				slog.Error("config watch stopped", "err", err)
			}
		}()
	}

	// One HTTP listener: REST API, metrics and the progress WebSocket.
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(svc, alertEngine, logger))
	httpMux.Handle("/metrics", reg)
	httpMux.Handle("/ws/progress", hub)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           api.CORS(cfg.Server.CORSOrigins, httpMux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("streamcheck-server shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}

// settings derives the reloadable service settings from cfg.
func settings(cfg *config.Config) service.Settings {
	return service.Settings{
		MaxRequestsPerHour: cfg.Security.MaxRequestsPerHour(),
		Defaults:           cfg.CheckDefaults(),
		Validator:          security.NewValidator(cfg.Security, nil),
	}
}

func setLevel(v *slog.LevelVar, name string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		l = slog.LevelInfo
	}
	v.Set(l)
}
