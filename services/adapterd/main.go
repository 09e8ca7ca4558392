package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	protocol "lendbridge/config"
	nativecommon "lendbridge/native/common"
	"lendbridge/observability/logging"
	telemetry "lendbridge/observability/otel"
	"lendbridge/services/adapterd/config"
	"lendbridge/services/adapterd/journal"
	"lendbridge/services/adapterd/runtime"
	"lendbridge/services/adapterd/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to adapterd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LENDBRIDGE_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "adapterd",
		Env:     env,
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
	})
	defer logCloser.Close()
	logger.Info("starting adapterd", slog.Any("config", cfg.Sanitized()))

	if cfg.Telemetry {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "adapterd",
			Environment: env,
			Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			log.Fatalf("init telemetry: %v", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	protocolCfg, err := protocol.Load(cfg.ProtocolConfig)
	if err != nil {
		log.Fatalf("load protocol config %s: %v", cfg.ProtocolConfig, err)
	}
	rt, err := runtime.New(ctx, protocolCfg, logger)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()

	ops, err := journal.Open(cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer ops.Close()

	srv, err := server.New(server.Config{
		Runtime: rt,
		Journal: ops,
		Auth: server.AuthConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   30 * time.Second,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Quota: nativecommon.Quota{
			MaxRequestsPerEpoch: cfg.Quota.MaxRequestsPerEpoch,
			MaxVolumePerEpoch:   cfg.Quota.MaxVolumePerEpoch,
			EpochSeconds:        cfg.Quota.EpochSeconds,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("adapterd listening", slog.String("addr", cfg.ListenAddress))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.String("error", err.Error()))
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}
