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
	"strings"
	"syscall"
	"time"

	"p2potc/core/events"
	gatewayauth "p2potc/gateway/auth"
	"p2potc/gateway/middleware"
	nativecommon "p2potc/native/common"
	"p2potc/native/otc"
	"p2potc/observability"
	"p2potc/observability/logging"
	telemetry "p2potc/observability/otel"
	"p2potc/services/otcd/config"
	"p2potc/services/otcd/journal"
	"p2potc/services/otcd/payout"
	"p2potc/services/otcd/server"
	"p2potc/services/otcd/service"
	"p2potc/services/otcd/viewkey"
	"p2potc/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/otcd/config.yaml", "path to otcd configuration file (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("otcd: load config: %v", err)
	}

	logger := logging.Setup("otcd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("otcd", cfg.Environment))
	if err != nil {
		log.Fatalf("otcd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("otcd: open storage: %v", err)
	}
	defer db.Close()

	jrnl, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("otcd: open journal: %v", err)
	}
	defer jrnl.Close()

	metrics := observability.Otcd()
	vault, err := payout.NewVault(cfg.Payout.Balances)
	if err != nil {
		log.Fatalf("otcd: seed vault: %v", err)
	}
	payouts := payout.NewProcessor(
		payout.WithWallet(vault),
		payout.WithMetrics(metrics),
		payout.WithPaused(cfg.Payout.Paused),
	)

	pauses := nativecommon.NewPauseSet(cfg.Pauses...)
	for _, module := range []string{otc.ModulePost, otc.ModuleDeal, otc.ModuleAdmin} {
		metrics.SetPause(module, pauses.IsPaused(module))
	}

	hub := events.NewHub()
	svc, err := service.New(db, payouts,
		service.WithJournal(jrnl),
		service.WithPublisher(hub),
		service.WithPauses(pauses),
		service.WithWindows(cfg.Windows.ToEngine()),
		service.WithMetrics(metrics),
		service.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("otcd: service: %v", err)
	}

	engineCfg, err := cfg.Engine.ToEngine()
	if err != nil {
		log.Fatalf("otcd: engine config: %v", err)
	}
	applied, err := svc.Bootstrap(context.Background(), engineCfg)
	if err != nil {
		log.Fatalf("otcd: bootstrap engine: %v", err)
	}
	if applied {
		logger.Info("engine configuration initialised", slog.Int("admins", len(engineCfg.Admins)))
	}

	jwtSecret, err := cfg.JWT.Secret()
	if err != nil {
		log.Fatalf("otcd: %v", err)
	}
	custodySecrets, err := cfg.Custody.Secrets()
	if err != nil {
		log.Fatalf("otcd: %v", err)
	}
	custody := gatewayauth.NewAuthenticator(custodySecrets, cfg.Custody.Skew.Duration, cfg.Custody.NonceTTL.Duration,
		gatewayauth.WithNoncePersistence(gatewayauth.NewStoreNoncePersistence(db)))
	if err := custody.HydrateNonces(context.Background()); err != nil {
		log.Fatalf("otcd: hydrate custody nonces: %v", err)
	}

	baseURL := viewkey.BaseURLFunc(func(context.Context) (string, error) { return svc.AuthService() })
	if static := strings.TrimSpace(cfg.ViewKey.BaseURL); static != "" {
		baseURL = viewkey.Static(static)
	}
	viewKeys, err := viewkey.NewClient(viewkey.Config{BaseURL: baseURL, Timeout: cfg.ViewKey.Timeout.Duration})
	if err != nil {
		log.Fatalf("otcd: viewing key client: %v", err)
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for group, limit := range cfg.RateLimits {
		limits[group] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}

	srv, err := server.New(server.Config{
		ServiceName: "otcd",
		Service:     svc,
		Payouts:     payouts,
		Hub:         hub,
		Idempotency: jrnl,
		Callers: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: jwtSecret,
			Issuer:     cfg.JWT.Issuer,
			Audience:   cfg.JWT.Audience,
			ClockSkew:  cfg.JWT.ClockSkew.Duration,
		}, logger),
		Custody:     custody,
		ViewKeys:    viewKeys,
		RateLimits:  limits,
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		ExportDir:   cfg.ExportDir,
		LogRequests: cfg.Logging.LogRequests,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("otcd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reportDropped(rootCtx, hub, metrics)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("otcd listening", slog.String("addr", cfg.ListenAddress), slog.String("storage", cfg.Storage.Kind))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", slog.Any("error", err))
		os.Exit(1)
	}
}

// reportDropped mirrors the hub's dropped delivery count into metrics.
func reportDropped(ctx context.Context, hub *events.Hub, metrics *observability.OtcdMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := hub.Dropped(); dropped > seen {
				metrics.AddDropped(dropped - seen)
				seen = dropped
			}
		}
	}
}
