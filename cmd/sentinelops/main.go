package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinelops/internal/access"
	"sentinelops/internal/auth"
	"sentinelops/internal/config"
	"sentinelops/internal/db"
	"sentinelops/internal/httpserver"
	"sentinelops/internal/incidents"
	"sentinelops/internal/logging"
	"sentinelops/internal/scans"
)

func main() {
	configPath := flag.String("config", "config/sentinelops.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.UsingDevSecret() {
		logger.Warn("using development JWT secret; set SENTINELOPS_JWT_SECRET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect, err := db.ParseDialect(cfg.Database.Driver)
	if err != nil {
		log.Fatalf("database driver: %v", err)
	}
	dbConn, err := db.Open(ctx, dialect, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()

	if err := db.Migrate(ctx, dbConn, dialect); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	userStore := auth.NewStore(dbConn)
	seeded, err := userStore.SeedFromFile(ctx, cfg.Auth.UsersPath)
	if err != nil {
		log.Fatalf("seed users: %v", err)
	}
	if seeded > 0 {
		logger.Info("seeded users", "count", seeded, "path", cfg.Auth.UsersPath)
	}
	authSvc := auth.NewService(userStore, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	authz, err := access.NewAuthorizer()
	if err != nil {
		log.Fatalf("authorizer: %v", err)
	}
	incidentStore := incidents.NewStore(dbConn, cfg.Incidents.NumberRetries)
	incidentSvc := incidents.NewService(incidentStore, userStore, authz, logger, incidents.Options{
		RecentWindowDays: cfg.Incidents.RecentWindowDays,
		TrendMonths:      cfg.Incidents.TrendMonths,
		TrendZeroFill:    cfg.Incidents.TrendZeroFill,
	})

	rules, err := scans.LoadRules(cfg.Ingest.RulesPath)
	if err != nil {
		log.Fatalf("load triage rules: %v", err)
	}
	if cfg.Ingest.Token == "" {
		logger.Warn("SENTINELOPS_INGEST_TOKEN not set; scan intake will reject every request")
	}

	handler := httpserver.NewRouter(httpserver.Deps{
		Logger:         logger,
		DB:             dbConn,
		Auth:           authSvc,
		CookieName:     cfg.Auth.CookieName,
		TokenTTL:       cfg.Auth.TokenTTL,
		Incidents:      incidentSvc,
		TriageRules:    rules,
		IngestToken:    cfg.Ingest.Token,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	server := httpserver.New(cfg.HTTP.ListenAddr, handler, httpserver.Timeouts{
		Read:  cfg.HTTP.ReadTimeout,
		Write: cfg.HTTP.WriteTimeout,
		Idle:  cfg.HTTP.IdleTimeout,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", "err", err)
			os.Exit(1)
		}
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
