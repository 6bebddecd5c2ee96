package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qaforum/api/internal/app"
	"qaforum/api/internal/attachment"
	"qaforum/api/internal/authpw"
	"qaforum/api/internal/config"
	"qaforum/api/internal/email"
	"qaforum/api/internal/export"
	"qaforum/api/internal/live"
	"qaforum/api/internal/logging"
	"qaforum/api/internal/revisions"
	"qaforum/api/internal/search"
	"qaforum/api/internal/session"
	"qaforum/api/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := store.DefaultPoolConfig()
	pool.MaxOpenConns = cfg.DBMaxOpen
	pool.MaxIdleConns = cfg.DBMaxIdle
	db, err := store.Open(ctx, cfg.DatabaseURL, pool)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return err
	}
	dataStore := store.NewPostgresStore(db)

	deps := app.Deps{
		Store:  dataStore,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
		Auth:   authpw.NewService(dataStore),
		Hub:    live.NewHub(logger, originChecker(cfg.CORSOrigin)),
		Export: export.NewService(),
		Logger: logger,
	}

	if strings.TrimSpace(cfg.RevisionsDir) != "" {
		if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
			return err
		}
		deps.Revisions = revisions.New(cfg.RevisionsDir)
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		logger.Info("refresh sessions in redis")
	} else {
		logger.Info("refresh sessions in postgres")
	}

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	deps.Search = search.NewService(meili, pgfts, logger)
	go deps.Search.Reindex(context.WithoutCancel(ctx), pgfts)

	limits, err := attachment.LoadLimits(cfg.UploadsConfigFile, attachment.DefaultLimits())
	if err != nil {
		logger.Warn("upload limits file ignored", "path", cfg.UploadsConfigFile, "error", err)
		limits = attachment.DefaultLimits()
	}
	deps.Limits = limits
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := attachment.NewMinioStore(ctx, attachment.MinioConfig{
			Endpoint:         cfg.MinioEndpoint,
			ExternalEndpoint: cfg.MinioExternalEndpoint,
			AccessKey:        cfg.MinioAccessKey,
			SecretKey:        cfg.MinioSecretKey,
			Bucket:           cfg.MinioBucket,
			UseSSL:           cfg.MinioUseSSL,
			URLExpiry:        limits.URLExpiry,
		})
		if err != nil {
			return err
		}
		deps.Attachments = objects
		logger.Info("attachments enabled", "bucket", cfg.MinioBucket)
	} else {
		logger.Warn("attachments disabled, MINIO_ENDPOINT is empty")
	}

	service := app.New(cfg, deps)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// originChecker mirrors the CORS setting for websocket upgrades.
func originChecker(corsOrigin string) func(*http.Request) bool {
	allowed := map[string]bool{}
	for _, origin := range strings.Split(corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}
	if len(allowed) == 0 || allowed["*"] {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
