package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"datamarket/internal/usertoken"
	"datamarket/internal/util"
	"datamarket/pkg/storage"
	"datamarket/pkg/store"
	"datamarket/services/marketplace/internal/app"
	"datamarket/services/marketplace/internal/authclient"
	"datamarket/services/marketplace/internal/config"
	"datamarket/services/marketplace/internal/metrics"
	"datamarket/services/marketplace/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway, 30*time.Second)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry, 15*time.Minute)
	shutdownTimeout, _ := config.ParseDuration("shutdownTimeout", cfg.ShutdownTimeout, 10*time.Second)

	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to init store", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to init object storage", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	workflowMetrics := metrics.NewWorkflow(reg)

	core, err := app.New(app.Config{
		Store:             dataStore,
		Objects:           objects,
		Metrics:           workflowMetrics,
		AllowedMediaTypes: cfg.AllowedMediaTypes,
		PresignExpiry:     presignExpiry,
	})
	if err != nil {
		logger.Error("failed to init app", "err", err)
		os.Exit(1)
	}

	verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
	})
	if err != nil {
		logger.Error("failed to init token verifier", "err", err)
		os.Exit(1)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		logger.Error("invalid trusted proxy list", "err", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}

	httpServer, err := server.New(server.Config{
		App:                        core,
		Auth:                       authclient.NewClient(cfg.AuthServiceURL),
		TokenVerifier:              verifier,
		Metrics:                    workflowMetrics,
		Gatherer:                   reg,
		Redis:                      redisClient,
		UploadRateLimitPerMinute:   cfg.UploadRateLimitPerMinute,
		PurchaseRateLimitPerMinute: cfg.PurchaseRateLimitPerMinute,
		TrustedProxies:             trusted,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		CORSAllowedOrigins:         cfg.CORSAllowedOrigins,
	})
	if err != nil {
		logger.Error("failed to init server", "err", err)
		os.Exit(1)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "timeout", shutdownTimeout.String())
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.FileConfig) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(cfg.AdminUserIDs...), func() {}, nil
	}
	gs, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := gs.SeedAdmins(ctx, cfg.AdminUserIDs...); err != nil {
		_ = gs.Close()
		return nil, nil, err
	}
	return gs, func() { _ = gs.Close() }, nil
}

func openObjectStore(ctx context.Context, cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint != "" {
		return storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	slog.Warn("MINIO_ENDPOINT not set; storing files on local disk", "dir", cfg.DataDir)
	return storage.NewFileStore(cfg.DataDir)
}
