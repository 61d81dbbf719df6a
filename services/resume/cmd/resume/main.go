package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"meetra/internal/ratelimit"
	"meetra/internal/servicetoken"
	"meetra/internal/usertoken"
	"meetra/internal/util"
	"meetra/pkg/events"
	"meetra/pkg/extract"
	"meetra/pkg/fields"
	"meetra/pkg/queue"
	"meetra/pkg/scan"
	"meetra/pkg/storage"
	"meetra/pkg/store"
	"meetra/services/resume/internal/app"
	"meetra/services/resume/internal/config"
	"meetra/services/resume/internal/server"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("resume service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	records, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init record store: %w", err)
	}
	defer records.Close()

	objects, err := storage.New(ctx, storage.Config{
		Backend:   cfg.StorageBackend,
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
		Region:    cfg.StorageRegion,
		LocalPath: cfg.StorageLocalPath,
	})
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}

	scanCfg := scan.Config{
		Backend:       cfg.ScannerBackend,
		ClamdAddr:     cfg.ClamdAddr,
		HTTPURL:       cfg.ScannerURL,
		HTTPAudience:  cfg.ScannerAudience,
		Timeout:       config.Seconds(cfg.ScanTimeoutSeconds),
		MaxExpanded:   cfg.ScanMaxExpandedBytes,
		MaxRatio:      cfg.ScanMaxRatio,
		MaxZipEntries: cfg.ScanMaxZipEntries,
	}
	if strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) != "" {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
			KeyID:          cfg.InternalJWTKeyID,
			Issuer:         cfg.InternalJWTIssuer,
		})
		if err != nil {
			return fmt.Errorf("init service token signer: %w", err)
		}
		scanCfg.Signer = signer
	}
	scanner, err := scan.New(scanCfg)
	if err != nil {
		return fmt.Errorf("init scanner: %w", err)
	}

	fieldExtractor, err := fields.New(fields.Options{
		ReviewThreshold:     cfg.ReviewThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
	})
	if err != nil {
		return fmt.Errorf("init field extractor: %w", err)
	}

	var publisher events.Publisher = events.Noop{}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			return fmt.Errorf("init event publisher: %w", err)
		}
		publisher = amqpPublisher
	}
	defer publisher.Close()

	leases, err := queue.NewRedisLease(redisClient, "resume:lease")
	if err != nil {
		return fmt.Errorf("init lease: %w", err)
	}

	policy := app.Policy{
		ScanTimeout:      config.Seconds(cfg.ScanTimeoutSeconds),
		ScanMaxAttempts:  cfg.ScanMaxAttempts,
		ScanBackoffBase:  config.Millis(cfg.ScanBackoffBaseMillis),
		ScanBackoffMax:   config.Millis(cfg.ScanBackoffMaxMillis),
		ExtractTimeout:   config.Seconds(cfg.ExtractTimeoutSeconds),
		ParseTimeout:     config.Seconds(cfg.ParseTimeoutSeconds),
		ParseMaxAttempts: cfg.ParseMaxAttempts,
	}
	claimIdle := policy.MaxLeaseTTL() + time.Minute
	if claimIdle < 2*time.Minute {
		claimIdle = 2 * time.Minute
	}

	var appCore *app.App
	jobs, err := queue.NewRedisJobQueue(redisClient, queue.RedisQueueConfig{
		Stream:     cfg.QueueName,
		Group:      cfg.QueueGroup,
		MaxRetries: cfg.QueueMaxRetries,
		RetryDelay: config.Seconds(cfg.QueueRetryDelaySeconds),
		ClaimIdle:  claimIdle,
		OnExhausted: func(ctx context.Context, job queue.Job, err error) {
			appCore.HandleExhausted(ctx, job, err)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init job queue: %w", err)
	}

	textExtractor := extract.New(extract.Options{
		MaxPages:     cfg.ExtractMaxPages,
		MaxChars:     cfg.ExtractMaxChars,
		Timeout:      config.Seconds(cfg.ExtractTimeoutSeconds),
		UsePdftotext: !cfg.ExtractDisablePdftotext,
	})
	appCore, err = app.New(app.Config{
		Store:          records,
		Objects:        objects,
		Scanner:        scanner,
		Extractor:      textExtractor,
		Fields:         fieldExtractor,
		Queue:          jobs,
		Leases:         leases,
		Events:         publisher,
		Policy:         policy,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return err
	}
	users, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		return fmt.Errorf("init user token verifier: %w", err)
	}
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		return fmt.Errorf("parse internal jwt verify public keys: %w", err)
	}
	internal, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           servicetoken.ResumeAudience,
		AllowedIssuers:     cfg.InternalAllowedIssuers,
		Leeway:             servicetoken.DefaultLeeway,
	})
	if err != nil {
		return fmt.Errorf("init internal token verifier: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisClient, "resume:ratelimit:submit", cfg.SubmitRateLimitPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("init submit limiter: %w", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Users:          users,
		Internal:       internal,
		SubmitLimiter:  limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}
	srv := &http.Server{
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := jobs.Start(gctx, cfg.QueueConcurrency, appCore.HandleJob); err != nil {
			return fmt.Errorf("start workers: %w", err)
		}
		logger.Info("resume workers started", "concurrency", cfg.QueueConcurrency, "stream", cfg.QueueName)
		<-gctx.Done()
		jobs.Wait()
		return nil
	})
	g.Go(func() error {
		logger.Info("resume server listening", "addr", addr)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("resume service shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
