package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/blobcrypt/internal/api"
	"github.com/kenneth/blobcrypt/internal/audit"
	"github.com/kenneth/blobcrypt/internal/cache"
	"github.com/kenneth/blobcrypt/internal/config"
	"github.com/kenneth/blobcrypt/internal/metrics"
	"github.com/kenneth/blobcrypt/internal/middleware"
	"github.com/kenneth/blobcrypt/internal/pipeline"
	"github.com/kenneth/blobcrypt/internal/s3"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting blobcrypt")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx, 15*time.Second)

	if cfg.Tracing.Enabled {
		shutdown, err := middleware.InitTracing(ctx, cfg.Tracing)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush traces")
			}
		}()
		logger.WithFields(logrus.Fields{
			"exporter":       cfg.Tracing.Exporter,
			"sampling_ratio": cfg.Tracing.SamplingRatio,
		}).Info("Tracing enabled")
	}

	var client s3.Client
	if cfg.Backend.InMemory {
		client = s3.NewMemoryClient()
		logger.Warn("Using the in-memory blob store; data is lost on exit")
	} else {
		client, err = s3.NewClient(ctx, &cfg.Backend)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create S3 client")
		}
	}

	keys, err := pipeline.OpenKeys(ctx, cfg.Encryption)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open encryption keys")
	}
	defer func() {
		if err := keys.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close key handles")
		}
	}()

	var policies *config.PolicyManager
	if len(cfg.Policies) > 0 {
		policies = config.NewPolicyManager()
		if err := policies.LoadPolicies(cfg.Policies); err != nil {
			logger.WithError(err).Fatal("Failed to load bucket policies")
		}
		logger.WithField("patterns", cfg.Policies).Info("Bucket policies loaded")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	var infoCache *cache.Cache[pipeline.BlobInfo]
	if cfg.Cache.Enabled {
		infoCache = cache.New[pipeline.BlobInfo](cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		logger.WithFields(logrus.Fields{
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Blob info cache enabled")
	}

	p, err := pipeline.New(pipeline.Config{
		Client:    client,
		Keys:      keys.Source,
		Settings:  pipeline.NewPolicySettings(cfg.Encryption, policies, keys.Active),
		Logger:    logger,
		Metrics:   m,
		Audit:     auditLogger,
		InfoCache: infoCache,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption pipeline")
	}

	logger.WithFields(logrus.Fields{
		"protocol":           cfg.Encryption.Protocol,
		"region_length":      cfg.Encryption.RegionLength,
		"key_id":             cfg.Encryption.KeyID,
		"key_wrap_algorithm": cfg.Encryption.WrapAlgorithm(),
		"require_encryption": cfg.Encryption.RequireEncryption,
	}).Info("Encryption configured")

	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware(m))
	router.Handle("/metrics", m.Handler()).Methods("GET")
	api.NewHandler(p, logger).RegisterRoutes(router)

	// Wrapped from the inside out: recovery runs first on every request.
	var httpHandler http.Handler = router
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.BucketAllowlistMiddleware(cfg.Server.AllowedBuckets, logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}
