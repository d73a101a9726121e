package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/config"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/fetcher"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/logging"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/middleware"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/signer"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/tracing"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/widevine"
)

// API serves content keys resolved by the key source.
type API struct {
	source *widevine.KeySource
	logger *logging.Logger
}

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	_, closer, err := tracing.InitTracer(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer closer.Close()

	source, err := newKeySource(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create key source: %v", err)
	}

	api := &API{source: source, logger: logger}

	router := setupRouter(api, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

// newKeySource wires the fetcher, signer and key source from configuration.
func newKeySource(cfg *config.Config, logger *logging.Logger) (*widevine.KeySource, error) {
	requestSigner, err := newSigner(cfg.License)
	if err != nil {
		return nil, err
	}
	return widevine.New(widevine.Config{
		ServerURL:         cfg.License.ServerURL,
		Fetcher:           fetcher.NewHTTP(cfg.License.FetchTimeout),
		Signer:            requestSigner,
		AddCommonSystem:   cfg.License.AddCommonSystem,
		CryptoPeriodCount: cfg.License.CryptoPeriodCount,
		MaxAttempts:       cfg.License.MaxAttempts,
		RetryDelay:        cfg.License.RetryDelay,
		TransientStatuses: cfg.License.TransientStatuses,
		Logger:            logger,
	})
}

func newSigner(cfg config.LicenseConfig) (widevine.RequestSigner, error) {
	switch cfg.SignerType {
	case "", "none":
		return nil, nil
	case "aes":
		key, err := hex.DecodeString(cfg.AESKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode AES signing key: %w", err)
		}
		iv, err := hex.DecodeString(cfg.AESIVHex)
		if err != nil {
			return nil, fmt.Errorf("decode AES signing IV: %w", err)
		}
		return signer.NewAES(cfg.SignerName, key, iv)
	case "rsa":
		pemKey, err := os.ReadFile(cfg.RSAKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read RSA signing key: %w", err)
		}
		return signer.NewRSA(cfg.SignerName, pemKey)
	default:
		return nil, fmt.Errorf("unknown signer type %q", cfg.SignerType)
	}
}

func setupRouter(api *API, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.logger))

	// Health check and metrics
	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(rl))
	if cfg.Auth.JWTSecret != "" {
		v1.Use(middleware.JWTAuth())
	}
	{
		v1.POST("/keys/fetch", api.fetchKeys)
		v1.GET("/keys/:type", api.getKey)
		v1.GET("/keys/periods/:index/:type", api.getCryptoPeriodKey)
	}

	return router
}
