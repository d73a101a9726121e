// The worker keeps the crypto-period key window fetched ahead of real time
// for live packaging: it derives the current crypto period from the wall
// clock and asks the key source for it, which advances the window as needed.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/config"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/fetcher"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/logging"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/metrics"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/signer"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/tracing"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/widevine"
)

func main() {
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

	if cfg.License.CryptoPeriodCount == 0 {
		logger.Fatal("Rotation worker requires license.cryptoPeriodCount > 0")
	}

	contentID := os.Getenv("CONTENT_ID")
	if contentID == "" {
		logger.Fatal("CONTENT_ID is required")
	}
	policy := os.Getenv("POLICY")

	_, closer, err := tracing.InitTracer(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName + "-worker",
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer closer.Close()

	requestSigner, err := newSigner(cfg.License)
	if err != nil {
		logger.Fatalf("Failed to create signer: %v", err)
	}

	source, err := widevine.New(widevine.Config{
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
	if err != nil {
		logger.Fatalf("Failed to create key source: %v", err)
	}

	metricsServer := metrics.NewServer(cfg.Metrics.Port, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Fatalf("Metrics server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	if err := run(ctx, source, cfg, logger, contentID, policy); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Rotation worker failed: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorWithErr("Metrics server shutdown failed", err)
	}
	logger.Info("Rotation worker stopped")
}

// run performs the initial plain fetch, then polls the current crypto period
// once per period so the window stays ahead of playback.
func run(ctx context.Context, source *widevine.KeySource, cfg *config.Config, logger *logging.Logger, contentID, policy string) error {
	decoded, err := decodeContentID(contentID)
	if err != nil {
		return err
	}
	params := widevine.ContentIDRequest(decoded, policy)
	if err := source.FetchKeys(ctx, params); err != nil {
		return fmt.Errorf("initial key fetch: %w", err)
	}

	start := time.Now()
	ticker := time.NewTicker(cfg.License.CryptoPeriodDuration)
	defer ticker.Stop()

	// Prefetch the first period before the first tick.
	if err := prefetch(ctx, source, currentIndex(start, cfg.License.CryptoPeriodDuration), logger); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			index := currentIndex(start, cfg.License.CryptoPeriodDuration)
			if err := prefetch(ctx, source, index, logger); err != nil {
				logger.ErrorWithErr("Crypto period prefetch failed", err)
			}
		}
	}
}

func prefetch(ctx context.Context, source *widevine.KeySource, index uint32, logger *logging.Logger) error {
	// Fetch one period ahead of the currently playing one.
	_, err := source.GetCryptoPeriodKey(ctx, index+1, widevine.TrackTypeSD)
	if err != nil {
		return err
	}
	logger.WithField("crypto_period_index", index+1).Debug("Crypto period key ready")
	return nil
}

func currentIndex(start time.Time, period time.Duration) uint32 {
	return uint32(time.Since(start) / period)
}

func decodeContentID(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(s); err == nil {
		return decoded, nil
	}
	// Plain string content IDs are accepted as-is.
	return []byte(s), nil
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
