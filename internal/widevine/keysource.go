// Package widevine acquires content encryption keys from a Widevine license
// server. A KeySource drives the build-sign-send-parse cycle, retries
// transport timeouts and transient license statuses, and caches resolved
// keys either flat (one key per track type) or as a sliding crypto-period
// window for live key rotation.
package widevine

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/logging"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/metrics"
	"github.com/therealutkarshpriyadarshi/keyserve/internal/tracing"
)

// KeyFetcher performs the network exchange with the license server: POST
// body to serverURL and return the raw response body. Timeout failures must
// satisfy IsTimeout; all other errors are propagated to the caller verbatim.
type KeyFetcher interface {
	Fetch(ctx context.Context, serverURL, body string) (string, error)
}

// RequestSigner produces a signature over a serialized request body and is
// identified by a signer name carried in the signed envelope.
type RequestSigner interface {
	Name() string
	Sign(message []byte) ([]byte, error)
}

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond
)

// defaultTransientStatuses is the license-status allow-list retried by
// default. The full set is a server-side contract, so it stays configurable.
var defaultTransientStatuses = []string{"INTERNAL_ERROR"}

// Config configures a KeySource.
type Config struct {
	// ServerURL is the license server endpoint.
	ServerURL string
	// Fetcher performs the HTTP exchange. Required.
	Fetcher KeyFetcher
	// Signer signs request bodies. Nil sends requests unsigned, for servers
	// that do not require authentication.
	Signer RequestSigner
	// AddCommonSystem appends the synthesized common-system entry
	// aggregating all key IDs to every resolved key.
	AddCommonSystem bool
	// CryptoPeriodCount enables key rotation when non-zero and sets the
	// window size requested per rotation fetch.
	CryptoPeriodCount uint32
	// MaxAttempts bounds fetch attempts per cycle, shared by transport
	// timeouts and transient license statuses.
	MaxAttempts int
	// RetryDelay is the initial delay between attempts; it doubles after
	// every retry.
	RetryDelay time.Duration
	// TransientStatuses overrides the retryable license-status allow-list.
	TransientStatuses []string
	// Logger defaults to a no-op logger.
	Logger *logging.Logger
}

// KeySource resolves and caches content keys for one content item. Instances
// are independent; within one instance the cache supports concurrent readers
// against a single in-flight fetch.
type KeySource struct {
	serverURL         string
	fetcher           KeyFetcher
	signer            RequestSigner
	addCommonSystem   bool
	cryptoPeriodCount uint32
	maxAttempts       int
	retryDelay        time.Duration
	transient         map[string]bool
	logger            *logging.Logger
	cache             *KeyCache

	// fetchMu serializes fetch cycles and guards the base request state.
	// Cache readers never take it.
	fetchMu    sync.Mutex
	baseParams *RequestParams
	fetched    bool
}

// New creates a KeySource. cfg.ServerURL and cfg.Fetcher are required.
func New(cfg Config) (*KeySource, error) {
	if cfg.ServerURL == "" {
		return nil, newError(CodeInvalidArgument, "server URL is required")
	}
	if cfg.Fetcher == nil {
		return nil, newError(CodeInvalidArgument, "key fetcher is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	statuses := cfg.TransientStatuses
	if statuses == nil {
		statuses = defaultTransientStatuses
	}
	transient := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		transient[s] = true
	}
	return &KeySource{
		serverURL:         cfg.ServerURL,
		fetcher:           cfg.Fetcher,
		signer:            cfg.Signer,
		addCommonSystem:   cfg.AddCommonSystem,
		cryptoPeriodCount: cfg.CryptoPeriodCount,
		maxAttempts:       cfg.MaxAttempts,
		retryDelay:        cfg.RetryDelay,
		transient:         transient,
		logger:            cfg.Logger,
		cache:             NewKeyCache(),
	}, nil
}

// FetchKeys acquires keys for params and publishes them to the flat cache.
// The request always uses the plain (non-rotation) shape, even when key
// rotation is configured: rotation windows are driven by
// GetCryptoPeriodKey, and the initial plain request keeps backward
// compatible license acquisition working.
func (s *KeySource) FetchKeys(ctx context.Context, params RequestParams) error {
	span, ctx := tracing.StartSpan(ctx, "widevine.fetch_keys")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "mode", params.Mode.String())

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	resp, err := s.fetchLicense(ctx, params, nil)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordLicenseRequest(params.Mode.String(), "error")
		return err
	}
	keys, err := resp.extractKeys(params.Mode == ModeClassic, s.addCommonSystem)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordLicenseRequest(params.Mode.String(), "error")
		return err
	}
	s.cache.StoreKeys(keys)
	s.baseParams = &params
	s.fetched = true
	metrics.RecordLicenseRequest(params.Mode.String(), "ok")
	s.logger.WithField("mode", params.Mode.String()).
		WithField("tracks", len(keys)).
		Info("License keys resolved")
	return nil
}

// GetKey returns the resolved key for trackType from the flat cache. It is a
// local lookup and never triggers network activity.
func (s *KeySource) GetKey(trackType TrackType) (*EncryptionKey, error) {
	key, err := s.cache.Key(trackType)
	metrics.RecordCacheLookup(err == nil)
	return key, err
}

// GetCryptoPeriodKey returns the key for one crypto period and track type,
// fetching rotation windows forward as needed so the retained window covers
// index before the lookup. Indices behind the current window are evicted and
// unreachable.
func (s *KeySource) GetCryptoPeriodKey(ctx context.Context, index uint32, trackType TrackType) (*EncryptionKey, error) {
	if trackType == TrackTypeUnknown {
		return nil, newError(CodeInvalidArgument, "unresolved track type")
	}
	if !s.cache.HasPeriod(index) {
		metrics.RecordCacheLookup(false)
		if err := s.fetchCryptoPeriod(ctx, index); err != nil {
			return nil, err
		}
	} else {
		metrics.RecordCacheLookup(true)
	}
	return s.cache.CryptoPeriodKey(index, trackType)
}

// fetchCryptoPeriod advances the rotation window until it covers index. Each
// fetch requests the next contiguous window and replaces the cache window
// wholesale.
func (s *KeySource) fetchCryptoPeriod(ctx context.Context, index uint32) error {
	span, ctx := tracing.StartSpan(ctx, "widevine.fetch_crypto_period")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "crypto_period_index", index)

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	if s.cryptoPeriodCount == 0 {
		return newError(CodeInvalidArgument, "key rotation is not enabled")
	}
	if !s.fetched || s.baseParams == nil {
		return newError(CodeInvalidArgument, "no license parameters: FetchKeys has not succeeded")
	}
	if s.baseParams.Mode == ModeClassic {
		return newError(CodeInvalidArgument, "key rotation is not supported for classic assets")
	}
	// Another caller may have advanced the window while we waited.
	if s.cache.HasPeriod(index) {
		return nil
	}

	next := index
	if first, count, ok := s.cache.Window(); ok {
		if index < first {
			return newError(CodeInvalidArgument, "crypto period %d was evicted", index)
		}
		next = first + count
	}
	for {
		rotation := &KeyRotation{
			FirstCryptoPeriodIndex: next,
			CryptoPeriodCount:      s.cryptoPeriodCount,
		}
		resp, err := s.fetchLicense(ctx, *s.baseParams, rotation)
		if err != nil {
			tracing.LogError(span, err)
			metrics.RecordLicenseRequest(s.baseParams.Mode.String(), "error")
			return err
		}
		periods, err := resp.extractRotationKeys(s.addCommonSystem)
		if err != nil {
			tracing.LogError(span, err)
			metrics.RecordLicenseRequest(s.baseParams.Mode.String(), "error")
			return err
		}
		s.cache.StoreWindow(next, s.cryptoPeriodCount, periods)
		metrics.RecordLicenseRequest(s.baseParams.Mode.String(), "ok")
		metrics.RecordWindowReplacement(next)
		s.logger.LogWindowUpdate(next, s.cryptoPeriodCount)
		if index < next+s.cryptoPeriodCount {
			return nil
		}
		next += s.cryptoPeriodCount
	}
}

// fetchLicense runs one bounded fetch cycle: build, sign, then up to
// maxAttempts send/parse rounds. Transport timeouts and transient license
// statuses share the attempt budget; everything else fails immediately.
func (s *KeySource) fetchLicense(ctx context.Context, params RequestParams, rotation *KeyRotation) (*licenseResponse, error) {
	body, err := buildRequest(params, rotation)
	if err != nil {
		return nil, err
	}
	// A signing failure aborts before any network activity.
	msg, err := signRequest(s.signer, body)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := s.retryDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}
		s.logger.LogFetchAttempt(params.Mode.String(), attempt, rotation != nil)

		start := time.Now()
		raw, err := s.fetcher.Fetch(ctx, s.serverURL, string(msg))
		metrics.LicenseRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if IsTimeout(err) {
				metrics.RecordRetry(metrics.RetryReasonTimeout)
				s.logger.WithError(err).Warn("License fetch timed out")
				lastErr = newError(CodeTimeout, "license request timed out: %v", err)
				continue
			}
			return nil, err
		}

		resp, err := parseResponse(raw)
		if err != nil {
			return nil, err
		}
		transient := s.transient[resp.Status]
		s.logger.LogLicenseStatus(resp.Status, transient)
		if resp.Status == licenseStatusOK {
			return resp, nil
		}
		if transient {
			metrics.RecordRetry(metrics.RetryReasonTransient)
			lastErr = newError(CodeServer, "transient license status %q", resp.Status)
			continue
		}
		return nil, newError(CodeServer, "license status %q", resp.Status)
	}
	return nil, lastErr
}

// sleepContext waits for d without holding any lock shared across key source
// instances, and aborts early on context cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
