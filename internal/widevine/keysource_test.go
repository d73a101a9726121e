package widevine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/pssh"
)

const (
	testServerURL  = "https://license.example.com/cenc/getcontentkey"
	testContentID  = "ContentFoo"
	testPolicy     = "PolicyFoo"
	testSignerName = "SignerFoo"
	testSignature  = "MockSignature"

	testCryptoPeriodCount = uint32(10)
)

type fakeSigner struct {
	name      string
	signature []byte
	err       error
}

func (s *fakeSigner) Name() string { return s.name }

func (s *fakeSigner) Sign(message []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.signature, nil
}

type fetchResult struct {
	body string
	err  error
}

// fakeFetcher replays scripted responses and records every request it sees.
type fakeFetcher struct {
	mu      sync.Mutex
	urls    []string
	bodies  []string
	results []fetchResult
}

func (f *fakeFetcher) Fetch(_ context.Context, serverURL, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, serverURL)
	f.bodies = append(f.bodies, body)
	if len(f.results) == 0 {
		return "", errors.New("fake fetcher: no scripted response left")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.body, r.err
}

func (f *fakeFetcher) queue(body string, err error) {
	f.mu.Lock()
	f.results = append(f.results, fetchResult{body: body, err: err})
	f.mu.Unlock()
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func newTestSource(t *testing.T, fetcher *fakeFetcher, mutate func(*Config)) *KeySource {
	t.Helper()
	cfg := Config{
		ServerURL:  testServerURL,
		Fetcher:    fetcher,
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	source, err := New(cfg)
	require.NoError(t, err)
	return source
}

// mockKeyID pads "MockKeyId<TYPE>" with '~' to the 16 bytes a real server
// issues.
func mockKeyID(trackType string) []byte {
	id := "MockKeyId" + trackType
	for len(id) < 16 {
		id += "~"
	}
	return []byte(id)
}

func mockKey(trackType string) []byte {
	return []byte("MockKey" + trackType)
}

func mockRotationKey(trackType string, index uint32) []byte {
	return []byte(fmt.Sprintf("MockKey%s@%d", trackType, index))
}

func mockPsshData(trackType string) []byte {
	return []byte("MockPsshData" + trackType)
}

func wrapLicense(inner string) string {
	return fmt.Sprintf(`{"response":%q}`, base64.StdEncoding.EncodeToString([]byte(inner)))
}

func mockLicenseResponse() string {
	tracks := make([]string, 0, 3)
	for _, trackType := range []string{"SD", "HD", "AUDIO"} {
		tracks = append(tracks, fmt.Sprintf(
			`{"type":%q,"key_id":%q,"key":%q,"pssh":[{"drm_type":"WIDEVINE","data":%q}]}`,
			trackType,
			base64.StdEncoding.EncodeToString(mockKeyID(trackType)),
			base64.StdEncoding.EncodeToString(mockKey(trackType)),
			base64.StdEncoding.EncodeToString(mockPsshData(trackType))))
	}
	return wrapLicense(`{"status":"OK","tracks":[` + strings.Join(tracks, ",") + `]}`)
}

func mockClassicLicenseResponse() string {
	tracks := make([]string, 0, 3)
	for _, trackType := range []string{"SD", "HD", "AUDIO"} {
		tracks = append(tracks, fmt.Sprintf(`{"type":%q,"key":%q}`,
			trackType, base64.StdEncoding.EncodeToString(mockKey(trackType))))
	}
	return wrapLicense(`{"status":"OK","tracks":[` + strings.Join(tracks, ",") + `]}`)
}

func mockRotationLicenseResponse(first, count uint32) string {
	var tracks []string
	for index := first; index < first+count; index++ {
		for _, trackType := range []string{"SD", "HD", "AUDIO"} {
			tracks = append(tracks, fmt.Sprintf(
				`{"type":%q,"key_id":%q,"key":%q,"crypto_period_index":%d}`,
				trackType,
				base64.StdEncoding.EncodeToString(mockKeyID(trackType)),
				base64.StdEncoding.EncodeToString(mockRotationKey(trackType, index)),
				index))
		}
	}
	return wrapLicense(`{"status":"OK","tracks":[` + strings.Join(tracks, ",") + `]}`)
}

func statusResponse(status string) string {
	return wrapLicense(fmt.Sprintf(`{"status":%q,"tracks":[]}`, status))
}

func expectedContentRequest() string {
	return fmt.Sprintf(
		`{"content_id":%q,"drm_types":["WIDEVINE"],"policy":%q,"tracks":[{"type":"SD"},{"type":"HD"},{"type":"AUDIO"}]}`,
		base64.StdEncoding.EncodeToString([]byte(testContentID)), testPolicy)
}

func expectedRotationRequest(first uint32) string {
	return fmt.Sprintf(
		`{"content_id":%q,"crypto_period_count":%d,"drm_types":["WIDEVINE"],"first_crypto_period_index":%d,"policy":%q,"tracks":[{"type":"SD"},{"type":"HD"},{"type":"AUDIO"}]}`,
		base64.StdEncoding.EncodeToString([]byte(testContentID)),
		testCryptoPeriodCount, first, testPolicy)
}

func TestFetchKeysContentID(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)

	require.Equal(t, 1, fetcher.calls())
	assert.Equal(t, testServerURL, fetcher.urls[0])
	assert.Equal(t, expectedContentRequest(), fetcher.bodies[0])

	for _, trackType := range []TrackType{TrackTypeSD, TrackTypeHD, TrackTypeAudio} {
		key, err := source.GetKey(trackType)
		require.NoError(t, err)
		assert.Equal(t, mockKeyID(trackType.String()), key.KeyID)
		assert.Equal(t, mockKey(trackType.String()), key.Key)
		require.Len(t, key.KeySystemInfo, 1)
		assert.Equal(t, WidevineSystemID, key.KeySystemInfo[0].SystemID)
		assert.Equal(t, mockPsshData(trackType.String()), key.KeySystemInfo[0].PsshData)
	}
}

func TestFetchKeysSignedEnvelope(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.Signer = &fakeSigner{name: testSignerName, signature: []byte(testSignature)}
	})

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)

	expected := fmt.Sprintf(`{"request":%q,"signature":%q,"signer":%q}`,
		base64.StdEncoding.EncodeToString([]byte(expectedContentRequest())),
		base64.StdEncoding.EncodeToString([]byte(testSignature)),
		testSignerName)
	require.Equal(t, 1, fetcher.calls())
	assert.Equal(t, expected, fetcher.bodies[0])
}

func TestFetchKeysSignatureFailure(t *testing.T) {
	fetcher := &fakeFetcher{}
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.Signer = &fakeSigner{name: testSignerName, err: errors.New("hsm unavailable")}
	})

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Contains(t, err.Error(), "Signature generation failed")
	// The failure happens before any network activity.
	assert.Equal(t, 0, fetcher.calls())
}

func TestFetchKeysTransportErrorPropagated(t *testing.T) {
	fetcher := &fakeFetcher{}
	transportErr := errors.New("connection refused")
	fetcher.queue("", transportErr)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.ErrorIs(t, err, transportErr)
	assert.Equal(t, 1, fetcher.calls())
}

func TestFetchKeysRetryOnTimeout(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue("", ErrTimeout)
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls())
}

func TestFetchKeysTimeoutBudgetExhausted(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := 0; i < 3; i++ {
		fetcher.queue("", ErrTimeout)
	}
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.Equal(t, 3, fetcher.calls())
}

func TestFetchKeysRetryOnTransientStatus(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(statusResponse("INTERNAL_ERROR"), nil)
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls())
}

func TestFetchKeysTransientBudgetExhausted(t *testing.T) {
	fetcher := &fakeFetcher{}
	for i := 0; i < 3; i++ {
		fetcher.queue(statusResponse("INTERNAL_ERROR"), nil)
	}
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeServer, CodeOf(err))
	assert.Equal(t, 3, fetcher.calls())
}

func TestFetchKeysNoRetryOnUnknownStatus(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(statusResponse("UNKNOWN_ERROR"), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeServer, CodeOf(err))
	assert.Equal(t, 1, fetcher.calls())
}

func TestFetchKeysConfiguredTransientStatuses(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(statusResponse("UNKNOWN_ERROR"), nil)
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.TransientStatuses = []string{"UNKNOWN_ERROR"}
	})

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.calls())
}

func TestFetchKeysMalformedResponse(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue("not json at all", nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeParse, CodeOf(err))
	assert.Equal(t, 1, fetcher.calls())
}

func TestFetchKeysClassic(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockClassicLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ClassicRequest(0x80038cd9))
	require.NoError(t, err)

	require.Equal(t, 1, fetcher.calls())
	expected := `{"asset_id":2147716313,"drm_types":["WIDEVINE"],"tracks":[{"type":"SD"},{"type":"HD"},{"type":"AUDIO"}]}`
	assert.Equal(t, expected, fetcher.bodies[0])

	key, err := source.GetKey(TrackTypeSD)
	require.NoError(t, err)
	assert.Empty(t, key.KeyID)
	assert.Equal(t, mockKey("SD"), key.Key)
	assert.Empty(t, key.KeySystemInfo)
}

func TestFetchKeysClassicResponseToCencRequest(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockClassicLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.Error(t, err)
	assert.Equal(t, CodeServer, CodeOf(err))
}

func TestFetchKeysKeyIDs(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	keyID := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	err := source.FetchKeys(context.Background(), KeyIDsRequest([][]byte{keyID}))
	require.NoError(t, err)

	initData := []byte{0x12, 0x06, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	expected := fmt.Sprintf(
		`{"drm_types":["WIDEVINE"],"pssh_data":%q,"tracks":[{"type":"SD"},{"type":"HD"},{"type":"AUDIO"}]}`,
		base64.StdEncoding.EncodeToString(initData))
	require.Equal(t, 1, fetcher.calls())
	assert.Equal(t, expected, fetcher.bodies[0])
}

func TestFetchKeysAddCommonSystem(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.AddCommonSystem = true
	})

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)

	allKeyIDs := [][]byte{mockKeyID("SD"), mockKeyID("HD"), mockKeyID("AUDIO")}
	for _, trackType := range []TrackType{TrackTypeSD, TrackTypeHD, TrackTypeAudio} {
		key, err := source.GetKey(trackType)
		require.NoError(t, err)
		require.Len(t, key.KeySystemInfo, 2)
		assert.Equal(t, WidevineSystemID, key.KeySystemInfo[0].SystemID)

		common := key.KeySystemInfo[1]
		assert.Equal(t, CommonSystemID, common.SystemID)
		assert.ElementsMatch(t, allKeyIDs, common.KeyIDs)
		decoded, err := pssh.KeyIDsFromData(common.PsshData)
		require.NoError(t, err)
		assert.ElementsMatch(t, allKeyIDs, decoded)
	}
}

func TestGetKeyBeforeFetch(t *testing.T) {
	source := newTestSource(t, &fakeFetcher{}, nil)

	_, err := source.GetKey(TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = source.GetKey(TrackTypeUnknown)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestKeyRotation(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.CryptoPeriodCount = testCryptoPeriodCount
	})

	ctx := context.Background()
	err := source.FetchKeys(ctx, ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)
	// The initial acquisition stays in the plain shape even with rotation
	// configured.
	require.Equal(t, 1, fetcher.calls())
	assert.Equal(t, expectedContentRequest(), fetcher.bodies[0])

	// Queries walk forward; each window fetch replaces the previous window
	// wholesale, so the six queries below need windows starting at 8, 18, 28
	// and 38.
	for _, first := range []uint32{8, 18, 28, 38} {
		fetcher.queue(mockRotationLicenseResponse(first, testCryptoPeriodCount), nil)
	}
	for _, index := range []uint32{8, 17, 36, 37, 38, 39} {
		key, err := source.GetCryptoPeriodKey(ctx, index, TrackTypeSD)
		require.NoError(t, err, "crypto period %d", index)
		assert.Equal(t, mockRotationKey("SD", index), key.Key)
	}

	require.Equal(t, 5, fetcher.calls())
	assert.Equal(t, expectedRotationRequest(8), fetcher.bodies[1])
	assert.Equal(t, expectedRotationRequest(18), fetcher.bodies[2])
	assert.Equal(t, expectedRotationRequest(28), fetcher.bodies[3])
	assert.Equal(t, expectedRotationRequest(38), fetcher.bodies[4])

	// Period 8 was evicted when the window moved to [38, 48).
	_, err = source.GetCryptoPeriodKey(ctx, 8, TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestGetCryptoPeriodKeyRotationDisabled(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, nil)

	err := source.FetchKeys(context.Background(), ContentIDRequest([]byte(testContentID), testPolicy))
	require.NoError(t, err)

	_, err = source.GetCryptoPeriodKey(context.Background(), 0, TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestGetCryptoPeriodKeyBeforeFetch(t *testing.T) {
	source := newTestSource(t, &fakeFetcher{}, func(cfg *Config) {
		cfg.CryptoPeriodCount = testCryptoPeriodCount
	})

	_, err := source.GetCryptoPeriodKey(context.Background(), 0, TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestGetCryptoPeriodKeyClassic(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockClassicLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.CryptoPeriodCount = testCryptoPeriodCount
	})

	err := source.FetchKeys(context.Background(), ClassicRequest(42))
	require.NoError(t, err)

	_, err = source.GetCryptoPeriodKey(context.Background(), 0, TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestRotationResponseMissingPeriodIndex(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.queue(mockLicenseResponse(), nil)
	// The rotation fetch gets a flat response with no crypto_period_index.
	fetcher.queue(mockLicenseResponse(), nil)
	source := newTestSource(t, fetcher, func(cfg *Config) {
		cfg.CryptoPeriodCount = testCryptoPeriodCount
	})

	ctx := context.Background()
	require.NoError(t, source.FetchKeys(ctx, ContentIDRequest([]byte(testContentID), testPolicy)))

	_, err := source.GetCryptoPeriodKey(ctx, 0, TrackTypeSD)
	require.Error(t, err)
	assert.Equal(t, CodeServer, CodeOf(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Fetcher: &fakeFetcher{}})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = New(Config{ServerURL: testServerURL})
	require.Error(t, err)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}
