package widevine

import (
	"encoding/base64"
	"encoding/json"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/pssh"
)

// httpResponse is the outer wire shape: the license payload arrives base64
// encoded under a single "response" field.
type httpResponse struct {
	Response string `json:"response"`
}

type licenseResponse struct {
	Status string         `json:"status"`
	Tracks []licenseTrack `json:"tracks"`
}

type licenseTrack struct {
	Type              string      `json:"type"`
	KeyID             string      `json:"key_id"`
	Key               string      `json:"key"`
	Pssh              []psshEntry `json:"pssh"`
	CryptoPeriodIndex *uint32     `json:"crypto_period_index"`
}

type psshEntry struct {
	DRMType string `json:"drm_type"`
	Data    string `json:"data"`
}

const licenseStatusOK = "OK"

// parseResponse decodes the outer envelope and the base64 inner license
// payload. Any malformed layer is a non-retryable parse error.
func parseResponse(raw string) (*licenseResponse, error) {
	var outer httpResponse
	if err := json.Unmarshal([]byte(raw), &outer); err != nil {
		return nil, newError(CodeParse, "malformed response envelope: %v", err)
	}
	inner, err := base64.StdEncoding.DecodeString(outer.Response)
	if err != nil {
		return nil, newError(CodeParse, "decode response payload: %v", err)
	}
	var resp licenseResponse
	if err := json.Unmarshal(inner, &resp); err != nil {
		return nil, newError(CodeParse, "malformed license response: %v", err)
	}
	return &resp, nil
}

// extractKeys pulls per-track key material out of an OK response. In classic
// mode tracks carry only a key; key IDs and DRM metadata are rejected.
func (r *licenseResponse) extractKeys(classic, addCommon bool) (map[TrackType]*EncryptionKey, error) {
	keys := make(map[TrackType]*EncryptionKey, len(r.Tracks))
	for i := range r.Tracks {
		track := &r.Tracks[i]
		trackType := TrackTypeFromString(track.Type)
		if trackType == TrackTypeUnknown {
			return nil, newError(CodeServer, "unrecognized track type %q", track.Type)
		}
		key, err := extractTrackKey(track, classic)
		if err != nil {
			return nil, err
		}
		keys[trackType] = key
	}
	if addCommon && !classic {
		addCommonSystem(keys)
	}
	return keys, nil
}

// extractRotationKeys groups tracks into crypto periods. Every track in a
// rotation response must declare its crypto_period_index.
func (r *licenseResponse) extractRotationKeys(addCommon bool) (map[uint32]map[TrackType]*EncryptionKey, error) {
	periods := make(map[uint32]map[TrackType]*EncryptionKey)
	for i := range r.Tracks {
		track := &r.Tracks[i]
		if track.CryptoPeriodIndex == nil {
			return nil, newError(CodeServer, "track %q is missing crypto_period_index", track.Type)
		}
		trackType := TrackTypeFromString(track.Type)
		if trackType == TrackTypeUnknown {
			return nil, newError(CodeServer, "unrecognized track type %q", track.Type)
		}
		key, err := extractTrackKey(track, false)
		if err != nil {
			return nil, err
		}
		index := *track.CryptoPeriodIndex
		if periods[index] == nil {
			periods[index] = make(map[TrackType]*EncryptionKey)
		}
		periods[index][trackType] = key
	}
	if addCommon {
		for _, keys := range periods {
			addCommonSystem(keys)
		}
	}
	return periods, nil
}

func extractTrackKey(track *licenseTrack, classic bool) (*EncryptionKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(track.Key)
	if err != nil {
		return nil, newError(CodeParse, "decode key for track %q: %v", track.Type, err)
	}
	key := &EncryptionKey{Key: keyBytes}

	if classic {
		if track.KeyID != "" || len(track.Pssh) > 0 {
			return nil, newError(CodeServer,
				"unexpected DRM metadata for track %q in classic response", track.Type)
		}
		return key, nil
	}

	if track.KeyID == "" {
		return nil, newError(CodeServer, "track %q is missing key_id", track.Type)
	}
	key.KeyID, err = base64.StdEncoding.DecodeString(track.KeyID)
	if err != nil {
		return nil, newError(CodeParse, "decode key_id for track %q: %v", track.Type, err)
	}
	for _, entry := range track.Pssh {
		if entry.DRMType != "WIDEVINE" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			return nil, newError(CodeParse, "decode pssh data for track %q: %v", track.Type, err)
		}
		key.KeySystemInfo = append(key.KeySystemInfo, KeySystemInfo{
			SystemID: WidevineSystemID,
			PsshData: data,
		})
	}
	return key, nil
}

// addCommonSystem appends the synthesized common-system entry to every key:
// one init-data blob referencing the deduplicated set of all key IDs in the
// cycle, so a player can resolve any track's key from a shared init segment.
func addCommonSystem(keys map[TrackType]*EncryptionKey) {
	seen := make(map[string]bool)
	var keyIDs [][]byte
	for _, key := range keys {
		if len(key.KeyID) == 0 || seen[string(key.KeyID)] {
			continue
		}
		seen[string(key.KeyID)] = true
		keyIDs = append(keyIDs, key.KeyID)
	}
	if len(keyIDs) == 0 {
		return
	}
	info := KeySystemInfo{
		SystemID: CommonSystemID,
		PsshData: pssh.DataFromKeyIDs(keyIDs),
		KeyIDs:   keyIDs,
	}
	for _, key := range keys {
		key.KeySystemInfo = append(key.KeySystemInfo, info)
	}
}
