package widevine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/pssh"
)

// RequestMode discriminates the four mutually exclusive license request
// shapes.
type RequestMode int

const (
	// ModeContentID requests keys for a content ID under a named policy.
	ModeContentID RequestMode = iota
	// ModeClassic requests keys for a legacy numeric asset ID.
	ModeClassic
	// ModePssh requests keys for init data taken from a pssh box or
	// supplied raw.
	ModePssh
	// ModeKeyIDs requests keys for an explicit key-ID set; init data is
	// synthesized from the set.
	ModeKeyIDs
)

func (m RequestMode) String() string {
	switch m {
	case ModeContentID:
		return "content_id"
	case ModeClassic:
		return "classic"
	case ModePssh:
		return "pssh"
	case ModeKeyIDs:
		return "key_ids"
	default:
		return "unknown"
	}
}

// KeyRotation extends a request with live key-rotation fields.
type KeyRotation struct {
	FirstCryptoPeriodIndex uint32
	CryptoPeriodCount      uint32
}

// RequestParams selects one license request shape. Exactly one variant's
// fields are consulted, chosen by Mode.
type RequestParams struct {
	Mode      RequestMode
	ContentID []byte
	Policy    string
	AssetID   uint32
	PsshData  []byte
	KeyIDs    [][]byte
}

// ContentIDRequest requests keys by content ID and policy.
func ContentIDRequest(contentID []byte, policy string) RequestParams {
	return RequestParams{Mode: ModeContentID, ContentID: contentID, Policy: policy}
}

// ClassicRequest requests keys for a legacy numeric asset ID.
func ClassicRequest(assetID uint32) RequestParams {
	return RequestParams{Mode: ModeClassic, AssetID: assetID}
}

// PsshBoxRequest extracts the init data carried in a serialized pssh box and
// requests keys for it. The box must carry the Widevine system ID.
func PsshBoxRequest(box []byte) (RequestParams, error) {
	info, err := pssh.ParseBox(box)
	if err != nil {
		return RequestParams{}, newError(CodeInvalidArgument, "parse pssh box: %v", err)
	}
	if !bytes.Equal(info.SystemID, WidevineSystemID) {
		return RequestParams{}, newError(CodeInvalidArgument,
			"pssh box carries system id %x, want widevine", info.SystemID)
	}
	return RequestParams{Mode: ModePssh, PsshData: info.Data}, nil
}

// PsshDataRequest requests keys for raw init data.
func PsshDataRequest(data []byte) RequestParams {
	return RequestParams{Mode: ModePssh, PsshData: data}
}

// KeyIDsRequest requests keys for an explicit key-ID set.
func KeyIDsRequest(keyIDs [][]byte) RequestParams {
	return RequestParams{Mode: ModeKeyIDs, KeyIDs: keyIDs}
}

// licenseRequest is the wire shape of a key request. The server compares
// serialized requests byte for byte, so field declaration order here is part
// of the protocol: encoding/json emits fields in this exact order, and
// mutually exclusive fields collapse away via omitempty.
type licenseRequest struct {
	AssetID                *uint32        `json:"asset_id,omitempty"`
	ContentID              string         `json:"content_id,omitempty"`
	CryptoPeriodCount      *uint32        `json:"crypto_period_count,omitempty"`
	DRMTypes               []string       `json:"drm_types"`
	FirstCryptoPeriodIndex *uint32        `json:"first_crypto_period_index,omitempty"`
	Policy                 *string        `json:"policy,omitempty"`
	PsshData               string         `json:"pssh_data,omitempty"`
	Tracks                 []requestTrack `json:"tracks"`
}

type requestTrack struct {
	Type string `json:"type"`
}

var (
	requestDRMTypes = []string{"WIDEVINE"}
	requestTracks   = []requestTrack{{Type: "SD"}, {Type: "HD"}, {Type: "AUDIO"}}
)

// buildRequest serializes the canonical JSON request body for params,
// optionally extended with rotation fields.
func buildRequest(params RequestParams, rotation *KeyRotation) ([]byte, error) {
	req := licenseRequest{
		DRMTypes: requestDRMTypes,
		Tracks:   requestTracks,
	}
	switch params.Mode {
	case ModeContentID:
		req.ContentID = base64.StdEncoding.EncodeToString(params.ContentID)
		policy := params.Policy
		req.Policy = &policy
	case ModeClassic:
		assetID := params.AssetID
		req.AssetID = &assetID
	case ModePssh:
		req.PsshData = base64.StdEncoding.EncodeToString(params.PsshData)
	case ModeKeyIDs:
		data := pssh.DataFromKeyIDs(params.KeyIDs)
		req.PsshData = base64.StdEncoding.EncodeToString(data)
	default:
		return nil, newError(CodeInvalidArgument, "unknown request mode %d", params.Mode)
	}
	if rotation != nil {
		count := rotation.CryptoPeriodCount
		first := rotation.FirstCryptoPeriodIndex
		req.CryptoPeriodCount = &count
		req.FirstCryptoPeriodIndex = &first
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal license request: %w", err)
	}
	return body, nil
}

// signedRequest is the outer envelope carrying a signed request body.
type signedRequest struct {
	Request   string `json:"request"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

// signRequest wraps body and its signature into the transmitted envelope.
// With no signer configured the body is sent as-is, for license servers that
// do not require authentication.
func signRequest(signer RequestSigner, body []byte) ([]byte, error) {
	if signer == nil {
		return body, nil
	}
	signature, err := signer.Sign(body)
	if err != nil {
		return nil, newError(CodeInternal, "Signature generation failed")
	}
	envelope := signedRequest{
		Request:   base64.StdEncoding.EncodeToString(body),
		Signature: base64.StdEncoding.EncodeToString(signature),
		Signer:    signer.Name(),
	}
	msg, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal signed request: %w", err)
	}
	return msg, nil
}
