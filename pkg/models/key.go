package models

// FetchKeysRequest selects exactly one license request shape. Binary fields
// are base64 encoded except key IDs, which are hex.
type FetchKeysRequest struct {
	ContentID string   `json:"content_id,omitempty"`
	Policy    string   `json:"policy,omitempty"`
	AssetID   *uint32  `json:"asset_id,omitempty"`
	PsshBox   string   `json:"pssh_box,omitempty"`
	PsshData  string   `json:"pssh_data,omitempty"`
	KeyIDs    []string `json:"key_ids,omitempty"`
}

// KeySystemInfoResponse is one DRM system entry attached to a key.
type KeySystemInfoResponse struct {
	SystemID string   `json:"system_id"`
	PsshData string   `json:"pssh_data,omitempty"`
	KeyIDs   []string `json:"key_ids,omitempty"`
}

// KeyResponse is a resolved content key. KeyID is empty for classic assets.
type KeyResponse struct {
	TrackType  string                  `json:"track_type"`
	KeyID      string                  `json:"key_id,omitempty"`
	Key        string                  `json:"key"`
	KeySystems []KeySystemInfoResponse `json:"key_systems,omitempty"`
}

// FetchKeysResponse acknowledges a successful fetch cycle.
type FetchKeysResponse struct {
	Mode   string `json:"mode"`
	Status string `json:"status"`
}

// ErrorResponse is the API error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
