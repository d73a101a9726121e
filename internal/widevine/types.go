package widevine

// TrackType identifies the stream class a content key protects.
type TrackType int

const (
	TrackTypeUnknown TrackType = iota
	TrackTypeSD
	TrackTypeHD
	TrackTypeAudio
)

// WidevineSystemID is the DRM system ID registered for Widevine.
var WidevineSystemID = []byte{
	0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce,
	0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed,
}

// CommonSystemID is the CENC common protection system ID. A key-system entry
// carrying this ID aggregates every track's key ID so a player can request
// any key from one shared init segment.
var CommonSystemID = []byte{
	0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02,
	0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b,
}

// TrackTypeFromString maps the license server's track label to a TrackType.
// Unrecognized labels map to TrackTypeUnknown, never an error.
func TrackTypeFromString(s string) TrackType {
	switch s {
	case "SD":
		return TrackTypeSD
	case "HD":
		return TrackTypeHD
	case "AUDIO":
		return TrackTypeAudio
	default:
		return TrackTypeUnknown
	}
}

func (t TrackType) String() string {
	switch t {
	case TrackTypeSD:
		return "SD"
	case TrackTypeHD:
		return "HD"
	case TrackTypeAudio:
		return "AUDIO"
	default:
		return "UNKNOWN"
	}
}

// KeySystemInfo holds the protection metadata for one DRM system.
type KeySystemInfo struct {
	SystemID []byte
	PsshData []byte
	// KeyIDs is populated only on the synthesized common-system entry and
	// carries the deduplicated key IDs of every track in the fetch cycle.
	KeyIDs [][]byte
}

// EncryptionKey is a resolved content key plus its DRM signaling metadata.
type EncryptionKey struct {
	KeyID         []byte
	Key           []byte
	KeySystemInfo []KeySystemInfo
}
