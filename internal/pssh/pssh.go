// Package pssh builds and parses Protection System Specific Header boxes and
// the Widevine init-data payload carried inside them.
package pssh

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	"google.golang.org/protobuf/encoding/protowire"
)

// keyIDFieldNumber is the field carrying repeated key IDs in the Widevine
// PSSH data message.
const keyIDFieldNumber = 2

// Info is the decoded content of a pssh box.
type Info struct {
	Version  byte
	SystemID []byte
	KeyIDs   [][]byte
	Data     []byte
}

// Box serializes a version-0 pssh box for one DRM system.
func Box(systemID, data []byte) ([]byte, error) {
	if len(systemID) != 16 {
		return nil, fmt.Errorf("system id must be 16 bytes, got %d", len(systemID))
	}
	box := &mp4.PsshBox{
		Version:  0,
		Flags:    0,
		SystemID: mp4.UUID(systemID),
		Data:     data,
	}
	var buf bytes.Buffer
	if err := box.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode pssh box: %w", err)
	}
	return buf.Bytes(), nil
}

// BoxWithKeyIDs serializes a version-1 pssh box whose header lists the given
// key IDs. Used for the common-system init segment, whose data payload is
// empty.
func BoxWithKeyIDs(systemID []byte, keyIDs [][]byte) ([]byte, error) {
	if len(systemID) != 16 {
		return nil, fmt.Errorf("system id must be 16 bytes, got %d", len(systemID))
	}
	kids := make([]mp4.UUID, 0, len(keyIDs))
	for _, id := range keyIDs {
		if len(id) != 16 {
			return nil, fmt.Errorf("key id must be 16 bytes, got %d", len(id))
		}
		kids = append(kids, mp4.UUID(id))
	}
	box := &mp4.PsshBox{
		Version:  1,
		Flags:    0,
		SystemID: mp4.UUID(systemID),
		KIDs:     kids,
	}
	var buf bytes.Buffer
	if err := box.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode pssh box: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseBox decodes a serialized pssh box, validating the size header, the
// "pssh" FourCC and the fixed-length fields before slicing out the payload.
func ParseBox(b []byte) (*Info, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode box: %w", err)
	}
	psshBox, ok := box.(*mp4.PsshBox)
	if !ok {
		return nil, fmt.Errorf("box is a %s instead of a pssh", box.Type())
	}
	info := &Info{
		Version:  psshBox.Version,
		SystemID: psshBox.SystemID,
		Data:     psshBox.Data,
	}
	for _, kid := range psshBox.KIDs {
		info.KeyIDs = append(info.KeyIDs, kid)
	}
	return info, nil
}

// DataFromKeyIDs synthesizes Widevine init data from a key-ID list: each ID
// emitted as a length-delimited occurrence of the repeated key-ID field.
func DataFromKeyIDs(keyIDs [][]byte) []byte {
	var b []byte
	for _, id := range keyIDs {
		b = protowire.AppendTag(b, keyIDFieldNumber, protowire.BytesType)
		b = protowire.AppendBytes(b, id)
	}
	return b
}

// KeyIDsFromData recovers the key-ID list from synthesized init data. Fields
// other than the key-ID field are skipped.
func KeyIDsFromData(data []byte) ([][]byte, error) {
	var ids [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("parse init data tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num == keyIDFieldNumber && typ == protowire.BytesType {
			id, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("parse key id: %w", protowire.ParseError(n))
			}
			ids = append(ids, id)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return ids, nil
}
