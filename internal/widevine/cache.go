package widevine

import "sync"

// KeyCache holds the resolved keys of one key source. Flat keys and the
// rotation window are replaced wholesale on each successful fetch; readers
// racing a fetch see either the previous state or the fully published new
// one, never a partial update.
type KeyCache struct {
	mu   sync.RWMutex
	keys map[TrackType]*EncryptionKey

	periods     map[uint32]map[TrackType]*EncryptionKey
	windowFirst uint32
	windowCount uint32
	hasWindow   bool
}

// NewKeyCache returns an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{}
}

// StoreKeys publishes a new flat key set.
func (c *KeyCache) StoreKeys(keys map[TrackType]*EncryptionKey) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

// Key returns the flat key for trackType. TrackTypeUnknown is rejected
// locally; a valid type that no fetch populated is a not-found condition.
func (c *KeyCache) Key(trackType TrackType) (*EncryptionKey, error) {
	if trackType == TrackTypeUnknown {
		return nil, newError(CodeInvalidArgument, "unresolved track type")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[trackType]
	if !ok {
		return nil, newError(CodeNotFound, "no key for track type %s", trackType)
	}
	return key, nil
}

// StoreWindow atomically replaces the rotation window with the range
// [first, first+count). Indices outside the new range become unreachable.
func (c *KeyCache) StoreWindow(first, count uint32, periods map[uint32]map[TrackType]*EncryptionKey) {
	c.mu.Lock()
	c.periods = periods
	c.windowFirst = first
	c.windowCount = count
	c.hasWindow = true
	c.mu.Unlock()
}

// Window reports the currently retained crypto-period range.
func (c *KeyCache) Window() (first, count uint32, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.windowFirst, c.windowCount, c.hasWindow
}

// HasPeriod reports whether index lies inside the retained window.
func (c *KeyCache) HasPeriod(index uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasWindow && index >= c.windowFirst && index < c.windowFirst+c.windowCount
}

// CryptoPeriodKey returns the key for one crypto period and track type. An
// index outside the retained window (never fetched, or evicted by a newer
// window) is an invalid argument, distinct from a track type the window
// simply lacks.
func (c *KeyCache) CryptoPeriodKey(index uint32, trackType TrackType) (*EncryptionKey, error) {
	if trackType == TrackTypeUnknown {
		return nil, newError(CodeInvalidArgument, "unresolved track type")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasWindow || index < c.windowFirst || index >= c.windowFirst+c.windowCount {
		return nil, newError(CodeInvalidArgument, "crypto period %d is outside the retained window", index)
	}
	key, ok := c.periods[index][trackType]
	if !ok {
		return nil, newError(CodeNotFound, "no key for track type %s in crypto period %d", trackType, index)
	}
	return key, nil
}
