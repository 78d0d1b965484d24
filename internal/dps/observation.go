package dps

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Observation is one point-in-time DPS map as delivered by the transport.
// Keys are the vendor's numeric identifiers carried as strings ("121", "180").
type Observation map[string]any

// DecodeAll decodes every field of an observation.
func DecodeAll(obs Observation) map[string]Value {
	decoded := make(map[string]Value, len(obs))
	for key, raw := range obs {
		decoded[key] = Decode(raw)
	}
	return decoded
}

// HashAll computes a stable content hash over a decoded observation.
// Two observations with identical keys and values hash identically
// regardless of map iteration order.
func HashAll(decoded map[string]Value) string {
	keys := make([]string, 0, len(decoded))
	for key := range decoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(decoded[key].Hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
