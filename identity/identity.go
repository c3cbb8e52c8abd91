// Package identity computes stable identity hashes for service
// configurations. Two configurations hash identically iff their normalized
// forms are structurally equal, regardless of map key order.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize converts a configuration value into a canonical form. Maps become
// key-sorted sequences of (key, value) pairs, sequences keep their order with
// each element normalized, and scalars pass through unchanged.
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, []any{k, Normalize(val[k])})
		}
		return pairs
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

// Hash returns a hex digest of the canonical form of config. The digest is
// stable across process restarts and across equivalent configurations whose
// maps were built in different insertion orders.
func Hash(config map[string]any) (string, error) {
	data, err := json.Marshal(Normalize(config))
	if err != nil {
		return "", fmt.Errorf("encode normalized config: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
