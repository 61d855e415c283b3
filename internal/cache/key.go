package cache

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/crashwatch/internal/canon"
)

// DefaultPrefix namespaces every cache key.
const DefaultPrefix = "crashwatch:cache"

// MaxInlineParams is the longest canonical params string embedded in a key
// verbatim. Longer or nested params are fingerprinted.
const MaxInlineParams = 256

// NormalizeParams returns the key segment for params: canonical JSON when it
// is short and flat, otherwise "fp-" plus a SHA-256 fingerprint.
// params may be raw JSON ([]byte, json.RawMessage) or a decoded value.
func NormalizeParams(params any) (string, error) {
	var (
		data []byte
		flat bool
		err  error
	)
	switch p := params.(type) {
	case nil:
		return "{}", nil
	case json.RawMessage:
		data, flat, err = normalizeRaw(p)
	case []byte:
		data, flat, err = normalizeRaw(p)
	default:
		data, err = canon.Marshal(p)
		flat = canon.IsFlat(p)
	}
	if err != nil {
		return "", fmt.Errorf("normalize params: %w", err)
	}

	if !flat || len(data) > MaxInlineParams || strings.ContainsAny(string(data), " \t\r\n") {
		return "fp-" + canon.Fingerprint(canon.DomainCacheParams, data), nil
	}
	return string(data), nil
}

func normalizeRaw(raw []byte) ([]byte, bool, error) {
	data, err := canon.Normalize(raw)
	if err != nil {
		return nil, false, err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, false, err
	}
	return data, canon.IsFlat(decoded), nil
}

// BuildKey assembles prefix:operation:params:v<version>.
func BuildKey(prefix, operation, params string, version int64) string {
	return fmt.Sprintf("%s:%s:%s:v%d", prefix, operation, params, version)
}
