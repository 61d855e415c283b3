package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprints. The version suffix leaves room for an
// algorithm change without colliding with old keys.
const (
	DomainCacheParams = "crashwatch/cache-params/v1"
	DomainRecord      = "crashwatch/record/v1"
)

// Fingerprint computes SHA256(domain + 0x00 + data) as lowercase hex.
func Fingerprint(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintValue canonicalizes v and fingerprints it under domain.
func FingerprintValue(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return Fingerprint(domain, data), nil
}
