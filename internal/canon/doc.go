// Package canon produces canonical JSON (RFC 8785 style) and domain-separated
// fingerprints for cache keys.
//
// Two requests that mean the same thing must map to the same cache key no
// matter how the caller spelled them: key order, Unicode normalization form and
// number formatting are all fixed here.
//
//   - Object keys sorted by UTF-16 code units, not UTF-8 bytes.
//   - Strings NFC-normalized; only quote, backslash and C0 controls escaped.
//   - Numbers in shortest round-trip form; integral floats print as integers.
//   - json.Number and integer types pass through unchanged.
//
// Fingerprint is SHA-256 over domain, a 0x00 separator, and the data. The
// separator keeps the domain/data boundary unambiguous.
package canon
