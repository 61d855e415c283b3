// Package verify reproduces the crash game's provably-fair outcome formula.
//
// For a published per-game hash H and the server secret S (both hex):
//
//	digest  = HMAC-SHA256(key = hex(S), msg = hex(H))
//	e       = big-endian uint32 of digest[0:4]
//	X       = (e mod 1_000_000) / 10_000          X ∈ [0, 100)
//	outcome = max(1.00, floor(99 / (1 − X/100)) / 100)
//
// The divisor is clamped at 1e-9 so the result is always finite. Everything
// here is pure: no I/O, no clock, no shared state. Equal inputs always give
// bit-identical results, which is what lets stored records be re-verified
// later and compared against golden fixtures.
//
// Engine binds the secret and the tolerance ε once. A record is verified when
// |reported − calculated| ≤ ε; the raw deviation is kept either way.
package verify
