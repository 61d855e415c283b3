package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"strings"

	"github.com/roach88/crashwatch/internal/game"
)

// DefaultSecret is the public salt the game publishes for its current seed
// chain.
const DefaultSecret = "0000000000000000000301e2801a9a9598bfb114e574a91a887f2132f33047e6"

// DefaultTolerance is the ε used when none is configured. Outcomes are quoted
// to two decimals, so one cent is the smallest meaningful disagreement.
const DefaultTolerance = 0.01

// MinOutcome is the floor applied to every computed outcome.
const MinOutcome = 1.00

const (
	hashHexLen   = 64
	minDivisor   = 1e-9
	floatSlack   = 1e-12
	houseFactor  = 99.0
	bucketModulo = 1_000_000
	bucketScale  = 10_000
)

// Result is the outcome of verifying one game.
type Result struct {
	Hash       string  `json:"hash"`
	Calculated float64 `json:"calculatedOutcome"`
	Reported   float64 `json:"reportedOutcome"`
	Verified   bool    `json:"verified"`
	Deviation  float64 `json:"deviation"`
}

// Engine verifies hashes against a fixed secret.
type Engine struct {
	secret    []byte
	tolerance float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithTolerance overrides ε. Negative values are ignored.
func WithTolerance(eps float64) Option {
	return func(e *Engine) {
		if eps >= 0 {
			e.tolerance = eps
		}
	}
}

// New creates an Engine for secretHex. The secret must be non-empty hex.
func New(secretHex string, opts ...Option) (*Engine, error) {
	secret, err := decodeSecret(secretHex)
	if err != nil {
		return nil, err
	}
	e := &Engine{secret: secret, tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tolerance returns the configured ε.
func (e *Engine) Tolerance() float64 {
	return e.tolerance
}

// Verify recomputes the outcome for hash and compares it with reported.
func (e *Engine) Verify(hash string, reported float64) (Result, error) {
	clean, msg, err := decodeHash(hash)
	if err != nil {
		return Result{}, err
	}
	calculated := outcome(bucket(e.secret, msg))
	deviation := math.Abs(reported - calculated)
	return Result{
		Hash:       clean,
		Calculated: calculated,
		Reported:   reported,
		Verified:   deviation <= e.tolerance+floatSlack,
		Deviation:  deviation,
	}, nil
}

// Apply fills the derived fields of rec in place.
func (e *Engine) Apply(rec *game.Record) error {
	res, err := e.Verify(rec.Hash, rec.ReportedOutcome)
	if err != nil {
		var ve *game.ValidationError
		if errors.As(err, &ve) {
			ve.RecordID = rec.ID
		}
		return err
	}
	rec.Hash = res.Hash
	rec.CalculatedOutcome = res.Calculated
	rec.Verified = res.Verified
	rec.Deviation = res.Deviation
	rec.FloorValue = game.FloorOf(rec.ReportedOutcome)
	return nil
}

// Compute returns the outcome for hash under secret.
func Compute(hash, secret string) (float64, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return 0, err
	}
	_, msg, err := decodeHash(hash)
	if err != nil {
		return 0, err
	}
	return outcome(bucket(key, msg)), nil
}

// NormalizeHash strips an optional 0x prefix and lowercases hash.
func NormalizeHash(hash string) string {
	h := strings.TrimSpace(hash)
	if len(h) >= 2 && (h[:2] == "0x" || h[:2] == "0X") {
		h = h[2:]
	}
	return strings.ToLower(h)
}

// bucket returns e, the big-endian uint32 of the first four digest bytes.
func bucket(key, msg []byte) uint32 {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return binary.BigEndian.Uint32(mac.Sum(nil)[:4])
}

// percentile maps e into X ∈ [0, 100).
func percentile(e uint32) float64 {
	return float64(e%bucketModulo) / bucketScale
}

func outcome(e uint32) float64 {
	divisor := 1 - percentile(e)/100
	if divisor < minDivisor {
		divisor = minDivisor
	}
	v := math.Floor(houseFactor/divisor) / 100
	return math.Max(MinOutcome, v)
}

func decodeHash(hash string) (string, []byte, error) {
	clean := NormalizeHash(hash)
	if len(clean) != hashHexLen {
		return "", nil, game.NewValidationError("hash", "expected %d hex characters, got %d", hashHexLen, len(clean))
	}
	msg, err := hex.DecodeString(clean)
	if err != nil {
		return "", nil, game.NewValidationError("hash", "not hex: %v", err)
	}
	return clean, msg, nil
}

func decodeSecret(secret string) ([]byte, error) {
	clean := NormalizeHash(secret)
	if clean == "" {
		return nil, game.NewValidationError("secret", "must not be empty")
	}
	key, err := hex.DecodeString(clean)
	if err != nil {
		return nil, game.NewValidationError("secret", "not hex: %v", err)
	}
	return key, nil
}
