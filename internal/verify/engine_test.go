package verify

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crashwatch/internal/game"
)

const scenarioAHash = "eedd5b738f15ca312535d218bb58db2f5b34a5bc07674ab7564afceb6b860ad8"

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestCompute_KnownOutcomes(t *testing.T) {
	tests := []struct {
		name string
		hash string
		want float64
	}{
		{"scenario_a", scenarioAHash, 1.28},
		{"low", "3869e20bb2f7a486741b466fd3689c6722764393b7a2f50bca1fa86853cd1f9b", 1.76},
		{"mid", "38f8fa78bac6138f14f7268423abee0ee58c1ea626f8431e504aa68a8129878e", 2.36},
		{"high_teen", "b3d62fb4c0780d2c11596ef324e3582b301cb89d9993a5daaa93c6431187c278", 14.83},
		{"a8a253", "a8a2537a19ce1905c0a99559ca0f2e86197234e68b0931bf190fc6517e91386e", 1.73},
		{"ae605f", "ae605f3285abb085c6a0e7759d19c1aa4bcfe19b18a04d6cdf8286b34ed5185c", 1.27},
		{"dfe43a", "dfe43adeddc0d387c5ccf74a66b860e934acba67a28d57f45eb25e0421ef9dc6", 1.31},
		{"b99a75", "b99a75178edc069a2e3f943a0043e7af1a19031768521e33540c7b5a21abcb10", 1.28},
		{"c3b93f", "c3b93f712a345d60eb8080c41062fb224e2ec93b9fb6ddb60ee6a8237bc8e2a9", 2.98},
		{"clamped_to_min", "5c6c7fcf44759caad72a82f12848dedb3c12c088eb304b2e30411d6035c2f74f", 1.00},
		{"near_top_bucket", "bb539e7342e27cd9c091470f95a5786981dcdd9b332925dcc3e387b58bd8be50", 1972.11},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.hash, DefaultSecret)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCompute_SecretChangesOutcome(t *testing.T) {
	hash := "3869e20bb2f7a486741b466fd3689c6722764393b7a2f50bca1fa86853cd1f9b"

	got, err := Compute(hash, strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.InDelta(t, 1.21, got, 1e-9)
}

func TestCompute_AcceptsPrefixAndCase(t *testing.T) {
	plain, err := Compute(scenarioAHash, DefaultSecret)
	require.NoError(t, err)

	prefixed, err := Compute("0x"+strings.ToUpper(scenarioAHash), DefaultSecret)
	require.NoError(t, err)

	assert.Equal(t, plain, prefixed)
}

func TestVerify_ScenarioA(t *testing.T) {
	eng, err := New(DefaultSecret)
	require.NoError(t, err)

	res, err := eng.Verify(scenarioAHash, 1.28)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.InDelta(t, 0, res.Deviation, 1e-12)

	msg, err := hex.DecodeString(scenarioAHash)
	require.NoError(t, err)
	secret, err := hex.DecodeString(DefaultSecret)
	require.NoError(t, err)
	e := bucket(secret, msg)

	var b strings.Builder
	fmt.Fprintf(&b, "hash: %s\n", res.Hash)
	fmt.Fprintf(&b, "e: %d\n", e)
	fmt.Fprintf(&b, "x: %.4f\n", percentile(e))
	fmt.Fprintf(&b, "calculated: %.2f\n", res.Calculated)
	fmt.Fprintf(&b, "reported: %.2f\n", res.Reported)
	fmt.Fprintf(&b, "verified: %t\n", res.Verified)
	fmt.Fprintf(&b, "deviation: %.4f\n", res.Deviation)

	g := newGolden(t)
	g.Assert(t, "scenario_a", []byte(b.String()))
}

func TestVerify_Tolerance(t *testing.T) {
	eng, err := New(DefaultSecret)
	require.NoError(t, err)

	tests := []struct {
		reported float64
		verified bool
	}{
		{1.28, true},
		// Exactly ε away; the float difference is 0.010000000000000009.
		{1.29, true},
		{1.27, true},
		{1.30, false},
		{1.00, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%.2f", tt.reported), func(t *testing.T) {
			res, err := eng.Verify(scenarioAHash, tt.reported)
			require.NoError(t, err)
			assert.Equal(t, tt.verified, res.Verified)
			assert.InDelta(t, 1.28, res.Calculated, 1e-9)
		})
	}

	strict, err := New(DefaultSecret, WithTolerance(0))
	require.NoError(t, err)
	res, err := strict.Verify(scenarioAHash, 1.29)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, 0.0, strict.Tolerance())
}

func TestVerify_RejectsMalformedInput(t *testing.T) {
	eng, err := New(DefaultSecret)
	require.NoError(t, err)

	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"not_hex", strings.Repeat("zz", 32)},
		{"too_long", scenarioAHash + "00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Verify(tt.hash, 1.5)
			require.Error(t, err)
			assert.True(t, game.IsValidation(err))
		})
	}
}

func TestNew_RejectsBadSecret(t *testing.T) {
	for _, secret := range []string{"", "0x", "xyz", "abc"} {
		_, err := New(secret)
		require.Error(t, err, "secret %q", secret)
		assert.True(t, game.IsValidation(err))
	}
}

func TestApply_FillsDerivedFields(t *testing.T) {
	eng, err := New(DefaultSecret)
	require.NoError(t, err)

	rec := game.Record{ID: 42, Hash: "0x" + scenarioAHash, ReportedOutcome: 1.28}
	require.NoError(t, eng.Apply(&rec))

	assert.Equal(t, scenarioAHash, rec.Hash)
	assert.InDelta(t, 1.28, rec.CalculatedOutcome, 1e-9)
	assert.True(t, rec.Verified)
	assert.Equal(t, int64(1), rec.FloorValue)

	bad := game.Record{ID: 43, Hash: "nope"}
	err = eng.Apply(&bad)
	require.Error(t, err)
	var ve *game.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, int64(43), ve.RecordID)
}

// Random inputs: determinism and the 1.00 floor hold everywhere.
func TestCompute_RandomizedInvariants(t *testing.T) {
	buf := make([]byte, 32)
	for i := 0; i < 500; i++ {
		_, err := rand.Read(buf)
		require.NoError(t, err)
		h := hex.EncodeToString(buf)

		first, err := Compute(h, DefaultSecret)
		require.NoError(t, err)
		second, err := Compute(h, DefaultSecret)
		require.NoError(t, err)

		assert.Equal(t, first, second, "hash %s", h)
		assert.GreaterOrEqual(t, first, MinOutcome, "hash %s", h)
		assert.False(t, math.IsNaN(first) || math.IsInf(first, 0), "hash %s", h)
	}
}

func TestOutcome_ClampsDivisor(t *testing.T) {
	// e mod 1e6 = 999999 is the largest bucket; the result must stay finite.
	got := outcome(999999)
	assert.InDelta(t, 989999.99, got, 1e-6)
	assert.Equal(t, MinOutcome, outcome(0))
}
