package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crashwatch/internal/clearance"
	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/ingest"
	"github.com/roach88/crashwatch/internal/store"
	"github.com/roach88/crashwatch/internal/testutil"
	"github.com/roach88/crashwatch/internal/upstream"
)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// seedStore writes recs to the SQLite file at path.
func seedStore(t *testing.T, path string, recs ...game.Record) {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()
	for _, rec := range recs {
		_, err := s.Upsert(context.Background(), rec)
		require.NoError(t, err)
	}
}

func decodeData[T any](t *testing.T, out string) T {
	t.Helper()
	var resp struct {
		Status string `json:"status"`
		Data   T      `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestVerify(t *testing.T) {
	env := newTestEnv(t, "")
	rec := testutil.Record(7)

	t.Run("calculated only", func(t *testing.T) {
		out, err := execute(context.Background(), nil, "--config", env.config, "--format", "json", "verify", "0x"+strings.ToUpper(rec.Hash))
		require.NoError(t, err)
		assert.NotContains(t, out, `"verified"`)
		got := decodeData[VerifyOutput](t, out)
		assert.Equal(t, rec.Hash, got.Hash)
		assert.InDelta(t, rec.ReportedOutcome, got.Calculated, 1e-9)
	})

	t.Run("matching report", func(t *testing.T) {
		out, err := execute(context.Background(), nil, "--config", env.config, "verify", rec.Hash, "--reported", formatOutcome(rec.ReportedOutcome))
		require.NoError(t, err)
		assert.Contains(t, out, "VERIFIED")
	})

	t.Run("mismatch", func(t *testing.T) {
		out, err := execute(context.Background(), nil, "--config", env.config, "verify", rec.Hash, "--reported", formatOutcome(rec.ReportedOutcome+1))
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "MISMATCH")
	})

	t.Run("invalid hash", func(t *testing.T) {
		_, err := execute(context.Background(), nil, "--config", env.config, "verify", "not-a-hash")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("missing argument", func(t *testing.T) {
		_, err := execute(context.Background(), nil, "--config", env.config, "verify")
		require.Error(t, err)
	})
}

func formatOutcome(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestGaps(t *testing.T) {
	env := newTestEnv(t, "")
	seedStore(t, env.db, append(testutil.Records(1, 3), testutil.Records(6, 7)...)...)

	out, err := execute(context.Background(), nil, "--config", env.config, "gaps")
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 1-7")
	assert.Contains(t, out, "2 missing in 1 ranges")
	assert.Contains(t, out, "    4-5\n")

	out, err = execute(context.Background(), nil, "--config", env.config, "--format", "json", "gaps", "--from", "2", "--to", "9")
	require.NoError(t, err)
	got := decodeData[GapsResult](t, out)
	assert.Equal(t, int64(4), got.Missing)
	assert.Equal(t, []game.Range{{From: 4, To: 5}, {From: 8, To: 9}}, got.Gaps)
}

func TestGaps_EmptyStore(t *testing.T) {
	env := newTestEnv(t, "")
	out, err := execute(context.Background(), nil, "--config", env.config, "--format", "json", "gaps")
	require.NoError(t, err)
	got := decodeData[GapsResult](t, out)
	assert.Zero(t, got.Missing)
	assert.Empty(t, got.Gaps)
}

func TestCatchup(t *testing.T) {
	env := newTestEnv(t, "")
	seedStore(t, env.db, testutil.Records(1, 3)...)
	feed := testutil.NewFakeFeed(testutil.Records(1, 10)...)

	out, err := execute(context.Background(), &RootOptions{Feed: feed},
		"--config", env.config, "--format", "json", "catchup", "--from", "1", "--to", "10", "--concurrency", "2")
	require.NoError(t, err)
	report := decodeData[ingest.Report](t, out)
	assert.Equal(t, int64(1), report.From)
	assert.Equal(t, int64(10), report.To)
	assert.Equal(t, 7, report.Filled)
	assert.Empty(t, report.RemainingGaps)

	out, err = execute(context.Background(), nil, "--config", env.config, "gaps")
	require.NoError(t, err)
	assert.Contains(t, out, "gaps:    none")
}

func TestCatchup_NewestPages(t *testing.T) {
	env := newTestEnv(t, "")
	feed := testutil.NewFakeFeed(testutil.Records(1, 30)...)
	feed.Hide(12)

	out, err := execute(context.Background(), &RootOptions{Feed: feed},
		"--config", env.config, "catchup", "--pages", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconciled 1-30")
	assert.Contains(t, out, "filled:  29")
	assert.Contains(t, out, "    12\n")
}

func TestCatchup_InvalidRange(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := execute(context.Background(), &RootOptions{Feed: testutil.NewFakeFeed()},
		"--config", env.config, "catchup", "--from", "10", "--to", "5")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReverify(t *testing.T) {
	env := newTestEnv(t, "")
	// Rows as the feed delivers them: derived fields unset.
	seedStore(t, env.db, testutil.Records(1, 3)...)

	out, err := execute(context.Background(), nil, "--config", env.config, "--format", "json", "reverify")
	require.NoError(t, err)
	got := decodeData[events.Reverified](t, out)
	assert.Equal(t, events.Reverified{Checked: 3, Changed: 3}, got)

	out, err = execute(context.Background(), nil, "--config", env.config, "reverify", "--batch", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Reverified 3 games")
	assert.Contains(t, out, "changed: 0")

	s, err := store.Open(env.db)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, rec.Verified)
}

func exportRecords() []game.Record {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []game.Record{
		{
			ID:                1,
			Hash:              strings.Repeat("ab", 32),
			ReportedOutcome:   2.5,
			CalculatedOutcome: 2.5,
			Verified:          true,
			FloorValue:        2,
			PrepareTime:       at.Add(5 * time.Second),
			BeginTime:         at.Add(10 * time.Second),
			EndTime:           at.Add(18*time.Second + 250*time.Millisecond),
		},
		{
			ID:                2,
			Hash:              strings.Repeat("cd", 32),
			ReportedOutcome:   1.07,
			CalculatedOutcome: 1.08,
			Deviation:         0.01,
			FloorValue:        1,
		},
		{
			ID:                4,
			Hash:              strings.Repeat("ef", 32),
			ReportedOutcome:   13.37,
			CalculatedOutcome: 13.37,
			Verified:          true,
			FloorValue:        13,
			EndTime:           at.Add(time.Minute),
		},
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, "")
	seedStore(t, env.db, exportRecords()...)

	out, err := execute(context.Background(), nil, "--config", env.config, "export")
	require.NoError(t, err)
	newGolden(t).Assert(t, "export", []byte(out))

	file := filepath.Join(env.dir, "slice.csv")
	out, err = execute(context.Background(), nil, "--config", env.config, "export", "--from", "2", "--to", "4", "-o", file)
	require.NoError(t, err)
	assert.Empty(t, out)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(ExportHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2,"))
	assert.True(t, strings.HasPrefix(lines[2], "4,"))
}

func TestExport_InvalidRange(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := execute(context.Background(), nil, "--config", env.config, "export", "--from", "9", "--to", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

type fakeSession struct {
	cookies map[string]string
}

func (s *fakeSession) Cookies(context.Context) (map[string]string, error) { return s.cookies, nil }
func (s *fakeSession) Close() error                                       { return nil }

func TestRefreshCookies(t *testing.T) {
	env := newTestEnv(t, "")
	var opened string
	opts := &RootOptions{
		Opener: func(_ context.Context, url string) (clearance.Session, error) {
			opened = url
			return &fakeSession{cookies: map[string]string{
				upstream.ClearanceCookie: "token",
				"__cf_bm":                "bm",
			}}, nil
		},
	}

	out, err := execute(context.Background(), opts, "--config", env.config, "--format", "json",
		"refresh-cookies", "--url", "https://example.test/game/crash")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/game/crash", opened)

	got := decodeData[RefreshCookiesResult](t, out)
	assert.Equal(t, env.cookies, got.Path)
	assert.Equal(t, []string{"__cf_bm", upstream.ClearanceCookie}, got.Cookies)
	assert.NotContains(t, out, "token", "cookie values must not be printed")

	data, err := os.ReadFile(env.cookies)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{upstream.ClearanceCookie: "token", "__cf_bm": "bm"}, upstream.ParseCookies(data))
}

func TestRefreshCookies_NoClearance(t *testing.T) {
	env := newTestEnv(t, "")
	opts := &RootOptions{
		Opener: func(context.Context, string) (clearance.Session, error) {
			return &fakeSession{cookies: map[string]string{"other": "x"}}, nil
		},
	}

	_, err := execute(context.Background(), opts, "--config", env.config, "refresh-cookies", "--timeout", "50ms")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.ErrorIs(t, err, clearance.ErrNoClearance)
	assert.NoFileExists(t, env.cookies)
}

var listening = regexp.MustCompile(`listening on (\S+)`)

func TestServe(t *testing.T) {
	env := newTestEnv(t, "poll:\n  interval: 50ms\n")
	feed := testutil.NewFakeFeed(testutil.Records(1, 5)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := newRootCommand(&RootOptions{Feed: feed})
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--config", env.config, "serve", "--no-catchup"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		m := listening.FindStringSubmatch(out.String())
		if m == nil {
			return false
		}
		addr = m[1]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	client := &http.Client{Timeout: 5 * time.Second}
	defer client.CloseIdleConnections()
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/api/games?per_page=10")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"total":5`)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
