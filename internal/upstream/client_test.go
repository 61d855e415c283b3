package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crashwatch/internal/game"
)

const testHash = "eedd5b738f15ca312535d218bb58db2f5b34a5bc07674ab7564afceb6b860ad8"

// createTestClient points a client at a fake feed served by h.
func createTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(append([]Option{WithBaseURL(srv.URL)}, opts...)...)
	require.NoError(t, err)
	return c
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestFetchPage_BareArray(t *testing.T) {
	body := fmt.Sprintf(`[
		{"id": 7001, "hash": "%s", "reportedOutcome": 1.28, "floorValue": 1, "beginTime": 1740830400000, "endTime": 1740830408000},
		{"id": 7000, "hash": "0x%s", "crashPoint": 3.5}
	]`, testHash, testHash)
	c := createTestClient(t, jsonHandler(body))

	page, err := c.FetchPage(context.Background(), 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Empty(t, page.Invalid)

	first := page.Records[0]
	assert.Equal(t, int64(7001), first.ID)
	assert.Equal(t, testHash, first.Hash)
	assert.InDelta(t, 1.28, first.ReportedOutcome, 1e-9)
	assert.Equal(t, int64(1), first.FloorValue)
	assert.Equal(t, time.UnixMilli(1740830400000).UTC(), first.BeginTime)
	assert.True(t, first.PrepareTime.IsZero())

	assert.InDelta(t, 3.5, page.Records[1].ReportedOutcome, 1e-9)
	assert.Equal(t, int64(3), page.Records[1].FloorValue)
}

func TestFetchPage_GameDetailEnvelope(t *testing.T) {
	detail, err := json.Marshal(map[string]any{
		"rate":        "1.28",
		"hash":        testHash,
		"prepareTime": 1740830395000,
		"beginTime":   1740830400000,
		"endTime":     1740830408000,
	})
	require.NoError(t, err)

	for _, path := range []string{"list", "items", "data"} {
		t.Run(path, func(t *testing.T) {
			envelope := map[string]any{
				"code": 0,
				"data": map[string]any{
					path: []any{map[string]any{"gameId": "7001", "gameDetail": string(detail)}},
				},
			}
			raw, err := json.Marshal(envelope)
			require.NoError(t, err)

			c := createTestClient(t, jsonHandler(string(raw)))
			page, err := c.FetchPage(context.Background(), 1, 20)
			require.NoError(t, err)
			require.Len(t, page.Records, 1)

			rec := page.Records[0]
			assert.Equal(t, int64(7001), rec.ID)
			assert.InDelta(t, 1.28, rec.ReportedOutcome, 1e-9)
			assert.Equal(t, time.UnixMilli(1740830395000).UTC(), rec.PrepareTime)
			assert.Equal(t, time.UnixMilli(1740830408000).UTC(), rec.EndTime)
		})
	}
}

func TestFetchPage_InvalidItemsAreSkipped(t *testing.T) {
	body := fmt.Sprintf(`{"data":{"list":[
		{"gameId": 3, "gameDetail": "{\"rate\":2.0,\"hash\":\"%s\"}"},
		{"gameId": 2, "gameDetail": "{\"rate\":2.0,\"hash\":\"zz\"}"},
		{"gameId": 1, "gameDetail": "not json"},
		{"gameId": 4, "gameDetail": "{\"hash\":\"%s\"}"},
		{"id": 5, "hash": "%s", "reportedOutcome": 0.5},
		"junk"
	]}}`, testHash, testHash, testHash)
	c := createTestClient(t, jsonHandler(body))

	page, err := c.FetchPage(context.Background(), 2, 20)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(3), page.Records[0].ID)
	require.Len(t, page.Invalid, 5)

	ids := make([]int64, 0, len(page.Invalid))
	for _, ve := range page.Invalid {
		assert.Equal(t, "record", ve.Field)
		ids = append(ids, ve.RecordID)
	}
	assert.Equal(t, []int64{2, 1, 4, 5, 0}, ids)
}

func TestFetchPage_EmptyPageIsNotAnError(t *testing.T) {
	for name, body := range map[string]string{
		"empty list":  `{"data":{"list":[]}}`,
		"no list":     `{"code":0,"msg":"ok"}`,
		"empty array": `[]`,
		"null data":   `{"data":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := createTestClient(t, jsonHandler(body))
			page, err := c.FetchPage(context.Background(), 1, 20)
			require.NoError(t, err)
			assert.NotNil(t, page.Records)
			assert.Empty(t, page.Records)
		})
	}
}

func TestFetchPage_ChallengeIsBlocked(t *testing.T) {
	html, err := os.ReadFile(filepath.Join("testdata", "challenge.html"))
	require.NoError(t, err)

	c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		w.WriteHeader(http.StatusForbidden)
		w.Write(html)
	})

	_, err = c.FetchPage(context.Background(), 1, 20)
	require.Error(t, err)
	assert.True(t, game.IsBlocked(err))
	assert.False(t, game.IsTransient(err))

	var ue *game.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusForbidden, ue.StatusCode)
	assert.Equal(t, "Just a moment", ue.Signature)
}

func TestFetchPage_SignatureInsideJSONIsNotAChallenge(t *testing.T) {
	body := fmt.Sprintf(`[{"id": 9, "hash": "%s", "reportedOutcome": 2, "note": "Just a moment"}]`, testHash)
	c := createTestClient(t, jsonHandler(body))

	page, err := c.FetchPage(context.Background(), 1, 20)
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestFetchPage_TransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
				fmt.Fprint(w, `{"error":"busy"}`)
			})

			_, err := c.FetchPage(context.Background(), 3, 20)
			require.Error(t, err)
			assert.True(t, game.IsTransient(err))

			var ue *game.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, status, ue.StatusCode)
			assert.Equal(t, 3, ue.Page)
		})
	}
}

func TestFetchPage_UnparseableBodyIsTransient(t *testing.T) {
	c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><body>maintenance</body></html>")
	})

	_, err := c.FetchPage(context.Background(), 1, 20)
	require.Error(t, err)
	assert.True(t, game.IsTransient(err))
}

func TestFetchPage_TimeoutIsTransient(t *testing.T) {
	c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(50*time.Millisecond))

	_, err := c.FetchPage(context.Background(), 1, 20)
	require.Error(t, err)
	assert.True(t, game.IsTransient(err))
	assert.True(t, IsTimeout(err))
}

func TestFetchPage_PostRequestShape(t *testing.T) {
	var got historyRequest
	var gotCookie, gotUA string
	c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultHistoryPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if ck, err := r.Cookie(ClearanceCookie); err == nil {
			gotCookie = ck.Value
		}
		gotUA = r.UserAgent()
		fmt.Fprint(w, `[]`)
	}, WithCookies(newTestCookies(t, "cf_clearance=abc123\n")))

	_, err := c.FetchPage(context.Background(), 4, 500)
	require.NoError(t, err)
	assert.Equal(t, historyRequest{GameURL: "crash", Page: 4, PageSize: MaxPageSize}, got)
	assert.Equal(t, "abc123", gotCookie)
	assert.Equal(t, DefaultUserAgent, gotUA)
}

func TestFetchPage_GetRequestShape(t *testing.T) {
	c := createTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/history", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "20", r.URL.Query().Get("size"))
		fmt.Fprint(w, `[]`)
	}, WithMethod(http.MethodGet), WithHistoryPath("/api/history"))

	_, err := c.FetchPage(context.Background(), 2, 5)
	require.NoError(t, err)
}

func TestFetchPage_ConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	body := fmt.Sprintf(`[{"id": 1, "hash": "%s", "reportedOutcome": 1.5, "endTime": 1740830408000}]`, testHash)
	c := createTestClient(t, jsonHandler(body), WithLocation(loc))

	page, err := c.FetchPage(context.Background(), 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, loc, page.Records[0].EndTime.Location())
	assert.True(t, page.Records[0].EndTime.Equal(time.UnixMilli(1740830408000)))
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, MinPageSize, ClampPageSize(0))
	assert.Equal(t, 50, ClampPageSize(50))
	assert.Equal(t, MaxPageSize, ClampPageSize(1000))
}

func TestDetectChallenge(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        bool
	}{
		{"html challenge", "<title>Just a moment...</title>", "text/html", true},
		{"plain marker", "cf-chl-bypass", "", true},
		{"json with marker", `{"msg":"Checking your browser"}`, "application/json", false},
		{"json body served as html", `{"msg":"Attention Required"}`, "text/html", true},
		{"ordinary html", "<html>hello</html>", "text/html", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := detectChallenge([]byte(tt.body), tt.contentType, DefaultChallengeSignatures)
			assert.Equal(t, tt.want, got)
		})
	}
}
