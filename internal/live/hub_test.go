package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/crashwatch/internal/events"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// createTestHub serves a hub and returns it with its ws:// URL.
func createTestHub(t *testing.T, opts ...Option) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	want := hub.Clients() + 1
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

type received struct {
	Type    events.Type     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f received
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// A batched new_record event reaches every subscriber as one frame per
// record, in order.
func TestHandle_FansOutRecords(t *testing.T) {
	hub, url := createTestHub(t)
	a := dial(t, hub, url)
	b := dial(t, hub, url)

	recs := testutil.Records(10, 12)
	require.NoError(t, hub.Handle(context.Background(), events.Event{
		Type:    events.TypeNewRecord,
		Payload: events.NewRecords{Records: recs, Inserted: 3, HighWaterMark: 12},
	}))

	for _, conn := range []*websocket.Conn{a, b} {
		for _, want := range recs {
			f := readFrame(t, conn)
			assert.Equal(t, events.TypeNewRecord, f.Type)
			var got game.Record
			require.NoError(t, json.Unmarshal(f.Payload, &got))
			assert.Equal(t, want.ID, got.ID)
		}
	}
}

func TestHandle_Summary(t *testing.T) {
	hub, url := createTestHub(t)
	conn := dial(t, hub, url)

	bus := events.New()
	defer bus.Close()
	bus.Subscribe("live", hub.Handle)

	bus.Publish(context.Background(), events.Event{
		Type: events.TypeReconciliationSummary,
		Payload: events.ReconciliationSummary{
			From: 1, To: 100, Filled: 4,
			RemainingGaps: []game.Range{{From: 7, To: 9}},
		},
	})

	f := readFrame(t, conn)
	assert.Equal(t, events.TypeReconciliationSummary, f.Type)
	var got events.ReconciliationSummary
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, 4, got.Filled)
	assert.Equal(t, []game.Range{{From: 7, To: 9}}, got.RemainingGaps)
}

func TestFrames(t *testing.T) {
	recs := testutil.Records(1, 2)
	frames := Frames(events.Event{Type: events.TypeNewRecord, Payload: &events.NewRecords{Records: recs}})
	require.Len(t, frames, 2)
	assert.Equal(t, recs[1], frames[1].Payload)

	assert.Empty(t, Frames(events.Event{Type: events.TypeNewRecord, Payload: events.NewRecords{}}))

	frames = Frames(events.Event{Type: events.TypeReverified, Payload: events.Reverified{Checked: 3}})
	require.Len(t, frames, 1)
	assert.Equal(t, events.TypeReverified, frames[0].Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := createTestHub(t)
	conn := dial(t, hub, url)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Broadcasting with no subscribers is a no-op.
	hub.Broadcast(Frame{Type: events.TypeNewRecord, Payload: 1})
}

func TestClose_DisconnectsSubscribers(t *testing.T) {
	hub, url := createTestHub(t)
	conn := dial(t, hub, url)

	hub.Close()
	assert.Zero(t, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// New connections are refused once closed.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
