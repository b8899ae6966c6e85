package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/consumer"
	"github.com/viewguard/mediagateway/internal/extraction"
	"github.com/viewguard/mediagateway/internal/hls"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/portbroker"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/transcoder"
)

// newFakeSFUServer answers just enough JSON-RPC methods to let the
// orchestrator's façade calls (get-router-rtp-capabilities, plain-transport
// setup) complete without a real mediasoup-style worker.
func newFakeSFUServer(t *testing.T) *httptest.Server {
	var upgrader websocket.Upgrader
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			var req struct {
				Method string          `json:"method"`
				ID     json.RawMessage `json:"id"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var idNum uint64
			_ = json.Unmarshal(req.ID, &idNum)

			var result interface{} = map[string]interface{}{}
			if req.Method == "get-router-rtp-capabilities" {
				result = map[string]interface{}{"codecs": []interface{}{"h264"}}
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"id":     idNum,
				"result": result,
			})
		}
	}))
}

func wsURL(httpURL string) string { return "ws" + httpURL[len("http"):] }

type testFixture struct {
	orch     *Orchestrator
	store    *store.Store
	deviceID string
}

// newTestOrchestrator wires every collaborator against a fake SFU and a
// throwaway sqlite file, skipping when ffmpeg isn't on PATH since both the
// Transcoder Supervisor and Extraction Pool require it at construction.
func newTestOrchestrator(t *testing.T) *testFixture {
	t.Helper()
	srv := newFakeSFUServer(t)
	t.Cleanup(srv.Close)

	bus := runtime.NewEventBus()
	sfuClient := sfu.New(sfu.Config{URL: wsURL(srv.URL), CallTimeout: 2 * time.Second}, logger.NewNopLogger(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sfuClient.Start(ctx))
	t.Cleanup(func() { sfuClient.Stop(context.Background()) })
	require.Eventually(t, sfuClient.Connected, time.Second, 10*time.Millisecond)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ports := portbroker.New(30000, 30100)

	sup, err := transcoder.New(logger.NewNopLogger(), bus)
	if err != nil {
		t.Skipf("ffmpeg not available, skipping orchestrator test: %v", err)
	}

	consumers := consumer.New(st, sfuClient, bus, logger.NewNopLogger(), 30*time.Second)
	consumers.Start(ctx)
	t.Cleanup(consumers.Stop)

	recordings := t.TempDir()
	pruner := hls.New(recordings, hls.DefaultRetention, logger.NewNopLogger())
	pool, err := extraction.New(st, pruner, recordings, 1, 8, logger.NewNopLogger())
	if err != nil {
		t.Skipf("ffmpeg not available, skipping orchestrator test: %v", err)
	}

	orch := New(st, bus, ports, sfuClient, sup, consumers, pool, Config{
		RecordingsRoot: recordings,
		StartDeadline:  2 * time.Second,
		SSRCTimeout:    500 * time.Millisecond,
	}, logger.NewNopLogger())
	t.Cleanup(orch.Close)

	deviceID := uuid.NewString()
	require.NoError(t, st.CreateDevice(context.Background(), &store.Device{
		ID: deviceID, RTSPURL: "rtsp://127.0.0.1:1/nonexistent", Name: "cam",
	}))

	return &testFixture{orch: orch, store: st, deviceID: deviceID}
}

func TestStartStreamReturnsNotFoundForUnknownDevice(t *testing.T) {
	f := newTestOrchestrator(t)
	_, err := f.orch.StartStream(context.Background(), uuid.NewString())
	require.Error(t, err)
}

func TestStartStreamReturnsReconnectForExistingNonTerminalStream(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamReady,
	}))

	res, err := f.orch.StartStream(ctx, f.deviceID)
	require.NoError(t, err)
	assert.True(t, res.Reconnect)
	assert.Equal(t, streamID, res.StreamID)
}

func TestStartStreamFailsWhenTranscoderCannotReachDevice(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.orch.StartStream(ctx, f.deviceID)
	require.Error(t, err, "an unreachable rtsp source must not report success")
}

func TestStopStreamIsNoOpWithoutNonTerminalStream(t *testing.T) {
	f := newTestOrchestrator(t)
	err := f.orch.StopStream(context.Background(), f.deviceID)
	assert.NoError(t, err)
}

func TestStopStreamSendsStopRequestedToRunningActor(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))
	f.orch.spawnActor(streamID, store.StreamLive, 0)

	require.NoError(t, f.orch.StopStream(ctx, f.deviceID))

	require.Eventually(t, func() bool {
		s, err := f.store.GetStream(ctx, streamID)
		return err == nil && s.State == store.StreamStopped
	}, time.Second, 10*time.Millisecond)
}

func TestCreateSnapshotLiveEnqueuesJobWithDeviceRTSPURL(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))

	snap, err := f.orch.CreateSnapshot(ctx, CreateSnapshotParams{StreamID: streamID})
	require.NoError(t, err)
	assert.Equal(t, store.SourceLive, snap.Source)
	assert.Equal(t, store.StatusProcessing, snap.Status)

	persisted, err := f.store.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, streamID, persisted.StreamID)
}

func TestCreateSnapshotHistoricalSetsSourceAndTimestamp(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))

	at := time.Now().Add(-time.Hour)
	snap, err := f.orch.CreateSnapshot(ctx, CreateSnapshotParams{StreamID: streamID, At: &at})
	require.NoError(t, err)
	assert.Equal(t, store.SourceHistorical, snap.Source)
	assert.WithinDuration(t, at, snap.Timestamp, time.Millisecond)
}

func TestCreateSnapshotUnknownStreamReturnsNotFound(t *testing.T) {
	f := newTestOrchestrator(t)
	_, err := f.orch.CreateSnapshot(context.Background(), CreateSnapshotParams{StreamID: uuid.NewString()})
	require.Error(t, err)
}

func TestCreateBookmarkTreatsExplicitZeroAsZeroNotDefault(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))

	bm, err := f.orch.CreateBookmark(ctx, CreateBookmarkParams{StreamID: streamID, WindowBefore: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, store.SourceLive, bm.Source)
	assert.Equal(t, 5.0, bm.DurationSeconds, "after_seconds omitted (0) must stay 0, not default to 10s")
	assert.WithinDuration(t, bm.StartTime.Add(5*time.Second), bm.EndTime, time.Millisecond)
}

func TestCreateBookmarkRejectsZeroWindows(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))

	_, err := f.orch.CreateBookmark(ctx, CreateBookmarkParams{StreamID: streamID})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidationError, apiErr.Code)
}

func TestCreateBookmarkHistoricalComputesStartEndFromCenterTime(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))

	center := time.Now().Add(-30 * time.Minute)
	bm, err := f.orch.CreateBookmark(ctx, CreateBookmarkParams{
		StreamID: streamID, CenterTime: &center,
		WindowBefore: 5 * time.Second, WindowAfter: 15 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, store.SourceHistorical, bm.Source)
	assert.WithinDuration(t, center.Add(-5*time.Second), bm.StartTime, time.Millisecond)
	assert.WithinDuration(t, center.Add(15*time.Second), bm.EndTime, time.Millisecond)
}

func TestCreateBookmarkUnknownStreamReturnsNotFound(t *testing.T) {
	f := newTestOrchestrator(t)
	_, err := f.orch.CreateBookmark(context.Background(), CreateBookmarkParams{StreamID: uuid.NewString()})
	require.Error(t, err)
}

func TestRouterCapabilitiesDelegatesToSFUClient(t *testing.T) {
	f := newTestOrchestrator(t)
	caps, err := f.orch.RouterCapabilities(context.Background())
	require.NoError(t, err)
	assert.Contains(t, caps, "codecs")
}

func TestOnSFUDisconnectedMarksLiveStreamsAsSFULost(t *testing.T) {
	f := newTestOrchestrator(t)
	ctx := context.Background()

	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(ctx, &store.Stream{
		ID: streamID, CameraID: f.deviceID, State: store.StreamLive,
	}))
	f.orch.spawnActor(streamID, store.StreamLive, 0)

	f.orch.onSFUDisconnected(runtime.Event{})

	require.Eventually(t, func() bool {
		s, err := f.store.GetStream(ctx, streamID)
		return err == nil && s.State == store.StreamError
	}, time.Second, 10*time.Millisecond)
}
