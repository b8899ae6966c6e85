package health

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

	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/streamfsm"
)

// newStatsSFUServer answers get-all-producer-stats with whatever the test
// has queued via the statsCh channel, letting a test drive successive
// polls deterministically without a real mediasoup-style worker.
func newStatsSFUServer(t *testing.T, statsCh chan []sfu.ProducerStats) *httptest.Server {
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

			var result interface{} = []sfu.ProducerStats{}
			if req.Method == "get-all-producer-stats" {
				select {
				case stats := <-statsCh:
					result = stats
				default:
					result = []sfu.ProducerStats{}
				}
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"id":     idNum,
				"result": result,
			})
		}
	}))
}

func wsURL(httpURL string) string { return "ws" + httpURL[len("http"):] }

type monitorFixture struct {
	monitor  *Monitor
	store    *store.Store
	statsCh  chan []sfu.ProducerStats
	streamID string
	actor    *streamfsm.Actor
}

func newTestMonitor(t *testing.T, initialState store.StreamState) *monitorFixture {
	t.Helper()
	statsCh := make(chan []sfu.ProducerStats, 4)
	srv := newStatsSFUServer(t, statsCh)
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

	deviceID := uuid.NewString()
	require.NoError(t, st.CreateDevice(ctx, &store.Device{ID: deviceID, RTSPURL: "rtsp://cam/1", Name: "cam"}))
	streamID := uuid.NewString()
	require.NoError(t, st.CreateStream(ctx, &store.Stream{ID: streamID, CameraID: deviceID, State: initialState}))
	producerID := uuid.NewString()
	require.NoError(t, st.CreateProducer(ctx, &store.Producer{
		ID: producerID, StreamID: streamID, SFUID: "producer-sfu-1", SSRC: 0xabc, State: store.ProducerActive,
	}))

	actor := streamfsm.New(streamID, initialState, 0, st, bus, logger.NewNopLogger())
	actor.Run(ctx)
	t.Cleanup(actor.Close)

	lookup := func(id string) (*streamfsm.Actor, bool) {
		if id == streamID {
			return actor, true
		}
		return nil, false
	}

	m := New(st, sfuClient, lookup, bus, logger.NewNopLogger())
	return &monitorFixture{monitor: m, store: st, statsCh: statsCh, streamID: streamID, actor: actor}
}

func (f *monitorFixture) producerStats(id string, packets int64) []sfu.ProducerStats {
	return []sfu.ProducerStats{{ProducerID: id, PacketsReceived: packets}}
}

func (f *monitorFixture) producerID(t *testing.T) string {
	t.Helper()
	p, err := f.store.GetActiveProducerForStream(context.Background(), f.streamID)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.ID
}

func TestCheckAllPromotesReadyStreamOnFirstPackets(t *testing.T) {
	f := newTestMonitor(t, store.StreamReady)
	ctx := context.Background()
	pid := f.producerID(t)

	f.statsCh <- f.producerStats(pid, 100)
	f.monitor.checkAll(ctx)

	st, err := f.store.GetStream(ctx, f.streamID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamLive, st.State)
}

func TestCheckAllLeavesLiveStreamAloneWhilePacketsIncrease(t *testing.T) {
	f := newTestMonitor(t, store.StreamLive)
	ctx := context.Background()
	pid := f.producerID(t)

	f.statsCh <- f.producerStats(pid, 100)
	f.monitor.checkAll(ctx)
	f.statsCh <- f.producerStats(pid, 250)
	f.monitor.checkAll(ctx)

	st, err := f.store.GetStream(ctx, f.streamID)
	require.NoError(t, err)
	assert.Equal(t, store.StreamLive, st.State)
}

func TestCheckAllPushesStreamToErrorAfterStaleThreshold(t *testing.T) {
	f := newTestMonitor(t, store.StreamLive)
	ctx := context.Background()
	pid := f.producerID(t)

	f.statsCh <- f.producerStats(pid, 100)
	f.monitor.checkAll(ctx) // establishes baseline, not yet stale

	for i := 0; i < DefaultStaleThreshold; i++ {
		f.statsCh <- f.producerStats(pid, 100) // no increase
		f.monitor.checkAll(ctx)
	}

	require.Eventually(t, func() bool {
		st, err := f.store.GetStream(ctx, f.streamID)
		return err == nil && st.State == store.StreamError
	}, time.Second, 10*time.Millisecond)
}

func TestCheckAllResetsStaleCountOnRecovery(t *testing.T) {
	f := newTestMonitor(t, store.StreamLive)
	ctx := context.Background()
	pid := f.producerID(t)

	f.statsCh <- f.producerStats(pid, 100)
	f.monitor.checkAll(ctx)
	f.statsCh <- f.producerStats(pid, 100) // stale #1
	f.monitor.checkAll(ctx)
	f.statsCh <- f.producerStats(pid, 200) // recovers
	f.monitor.checkAll(ctx)

	f.monitor.mu.Lock()
	track := f.monitor.tracking[pid]
	f.monitor.mu.Unlock()
	require.NotNil(t, track)
	assert.Equal(t, 0, track.staleCount)
}

func TestForgetMissingProducersDropsStaleTrackingState(t *testing.T) {
	f := newTestMonitor(t, store.StreamLive)
	ctx := context.Background()
	pid := f.producerID(t)

	f.statsCh <- f.producerStats(pid, 100)
	f.monitor.checkAll(ctx)

	f.statsCh <- []sfu.ProducerStats{}
	f.monitor.checkAll(ctx)

	f.monitor.mu.Lock()
	_, tracked := f.monitor.tracking[pid]
	f.monitor.mu.Unlock()
	assert.False(t, tracked)
}

func TestStartAndStopTransitionStatus(t *testing.T) {
	f := newTestMonitor(t, store.StreamLive)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.monitor.Start(ctx))
	assert.Equal(t, runtime.StateRunning, f.monitor.Status.State())

	require.NoError(t, f.monitor.Stop(context.Background()))
	assert.Equal(t, runtime.StateStopped, f.monitor.Status.State())
}
