package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: id, Name: "front-door", RTSPURL: "rtsp://cam/1"}))

	d, err := s.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "front-door", d.Name)
	assert.False(t, d.IsActive)

	loc := "porch"
	require.NoError(t, s.UpdateDevice(ctx, id, "front-door-2", "rtsp://cam/2", &loc))
	d, err = s.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "front-door-2", d.Name)
	require.NotNil(t, d.Location)
	assert.Equal(t, "porch", *d.Location)

	require.NoError(t, s.DeleteDevice(ctx, id))
	_, err = s.GetDevice(ctx, id)
	assert.Error(t, err)
}

func TestStreamNonTerminalInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))

	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamInitializing}))

	existing, err := s.GetNonTerminalStreamForDevice(ctx, devID)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, streamID, existing.ID)

	require.NoError(t, s.TransitionState(ctx, streamID, StreamStopped, StreamUpdate{ClearAssignedPort: true}))

	existing, err = s.GetNonTerminalStreamForDevice(ctx, devID)
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestStreamTransitionRecordsLiveInvariantFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))
	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamInitializing}))

	producerRef := uuid.NewString()
	ssrc := uint32(123456)
	now := time.Now()
	require.NoError(t, s.TransitionState(ctx, streamID, StreamLive, StreamUpdate{
		ProducerRef:  &producerRef,
		CapturedSSRC: &ssrc,
		StartedAt:    &now,
		ResetRetry:   true,
	}))

	st, err := s.GetStream(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, StreamLive, st.State)
	require.NotNil(t, st.ProducerRef)
	assert.Equal(t, producerRef, *st.ProducerRef)
	require.NotNil(t, st.CapturedSSRC)
	assert.Equal(t, ssrc, *st.CapturedSSRC)
	assert.Greater(t, st.Uptime(), time.Duration(0))
}

func TestConsumerLifecycleAndFanout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))
	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamLive}))

	var ids []string
	for i := 0; i < 3; i++ {
		cID := uuid.NewString()
		require.NoError(t, s.CreateConsumer(ctx, &Consumer{
			ID: cID, StreamID: streamID, ClientID: uuid.NewString(), State: ConsumerPending,
		}))
		require.NoError(t, s.MarkConsumerConnected(ctx, cID))
		ids = append(ids, cID)
	}

	n, err := s.CountConnectedForStream(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.CloseAllForStream(ctx, streamID, "stream left LIVE"))
	n, err = s.CountConnectedForStream(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, id := range ids {
		c, err := s.GetConsumer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ConsumerClosed, c.State)
	}
}

func TestSnapshotStatusIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))
	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamLive}))

	snapID := uuid.NewString()
	require.NoError(t, s.CreateSnapshot(ctx, &Snapshot{
		ID: snapID, StreamID: streamID, Timestamp: time.Now(), Source: SourceLive, Status: StatusProcessing,
	}))

	path := "/data/snapshots/" + snapID + ".jpg"
	require.NoError(t, s.CompleteSnapshot(ctx, snapID, StatusReady, &path, nil))

	snap, err := s.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)

	// A second completion attempt must fail: PROCESSING->READY|FAILED never repeats.
	err = s.CompleteSnapshot(ctx, snapID, StatusFailed, nil, nil)
	assert.Error(t, err)
}

func TestBookmarkDurationInvariant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))
	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamLive}))

	center := time.Now().Add(-60 * time.Second)
	start := center.Add(-5 * time.Second)
	end := center.Add(5 * time.Second)

	bID := uuid.NewString()
	require.NoError(t, s.CreateBookmark(ctx, &Bookmark{
		ID: bID, StreamID: streamID, CenterTimestamp: center, StartTime: start, EndTime: end,
		DurationSeconds: 10, Source: SourceHistorical, Status: StatusProcessing,
	}))

	b, err := s.GetBookmark(ctx, bID)
	require.NoError(t, err)
	assert.InDelta(t, b.EndTime.Sub(b.StartTime).Seconds(), b.DurationSeconds, 0.01)
}

func TestAuditEventsRecordRestartAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, s.CreateDevice(ctx, &Device{ID: devID, Name: "cam", RTSPURL: "rtsp://cam"}))
	streamID := uuid.NewString()
	require.NoError(t, s.CreateStream(ctx, &Stream{ID: streamID, CameraID: devID, State: StreamError}))

	backoffs := []int64{5000, 10000, 20000}
	for i, ms := range backoffs {
		require.NoError(t, s.RecordAuditEvent(ctx, &AuditEvent{
			ID: uuid.NewString(), StreamID: streamID, Attempt: i + 1, BackoffMS: ms, Reason: "ssrc_capture_timeout",
		}))
	}

	events, err := s.ListAuditEvents(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(5000), events[0].BackoffMS)
	assert.Equal(t, int64(20000), events[2].BackoffMS)
}

func TestRefreshTokenNotRotatedOnIssuance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clientID := uuid.NewString()
	require.NoError(t, s.CreateClient(ctx, &Client{ClientID: clientID, HashedSecret: "hash", Scopes: "streams:read streams:consume"}))

	tokenID := uuid.NewString()
	require.NoError(t, s.CreateRefreshToken(ctx, &RefreshToken{
		TokenID: tokenID, ClientID: clientID, Scopes: "streams:read streams:consume",
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}))

	tok, err := s.GetRefreshToken(ctx, tokenID)
	require.NoError(t, err)
	assert.False(t, tok.Revoked)
	assert.Equal(t, "streams:read streams:consume", tok.Scopes)

	require.NoError(t, s.RevokeRefreshToken(ctx, tokenID))
	tok, err = s.GetRefreshToken(ctx, tokenID)
	require.NoError(t, err)
	assert.True(t, tok.Revoked)
}
