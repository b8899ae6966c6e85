package webapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/viewguard/mediagateway/internal/apierr"
	"github.com/viewguard/mediagateway/internal/orchestrator"
	"github.com/viewguard/mediagateway/internal/store"
)

func marshalJSON(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func respondError(c *gin.Context, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err)
	}
	c.JSON(apiErr.StatusCode, apiErr.Envelope())
}

// --- auth ---------------------------------------------------------------

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleIssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" || req.ClientSecret == "" {
		respondError(c, apierr.Validation("request body must include client_id and client_secret"))
		return
	}
	pair, err := s.auth.IssueForClientCredentials(c.Request.Context(), req.ClientID, req.ClientSecret, req.Scope)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRefreshToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		respondError(c, apierr.Validation("request body must include refresh_token"))
		return
	}
	pair, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) handleRevokeToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		respondError(c, apierr.Validation("request body must include refresh_token"))
		return
	}
	if err := s.auth.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- devices --------------------------------------------------------------

type createDeviceRequest struct {
	Name     string  `json:"name" binding:"required"`
	RTSPURL  string  `json:"rtsp_url" binding:"required"`
	Location *string `json:"location"`
}

func (s *Server) handleCreateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("name and rtsp_url are required"))
		return
	}
	d := &store.Device{ID: uuid.NewString(), Name: req.Name, RTSPURL: req.RTSPURL, Location: req.Location}
	if err := s.store.CreateDevice(c.Request.Context(), d); err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	c.JSON(http.StatusCreated, deviceJSON(d))
}

func (s *Server) handleListDevices(c *gin.Context) {
	limit, offset := paginationParams(c)
	devices, err := s.store.ListDevices(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceJSON(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out, "count": len(out)})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	d, err := s.store.GetDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		respondError(c, apierr.NotFound("device"))
		return
	}
	c.JSON(http.StatusOK, deviceJSON(d))
}

func (s *Server) handleUpdateDevice(c *gin.Context) {
	var req createDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("name and rtsp_url are required"))
		return
	}
	id := c.Param("device_id")
	if err := s.store.UpdateDevice(c.Request.Context(), id, req.Name, req.RTSPURL, req.Location); err != nil {
		respondError(c, apierr.NotFound("device"))
		return
	}
	d, err := s.store.GetDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, apierr.NotFound("device"))
		return
	}
	c.JSON(http.StatusOK, deviceJSON(d))
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	if err := s.store.DeleteDevice(c.Request.Context(), c.Param("device_id")); err != nil {
		respondError(c, apierr.NotFound("device"))
		return
	}
	c.Status(http.StatusNoContent)
}

func deviceJSON(d *store.Device) gin.H {
	return gin.H{
		"device_id": d.ID,
		"name":      d.Name,
		"rtsp_url":  d.RTSPURL,
		"location":  d.Location,
		"is_active": d.IsActive,
		"created_at": d.CreatedAt.Format(time.RFC3339),
	}
}

// --- streams ----------------------------------------------------------------

func (s *Server) handleStartStream(c *gin.Context) {
	result, err := s.orch.StartStream(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Reconnect {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"v2_stream_id": result.StreamID,
		"room_id":      result.RoomID,
		"reconnect":    result.Reconnect,
		"producers": gin.H{
			"video": result.ProducerRef,
		},
		"stream": gin.H{
			"status": result.Status,
		},
	})
}

func (s *Server) handleStopStream(c *gin.Context) {
	if err := s.orch.StopStream(c.Request.Context(), c.Param("device_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleListStreams(c *gin.Context) {
	limit, offset := paginationParams(c)
	f := store.StreamFilter{Limit: limit, Offset: offset}
	if v := c.Query("state"); v != "" {
		st := store.StreamState(strings.ToUpper(v))
		f.State = &st
	}
	streams, err := s.store.ListStreams(c.Request.Context(), f)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	out := make([]gin.H, 0, len(streams))
	for _, st := range streams {
		out = append(out, streamJSON(st))
	}
	c.JSON(http.StatusOK, gin.H{"streams": out, "count": len(out)})
}

func (s *Server) handleGetStream(c *gin.Context) {
	st, err := s.store.GetStream(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		respondError(c, apierr.NotFound("stream"))
		return
	}
	c.JSON(http.StatusOK, streamJSON(st))
}

func streamJSON(st *store.Stream) gin.H {
	return gin.H{
		"stream_id":     st.ID,
		"device_id":     st.CameraID,
		"state":         string(st.State),
		"codec_config":  st.CodecConfig,
		"producer_ref":  st.ProducerRef,
		"last_error":    st.LastError,
		"retry_count":   st.RetryCount,
		"uptime_seconds": st.Uptime().Seconds(),
		"created_at":    st.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRouterCapabilities(c *gin.Context) {
	caps, err := s.orch.RouterCapabilities(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

func (s *Server) handleGetStreamHealth(c *gin.Context) {
	health, err := s.orch.StreamHealth(c.Request.Context(), c.Param("stream_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_healthy":   health.IsHealthy,
		"bitrate_kbps": health.BitrateKbps,
		"fps":          health.Fps,
		"packet_loss":  health.PacketLoss,
		"jitter_ms":    health.JitterMs,
		"last_error":   health.LastError,
	})
}

func (s *Server) handleListStreamConsumers(c *gin.Context) {
	streamID := c.Param("stream_id")
	consumers, err := s.store.ListConsumersForStream(c.Request.Context(), streamID)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	active, err := s.store.CountConnectedForStream(c.Request.Context(), streamID)
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	out := make([]gin.H, 0, len(consumers))
	for _, cons := range consumers {
		out = append(out, gin.H{
			"consumer_id": cons.ID,
			"client_id":   cons.ClientID,
			"state":       string(cons.State),
			"created_at":  cons.CreatedAt.Format(time.RFC3339),
			"last_seen_at": cons.LastSeenAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"consumers": out, "active_consumers": active})
}

type attachConsumerRequest struct {
	ClientID        string          `json:"client_id" binding:"required"`
	RTPCapabilities gin.H           `json:"rtp_capabilities" binding:"required"`
}

func (s *Server) handleAttachConsumer(c *gin.Context) {
	var req attachConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("client_id and rtp_capabilities are required"))
		return
	}
	caps, err := marshalJSON(req.RTPCapabilities)
	if err != nil {
		respondError(c, apierr.Validation("rtp_capabilities must be a JSON object"))
		return
	}
	result, err := s.orch.AttachConsumer(c.Request.Context(), c.Param("stream_id"), req.ClientID, caps)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"consumer_id":     result.ConsumerID,
		"transport_id":    result.TransportID,
		"ice_parameters":  result.IceParameters,
		"ice_candidates":  result.IceCandidates,
		"dtls_parameters": result.DtlsParameters,
		"kind":            result.Kind,
		"rtp_parameters":  result.RtpParameters,
	})
}

type connectConsumerRequest struct {
	DTLSParameters gin.H `json:"dtls_parameters" binding:"required"`
}

func (s *Server) handleConnectConsumer(c *gin.Context) {
	var req connectConsumerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("dtls_parameters is required"))
		return
	}
	dtls, err := marshalJSON(req.DTLSParameters)
	if err != nil {
		respondError(c, apierr.Validation("dtls_parameters must be a JSON object"))
		return
	}
	if err := s.orch.ConnectConsumer(c.Request.Context(), c.Param("consumer_id"), dtls); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDetachConsumer(c *gin.Context) {
	if err := s.orch.DetachConsumer(c.Request.Context(), c.Param("consumer_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- HLS playback -----------------------------------------------------------

func (s *Server) handlePlaylist(c *gin.Context) {
	streamID := c.Param("stream_id")
	path := filepath.Join(s.hlsRoot, filepath.Base(streamID), "playlist.m3u8")
	c.Header("Content-Type", "application/vnd.apple.mpegurl")
	c.File(path)
}

func (s *Server) handleSegment(c *gin.Context) {
	streamID := c.Param("stream_id")
	segment := filepath.Base(c.Param("segment")) // guards against path traversal
	path := filepath.Join(s.hlsRoot, filepath.Base(streamID), segment)
	c.Header("Content-Type", "video/mp2t")
	c.File(path)
}

// --- snapshots & bookmarks ---------------------------------------------------

type createSnapshotRequest struct {
	Source    string          `json:"source"` // "live" | "historical"; defaults to live
	Timestamp *time.Time      `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Server) handleCreateSnapshot(c *gin.Context) {
	var req createSnapshotRequest
	_ = c.ShouldBindJSON(&req)

	if req.Source == "historical" && req.Timestamp == nil {
		respondError(c, apierr.Validation("historical snapshots require a timestamp"))
		return
	}
	var at *time.Time
	if req.Source == "historical" {
		at = req.Timestamp
	}

	snap, err := s.orch.CreateSnapshot(c.Request.Context(), orchestrator.CreateSnapshotParams{
		StreamID: c.Param("stream_id"),
		At:       at,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshotJSON(snap))
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	limit, offset := paginationParams(c)
	streamID := c.Param("stream_id")
	snaps, err := s.store.ListSnapshots(c.Request.Context(), store.SnapshotFilter{StreamID: &streamID, Limit: limit, Offset: offset})
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	out := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotJSON(snap))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out, "count": len(out)})
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	snap, err := s.store.GetSnapshot(c.Request.Context(), c.Param("snapshot_id"))
	if err != nil {
		respondError(c, apierr.NotFound("snapshot"))
		return
	}
	c.JSON(http.StatusOK, snapshotJSON(snap))
}

func (s *Server) handleGetSnapshotImage(c *gin.Context) {
	snap, err := s.store.GetSnapshot(c.Request.Context(), c.Param("snapshot_id"))
	if err != nil {
		respondError(c, apierr.NotFound("snapshot"))
		return
	}
	respondBinaryOrStatus(c, snap.Status, snap.Error, snap.ImagePath)
}

func (s *Server) handleDeleteSnapshot(c *gin.Context) {
	if err := s.store.TombstoneSnapshot(c.Request.Context(), c.Param("snapshot_id")); err != nil {
		respondError(c, apierr.NotFound("snapshot"))
		return
	}
	c.Status(http.StatusNoContent)
}

func snapshotJSON(snap *store.Snapshot) gin.H {
	return gin.H{
		"snapshot_id": snap.ID,
		"stream_id":   snap.StreamID,
		"timestamp":   snap.Timestamp.Format(time.RFC3339),
		"source":      string(snap.Source),
		"status":      string(snap.Status),
		"error":       snap.Error,
		"created_at":  snap.CreatedAt.Format(time.RFC3339),
	}
}

type createBookmarkRequest struct {
	Source          string          `json:"source"` // "live" | "historical"; defaults to live
	CenterTimestamp *time.Time      `json:"center_timestamp"`
	BeforeSeconds   float64         `json:"before_seconds"`
	AfterSeconds    float64         `json:"after_seconds"`
	Label           *string         `json:"label"`
	EventType       *string         `json:"event_type"`
	Confidence      *float64        `json:"confidence"`
	Tags            *string         `json:"tags"`
}

func (s *Server) handleCreateBookmark(c *gin.Context) {
	var req createBookmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("invalid bookmark request body"))
		return
	}
	if req.Source == "historical" && req.CenterTimestamp == nil {
		respondError(c, apierr.Validation("historical bookmarks require a center_timestamp"))
		return
	}
	var centerTime *time.Time
	if req.Source == "historical" {
		centerTime = req.CenterTimestamp
	}
	bm, err := s.orch.CreateBookmark(c.Request.Context(), orchestrator.CreateBookmarkParams{
		StreamID:     c.Param("stream_id"),
		CenterTime:   centerTime,
		WindowBefore: time.Duration(req.BeforeSeconds * float64(time.Second)),
		WindowAfter:  time.Duration(req.AfterSeconds * float64(time.Second)),
		Label:        req.Label,
		EventType:    req.EventType,
		Confidence:   req.Confidence,
		Tags:         req.Tags,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bookmarkJSON(bm))
}

func (s *Server) handleListBookmarks(c *gin.Context) {
	limit, offset := paginationParams(c)
	streamID := c.Param("stream_id")
	bms, err := s.store.ListBookmarks(c.Request.Context(), store.BookmarkFilter{StreamID: &streamID, Limit: limit, Offset: offset})
	if err != nil {
		respondError(c, apierr.Internal(err))
		return
	}
	out := make([]gin.H, 0, len(bms))
	for _, bm := range bms {
		out = append(out, bookmarkJSON(bm))
	}
	c.JSON(http.StatusOK, gin.H{"bookmarks": out, "count": len(out)})
}

func (s *Server) handleGetBookmark(c *gin.Context) {
	bm, err := s.store.GetBookmark(c.Request.Context(), c.Param("bookmark_id"))
	if err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	c.JSON(http.StatusOK, bookmarkJSON(bm))
}

func (s *Server) handleGetBookmarkVideo(c *gin.Context) {
	bm, err := s.store.GetBookmark(c.Request.Context(), c.Param("bookmark_id"))
	if err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	respondBinaryOrStatus(c, bm.Status, bm.Error, bm.VideoPath)
}

func (s *Server) handleGetBookmarkThumbnail(c *gin.Context) {
	bm, err := s.store.GetBookmark(c.Request.Context(), c.Param("bookmark_id"))
	if err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	respondBinaryOrStatus(c, bm.Status, bm.Error, bm.ThumbnailPath)
}

// respondBinaryOrStatus serves the extraction artifact at path once READY,
// answers with an empty body carrying just the status while PROCESSING
// (§6), and surfaces the recorded failure reason once FAILED.
func respondBinaryOrStatus(c *gin.Context, status store.JobStatus, errMsg, path *string) {
	switch status {
	case store.StatusReady:
		if path == nil {
			respondError(c, apierr.Internal(fmt.Errorf("record marked ready without a file path")))
			return
		}
		c.File(*path)
	case store.StatusFailed:
		respondError(c, apierr.New(apierr.CodeNoRecordingData, apierr.KindResource, http.StatusConflict, "extraction failed").WithDetails(gin.H{"error": errMsg}))
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	}
}

type updateBookmarkRequest struct {
	Label     *string `json:"label"`
	EventType *string `json:"event_type"`
	Tags      *string `json:"tags"`
}

func (s *Server) handleUpdateBookmark(c *gin.Context) {
	var req updateBookmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.Validation("invalid update body"))
		return
	}
	id := c.Param("bookmark_id")
	if err := s.store.UpdateBookmarkMetadata(c.Request.Context(), id, req.Label, req.EventType, req.Tags); err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	bm, err := s.store.GetBookmark(c.Request.Context(), id)
	if err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	c.JSON(http.StatusOK, bookmarkJSON(bm))
}

func (s *Server) handleDeleteBookmark(c *gin.Context) {
	if err := s.store.TombstoneBookmark(c.Request.Context(), c.Param("bookmark_id")); err != nil {
		respondError(c, apierr.NotFound("bookmark"))
		return
	}
	c.Status(http.StatusNoContent)
}

func bookmarkJSON(bm *store.Bookmark) gin.H {
	h := gin.H{
		"bookmark_id":      bm.ID,
		"stream_id":        bm.StreamID,
		"center_timestamp": bm.CenterTimestamp.Format(time.RFC3339),
		"start_time":       bm.StartTime.Format(time.RFC3339),
		"end_time":         bm.EndTime.Format(time.RFC3339),
		"duration_seconds": bm.DurationSeconds,
		"source":           string(bm.Source),
		"label":            bm.Label,
		"event_type":       bm.EventType,
		"confidence":       bm.Confidence,
		"tags":             bm.Tags,
		"status":           string(bm.Status),
		"error":            bm.Error,
		"created_at":       bm.CreatedAt.Format(time.RFC3339),
	}
	if bm.Status == store.StatusReady {
		h["video_url"] = "/v2/bookmarks/" + bm.ID + "/video"
		h["thumbnail_url"] = "/v2/bookmarks/" + bm.ID + "/thumbnail"
	}
	return h
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func paginationParams(c *gin.Context) (limit, offset int) {
	limit = 50
	offset = 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
