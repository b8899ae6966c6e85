// Package webapi implements §6's external HTTP/JSON interface: auth token
// issuance, device registration, stream lifecycle control, consumer
// signalling, HLS playback, and snapshot/bookmark extraction — the single
// surface API Adapters (a web dashboard, a mobile client, an automation
// script) speak against.
//
// Grounded on the teacher's internal/web/server.go for the gin.Engine
// setup (release mode, request-logging + recovery + CORS middleware,
// http.Server with disabled write/idle timeouts so streamed responses
// aren't cut off) and Start/Stop shape as a runtime.Service; the route
// table and error envelope follow original_source/backend/app/api/v2/
// (auth.py, streams.py, consumers.py) translated into gin handlers.
package webapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viewguard/mediagateway/internal/authn"
	"github.com/viewguard/mediagateway/internal/config"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/orchestrator"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/store"
)

// Server is the HTTP surface, wired as a runtime.Service alongside the
// core's other long-lived components.
type Server struct {
	cfg     config.HTTPConfig
	log     *logger.Logger
	store   *store.Store
	orch    *orchestrator.Orchestrator
	auth    *authn.Issuer
	hlsRoot string

	router     *gin.Engine
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, st *store.Store, orch *orchestrator.Orchestrator, auth *authn.Issuer, hlsRoot string, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		orch:    orch,
		auth:    auth,
		hlsRoot: hlsRoot,
		router:  router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Name() string { return "http-api" }

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // HLS segment/playlist responses manage their own pace
		IdleTimeout:  0,
	}

	go func() {
		s.log.Info("starting http api", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http api server error", "address", addr, "error", err.Error())
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping http api")
	return s.httpServer.Shutdown(ctx)
}

var _ runtime.Service = (*Server)(nil)

func (s *Server) setupRoutes() {
	v2 := s.router.Group("/v2")

	authGroup := v2.Group("/auth")
	{
		authGroup.POST("/token", s.handleIssueToken)
		authGroup.POST("/token/refresh", s.handleRefreshToken)
		authGroup.POST("/token/revoke", s.handleRevokeToken)
	}

	// Device registration has no scope of its own in the fixed set (§3);
	// it gates stream lifecycle, so it shares streams:write.
	devices := v2.Group("/devices", authn.RequireScope(s.auth, "streams:write"))
	{
		devices.POST("", s.handleCreateDevice)
		devices.GET("", s.handleListDevices)
		devices.GET("/:device_id", s.handleGetDevice)
		devices.PUT("/:device_id", s.handleUpdateDevice)
		devices.DELETE("/:device_id", s.handleDeleteDevice)
	}

	// start-stream/stop-stream are pinned to /v1/devices/{id}/... by §6,
	// distinct from the /v2/streams/... group below which addresses
	// already-created streams by their v2 stream id.
	v1Devices := s.router.Group("/v1/devices", authn.RequireScope(s.auth, "streams:write"))
	{
		v1Devices.POST("/:device_id/start-stream", s.handleStartStream)
		v1Devices.POST("/:device_id/stop-stream", s.handleStopStream)
	}

	streams := v2.Group("/streams")
	{
		streams.GET("", authn.RequireScope(s.auth, "streams:read"), s.handleListStreams)
		streams.GET("/:stream_id", authn.RequireScope(s.auth, "streams:read"), s.handleGetStream)
		streams.GET("/:stream_id/health", authn.RequireScope(s.auth, "streams:read"), s.handleGetStreamHealth)
		streams.GET("/:stream_id/router-capabilities", authn.RequireScope(s.auth, "streams:consume"), s.handleRouterCapabilities)
		streams.POST("/:stream_id/consume", authn.RequireScope(s.auth, "streams:consume"), s.handleAttachConsumer)
		streams.GET("/:stream_id/consumers", authn.RequireScope(s.auth, "streams:read"), s.handleListStreamConsumers)

		streams.GET("/:stream_id/hls/playlist.m3u8", authn.RequireScope(s.auth, "streams:read"), s.handlePlaylist)
		streams.GET("/:stream_id/hls/:segment", authn.RequireScope(s.auth, "streams:read"), s.handleSegment)

		streams.POST("/:stream_id/snapshots", authn.RequireScope(s.auth, "snapshots:write"), s.handleCreateSnapshot)
		streams.GET("/:stream_id/snapshots", authn.RequireScope(s.auth, "snapshots:read"), s.handleListSnapshots)
		streams.POST("/:stream_id/bookmarks", authn.RequireScope(s.auth, "bookmarks:write"), s.handleCreateBookmark)
		streams.GET("/:stream_id/bookmarks", authn.RequireScope(s.auth, "bookmarks:read"), s.handleListBookmarks)
	}

	consumers := v2.Group("/consumers", authn.RequireScope(s.auth, "streams:consume"))
	{
		consumers.POST("/:consumer_id/connect", s.handleConnectConsumer)
		consumers.DELETE("/:consumer_id", s.handleDetachConsumer)
	}

	snapshots := v2.Group("/snapshots")
	{
		snapshots.GET("/:snapshot_id", authn.RequireScope(s.auth, "snapshots:read"), s.handleGetSnapshot)
		snapshots.GET("/:snapshot_id/image", authn.RequireScope(s.auth, "snapshots:read"), s.handleGetSnapshotImage)
		snapshots.DELETE("/:snapshot_id", authn.RequireScope(s.auth, "snapshots:write"), s.handleDeleteSnapshot)
	}

	bookmarks := v2.Group("/bookmarks")
	{
		bookmarks.GET("/:bookmark_id", authn.RequireScope(s.auth, "bookmarks:read"), s.handleGetBookmark)
		bookmarks.GET("/:bookmark_id/video", authn.RequireScope(s.auth, "bookmarks:read"), s.handleGetBookmarkVideo)
		bookmarks.GET("/:bookmark_id/thumbnail", authn.RequireScope(s.auth, "bookmarks:read"), s.handleGetBookmarkThumbnail)
		bookmarks.PUT("/:bookmark_id", authn.RequireScope(s.auth, "bookmarks:write"), s.handleUpdateBookmark)
		bookmarks.DELETE("/:bookmark_id", authn.RequireScope(s.auth, "bookmarks:write"), s.handleDeleteBookmark)
	}

	s.router.GET("/healthz", s.handleHealthz)
}

func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}
		log.Info("http request", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
