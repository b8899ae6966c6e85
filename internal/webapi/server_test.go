package webapi

import (
	"bytes"
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
	"golang.org/x/crypto/bcrypt"

	"github.com/viewguard/mediagateway/internal/authn"
	"github.com/viewguard/mediagateway/internal/config"
	"github.com/viewguard/mediagateway/internal/consumer"
	"github.com/viewguard/mediagateway/internal/extraction"
	"github.com/viewguard/mediagateway/internal/hls"
	"github.com/viewguard/mediagateway/internal/logger"
	"github.com/viewguard/mediagateway/internal/orchestrator"
	"github.com/viewguard/mediagateway/internal/portbroker"
	"github.com/viewguard/mediagateway/internal/runtime"
	"github.com/viewguard/mediagateway/internal/sfu"
	"github.com/viewguard/mediagateway/internal/store"
	"github.com/viewguard/mediagateway/internal/transcoder"
)

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
			result := interface{}(map[string]interface{}{})
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
	server   *Server
	store    *store.Store
	auth     *authn.Issuer
	clientID string
	secret   string
}

func newTestServer(t *testing.T, scopes string) *testFixture {
	t.Helper()
	sfuSrv := newFakeSFUServer(t)
	t.Cleanup(sfuSrv.Close)

	bus := runtime.NewEventBus()
	sfuClient := sfu.New(sfu.Config{URL: wsURL(sfuSrv.URL), CallTimeout: 2 * time.Second}, logger.NewNopLogger(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, sfuClient.Start(ctx))
	t.Cleanup(func() { sfuClient.Stop(context.Background()) })
	require.Eventually(t, sfuClient.Connected, time.Second, 10*time.Millisecond)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sup, err := transcoder.New(logger.NewNopLogger(), bus)
	if err != nil {
		t.Skipf("ffmpeg not available, skipping webapi test: %v", err)
	}
	consumers := consumer.New(st, sfuClient, bus, logger.NewNopLogger(), 30*time.Second)
	consumers.Start(ctx)
	t.Cleanup(consumers.Stop)

	recordings := t.TempDir()
	pruner := hls.New(recordings, hls.DefaultRetention, logger.NewNopLogger())
	pool, err := extraction.New(st, pruner, recordings, 1, 8, logger.NewNopLogger())
	if err != nil {
		t.Skipf("ffmpeg not available, skipping webapi test: %v", err)
	}

	orch := orchestrator.New(st, bus, portbroker.New(30200, 30300), sfuClient, sup, consumers, pool,
		orchestrator.Config{RecordingsRoot: recordings, StartDeadline: 2 * time.Second, SSRCTimeout: 300 * time.Millisecond},
		logger.NewNopLogger())
	t.Cleanup(orch.Close)

	issuer := authn.New(st, "test-signing-key", time.Minute, time.Hour)

	clientID := uuid.NewString()
	secret := "s3cret"
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, st.CreateClient(context.Background(), &store.Client{
		ClientID: clientID, HashedSecret: string(hashed), Scopes: scopes,
	}))

	srv := New(config.HTTPConfig{Host: "127.0.0.1", Port: 0}, st, orch, issuer, recordings, logger.NewNopLogger())

	return &testFixture{server: srv, store: st, auth: issuer, clientID: clientID, secret: secret}
}

func (f *testFixture) do(t *testing.T, method, path string, body interface{}, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func (f *testFixture) token(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v2/auth/token", map[string]interface{}{
		"client_id":     f.clientID,
		"client_secret": f.secret,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pair authn.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return pair.AccessToken
}

func TestHealthzReturnsOK(t *testing.T) {
	f := newTestServer(t, "streams:write")
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssueTokenRejectsMissingCredentials(t *testing.T) {
	f := newTestServer(t, "streams:write")
	rec := f.do(t, http.MethodPost, "/v2/auth/token", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceRoutesRequireBearerToken(t *testing.T) {
	f := newTestServer(t, "streams:write")
	rec := f.do(t, http.MethodGet, "/v2/devices", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceCRUDRoundTrip(t *testing.T) {
	f := newTestServer(t, "streams:write")
	token := f.token(t)

	create := f.do(t, http.MethodPost, "/v2/devices", map[string]interface{}{
		"name": "front door", "rtsp_url": "rtsp://cam/1",
	}, token)
	require.Equal(t, http.StatusCreated, create.Code)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal(create.Body.Bytes(), &created))
	deviceID := created["device_id"].(string)

	get := f.do(t, http.MethodGet, "/v2/devices/"+deviceID, nil, token)
	assert.Equal(t, http.StatusOK, get.Code)

	list := f.do(t, http.MethodGet, "/v2/devices", nil, token)
	assert.Equal(t, http.StatusOK, list.Code)

	del := f.do(t, http.MethodDelete, "/v2/devices/"+deviceID, nil, token)
	assert.Equal(t, http.StatusNoContent, del.Code)

	missing := f.do(t, http.MethodGet, "/v2/devices/"+deviceID, nil, token)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestDeviceRoutesRejectInsufficientScope(t *testing.T) {
	f := newTestServer(t, "streams:read")
	token := f.token(t)

	rec := f.do(t, http.MethodGet, "/v2/devices", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartStreamOnUnknownDeviceReturnsNotFound(t *testing.T) {
	f := newTestServer(t, "streams:write")
	token := f.token(t)

	rec := f.do(t, http.MethodPost, "/v1/devices/"+uuid.NewString()+"/start-stream", nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterCapabilitiesProxiesSFUResponse(t *testing.T) {
	f := newTestServer(t, "streams:consume")
	token := f.token(t)

	rec := f.do(t, http.MethodGet, "/v2/streams/"+uuid.NewString()+"/router-capabilities", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codecs")
}

func TestCreateSnapshotOnUnknownStreamReturnsNotFound(t *testing.T) {
	f := newTestServer(t, "snapshots:write")
	token := f.token(t)

	rec := f.do(t, http.MethodPost, "/v2/streams/"+uuid.NewString()+"/snapshots", map[string]interface{}{}, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSnapshotForLiveStreamIsAccepted(t *testing.T) {
	f := newTestServer(t, "snapshots:write")
	token := f.token(t)

	deviceID := uuid.NewString()
	require.NoError(t, f.store.CreateDevice(context.Background(), &store.Device{ID: deviceID, RTSPURL: "rtsp://cam/1", Name: "cam"}))
	streamID := uuid.NewString()
	require.NoError(t, f.store.CreateStream(context.Background(), &store.Stream{ID: streamID, CameraID: deviceID, State: store.StreamLive}))

	rec := f.do(t, http.MethodPost, "/v2/streams/"+streamID+"/snapshots", map[string]interface{}{}, token)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRefreshAndRevokeTokenRoundTrip(t *testing.T) {
	f := newTestServer(t, "streams:write")

	tokenRes := f.do(t, http.MethodPost, "/v2/auth/token", map[string]interface{}{
		"client_id": f.clientID, "client_secret": f.secret,
	}, "")
	require.Equal(t, http.StatusOK, tokenRes.Code)
	var pair authn.TokenPair
	require.NoError(t, json.Unmarshal(tokenRes.Body.Bytes(), &pair))

	refresh := f.do(t, http.MethodPost, "/v2/auth/token/refresh", map[string]interface{}{
		"refresh_token": pair.RefreshToken,
	}, "")
	assert.Equal(t, http.StatusOK, refresh.Code)

	revoke := f.do(t, http.MethodPost, "/v2/auth/token/revoke", map[string]interface{}{
		"refresh_token": pair.RefreshToken,
	}, "")
	assert.Equal(t, http.StatusNoContent, revoke.Code)

	refreshAgain := f.do(t, http.MethodPost, "/v2/auth/token/refresh", map[string]interface{}{
		"refresh_token": pair.RefreshToken,
	}, "")
	assert.Equal(t, http.StatusUnauthorized, refreshAgain.Code)
}
