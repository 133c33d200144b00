package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/api/http/dto"
	"github.com/EternisAI/shellmux/internal/audit"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/gateway"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/remote/remotetest"
	"github.com/EternisAI/shellmux/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testCreds = remote.Credentials{Host: "10.1.1.1", Username: "ops", Password: "pw"}

// MockEventLister is a mock implementation of EventLister
type MockEventLister struct {
	mock.Mock
}

func (m *MockEventLister) ListSessionEvents(ctx context.Context, sessionID string) ([]audit.Event, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]audit.Event), args.Error(1)
}

type fixture struct {
	conn     *remotetest.Conn
	registry *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := remotetest.NewConn(nil)
	reg := session.NewRegistry(&remotetest.Dialer{New: func() *remotetest.Conn { return conn }}, session.Config{})
	t.Cleanup(reg.Stop)
	return &fixture{conn: conn, registry: reg}
}

// connected creates a live session with no observers.
func (f *fixture) connected(t *testing.T) *session.Session {
	t.Helper()
	s := f.registry.Create(testCreds)
	require.NoError(t, f.registry.Connect(context.Background(), s))
	return s
}

func doRequest(r http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.connected(t)
	r := gin.New()
	r.GET("/health", NewHealthHandler(f.registry).Check)

	w := doRequest(r, "GET", "/health", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dto.HealthResponse{Status: "ok", Sessions: 1}, resp)
}

func setupAdminRouter(h *AdminHandler) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/sessions", h.ListSessions)
	r.DELETE("/api/v1/sessions/:id", h.EndSession)
	r.GET("/api/v1/sessions/:id/events", h.SessionEvents)
	return r
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	r := setupAdminRouter(NewAdminHandler(f.registry, nil))

	w := doRequest(r, "GET", "/api/v1/sessions", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.SessionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, s.ID, resp.Sessions[0].ID)
	assert.Equal(t, session.StateConnected, resp.Sessions[0].State)
	assert.Equal(t, "10.1.1.1", resp.Sessions[0].Host)
	assert.True(t, resp.Sessions[0].TransferReady)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	r := setupAdminRouter(NewAdminHandler(f.registry, nil))

	w := doRequest(r, "DELETE", "/api/v1/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	_, ok := f.registry.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, f.conn.Closes())

	w = doRequest(r, "DELETE", "/api/v1/sessions/"+s.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionEvents(t *testing.T) {
	f := newFixture(t)
	lister := new(MockEventLister)
	r := setupAdminRouter(NewAdminHandler(f.registry, lister))

	id := "4a8f0c1e-9a53-4d3e-8d7c-1f2e3d4c5b6a"
	events := []audit.Event{
		{ID: 1, SessionID: id, Kind: session.KindCreated, Host: "10.1.1.1", Username: "ops"},
		{ID: 2, SessionID: id, Kind: session.KindCommand, Detail: "id"},
	}
	lister.On("ListSessionEvents", mock.Anything, id).Return(events, nil)
	lister.On("ListSessionEvents", mock.Anything, "bad").Return(nil, audit.ErrInvalidSessionID)
	lister.On("ListSessionEvents", mock.Anything, "00000000-0000-0000-0000-000000000000").Return(nil, errors.New("db down"))

	w := doRequest(r, "GET", "/api/v1/sessions/"+id+"/events", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	var resp dto.SessionEventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.SessionID)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "id", resp.Events[1].Detail)

	w = doRequest(r, "GET", "/api/v1/sessions/bad/events", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, "GET", "/api/v1/sessions/00000000-0000-0000-0000-000000000000/events", nil, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSessionEventsWithoutAudit(t *testing.T) {
	r := setupAdminRouter(NewAdminHandler(newFixture(t).registry, nil))

	w := doRequest(r, "GET", "/api/v1/sessions/x/events", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	f.conn.FS.Put("/var/log/app.log", "line one\nline two\n")
	signer := files.NewLinkSigner("s3cret", time.Minute)
	r := gin.New()
	r.GET("/api/v1/downloads", NewDownloadHandler(f.registry, signer).Download)

	token, _, err := signer.Sign(s.ID, "/var/log/app.log")
	require.NoError(t, err)
	w := doRequest(r, "GET", "/api/v1/downloads?token="+token, nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "line one\nline two\n", w.Body.String())
	assert.Equal(t, `attachment; filename="app.log"`, w.Header().Get("Content-Disposition"))

	w = doRequest(r, "GET", "/api/v1/downloads?token=forged", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	dirToken, _, _ := signer.Sign(s.ID, "/var/log")
	w = doRequest(r, "GET", "/api/v1/downloads?token="+dirToken, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	missing, _, _ := signer.Sign(s.ID, "/var/log/none.log")
	w = doRequest(r, "GET", "/api/v1/downloads?token="+missing, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.registry.Destroy(s.ID)
	w = doRequest(r, "GET", "/api/v1/downloads?token="+token, nil, "")
	assert.Equal(t, http.StatusGone, w.Code)
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func zipOf(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	r := gin.New()
	r.POST("/api/v1/sessions/:id/upload", NewUploadHandler(f.registry).HandleUpload)
	url := "/api/v1/sessions/" + s.ID + "/upload"

	body, ct := multipartBody(t, map[string]string{"target_dir": "/opt/tools"}, "linpeas.sh", []byte("#!/bin/sh\n"))
	w := doRequest(r, "POST", url, body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"/opt/tools/linpeas.sh"}, resp.Files)
	assert.Equal(t, "#!/bin/sh\n", f.conn.FS.Content("/opt/tools/linpeas.sh"))
}

func TestUploadExtractsZip(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	r := gin.New()
	r.POST("/api/v1/sessions/:id/upload", NewUploadHandler(f.registry).HandleUpload)
	url := "/api/v1/sessions/" + s.ID + "/upload"

	archive := zipOf(t, map[string]string{"kit/run.sh": "run", "kit/conf/a.yaml": "a: 1"})
	body, ct := multipartBody(t, map[string]string{"target_dir": "/opt", "extract": "true"}, "kit.zip", archive)
	w := doRequest(r, "POST", url, body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{"/opt/kit/run.sh", "/opt/kit/conf/a.yaml"}, resp.Files)
	assert.Equal(t, "run", f.conn.FS.Content("/opt/kit/run.sh"))
	assert.Equal(t, "a: 1", f.conn.FS.Content("/opt/kit/conf/a.yaml"))

	evil := zipOf(t, map[string]string{"../../etc/cron.d/x": "boom"})
	body, ct = multipartBody(t, map[string]string{"target_dir": "/opt", "extract": "true"}, "evil.zip", evil)
	w = doRequest(r, "POST", url, body, ct)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, f.conn.FS.Exists("/etc/cron.d/x"))

	body, ct = multipartBody(t, map[string]string{"target_dir": "/opt", "extract": "true"}, "notes.txt", []byte("x"))
	w = doRequest(r, "POST", url, body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	s := f.connected(t)
	r := gin.New()
	r.POST("/api/v1/sessions/:id/upload", NewUploadHandler(f.registry).HandleUpload)

	body, ct := multipartBody(t, map[string]string{"target_dir": "relative/dir"}, "a.txt", []byte("a"))
	w := doRequest(r, "POST", "/api/v1/sessions/"+s.ID+"/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, map[string]string{"target_dir": "/tmp"}, "", nil)
	w = doRequest(r, "POST", "/api/v1/sessions/"+s.ID+"/upload", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, map[string]string{"target_dir": "/tmp"}, "a.txt", []byte("a"))
	w = doRequest(r, "POST", "/api/v1/sessions/unknown/upload", body, ct)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTerminalWebsocket(t *testing.T) {
	f := newFixture(t)
	gw := gateway.New(f.registry, gateway.Config{})
	r := gin.New()
	r.GET("/ws", NewTerminalHandler(gw, []string{"https://console.example"}).Serve)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://console.example"}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gateway.Message{
		Type: gateway.MsgConnect,
		Data: mustJSON(t, gateway.ConnectRequest{Credentials: testCreds}),
	}))

	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(types) < 4 {
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == session.EventOutput {
			continue
		}
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"status", "status", "session", "transfer.ready"}, types)
	assert.Len(t, f.registry.List(), 1)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
