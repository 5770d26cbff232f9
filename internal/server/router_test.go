package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"groupchat/internal/blob"
	"groupchat/internal/config"
	"groupchat/internal/db"
	"groupchat/internal/mw"
	"groupchat/internal/relay"
	"groupchat/internal/store"
	"groupchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type testServer struct {
	router *gin.Engine
	engine *relay.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{
		Port: "0", Env: "dev", StoreBackend: config.BackendSQLite, DatabaseDSN: "file::memory:",
		UploadDir: t.TempDir(), MaxUploadMB: 1, StorageTimeout: 2 * time.Second,
		SendBuffer: 16, WSRateBurst: 10, WSRatePerSec: 10, HistoryPageMax: 3,
	}
	gdb, err := db.Connect(cfg.StoreBackend, cfg.DatabaseDSN)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })

	blobs, err := blob.NewDiskStore(cfg.UploadDir, "/files", cfg.MaxUploadBytes())
	require.NoError(t, err)
	limiter := mw.NewLimiter(rate.Inf, 1, time.Minute)
	t.Cleanup(limiter.Stop)

	engine := relay.NewEngine(relay.NewRegistry(), store.NewSQLStore(gdb), cfg.StorageTimeout)
	return &testServer{router: SetupRouter(cfg, engine, ws.NewHub(), blobs, limiter), engine: engine}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

type messagesResp struct {
	Messages []store.Message `json:"messages"`
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/healthz", nil)
	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "http_requests_total")
}

func TestRooms_CreateAndProbe(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/rooms/alpha", nil)
	req.Equal(http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/rooms", gin.H{"name": "alpha"})
	req.Equal(http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/rooms", gin.H{"name": "alpha"})
	req.Equal(http.StatusConflict, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/rooms", gin.H{"name": "  "})
	req.Equal(http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/api/v1/rooms", nil)
	req.Equal(http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/rooms/alpha", nil)
	req.Equal(http.StatusOK, w.Code)
	got := decode[roomDTO](t, w)
	req.Equal("alpha", got.Name)
	req.Equal(relay.StateEmpty, got.State)
	req.Contains(w.Body.String(), `"state":"empty"`)

	w = s.do(t, http.MethodGet, "/api/v1/rooms", nil)
	req.Equal(http.StatusOK, w.Code)
	list := decode[struct {
		Rooms []roomDTO `json:"rooms"`
	}](t, w)
	req.Len(list.Rooms, 1)
	req.Equal("alpha", list.Rooms[0].Name)
}

func TestRooms_ProbeAfterSend(t *testing.T) {
	s := newTestServer(t)
	_, err := s.engine.Send(context.Background(), "beta", "alice", "hi")
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/rooms/beta", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestMessages_History(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)
	for _, body := range []string{"one", "two", "three", "four", "five"} {
		_, err := s.engine.Send(context.Background(), "alpha", "alice", body)
		req.NoError(err)
	}

	w := s.do(t, http.MethodGet, "/api/v1/rooms/alpha/messages", nil)
	req.Equal(http.StatusOK, w.Code)
	all := decode[messagesResp](t, w).Messages
	req.Len(all, 5)
	req.Equal(uint64(1), all[0].Position)
	req.Equal("five", all[4].Body)

	// limit 超过上限时被截断为 3
	w = s.do(t, http.MethodGet, "/api/v1/rooms/alpha/messages?limit=50", nil)
	page := decode[messagesResp](t, w).Messages
	req.Len(page, 3)
	req.Equal([]uint64{3, 4, 5}, []uint64{page[0].Position, page[1].Position, page[2].Position})

	w = s.do(t, http.MethodGet, "/api/v1/rooms/alpha/messages?limit=2&before=3", nil)
	page = decode[messagesResp](t, w).Messages
	req.Len(page, 2)
	req.Equal("one", page[0].Body)
	req.Equal("two", page[1].Body)

	w = s.do(t, http.MethodGet, "/api/v1/rooms/alpha/messages?before=0&limit=2", nil)
	req.Equal(http.StatusOK, w.Code)
	page = decode[messagesResp](t, w).Messages
	req.Len(page, 2)
	req.Equal([]uint64{4, 5}, []uint64{page[0].Position, page[1].Position})

	w = s.do(t, http.MethodGet, "/api/v1/rooms/alpha/messages?before=abc", nil)
	req.Equal(http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/rooms/nobody/messages", nil)
	req.Equal(http.StatusOK, w.Code)
	req.JSONEq(`{"messages":[]}`, w.Body.String())
}

func upload(t *testing.T, s *testServer, room, sender, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	if sender != "" {
		require.NoError(t, mpw.WriteField("sender", sender))
	}
	if filename != "" {
		fw, err := mpw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mpw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms/"+room+"/attachments", &buf)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAttachments(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	w := upload(t, s, "alpha", "alice", "notes <1>.txt", []byte("hello"))
	req.Equal(http.StatusCreated, w.Code, w.Body.String())
	resp := decode[struct {
		Attachment blob.Object   `json:"attachment"`
		Message    store.Message `json:"message"`
	}](t, w)
	req.Equal(store.KindFile, resp.Message.Kind)
	req.Equal(resp.Attachment.URL, resp.Message.AttachmentURL)
	req.True(strings.HasPrefix(resp.Attachment.URL, "/files/"))
	req.Contains(resp.Message.Body, "notes &lt;1&gt;.txt")

	w = s.do(t, http.MethodGet, resp.Attachment.URL, nil)
	req.Equal(http.StatusOK, w.Code)
	req.Equal("hello", w.Body.String())
	req.Equal("nosniff", w.Header().Get("X-Content-Type-Options"))
	req.True(strings.HasPrefix(w.Header().Get("Content-Disposition"), "inline;"))

	w = s.do(t, http.MethodGet, "/files/missing", nil)
	req.Equal(http.StatusNotFound, w.Code)

	req.Equal(http.StatusBadRequest, upload(t, s, "alpha", "", "a.txt", []byte("x")).Code)
	req.Equal(http.StatusBadRequest, upload(t, s, "alpha", "alice", "", nil).Code)
	req.Equal(http.StatusBadRequest, upload(t, s, "alpha", "alice", "empty.txt", nil).Code)
	req.Equal(http.StatusRequestEntityTooLarge, upload(t, s, "alpha", "alice", "big.bin", bytes.Repeat([]byte("x"), 1<<20+1)).Code)
}

func TestAttachments_ActiveContentIsDownloaded(t *testing.T) {
	req := require.New(t)
	s := newTestServer(t)

	page := []byte("<html><body><script>alert(document.cookie)</script></body></html>")
	w := upload(t, s, "alpha", "mallory", "page.html", page)
	req.Equal(http.StatusCreated, w.Code, w.Body.String())
	url := decode[struct {
		Attachment blob.Object `json:"attachment"`
	}](t, w).Attachment.URL

	w = s.do(t, http.MethodGet, url, nil)
	req.Equal(http.StatusOK, w.Code)
	req.True(strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"), w.Header().Get("Content-Type"))
	req.True(strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment;"), w.Header().Get("Content-Disposition"))
	req.Equal("nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{relay.ErrRoomNotFound, http.StatusNotFound},
		{relay.ErrRoomAlreadyExists, http.StatusConflict},
		{relay.ErrInvalidMessage, http.StatusBadRequest},
		{relay.ErrInvalidRoom, http.StatusBadRequest},
		{relay.ErrPersistenceFailed, http.StatusServiceUnavailable},
		{relay.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{blob.ErrTooLarge, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
