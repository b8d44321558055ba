package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	status  domain.Status
	samples chan domain.QualitySample
	stopped bool
}

func (f *fakeSource) Monitor(sid domain.SessionID, _ int) (<-chan domain.QualitySample, func(), error) {
	if sid != "s1" {
		return nil, nil, domain.ErrNotFound
	}
	return f.samples, func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) GetSessionStatus(_ context.Context, sid domain.SessionID) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Session{ID: sid, Status: f.status}, nil
}

func (f *fakeSource) end() {
	f.mu.Lock()
	f.status = domain.StatusCompleted
	f.mu.Unlock()
	close(f.samples)
}

func serve(t *testing.T, src Source) (*httptest.Server, string) {
	t.Helper()
	h := NewHandler(src, time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := domain.SessionID(strings.TrimPrefix(r.URL.Path, "/"))
		if err := h.Serve(context.Background(), w, r, sid); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamForwardsSamplesAndStatus(t *testing.T) {
	src := &fakeSource{status: domain.StatusInProgress, samples: make(chan domain.QualitySample, 4)}
	_, url := serve(t, src)

	ws, _, err := websocket.DefaultDialer.Dial(url+"/s1", nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, FrameStatus, f.Type)
	assert.Equal(t, domain.StatusInProgress, f.Status)

	src.samples <- domain.QualitySample{BitrateKbps: 800, LatencyMs: 90}
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, FrameSample, f.Type)
	require.NotNil(t, f.Sample)
	assert.Equal(t, 800.0, f.Sample.BitrateKbps)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, FramePong, f.Type)

	src.end()
	require.NoError(t, ws.ReadJSON(&f))
	assert.Equal(t, FrameStatus, f.Type)
	assert.Equal(t, domain.StatusCompleted, f.Status)

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.stopped
	}, time.Second, 10*time.Millisecond)
}

func TestStreamUnknownSessionIsNotUpgraded(t *testing.T) {
	src := &fakeSource{samples: make(chan domain.QualitySample)}
	_, url := serve(t, src)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWritePumpFlushesQueueOnCancel(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	var up websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws, err := up.Upgrade(w, r, nil); err == nil {
			conns <- ws
		}
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	c := &wsConn{conn: <-conns, send: make(chan []byte, 4), logger: zerolog.Nop()}
	require.NoError(t, c.TrySend([]byte(`{"type":"status","status":"COMPLETED"}`)))
	c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.writePump(ctx, time.Hour)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "COMPLETED")
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
