package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/cacheclient"
	"github.com/lazysync/lazysync/internal/cacheproto"
	"github.com/lazysync/lazysync/internal/config"
	"github.com/lazysync/lazysync/internal/deploy"
	"github.com/lazysync/lazysync/internal/server/handlers"
	"github.com/lazysync/lazysync/internal/worker"
)

type fakeBackend struct {
	mu         sync.Mutex
	connected  bool
	listings   map[string][]cacheproto.DirEntry
	err        error
	lastPrefer *bool
	prefetched []string
	ensured    int
}

func (b *fakeBackend) GetDirectoryListing(_ context.Context, p string, preferCache bool) ([]cacheproto.DirEntry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastPrefer = &preferCache
	if b.err != nil {
		return nil, false, b.err
	}
	entries, ok := b.listings[p]
	if !ok {
		return nil, false, &cacheclient.ServerError{Path: p, Message: "No such file or directory"}
	}
	return entries, preferCache, nil
}

func (b *fakeBackend) Prefetch(p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetched = append(b.prefetched, p)
	return nil
}

func (b *fakeBackend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBackend) EnsureRemoteService(context.Context) (*deploy.ServiceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensured++
	return &deploy.ServiceHandle{BinaryPath: "/home/dev/.lazysync/lazysync-server", Port: 9000, AlreadyRunning: true}, nil
}

type fakeQueue struct {
	tasks []*asynq.Task
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(q.tasks)), Queue: "critical"}, nil
}

func newTestServer(t *testing.T, b *fakeBackend, deps Deps) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		CORSAllowedOrigins: []string{"http://localhost:5173"},
		RequestTimeout:     time.Second,
	}
	deps.Backend = b
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func sampleBackend() *fakeBackend {
	return &fakeBackend{
		connected: true,
		listings: map[string][]cacheproto.DirEntry{
			"/tmp": {{Name: "a.txt", Size: 3, Permissions: "-rw-r--r--", Modified: "2026-01-02 03:04:05"}},
		},
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndReady(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("/health = %d", code)
	}
	if code := getJSON(t, ts.URL+"/ready", nil); code != http.StatusOK {
		t.Errorf("/ready = %d", code)
	}
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	if code := getJSON(t, ts.URL+"/ready", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/ready disconnected = %d", code)
	}
	if code := getJSON(t, ts.URL+"/metrics", nil); code != http.StatusOK {
		t.Errorf("/metrics = %d", code)
	}
}

func TestGetPath(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})

	var got handlers.GetPathResponse
	if code := getJSON(t, ts.URL+"/v1/path?path=/tmp/", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !got.Success || got.Path != "/tmp" || len(got.Entries) != 1 || got.Entries[0].Name != "a.txt" {
		t.Errorf("response = %+v", got)
	}

	if code := getJSON(t, ts.URL+"/v1/path?path=/tmp&cache=false", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if b.lastPrefer == nil || *b.lastPrefer {
		t.Error("cache=false did not bypass the memo")
	}
}

func TestGetPath_Errors(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})

	cases := []struct {
		query string
		err   error
		want  int
	}{
		{"", nil, http.StatusBadRequest},
		{"?path=/tmp&cache=maybe", nil, http.StatusBadRequest},
		{"?path=/missing", nil, http.StatusNotFound},
		{"?path=/tmp", cacheclient.ErrRequestTimeout, http.StatusRequestTimeout},
		{"?path=/tmp", cacheclient.ErrConnectionLost, http.StatusServiceUnavailable},
		{"?path=tmp", cacheproto.ErrRelativePath, http.StatusBadRequest},
	}
	for _, tc := range cases {
		b.mu.Lock()
		b.err = tc.err
		b.mu.Unlock()
		var body handlers.ErrorResponse
		code := getJSON(t, ts.URL+"/v1/path"+tc.query, &body)
		if code != tc.want {
			t.Errorf("%s (%v): status = %d, want %d", tc.query, tc.err, code, tc.want)
		}
		if body.Success || body.Error == "" {
			t.Errorf("%s: error body = %+v", tc.query, body)
		}
	}
}

func TestPrefetchPath(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})

	resp, err := http.Post(ts.URL+"/v1/path", "application/json", strings.NewReader(`{"path":"/var/log"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(b.prefetched) != 1 || b.prefetched[0] != "/var/log" {
		t.Errorf("prefetched = %v", b.prefetched)
	}

	resp, err = http.Post(ts.URL+"/v1/path", "application/json", strings.NewReader(`{"path":"  "}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank path status = %d", resp.StatusCode)
	}
}

func TestEnsureService_Inline(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})

	resp, err := http.Post(ts.URL+"/v1/service/ensure", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got handlers.EnsureResponse
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if resp.StatusCode != http.StatusOK || !got.AlreadyRunning || got.Port != 9000 {
		t.Errorf("status %d body %+v", resp.StatusCode, got)
	}
	if b.ensured != 1 {
		t.Errorf("ensured = %d", b.ensured)
	}
}

func TestEnsureService_Queued(t *testing.T) {
	b := sampleBackend()
	q := &fakeQueue{}
	ts := newTestServer(t, b, Deps{Queue: q, Host: "lab"})

	resp, err := http.Post(ts.URL+"/v1/service/ensure", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got handlers.EnsureResponse
	_ = json.NewDecoder(resp.Body).Decode(&got)
	if resp.StatusCode != http.StatusAccepted || got.TaskID != "task-1" {
		t.Errorf("status %d body %+v", resp.StatusCode, got)
	}
	if len(q.tasks) != 1 || q.tasks[0].Type() != worker.TaskEnsureService {
		t.Fatalf("tasks = %v", q.tasks)
	}
	if !strings.Contains(string(q.tasks[0].Payload()), `"lab"`) {
		t.Errorf("payload = %s", q.tasks[0].Payload())
	}
	if b.ensured != 0 {
		t.Error("queued ensure also ran inline")
	}
}

func TestAPIToken(t *testing.T) {
	b := sampleBackend()
	cfg := &config.Config{APIToken: "s3cret", RequestTimeout: time.Second}
	s, _ := New(cfg, Deps{Backend: b})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/v1/path?path=/tmp", nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/path?path=/tmp", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token = %d", resp.StatusCode)
	}
	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("/health should not need a token, got %d", code)
	}
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStream_GetAndPrefetch(t *testing.T) {
	b := sampleBackend()
	ts := newTestServer(t, b, Deps{})
	conn := dialWS(t, ts)

	if err := conn.WriteJSON(handlers.Frame{Op: "get", ID: "1", Path: "/tmp"}); err != nil {
		t.Fatal(err)
	}
	var f handlers.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Op != "listing" || f.ID != "1" || len(f.Entries) != 1 || !f.FromCache {
		t.Errorf("frame = %+v", f)
	}

	if err := conn.WriteJSON(handlers.Frame{Op: "get", ID: "2", Path: "/nope"}); err != nil {
		t.Fatal(err)
	}
	f = handlers.Frame{}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Op != "error" || f.ID != "2" || f.Error == "" {
		t.Errorf("error frame = %+v", f)
	}

	if err := conn.WriteJSON(handlers.Frame{Op: "prefetch", ID: "3", Path: "/srv"}); err != nil {
		t.Fatal(err)
	}
	f = handlers.Frame{}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Op != "ack" || f.Path != "/srv" {
		t.Errorf("ack frame = %+v", f)
	}
}

func TestStream_CredentialPrompt(t *testing.T) {
	b := sampleBackend()
	broker := auth.NewBroker(1, 5*time.Second)
	ts := newTestServer(t, b, Deps{Broker: broker})
	conn := dialWS(t, ts)

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := broker.Prompt(context.Background(), auth.Prompt{Kind: auth.KindPassword, Text: "Password:"})
		done <- result{v, err}
	}()

	var f handlers.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Op != "credential" || f.Text != "Password:" || f.Echo || f.ID == "" {
		t.Fatalf("prompt frame = %+v", f)
	}
	if err := conn.WriteJSON(handlers.Frame{Op: "credential", ID: f.ID, Value: "hunter2"}); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-done:
		if r.err != nil || r.value != "hunter2" {
			t.Errorf("Prompt = %q, %v", r.value, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("prompt not resolved")
	}
}

func TestStream_DisconnectCancelsPrompt(t *testing.T) {
	b := sampleBackend()
	broker := auth.NewBroker(1, 5*time.Second)
	ts := newTestServer(t, b, Deps{Broker: broker})
	conn := dialWS(t, ts)

	done := make(chan error, 1)
	go func() {
		_, err := broker.Prompt(context.Background(), auth.Prompt{Kind: auth.KindPassword, Text: "Password:"})
		done <- err
	}()

	var f handlers.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, auth.ErrCancelled) {
			t.Errorf("Prompt err = %v, want cancellation", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("prompt still pending after client left")
	}
}
