package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto_live/internal/domain"

	"github.com/gorilla/websocket"
)

// mockHandler implements WebSocketHandler for testing
type mockHandler struct {
	url string

	mu       sync.Mutex
	messages [][]byte
	statuses []domain.ConnectionState
}

func (m *mockHandler) GetURL() string { return m.url }
func (m *mockHandler) ID() string     { return "MOCK" }
func (m *mockHandler) OnMessage(ctx context.Context, msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}
func (m *mockHandler) OnStatus(state domain.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, state)
}

func (m *mockHandler) Statuses() []domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ConnectionState(nil), m.statuses...)
}

func (m *mockHandler) Messages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockHandler) Count(state domain.ConnectionState) int {
	n := 0
	for _, s := range m.Statuses() {
		if s == state {
			n++
		}
	}
	return n
}

func (m *mockHandler) Last() (domain.ConnectionState, bool) {
	s := m.Statuses()
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1], true
}

// createMockWSServer creates a test WebSocket server
func createMockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// httpToWS converts http:// URL to ws://
func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 5}
}

// delayRecorder wraps time.AfterFunc and keeps every requested delay.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) afterFunc(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return time.AfterFunc(d, f)
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestBaseWSWorker_ConnectAndReceive(t *testing.T) {
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"bitcoin":"50000"}`))
		drain(conn)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)
	worker.ReadTimeout = time.Second

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Messages() == 1 })

	if got := worker.Phase(); got != PhaseOpen {
		t.Errorf("Phase() = %v, want OPEN", got)
	}

	worker.Disconnect()

	want := []domain.ConnectionState{
		domain.ConnectionConnecting,
		domain.ConnectionConnected,
		domain.ConnectionDisconnected,
	}
	got := handler.Statuses()
	if len(got) != len(want) {
		t.Fatalf("statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statuses[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if worker.Phase() != PhaseClosed {
		t.Errorf("Phase() after Disconnect = %v, want CLOSED", worker.Phase())
	}
}

func TestBaseWSWorker_ConnectWhileOpenIsNoop(t *testing.T) {
	var accepted atomic.Int32
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		drain(conn)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return worker.Phase() == PhaseOpen })

	worker.Connect(context.Background())
	worker.Connect(context.Background())
	time.Sleep(50 * time.Millisecond)

	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted connections = %d, want 1", n)
	}
	if n := handler.Count(domain.ConnectionConnecting); n != 1 {
		t.Errorf("connecting emitted %d times, want 1", n)
	}

	worker.Disconnect()
}

func TestBaseWSWorker_DisconnectIsIdempotent(t *testing.T) {
	server := createMockWSServer(t, drain)
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return worker.Phase() == PhaseOpen })

	worker.Disconnect()
	before := len(handler.Statuses())
	worker.Disconnect()

	if after := len(handler.Statuses()); after != before {
		t.Errorf("second Disconnect emitted %d extra statuses", after-before)
	}
}

func TestBaseWSWorker_DisconnectBeforeConnect(t *testing.T) {
	handler := &mockHandler{url: "ws://127.0.0.1:1"}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	worker.Disconnect()

	if n := len(handler.Statuses()); n != 0 {
		t.Errorf("statuses = %v, want none", handler.Statuses())
	}
}

func TestBaseWSWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	rec := &delayRecorder{}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)
	worker.afterFunc = rec.afterFunc

	worker.Connect(context.Background())

	// 1 initial attempt + 5 retries, then exhaustion emits a final error.
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionError) == 7 })
	time.Sleep(50 * time.Millisecond)

	if n := hits.Load(); n != 6 {
		t.Errorf("dial attempts = %d, want 6", n)
	}
	if last, _ := handler.Last(); last != domain.ConnectionError {
		t.Errorf("last status = %v, want error", last)
	}

	want := []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	got := rec.Delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	worker.Disconnect()
}

func TestBaseWSWorker_ExplicitConnectResumesAfterExhaustion(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1}, nil)

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionError) == 3 })
	if n := hits.Load(); n != 2 {
		t.Fatalf("dial attempts = %d, want 2", n)
	}

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return hits.Load() == 4 })

	worker.Disconnect()
}

func TestBaseWSWorker_SuccessfulOpenResetsBackoff(t *testing.T) {
	var hits atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n != 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	rec := &delayRecorder{}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)
	worker.afterFunc = rec.afterFunc

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return len(rec.Delays()) >= 4 })
	worker.Disconnect()

	got := rec.Delays()
	// fail, fail, open+drop, fail
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v (all: %v)", i, got[i], want[i], got)
		}
	}
	if handler.Count(domain.ConnectionConnected) != 1 {
		t.Errorf("connected emitted %d times, want 1", handler.Count(domain.ConnectionConnected))
	}
}

func TestBaseWSWorker_ServerDropTriggersReconnect(t *testing.T) {
	var accepted atomic.Int32
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		if accepted.Add(1) == 1 {
			return
		}
		drain(conn)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionConnected) == 2 })

	if handler.Count(domain.ConnectionDisconnected) != 1 {
		t.Errorf("disconnected emitted %d times, want 1", handler.Count(domain.ConnectionDisconnected))
	}
	if worker.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0 after reopen", worker.Attempts())
	}

	worker.Disconnect()
}

func TestBaseWSWorker_DisconnectCancelsPendingReconnect(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	policy := BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 5}
	worker := NewBaseWSWorker(handler, policy, nil)

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionError) == 1 })

	worker.Disconnect()
	time.Sleep(250 * time.Millisecond)

	if n := hits.Load(); n != 1 {
		t.Errorf("dial attempts = %d, want 1", n)
	}
	if last, _ := handler.Last(); last != domain.ConnectionDisconnected {
		t.Errorf("last status = %v, want disconnected", last)
	}
}

func TestBaseWSWorker_CancelledContextEndsSession(t *testing.T) {
	var accepted atomic.Int32
	server := createMockWSServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		drain(conn)
	})
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Connect(ctx)
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionConnected) == 1 })

	cancel()
	waitFor(t, 2*time.Second, func() bool {
		last, _ := handler.Last()
		return worker.Phase() == PhaseClosed && last == domain.ConnectionDisconnected
	})

	time.Sleep(50 * time.Millisecond)
	if n := accepted.Load(); n != 1 {
		t.Errorf("accepted = %d after cancel, want 1 (no reconnect)", n)
	}
	if n := handler.Count(domain.ConnectionError); n != 0 {
		t.Errorf("error emitted %d times, want 0", n)
	}

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionConnected) == 2 })

	worker.Disconnect()
}

func TestBaseWSWorker_ConnectWithCancelledContext(t *testing.T) {
	server := createMockWSServer(t, drain)
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	worker := NewBaseWSWorker(handler, fastPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.Connect(ctx)
	waitFor(t, 2*time.Second, func() bool {
		last, _ := handler.Last()
		return worker.Phase() == PhaseClosed && last == domain.ConnectionDisconnected
	})

	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionConnected) == 1 })

	worker.Disconnect()
}

func TestBaseWSWorker_CancelDuringReconnectDoesNotWedge(t *testing.T) {
	var up atomic.Bool
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	defer server.Close()

	handler := &mockHandler{url: httpToWS(server.URL)}
	policy := BackoffPolicy{Base: 20 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 50}
	worker := NewBaseWSWorker(handler, policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Connect(ctx)
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionError) >= 2 })

	cancel()
	waitFor(t, 2*time.Second, func() bool { return worker.Phase() == PhaseClosed })
	time.Sleep(60 * time.Millisecond)
	if p := worker.Phase(); p != PhaseClosed {
		t.Fatalf("phase after cancel = %v, want CLOSED", p)
	}

	up.Store(true)
	worker.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return handler.Count(domain.ConnectionConnected) == 1 })

	worker.Disconnect()
}
