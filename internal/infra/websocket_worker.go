package infra

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crypto_live/internal/domain"

	"github.com/gorilla/websocket"
)

// WebSocketHandler defines feed-specific logic for the BaseWSWorker.
// Callbacks run on worker goroutines and must not call Connect or Disconnect.
type WebSocketHandler interface {
	ID() string
	GetURL() string
	OnMessage(ctx context.Context, msg []byte)
	OnStatus(state domain.ConnectionState)
}

// Phase is the lifecycle position of a BaseWSWorker.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseOpen:
		return "OPEN"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// BaseWSWorker manages the lifecycle of one logical WebSocket subscription.
// It handles reconnection with backoff and a retry budget, read timeouts,
// keepalive pings and intentional close.
type BaseWSWorker struct {
	handler WebSocketHandler
	policy  BackoffPolicy
	logger  *slog.Logger
	dialer  *websocket.Dialer

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	conn        *websocket.Conn
	intentional bool
	attempts    int
	session     uint64
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *time.Timer
	wg          sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration

	// afterFunc schedules reconnects; replaced in tests to observe delays.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler WebSocketHandler, policy BackoffPolicy, logger *slog.Logger) *BaseWSWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseWSWorker{
		handler: handler,
		policy:  policy,
		logger:  logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
		afterFunc:    time.AfterFunc,
	}
}

// Connect opens the stream asynchronously. It is a no-op while a connection
// is open or being established. An explicit Connect starts a fresh retry
// budget, so it also resumes a worker that gave up after MaxAttempts.
// ctx bounds the session: once it is done the socket is closed, no
// reconnect is scheduled and the worker reports disconnected.
func (w *BaseWSWorker) Connect(ctx context.Context) {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.mu.Lock()
	if w.phase == PhaseOpen || w.phase == PhaseConnecting {
		w.mu.Unlock()
		return
	}

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.cancel != nil {
		w.cancel()
	}

	w.session++
	w.intentional = false
	w.attempts = 0
	w.ctx, w.cancel = context.WithCancel(ctx)

	session := w.session
	sessionCtx := w.ctx
	w.phase = PhaseConnecting
	w.wg.Add(1)
	w.mu.Unlock()

	w.handler.OnStatus(domain.ConnectionConnecting)
	go w.run(sessionCtx, session)
}

// Disconnect closes the stream and suppresses reconnection. It cancels any
// pending reconnect, waits for worker goroutines to exit and is idempotent.
func (w *BaseWSWorker) Disconnect() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	w.mu.Lock()
	if w.phase == PhaseIdle || (w.intentional && w.phase == PhaseClosed) {
		w.intentional = true
		w.mu.Unlock()
		return
	}

	w.intentional = true
	w.session++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	conn := w.conn
	w.conn = nil
	cancel := w.cancel
	w.cancel = nil
	w.phase = PhaseClosed
	w.mu.Unlock()

	// close frame first, cancelling also closes the socket
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}

	w.wg.Wait()

	w.logger.Info("WS Disconnected", "id", w.handler.ID())
	w.handler.OnStatus(domain.ConnectionDisconnected)
}

// Phase returns the current lifecycle phase.
func (w *BaseWSWorker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Attempts returns the number of consecutive reconnect attempts since the last successful open.
func (w *BaseWSWorker) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

// current reports whether session is still the live, non-intentional one.
// Must be called with mu held.
func (w *BaseWSWorker) current(session uint64) bool {
	return session == w.session && !w.intentional
}

func (w *BaseWSWorker) run(ctx context.Context, session uint64) {
	defer w.wg.Done()

	header := make(http.Header)
	header.Set("User-Agent", GetUserAgent())

	conn, _, err := w.dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		w.mu.Lock()
		if !w.current(session) {
			w.mu.Unlock()
			return
		}
		w.phase = PhaseClosed
		w.mu.Unlock()

		if ctx.Err() != nil {
			// session context ended; a later Connect starts over
			w.logger.Info("WS Session ended before open", "id", w.handler.ID(), "err", ctx.Err())
			w.handler.OnStatus(domain.ConnectionDisconnected)
			return
		}

		w.logger.Warn("WS Connection failed", "id", w.handler.ID(), "err", err)
		w.handler.OnStatus(domain.ConnectionError)
		w.scheduleReconnect(session)
		return
	}

	w.mu.Lock()
	if !w.current(session) {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	w.phase = PhaseOpen
	w.attempts = 0
	w.mu.Unlock()

	w.logger.Info("WS Connected", "id", w.handler.ID())
	w.handler.OnStatus(domain.ConnectionConnected)

	connDone := make(chan struct{})
	w.wg.Add(1)
	go w.closeOnCancel(ctx, conn, connDone)
	if w.PingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn, connDone)
	}

	err = w.process(ctx, conn)
	close(connDone)

	w.mu.Lock()
	if !w.current(session) {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	w.phase = PhaseClosed
	w.mu.Unlock()
	conn.Close()

	if ctx.Err() != nil {
		w.logger.Info("WS Session context done", "id", w.handler.ID(), "err", ctx.Err())
		w.handler.OnStatus(domain.ConnectionDisconnected)
		return
	}

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		w.logger.Warn("WS Read error", "id", w.handler.ID(), "err", err)
		w.handler.OnStatus(domain.ConnectionError)
	}
	w.handler.OnStatus(domain.ConnectionDisconnected)
	w.scheduleReconnect(session)
}

func (w *BaseWSWorker) process(ctx context.Context, conn *websocket.Conn) error {
	if w.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		})
	}

	for {
		if w.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		w.handler.OnMessage(ctx, msg)
	}
}

// closeOnCancel closes conn when the session context ends so the blocked
// read returns.
func (w *BaseWSWorker) closeOnCancel(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	defer w.wg.Done()

	select {
	case <-ctx.Done():
		conn.Close()
	case <-done:
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				w.logger.Debug("WS Ping error", "id", w.handler.ID(), "err", err)
				return
			}
		}
	}
}

func (w *BaseWSWorker) scheduleReconnect(session uint64) {
	w.mu.Lock()
	if !w.current(session) {
		w.mu.Unlock()
		return
	}

	if w.policy.Exhausted(w.attempts) {
		attempts := w.attempts
		w.mu.Unlock()

		w.logger.Error("WS Reconnect attempts exhausted", "id", w.handler.ID(), "attempts", attempts)
		w.handler.OnStatus(domain.ConnectionError)
		return
	}

	if w.ctx != nil && w.ctx.Err() != nil {
		w.phase = PhaseClosed
		w.mu.Unlock()
		return
	}

	w.attempts++
	attempt := w.attempts
	delay := w.policy.Delay(attempt)
	w.timer = w.afterFunc(delay, func() { w.reconnect(session) })
	w.mu.Unlock()

	w.logger.Info("WS Reconnect scheduled", "id", w.handler.ID(), "attempt", attempt, "delay", delay)
}

func (w *BaseWSWorker) reconnect(session uint64) {
	w.mu.Lock()
	if !w.current(session) || w.phase == PhaseOpen || w.phase == PhaseConnecting {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.phase = PhaseConnecting
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	w.handler.OnStatus(domain.ConnectionConnecting)
	go w.run(ctx, session)
}
