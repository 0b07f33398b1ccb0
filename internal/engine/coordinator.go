package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"crypto_live/internal/domain"
	"crypto_live/internal/event"
	"crypto_live/internal/storage"
	"crypto_live/pkg/quant"
)

// DefaultPageSize is the number of assets requested per snapshot page.
const DefaultPageSize = 50

const defaultInboxSize = 1024

// ErrNoSource is returned by fetches when no snapshot source is configured.
var ErrNoSource = errors.New("snapshot source disabled")

// SnapshotCache persists the last good snapshot.
type SnapshotCache interface {
	Save(ctx context.Context, records []domain.AssetRecord) error
	LoadSnapshot(ctx context.Context) (storage.CachedSnapshot, bool)
	Clear(ctx context.Context) error
}

// Recorder receives coordinator metrics. Every method must be cheap.
type Recorder interface {
	TickApplied(applied bool)
	ConnectionChanged(state domain.ConnectionState)
	AssetCount(n int)
	CacheFallback(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) TickApplied(bool)                         {}
func (nopRecorder) ConnectionChanged(domain.ConnectionState) {}
func (nopRecorder) AssetCount(int)                           {}
func (nopRecorder) CacheFallback(bool)                       {}

// ChangeKind identifies what a Change notification is about.
type ChangeKind int

const (
	ChangeSnapshot ChangeKind = iota + 1 // full replace
	ChangePage                           // merged page
	ChangePrice                          // one applied tick
	ChangeConnection
	ChangeLoading
	ChangeError
	ChangeReset
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSnapshot:
		return "snapshot"
	case ChangePage:
		return "page"
	case ChangePrice:
		return "price"
	case ChangeConnection:
		return "connection"
	case ChangeLoading:
		return "loading"
	case ChangeError:
		return "error"
	case ChangeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Change tells subscribers the state moved. AssetID is set for ChangePrice.
type Change struct {
	Kind    ChangeKind
	AssetID string
}

// Config wires a Coordinator. Source and Stream may be nil to disable
// snapshots or streaming.
type Config struct {
	Source     domain.SnapshotSource
	Stream     domain.PriceStream
	Cache      SnapshotCache
	Authorizer domain.Authorizer
	Recorder   Recorder
	Logger     *slog.Logger
	PageSize   int
	InboxSize  int
}

// Coordinator keeps the PriceStore in sync with the snapshot source and the
// price stream. Stream events go through a single inbox consumed by Run, so
// ticks and status changes are applied in arrival order.
type Coordinator struct {
	store    *PriceStore
	source   domain.SnapshotSource
	stream   domain.PriceStream
	cache    SnapshotCache
	auth     domain.Authorizer
	metrics  Recorder
	logger   *slog.Logger
	pageSize int

	inbox chan event.Event
	done  chan struct{}

	changes *event.Bus[Change]

	// applyMu is held while Run applies one event.
	applyMu sync.Mutex

	// notifyMu lets Close wait out in-flight notifications.
	notifyMu     sync.RWMutex
	notifyClosed bool

	mu           sync.Mutex
	nextStart    int
	hasMore      bool
	refreshing   bool
	loadingMore  bool
	fromCache    bool
	epoch        uint64
	streaming    bool
	streamUnsubs []func()
	closed       bool
	closeOnce    sync.Once
}

// NewCoordinator creates a coordinator over an empty PriceStore.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}

	return &Coordinator{
		store:     NewPriceStore(),
		source:    cfg.Source,
		stream:    cfg.Stream,
		cache:     cfg.Cache,
		auth:      cfg.Authorizer,
		metrics:   rec,
		logger:    logger,
		pageSize:  pageSize,
		inbox:     make(chan event.Event, inboxSize),
		done:      make(chan struct{}),
		changes:   event.NewBus[Change]("changes", logger),
		nextStart: 1,
	}
}

// Store exposes the underlying PriceStore for read access.
func (c *Coordinator) Store() *PriceStore { return c.store }

// Start performs first activation: fetch page 1 and replace the store, fall
// back to the cache on failure, then begin streaming. Streaming starts even
// when neither the fetch nor the cache produced data, so a later Refresh
// fills the store under a live stream. ctx also bounds the stream session.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.auth != nil && !c.auth.IsAuthorized(ctx) {
		c.logger.Warn("Start refused: no authorized user")
		return domain.ErrUnauthorized
	}

	err := c.loadFirstPage(ctx, true)
	c.StartStreaming(ctx)
	return err
}

// Refresh re-fetches page 1 and replaces the store without touching the
// stream. On failure the current assets stay and LastError is set.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.loadFirstPage(ctx, false)
}

func (c *Coordinator) loadFirstPage(ctx context.Context, useCache bool) error {
	c.mu.Lock()
	if c.closed || c.refreshing {
		c.mu.Unlock()
		return nil
	}
	c.refreshing = true
	c.epoch++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	c.store.SetLoading(true)
	c.notify(Change{Kind: ChangeLoading})

	records, err := c.fetch(ctx, 1)
	if err == nil {
		c.mu.Lock()
		c.store.ReplaceAll(records)
		c.nextStart = 1 + c.pageSize
		c.hasMore = len(records) >= c.pageSize
		c.fromCache = false
		c.mu.Unlock()

		c.logger.Info("Snapshot loaded", "assets", len(records))
		c.saveCache(ctx)
		c.metrics.AssetCount(c.store.Count())
		c.notify(Change{Kind: ChangeSnapshot})
		return nil
	}

	if useCache && c.cache != nil {
		snap, ok := c.cache.LoadSnapshot(ctx)
		c.metrics.CacheFallback(ok)
		if ok {
			cached := snap.Assets
			c.mu.Lock()
			c.store.ReplaceAllAt(cached, snap.SavedAt)
			c.nextStart = len(cached) + 1
			c.hasMore = len(cached) >= c.pageSize && len(cached)%c.pageSize == 0
			c.fromCache = true
			c.mu.Unlock()

			c.logger.Warn("Snapshot fetch failed, serving cache", "err", err, "assets", len(cached), "saved_at", snap.SavedAt)
			c.metrics.AssetCount(len(cached))
			c.notify(Change{Kind: ChangeSnapshot})
			return nil
		}
	}

	c.logger.Error("Snapshot fetch failed", "err", err)
	c.store.SetError(err.Error())
	c.notify(Change{Kind: ChangeError})
	return err
}

// LoadMore fetches the page after the last one loaded and merges it. It is a
// no-op when the last page was short or another fetch is in flight. A failure
// keeps the current assets and HasMore so the caller can retry.
func (c *Coordinator) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || !c.hasMore || c.loadingMore || c.refreshing {
		c.mu.Unlock()
		return nil
	}
	c.loadingMore = true
	start := c.nextStart
	epoch := c.epoch
	c.mu.Unlock()

	c.notify(Change{Kind: ChangeLoading})

	records, err := c.fetch(ctx, start)

	c.mu.Lock()
	c.loadingMore = false
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("Discarding page from before refresh", "start", start)
		c.notify(Change{Kind: ChangeLoading})
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Load more failed", "start", start, "err", err)
		c.store.SetError(err.Error())
		c.notify(Change{Kind: ChangeError})
		return err
	}
	// merged under mu so a refresh cannot interleave between the epoch check and the merge
	c.store.MergePage(records)
	c.nextStart = start + c.pageSize
	c.hasMore = len(records) >= c.pageSize
	c.mu.Unlock()

	c.logger.Info("Page merged", "start", start, "assets", len(records))
	c.store.SetError("")
	c.saveCache(ctx)
	c.metrics.AssetCount(c.store.Count())
	c.notify(Change{Kind: ChangePage})
	return nil
}

func (c *Coordinator) fetch(ctx context.Context, start int) ([]domain.AssetRecord, error) {
	if c.source == nil {
		return nil, ErrNoSource
	}
	return c.source.FetchPage(ctx, start, c.pageSize)
}

func (c *Coordinator) saveCache(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(ctx, c.store.SortedAssets()); err != nil {
		c.logger.Warn("Snapshot not cached", "err", err)
	}
}

// StartStreaming subscribes to the stream and connects it. Calling it again
// while streaming re-issues Connect, which resumes a stream that gave up.
func (c *Coordinator) StartStreaming(ctx context.Context) {
	c.mu.Lock()
	if c.stream == nil || c.closed {
		c.mu.Unlock()
		return
	}
	if !c.streaming {
		c.streamUnsubs = append(c.streamUnsubs,
			c.stream.OnPriceUpdate(c.onPrice),
			c.stream.OnConnectionStatusChange(c.onStatus),
		)
		c.streaming = true
	}
	c.mu.Unlock()

	c.stream.Connect(ctx)
}

// StopStreaming disconnects the stream. The final disconnected status is
// delivered through Run before the listeners are removed.
// It must not be called from a Subscribe callback.
func (c *Coordinator) StopStreaming() {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = false
	unsubs := c.streamUnsubs
	c.streamUnsubs = nil
	c.mu.Unlock()

	c.stream.Disconnect()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (c *Coordinator) onPrice(u domain.PriceUpdate) {
	c.push(event.PriceUpdateEvent{
		BaseEvent:  event.BaseEvent{Ts: u.Timestamp},
		Update:     u,
		Generation: c.store.Generation(),
	})
}

func (c *Coordinator) onStatus(s domain.ConnectionState) {
	c.push(event.ConnectionStateEvent{BaseEvent: event.BaseEvent{Ts: quant.Now()}, State: s})
}

func (c *Coordinator) push(ev event.Event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// Run applies stream events until ctx is cancelled or Close is called.
// It must run in exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("Coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Coordinator stopping")
			return
		case <-c.done:
			return
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev event.Event) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	c.apply(ev)
}

func (c *Coordinator) apply(ev event.Event) {
	switch e := ev.(type) {
	case event.PriceUpdateEvent:
		applied := c.store.ApplyStreamedUpdate(e.Update, e.Generation)
		c.metrics.TickApplied(applied)
		if applied {
			c.notify(Change{Kind: ChangePrice, AssetID: e.Update.ID})
		}
	case event.ConnectionStateEvent:
		c.metrics.ConnectionChanged(e.State)
		if c.store.SetConnectionState(e.State) {
			c.logger.Debug("Connection state", "state", e.State)
			c.notify(Change{Kind: ChangeConnection})
		}
	default:
		c.logger.Warn("Unknown event type", "type", ev.GetType())
	}
}

// Reset stops streaming, empties the store and clears the cache. Used on
// logout and explicit cache clears.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.StopStreaming()

	c.mu.Lock()
	c.epoch++
	c.nextStart = 1
	c.hasMore = false
	c.fromCache = false
	c.store.Reset()
	c.mu.Unlock()

	c.metrics.AssetCount(0)
	c.notify(Change{Kind: ChangeReset})

	if c.cache == nil {
		return nil
	}
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close tears the coordinator down: stream listeners are removed first, then
// the stream is disconnected, then every subscriber is dropped. No
// subscriber callback runs after Close returns. Close is idempotent and must
// not be called from a Subscribe callback.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streaming := c.streaming
		c.streaming = false
		unsubs := c.streamUnsubs
		c.streamUnsubs = nil
		c.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		close(c.done)
		if streaming {
			c.stream.Disconnect()
		}

		// wait out an event Run may be applying
		c.applyMu.Lock()
		c.applyMu.Unlock()

		c.notifyMu.Lock()
		c.notifyClosed = true
		c.changes.Clear()
		c.notifyMu.Unlock()

		c.store.SetConnectionState(domain.ConnectionDisconnected)
		c.logger.Info("Coordinator closed")
	})
}

// Subscribe registers fn for change notifications. Callbacks run on the
// goroutine that made the change.
func (c *Coordinator) Subscribe(fn func(Change)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

func (c *Coordinator) notify(ch Change) {
	c.notifyMu.RLock()
	defer c.notifyMu.RUnlock()
	if c.notifyClosed {
		return
	}
	c.changes.Publish(ch)
}

// Query surface. Every call reads the current store.

func (c *Coordinator) SortedAssets() []domain.AssetRecord { return c.store.SortedAssets() }

// Search filters SortedAssets by a case-insensitive substring of name or symbol.
func (c *Coordinator) Search(query string) []domain.AssetRecord { return c.store.Search(query) }

func (c *Coordinator) AssetByID(id string) (domain.AssetRecord, bool) { return c.store.Get(id) }

func (c *Coordinator) ConnectionState() domain.ConnectionState { return c.store.ConnectionState() }

func (c *Coordinator) IsLoading() bool { return c.store.IsLoading() }

func (c *Coordinator) LastError() string { return c.store.LastError() }

func (c *Coordinator) LastSnapshotAt() quant.TimeStamp { return c.store.LastSnapshotAt() }

func (c *Coordinator) Count() int { return c.store.Count() }

func (c *Coordinator) IsLoadingMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingMore
}

func (c *Coordinator) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// FromCache reports whether the assets shown came from the cache because the
// last first-page fetch failed.
func (c *Coordinator) FromCache() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fromCache
}

// Status is a point-in-time view for status endpoints and the CLI footer.
type Status struct {
	Connection     domain.ConnectionState `json:"connection"`
	Assets         int                    `json:"assets"`
	IsLoading      bool                   `json:"isLoading"`
	IsLoadingMore  bool                   `json:"isLoadingMore"`
	HasMore        bool                   `json:"hasMore"`
	FromCache      bool                   `json:"fromCache"`
	LastError      string                 `json:"lastError,omitempty"`
	LastSnapshotAt quant.TimeStamp        `json:"lastSnapshotAt"`
}

func (c *Coordinator) Status() Status {
	snap := c.store.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connection:     snap.ConnectionState,
		Assets:         len(snap.Assets),
		IsLoading:      snap.IsLoading,
		IsLoadingMore:  c.loadingMore,
		HasMore:        c.hasMore,
		FromCache:      c.fromCache,
		LastError:      snap.LastError,
		LastSnapshotAt: snap.LastSnapshotAt,
	}
}

// DumpState writes the full store state as JSON (for post-mortem).
func (c *Coordinator) DumpState(filename string) error {
	c.logger.Info("Dumping state", slog.String("file", filename))

	b, err := json.MarshalIndent(c.store.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(filename, b, 0o644)
}
