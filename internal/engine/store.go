package engine

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"

	"crypto_live/internal/domain"
	"crypto_live/pkg/quant"
)

// SyncState is everything the UI renders from.
type SyncState struct {
	Assets          map[string]domain.AssetRecord `json:"assets"`
	ConnectionState domain.ConnectionState        `json:"connectionState"`
	IsLoading       bool                          `json:"isLoading"`
	LastError       string                        `json:"lastError,omitempty"`
	LastSnapshotAt  quant.TimeStamp               `json:"lastSnapshotAt"`
}

// PriceStore owns the canonical asset map. Selectors recompute from the map
// on every call; nothing is memoized.
//
// Every ReplaceAll, MergePage and Reset starts a new generation. A streamed
// tick received under an older generation predates the snapshot data and is
// dropped by ApplyStreamedUpdate.
type PriceStore struct {
	mu    sync.RWMutex
	state SyncState
	gen   uint64
	now   func() quant.TimeStamp
}

// NewPriceStore creates an empty store.
func NewPriceStore() *PriceStore {
	return &PriceStore{
		state: SyncState{Assets: make(map[string]domain.AssetRecord)},
		now:   quant.Now,
	}
}

// ReplaceAll discards every record and inserts records by id.
// It marks a successful snapshot taken now: loading ends and the error clears.
func (s *PriceStore) ReplaceAll(records []domain.AssetRecord) {
	s.ReplaceAllAt(records, s.now())
}

// ReplaceAllAt is ReplaceAll for a snapshot taken at the given time, such as
// one restored from the cache.
func (s *PriceStore) ReplaceAllAt(records []domain.AssetRecord, at quant.TimeStamp) {
	assets := make(map[string]domain.AssetRecord, len(records))
	for _, r := range records {
		assets[r.ID] = r
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Assets = assets
	s.state.LastSnapshotAt = at
	s.state.IsLoading = false
	s.state.LastError = ""
	s.gen++
}

// MergePage inserts or overwrites records by id and never removes any.
func (s *PriceStore) MergePage(records []domain.AssetRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.state.Assets[r.ID] = r
	}
	s.gen++
}

// Generation identifies the snapshot data currently held. Stamp a streamed
// tick with it on receipt and pass it to ApplyStreamedUpdate.
func (s *PriceStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// ApplyPriceUpdate sets PriceUSD and LastUpdated on a known record and
// reports whether it did. Unknown ids, invalid prices and ticks older than
// the record are ignored.
func (s *PriceStore) ApplyPriceUpdate(u domain.PriceUpdate) bool {
	return s.apply(u, nil)
}

// ApplyStreamedUpdate is ApplyPriceUpdate for a tick received under
// generation gen. It also drops the tick when snapshot data was written
// after it arrived.
func (s *PriceStore) ApplyStreamedUpdate(u domain.PriceUpdate, gen uint64) bool {
	return s.apply(u, &gen)
}

func (s *PriceStore) apply(u domain.PriceUpdate, gen *uint64) bool {
	if u.PriceUSD < 0 || math.IsNaN(u.PriceUSD) || math.IsInf(u.PriceUSD, 0) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != nil && *gen < s.gen {
		return false
	}
	rec, ok := s.state.Assets[u.ID]
	if !ok {
		return false
	}
	if u.Timestamp < rec.LastUpdated {
		return false
	}

	rec.PriceUSD = u.PriceUSD
	rec.LastUpdated = u.Timestamp
	s.state.Assets[u.ID] = rec
	return true
}

// SetConnectionState records the stream status and reports whether it changed.
func (s *PriceStore) SetConnectionState(cs domain.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.ConnectionState == cs {
		return false
	}
	s.state.ConnectionState = cs
	return true
}

func (s *PriceStore) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.IsLoading = loading
}

// SetError records msg; a non-empty message also ends loading.
// An empty msg clears the error.
func (s *PriceStore) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.LastError = msg
	if msg != "" {
		s.state.IsLoading = false
	}
}

// Reset returns the store to its initial empty state.
func (s *PriceStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SyncState{Assets: make(map[string]domain.AssetRecord)}
	s.gen++
}

// AllAssets returns every record in unspecified order.
func (s *PriceStore) AllAssets() []domain.AssetRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.state.Assets))
}

// SortedAssets returns every record by ascending rank, ties broken by id.
func (s *PriceStore) SortedAssets() []domain.AssetRecord {
	out := s.AllAssets()
	slices.SortFunc(out, compareAssets)
	return out
}

// Search returns SortedAssets filtered by a case-insensitive substring of
// name or symbol. A blank query returns the full sorted list.
func (s *PriceStore) Search(query string) []domain.AssetRecord {
	q := strings.ToLower(strings.TrimSpace(query))
	sorted := s.SortedAssets()
	if q == "" {
		return sorted
	}
	return slices.DeleteFunc(sorted, func(a domain.AssetRecord) bool {
		return !a.Matches(q)
	})
}

func compareAssets(a, b domain.AssetRecord) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

func (s *PriceStore) Get(id string) (domain.AssetRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state.Assets[id]
	return rec, ok
}

func (s *PriceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Assets)
}

func (s *PriceStore) ConnectionState() domain.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ConnectionState
}

func (s *PriceStore) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsLoading
}

func (s *PriceStore) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastError
}

func (s *PriceStore) LastSnapshotAt() quant.TimeStamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSnapshotAt
}

// Snapshot returns a copy of the whole state.
func (s *PriceStore) Snapshot() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.state
	cp.Assets = maps.Clone(s.state.Assets)
	return cp
}
