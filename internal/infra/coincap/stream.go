package coincap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"crypto_live/internal/domain"
	"crypto_live/internal/event"
	"crypto_live/internal/infra"
	"crypto_live/pkg/quant"
)

const (
	// DefaultURL streams every asset the provider tracks.
	DefaultURL = "wss://ws.coincap.io/prices?assets=ALL"
)

// ErrMalformedMessage marks a frame that is not a flat {id: "price"} object.
var ErrMalformedMessage = errors.New("malformed price message")

// Stream is the CoinCap price feed. Each frame is a JSON object mapping asset
// ids to decimal price strings; every entry becomes one domain.PriceUpdate.
type Stream struct {
	base   *infra.BaseWSWorker
	url    string
	logger *slog.Logger

	prices   *event.Bus[domain.PriceUpdate]
	statuses *event.Bus[domain.ConnectionState]

	now func() quant.TimeStamp
}

var _ domain.PriceStream = (*Stream)(nil)

// NewStream creates a price feed for url. An empty url uses DefaultURL.
func NewStream(url string, policy infra.BackoffPolicy, logger *slog.Logger) *Stream {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coincap")

	s := &Stream{
		url:      url,
		logger:   logger,
		prices:   event.NewBus[domain.PriceUpdate]("coincap.prices", logger),
		statuses: event.NewBus[domain.ConnectionState]("coincap.status", logger),
		now:      quant.Now,
	}
	s.base = infra.NewBaseWSWorker(s, policy, logger)
	return s
}

// Worker exposes the underlying connection worker for tuning timeouts.
func (s *Stream) Worker() *infra.BaseWSWorker { return s.base }

// ID returns the worker identifier.
func (s *Stream) ID() string { return "COINCAP" }

// GetURL returns the CoinCap WebSocket endpoint.
func (s *Stream) GetURL() string { return s.url }

// Connect starts the WebSocket connection.
func (s *Stream) Connect(ctx context.Context) {
	s.base.Connect(ctx)
}

// Disconnect terminates the connection. Do not call it from a listener.
func (s *Stream) Disconnect() {
	s.base.Disconnect()
}

func (s *Stream) OnPriceUpdate(fn func(domain.PriceUpdate)) (unsubscribe func()) {
	return s.prices.Subscribe(fn)
}

func (s *Stream) OnConnectionStatusChange(fn func(domain.ConnectionState)) (unsubscribe func()) {
	return s.statuses.Subscribe(fn)
}

// OnStatus forwards worker transitions to status listeners.
func (s *Stream) OnStatus(state domain.ConnectionState) {
	s.statuses.Publish(state)
}

// OnMessage handles incoming price frames. Bad frames are dropped, the
// connection stays up.
func (s *Stream) OnMessage(ctx context.Context, msg []byte) {
	updates, err := ParsePrices(msg, s.now())
	if err != nil {
		s.logger.Debug("dropping price frame", "err", err)
		return
	}
	for _, u := range updates {
		s.prices.Publish(u)
	}
}

// ParsePrices decodes one frame into updates stamped with ts, ordered by id.
// Entries whose price does not parse are skipped; only a frame that is not a
// JSON object fails as a whole.
func ParsePrices(msg []byte, ts quant.TimeStamp) ([]domain.PriceUpdate, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	updates := make([]domain.PriceUpdate, 0, len(raw))
	for _, id := range slices.Sorted(maps.Keys(raw)) {
		var v string
		if err := json.Unmarshal(raw[id], &v); err != nil {
			continue
		}
		price, err := quant.ParsePrice(v)
		if err != nil {
			continue
		}
		updates = append(updates, domain.PriceUpdate{ID: id, PriceUSD: price, Timestamp: ts})
	}
	return updates, nil
}
