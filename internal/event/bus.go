package event

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type subscriber[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Bus is a typed observer list. Subscribers run synchronously in
// registration order on the publishing goroutine; a panicking subscriber is
// logged and skipped without affecting the others.
type Bus[T any] struct {
	name   string
	logger *slog.Logger

	mu   sync.RWMutex
	subs []subscriber[T]
}

// NewBus creates an empty bus. name is used in log lines only.
func NewBus[T any](name string, logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a handle that removes it.
// Calling the handle more than once is harmless.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	id := uuid.New()

	b.mu.Lock()
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers v to every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, v)
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic recovered",
				slog.String("bus", b.name),
				slog.String("subscriber", s.id.String()),
				slog.Any("panic", r))
		}
	}()
	s.fn(v)
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Clear drops every subscriber.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}
