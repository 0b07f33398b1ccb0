package domain

import "context"

// SnapshotSource retrieves ranked asset listings one page at a time.
// start is a 1-based offset into the provider's ranking.
type SnapshotSource interface {
	FetchPage(ctx context.Context, start, limit int) ([]AssetRecord, error)
}

// PriceStream is a single logical streaming subscription to a price feed.
type PriceStream interface {
	Connect(ctx context.Context)
	Disconnect()
	OnPriceUpdate(fn func(PriceUpdate)) (unsubscribe func())
	OnConnectionStatusChange(fn func(ConnectionState)) (unsubscribe func())
}

// Authorizer answers whether a user session is currently active.
type Authorizer interface {
	IsAuthorized(ctx context.Context) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) bool

func (f AuthorizerFunc) IsAuthorized(ctx context.Context) bool { return f(ctx) }
