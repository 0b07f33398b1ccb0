package domain

import (
	"strings"

	"crypto_live/pkg/quant"
)

// AssetRecord is the latest known market data for one tradable asset.
// ID is the primary key; Rank is display ordering only.
type AssetRecord struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name"`
	Rank             int             `json:"rank"`
	PriceUSD         float64         `json:"priceUsd"`
	ChangePercent24h float64         `json:"changePercent24Hr"`
	MarketCapUSD     float64         `json:"marketCapUsd"`
	VolumeUSD24h     float64         `json:"volumeUsd24Hr"`
	Supply           float64         `json:"supply"`
	MaxSupply        *float64        `json:"maxSupply,omitempty"`
	LastUpdated      quant.TimeStamp `json:"lastUpdated"`
}

// PriceUpdate is a partial streaming event. It carries only the fields below
// and must never overwrite anything else on a record.
type PriceUpdate struct {
	ID        string          `json:"id"`
	PriceUSD  float64         `json:"priceUsd"`
	Timestamp quant.TimeStamp `json:"timestamp"`
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (a AssetRecord) ChangeDirection() string {
	if a.ChangePercent24h > 0 {
		return "positive"
	}
	if a.ChangePercent24h < 0 {
		return "negative"
	}
	return "neutral"
}

// Matches reports whether a lower-cased, trimmed query is a substring of the
// asset's name or symbol. An empty query matches everything.
func (a AssetRecord) Matches(lowerQuery string) bool {
	if lowerQuery == "" {
		return true
	}
	return strings.Contains(strings.ToLower(a.Name), lowerQuery) ||
		strings.Contains(strings.ToLower(a.Symbol), lowerQuery)
}

// Less orders assets by rank, ties broken by id.
func (a AssetRecord) Less(b AssetRecord) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.ID < b.ID
}

// ConnectionState is the streaming connection status shown to consumers.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota // initial state
	ConnectionConnecting
	ConnectionConnected
	ConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the lowercase status name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
