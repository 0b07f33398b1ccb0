package event

import (
	"crypto_live/internal/domain"
	"crypto_live/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvPriceUpdate Type = iota + 1
	EvConnectionState
)

// Event is the interface for everything that flows through the coordinator inbox.
type Event interface {
	GetTs() quant.TimeStamp
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Ts quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// PriceUpdateEvent carries one streamed price tick and the store generation
// it was received under.
type PriceUpdateEvent struct {
	BaseEvent
	Update     domain.PriceUpdate `json:"update"`
	Generation uint64             `json:"generation"`
}

func (e PriceUpdateEvent) GetType() Type { return EvPriceUpdate }

// ConnectionStateEvent carries a stream status transition.
type ConnectionStateEvent struct {
	BaseEvent
	State domain.ConnectionState `json:"state"`
}

func (e ConnectionStateEvent) GetType() Type { return EvConnectionState }
