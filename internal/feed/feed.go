// Package feed delivers market price ticks to the trigger evaluation pipeline.
package feed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single observed market price for an instrument.
type Tick struct {
	InstrumentID string          `json:"instrumentId"`
	Price        decimal.Decimal `json:"price"`
	ObservedAt   time.Time       `json:"observedAt"`
}

// Handler consumes price ticks. Implementations must tolerate redelivery;
// the feed makes no ordering guarantee across instruments.
type Handler interface {
	HandleTick(ctx context.Context, tick Tick) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, tick Tick) error

// HandleTick implements Handler.
func (f HandlerFunc) HandleTick(ctx context.Context, tick Tick) error {
	return f(ctx, tick)
}

// Source is a stream of market prices that can be started and stopped.
type Source interface {
	// Start begins delivering ticks to the handler until ctx is cancelled.
	Start(ctx context.Context, handler Handler) error
	Close() error
}
