package feed

import (
	"context"
	"sync"
)

// StaticFeed replays a fixed tick sequence, then blocks until ctx is
// cancelled or Close is called. Used by the simulator and in tests.
type StaticFeed struct {
	ticks []Tick

	mu     sync.Mutex
	extra  chan Tick
	closed bool
}

// NewStaticFeed builds a feed that delivers the given ticks in order.
func NewStaticFeed(ticks ...Tick) *StaticFeed {
	return &StaticFeed{
		ticks: append([]Tick(nil), ticks...),
		extra: make(chan Tick, 64),
	}
}

// Push queues an additional tick for delivery after the initial sequence.
func (f *StaticFeed) Push(tick Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.extra <- tick
}

// Start delivers ticks synchronously on the calling goroutine's behalf.
func (f *StaticFeed) Start(ctx context.Context, handler Handler) error {
	for _, tick := range f.ticks {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if err := handler.HandleTick(ctx, tick); err != nil {
			return err
		}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-f.extra:
				if !ok {
					return
				}
				_ = handler.HandleTick(ctx, tick)
			}
		}
	}()
	return nil
}

// Close stops accepting pushed ticks.
func (f *StaticFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.extra)
	}
	return nil
}
