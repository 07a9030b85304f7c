// Package runtime assembles the live trading loop: it pumps feed ticks into
// trigger evaluation and sweeps expired orders on an interval.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantdesk/tradecore/config"
	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/engine"
	"github.com/quantdesk/tradecore/internal/feed"
	"github.com/quantdesk/tradecore/internal/observability"
	"github.com/quantdesk/tradecore/internal/orchestrator"
	"github.com/quantdesk/tradecore/lib/async"
)

const defaultTickWorkers = 8

// PriceSink receives the latest observed price per instrument.
type PriceSink interface {
	SetPrice(instrumentID string, price decimal.Decimal)
}

// Runtime owns the background loops of a running engine instance.
type Runtime struct {
	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	source       feed.Source
	prices       PriceSink

	tickRate    rate.Limit
	tickWorkers int
	sweepEvery  time.Duration

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	ticks  *async.Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a runtime from its collaborators and feed settings.
func New(eng *engine.Engine, orch *orchestrator.Orchestrator, source feed.Source, prices PriceSink, cfg config.Settings) *Runtime {
	workers := cfg.Feed.TickWorkers
	if workers <= 0 {
		workers = defaultTickWorkers
	}
	tickRate := rate.Limit(cfg.Feed.TickRate)
	if tickRate <= 0 {
		tickRate = rate.Inf
	}
	sweep := cfg.Engine.ExpirySweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &Runtime{
		engine:       eng,
		orchestrator: orch,
		source:       source,
		prices:       prices,
		tickRate:     tickRate,
		tickWorkers:  workers,
		sweepEvery:   sweep,
		limiters:     make(map[string]*rate.Limiter),
		done:         make(chan struct{}),
	}
}

// Start launches the feed pump and the expiry sweep. It returns once the feed
// is connected; background loops run until Stop or ctx cancellation.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	tickPool, err := async.NewPool(r.tickWorkers, r.tickWorkers*4)
	if err != nil {
		cancel()
		return err
	}
	r.ticks = tickPool

	handler := feed.HandlerFunc(func(ctx context.Context, tick feed.Tick) error {
		if !r.allowTick(tick.InstrumentID) {
			return nil
		}
		if r.prices != nil {
			r.prices.SetPrice(tick.InstrumentID, tick.Price)
		}
		evaluate := func(context.Context) error {
			if err := r.orchestrator.OnPriceTick(runCtx, tick.InstrumentID, tick.Price); err != nil {
				observability.Log().Warn("trigger evaluation errors",
					observability.Field{Key: "instrument", Value: tick.InstrumentID},
					observability.Field{Key: "error", Value: err.Error()})
			}
			return nil
		}
		if err := tickPool.Submit(runCtx, evaluate); err != nil {
			// Saturation or shutdown: dropping is safe, triggers are
			// level-based and the next tick re-evaluates.
			if !errs.Is(err, errs.CodeUnavailable) {
				return err
			}
		}
		return nil
	})

	if err := r.source.Start(runCtx, handler); err != nil {
		cancel()
		tickPool.Close()
		return err
	}

	go func() {
		defer close(r.done)
		r.sweepLoop(runCtx)
	}()
	return nil
}

// Stop cancels background loops and waits for them to exit.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if err := r.source.Close(); err != nil {
		observability.Log().Warn("feed close failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
	if r.ticks != nil {
		if err := r.ticks.Shutdown(ctx); err != nil {
			return err
		}
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// allowTick enforces the per-instrument evaluation rate. Dropping a tick is
// safe: triggers are level-based, so the next allowed tick re-evaluates.
func (r *Runtime) allowTick(instrumentID string) bool {
	r.limitersMu.Lock()
	limiter, ok := r.limiters[instrumentID]
	if !ok {
		limiter = rate.NewLimiter(r.tickRate, 1)
		r.limiters[instrumentID] = limiter
	}
	r.limitersMu.Unlock()
	return limiter.Allow()
}

func (r *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := r.engine.ExpireDue(ctx, time.Now().UTC())
			if err != nil {
				observability.Log().Warn("expiry sweep failed",
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			if expired > 0 {
				observability.Log().Info("expired orders cancelled",
					observability.Field{Key: "count", Value: expired})
			}
		}
	}
}
