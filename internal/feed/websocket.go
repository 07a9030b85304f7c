package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/internal/observability"
)

const (
	wsPingInterval         = 30 * time.Second
	wsPingTimeout          = 5 * time.Second
	wsControlWriteTimeout  = 5 * time.Second
	wsMaxReconnectInterval = 30 * time.Second
	wsReadLimit            = 1 * 1024 * 1024
	wsHandshakeTimeout     = 10 * time.Second
)

// WebSocketFeed maintains a single websocket session against a market data
// endpoint, resubscribing after reconnects and delivering decoded ticks to
// the registered handler.
type WebSocketFeed struct {
	url              string
	handshakeTimeout time.Duration

	conn   *websocket.Conn
	connMu sync.RWMutex

	instruments map[string]struct{}
	instMu      sync.Mutex

	msgIDGen atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once

	cancel context.CancelFunc
}

type wsSubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type wsControlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsRemoteError   `json:"error,omitempty"`
}

type wsRemoteError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type wsTickFrame struct {
	InstrumentID string `json:"instrumentId"`
	Price        string `json:"price"`
	Timestamp    int64  `json:"timestamp"`
}

// NewWebSocketFeed builds a feed for the given endpoint subscribed to the
// provided instruments. A zero handshakeTimeout uses the default.
func NewWebSocketFeed(url string, instruments []string, handshakeTimeout time.Duration) *WebSocketFeed {
	if handshakeTimeout <= 0 {
		handshakeTimeout = wsHandshakeTimeout
	}
	subs := make(map[string]struct{}, len(instruments))
	for _, id := range instruments {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			subs[trimmed] = struct{}{}
		}
	}
	return &WebSocketFeed{
		url:              url,
		handshakeTimeout: handshakeTimeout,
		instruments:      subs,
		ready:            make(chan struct{}),
	}
}

// Subscribe adds an instrument to the live subscription set.
func (f *WebSocketFeed) Subscribe(ctx context.Context, instrumentID string) error {
	trimmed := strings.TrimSpace(instrumentID)
	if trimmed == "" {
		return nil
	}
	f.instMu.Lock()
	_, exists := f.instruments[trimmed]
	f.instruments[trimmed] = struct{}{}
	f.instMu.Unlock()
	if exists {
		return nil
	}
	return f.sendSubscribe(ctx, []string{trimmed})
}

// Start dials the endpoint and delivers ticks until ctx is cancelled. The
// session reconnects with exponential backoff on transport failure.
func (f *WebSocketFeed) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("feed handler required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	go func() {
		if err := f.connect(runCtx, handler); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("price feed terminated",
				observability.Field{Key: "url", Value: f.url},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}()

	select {
	case <-f.ready:
		return nil
	case <-time.After(f.handshakeTimeout):
		cancel()
		return errors.New("timeout waiting for price feed connection")
	case <-runCtx.Done():
		return fmt.Errorf("price feed context done: %w", runCtx.Err())
	}
}

// Close tears down the session.
func (f *WebSocketFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "shutdown")
		f.conn = nil
	}
	f.connMu.Unlock()
	return nil
}

// connect keeps one websocket session alive until the context terminates,
// replaying subscriptions after every reconnect.
func (f *WebSocketFeed) connect(ctx context.Context, handler Handler) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = wsMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			observability.Log().Warn("price feed dial failed",
				observability.Field{Key: "url", Value: f.url},
				observability.Field{Key: "error", Value: err.Error()})
			if sleepErr := f.sleepBackoff(ctx, backoffCfg); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		f.connMu.Lock()
		f.conn = conn
		f.connMu.Unlock()

		conn.SetReadLimit(wsReadLimit)

		f.readyOnce.Do(func() {
			close(f.ready)
		})

		backoffCfg.Reset()

		if err := f.resubscribeAll(ctx); err != nil {
			observability.Log().Warn("price feed resubscribe failed",
				observability.Field{Key: "error", Value: err.Error()})
		}

		connCtx, connCancel := context.WithCancel(ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- f.readLoop(connCtx, conn, handler)
		}()

		go func() {
			defer wg.Done()
			errCh <- f.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		f.connMu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		sessionErr := firstErr
		for e := range errCh {
			if sessionErr == nil || errors.Is(sessionErr, context.Canceled) {
				sessionErr = e
			}
		}
		if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) {
			observability.Log().Warn("price feed session ended",
				observability.Field{Key: "error", Value: sessionErr.Error()})
		}

		if sleepErr := f.sleepBackoff(ctx, backoffCfg); sleepErr != nil {
			return sleepErr
		}
	}
}

func (f *WebSocketFeed) sleepBackoff(ctx context.Context, cfg *backoff.ExponentialBackOff) error {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = wsMaxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-time.After(sleep):
		return nil
	}
}

func (f *WebSocketFeed) resubscribeAll(ctx context.Context) error {
	f.instMu.Lock()
	instruments := make([]string, 0, len(f.instruments))
	for id := range f.instruments {
		instruments = append(instruments, id)
	}
	f.instMu.Unlock()
	if len(instruments) == 0 {
		return nil
	}
	return f.sendSubscribe(ctx, instruments)
}

func (f *WebSocketFeed) sendSubscribe(ctx context.Context, instruments []string) error {
	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	req := wsSubscribeRequest{
		Method: "SUBSCRIBE",
		Params: instruments,
		ID:     f.msgIDGen.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsControlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}
	return nil
}

func (f *WebSocketFeed) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (f *WebSocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		// Subscribe acknowledgements carry an id; tick frames do not.
		var control wsControlResponse
		if err := json.Unmarshal(data, &control); err == nil && control.ID > 0 {
			if control.Error != nil {
				observability.Log().Warn("price feed control error",
					observability.Field{Key: "code", Value: control.Error.Code},
					observability.Field{Key: "message", Value: control.Error.Msg})
			}
			continue
		}

		tick, err := decodeTick(data)
		if err != nil {
			observability.Log().Warn("price feed frame dropped",
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		if err := handler.HandleTick(ctx, tick); err != nil {
			observability.Log().Warn("tick handling failed",
				observability.Field{Key: "instrument_id", Value: tick.InstrumentID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func decodeTick(data []byte) (Tick, error) {
	var frame wsTickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Tick{}, fmt.Errorf("decode tick frame: %w", err)
	}
	if strings.TrimSpace(frame.InstrumentID) == "" {
		return Tick{}, errors.New("tick frame missing instrument id")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(frame.Price))
	if err != nil {
		return Tick{}, fmt.Errorf("decode tick price %q: %w", frame.Price, err)
	}
	if price.Sign() <= 0 {
		return Tick{}, fmt.Errorf("tick price must be positive, got %s", price)
	}
	observedAt := time.Now().UTC()
	if frame.Timestamp > 0 {
		observedAt = time.UnixMilli(frame.Timestamp).UTC()
	}
	return Tick{InstrumentID: frame.InstrumentID, Price: price, ObservedAt: observedAt}, nil
}
