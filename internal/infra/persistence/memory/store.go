// Package memory provides an in-memory order store with the same transaction
// semantics as the Postgres implementation: every unit of work serializes
// through a single lock, and a failed transaction leaves no partial state.
// It backs tests and the local simulator.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/schema"
)

const component = "orderstore/memory"

// Store keeps orders, positions, portfolios, and executions in process memory.
type Store struct {
	mu         sync.Mutex
	orders     map[string]*schema.Order
	positions  map[string]*schema.Position
	portfolios map[string]*schema.Portfolio
	executions []schema.ExecutionResult
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		orders:     make(map[string]*schema.Order),
		positions:  make(map[string]*schema.Position),
		portfolios: make(map[string]*schema.Portfolio),
		executions: nil,
	}
}

type state struct {
	orders     map[string]*schema.Order
	positions  map[string]*schema.Position
	portfolios map[string]*schema.Portfolio
	executions []schema.ExecutionResult
}

func (s *Store) snapshot() state {
	out := state{
		orders:     make(map[string]*schema.Order, len(s.orders)),
		positions:  make(map[string]*schema.Position, len(s.positions)),
		portfolios: make(map[string]*schema.Portfolio, len(s.portfolios)),
		executions: make([]schema.ExecutionResult, len(s.executions)),
	}
	for k, v := range s.orders {
		out.orders[k] = v.Clone()
	}
	for k, v := range s.positions {
		clone := *v
		out.positions[k] = &clone
	}
	for k, v := range s.portfolios {
		clone := *v
		out.portfolios[k] = &clone
	}
	copy(out.executions, s.executions)
	return out
}

func (s *Store) restore(snap state) {
	s.orders = snap.orders
	s.positions = snap.positions
	s.portfolios = snap.portfolios
	s.executions = snap.executions
}

type memTx struct {
	store *Store
}

func positionKey(portfolioID, instrumentID string) string {
	return portfolioID + "|" + instrumentID
}

// WithTransaction runs fn while holding the store lock. On error the state
// observed before fn ran is restored, so partial mutations never commit.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("transaction callback required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, &memTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (t *memTx) CreateOrder(ctx context.Context, order *schema.Order) error {
	return t.store.createOrderLocked(order)
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	return t.store.getOrderLocked(id)
}

func (t *memTx) TransitionOrder(ctx context.Context, id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	return t.store.transitionOrderLocked(id, from, mutate)
}

func (t *memTx) UpdateOrder(ctx context.Context, order *schema.Order) error {
	return t.store.updateOrderLocked(order)
}

func (t *memTx) ListChildren(ctx context.Context, parentID string) ([]*schema.Order, error) {
	return t.store.listChildrenLocked(parentID), nil
}

func (t *memTx) GetPosition(ctx context.Context, portfolioID, instrumentID string) (*schema.Position, error) {
	return t.store.getPositionLocked(portfolioID, instrumentID), nil
}

func (t *memTx) SavePosition(ctx context.Context, position *schema.Position) error {
	return t.store.savePositionLocked(position)
}

func (t *memTx) GetPortfolio(ctx context.Context, id string) (*schema.Portfolio, error) {
	return t.store.getPortfolioLocked(id)
}

func (t *memTx) SavePortfolio(ctx context.Context, portfolio *schema.Portfolio) error {
	return t.store.savePortfolioLocked(portfolio)
}

func (t *memTx) RecordExecution(ctx context.Context, result schema.ExecutionResult) error {
	t.store.executions = append(t.store.executions, result)
	return nil
}

// CreateOrder inserts a new order outside any caller-managed transaction.
func (s *Store) CreateOrder(ctx context.Context, order *schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrderLocked(order)
}

// GetOrder returns a copy of the stored order.
func (s *Store) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrderLocked(id)
}

// TransitionOrder performs a conditional status update as a standalone unit of work.
func (s *Store) TransitionOrder(ctx context.Context, id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionOrderLocked(id, from, mutate)
}

// UpdateOrder replaces the stored order snapshot.
func (s *Store) UpdateOrder(ctx context.Context, order *schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateOrderLocked(order)
}

// ListChildren returns copies of orders whose parent matches parentID.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listChildrenLocked(parentID), nil
}

// GetPosition returns the position for the pair, or nil when none exists.
func (s *Store) GetPosition(ctx context.Context, portfolioID, instrumentID string) (*schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPositionLocked(portfolioID, instrumentID), nil
}

// SavePosition upserts the position snapshot.
func (s *Store) SavePosition(ctx context.Context, position *schema.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePositionLocked(position)
}

// GetPortfolio returns a copy of the stored portfolio.
func (s *Store) GetPortfolio(ctx context.Context, id string) (*schema.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getPortfolioLocked(id)
}

// SavePortfolio upserts the portfolio snapshot.
func (s *Store) SavePortfolio(ctx context.Context, portfolio *schema.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savePortfolioLocked(portfolio)
}

// RecordExecution appends an immutable execution record.
func (s *Store) RecordExecution(ctx context.Context, result schema.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, result)
	return nil
}

// ListOrders retrieves orders matching the supplied query filters, newest first.
func (s *Store) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[schema.OrderStatus]bool, len(query.Statuses))
	for _, status := range query.Statuses {
		statuses[status] = true
	}

	var out []*schema.Order
	for _, order := range s.orders {
		if query.UserID != "" && order.UserID != query.UserID {
			continue
		}
		if query.PortfolioID != "" && order.PortfolioID != query.PortfolioID {
			continue
		}
		if query.InstrumentID != "" && order.InstrumentID != query.InstrumentID {
			continue
		}
		if query.ParentID != "" && order.ParentOrderID != query.ParentID {
			continue
		}
		if len(statuses) > 0 && !statuses[order.Status] {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListExecutions retrieves execution records matching the query, newest first.
func (s *Store) ListExecutions(ctx context.Context, query orderstore.ExecutionQuery) ([]schema.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schema.ExecutionResult
	for _, exec := range s.executions {
		if query.OrderID != "" && exec.OrderID != query.OrderID {
			continue
		}
		if query.PortfolioID != "" {
			order, ok := s.orders[exec.OrderID]
			if !ok || order.PortfolioID != query.PortfolioID {
				continue
			}
		}
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListOpenConditional returns working conditional orders for the instrument.
func (s *Store) ListOpenConditional(ctx context.Context, instrumentID string) ([]*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Order
	for _, order := range s.orders {
		if order.InstrumentID != instrumentID || !order.Status.Working() || !order.Conditional() {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListExpired returns working orders whose expiration passed at the given time.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Order
	for _, order := range s.orders {
		if order.Status.Working() && order.Expired(now) {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPositions returns copies of every position held by the portfolio.
func (s *Store) ListPositions(ctx context.Context, portfolioID string) ([]*schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*schema.Position
	for _, position := range s.positions {
		if position.PortfolioID != portfolioID {
			continue
		}
		clone := *position
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (s *Store) createOrderLocked(order *schema.Order) error {
	if order == nil || order.ID == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("order id required"))
	}
	if _, exists := s.orders[order.ID]; exists {
		return errs.New(component, errs.CodeConflict,
			errs.WithOrderID(order.ID), errs.WithMessage("order already exists"))
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) getOrderLocked(id string) (*schema.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, errs.NotFound(component, "order", id)
	}
	return order.Clone(), nil
}

func (s *Store) transitionOrderLocked(id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, errs.NotFound(component, "order", id)
	}
	allowed := false
	for _, status := range from {
		if order.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errs.InvalidState(component, id, string(order.Status), "transition")
	}
	updated := order.Clone()
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return nil, err
		}
	}
	s.orders[id] = updated
	return updated.Clone(), nil
}

func (s *Store) updateOrderLocked(order *schema.Order) error {
	if order == nil || order.ID == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("order id required"))
	}
	if _, ok := s.orders[order.ID]; !ok {
		return errs.NotFound(component, "order", order.ID)
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *Store) listChildrenLocked(parentID string) []*schema.Order {
	var out []*schema.Order
	for _, order := range s.orders {
		if order.ParentOrderID == parentID && parentID != "" {
			out = append(out, order.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) getPositionLocked(portfolioID, instrumentID string) *schema.Position {
	position, ok := s.positions[positionKey(portfolioID, instrumentID)]
	if !ok {
		return nil
	}
	clone := *position
	return &clone
}

func (s *Store) savePositionLocked(position *schema.Position) error {
	if position == nil || position.PortfolioID == "" || position.InstrumentID == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("position keys required"))
	}
	clone := *position
	s.positions[positionKey(position.PortfolioID, position.InstrumentID)] = &clone
	return nil
}

func (s *Store) getPortfolioLocked(id string) (*schema.Portfolio, error) {
	portfolio, ok := s.portfolios[id]
	if !ok {
		return nil, errs.NotFound(component, "portfolio", id)
	}
	clone := *portfolio
	return &clone, nil
}

func (s *Store) savePortfolioLocked(portfolio *schema.Portfolio) error {
	if portfolio == nil || portfolio.ID == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("portfolio id required"))
	}
	clone := *portfolio
	s.portfolios[portfolio.ID] = &clone
	return nil
}
