// Package postgres persists order lifecycle state in PostgreSQL via pgx.
// Every execution or cancellation runs inside one database transaction; the
// conditional status UPDATE guarded by a row lock provides the at-most-once
// fill guarantee.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/schema"
)

const component = "orderstore/postgres"

// Store exposes PostgreSQL-backed order persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx    pgx.Tx
	store *Store
}

const (
	orderColumns = `
    o.id,
    o.user_id,
    o.portfolio_id,
    o.instrument_id,
    o.order_type,
    o.side,
    o.time_in_force,
    o.advanced_kind,
    o.quantity::text,
    o.limit_price::text,
    o.stop_price::text,
    o.trigger_price::text,
    o.trail_amount::text,
    o.trail_percent::text,
    o.display_quantity::text,
    o.take_profit_pct::text,
    o.stop_loss_pct::text,
    o.status,
    o.filled_quantity::text,
    o.average_price::text,
    o.commission::text,
    o.parent_order_id,
    o.notes,
    o.created_at,
    o.executed_at,
    o.expires_at`

	orderSelectBase = `SELECT` + orderColumns + `
FROM orders o
`

	orderInsertSQL = `
INSERT INTO orders (
    id,
    user_id,
    portfolio_id,
    instrument_id,
    order_type,
    side,
    time_in_force,
    advanced_kind,
    quantity,
    limit_price,
    stop_price,
    trigger_price,
    trail_amount,
    trail_percent,
    display_quantity,
    take_profit_pct,
    stop_loss_pct,
    status,
    filled_quantity,
    average_price,
    commission,
    parent_order_id,
    notes,
    created_at,
    executed_at,
    expires_at
)
VALUES (
    @id,
    @user_id,
    @portfolio_id,
    @instrument_id,
    @order_type,
    @side,
    @time_in_force,
    @advanced_kind,
    @quantity,
    @limit_price,
    @stop_price,
    @trigger_price,
    @trail_amount,
    @trail_percent,
    @display_quantity,
    @take_profit_pct,
    @stop_loss_pct,
    @status,
    @filled_quantity,
    @average_price,
    @commission,
    @parent_order_id,
    @notes,
    @created_at,
    @executed_at,
    @expires_at
);
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    quantity = @quantity,
    limit_price = @limit_price,
    stop_price = @stop_price,
    trigger_price = @trigger_price,
    trail_amount = @trail_amount,
    trail_percent = @trail_percent,
    display_quantity = @display_quantity,
    filled_quantity = @filled_quantity,
    average_price = @average_price,
    commission = @commission,
    notes = @notes,
    executed_at = @executed_at,
    expires_at = @expires_at,
    updated_at = NOW()
WHERE id = @id;
`

	positionSelectSQL = `
SELECT
    p.portfolio_id,
    p.instrument_id,
    p.quantity::text,
    p.average_cost::text,
    p.market_price::text,
    p.realized_pnl::text,
    p.updated_at
FROM positions p
`

	positionUpsertSQL = `
INSERT INTO positions (
    portfolio_id,
    instrument_id,
    quantity,
    average_cost,
    market_price,
    realized_pnl,
    updated_at
)
VALUES (
    @portfolio_id,
    @instrument_id,
    @quantity,
    @average_cost,
    @market_price,
    @realized_pnl,
    @updated_at
)
ON CONFLICT (portfolio_id, instrument_id) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    average_cost = EXCLUDED.average_cost,
    market_price = EXCLUDED.market_price,
    realized_pnl = EXCLUDED.realized_pnl,
    updated_at = EXCLUDED.updated_at;
`

	portfolioSelectSQL = `
SELECT
    pf.id,
    pf.user_id,
    COALESCE(pf.name, ''),
    pf.cached_value::text,
    pf.updated_at
FROM portfolios pf
WHERE pf.id = @id
`

	portfolioUpsertSQL = `
INSERT INTO portfolios (id, user_id, name, cached_value, updated_at)
VALUES (@id, @user_id, @name, @cached_value, @updated_at)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    cached_value = EXCLUDED.cached_value,
    updated_at = EXCLUDED.updated_at;
`

	executionInsertSQL = `
INSERT INTO executions (id, order_id, price, quantity, commission, executed_at)
VALUES (@id, @order_id, @price, @quantity, @commission, @executed_at)
ON CONFLICT (id) DO NOTHING;
`

	executionSelectBase = `
SELECT
    e.id,
    e.order_id,
    e.price::text,
    e.quantity::text,
    e.commission::text,
    e.executed_at
FROM executions e
`

	defaultOrderLimit     = 50
	maxOrderLimit         = 500
	defaultExecutionLimit = 100
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("nil pool"))
	}
	return s.pool, nil
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("transaction callback required"))
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return errs.New(component, errs.CodeExecution, errs.WithMessage("begin tx"), errs.WithCause(err))
	}
	wrapped := &pgTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errs.New(component, errs.CodeExecution, errs.WithMessage("commit tx"), errs.WithCause(err))
	}
	return nil
}

func orderArgs(order *schema.Order) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":               order.ID,
		"user_id":          order.UserID,
		"portfolio_id":     order.PortfolioID,
		"instrument_id":    order.InstrumentID,
		"order_type":       string(order.Type),
		"side":             string(order.Side),
		"time_in_force":    string(order.TimeInForce),
		"advanced_kind":    string(order.AdvancedKind),
		"quantity":         decimalArg(order.Quantity),
		"limit_price":      optionalDecimalArg(order.LimitPrice),
		"stop_price":       optionalDecimalArg(order.StopPrice),
		"trigger_price":    optionalDecimalArg(order.TriggerPrice),
		"trail_amount":     optionalDecimalArg(order.TrailAmount),
		"trail_percent":    optionalDecimalArg(order.TrailPercent),
		"display_quantity": optionalDecimalArg(order.DisplayQuantity),
		"take_profit_pct":  optionalDecimalArg(order.TakeProfitPct),
		"stop_loss_pct":    optionalDecimalArg(order.StopLossPct),
		"status":           string(order.Status),
		"filled_quantity":  decimalArg(order.FilledQuantity),
		"average_price":    decimalArg(order.AveragePrice),
		"commission":       decimalArg(order.Commission),
		"parent_order_id":  nullableString(order.ParentOrderID),
		"notes":            nullableString(order.Notes),
		"created_at":       order.CreatedAt,
		"executed_at":      nullableTime(order.ExecutedAt),
		"expires_at":       nullableTime(order.ExpiresAt),
	}
}

func (s *Store) createOrderWith(ctx context.Context, q querier, order *schema.Order) error {
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("order id required"))
	}
	if _, err := q.Exec(ctx, orderInsertSQL, orderArgs(order)); err != nil {
		return errs.New(component, errs.CodeExecution,
			errs.WithOrderID(order.ID), errs.WithMessage("insert order"), errs.WithCause(err))
	}
	return nil
}

func (s *Store) updateOrderWith(ctx context.Context, q querier, order *schema.Order) error {
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("order id required"))
	}
	tag, err := q.Exec(ctx, orderUpdateSQL, orderArgs(order))
	if err != nil {
		return errs.New(component, errs.CodeExecution,
			errs.WithOrderID(order.ID), errs.WithMessage("update order"), errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound(component, "order", order.ID)
	}
	return nil
}

func (s *Store) getOrderWith(ctx context.Context, q querier, id string, forUpdate bool) (*schema.Order, error) {
	query := orderSelectBase + " WHERE o.id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := q.QueryRow(ctx, query, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound(component, "order", id)
		}
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithOrderID(id), errs.WithMessage("load order"), errs.WithCause(err))
	}
	return order, nil
}

// transitionOrderWith locks the row, checks the current status against the
// allowed set, and persists the mutation. The row lock makes racing
// transitions observe each other's outcome.
func (s *Store) transitionOrderWith(ctx context.Context, q querier, id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	order, err := s.getOrderWith(ctx, q, id, true)
	if err != nil {
		return nil, err
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
	if mutate != nil {
		if err := mutate(order); err != nil {
			return nil, err
		}
	}
	if err := s.updateOrderWith(ctx, q, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) listChildrenWith(ctx context.Context, q querier, parentID string) ([]*schema.Order, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, nil
	}
	rows, err := q.Query(ctx, orderSelectBase+" WHERE o.parent_order_id = $1 ORDER BY o.created_at", parentID)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list children"), errs.WithCause(err))
	}
	return collectOrders(rows)
}

func (s *Store) getPositionWith(ctx context.Context, q querier, portfolioID, instrumentID string, forUpdate bool) (*schema.Position, error) {
	query := positionSelectSQL + " WHERE p.portfolio_id = $1 AND p.instrument_id = $2"
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := q.QueryRow(ctx, query, portfolioID, instrumentID)
	position, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("load position"), errs.WithCause(err))
	}
	return position, nil
}

func (s *Store) savePositionWith(ctx context.Context, q querier, position *schema.Position) error {
	if position == nil || position.PortfolioID == "" || position.InstrumentID == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("position keys required"))
	}
	args := pgx.NamedArgs{
		"portfolio_id":  position.PortfolioID,
		"instrument_id": position.InstrumentID,
		"quantity":      decimalArg(position.Quantity),
		"average_cost":  decimalArg(position.AverageCost),
		"market_price":  decimalArg(position.MarketPrice),
		"realized_pnl":  decimalArg(position.RealizedPnL),
		"updated_at":    position.UpdatedAt,
	}
	if _, err := q.Exec(ctx, positionUpsertSQL, args); err != nil {
		return errs.New(component, errs.CodeExecution,
			errs.WithMessage("upsert position"), errs.WithCause(err))
	}
	return nil
}

func (s *Store) getPortfolioWith(ctx context.Context, q querier, id string, forUpdate bool) (*schema.Portfolio, error) {
	query := portfolioSelectSQL
	if forUpdate {
		query += " FOR UPDATE"
	}
	row := q.QueryRow(ctx, query, pgx.NamedArgs{"id": id})
	portfolio, err := scanPortfolio(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound(component, "portfolio", id)
		}
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("load portfolio"), errs.WithCause(err))
	}
	return portfolio, nil
}

func (s *Store) savePortfolioWith(ctx context.Context, q querier, portfolio *schema.Portfolio) error {
	if portfolio == nil || strings.TrimSpace(portfolio.ID) == "" {
		return errs.New(component, errs.CodeValidation, errs.WithMessage("portfolio id required"))
	}
	args := pgx.NamedArgs{
		"id":           portfolio.ID,
		"user_id":      portfolio.UserID,
		"name":         nullableString(portfolio.Name),
		"cached_value": decimalArg(portfolio.CachedValue),
		"updated_at":   portfolio.UpdatedAt,
	}
	if _, err := q.Exec(ctx, portfolioUpsertSQL, args); err != nil {
		return errs.New(component, errs.CodeExecution,
			errs.WithMessage("upsert portfolio"), errs.WithCause(err))
	}
	return nil
}

func (s *Store) recordExecutionWith(ctx context.Context, q querier, result schema.ExecutionResult) error {
	args := pgx.NamedArgs{
		"id":          result.ID,
		"order_id":    result.OrderID,
		"price":       decimalArg(result.Price),
		"quantity":    decimalArg(result.Quantity),
		"commission":  decimalArg(result.Commission),
		"executed_at": result.ExecutedAt,
	}
	if _, err := q.Exec(ctx, executionInsertSQL, args); err != nil {
		return errs.New(component, errs.CodeExecution,
			errs.WithOrderID(result.OrderID), errs.WithMessage("insert execution"), errs.WithCause(err))
	}
	return nil
}

func (t *pgTx) CreateOrder(ctx context.Context, order *schema.Order) error {
	return t.store.createOrderWith(ctx, t.tx, order)
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	return t.store.getOrderWith(ctx, t.tx, id, true)
}

func (t *pgTx) TransitionOrder(ctx context.Context, id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	return t.store.transitionOrderWith(ctx, t.tx, id, from, mutate)
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *schema.Order) error {
	return t.store.updateOrderWith(ctx, t.tx, order)
}

func (t *pgTx) ListChildren(ctx context.Context, parentID string) ([]*schema.Order, error) {
	return t.store.listChildrenWith(ctx, t.tx, parentID)
}

func (t *pgTx) GetPosition(ctx context.Context, portfolioID, instrumentID string) (*schema.Position, error) {
	return t.store.getPositionWith(ctx, t.tx, portfolioID, instrumentID, true)
}

func (t *pgTx) SavePosition(ctx context.Context, position *schema.Position) error {
	return t.store.savePositionWith(ctx, t.tx, position)
}

func (t *pgTx) GetPortfolio(ctx context.Context, id string) (*schema.Portfolio, error) {
	return t.store.getPortfolioWith(ctx, t.tx, id, true)
}

func (t *pgTx) SavePortfolio(ctx context.Context, portfolio *schema.Portfolio) error {
	return t.store.savePortfolioWith(ctx, t.tx, portfolio)
}

func (t *pgTx) RecordExecution(ctx context.Context, result schema.ExecutionResult) error {
	return t.store.recordExecutionWith(ctx, t.tx, result)
}

// CreateOrder inserts a new order snapshot.
func (s *Store) CreateOrder(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createOrderWith(ctx, pool, order)
}

// GetOrder loads an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.getOrderWith(ctx, pool, id, false)
}

// TransitionOrder performs the conditional update inside its own transaction.
func (s *Store) TransitionOrder(ctx context.Context, id string, from []schema.OrderStatus, mutate orderstore.Mutation) (*schema.Order, error) {
	var out *schema.Order
	err := s.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		updated, err := tx.TransitionOrder(ctx, id, from, mutate)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOrder replaces the stored order snapshot.
func (s *Store) UpdateOrder(ctx context.Context, order *schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.updateOrderWith(ctx, pool, order)
}

// ListChildren returns orders whose parent matches parentID.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.listChildrenWith(ctx, pool, parentID)
}

// GetPosition returns the position for the pair, or nil when none exists.
func (s *Store) GetPosition(ctx context.Context, portfolioID, instrumentID string) (*schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.getPositionWith(ctx, pool, portfolioID, instrumentID, false)
}

// SavePosition upserts the position snapshot.
func (s *Store) SavePosition(ctx context.Context, position *schema.Position) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.savePositionWith(ctx, pool, position)
}

// GetPortfolio loads a portfolio by id.
func (s *Store) GetPortfolio(ctx context.Context, id string) (*schema.Portfolio, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	return s.getPortfolioWith(ctx, pool, id, false)
}

// SavePortfolio upserts the portfolio snapshot.
func (s *Store) SavePortfolio(ctx context.Context, portfolio *schema.Portfolio) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.savePortfolioWith(ctx, pool, portfolio)
}

// RecordExecution inserts an immutable execution record.
func (s *Store) RecordExecution(ctx context.Context, result schema.ExecutionResult) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordExecutionWith(ctx, pool, result)
}

// ListOrders retrieves persisted orders matching the supplied query filters.
func (s *Store) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 5)
	argPos := 1

	if trimmed := strings.TrimSpace(query.UserID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.user_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.PortfolioID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.portfolio_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.InstrumentID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.instrument_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.ParentID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.parent_order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if len(query.Statuses) > 0 {
		states := make([]string, 0, len(query.Statuses))
		for _, status := range query.Statuses {
			states = append(states, string(status))
		}
		fmt.Fprintf(&builder, " AND o.status = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY o.created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list orders"), errs.WithCause(err))
	}
	return collectOrders(rows)
}

// ListExecutions retrieves execution records matching the supplied query filters.
func (s *Store) ListExecutions(ctx context.Context, query orderstore.ExecutionQuery) ([]schema.ExecutionResult, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultExecutionLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(executionSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND e.order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.PortfolioID); trimmed != "" {
		fmt.Fprintf(&builder, " AND e.order_id IN (SELECT id FROM orders WHERE portfolio_id = $%d)", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY e.executed_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list executions"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []schema.ExecutionResult
	for rows.Next() {
		result, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("iterate executions"), errs.WithCause(err))
	}
	return out, nil
}

// ListOpenConditional returns working conditional orders for the instrument.
func (s *Store) ListOpenConditional(ctx context.Context, instrumentID string) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := orderSelectBase + ` WHERE o.instrument_id = $1
  AND o.status IN ('PENDING', 'OPEN')
  AND (o.order_type IN ('STOP', 'STOP_LIMIT') OR o.advanced_kind = 'TRAILING_STOP')
ORDER BY o.created_at`
	rows, err := pool.Query(ctx, query, instrumentID)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list conditional orders"), errs.WithCause(err))
	}
	return collectOrders(rows)
}

// ListExpired returns working orders whose expiration passed at the given time.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := orderSelectBase + ` WHERE o.status IN ('PENDING', 'OPEN')
  AND o.expires_at IS NOT NULL AND o.expires_at < $1
ORDER BY o.created_at`
	rows, err := pool.Query(ctx, query, now)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list expired orders"), errs.WithCause(err))
	}
	return collectOrders(rows)
}

// ListPositions returns every position held by the portfolio.
func (s *Store) ListPositions(ctx context.Context, portfolioID string) ([]*schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, positionSelectSQL+" WHERE p.portfolio_id = $1 ORDER BY p.instrument_id", portfolioID)
	if err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("list positions"), errs.WithCause(err))
	}
	defer rows.Close()

	var out []*schema.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, position)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("iterate positions"), errs.WithCause(err))
	}
	return out, nil
}

func collectOrders(rows pgx.Rows) ([]*schema.Order, error) {
	defer rows.Close()
	var out []*schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(component, errs.CodeExecution,
			errs.WithMessage("iterate orders"), errs.WithCause(err))
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*schema.Order, error) {
	var (
		id, userID, portfolioID, instrumentID   string
		orderType, side, timeInForce, kind      string
		quantity, filledQty, avgPrice, commText string
		limitPrice, stopPrice, triggerPrice     sql.NullString
		trailAmount, trailPercent, displayQty   sql.NullString
		takeProfitPct, stopLossPct              sql.NullString
		status                                  string
		parentOrderID, notes                    sql.NullString
		createdAt                               time.Time
		executedAt, expiresAt                   sql.NullTime
	)
	if err := row.Scan(
		&id, &userID, &portfolioID, &instrumentID,
		&orderType, &side, &timeInForce, &kind,
		&quantity, &limitPrice, &stopPrice, &triggerPrice,
		&trailAmount, &trailPercent, &displayQty,
		&takeProfitPct, &stopLossPct,
		&status, &filledQty, &avgPrice, &commText,
		&parentOrderID, &notes,
		&createdAt, &executedAt, &expiresAt,
	); err != nil {
		return nil, err
	}

	order := &schema.Order{
		ID:           id,
		UserID:       userID,
		PortfolioID:  portfolioID,
		InstrumentID: instrumentID,
		Type:         schema.OrderType(orderType),
		Side:         schema.TradeSide(side),
		TimeInForce:  schema.TimeInForce(timeInForce),
		AdvancedKind: schema.AdvancedKind(kind),
		Status:       schema.OrderStatus(status),
		CreatedAt:    createdAt.UTC(),
	}

	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if order.FilledQuantity, err = decimalFromText(filledQty); err != nil {
		return nil, err
	}
	if order.AveragePrice, err = decimalFromText(avgPrice); err != nil {
		return nil, err
	}
	if order.Commission, err = decimalFromText(commText); err != nil {
		return nil, err
	}
	if order.LimitPrice, err = decimalFromNullable(limitPrice); err != nil {
		return nil, err
	}
	if order.StopPrice, err = decimalFromNullable(stopPrice); err != nil {
		return nil, err
	}
	if order.TriggerPrice, err = decimalFromNullable(triggerPrice); err != nil {
		return nil, err
	}
	if order.TrailAmount, err = decimalFromNullable(trailAmount); err != nil {
		return nil, err
	}
	if order.TrailPercent, err = decimalFromNullable(trailPercent); err != nil {
		return nil, err
	}
	if order.DisplayQuantity, err = decimalFromNullable(displayQty); err != nil {
		return nil, err
	}
	if order.TakeProfitPct, err = decimalFromNullable(takeProfitPct); err != nil {
		return nil, err
	}
	if order.StopLossPct, err = decimalFromNullable(stopLossPct); err != nil {
		return nil, err
	}
	if parentOrderID.Valid {
		order.ParentOrderID = parentOrderID.String
	}
	if notes.Valid {
		order.Notes = notes.String
	}
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		order.ExecutedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		order.ExpiresAt = &t
	}
	return order, nil
}

func scanPosition(row rowScanner) (*schema.Position, error) {
	var (
		portfolioID, instrumentID                   string
		quantity, avgCost, marketPrice, realizedPnL string
		updatedAt                                   time.Time
	)
	if err := row.Scan(&portfolioID, &instrumentID, &quantity, &avgCost, &marketPrice, &realizedPnL, &updatedAt); err != nil {
		return nil, err
	}
	position := &schema.Position{
		PortfolioID:  portfolioID,
		InstrumentID: instrumentID,
		UpdatedAt:    updatedAt.UTC(),
	}
	var err error
	if position.Quantity, err = decimalFromText(quantity); err != nil {
		return nil, err
	}
	if position.AverageCost, err = decimalFromText(avgCost); err != nil {
		return nil, err
	}
	if position.MarketPrice, err = decimalFromText(marketPrice); err != nil {
		return nil, err
	}
	if position.RealizedPnL, err = decimalFromText(realizedPnL); err != nil {
		return nil, err
	}
	return position, nil
}

func scanPortfolio(row rowScanner) (*schema.Portfolio, error) {
	var (
		id, userID, name string
		cachedValue      string
		updatedAt        time.Time
	)
	if err := row.Scan(&id, &userID, &name, &cachedValue, &updatedAt); err != nil {
		return nil, err
	}
	portfolio := &schema.Portfolio{
		ID:        id,
		UserID:    userID,
		Name:      name,
		UpdatedAt: updatedAt.UTC(),
	}
	var err error
	if portfolio.CachedValue, err = decimalFromText(cachedValue); err != nil {
		return nil, err
	}
	return portfolio, nil
}

func scanExecution(row rowScanner) (schema.ExecutionResult, error) {
	var (
		id, orderID                 string
		price, quantity, commission string
		executedAt                  time.Time
	)
	if err := row.Scan(&id, &orderID, &price, &quantity, &commission, &executedAt); err != nil {
		return schema.ExecutionResult{}, err
	}
	result := schema.ExecutionResult{
		ID:         id,
		OrderID:    orderID,
		ExecutedAt: executedAt.UTC(),
	}
	var err error
	if result.Price, err = decimalFromText(price); err != nil {
		return schema.ExecutionResult{}, err
	}
	if result.Quantity, err = decimalFromText(quantity); err != nil {
		return schema.ExecutionResult{}, err
	}
	if result.Commission, err = decimalFromText(commission); err != nil {
		return schema.ExecutionResult{}, err
	}
	return result, nil
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
