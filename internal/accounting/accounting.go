// Package accounting recomputes position quantity, average cost, and realized
// profit given a new fill. All functions are pure: they take the prior state
// as a parameter and return the updated state without touching shared
// collections.
package accounting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/internal/schema"
)

// Result pairs the updated position with the profit realized by this fill.
type Result struct {
	Position schema.Position
	Realized decimal.Decimal
}

// Apply folds one fill into a position. A nil prior position means no holding
// exists yet for the (portfolio, instrument) pair; the fill then opens one.
//
// Same-direction fills extend exposure at a volume-weighted average cost.
// Opposite-direction fills realize profit on the closed quantity; any excess
// beyond the held quantity reverses the position at the fill price.
func Apply(prior *schema.Position, portfolioID string, fill schema.Fill, now time.Time) Result {
	signedFill := fill.SignedQuantity()

	if prior == nil || prior.Quantity.IsZero() {
		pos := schema.Position{
			PortfolioID:  portfolioID,
			InstrumentID: fill.InstrumentID,
			Quantity:     signedFill,
			AverageCost:  fill.Price,
			MarketPrice:  fill.Price,
			RealizedPnL:  decimal.Zero,
			UpdatedAt:    now,
		}
		if prior != nil {
			pos.RealizedPnL = prior.RealizedPnL
		}
		return Result{Position: pos, Realized: decimal.Zero}
	}

	pos := *prior
	pos.MarketPrice = fill.Price
	pos.UpdatedAt = now

	if prior.Quantity.Sign() == signedFill.Sign() {
		// Increasing exposure: volume-weighted average cost. The signed form
		// holds for shorts as well since both terms carry the same sign.
		newQuantity := prior.Quantity.Add(signedFill)
		pos.AverageCost = prior.Quantity.Mul(prior.AverageCost).
			Add(signedFill.Mul(fill.Price)).
			Div(newQuantity)
		pos.Quantity = newQuantity
		return Result{Position: pos, Realized: decimal.Zero}
	}

	held := prior.Quantity.Abs()
	closed := decimal.Min(held, fill.Quantity)
	direction := decimal.NewFromInt(int64(prior.Quantity.Sign()))
	realized := fill.Price.Sub(prior.AverageCost).Mul(closed).Mul(direction)
	pos.RealizedPnL = prior.RealizedPnL.Add(realized)

	if fill.Quantity.LessThanOrEqual(held) {
		// Reduction: remaining exposure keeps its cost basis.
		pos.Quantity = prior.Quantity.Add(signedFill)
		if pos.Quantity.IsZero() {
			pos.AverageCost = decimal.Zero
		}
		return Result{Position: pos, Realized: realized}
	}

	// Reversal: the excess opens fresh exposure in the opposite direction at
	// the fill price.
	pos.Quantity = prior.Quantity.Add(signedFill)
	pos.AverageCost = fill.Price
	return Result{Position: pos, Realized: realized}
}
