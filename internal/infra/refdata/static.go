// Package refdata provides in-process reference data backed by a mutable
// catalog. The price side is refreshed from feed ticks, so a single catalog
// serves as the engine's instrument source, price source, and authorizer.
package refdata

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/errs"
	"github.com/quantdesk/tradecore/internal/schema"
)

const component = "refdata"

// Catalog is a thread-safe instrument and ownership registry.
type Catalog struct {
	mu          sync.RWMutex
	instruments map[string]schema.Instrument
	// ownership maps portfolioID to the owning userID.
	ownership map[string]string
}

// NewCatalog constructs an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		instruments: make(map[string]schema.Instrument),
		ownership:   make(map[string]string),
	}
}

// AddInstrument registers or replaces an instrument.
func (c *Catalog) AddInstrument(instrument schema.Instrument) {
	if strings.TrimSpace(instrument.ID) == "" {
		return
	}
	c.mu.Lock()
	c.instruments[instrument.ID] = instrument
	c.mu.Unlock()
}

// GrantPortfolio records userID as the owner of portfolioID.
func (c *Catalog) GrantPortfolio(userID, portfolioID string) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(portfolioID) == "" {
		return
	}
	c.mu.Lock()
	c.ownership[portfolioID] = userID
	c.mu.Unlock()
}

// SetPrice updates the last observed price for an instrument. Unknown
// instruments are ignored.
func (c *Catalog) SetPrice(instrumentID string, price decimal.Decimal) {
	if price.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	if instrument, ok := c.instruments[instrumentID]; ok {
		instrument.LastPrice = price
		c.instruments[instrumentID] = instrument
	}
	c.mu.Unlock()
}

// GetInstrument implements refdata.InstrumentSource.
func (c *Catalog) GetInstrument(_ context.Context, id string) (*schema.Instrument, error) {
	c.mu.RLock()
	instrument, ok := c.instruments[id]
	c.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound(component, "instrument", id)
	}
	out := instrument
	return &out, nil
}

// CurrentPrice implements refdata.PriceSource. Instruments without an
// observed price yet report CodeUnavailable so callers can retry.
func (c *Catalog) CurrentPrice(_ context.Context, instrumentID string) (decimal.Decimal, error) {
	c.mu.RLock()
	instrument, ok := c.instruments[instrumentID]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, errs.NotFound(component, "instrument", instrumentID)
	}
	if instrument.LastPrice.Sign() <= 0 {
		return decimal.Zero, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("no price observed for instrument"),
			errs.WithField("instrumentId"))
	}
	return instrument.LastPrice, nil
}

// OwnsPortfolio implements refdata.Authorizer.
func (c *Catalog) OwnsPortfolio(_ context.Context, userID, portfolioID string) (bool, error) {
	c.mu.RLock()
	owner, ok := c.ownership[portfolioID]
	c.mu.RUnlock()
	if !ok {
		return false, errs.NotFound(component, "portfolio", portfolioID)
	}
	return owner == userID, nil
}
