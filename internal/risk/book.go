package risk

import (
	"sort"

	"github.com/shopspring/decimal"

	"brokergate/internal/domain"
)

// Book is the risk engine's position ledger, maintained from fills and
// seeded from the broker. It is not safe for concurrent use; the Engine
// guards it.
type Book struct {
	positions map[string]*domain.Position
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*domain.Position)}
}

// Seed replaces the book with broker-reported positions. Realized P&L per
// symbol is kept.
func (b *Book) Seed(positions []domain.Position) {
	next := make(map[string]*domain.Position, len(positions))
	for _, p := range positions {
		c := p
		c.Side = domain.SideOf(c.Qty)
		if old, ok := b.positions[p.Symbol]; ok {
			c.RealizedPnL = old.RealizedPnL
		}
		next[p.Symbol] = &c
	}
	for sym, old := range b.positions {
		if _, ok := next[sym]; !ok && !old.RealizedPnL.IsZero() {
			next[sym] = &domain.Position{Symbol: sym, Side: domain.PositionSideFlat, RealizedPnL: old.RealizedPnL}
		}
	}
	b.positions = next
}

// ApplyFill updates the position for f and returns the realized P&L of any
// quantity it closed.
func (b *Book) ApplyFill(f domain.Fill) decimal.Decimal {
	p, ok := b.positions[f.Symbol]
	if !ok {
		p = &domain.Position{Symbol: f.Symbol}
		b.positions[f.Symbol] = p
	}

	delta := f.Side.Sign() * f.Shares
	realized := decimal.Zero
	newQty := p.Qty + delta

	switch {
	case p.Qty == 0 || (p.Qty > 0) == (delta > 0):
		// Opening or adding.
		total := p.AvgCost.Mul(decimal.NewFromInt(absQty(p.Qty))).Add(f.Notional())
		p.AvgCost = total.DivRound(decimal.NewFromInt(absQty(newQty)), 8)
	default:
		closed := min(absQty(delta), absQty(p.Qty))
		realized = closingPnL(p.Qty, p.AvgCost, f.Price, closed)
		switch {
		case newQty == 0:
			p.AvgCost = decimal.Zero
		case (newQty > 0) != (p.Qty > 0):
			// Flipped through flat; the remainder opens at the fill price.
			p.AvgCost = f.Price
		}
	}
	realized = realized.Sub(f.Commission)

	p.Qty = newQty
	p.Side = domain.SideOf(newQty)
	p.MarketPrice = f.Price
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}

// Position returns the position in symbol.
func (b *Book) Position(symbol string) (domain.Position, bool) {
	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions returns a copy of all non-flat positions keyed by symbol.
func (b *Book) Positions() map[string]domain.Position {
	out := make(map[string]domain.Position, len(b.positions))
	for sym, p := range b.positions {
		if p.Qty != 0 {
			out[sym] = *p
		}
	}
	return out
}

// Symbols returns the symbols with open positions, sorted.
func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.positions))
	for sym, p := range b.positions {
		if p.Qty != 0 {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// ResetRealized zeroes the realized P&L of every position.
func (b *Book) ResetRealized() {
	for sym, p := range b.positions {
		p.RealizedPnL = decimal.Zero
		if p.Qty == 0 {
			delete(b.positions, sym)
		}
	}
}

// closingPnL is the P&L of closing qty shares of a position of signed size
// posQty at price px.
func closingPnL(posQty int64, avgCost, px decimal.Decimal, qty int64) decimal.Decimal {
	pnl := px.Sub(avgCost).Mul(decimal.NewFromInt(qty))
	if posQty < 0 {
		return pnl.Neg()
	}
	return pnl
}

func absQty(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
