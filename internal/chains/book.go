package chains

import (
	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

type positionKey struct {
	key  models.ContractKey
	side models.Side
}

// book tracks the open positions of one chain under construction. Positions are indexed
// by (contract, side); seq preserves opening order so the latest open can be reported.
type book struct {
	open map[positionKey]*models.OpenPosition
	seq  []positionKey
}

func newBook() *book {
	return &book{open: make(map[positionKey]*models.OpenPosition)}
}

func (b *book) clone() *book {
	c := newBook()
	for k, p := range b.open {
		cp := *p
		c.open[k] = &cp
	}
	c.seq = append(c.seq, b.seq...)
	return c
}

// add records the opening legs of an order.
func (b *book) add(orderID string, opens []orders.LegRef) {
	for _, ref := range opens {
		k := positionKey{key: ref.Key, side: ref.Side}
		if p, ok := b.open[k]; ok {
			p.Quantity = p.Quantity.Add(ref.Quantity)
			p.OrderID = orderID
		} else {
			b.open[k] = &models.OpenPosition{Key: ref.Key, Side: ref.Side, Quantity: ref.Quantity, OrderID: orderID}
		}
		b.seq = append(b.seq, k)
	}
}

// canClose reports whether every close leg reverses a tracked open position: same
// contract, opposite side.
func (b *book) canClose(closes []orders.LegRef) bool {
	if len(closes) == 0 {
		return false
	}
	for _, ref := range closes {
		if _, ok := b.open[positionKey{key: ref.Key, side: ref.Side.Opposite()}]; !ok {
			return false
		}
	}
	return true
}

// remove consumes the positions reversed by closes. Quantities are decremented and a
// position is dropped once nothing remains; closing more than is open drops it too.
func (b *book) remove(closes []orders.LegRef) {
	for _, ref := range closes {
		k := positionKey{key: ref.Key, side: ref.Side.Opposite()}
		p, ok := b.open[k]
		if !ok {
			continue
		}
		p.Quantity = p.Quantity.Sub(ref.Quantity)
		if !p.Quantity.IsPositive() {
			delete(b.open, k)
		}
	}
}

func (b *book) empty() bool {
	return len(b.open) == 0
}

func (b *book) positions() []models.OpenPosition {
	out := make([]models.OpenPosition, 0, len(b.open))
	seen := make(map[positionKey]struct{}, len(b.open))
	for _, k := range b.seq {
		if _, dup := seen[k]; dup {
			continue
		}
		if p, ok := b.open[k]; ok {
			seen[k] = struct{}{}
			out = append(out, *p)
		}
	}
	return out
}

// latest returns the most recently opened position still held.
func (b *book) latest() *models.OpenPosition {
	for i := len(b.seq) - 1; i >= 0; i-- {
		if p, ok := b.open[b.seq[i]]; ok {
			cp := *p
			return &cp
		}
	}
	return nil
}
