// Package pnl computes realized profit and loss by FIFO-matching opening and closing
// legs within identical option contracts.
package pnl

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
	"github.com/eddiefleurent/rollchain/internal/util"
)

// bucket identifies one contract of one underlying.
type bucket struct {
	symbol string
	key    models.ContractKey
}

// lot is an unconsumed opening leg waiting in a bucket's FIFO queue.
type lot struct {
	openedAt   time.Time
	orderID    string
	remaining  decimal.Decimal
	unit       decimal.Decimal // premium per contract
	direction  models.Direction
	strike     decimal.Decimal
	expiration time.Time
	optionType models.OptionType
}

// OpenLot is opening exposure left unmatched after all closes were applied.
type OpenLot struct {
	OpenedAt   time.Time         `json:"opened_at"`
	Expiration time.Time         `json:"expiration"`
	Strike     decimal.Decimal   `json:"strike"`
	Contracts  decimal.Decimal   `json:"contracts"`
	Premium    decimal.Decimal   `json:"premium"`
	Symbol     string            `json:"symbol"`
	OptionType models.OptionType `json:"option_type"`
	OrderID    string            `json:"order_id"`
	Direction  models.Direction  `json:"direction"`
}

// Result holds the realized trades and the remaining open lots of one matching pass.
type Result struct {
	Trades   []models.MatchedTrade
	OpenLots []OpenLot
}

// Matcher pairs opening and closing legs first-in first-out.
type Matcher struct {
	diag *models.Diagnostics
}

// NewMatcher creates a matcher recording unmatched closes and malformed legs in diag.
func NewMatcher(diag *models.Diagnostics) *Matcher {
	return &Matcher{diag: diag}
}

// Match walks orders chronologically. Every open leg enqueues a lot in its contract's
// bucket; every close leg consumes the oldest lots of that bucket, possibly splitting
// them by quantity, and emits one trade per consumed slice. Close quantity without an
// open lot produces no trade and is recorded as a diagnostic.
func (m *Matcher) Match(in []models.Order) Result {
	sorted := make([]models.Order, len(in))
	copy(sorted, in)
	models.SortOrders(sorted)

	queues := make(map[bucket][]*lot)
	var order []bucket
	var trades []models.MatchedTrade

	for _, o := range sorted {
		if !o.IsFilled() {
			continue
		}
		premiums := legPremiums(o)
		for i, leg := range o.Legs {
			if err := orders.ValidateLeg(leg); err != nil {
				m.diag.Record(models.DiagMalformedLeg, o.ID, "leg %d skipped for P&L: %v", i, err)
				continue
			}
			b := bucket{symbol: o.Symbol, key: leg.Key()}
			unit := premiums[i].Div(leg.Quantity)

			if leg.PositionEffect == models.EffectOpen {
				if _, ok := queues[b]; !ok {
					order = append(order, b)
				}
				queues[b] = append(queues[b], &lot{
					openedAt:   o.CreatedAt,
					orderID:    o.ID,
					remaining:  leg.Quantity,
					unit:       unit,
					direction:  legDirection(o, leg),
					strike:     leg.Strike,
					expiration: leg.Expiration,
					optionType: leg.OptionType,
				})
				continue
			}

			remaining := leg.Quantity
			queue := queues[b]
			for remaining.IsPositive() && len(queue) > 0 {
				head := queue[0]
				matched := decimal.Min(head.remaining, remaining)
				head.remaining = head.remaining.Sub(matched)
				remaining = remaining.Sub(matched)
				if !head.remaining.IsPositive() {
					queue = queue[1:]
				}
				trades = append(trades, newTrade(o, head, matched, unit.Mul(matched)))
			}
			queues[b] = queue
			if remaining.IsPositive() {
				m.diag.Record(models.DiagUnmatchedClose, o.ID,
					"%s %s: %s contracts closed with no open lot in window", o.Symbol, b.key, remaining)
			}
		}
	}

	return Result{Trades: trades, OpenLots: openLots(queues, order)}
}

func newTrade(closing models.Order, open *lot, contracts, closePremium decimal.Decimal) models.MatchedTrade {
	openPremium := open.unit.Mul(contracts)
	pnl := closePremium.Sub(openPremium)
	if open.direction == models.DirectionCredit {
		pnl = openPremium.Sub(closePremium)
	}
	return models.MatchedTrade{
		OpenedAt:      open.openedAt,
		ClosedAt:      closing.CreatedAt,
		Expiration:    open.expiration,
		Strike:        open.strike,
		Contracts:     contracts,
		OpenPremium:   openPremium,
		ClosePremium:  closePremium,
		PnL:           pnl,
		Symbol:        closing.Symbol,
		OptionType:    open.optionType,
		OpenOrderID:   open.orderID,
		CloseOrderID:  closing.ID,
		OpenDirection: open.direction,
		CloseYear:     closing.CreatedAt.Year(),
	}
}

// legPremiums splits an order's premium across its legs. A leg with its own fill price
// is valued at price x quantity x multiplier; otherwise the order premium is shared by
// quantity among legs without a price.
func legPremiums(o models.Order) []decimal.Decimal {
	out := make([]decimal.Decimal, len(o.Legs))
	priced := decimal.Zero
	unpricedQty := decimal.Zero
	for i, leg := range o.Legs {
		if leg.Price.IsPositive() && leg.Quantity.IsPositive() {
			out[i] = util.ContractPremium(leg.Price, leg.Quantity)
			priced = priced.Add(out[i])
		} else if leg.Quantity.IsPositive() {
			unpricedQty = unpricedQty.Add(leg.Quantity)
		}
	}
	if unpricedQty.IsZero() {
		return out
	}
	share := o.Premium
	if priced.IsPositive() {
		share = decimal.Max(o.Premium.Sub(priced), decimal.Zero)
	}
	for i, leg := range o.Legs {
		if out[i].IsZero() && leg.Quantity.IsPositive() {
			out[i] = share.Mul(leg.Quantity).Div(unpricedQty)
		}
	}
	return out
}

// legDirection is the order direction for single-leg orders (inferred from the side
// when absent) and the leg's own side for multi-leg orders.
func legDirection(o models.Order, leg models.Leg) models.Direction {
	if len(o.Legs) == 1 {
		return o.EffectiveDirection()
	}
	if leg.Side == models.SideBuy {
		return models.DirectionDebit
	}
	return models.DirectionCredit
}

func openLots(queues map[bucket][]*lot, order []bucket) []OpenLot {
	var out []OpenLot
	for _, b := range order {
		for _, l := range queues[b] {
			out = append(out, OpenLot{
				OpenedAt:   l.openedAt,
				Expiration: l.expiration,
				Strike:     l.strike,
				Contracts:  l.remaining,
				Premium:    l.unit.Mul(l.remaining),
				Symbol:     b.symbol,
				OptionType: l.optionType,
				OrderID:    l.orderID,
				Direction:  l.direction,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
