// Package models provides the order, chain and trade records shared by the detection
// pipeline, the P&L matcher and persistence.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares controlled by one option contract.
const ContractMultiplier = 100

// ExpirationLayout is the calendar-date layout used for option expirations.
const ExpirationLayout = "2006-01-02"

// RawOrder is an order record as delivered by a brokerage source, before normalization.
type RawOrder map[string]any

// OptionType represents the type of option contract
type OptionType string

const (
	// OptionTypeCall represents a call option contract
	OptionTypeCall OptionType = "call"
	// OptionTypePut represents a put option contract
	OptionTypePut OptionType = "put"
)

// Valid returns true if the OptionType is call or put
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// Side is the buy/sell side of a leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid returns true if the Side is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that reverses s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

// PositionEffect says whether a leg opens new exposure or closes existing exposure.
type PositionEffect string

const (
	EffectOpen  PositionEffect = "open"
	EffectClose PositionEffect = "close"
)

// Valid returns true if the PositionEffect is open or close
func (e PositionEffect) Valid() bool {
	return e == EffectOpen || e == EffectClose
}

// Direction is the cash direction of an order.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// OrderState is the fulfillment state reported by the broker.
type OrderState string

// OrderStateFilled is the only state eligible for chain detection and P&L matching.
const OrderStateFilled OrderState = "filled"

// ContractKey identifies an option contract within one underlying.
type ContractKey struct {
	Strike     string     `json:"strike"`
	Type       OptionType `json:"type"`
	Expiration string     `json:"expiration"`
}

// NewContractKey builds a ContractKey with a canonical strike representation.
func NewContractKey(strike decimal.Decimal, t OptionType, expiration time.Time) ContractKey {
	return ContractKey{
		Strike:     strike.String(),
		Type:       t,
		Expiration: expiration.Format(ExpirationLayout),
	}
}

func (k ContractKey) String() string {
	return k.Strike + " " + string(k.Type) + " " + k.Expiration
}

// Leg is one option leg of an order.
type Leg struct {
	Expiration        time.Time       `json:"expiration"`
	Strike            decimal.Decimal `json:"strike"`
	Quantity          decimal.Decimal `json:"quantity"`
	Price             decimal.Decimal `json:"price"` // per-share fill price, zero when unknown
	OptionType        OptionType      `json:"option_type"`
	Side              Side            `json:"side"`
	PositionEffect    PositionEffect  `json:"position_effect"`
	LongStrategyCode  string          `json:"long_strategy_code,omitempty"`
	ShortStrategyCode string          `json:"short_strategy_code,omitempty"`
}

// Key returns the contract the leg trades.
func (l Leg) Key() ContractKey {
	return NewContractKey(l.Strike, l.OptionType, l.Expiration)
}

// Order is a normalized, filled option order.
type Order struct {
	CreatedAt         time.Time       `json:"created_at"`
	Premium           decimal.Decimal `json:"premium"` // total processed premium, already quantity-scaled
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	State             OrderState      `json:"state"`
	Direction         Direction       `json:"direction,omitempty"`
	LongStrategyCode  string          `json:"long_strategy_code,omitempty"`
	ShortStrategyCode string          `json:"short_strategy_code,omitempty"`
	FormSource        string          `json:"form_source,omitempty"`
	StrategyLabel     string          `json:"strategy_label,omitempty"`
	Legs              []Leg           `json:"legs"`
}

// IsFilled reports whether the order is eligible for detection.
func (o Order) IsFilled() bool {
	return o.State == OrderStateFilled
}

// StrategyCodes returns every distinct strategy code on the order and its legs, sorted.
func (o Order) StrategyCodes() []string {
	seen := make(map[string]struct{})
	add := func(code string) {
		code = strings.TrimSpace(code)
		if code != "" {
			seen[code] = struct{}{}
		}
	}
	add(o.LongStrategyCode)
	add(o.ShortStrategyCode)
	for _, leg := range o.Legs {
		add(leg.LongStrategyCode)
		add(leg.ShortStrategyCode)
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// HasStrategyCode reports whether any strategy code is present.
func (o Order) HasStrategyCode() bool {
	return len(o.StrategyCodes()) > 0
}

// PrimaryType is the option type used to partition the order; the first valid leg wins
// for mixed-type orders.
func (o Order) PrimaryType() OptionType {
	for _, leg := range o.Legs {
		if leg.OptionType.Valid() {
			return leg.OptionType
		}
	}
	return ""
}

// EffectiveDirection returns the reported direction, or infers it from the side of the
// first leg when the broker left it blank: selling collects a credit.
func (o Order) EffectiveDirection() Direction {
	switch o.Direction {
	case DirectionCredit, DirectionDebit:
		return o.Direction
	}
	for _, leg := range o.Legs {
		switch leg.Side {
		case SideSell:
			return DirectionCredit
		case SideBuy:
			return DirectionDebit
		}
	}
	return DirectionCredit
}

// SignedPremium returns the premium as a cash flow: positive for credits, negative for debits.
func (o Order) SignedPremium() decimal.Decimal {
	if o.EffectiveDirection() == DirectionDebit {
		return o.Premium.Neg()
	}
	return o.Premium
}

// SortOrders sorts orders chronologically, ties broken by id.
func SortOrders(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// OrderIDs returns the ids of orders in order.
func OrderIDs(orders []Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	return ids
}
