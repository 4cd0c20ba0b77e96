package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DetectionMethod names the detector that produced a chain.
type DetectionMethod string

const (
	MethodStrategyCode           DetectionMethod = "strategy_code"
	MethodStrategyCodeContinuity DetectionMethod = "strategy_code_continuity"
	MethodHeuristic              DetectionMethod = "heuristic"
	MethodFormSource             DetectionMethod = "form_source"
)

// Priority orders methods by trust when two candidates are otherwise equal; lower wins.
func (m DetectionMethod) Priority() int {
	switch m {
	case MethodStrategyCode:
		return 0
	case MethodStrategyCodeContinuity:
		return 1
	case MethodHeuristic:
		return 2
	case MethodFormSource:
		return 3
	default:
		return 4
	}
}

// ChainStatus is the lifecycle status of a chain.
type ChainStatus string

const (
	ChainActive  ChainStatus = "active"
	ChainClosed  ChainStatus = "closed"
	ChainExpired ChainStatus = "expired"
)

// Confidence grades how strongly a chain's shape is supported by the evidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// OpenPosition is an open leg tracked while a chain is being reconstructed.
type OpenPosition struct {
	Key      ContractKey     `json:"key"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	OrderID  string          `json:"order_id"`
}

// Chain is a reconstructed sequence of orders: an opening position and its rolls.
type Chain struct {
	FirstOrderAt  time.Time       `json:"first_order_at"`
	LastOrderAt   time.Time       `json:"last_order_at"`
	CreditsTotal  decimal.Decimal `json:"credits_total"`
	DebitsTotal   decimal.Decimal `json:"debits_total"`
	NetPremium    decimal.Decimal `json:"net_premium"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	LatestOpen    *OpenPosition   `json:"latest_open,omitempty"`
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Method        DetectionMethod `json:"method"`
	Status        ChainStatus     `json:"status"`
	Confidence    Confidence      `json:"confidence"`
	Orders        []Order         `json:"orders"`
	StrategyCodes []string        `json:"strategy_codes,omitempty"`
	// Partial marks chains whose first visible order is not a pure opener.
	Partial bool `json:"partial"`
}

// OrderIDs returns the member order ids in chain order.
func (c Chain) OrderIDs() []string {
	return OrderIDs(c.Orders)
}

// Len returns the number of member orders.
func (c Chain) Len() int {
	return len(c.Orders)
}

// Summary aggregates a set of chains.
type Summary struct {
	NetPremiumCollected   decimal.Decimal `json:"net_premium_collected"`
	TotalPnL              decimal.Decimal `json:"total_pnl"`
	TotalChains           int             `json:"total_chains"`
	ActiveChains          int             `json:"active_chains"`
	ClosedChains          int             `json:"closed_chains"`
	ExpiredChains         int             `json:"expired_chains"`
	TotalOrders           int             `json:"total_orders"`
	AverageOrdersPerChain float64         `json:"average_orders_per_chain"`
}
