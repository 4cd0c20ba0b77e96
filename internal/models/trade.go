package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchedTrade is a realized trade produced by FIFO-matching an open against a close.
type MatchedTrade struct {
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
	Expiration    time.Time       `json:"expiration"`
	Strike        decimal.Decimal `json:"strike"`
	Contracts     decimal.Decimal `json:"contracts"`
	OpenPremium   decimal.Decimal `json:"open_premium"`
	ClosePremium  decimal.Decimal `json:"close_premium"`
	PnL           decimal.Decimal `json:"pnl"`
	Symbol        string          `json:"symbol"`
	OptionType    OptionType      `json:"option_type"`
	OpenOrderID   string          `json:"open_order_id"`
	CloseOrderID  string          `json:"close_order_id"`
	OpenDirection Direction       `json:"open_direction"`
	CloseYear     int             `json:"close_year"`
}
