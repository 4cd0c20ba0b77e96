package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// Stats aggregates realized trades.
type Stats struct {
	RealizedPnL decimal.Decimal            `json:"realized_pnl"`
	ByYear      map[int]decimal.Decimal    `json:"by_year"`
	BySymbol    map[string]decimal.Decimal `json:"by_symbol"`
	Trades      int                        `json:"trades"`
	Wins        int                        `json:"wins"`
	Losses      int                        `json:"losses"`
	Breakeven   int                        `json:"breakeven"`
	WinRate     float64                    `json:"win_rate"`
}

// Summarize sums trades into totals, win/loss counts and per-year and per-symbol
// breakdowns. The win rate counts breakeven trades as non-wins.
func Summarize(trades []models.MatchedTrade) Stats {
	s := Stats{
		ByYear:   make(map[int]decimal.Decimal),
		BySymbol: make(map[string]decimal.Decimal),
	}
	for _, t := range trades {
		s.Trades++
		s.RealizedPnL = s.RealizedPnL.Add(t.PnL)
		s.ByYear[t.CloseYear] = s.ByYear[t.CloseYear].Add(t.PnL)
		s.BySymbol[t.Symbol] = s.BySymbol[t.Symbol].Add(t.PnL)
		switch t.PnL.Sign() {
		case 1:
			s.Wins++
		case -1:
			s.Losses++
		default:
			s.Breakeven++
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	return s
}
