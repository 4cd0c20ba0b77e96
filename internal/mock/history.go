// Package mock generates synthetic order histories with known chain structure.
package mock

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/util"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	max := big.NewInt(n)
	r, err := rand.Int(rand.Reader, max)
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return n / 2
	}
	return r.Int64()
}

// ExpectedChain is the ground truth for one generated chain.
type ExpectedChain struct {
	Symbol     string
	OrderIDs   []string
	NetPremium decimal.Decimal
	Closed     bool
}

// HistoryGenerator emits uncoded sell-to-open option chains as raw broker records.
type HistoryGenerator struct {
	start  time.Time
	step   time.Duration
	nextID int
}

// NewHistoryGenerator creates a generator whose first order is placed at start.
func NewHistoryGenerator(start time.Time) *HistoryGenerator {
	return &HistoryGenerator{start: start.UTC(), step: 7 * 24 * time.Hour}
}

func (g *HistoryGenerator) id(symbol string) string {
	g.nextID++
	return fmt.Sprintf("%s-%04d", symbol, g.nextID)
}

// premium returns a random premium between lo and hi dollars on a penny tick.
func premium(lo, hi float64) decimal.Decimal {
	v := decimal.NewFromFloat(lo + secureFloat64()*(hi-lo))
	return util.RoundToTick(v, util.PennyTick)
}

func rawLeg(strike int64, exp time.Time, optType models.OptionType, side models.Side, effect models.PositionEffect) map[string]any {
	return map[string]any{
		"strike_price":    decimal.NewFromInt(strike).String(),
		"expiration_date": exp.Format(models.ExpirationLayout),
		"option_type":     string(optType),
		"side":            string(side),
		"position_effect": string(effect),
		"quantity":        "1",
	}
}

func rawOrder(id, symbol string, at time.Time, dir models.Direction, amount decimal.Decimal, legs ...map[string]any) models.RawOrder {
	anyLegs := make([]any, len(legs))
	for i, l := range legs {
		anyLegs[i] = l
	}
	return models.RawOrder{
		"id":                id,
		"chain_symbol":      symbol,
		"created_at":        at.Format(time.RFC3339),
		"state":             string(models.OrderStateFilled),
		"direction":         string(dir),
		"processed_premium": amount.StringFixed(2),
		"legs":              anyLegs,
	}
}

// Chain generates one chain: a sell-to-open, rolls roll orders that each move the short
// leg to a new strike and later expiry, and a buy-to-close when closed is set. slot
// separates strikes of chains sharing a symbol so their contracts never collide.
func (g *HistoryGenerator) Chain(symbol string, slot, rolls int, closed bool, offset time.Duration) ([]models.RawOrder, ExpectedChain) {
	optType := models.OptionTypePut
	if secureInt63n(2) == 1 {
		optType = models.OptionTypeCall
	}
	at := g.start.Add(offset)
	strike := int64(100 + slot*100)
	exp := at.AddDate(0, 0, 14).Truncate(24 * time.Hour)

	openPremium := premium(50, 300)
	openID := g.id(symbol)
	out := []models.RawOrder{rawOrder(openID, symbol, at, models.DirectionCredit, openPremium,
		rawLeg(strike, exp, optType, models.SideSell, models.EffectOpen))}
	want := ExpectedChain{Symbol: symbol, OrderIDs: []string{openID}, NetPremium: openPremium, Closed: closed}

	for i := 0; i < rolls; i++ {
		at = at.Add(g.step)
		newStrike := strike + int64(1+secureInt63n(3))*5
		newExp := exp.AddDate(0, 0, 28)

		dir := models.DirectionCredit
		amount := premium(5, 80)
		if secureInt63n(3) == 0 {
			dir = models.DirectionDebit
			amount = premium(5, 40)
		}
		id := g.id(symbol)
		out = append(out, rawOrder(id, symbol, at, dir, amount,
			rawLeg(strike, exp, optType, models.SideBuy, models.EffectClose),
			rawLeg(newStrike, newExp, optType, models.SideSell, models.EffectOpen)))
		want.OrderIDs = append(want.OrderIDs, id)
		if dir == models.DirectionCredit {
			want.NetPremium = want.NetPremium.Add(amount)
		} else {
			want.NetPremium = want.NetPremium.Sub(amount)
		}
		strike, exp = newStrike, newExp
	}

	if closed {
		at = at.Add(g.step)
		amount := premium(1, 60)
		id := g.id(symbol)
		out = append(out, rawOrder(id, symbol, at, models.DirectionDebit, amount,
			rawLeg(strike, exp, optType, models.SideBuy, models.EffectClose)))
		want.OrderIDs = append(want.OrderIDs, id)
		want.NetPremium = want.NetPremium.Sub(amount)
	}
	return out, want
}

// History generates chainsPerSymbol interleaved chains for every symbol. Each chain has
// between one and maxRolls rolls; every chain but the last of a symbol is closed.
func (g *HistoryGenerator) History(symbols []string, chainsPerSymbol, maxRolls int) ([]models.RawOrder, []ExpectedChain) {
	// six rolls of at most 15 points stay inside a slot's 100-point strike band
	maxRolls = max(1, min(maxRolls, 6))
	var (
		raws []models.RawOrder
		want []ExpectedChain
	)
	for _, symbol := range symbols {
		for slot := 0; slot < chainsPerSymbol; slot++ {
			rolls := 1 + int(secureInt63n(int64(maxRolls)))
			closed := slot < chainsPerSymbol-1 || secureInt63n(2) == 1
			// staggered by a few hours so no two orders share a timestamp
			offset := time.Duration(slot)*3*24*time.Hour + time.Duration(len(want))*time.Hour
			r, w := g.Chain(symbol, slot, rolls, closed, offset)
			raws = append(raws, r...)
			want = append(want, w)
		}
	}
	return raws, want
}
