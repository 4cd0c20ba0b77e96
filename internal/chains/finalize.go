package chains

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

var chainNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rollchain/chain"))

// ChainID derives a stable identifier from the underlying and the member order ids, so
// re-detecting the same chain yields the same id.
func ChainID(symbol string, orderIDs []string) string {
	name := symbol + "|" + strings.Join(orderIDs, ",")
	return uuid.NewSHA1(chainNamespace, []byte(name)).String()
}

// Finalize fills in the derived fields of a detected chain: status, premium totals,
// P&L, order time bounds, latest open position and id. Member orders are sorted
// chronologically first.
func Finalize(c models.Chain, a *orders.Analysis, now time.Time) models.Chain {
	if c.Len() == 0 {
		return c
	}
	members := make([]models.Order, len(c.Orders))
	copy(members, c.Orders)
	models.SortOrders(members)
	c.Orders = members

	credits, debits := decimal.Zero, decimal.Zero
	for _, o := range members {
		if o.EffectiveDirection() == models.DirectionDebit {
			debits = debits.Add(o.Premium)
		} else {
			credits = credits.Add(o.Premium)
		}
	}
	c.CreditsTotal = credits
	c.DebitsTotal = debits
	c.NetPremium = credits.Sub(debits)
	c.TotalPnL = c.NetPremium

	c.FirstOrderAt = members[0].CreatedAt
	c.LastOrderAt = members[len(members)-1].CreatedAt
	if c.Symbol == "" {
		c.Symbol = members[0].Symbol
	}
	if len(c.StrategyCodes) == 0 {
		c.StrategyCodes = collectCodes(members)
	}

	c.Status = DetermineStatus(members, a, now)
	c.LatestOpen = nil
	if c.Status == models.ChainActive {
		c.LatestOpen = replay(members, a).latest()
	}

	c.ID = ChainID(c.Symbol, c.OrderIDs())
	return c
}
