package chains

import (
	"strings"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// DefaultFormSourceTags are the form-source values brokers use for explicit roll tickets.
var DefaultFormSourceTags = []string{"strategy_roll"}

// DetectFormSource turns every explicit broker roll ticket into a one-order chain. The
// origin of such a chain is never visible, so the chain is flagged partial; merging lets
// a longer chain from another method absorb it.
func DetectFormSource(all []models.Order, a *orders.Analysis, tags []string) []models.Chain {
	var out []models.Chain
	for _, o := range all {
		if !isFormSourceRoll(o, a, tags) {
			continue
		}
		out = append(out, models.Chain{
			Symbol:        o.Symbol,
			Method:        models.MethodFormSource,
			Orders:        []models.Order{o},
			StrategyCodes: o.StrategyCodes(),
			Partial:       true,
			Confidence:    models.ConfidenceMedium,
		})
	}
	return out
}

func isFormSourceRoll(o models.Order, a *orders.Analysis, tags []string) bool {
	if o.FormSource == "" || a.Of(o).Kind() != orders.KindRoll {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(strings.TrimSpace(t), o.FormSource) {
			return true
		}
	}
	return false
}
