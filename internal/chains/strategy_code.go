package chains

import (
	"sort"
	"strings"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// GroupByStrategyCode groups orders sharing a broker-issued strategy code. It is the most
// trusted method: a group is kept when it satisfies the chain grammar (high confidence),
// the partial grammar, or at least the open/close presence check (flagged partial).
// Single-order groups survive only as a form-source roll.
func GroupByStrategyCode(all []models.Order, a *orders.Analysis, opts Options, diag *models.Diagnostics) []models.Chain {
	groups := make(map[string][]models.Order)
	for _, o := range all {
		for _, code := range o.StrategyCodes() {
			groups[code] = append(groups[code], o)
		}
	}

	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	seen := make(map[string]struct{})
	var out []models.Chain
	for _, code := range codes {
		for _, members := range splitBySymbol(groups[code]) {
			sig := strings.Join(models.OrderIDs(members), ",")
			if _, dup := seen[sig]; dup {
				continue
			}

			c, ok := classifyCodeGroup(members, a, opts, diag, code)
			if !ok {
				continue
			}
			seen[sig] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func classifyCodeGroup(members []models.Order, a *orders.Analysis, opts Options,
	diag *models.Diagnostics, code string) (models.Chain, bool) {
	c := models.Chain{
		Symbol:        members[0].Symbol,
		Method:        models.MethodStrategyCode,
		Orders:        members,
		StrategyCodes: collectCodes(members),
	}

	if len(members) < 2 {
		if !isFormSourceRoll(members[0], a, opts.FormSourceTags) {
			return c, false
		}
		c.Partial = true
		c.Confidence = models.ConfidenceMedium
		return c, true
	}

	switch {
	case Validate(members, a, false) == nil:
		c.Confidence = models.ConfidenceHigh
	case Validate(members, a, true) == nil:
		c.Partial = true
		c.Confidence = models.ConfidenceMedium
	case HasOpenAndClose(members, a):
		c.Partial = true
		c.Confidence = models.ConfidenceMedium
		diag.Record(models.DiagBestEffort, members[0].ID,
			"strategy code %s group of %d orders kept on open/close presence only", code, len(members))
	default:
		return c, false
	}
	return c, true
}

// splitBySymbol partitions orders by underlying, each partition sorted chronologically.
func splitBySymbol(in []models.Order) [][]models.Order {
	bySymbol := make(map[string][]models.Order)
	var symbols []string
	seen := make(map[string]struct{})
	for _, o := range in {
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		if _, ok := bySymbol[o.Symbol]; !ok {
			symbols = append(symbols, o.Symbol)
		}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}
	sort.Strings(symbols)

	out := make([][]models.Order, 0, len(symbols))
	for _, s := range symbols {
		group := bySymbol[s]
		models.SortOrders(group)
		out = append(out, group)
	}
	return out
}

func collectCodes(chain []models.Order) []string {
	set := make(map[string]struct{})
	for _, o := range chain {
		for _, c := range o.StrategyCodes() {
			set[c] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
