package chains

import (
	"sort"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// StitchCodeContinuity follows strategy codes across rolls that change the code. Within
// each (symbol, option type) partition an order starts a chain when it is a pure opener
// or no earlier unconsumed order shares a code with it. From a start the chain extends
// greedily to the next order (not earlier in time) sharing a code with the current
// order, and the code window moves to that order's codes, so A -> A/B -> B -> B/C -> C
// is one chain.
func StitchCodeContinuity(all []models.Order, a *orders.Analysis, opts Options, diag *models.Diagnostics) []models.Chain {
	var coded []models.Order
	for _, o := range all {
		if o.HasStrategyCode() {
			coded = append(coded, o)
		}
	}

	var out []models.Chain
	for _, part := range partition(coded) {
		out = append(out, stitchPartition(part, a, opts, diag)...)
	}
	return out
}

func stitchPartition(part []models.Order, a *orders.Analysis, opts Options, diag *models.Diagnostics) []models.Chain {
	codes := make([]map[string]struct{}, len(part))
	for i, o := range part {
		codes[i] = toSet(o.StrategyCodes())
	}
	consumed := make([]bool, len(part))

	isStart := func(i int) bool {
		if a.Of(part[i]).Kind() == orders.KindOpener {
			return true
		}
		for j := 0; j < i; j++ {
			if !consumed[j] && intersects(codes[i], codes[j]) {
				return false
			}
		}
		return true
	}

	var out []models.Chain
	for i := range part {
		if consumed[i] || !isStart(i) {
			continue
		}

		members := []int{i}
		cur := i
		for steps := 0; steps < len(part); steps++ {
			next := -1
			for j := cur + 1; j < len(part); j++ {
				if consumed[j] || part[j].CreatedAt.Before(part[cur].CreatedAt) {
					continue
				}
				if intersects(codes[cur], codes[j]) {
					next = j
					break
				}
			}
			if next < 0 {
				break
			}
			members = append(members, next)
			cur = next
		}
		if len(members) < 2 {
			continue
		}

		chain := make([]models.Order, len(members))
		for k, idx := range members {
			chain[k] = part[idx]
			consumed[idx] = true
		}

		c := models.Chain{
			Symbol:        chain[0].Symbol,
			Method:        models.MethodStrategyCodeContinuity,
			Orders:        chain,
			StrategyCodes: collectCodes(chain),
		}
		switch {
		case Validate(chain, a, false) == nil:
			c.Confidence = models.ConfidenceHigh
		case Validate(chain, a, true) == nil:
			c.Partial = true
			c.Confidence = models.ConfidenceMedium
		default:
			c.Partial = true
			c.Confidence = models.ConfidenceLow
			diag.Record(models.DiagBestEffort, chain[0].ID,
				"code continuity chain of %d orders failed validation, kept best-effort", len(chain))
		}
		out = append(out, c)
	}
	return out
}

type partitionKey struct {
	symbol string
	typ    models.OptionType
}

// partition splits orders by (symbol, primary option type), each part sorted
// chronologically. Parts are returned in a stable order.
func partition(in []models.Order) [][]models.Order {
	parts := make(map[partitionKey][]models.Order)
	var keys []partitionKey
	for _, o := range in {
		k := partitionKey{symbol: o.Symbol, typ: o.PrimaryType()}
		if _, ok := parts[k]; !ok {
			keys = append(keys, k)
		}
		parts[k] = append(parts[k], o)
	}

	sortPartitionKeys(keys)
	out := make([][]models.Order, 0, len(keys))
	for _, k := range keys {
		p := parts[k]
		models.SortOrders(p)
		out = append(out, p)
	}
	return out
}

func sortPartitionKeys(keys []partitionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].typ < keys[j].typ
	})
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
