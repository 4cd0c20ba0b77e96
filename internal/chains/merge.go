package chains

import (
	"sort"
	"strings"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// Merge resolves candidates from all detection methods into chains that share no order.
// Candidates are ranked by size, then method priority, then completeness; walking the
// ranking, a candidate is kept only when none of its orders already belong to a kept
// chain. The result is sorted by first order time and is a fixed point of Merge.
func Merge(candidates []models.Chain) []models.Chain {
	ranked := make([]models.Chain, 0, len(candidates))
	for _, c := range candidates {
		if c.Len() > 0 {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return outranks(ranked[i], ranked[j])
	})

	owned := make(map[string]struct{})
	var out []models.Chain
	for _, c := range ranked {
		if anyOwned(c, owned) {
			continue
		}
		for _, id := range c.OrderIDs() {
			owned[id] = struct{}{}
		}
		out = append(out, c)
	}
	sortChains(out)
	return out
}

// Dedup drops any chain whose order-id set is a strict subset of another chain's set, and
// all but one of chains with identical sets.
func Dedup(chains []models.Chain) []models.Chain {
	sets := make([]map[string]struct{}, len(chains))
	for i, c := range chains {
		sets[i] = toSet(c.OrderIDs())
	}

	var out []models.Chain
	for i, c := range chains {
		keep := true
		for j := range chains {
			if i == j {
				continue
			}
			if strictSubset(sets[i], sets[j]) {
				keep = false
				break
			}
			if len(sets[i]) == len(sets[j]) && j < i && isSubset(sets[i], sets[j]) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}

// SanityFilter drops chains without a single open leg or without a single close leg.
func SanityFilter(chains []models.Chain, a *orders.Analysis) []models.Chain {
	var out []models.Chain
	for _, c := range chains {
		if HasOpenAndClose(c.Orders, a) {
			out = append(out, c)
		}
	}
	return out
}

func outranks(a, b models.Chain) bool {
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	if pa, pb := a.Method.Priority(), b.Method.Priority(); pa != pb {
		return pa < pb
	}
	if a.Partial != b.Partial {
		return !a.Partial
	}
	fa, fb := a.Orders[0].CreatedAt, b.Orders[0].CreatedAt
	if !fa.Equal(fb) {
		return fa.Before(fb)
	}
	return strings.Join(a.OrderIDs(), ",") < strings.Join(b.OrderIDs(), ",")
}

func anyOwned(c models.Chain, owned map[string]struct{}) bool {
	for _, o := range c.Orders {
		if _, ok := owned[o.ID]; ok {
			return true
		}
	}
	return false
}

func strictSubset(a, b map[string]struct{}) bool {
	return len(a) < len(b) && isSubset(a, b)
}

func isSubset(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// sortChains orders chains by first order time, ties broken by member ids.
func sortChains(chains []models.Chain) {
	sort.SliceStable(chains, func(i, j int) bool {
		fi, fj := chains[i].Orders[0].CreatedAt, chains[j].Orders[0].CreatedAt
		if !fi.Equal(fj) {
			return fi.Before(fj)
		}
		return strings.Join(chains[i].OrderIDs(), ",") < strings.Join(chains[j].OrderIDs(), ",")
	})
}
