package chains

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// heuristicBuilder reconstructs chains for orders without strategy codes by tracking
// open positions order by order and matching closes against them.
type heuristicBuilder struct {
	analysis *orders.Analysis
	tracer   *BackwardTracer
	diag     *models.Diagnostics
	logger   logrus.FieldLogger
	opts     Options
}

// BuildHeuristic runs the heuristic builder, and the backward tracer for roll orders
// whose opening order is outside the window, over orders lacking strategy codes.
func BuildHeuristic(ctx context.Context, all []models.Order, a *orders.Analysis, tracer *BackwardTracer,
	opts Options, diag *models.Diagnostics, logger logrus.FieldLogger) []models.Chain {
	h := &heuristicBuilder{analysis: a, tracer: tracer, diag: diag, logger: logger, opts: opts}

	var uncoded []models.Order
	for _, o := range all {
		if !o.HasStrategyCode() && a.Of(o).Kind() != orders.KindEmpty {
			uncoded = append(uncoded, o)
		}
	}

	var out []models.Chain
	for _, part := range partition(uncoded) {
		if ctx.Err() != nil {
			break
		}
		out = append(out, h.buildPartition(ctx, part)...)
	}
	return out
}

func (h *heuristicBuilder) buildPartition(ctx context.Context, part []models.Order) []models.Chain {
	used := make(map[string]bool, len(part))
	var out []models.Chain

	for i, o := range part {
		if used[o.ID] || h.analysis.Of(o).Kind() != orders.KindOpener {
			continue
		}
		chain := h.extend(part, i, used)
		if len(chain) < 2 || Validate(chain, h.analysis, false) != nil {
			continue
		}
		markUsed(used, chain)
		out = append(out, h.newChain(chain, false, models.ConfidenceHigh))
	}

	var orphans []models.Order
	for _, o := range part {
		if !used[o.ID] && h.analysis.Of(o).Kind() == orders.KindRoll {
			orphans = append(orphans, o)
		}
	}
	if len(orphans) == 0 {
		return out
	}
	return append(out, h.traceOrphans(ctx, part, orphans, used)...)
}

// traceOrphans handles roll orders whose opening order is not in the window. For each
// roll the tracer looks for the implied single-leg opener in the wider history and the
// chain is rebuilt from it. The earliest few rolls for which history yields nothing
// become low-confidence partial starts.
func (h *heuristicBuilder) traceOrphans(ctx context.Context, part, orphans []models.Order, used map[string]bool) []models.Chain {
	var out []models.Chain
	var untraced []models.Order

	for _, roll := range orphans {
		if used[roll.ID] || ctx.Err() != nil {
			continue
		}
		opener, ok := h.tracer.FindOpener(ctx, roll)
		if !ok || containsID(part, opener.ID) {
			untraced = append(untraced, roll)
			continue
		}

		window := make([]models.Order, 0, len(part)+1)
		window = append(window, opener)
		window = append(window, part...)
		models.SortOrders(window)
		start := indexOf(window, opener.ID)

		chain := h.extend(window, start, used)
		if len(chain) < 2 {
			continue
		}
		switch {
		case Validate(chain, h.analysis, false) == nil:
			out = append(out, h.newChain(chain, false, models.ConfidenceMedium))
		case Validate(chain, h.analysis, true) == nil:
			out = append(out, h.newChain(chain, true, models.ConfidenceMedium))
		default:
			continue
		}
		markUsed(used, chain)
		h.logger.WithFields(logrus.Fields{"symbol": roll.Symbol, "opener": opener.ID, "roll": roll.ID}).
			Debug("Backward trace recovered opening order")
	}

	limit := h.opts.MaxFallbackStarts
	for _, roll := range untraced {
		if limit <= 0 {
			break
		}
		if used[roll.ID] {
			continue
		}
		limit--
		chain := h.extend(part, indexOf(part, roll.ID), used)
		if len(chain) < 2 || Validate(chain, h.analysis, true) != nil {
			continue
		}
		markUsed(used, chain)
		out = append(out, h.newChain(chain, true, models.ConfidenceLow))
		h.diag.Record(models.DiagBestEffort, roll.ID,
			"no opening order found in history, chain of %d orders starts at a roll", len(chain))
	}
	return out
}

// extend builds a chain from window[start] as a bounded work-list: each step scans
// forward for the next unused order whose closes all reverse tracked positions. The
// cursor only moves forward and the step count is capped, so the loop always ends.
func (h *heuristicBuilder) extend(window []models.Order, start int, used map[string]bool) []models.Order {
	first := window[start]
	bk := newBook()
	bk.add(first.ID, h.analysis.Of(first).Opens)
	chain := []models.Order{first}

	ceiling := h.opts.MaxIterations
	if ceiling <= 0 || ceiling > len(window) {
		ceiling = len(window)
	}

	cursor := start
	for step := 0; step < ceiling && !bk.empty(); step++ {
		next := -1
		for j := cursor + 1; j < len(window); j++ {
			if used[window[j].ID] {
				continue
			}
			if bk.canClose(h.analysis.Of(window[j]).Closes) {
				next = j
				break
			}
		}
		if next < 0 {
			break
		}
		eff := h.analysis.Of(window[next])
		bk.remove(eff.Closes)
		bk.add(window[next].ID, eff.Opens)
		chain = append(chain, window[next])
		cursor = next
	}
	return chain
}

func (h *heuristicBuilder) newChain(chain []models.Order, partial bool, confidence models.Confidence) models.Chain {
	return models.Chain{
		Symbol:     chain[0].Symbol,
		Method:     models.MethodHeuristic,
		Orders:     chain,
		Partial:    partial,
		Confidence: confidence,
	}
}

func markUsed(used map[string]bool, chain []models.Order) {
	for _, o := range chain {
		used[o.ID] = true
	}
}

func containsID(list []models.Order, id string) bool {
	return indexOf(list, id) >= 0
}

func indexOf(list []models.Order, id string) int {
	for i, o := range list {
		if o.ID == id {
			return i
		}
	}
	return -1
}
