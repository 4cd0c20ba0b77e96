package chains

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// HistoryLookup supplies orders from outside the current detection window. It is
// read-only and expected to be bounded by the implementation.
type HistoryLookup interface {
	HistoricalOrders(ctx context.Context, symbol string) ([]models.Order, error)
}

// HistoryFunc adapts a function to HistoryLookup.
type HistoryFunc func(ctx context.Context, symbol string) ([]models.Order, error)

// HistoricalOrders calls f.
func (f HistoryFunc) HistoricalOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return f(ctx, symbol)
}

// BackwardTracer recovers the opening order of a roll whose origin is not in the
// detection window. History is fetched at most once per symbol per tracer.
type BackwardTracer struct {
	lookup   HistoryLookup
	analysis *orders.Analysis
	diag     *models.Diagnostics
	logger   logrus.FieldLogger
	timeout  time.Duration

	memo map[string][]models.Order
}

// NewBackwardTracer creates a tracer for a single detection run. A nil lookup yields a
// tracer that never finds anything.
func NewBackwardTracer(lookup HistoryLookup, a *orders.Analysis, diag *models.Diagnostics,
	logger logrus.FieldLogger, timeout time.Duration) *BackwardTracer {
	return &BackwardTracer{
		lookup:   lookup,
		analysis: a,
		diag:     diag,
		logger:   logger,
		timeout:  timeout,
		memo:     make(map[string][]models.Order),
	}
}

// FindOpener searches history for the single-leg opening order a close leg of roll
// reverses: same strike, type and expiration, opposite side, created before the roll.
// The most recent match wins.
func (t *BackwardTracer) FindOpener(ctx context.Context, roll models.Order) (models.Order, bool) {
	if t == nil || t.lookup == nil {
		return models.Order{}, false
	}
	history := t.history(ctx, roll.Symbol)
	if len(history) == 0 {
		return models.Order{}, false
	}

	var (
		best  models.Order
		found bool
	)
	for _, ref := range t.analysis.Of(roll).Closes {
		for _, h := range history {
			if h.ID == roll.ID || !h.CreatedAt.Before(roll.CreatedAt) || len(h.Legs) != 1 {
				continue
			}
			eff := t.analysis.Of(h)
			if eff.Kind() != orders.KindOpener {
				continue
			}
			open := eff.Opens[0]
			if open.Key != ref.Key || open.Side != ref.Side.Opposite() {
				continue
			}
			if !found || h.CreatedAt.After(best.CreatedAt) {
				best, found = h, true
			}
		}
	}
	return best, found
}

func (t *BackwardTracer) history(ctx context.Context, symbol string) []models.Order {
	if cached, ok := t.memo[symbol]; ok {
		return cached
	}

	lookupCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	found, err := t.lookup.HistoricalOrders(lookupCtx, symbol)
	if err != nil {
		t.diag.Record(models.DiagHistoryFailed, "", "history lookup for %s: %v", symbol, err)
		t.logger.WithError(err).WithField("symbol", symbol).Warn("Historical order lookup failed, continuing with window only")
		found = nil
	}

	var same []models.Order
	for _, o := range found {
		if o.Symbol == symbol {
			same = append(same, o)
		}
	}
	t.memo[symbol] = same
	return same
}
