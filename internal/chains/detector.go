// Package chains reconstructs rolled option chains from normalized orders. Several
// detection methods run independently over the same orders and their candidates are
// merged into one set of non-overlapping chains.
package chains

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
)

// Defaults applied by NewDetector to zero-valued Options.
const (
	DefaultMaxFallbackStarts = 3
	DefaultHistoryTimeout    = 10 * time.Second
)

// Options tunes detection.
type Options struct {
	// FormSourceTags are the form-source values treated as explicit roll tickets.
	FormSourceTags []string
	// MaxFallbackStarts bounds how many untraceable rolls per partition may start a chain.
	MaxFallbackStarts int
	// MaxIterations caps the extension steps of one heuristic chain; zero means the
	// partition size.
	MaxIterations  int
	HistoryTimeout time.Duration
	// Now is used for expiry checks; defaults to time.Now.
	Now func() time.Time
}

// Result is the outcome of one detection run.
type Result struct {
	Chains     []models.Chain
	Candidates int
}

// Detector runs the detection pipeline.
type Detector struct {
	opts    Options
	history HistoryLookup
	logger  logrus.FieldLogger
}

// NewDetector creates a detector. history may be nil, in which case orphaned rolls fall
// straight back to best-effort chains.
func NewDetector(opts Options, history HistoryLookup, logger logrus.FieldLogger) *Detector {
	if len(opts.FormSourceTags) == 0 {
		opts.FormSourceTags = DefaultFormSourceTags
	}
	if opts.MaxFallbackStarts <= 0 {
		opts.MaxFallbackStarts = DefaultMaxFallbackStarts
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = DefaultHistoryTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Detector{opts: opts, history: history, logger: logger}
}

// Detect reconstructs chains from orders. Each method runs in isolation: a panic in one
// is recorded as a diagnostic and the remaining methods still contribute. The returned
// chains are finalized, share no order and are sorted by first order time.
func (d *Detector) Detect(ctx context.Context, all []models.Order, diag *models.Diagnostics) (Result, error) {
	in := make([]models.Order, 0, len(all))
	for _, o := range all {
		if len(o.Legs) > 0 {
			in = append(in, o)
		}
	}
	models.SortOrders(in)

	a := orders.NewAnalysis(diag)
	tracer := NewBackwardTracer(d.history, a, diag, d.logger, d.opts.HistoryTimeout)

	methods := []struct {
		method models.DetectionMethod
		run    func() []models.Chain
	}{
		{models.MethodStrategyCode, func() []models.Chain { return GroupByStrategyCode(in, a, d.opts, diag) }},
		{models.MethodStrategyCodeContinuity, func() []models.Chain { return StitchCodeContinuity(in, a, d.opts, diag) }},
		{models.MethodFormSource, func() []models.Chain { return DetectFormSource(in, a, d.opts.FormSourceTags) }},
		{models.MethodHeuristic, func() []models.Chain {
			return BuildHeuristic(ctx, in, a, tracer, d.opts, diag, d.logger)
		}},
	}

	var candidates []models.Chain
	for _, m := range methods {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		found := d.safeRun(m.method, m.run, diag)
		d.logger.WithFields(logrus.Fields{"method": m.method, "candidates": len(found)}).Debug("Detection method finished")
		candidates = append(candidates, found...)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	merged := SanityFilter(Dedup(Merge(candidates)), a)
	now := d.opts.Now()
	out := make([]models.Chain, 0, len(merged))
	for _, c := range merged {
		out = append(out, Finalize(c, a, now))
	}
	sortChains(out)

	return Result{Chains: out, Candidates: len(candidates)}, nil
}

func (d *Detector) safeRun(method models.DetectionMethod, run func() []models.Chain,
	diag *models.Diagnostics) (found []models.Chain) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s detection panicked: %v", method, r)
			diag.Record(models.DiagMethodFailed, "", "%v", err)
			d.logger.WithError(err).Error("Detection method failed, continuing with remaining methods")
			found = nil
		}
	}()
	return run()
}

// Summarize aggregates chains into a summary record.
func Summarize(chains []models.Chain) models.Summary {
	var s models.Summary
	for _, c := range chains {
		s.TotalChains++
		s.TotalOrders += c.Len()
		s.NetPremiumCollected = s.NetPremiumCollected.Add(c.NetPremium)
		s.TotalPnL = s.TotalPnL.Add(c.TotalPnL)
		switch c.Status {
		case models.ChainActive:
			s.ActiveChains++
		case models.ChainClosed:
			s.ClosedChains++
		case models.ChainExpired:
			s.ExpiredChains++
		}
	}
	if s.TotalChains > 0 {
		s.AverageOrdersPerChain = float64(s.TotalOrders) / float64(s.TotalChains)
	}
	return s
}
