// Package syncer runs chain detection per user: it fetches orders, reconstructs chains,
// matches trades and publishes the results while tracking each user's sync status.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/rollchain/internal/broker"
	"github.com/eddiefleurent/rollchain/internal/cache"
	"github.com/eddiefleurent/rollchain/internal/chains"
	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/orders"
	"github.com/eddiefleurent/rollchain/internal/pnl"
	"github.com/eddiefleurent/rollchain/internal/retry"
	"github.com/eddiefleurent/rollchain/internal/storage"
)

var (
	// ErrRunInProgress is returned when a run is requested for a user that already has one.
	ErrRunInProgress = errors.New("sync already in progress")
	// ErrUnknownUser is returned for users outside the configured set or unknown upstream.
	ErrUnknownUser = errors.New("unknown user")
)

// Config controls scheduling and the per-run pipeline.
type Config struct {
	// Users restricts runs to this set and is the scheduler's work list. Empty allows any
	// user on demand and schedules nobody.
	Users             []string
	Workers           int
	Interval          time.Duration
	RunTimeout        time.Duration
	CacheTTL          time.Duration
	// HistoricalSources is how many stored snapshots join the fresh orders for detection.
	HistoricalSources int
	// HistorySources bounds the snapshots the backward tracer may search; never below
	// HistoricalSources.
	HistorySources int
	Retry             retry.Config
	Detection         chains.Options
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	if c.HistoricalSources <= 0 {
		c.HistoricalSources = 3
	}
	if c.HistorySources <= 0 {
		c.HistorySources = 12
	}
	if c.HistorySources < c.HistoricalSources {
		c.HistorySources = c.HistoricalSources
	}
	return c
}

// Runner orchestrates detection runs. At most one run per user is in flight.
type Runner struct {
	cfg     Config
	store   storage.Interface
	source  broker.OrderSource
	cache   *cache.Cache[[]models.RawOrder]
	logger  logrus.FieldLogger
	allowed map[string]struct{}
	now     func() time.Time

	mu      sync.Mutex
	running map[string]bool
	bg      sync.WaitGroup
	baseCtx context.Context
}

// NewRunner wires a runner. logger may be nil.
func NewRunner(cfg Config, store storage.Interface, source broker.OrderSource, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	cfg = cfg.withDefaults()
	allowed := make(map[string]struct{}, len(cfg.Users))
	for _, u := range cfg.Users {
		allowed[u] = struct{}{}
	}
	return &Runner{
		cfg:     cfg,
		store:   store,
		source:  source,
		cache:   cache.New[[]models.RawOrder](),
		logger:  logger,
		allowed: allowed,
		now:     time.Now,
		running: make(map[string]bool),
		baseCtx: context.Background(),
	}
}

// CheckUser returns ErrUnknownUser for an empty user or one outside the configured set.
func (r *Runner) CheckUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: empty user id", ErrUnknownUser)
	}
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[user]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, user)
		}
	}
	return nil
}

func (r *Runner) acquire(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[user] {
		return false
	}
	r.running[user] = true
	return true
}

func (r *Runner) release(user string) {
	r.mu.Lock()
	delete(r.running, user)
	r.mu.Unlock()
}

// Running reports whether a run for user is in flight in this process.
func (r *Runner) Running(user string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[user]
}

// Run performs one synchronous run for user. A full run refetches all orders and
// replaces every stored chain; an incremental run fetches orders since the last success.
func (r *Runner) Run(ctx context.Context, user string, full bool) error {
	if err := r.CheckUser(user); err != nil {
		return err
	}
	if !r.acquire(user) {
		return fmt.Errorf("%s: %w", user, ErrRunInProgress)
	}
	defer r.release(user)
	return r.run(ctx, user, full)
}

// Trigger starts a run in the background and returns immediately.
func (r *Runner) Trigger(user string, full bool) error {
	if err := r.CheckUser(user); err != nil {
		return err
	}
	if !r.acquire(user) {
		return fmt.Errorf("%s: %w", user, ErrRunInProgress)
	}
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer r.release(user)
		if err := r.run(ctx, user, full); err != nil {
			r.logger.WithError(err).WithField("user", user).Warn("Triggered sync failed")
		}
	}()
	return nil
}

// Wait blocks until every triggered run has finished.
func (r *Runner) Wait() {
	r.bg.Wait()
}

// RunAll runs users concurrently, bounded by the configured worker count. Users already
// running are skipped. Failures are isolated and returned joined.
func (r *Runner) RunAll(ctx context.Context, users []string, full bool) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.cfg.Workers)
	for _, user := range users {
		user := user
		g.Go(func() error {
			err := r.Run(ctx, user, full)
			if err != nil && !errors.Is(err, ErrRunInProgress) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", user, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Start runs due users immediately and then on every interval until ctx is done.
// Users still inside their retry backoff are skipped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"users":    len(r.cfg.Users),
		"interval": r.cfg.Interval,
		"workers":  r.cfg.Workers,
	}).Info("Scheduler starting")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Wait()
			r.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if n := r.cache.Purge(); n > 0 {
		r.logger.WithField("entries", n).Debug("Purged expired order cache entries")
	}
	due := r.dueUsers(ctx)
	if len(due) == 0 {
		r.logger.Debug("No users due for sync")
		return
	}
	if err := r.RunAll(ctx, due, false); err != nil {
		r.logger.WithError(err).Warn("Scheduled sync finished with errors")
	}
}

func (r *Runner) dueUsers(ctx context.Context) []string {
	now := r.now()
	var due []string
	for _, user := range r.cfg.Users {
		st, err := r.store.GetSyncStatus(ctx, user)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			due = append(due, user)
		case err != nil:
			r.logger.WithError(err).WithField("user", user).Warn("Failed to load sync status")
		case r.Running(user):
		case st.State == models.SyncProcessing || st.DueAt(now):
			// a persisted processing state without a live run was abandoned
			due = append(due, user)
		}
	}
	return due
}

// Status returns the user's sync status; users never synced are pending.
func (r *Runner) Status(ctx context.Context, user string) (*models.SyncStatus, error) {
	if err := r.CheckUser(user); err != nil {
		return nil, err
	}
	st, err := r.store.GetSyncStatus(ctx, user)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewSyncStatus(user), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	return st, nil
}

// Requeue marks a finished user pending so the scheduler picks it up on the next tick.
func (r *Runner) Requeue(ctx context.Context, user string, full bool) error {
	st, err := r.Status(ctx, user)
	if err != nil {
		return err
	}
	if r.Running(user) || st.IsRunning() {
		return fmt.Errorf("%s: %w", user, ErrRunInProgress)
	}
	if st.State != models.SyncPending {
		if err := st.Transition(models.SyncPending, r.now(), ""); err != nil {
			return err
		}
	}
	st.FullResync = st.FullResync || full
	st.NextAttemptAt = time.Time{}
	return r.store.PutSyncStatus(ctx, st)
}

func (r *Runner) run(ctx context.Context, user string, full bool) error {
	startedAt := r.now()
	runID := uuid.NewString()
	logger := r.logger.WithFields(logrus.Fields{"user": user, "run": runID})

	st, err := r.Status(ctx, user)
	if err != nil {
		return err
	}
	if st.IsRunning() {
		logger.Warn("Recovering abandoned run")
		_ = st.Transition(models.SyncError, startedAt, "abandoned run")
	}
	// a requeued full resync stays full until it succeeds
	full = full || st.FullResync
	since := st.LastSuccessAt
	if full {
		since = time.Time{}
	}

	st.RunID = runID
	st.FullResync = full
	if err := st.Transition(models.SyncProcessing, startedAt, ""); err != nil {
		return err
	}
	if err := r.store.PutSyncStatus(ctx, st); err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	logger.WithFields(logrus.Fields{"full": full, "since": since}).Info("Sync started")

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	out, err := r.compute(runCtx, user, full, since, logger)
	if err == nil {
		err = runCtx.Err()
	}
	if err == nil {
		// persistence finishes even if the deadline passes mid-write
		err = r.publish(context.WithoutCancel(ctx), user, full, out)
	}

	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("run timed out after %s: %w", r.cfg.RunTimeout, err)
		}
		_ = st.Transition(models.SyncError, r.now(), err.Error())
		st.NextAttemptAt = r.now().Add(retry.Delay(r.cfg.Retry, st.Failures))
		if perr := r.store.PutSyncStatus(persistCtx, st); perr != nil {
			logger.WithError(perr).Error("Failed to record run failure")
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"failures":   st.Failures,
			"next_retry": st.NextAttemptAt,
		}).Warn("Sync failed")
		return err
	}

	st.ChainCount = len(out.chains)
	st.TradeCount = len(out.trades)
	st.FullResync = false
	if err := st.Transition(models.SyncCompleted, startedAt, ""); err != nil {
		return err
	}
	if err := r.store.PutSyncStatus(persistCtx, st); err != nil {
		return fmt.Errorf("failed to mark run completed: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"chains":      st.ChainCount,
		"trades":      st.TradeCount,
		"candidates":  out.candidates,
		"carried":     out.carried,
		"diagnostics": out.diagnostics,
		"took":        r.now().Sub(startedAt),
	}).Info("Sync completed")
	return nil
}

type output struct {
	fresh       []models.RawOrder
	chains      []models.Chain
	trades      []models.MatchedTrade
	candidates  int
	carried     int
	diagnostics int
}

// compute does every read and all detection work; nothing is written.
//
// Detection sees the fresh orders, the newest HistoricalSources snapshots and the orders
// of stored active chains. Trades are matched over every stored snapshot so realized
// P&L never depends on the window. A full run uses the fresh fetch alone.
func (r *Runner) compute(ctx context.Context, user string, full bool, since time.Time, logger logrus.FieldLogger) (output, error) {
	if full {
		r.cache.DeletePrefix(cache.UserPrefix(user))
	}
	fresh, err := r.fetch(ctx, user, since, logger)
	if err != nil {
		return output{}, err
	}

	var stored [][]models.RawOrder
	if !full {
		stored, err = r.store.RecentSnapshots(ctx, user, 0)
		if err != nil {
			return output{}, fmt.Errorf("failed to load snapshots: %w", err)
		}
	}

	diag := models.NewDiagnostics(logger)
	window := orders.NormalizeAll(flatten(fresh, stored, r.cfg.HistoricalSources), diag)
	complete := window
	carried := 0
	if !full {
		window, carried, err = r.carryActive(ctx, user, window)
		if err != nil {
			return output{}, err
		}
		complete = orders.NormalizeAll(flatten(fresh, stored, 0), nil)
	}

	detector := chains.NewDetector(r.cfg.Detection, r.history(fresh, stored), logger)
	res, err := detector.Detect(ctx, window, diag)
	if err != nil {
		return output{}, fmt.Errorf("detection failed: %w", err)
	}
	matched := pnl.NewMatcher(diag).Match(complete)

	return output{
		fresh:       fresh,
		chains:      res.Chains,
		trades:      matched.Trades,
		candidates:  res.Candidates,
		carried:     carried,
		diagnostics: len(diag.Entries()),
	}, nil
}

// carryActive adds the orders of the user's stored active chains missing from window,
// so a close or roll arriving after its chain left the window still extends it.
func (r *Runner) carryActive(ctx context.Context, user string, window []models.Order) ([]models.Order, int, error) {
	active, err := r.store.ListChains(ctx, user, models.ChainActive)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load active chains: %w", err)
	}
	seen := make(map[string]struct{}, len(window))
	for _, o := range window {
		seen[o.ID] = struct{}{}
	}
	added := 0
	for _, c := range active {
		for _, o := range c.Orders {
			if _, ok := seen[o.ID]; ok {
				continue
			}
			seen[o.ID] = struct{}{}
			window = append(window, o)
			added++
		}
	}
	if added > 0 {
		models.SortOrders(window)
	}
	return window, added, nil
}

// flatten lists fresh orders ahead of the newest limit snapshots; limit <= 0 takes all.
// NormalizeAll keeps the first copy of an id, so fresh data wins.
func flatten(fresh []models.RawOrder, stored [][]models.RawOrder, limit int) []models.RawOrder {
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	out := append([]models.RawOrder(nil), fresh...)
	for _, snap := range stored {
		out = append(out, snap...)
	}
	return out
}

func (r *Runner) publish(ctx context.Context, user string, full bool, out output) error {
	if full || len(out.fresh) > 0 {
		if err := r.store.SaveSnapshot(ctx, user, out.fresh, full); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}
	res, err := r.store.SaveChains(ctx, user, out.chains, full)
	if err != nil {
		return fmt.Errorf("saved %d of %d chains: %w", res.Saved, len(out.chains), err)
	}
	// trades were matched over the complete history
	if err := r.store.ReplaceTrades(ctx, user, out.trades); err != nil {
		return fmt.Errorf("failed to save trades: %w", err)
	}
	return nil
}

// fetch returns the user's raw orders since the given time, served from cache when fresh.
func (r *Runner) fetch(ctx context.Context, user string, since time.Time, logger logrus.FieldLogger) ([]models.RawOrder, error) {
	key := cache.OrdersKey(user, since)
	if raws, ok := r.cache.Get(key); ok {
		logger.WithField("key", key).Debug("Orders served from cache")
		return raws, nil
	}
	var raws []models.RawOrder
	err := retry.Do(ctx, r.cfg.Retry, logger, "fetch orders", func(ctx context.Context) error {
		var err error
		raws, err = r.source.FetchOrders(ctx, user, since)
		return err
	})
	if err != nil {
		if errors.Is(err, broker.ErrUnknownUser) {
			return nil, fmt.Errorf("%w: %v", ErrUnknownUser, err)
		}
		return nil, err
	}
	// older cursors of this user are never read again
	r.cache.DeletePrefix(cache.UserPrefix(user))
	r.cache.Set(key, raws, r.cfg.CacheTTL)
	return raws, nil
}

// history backs the backward tracer with the fresh orders and the newest HistorySources
// snapshots, normalized once per run.
func (r *Runner) history(fresh []models.RawOrder, stored [][]models.RawOrder) chains.HistoryLookup {
	var (
		once   sync.Once
		loaded []models.Order
	)
	return chains.HistoryFunc(func(ctx context.Context, symbol string) ([]models.Order, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		once.Do(func() {
			loaded = orders.NormalizeAll(flatten(fresh, stored, r.cfg.HistorySources), nil)
		})
		out := make([]models.Order, 0)
		for _, o := range loaded {
			if o.Symbol == symbol {
				out = append(out, o)
			}
		}
		return out, nil
	})
}
