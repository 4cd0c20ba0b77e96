package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/rollchain/internal/broker"
	"github.com/eddiefleurent/rollchain/internal/cache"
	"github.com/eddiefleurent/rollchain/internal/chains"
	"github.com/eddiefleurent/rollchain/internal/models"
	"github.com/eddiefleurent/rollchain/internal/retry"
	"github.com/eddiefleurent/rollchain/internal/storage"
)

var (
	clock     = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	detectNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
)

func rawLeg(strike, exp, side, effect string) map[string]any {
	return map[string]any{
		"strike_price":    strike,
		"expiration_date": exp,
		"option_type":     "put",
		"side":            side,
		"position_effect": effect,
		"quantity":        "1",
	}
}

func rawOrder(id, createdAt, direction, premium string, legs ...map[string]any) models.RawOrder {
	anyLegs := make([]any, len(legs))
	for i, l := range legs {
		anyLegs[i] = l
	}
	return models.RawOrder{
		"id":                id,
		"chain_symbol":      "SPY",
		"created_at":        createdAt,
		"state":             "filled",
		"direction":         direction,
		"processed_premium": premium,
		"legs":              anyLegs,
	}
}

var (
	rawA = rawOrder("A", "2024-03-01T15:00:00Z", "credit", "120",
		rawLeg("45", "2024-03-15", "sell", "open"))
	rawB = rawOrder("B", "2024-03-07T15:00:00Z", "credit", "50",
		rawLeg("45", "2024-03-15", "buy", "close"),
		rawLeg("65", "2024-04-19", "sell", "open"))
	rawC = rawOrder("C", "2024-03-21T15:00:00Z", "debit", "30",
		rawLeg("65", "2024-04-19", "buy", "close"))
)

type stubSource struct {
	mu     sync.Mutex
	sinces []time.Time
	fetch  func(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error)
}

func (s *stubSource) FetchOrders(ctx context.Context, user string, since time.Time) ([]models.RawOrder, error) {
	s.mu.Lock()
	s.sinces = append(s.sinces, since)
	s.mu.Unlock()
	return s.fetch(ctx, user, since)
}

func (s *stubSource) calls() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.sinces...)
}

func staticSource(raws ...models.RawOrder) *stubSource {
	return &stubSource{fetch: func(context.Context, string, time.Time) ([]models.RawOrder, error) {
		return raws, nil
	}}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		Users:      []string{"alice", "bob", "carol"},
		Workers:    2,
		RunTimeout: 5 * time.Second,
		CacheTTL:   time.Minute,
		Retry:      retry.Config{MaxAttempts: 1, InitialBackoff: time.Minute, MaxBackoff: time.Hour},
		Detection:  chains.Options{Now: func() time.Time { return detectNow }},
	}
}

func newTestRunner(src broker.OrderSource, store storage.Interface) *Runner {
	return newTestRunnerWith(testConfig(), src, store)
}

func newTestRunnerWith(cfg Config, src broker.OrderSource, store storage.Interface) *Runner {
	r := NewRunner(cfg, store, src, quietLogger())
	r.now = func() time.Time { return clock }
	return r
}

// sequenceSource returns one batch per call, then nothing.
func sequenceSource(batches ...[]models.RawOrder) *stubSource {
	var (
		mu   sync.Mutex
		next int
	)
	return &stubSource{fetch: func(context.Context, string, time.Time) ([]models.RawOrder, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(batches) {
			return nil, nil
		}
		next++
		return batches[next-1], nil
	}}
}

// filler is an unrelated single-leg opener.
func filler(i int) models.RawOrder {
	return rawOrder(fmt.Sprintf("F%d", i), fmt.Sprintf("2024-04-%02dT15:00:00Z", i), "credit", "10",
		rawLeg(fmt.Sprint(30+i), "2024-06-21", "sell", "open"))
}

func seedCompleted(t *testing.T, store storage.Interface, user string, at time.Time) {
	t.Helper()
	st := models.NewSyncStatus(user)
	require.NoError(t, st.Transition(models.SyncProcessing, at, ""))
	require.NoError(t, st.Transition(models.SyncCompleted, at, ""))
	require.NoError(t, store.PutSyncStatus(context.Background(), st))
}

func TestRun_PublishesChainsAndTrades(t *testing.T) {
	store := storage.NewMockStorage()
	r := newTestRunner(staticSource(rawA, rawB, rawC), store)

	require.NoError(t, r.Run(context.Background(), "alice", true))

	st, err := r.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, st.State)
	assert.Equal(t, 1, st.ChainCount)
	assert.Equal(t, 2, st.TradeCount)
	assert.True(t, st.LastSuccessAt.Equal(clock))
	assert.NotEmpty(t, st.RunID)
	assert.False(t, st.FullResync)

	stored, err := store.ListChains(context.Background(), "alice", "")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"A", "B", "C"}, stored[0].OrderIDs())
	assert.Equal(t, models.ChainClosed, stored[0].Status)

	trades, err := store.ListTrades(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	snaps, err := store.RecentSnapshots(context.Background(), "alice", 5)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestRun_IncrementalMergesStoredSnapshots(t *testing.T) {
	store := storage.NewMockStorage()
	src := &stubSource{fetch: func(_ context.Context, _ string, since time.Time) ([]models.RawOrder, error) {
		if since.IsZero() {
			return []models.RawOrder{rawA, rawB}, nil
		}
		return []models.RawOrder{rawC}, nil
	}}
	r := newTestRunner(src, store)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, "alice", true))
	first, err := store.ListChains(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, models.ChainActive, first[0].Status)

	r.now = func() time.Time { return clock.Add(time.Hour) }
	require.NoError(t, r.Run(ctx, "alice", false))

	sinces := src.calls()
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].Equal(clock), "incremental runs fetch since the last success")

	all, err := store.ListChains(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 1, "the extended chain supersedes the active one")
	assert.Equal(t, []string{"A", "B", "C"}, all[0].OrderIDs())
	assert.Equal(t, models.ChainClosed, all[0].Status)
}

func TestRun_TracesOpenerWithinHistoryBound(t *testing.T) {
	tests := []struct {
		name           string
		historySources int
		want           []string
		partial        bool
	}{
		{"opener inside the bound", 3, []string{"A", "B", "C"}, false},
		{"opener beyond the bound", 2, []string{"B", "C"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMockStorage()
			seedCompleted(t, store, "alice", clock.Add(-time.Hour))
			for _, snap := range [][]models.RawOrder{{rawA}, {filler(1)}, {filler(2)}} {
				require.NoError(t, store.SaveSnapshot(ctx, "alice", snap, false))
			}

			src := staticSource(rawB, rawC)
			cfg := testConfig()
			cfg.HistoricalSources = 1
			cfg.HistorySources = tt.historySources
			r := newTestRunnerWith(cfg, src, store)

			require.NoError(t, r.Run(ctx, "alice", false))

			all, err := store.ListChains(ctx, "alice", "")
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, tt.want, all[0].OrderIDs())
			assert.Equal(t, tt.partial, all[0].Partial)
			assert.Len(t, src.calls(), 1, "history comes from stored snapshots")
		})
	}
}

func TestRun_IncrementalRunsKeepRealizedTrades(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStorage()
	batches := [][]models.RawOrder{{rawA, rawB, rawC}}
	for i := 1; i <= 4; i++ {
		batches = append(batches, []models.RawOrder{filler(i)})
	}
	r := newTestRunner(sequenceSource(batches...), store)

	for i := range batches {
		r.now = func() time.Time { return clock.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, r.Run(ctx, "alice", i == 0))

		trades, err := store.ListTrades(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, trades, 2, "after run %d", i)
	}

	st, err := r.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TradeCount)

	all, err := store.ListChains(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []string{"A", "B", "C"}, all[0].OrderIDs())
	assert.Equal(t, models.ChainClosed, all[0].Status)
	assert.Equal(t, 1, r.cache.Len(), "only the latest cursor stays cached")
}

func TestRun_LateCloseExtendsActiveChainOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStorage()
	batches := [][]models.RawOrder{{rawA, rawB}, {filler(1)}, {filler(2)}, {filler(3)}, {rawC}}
	r := newTestRunner(sequenceSource(batches...), store)

	for i := range batches {
		r.now = func() time.Time { return clock.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, r.Run(ctx, "alice", i == 0))
		if i == 0 {
			active, err := store.ListChains(ctx, "alice", models.ChainActive)
			require.NoError(t, err)
			require.Len(t, active, 1)
			assert.Equal(t, []string{"A", "B"}, active[0].OrderIDs())
		}
	}

	all, err := store.ListChains(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 1, "the closed chain supersedes the stored active one")
	assert.Equal(t, []string{"A", "B", "C"}, all[0].OrderIDs())
	assert.Equal(t, models.ChainClosed, all[0].Status)
	assert.Nil(t, all[0].LatestOpen)

	trades, err := store.ListTrades(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestRun_FullResyncReplacesSnapshots(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStorage()
	r := newTestRunner(sequenceSource([]models.RawOrder{rawA}, []models.RawOrder{rawB}, []models.RawOrder{rawA, rawB, rawC}), store)

	for i, full := range []bool{true, false, true} {
		r.now = func() time.Time { return clock.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, r.Run(ctx, "alice", full))
	}

	snaps, err := store.RecentSnapshots(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0], 3)
}

func TestRun_TimeoutAbandonsWithoutPersisting(t *testing.T) {
	store := storage.NewMockStorage()
	src := &stubSource{fetch: func(ctx context.Context, _ string, _ time.Time) ([]models.RawOrder, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testConfig()
	cfg.RunTimeout = 20 * time.Millisecond
	r := NewRunner(cfg, store, src, quietLogger())
	r.now = func() time.Time { return clock }

	err := r.Run(context.Background(), "alice", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := store.GetSyncStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Contains(t, st.Error, "timed out")
	assert.True(t, st.NextAttemptAt.After(clock))
	assert.True(t, st.FullResync, "the failed full resync is kept for the retry")

	assert.Equal(t, 0, store.GetSaveCallCount())
	snaps, err := store.RecentSnapshots(context.Background(), "alice", 5)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRun_PersistenceFailureMarksError(t *testing.T) {
	store := storage.NewMockStorage()
	store.SetSaveError(errors.New("disk full"))
	r := newTestRunner(staticSource(rawA, rawB, rawC), store)

	err := r.Run(context.Background(), "alice", true)
	require.Error(t, err)

	st, err := store.GetSyncStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, st.State)
	assert.Contains(t, st.Error, "disk full")
}

func TestRun_RejectsUnknownAndConcurrent(t *testing.T) {
	release := make(chan struct{})
	src := &stubSource{fetch: func(ctx context.Context, _ string, _ time.Time) ([]models.RawOrder, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []models.RawOrder{rawA}, nil
	}}
	store := storage.NewMockStorage()
	r := newTestRunner(src, store)

	assert.ErrorIs(t, r.Run(context.Background(), "mallory", false), ErrUnknownUser)
	assert.ErrorIs(t, r.Trigger("", false), ErrUnknownUser)

	require.NoError(t, r.Trigger("alice", true))
	assert.True(t, r.Running("alice"))
	assert.ErrorIs(t, r.Run(context.Background(), "alice", false), ErrRunInProgress)
	assert.ErrorIs(t, r.Trigger("alice", false), ErrRunInProgress)

	close(release)
	r.Wait()
	assert.False(t, r.Running("alice"))

	st, err := r.Status(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, st.State)
}

func TestRunAll_IsolatesFailures(t *testing.T) {
	src := &stubSource{fetch: func(_ context.Context, user string, _ time.Time) ([]models.RawOrder, error) {
		if user == "bob" {
			return nil, fmt.Errorf("%s: %w", user, broker.ErrUnknownUser)
		}
		return []models.RawOrder{rawA, rawB, rawC}, nil
	}}
	store := storage.NewMockStorage()
	r := newTestRunner(src, store)

	err := r.RunAll(context.Background(), []string{"alice", "bob", "carol"}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownUser)
	assert.Contains(t, err.Error(), "user bob")

	for _, user := range []string{"alice", "carol"} {
		st, err := r.Status(context.Background(), user)
		require.NoError(t, err)
		assert.Equal(t, models.SyncCompleted, st.State, user)
	}
	bob, err := r.Status(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SyncError, bob.State)
}

func TestDueUsers_RespectsBackoff(t *testing.T) {
	store := storage.NewMockStorage()
	ctx := context.Background()

	alice := models.NewSyncStatus("alice")
	require.NoError(t, alice.Transition(models.SyncProcessing, clock, ""))
	require.NoError(t, alice.Transition(models.SyncError, clock, "boom"))
	alice.NextAttemptAt = clock.Add(time.Minute)
	require.NoError(t, store.PutSyncStatus(ctx, alice))

	carol := models.NewSyncStatus("carol")
	require.NoError(t, carol.Transition(models.SyncProcessing, clock, ""))
	require.NoError(t, carol.Transition(models.SyncCompleted, clock, ""))
	require.NoError(t, store.PutSyncStatus(ctx, carol))

	r := newTestRunner(staticSource(), store)
	assert.Equal(t, []string{"bob", "carol"}, r.dueUsers(ctx))

	r.now = func() time.Time { return clock.Add(2 * time.Minute) }
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.dueUsers(ctx))
}

func TestRun_RecoversAbandonedRun(t *testing.T) {
	store := storage.NewMockStorage()
	st := models.NewSyncStatus("alice")
	require.NoError(t, st.Transition(models.SyncProcessing, clock.Add(-time.Hour), ""))
	require.NoError(t, store.PutSyncStatus(context.Background(), st))

	r := newTestRunner(staticSource(rawA), store)
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.dueUsers(context.Background()))
	require.NoError(t, r.Run(context.Background(), "alice", false))

	got, err := store.GetSyncStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, got.State)
	assert.Equal(t, 0, got.Failures)
}

func TestRequeue(t *testing.T) {
	store := storage.NewMockStorage()
	r := newTestRunner(staticSource(rawA), store)
	ctx := context.Background()
	require.NoError(t, r.Run(ctx, "alice", false))

	require.NoError(t, r.Requeue(ctx, "alice", true))
	st, err := store.GetSyncStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, st.State)
	assert.True(t, st.FullResync)

	require.NoError(t, r.Requeue(ctx, "alice", false))
	st, err = store.GetSyncStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.FullResync, "a pending full resync is not downgraded")
}

func TestFetch_ServedFromCache(t *testing.T) {
	src := staticSource(rawA)
	r := newTestRunner(src, storage.NewMockStorage())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		raws, err := r.fetch(ctx, "alice", clock, quietLogger())
		require.NoError(t, err)
		assert.Len(t, raws, 1)
	}
	assert.Len(t, src.calls(), 1)

	_, err := r.fetch(ctx, "alice", time.Time{}, quietLogger())
	require.NoError(t, err)
	assert.Len(t, src.calls(), 2, "a different since is a different key")
	assert.Equal(t, 1, r.cache.Len(), "the older cursor is dropped")

	_, err = r.fetch(ctx, "bob", clock, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, r.cache.Len())
}

func TestTick_PurgesExpiredCacheEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Users = nil
	r := newTestRunnerWith(cfg, staticSource(), storage.NewMockStorage())
	r.cache.Set(cache.OrdersKey("alice", clock), nil, time.Millisecond)
	require.Equal(t, 1, r.cache.Len())

	time.Sleep(5 * time.Millisecond)
	r.tick(context.Background())
	assert.Zero(t, r.cache.Len())
}

func TestStart_StopsOnCancel(t *testing.T) {
	store := storage.NewMockStorage()
	r := newTestRunner(staticSource(rawA), store)
	r.cfg.Interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	require.Eventually(t, func() bool {
		list, err := store.ListSyncStatuses(context.Background())
		return err == nil && len(list) == 3 && list[2].State == models.SyncCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
