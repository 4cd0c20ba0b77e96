package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// TestInterface runs the same contract against both implementations
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("GormStorage", func(t *testing.T) {
		log := logrus.New()
		log.SetOutput(io.Discard)
		s, err := NewGormStorage(filepath.Join(t.TempDir(), "rollchain.db"), log)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		testInterface(t, s)
	})
}

var base = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func testChain(id string, status models.ChainStatus, first time.Time, orderIDs ...string) models.Chain {
	c := models.Chain{
		ID:           id,
		Symbol:       "SPY",
		Method:       models.MethodHeuristic,
		Status:       status,
		Confidence:   models.ConfidenceHigh,
		FirstOrderAt: first,
		LastOrderAt:  first.Add(time.Hour),
		NetPremium:   decimal.RequireFromString("140.50"),
	}
	for i, oid := range orderIDs {
		c.Orders = append(c.Orders, models.Order{
			ID:        oid,
			Symbol:    "SPY",
			CreatedAt: first.Add(time.Duration(i) * time.Minute),
			State:     models.OrderStateFilled,
			Premium:   decimal.NewFromInt(100),
		})
	}
	return c
}

func chainIDs(chains []models.Chain) []string {
	ids := make([]string, len(chains))
	for i, c := range chains {
		ids[i] = c.ID
	}
	return ids
}

func testInterface(t *testing.T, s Interface) {
	ctx := context.Background()

	t.Run("chains", func(t *testing.T) {
		first := testChain("c1", models.ChainClosed, base, "A", "B", "C")
		second := testChain("c2", models.ChainActive, base.AddDate(0, 0, 10), "D", "E")
		broken := testChain("", models.ChainActive, base, "Z")

		res, err := s.SaveChains(ctx, "alice", []models.Chain{second, broken, first}, true)
		require.Error(t, err, "the broken chain must surface")
		assert.Equal(t, 2, res.Saved)
		assert.Equal(t, []string{""}, res.Failed)

		all, err := s.ListChains(ctx, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, chainIDs(all))
		assert.True(t, all[0].NetPremium.Equal(decimal.RequireFromString("140.5")))
		assert.Equal(t, []string{"A", "B", "C"}, all[0].OrderIDs())

		active, err := s.ListChains(ctx, "alice", models.ChainActive)
		require.NoError(t, err)
		assert.Equal(t, []string{"c2"}, chainIDs(active))

		got, err := s.GetChain(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.Equal(t, "SPY", got.Symbol)

		_, err = s.GetChain(ctx, "bob", "c1")
		assert.ErrorIs(t, err, ErrNotFound)

		// an extended chain supersedes the stored one sharing its orders
		extended := testChain("c2x", models.ChainClosed, base.AddDate(0, 0, 10), "D", "E", "F")
		res, err = s.SaveChains(ctx, "alice", []models.Chain{extended}, false)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Saved)
		all, err = s.ListChains(ctx, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2x"}, chainIDs(all))

		// full resync clears everything first
		_, err = s.SaveChains(ctx, "alice", []models.Chain{testChain("c9", models.ChainActive, base, "Q", "R")}, true)
		require.NoError(t, err)
		all, err = s.ListChains(ctx, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c9"}, chainIDs(all))
	})

	t.Run("trades", func(t *testing.T) {
		trades := []models.MatchedTrade{
			{Symbol: "SPY", CloseYear: 2024, PnL: decimal.NewFromInt(200), OpenOrderID: "o1", CloseOrderID: "c1"},
			{Symbol: "QQQ", CloseYear: 2024, PnL: decimal.NewFromInt(-50), OpenOrderID: "o2", CloseOrderID: "c2"},
		}
		require.NoError(t, s.ReplaceTrades(ctx, "alice", trades))
		require.NoError(t, s.ReplaceTrades(ctx, "alice", trades[1:]))

		got, err := s.ListTrades(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "o2", got[0].OpenOrderID)
		assert.True(t, got[0].PnL.Equal(decimal.NewFromInt(-50)))

		none, err := s.ListTrades(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("snapshots", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			raws := []models.RawOrder{{"id": string(rune('a' + i)), "processed_premium": json.Number("1.5")}}
			require.NoError(t, s.SaveSnapshot(ctx, "alice", raws, false))
		}

		recent, err := s.RecentSnapshots(ctx, "alice", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "c", recent[0][0]["id"])
		assert.Equal(t, "b", recent[1][0]["id"])
		assert.Equal(t, json.Number("1.5"), recent[0][0]["processed_premium"])

		all, err := s.RecentSnapshots(ctx, "alice", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		require.NoError(t, s.SaveSnapshot(ctx, "alice", []models.RawOrder{{"id": "full"}}, true))
		all, err = s.RecentSnapshots(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, all, 1, "a replacing snapshot drops the earlier ones")
		assert.Equal(t, "full", all[0][0]["id"])
	})

	t.Run("sync status", func(t *testing.T) {
		_, err := s.GetSyncStatus(ctx, "carol")
		assert.ErrorIs(t, err, ErrNotFound)

		st := models.NewSyncStatus("carol")
		require.NoError(t, st.Transition(models.SyncProcessing, base, ""))
		require.NoError(t, s.PutSyncStatus(ctx, st))
		require.NoError(t, st.Transition(models.SyncCompleted, base.Add(time.Minute), ""))
		st.ChainCount = 4
		require.NoError(t, s.PutSyncStatus(ctx, st))

		got, err := s.GetSyncStatus(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, models.SyncCompleted, got.State)
		assert.Equal(t, 4, got.ChainCount)
		assert.True(t, got.LastSuccessAt.Equal(base.Add(time.Minute)))
		assert.True(t, got.NextAttemptAt.IsZero())

		require.NoError(t, s.PutSyncStatus(ctx, models.NewSyncStatus("abe")))
		list, err := s.ListSyncStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "abe", list[0].UserID)

		assert.Error(t, s.PutSyncStatus(ctx, &models.SyncStatus{}))
	})
}

func TestMockStorage_FailChainIsolated(t *testing.T) {
	m := NewMockStorage()
	boom := errors.New("constraint violation")
	m.FailChain("bad", boom)

	res, err := m.SaveChains(context.Background(), "u", []models.Chain{
		testChain("good", models.ChainActive, base, "A", "B"),
		testChain("bad", models.ChainActive, base, "C", "D"),
	}, false)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, []string{"bad"}, res.Failed)
	assert.Equal(t, 1, m.GetSaveCallCount())

	m.SetSaveError(boom)
	_, err = m.SaveChains(context.Background(), "u", nil, false)
	assert.ErrorIs(t, err, boom)
}
