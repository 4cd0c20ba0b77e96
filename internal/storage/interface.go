// Package storage persists detected chains, matched trades, raw order snapshots and
// per-user sync status.
package storage

import (
	"context"
	"errors"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// BatchResult reports the outcome of a batch chain write.
type BatchResult struct {
	Saved  int      `json:"saved"`
	Failed []string `json:"failed,omitempty"`
}

// Interface defines the contract for chain, trade and sync-status persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe. Data of different users never mixes.
type Interface interface {
	// SaveChains writes chains one at a time, each in its own transaction, so one bad
	// chain does not abort the batch. A stored chain sharing an order with an incoming
	// chain is superseded. With fullResync the user's prior chains are cleared first.
	SaveChains(ctx context.Context, user string, chains []models.Chain, fullResync bool) (BatchResult, error)
	// ListChains returns the user's chains by first order time; an empty status
	// returns all of them.
	ListChains(ctx context.Context, user string, status models.ChainStatus) ([]models.Chain, error)
	GetChain(ctx context.Context, user, id string) (*models.Chain, error)

	// ReplaceTrades atomically swaps the user's matched trades.
	ReplaceTrades(ctx context.Context, user string, trades []models.MatchedTrade) error
	ListTrades(ctx context.Context, user string) ([]models.MatchedTrade, error)

	// Raw order snapshots feed incremental runs, the backward tracer and trade matching.
	// With replace the user's earlier snapshots are dropped in the same transaction.
	SaveSnapshot(ctx context.Context, user string, raws []models.RawOrder, replace bool) error
	// RecentSnapshots returns at most limit snapshots, newest first. A limit <= 0
	// returns every snapshot.
	RecentSnapshots(ctx context.Context, user string, limit int) ([][]models.RawOrder, error)

	GetSyncStatus(ctx context.Context, user string) (*models.SyncStatus, error)
	PutSyncStatus(ctx context.Context, status *models.SyncStatus) error
	ListSyncStatuses(ctx context.Context) ([]models.SyncStatus, error)

	Close() error
}

// Ensure implementations satisfy Interface at compile time.
var (
	_ Interface = (*GormStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
