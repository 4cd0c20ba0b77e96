package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu            sync.Mutex
	chains        map[string]map[string]models.Chain // user -> chain id -> chain
	trades        map[string][]models.MatchedTrade
	snapshots     map[string][][]models.RawOrder
	statuses      map[string]models.SyncStatus
	failChains    map[string]error
	saveError     error
	statusError   error
	saveCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		chains:     make(map[string]map[string]models.Chain),
		trades:     make(map[string][]models.MatchedTrade),
		snapshots:  make(map[string][][]models.RawOrder),
		statuses:   make(map[string]models.SyncStatus),
		failChains: make(map[string]error),
	}
}

// SaveChains mirrors GormStorage: superseded chains are dropped and each chain
// succeeds or fails on its own.
func (m *MockStorage) SaveChains(ctx context.Context, user string, chains []models.Chain, fullResync bool) (BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return BatchResult{}, m.saveError
	}

	if fullResync || m.chains[user] == nil {
		m.chains[user] = make(map[string]models.Chain)
	}
	stored := m.chains[user]

	var (
		res  BatchResult
		errs []error
	)
	for _, c := range chains {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.failChains[c.ID]; err != nil {
			res.Failed = append(res.Failed, c.ID)
			errs = append(errs, fmt.Errorf("chain %s: %w", c.ID, err))
			continue
		}
		if c.ID == "" || c.Len() == 0 {
			res.Failed = append(res.Failed, c.ID)
			errs = append(errs, errors.New("chain has no id or no orders"))
			continue
		}
		members := make(map[string]struct{}, c.Len())
		for _, id := range c.OrderIDs() {
			members[id] = struct{}{}
		}
		for id, old := range stored {
			for _, oid := range old.OrderIDs() {
				if _, ok := members[oid]; ok {
					delete(stored, id)
					break
				}
			}
		}
		stored[c.ID] = c
		res.Saved++
	}
	return res, errors.Join(errs...)
}

func (m *MockStorage) ListChains(_ context.Context, user string, status models.ChainStatus) ([]models.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Chain
	for _, c := range m.chains[user] {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstOrderAt.Equal(out[j].FirstOrderAt) {
			return out[i].FirstOrderAt.Before(out[j].FirstOrderAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockStorage) GetChain(_ context.Context, user, id string) (*models.Chain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[user][id]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *MockStorage) ReplaceTrades(_ context.Context, user string, trades []models.MatchedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.trades[user] = append([]models.MatchedTrade(nil), trades...)
	return nil
}

func (m *MockStorage) ListTrades(_ context.Context, user string) ([]models.MatchedTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MatchedTrade(nil), m.trades[user]...), nil
}

func (m *MockStorage) SaveSnapshot(_ context.Context, user string, raws []models.RawOrder, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	if replace {
		m.snapshots[user] = nil
	}
	m.snapshots[user] = append(m.snapshots[user], raws)
	return nil
}

func (m *MockStorage) RecentSnapshots(_ context.Context, user string, limit int) ([][]models.RawOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.snapshots[user]
	var out [][]models.RawOrder
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *MockStorage) GetSyncStatus(_ context.Context, user string) (*models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[user]
	if !ok {
		return nil, fmt.Errorf("sync status for %s: %w", user, ErrNotFound)
	}
	return &st, nil
}

func (m *MockStorage) PutSyncStatus(_ context.Context, status *models.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusError != nil {
		return m.statusError
	}
	if status == nil || status.UserID == "" {
		return errors.New("sync status requires a user id")
	}
	m.statuses[status.UserID] = *status
	return nil
}

func (m *MockStorage) ListSyncStatuses(_ context.Context) ([]models.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SyncStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MockStorage) Close() error { return nil }

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusError = err
}

// FailChain makes every write of the chain with id fail with err.
func (m *MockStorage) FailChain(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failChains[id] = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}
