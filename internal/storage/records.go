package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// chainRecord stores one chain. The full chain, member orders included, is kept as a
// JSON payload; the indexed columns serve filtering and ordering.
type chainRecord struct {
	UserID       string    `gorm:"primaryKey;size:128"`
	ID           string    `gorm:"primaryKey;size:64"`
	Symbol       string    `gorm:"not null;index;size:32"`
	Method       string    `gorm:"not null;size:32"`
	Status       string    `gorm:"not null;index;size:16"`
	NetPremium   string    `gorm:"not null;type:decimal(20,8)"`
	FirstOrderAt time.Time `gorm:"not null;index"`
	OrderCount   int       `gorm:"not null"`
	Payload      string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time
}

func (chainRecord) TableName() string { return "chains" }

// chainOrderRecord maps member orders to their chain so superseded chains can be found.
type chainOrderRecord struct {
	UserID  string `gorm:"primaryKey;size:128"`
	OrderID string `gorm:"primaryKey;size:128"`
	ChainID string `gorm:"not null;index;size:64"`
}

func (chainOrderRecord) TableName() string { return "chain_orders" }

type tradeRecord struct {
	ID           uint      `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index;size:128"`
	Seq          int       `gorm:"not null"`
	Symbol       string    `gorm:"not null;index;size:32"`
	CloseYear    int       `gorm:"not null;index"`
	PnL          string    `gorm:"not null;type:decimal(20,8)"`
	ClosedAt     time.Time `gorm:"not null"`
	CloseOrderID string    `gorm:"not null;size:128"`
	Payload      string    `gorm:"type:text;not null"`
}

func (tradeRecord) TableName() string { return "trades" }

type snapshotRecord struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index;size:128"`
	TakenAt    time.Time `gorm:"not null;index"`
	OrderCount int       `gorm:"not null"`
	Payload    string    `gorm:"type:text;not null"`
}

func (snapshotRecord) TableName() string { return "order_snapshots" }

type syncStatusRecord struct {
	UserID        string `gorm:"primaryKey;size:128"`
	State         string `gorm:"not null;size:16"`
	Error         string `gorm:"type:text"`
	RunID         string `gorm:"size:64"`
	FullResync    bool
	Failures      int
	ChainCount    int
	TradeCount    int
	LastSuccessAt time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
}

func (syncStatusRecord) TableName() string { return "sync_status" }

func toChainRecord(user string, c models.Chain) (chainRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return chainRecord{}, fmt.Errorf("encode chain %s: %w", c.ID, err)
	}
	return chainRecord{
		UserID:       user,
		ID:           c.ID,
		Symbol:       c.Symbol,
		Method:       string(c.Method),
		Status:       string(c.Status),
		NetPremium:   c.NetPremium.String(),
		FirstOrderAt: c.FirstOrderAt,
		OrderCount:   c.Len(),
		Payload:      string(payload),
	}, nil
}

func (r chainRecord) chain() (models.Chain, error) {
	var c models.Chain
	if err := json.Unmarshal([]byte(r.Payload), &c); err != nil {
		return models.Chain{}, fmt.Errorf("decode chain %s: %w", r.ID, err)
	}
	return c, nil
}

func toTradeRecord(user string, seq int, t models.MatchedTrade) (tradeRecord, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return tradeRecord{}, fmt.Errorf("encode trade: %w", err)
	}
	return tradeRecord{
		UserID:       user,
		Seq:          seq,
		Symbol:       t.Symbol,
		CloseYear:    t.CloseYear,
		PnL:          t.PnL.String(),
		ClosedAt:     t.ClosedAt,
		CloseOrderID: t.CloseOrderID,
		Payload:      string(payload),
	}, nil
}

func (r tradeRecord) trade() (models.MatchedTrade, error) {
	var t models.MatchedTrade
	if err := json.Unmarshal([]byte(r.Payload), &t); err != nil {
		return models.MatchedTrade{}, fmt.Errorf("decode trade %d: %w", r.ID, err)
	}
	return t, nil
}

func toSyncStatusRecord(s *models.SyncStatus) syncStatusRecord {
	return syncStatusRecord{
		UserID:        s.UserID,
		State:         string(s.State),
		Error:         s.Error,
		RunID:         s.RunID,
		FullResync:    s.FullResync,
		Failures:      s.Failures,
		ChainCount:    s.ChainCount,
		TradeCount:    s.TradeCount,
		LastSuccessAt: s.LastSuccessAt,
		LastAttemptAt: s.LastAttemptAt,
		NextAttemptAt: s.NextAttemptAt,
	}
}

func (r syncStatusRecord) status() models.SyncStatus {
	return models.SyncStatus{
		UserID:        r.UserID,
		State:         models.SyncState(r.State),
		Error:         r.Error,
		RunID:         r.RunID,
		FullResync:    r.FullResync,
		Failures:      r.Failures,
		ChainCount:    r.ChainCount,
		TradeCount:    r.TradeCount,
		LastSuccessAt: r.LastSuccessAt.UTC(),
		LastAttemptAt: r.LastAttemptAt.UTC(),
		NextAttemptAt: r.NextAttemptAt.UTC(),
	}
}

// encodeSnapshot keeps raw orders as delivered; json.Number values round-trip as numbers.
func encodeSnapshot(raws []models.RawOrder) (string, error) {
	b, err := json.Marshal(raws)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	return string(b), nil
}

func decodeSnapshot(payload string) ([]models.RawOrder, error) {
	var raws []models.RawOrder
	if err := decodeWithNumbers(payload, &raws); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return raws, nil
}
