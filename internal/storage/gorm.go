package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure-Go SQLite driver (no CGO)
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// GormStorage implements Interface on SQLite through gorm.
type GormStorage struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

// NewGormStorage opens (creating if needed) the database at path and migrates it.
func NewGormStorage(path string, log logrus.FieldLogger) (*GormStorage, error) {
	gormLogger := logger.New(log, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&chainRecord{},
		&chainOrderRecord{},
		&tradeRecord{},
		&snapshotRecord{},
		&syncStatusRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}

	return &GormStorage{db: db, log: log, now: time.Now}, nil
}

// SaveChains persists chains with one transaction per chain.
func (s *GormStorage) SaveChains(ctx context.Context, user string, chains []models.Chain, fullResync bool) (BatchResult, error) {
	db := s.db.WithContext(ctx)
	if fullResync {
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("user_id = ?", user).Delete(&chainOrderRecord{}).Error; err != nil {
				return err
			}
			return tx.Where("user_id = ?", user).Delete(&chainRecord{}).Error
		}); err != nil {
			return BatchResult{}, fmt.Errorf("clear chains for %s: %w", user, err)
		}
	}

	var (
		res  BatchResult
		errs []error
	)
	for _, c := range chains {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := db.Transaction(func(tx *gorm.DB) error { return s.saveChain(tx, user, c) }); err != nil {
			res.Failed = append(res.Failed, c.ID)
			errs = append(errs, fmt.Errorf("chain %s: %w", c.ID, err))
			s.log.WithError(err).WithFields(logrus.Fields{"user": user, "chain": c.ID}).Warn("Chain write rolled back")
			continue
		}
		res.Saved++
	}
	return res, errors.Join(errs...)
}

func (s *GormStorage) saveChain(tx *gorm.DB, user string, c models.Chain) error {
	if c.ID == "" || c.Len() == 0 {
		return errors.New("chain has no id or no orders")
	}
	rec, err := toChainRecord(user, c)
	if err != nil {
		return err
	}
	rec.UpdatedAt = s.now().UTC()

	ids := c.OrderIDs()
	var stale []string
	if err := tx.Model(&chainOrderRecord{}).
		Where("user_id = ? AND order_id IN ?", user, ids).
		Distinct().Pluck("chain_id", &stale).Error; err != nil {
		return err
	}
	stale = append(stale, c.ID)

	if err := tx.Where("user_id = ? AND chain_id IN ?", user, stale).Delete(&chainOrderRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Where("user_id = ? AND id IN ?", user, stale).Delete(&chainRecord{}).Error; err != nil {
		return err
	}
	if err := tx.Create(&rec).Error; err != nil {
		return err
	}

	links := make([]chainOrderRecord, len(ids))
	for i, id := range ids {
		links[i] = chainOrderRecord{UserID: user, OrderID: id, ChainID: c.ID}
	}
	return tx.Create(&links).Error
}

// ListChains returns the user's chains, optionally filtered by status.
func (s *GormStorage) ListChains(ctx context.Context, user string, status models.ChainStatus) ([]models.Chain, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", user)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var recs []chainRecord
	if err := q.Order("first_order_at, id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list chains for %s: %w", user, err)
	}
	out := make([]models.Chain, 0, len(recs))
	for _, r := range recs {
		c, err := r.chain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetChain returns one chain or ErrNotFound.
func (s *GormStorage) GetChain(ctx context.Context, user, id string) (*models.Chain, error) {
	var rec chainRecord
	err := s.db.WithContext(ctx).Where("user_id = ? AND id = ?", user, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chain %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c, err := rec.chain()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceTrades swaps the user's trades in a single transaction.
func (s *GormStorage) ReplaceTrades(ctx context.Context, user string, trades []models.MatchedTrade) error {
	recs := make([]tradeRecord, 0, len(trades))
	for i, t := range trades {
		rec, err := toTradeRecord(user, i, t)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user).Delete(&tradeRecord{}).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		return tx.CreateInBatches(&recs, 200).Error
	})
}

// ListTrades returns the user's trades in matching order.
func (s *GormStorage) ListTrades(ctx context.Context, user string) ([]models.MatchedTrade, error) {
	var recs []tradeRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", user).Order("seq").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", user, err)
	}
	out := make([]models.MatchedTrade, 0, len(recs))
	for _, r := range recs {
		t, err := r.trade()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveSnapshot stores the raw orders fetched by one run.
func (s *GormStorage) SaveSnapshot(ctx context.Context, user string, raws []models.RawOrder, replace bool) error {
	payload, err := encodeSnapshot(raws)
	if err != nil {
		return err
	}
	rec := snapshotRecord{UserID: user, TakenAt: s.now().UTC(), OrderCount: len(raws), Payload: payload}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if replace {
			if err := tx.Where("user_id = ?", user).Delete(&snapshotRecord{}).Error; err != nil {
				return fmt.Errorf("clear snapshots for %s: %w", user, err)
			}
		}
		return tx.Create(&rec).Error
	})
}

// RecentSnapshots returns up to limit snapshots, newest first; limit <= 0 returns all.
func (s *GormStorage) RecentSnapshots(ctx context.Context, user string, limit int) ([][]models.RawOrder, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", user).Order("taken_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []snapshotRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", user, err)
	}
	out := make([][]models.RawOrder, 0, len(recs))
	for _, r := range recs {
		raws, err := decodeSnapshot(r.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, raws)
	}
	return out, nil
}

// GetSyncStatus returns the user's status or ErrNotFound.
func (s *GormStorage) GetSyncStatus(ctx context.Context, user string) (*models.SyncStatus, error) {
	var rec syncStatusRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", user).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sync status for %s: %w", user, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	st := rec.status()
	return &st, nil
}

// PutSyncStatus upserts a status.
func (s *GormStorage) PutSyncStatus(ctx context.Context, status *models.SyncStatus) error {
	if status == nil || status.UserID == "" {
		return errors.New("sync status requires a user id")
	}
	rec := toSyncStatusRecord(status)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

// ListSyncStatuses returns every known status ordered by user.
func (s *GormStorage) ListSyncStatuses(ctx context.Context) ([]models.SyncStatus, error) {
	var recs []syncStatusRecord
	if err := s.db.WithContext(ctx).Order("user_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]models.SyncStatus, len(recs))
	for i, r := range recs {
		out[i] = r.status()
	}
	return out, nil
}

// Close releases the database handle.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeWithNumbers(payload string, v any) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}
