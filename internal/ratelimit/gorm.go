package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-pass-backend/internal/model"
)

// GormCounter keeps counters in the rate_counters table so every process
// of a deployment draws from the same budget.
type GormCounter struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormCounter creates a database-backed counter.
func NewGormCounter(db *gorm.DB) *GormCounter {
	return &GormCounter{db: db, now: time.Now}
}

// TryAcquire implements Counter with an upsert-increment.
func (g *GormCounter) TryAcquire(ctx context.Context, key string, window time.Duration, limit int64) (bool, error) {
	now := g.now()
	row := model.RateCounter{
		Bucket:    bucketKey(key, window, now),
		Count:     1,
		ExpiresAt: WindowEnd(now, window),
	}

	var current model.RateCounter
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("rate_counters.count + 1")}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("bucket = ?", row.Bucket).Take(&current).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to increment rate counter %s: %w", row.Bucket, err)
	}
	return current.Count <= limit, nil
}

// Count implements Counter.
func (g *GormCounter) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	var current model.RateCounter
	err := g.db.WithContext(ctx).Where("bucket = ?", bucketKey(key, window, g.now())).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}
	return current.Count, nil
}

// Release implements Counter.
func (g *GormCounter) Release(ctx context.Context, key string, window time.Duration) error {
	err := g.db.WithContext(ctx).Model(&model.RateCounter{}).
		Where("bucket = ? AND count > 0", bucketKey(key, window, g.now())).
		Update("count", gorm.Expr("count - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to release rate counter: %w", err)
	}
	return nil
}

// Prune deletes counters whose window closed before now.
func (g *GormCounter) Prune(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&model.RateCounter{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune rate counters: %w", res.Error)
	}
	return res.RowsAffected, nil
}
