package store

import (
	"context"
	"fmt"

	"wallet-pass-backend/internal/model"
)

// CreateBulkUpdate inserts a bulk update holding its template's active
// marker. The unique index on the marker rejects a second unfinished run.
func (s *gormStore) CreateBulkUpdate(ctx context.Context, b *model.BulkUpdate) error {
	templateID := b.TemplateID
	b.ActiveTemplateID = &templateID
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		b.ActiveTemplateID = nil
		if isUniqueViolation(err) {
			return ErrBulkInProgress
		}
		return fmt.Errorf("failed to create bulk update: %w", err)
	}
	return nil
}

// GetBulkUpdate implements Store.
func (s *gormStore) GetBulkUpdate(ctx context.Context, accountID int64, id string) (*model.BulkUpdate, error) {
	var b model.BulkUpdate
	if err := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&b).Error; err != nil {
		return nil, notFound(err, "bulk update")
	}
	return &b, nil
}

// SaveBulkProgress persists counters and status. A finished run releases
// its template's active marker.
func (s *gormStore) SaveBulkProgress(ctx context.Context, b *model.BulkUpdate) error {
	if b.IsTerminal() {
		b.ActiveTemplateID = nil
	}
	err := s.db.WithContext(ctx).Model(b).Select(
		"total_count", "processed_count", "failed_count", "status",
		"started_at", "completed_at", "active_template_id", "error_message",
	).Updates(b).Error
	if err != nil {
		return fmt.Errorf("failed to save bulk update %s: %w", b.ID, err)
	}
	return nil
}

// ListUnfinishedBulkUpdates implements Store.
func (s *gormStore) ListUnfinishedBulkUpdates(ctx context.Context) ([]model.BulkUpdate, error) {
	var runs []model.BulkUpdate
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []model.BulkStatus{model.BulkCompleted, model.BulkFailed}).
		Order("created_at").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished bulk updates: %w", err)
	}
	return runs, nil
}
