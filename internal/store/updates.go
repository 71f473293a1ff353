package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wallet-pass-backend/internal/model"
)

// CreatePassUpdate implements Store.
func (s *gormStore) CreatePassUpdate(ctx context.Context, u *model.PassUpdate) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("failed to create update record for pass %d: %w", u.PassID, err)
	}
	return nil
}

// GetPassUpdate implements Store.
func (s *gormStore) GetPassUpdate(ctx context.Context, id string) (*model.PassUpdate, error) {
	var u model.PassUpdate
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err, "update record")
	}
	return &u, nil
}

// ListPassUpdates returns the newest update records of a pass first.
func (s *gormStore) ListPassUpdates(ctx context.Context, passID int64, limit int) ([]model.PassUpdate, error) {
	var updates []model.PassUpdate
	err := s.db.WithContext(ctx).
		Where("pass_id = ?", passID).
		Order("created_at DESC").
		Limit(limit).
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list updates for pass %d: %w", passID, err)
	}
	return updates, nil
}

// MarkSent moves pending platform statuses to sent once tasks are queued.
// Statuses a task already advanced are left alone.
func (s *gormStore) MarkSent(ctx context.Context, id string, apple, google bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apple {
			if err := tx.Model(&model.PassUpdate{}).
				Where("id = ? AND apple_delivery_status = ?", id, model.DeliveryPending).
				Update("apple_delivery_status", model.DeliverySent).Error; err != nil {
				return fmt.Errorf("failed to mark apple sent on %s: %w", id, err)
			}
		}
		if google {
			if err := tx.Model(&model.PassUpdate{}).
				Where("id = ? AND google_delivery_status = ?", id, model.DeliveryPending).
				Update("google_delivery_status", model.DeliverySent).Error; err != nil {
				return fmt.Errorf("failed to mark google sent on %s: %w", id, err)
			}
		}
		return nil
	})
}

// MarkAppleDelivered implements Store.
func (s *gormStore) MarkAppleDelivered(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&model.PassUpdate{}).
		Where("id = ?", id).
		Update("apple_delivery_status", model.DeliveryDelivered).Error
	if err != nil {
		return fmt.Errorf("failed to mark apple delivered on %s: %w", id, err)
	}
	return nil
}

// MarkAppleFailed records a failure. A record already delivered to at least
// one device keeps its delivered status; the reason is recorded either way.
func (s *gormStore) MarkAppleFailed(ctx context.Context, id string, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.PassUpdate{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"apple_delivery_status": gorm.Expr("CASE WHEN apple_delivery_status = ? THEN apple_delivery_status ELSE ? END",
				model.DeliveryDelivered, model.DeliveryFailed),
			"error_message": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark apple failed on %s: %w", id, err)
	}
	return nil
}

// MarkGoogle sets the Google delivery status. delivered also sets google_updated.
func (s *gormStore) MarkGoogle(ctx context.Context, id string, status model.DeliveryStatus, reason string) error {
	values := map[string]any{"google_delivery_status": status}
	if status == model.DeliveryDelivered {
		values["google_updated"] = true
	}
	if reason != "" {
		values["error_message"] = reason
	}
	err := s.db.WithContext(ctx).Model(&model.PassUpdate{}).Where("id = ?", id).Updates(values).Error
	if err != nil {
		return fmt.Errorf("failed to mark google %s on %s: %w", status, id, err)
	}
	return nil
}

// ListUndeliveredUpdates returns records created before the cutoff whose
// Apple or Google delivery never reached a final status, oldest first.
func (s *gormStore) ListUndeliveredUpdates(ctx context.Context, before time.Time) ([]model.PassUpdate, error) {
	open := []model.DeliveryStatus{model.DeliveryPending, model.DeliverySent}
	var updates []model.PassUpdate
	err := s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Where(s.db.Where("apple_delivery_status IN ?", open).Or("google_delivery_status IN ?", open)).
		Order("created_at").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered update records: %w", err)
	}
	return updates, nil
}

// PrunePassUpdates deletes records created before the cutoff.
func (s *gormStore) PrunePassUpdates(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.PassUpdate{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune update records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
