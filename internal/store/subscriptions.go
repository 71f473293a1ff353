package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"wallet-pass-backend/internal/model"
)

// UpsertSubscription creates or replaces an operator browser subscription.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "p256dh", "auth"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription implements Store.
func (s *gormStore) GetSubscription(ctx context.Context, accountID int64, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Where("endpoint = ? AND account_id = ?", endpoint, accountID).First(&sub).Error; err != nil {
		return nil, notFound(err, "subscription")
	}
	return &sub, nil
}

// DeleteSubscription implements Store.
func (s *gormStore) DeleteSubscription(ctx context.Context, accountID int64, endpoint string) error {
	if err := s.db.WithContext(ctx).Where("endpoint = ? AND account_id = ?", endpoint, accountID).Delete(&model.PushSubscription{}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ListSubscriptions implements Store.
func (s *gormStore) ListSubscriptions(ctx context.Context, accountID int64) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for account %d: %w", accountID, err)
	}
	return subs, nil
}

// DeleteSubscriptionByEndpoint removes an expired subscription.
func (s *gormStore) DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}
