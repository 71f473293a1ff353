package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"wallet-pass-backend/internal/model"
)

// GetPass implements Store.
func (s *gormStore) GetPass(ctx context.Context, accountID, id int64) (*model.Pass, error) {
	var pass model.Pass
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&pass, id).Error; err != nil {
		return nil, notFound(err, "pass")
	}
	return &pass, nil
}

// GetPassByID implements Store.
func (s *gormStore) GetPassByID(ctx context.Context, id int64) (*model.Pass, error) {
	var pass model.Pass
	if err := s.db.WithContext(ctx).First(&pass, id).Error; err != nil {
		return nil, notFound(err, "pass")
	}
	return &pass, nil
}

// LockPass reads a pass with a row lock held until the transaction ends.
// Dialects without row locks (sqlite) read it plainly.
func (s *gormStore) LockPass(ctx context.Context, id int64) (*model.Pass, error) {
	var pass model.Pass
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&pass, id).Error
	if err != nil {
		return nil, notFound(err, "pass")
	}
	return &pass, nil
}

// GetPassBySerial implements Store.
func (s *gormStore) GetPassBySerial(ctx context.Context, passTypeID, serial string) (*model.Pass, error) {
	var pass model.Pass
	err := s.db.WithContext(ctx).
		Joins("JOIN accounts ON accounts.id = passes.account_id").
		Where("accounts.apple_pass_type_id = ? AND passes.serial_number = ?", passTypeID, serial).
		First(&pass).Error
	if err != nil {
		return nil, notFound(err, "pass")
	}
	return &pass, nil
}

// SavePass implements Store.
func (s *gormStore) SavePass(ctx context.Context, pass *model.Pass) error {
	if err := s.db.WithContext(ctx).Save(pass).Error; err != nil {
		return fmt.Errorf("failed to save pass %d: %w", pass.ID, err)
	}
	return nil
}

// ListPassesForBulk implements Store.
func (s *gormStore) ListPassesForBulk(ctx context.Context, f BulkFilter) ([]model.Pass, error) {
	q := s.db.WithContext(ctx).
		Where("account_id = ? AND template_id = ?", f.AccountID, f.TemplateID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Platform != "" {
		q = q.Where("platform = ?", f.Platform)
	}

	var passes []model.Pass
	if err := q.Order("id").Find(&passes).Error; err != nil {
		return nil, fmt.Errorf("failed to list passes for template %d: %w", f.TemplateID, err)
	}
	return passes, nil
}
