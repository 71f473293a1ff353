package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wallet-pass-backend/internal/model"
)

// CountActiveRegistrations implements Store.
func (s *gormStore) CountActiveRegistrations(ctx context.Context, passTypeID, serial string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.DeviceRegistration{}).
		Where("pass_type_identifier = ? AND serial_number = ? AND is_active = ?", passTypeID, serial, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count registrations for %s: %w", serial, err)
	}
	return n, nil
}

// ListActiveRegistrations implements Store.
func (s *gormStore) ListActiveRegistrations(ctx context.Context, passTypeID, serial string) ([]model.DeviceRegistration, error) {
	var regs []model.DeviceRegistration
	err := s.db.WithContext(ctx).
		Where("pass_type_identifier = ? AND serial_number = ? AND is_active = ?", passTypeID, serial, true).
		Order("id").
		Find(&regs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations for %s: %w", serial, err)
	}
	return regs, nil
}

// GetRegistration implements Store.
func (s *gormStore) GetRegistration(ctx context.Context, id int64) (*model.DeviceRegistration, error) {
	var reg model.DeviceRegistration
	if err := s.db.WithContext(ctx).First(&reg, id).Error; err != nil {
		return nil, notFound(err, "registration")
	}
	return &reg, nil
}

// RegisterDevice creates a registration or refreshes an existing one with a
// new push token, reactivating it. It reports whether a row was created.
func (s *gormStore) RegisterDevice(ctx context.Context, reg *model.DeviceRegistration) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DeviceRegistration
		err := tx.Where("device_library_id = ? AND pass_type_identifier = ? AND serial_number = ?",
			reg.DeviceLibraryID, reg.PassTypeIdentifier, reg.SerialNumber).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			reg.IsActive = true
			created = true
			return tx.Create(reg).Error
		case err != nil:
			return err
		}

		if existing.IsActive && existing.PushToken == reg.PushToken {
			*reg = existing
			return nil
		}
		existing.PushToken = reg.PushToken
		existing.IsActive = true
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*reg = existing
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to register device %s: %w", reg.DeviceLibraryID, err)
	}
	return created, nil
}

// UnregisterDevice implements Store.
func (s *gormStore) UnregisterDevice(ctx context.Context, deviceID, passTypeID, serial string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("device_library_id = ? AND pass_type_identifier = ? AND serial_number = ?", deviceID, passTypeID, serial).
		Delete(&model.DeviceRegistration{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to unregister device %s: %w", deviceID, res.Error)
	}
	return res.RowsAffected, nil
}

// DeactivateToken marks every active registration using pushToken inactive.
func (s *gormStore) DeactivateToken(ctx context.Context, pushToken string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.DeviceRegistration{}).
		Where("push_token = ? AND is_active = ?", pushToken, true).
		Updates(map[string]any{"is_active": false})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to deactivate push token: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SerialsForDevice returns serials of passes a device is registered for,
// optionally only those updated after since, with the newest update time.
func (s *gormStore) SerialsForDevice(ctx context.Context, deviceID, passTypeID string, since *time.Time) ([]string, time.Time, error) {
	type row struct {
		SerialNumber string
		UpdatedAt    time.Time
	}

	q := s.db.WithContext(ctx).
		Table("device_registrations").
		Select("passes.serial_number, passes.updated_at").
		Joins("JOIN passes ON passes.serial_number = device_registrations.serial_number AND passes.deleted_at IS NULL").
		Where("device_registrations.device_library_id = ? AND device_registrations.pass_type_identifier = ? AND device_registrations.is_active = ?",
			deviceID, passTypeID, true)
	if since != nil {
		q = q.Where("passes.updated_at > ?", *since)
	}

	var rows []row
	if err := q.Order("passes.serial_number").Scan(&rows).Error; err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to list serials for device %s: %w", deviceID, err)
	}

	serials := make([]string, 0, len(rows))
	var latest time.Time
	for _, r := range rows {
		serials = append(serials, r.SerialNumber)
		if r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
		}
	}
	return serials, latest, nil
}
