package model

import "time"

// DeviceRegistration is a device's subscription to push updates for one pass.
type DeviceRegistration struct {
	ID                 int64  `gorm:"primaryKey"`
	DeviceLibraryID    string `gorm:"size:128;not null;uniqueIndex:idx_device_pass"`
	PassTypeIdentifier string `gorm:"size:256;not null;uniqueIndex:idx_device_pass;index:idx_registration_pass"`
	SerialNumber       string `gorm:"size:128;not null;uniqueIndex:idx_device_pass;index:idx_registration_pass"`
	PushToken          string `gorm:"size:256;not null;index"`
	IsActive           bool   `gorm:"not null;default:true"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
