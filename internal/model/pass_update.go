package model

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryStatus is the per-platform delivery state of an update record.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// UpdateSource tags where a mutation came from.
type UpdateSource string

const (
	SourceDashboard UpdateSource = "dashboard"
	SourceAPI       UpdateSource = "api"
	SourceBulk      UpdateSource = "bulk"
	SourceSystem    UpdateSource = "system"
)

// FieldChange is the old and new value of one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// FieldDiff maps field keys to their change.
type FieldDiff map[string]FieldChange

// Value implements driver.Valuer.
func (d FieldDiff) Value() (driver.Value, error) {
	return valueJSON(d)
}

// Scan implements sql.Scanner.
func (d *FieldDiff) Scan(value any) error {
	return scanJSON(value, d)
}

// PassUpdate is the audit and delivery-status record of one accepted mutation.
type PassUpdate struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	PassID          int64          `gorm:"index;not null" json:"pass_id"`
	AccountID       int64          `gorm:"index;not null" json:"account_id"`
	InitiatedBy     string         `gorm:"size:128" json:"initiated_by"`
	Source          UpdateSource   `gorm:"size:32;not null" json:"source"`
	FieldsChanged   FieldDiff      `gorm:"type:text" json:"fields_changed"`
	AppleStatus     DeliveryStatus `gorm:"column:apple_delivery_status;size:16;not null" json:"apple_delivery_status"`
	GoogleStatus    DeliveryStatus `gorm:"column:google_delivery_status;size:16;not null" json:"google_delivery_status"`
	DevicesNotified int            `gorm:"not null;default:0" json:"devices_notified"`
	GoogleUpdated   bool           `gorm:"not null;default:false" json:"google_updated"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// BeforeCreate assigns a UUID when none is set.
func (u *PassUpdate) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
