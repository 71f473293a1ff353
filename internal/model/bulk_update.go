package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BulkStatus is the lifecycle state of a bulk update run.
type BulkStatus string

const (
	BulkPending    BulkStatus = "pending"
	BulkProcessing BulkStatus = "processing"
	BulkCompleted  BulkStatus = "completed"
	// BulkFailed marks a run that could not be carried out at all, such as
	// when its passes could not be listed.
	BulkFailed BulkStatus = "failed"
)

// BulkUpdate is one template-wide fan-out of a single field value.
//
// ActiveTemplateID carries the template id while the run is not terminal and
// is NULL afterwards; its unique index allows one in-flight run per template.
type BulkUpdate struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	AccountID        int64      `gorm:"index;not null" json:"account_id"`
	TemplateID       int64      `gorm:"index;not null" json:"template_id"`
	ActiveTemplateID *int64     `gorm:"uniqueIndex" json:"-"`
	FieldKey         string     `gorm:"size:128;not null" json:"field_key"`
	FieldValue       string     `gorm:"type:text" json:"field_value"`
	FilterStatus     PassStatus `gorm:"size:16" json:"filter_status,omitempty"`
	FilterPlatform   Platform   `gorm:"size:16" json:"filter_platform,omitempty"`
	InitiatedBy      string     `gorm:"size:128" json:"initiated_by"`
	TotalCount       int        `gorm:"not null;default:0" json:"total_count"`
	ProcessedCount   int        `gorm:"not null;default:0" json:"processed_count"`
	FailedCount      int        `gorm:"not null;default:0" json:"failed_count"`
	Status           BulkStatus `gorm:"size:16;not null" json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// BeforeCreate assigns a UUID when none is set.
func (b *BulkUpdate) BeforeCreate(*gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether the run has finished.
func (b *BulkUpdate) IsTerminal() bool {
	return b.Status == BulkCompleted || b.Status == BulkFailed
}
