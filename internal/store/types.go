package store

import (
	"errors"

	"wallet-pass-backend/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrBulkInProgress is returned when a template already has an unfinished bulk update.
	ErrBulkInProgress = errors.New("a bulk update is already in progress for this template")
)

// BulkFilter selects the passes a bulk update touches.
type BulkFilter struct {
	AccountID  int64
	TemplateID int64
	Status     model.PassStatus
	Platform   model.Platform
}
