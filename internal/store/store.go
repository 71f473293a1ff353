package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"wallet-pass-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB
	// Transaction runs fn against a Store bound to one database transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetAccountByToken(ctx context.Context, token string) (*model.Account, error)
	GetTemplate(ctx context.Context, accountID, id int64) (*model.PassTemplate, error)

	GetPass(ctx context.Context, accountID, id int64) (*model.Pass, error)
	GetPassByID(ctx context.Context, id int64) (*model.Pass, error)
	LockPass(ctx context.Context, id int64) (*model.Pass, error)
	GetPassBySerial(ctx context.Context, passTypeID, serial string) (*model.Pass, error)
	SavePass(ctx context.Context, pass *model.Pass) error
	ListPassesForBulk(ctx context.Context, filter BulkFilter) ([]model.Pass, error)

	CountActiveRegistrations(ctx context.Context, passTypeID, serial string) (int64, error)
	ListActiveRegistrations(ctx context.Context, passTypeID, serial string) ([]model.DeviceRegistration, error)
	GetRegistration(ctx context.Context, id int64) (*model.DeviceRegistration, error)
	RegisterDevice(ctx context.Context, reg *model.DeviceRegistration) (bool, error)
	UnregisterDevice(ctx context.Context, deviceID, passTypeID, serial string) (int64, error)
	DeactivateToken(ctx context.Context, pushToken string) (int64, error)
	SerialsForDevice(ctx context.Context, deviceID, passTypeID string, since *time.Time) ([]string, time.Time, error)

	CreatePassUpdate(ctx context.Context, u *model.PassUpdate) error
	GetPassUpdate(ctx context.Context, id string) (*model.PassUpdate, error)
	ListPassUpdates(ctx context.Context, passID int64, limit int) ([]model.PassUpdate, error)
	MarkSent(ctx context.Context, id string, apple, google bool) error
	MarkAppleDelivered(ctx context.Context, id string) error
	MarkAppleFailed(ctx context.Context, id string, reason string) error
	MarkGoogle(ctx context.Context, id string, status model.DeliveryStatus, reason string) error
	ListUndeliveredUpdates(ctx context.Context, before time.Time) ([]model.PassUpdate, error)
	PrunePassUpdates(ctx context.Context, before time.Time) (int64, error)

	CreateBulkUpdate(ctx context.Context, b *model.BulkUpdate) error
	GetBulkUpdate(ctx context.Context, accountID int64, id string) (*model.BulkUpdate, error)
	SaveBulkProgress(ctx context.Context, b *model.BulkUpdate) error
	ListUnfinishedBulkUpdates(ctx context.Context) ([]model.BulkUpdate, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	GetSubscription(ctx context.Context, accountID int64, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, accountID int64, endpoint string) error
	ListSubscriptions(ctx context.Context, accountID int64) ([]model.PushSubscription, error)
	DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB returns the underlying handle.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Transaction implements Store.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// isUniqueViolation recognizes duplicate-key errors from postgres and sqlite,
// translated or not.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// GetAccount implements Store.
func (s *gormStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, notFound(err, "account")
	}
	return &account, nil
}

// GetAccountByToken implements Store.
func (s *gormStore) GetAccountByToken(ctx context.Context, token string) (*model.Account, error) {
	var account model.Account
	if err := s.db.WithContext(ctx).Where("api_token = ?", token).First(&account).Error; err != nil {
		return nil, notFound(err, "account")
	}
	return &account, nil
}

// GetTemplate implements Store.
func (s *gormStore) GetTemplate(ctx context.Context, accountID, id int64) (*model.PassTemplate, error) {
	var tmpl model.PassTemplate
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&tmpl, id).Error; err != nil {
		return nil, notFound(err, "template")
	}
	return &tmpl, nil
}
