package model

import (
	"database/sql/driver"
	"time"

	"gorm.io/gorm"
)

// Platform is the wallet ecosystem(s) a pass is issued to.
type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
	PlatformBoth   Platform = "both"
)

// TargetsApple reports whether the pass is issued to Apple Wallet.
func (p Platform) TargetsApple() bool {
	return p == PlatformApple || p == PlatformBoth
}

// TargetsGoogle reports whether the pass is issued to Google Wallet.
func (p Platform) TargetsGoogle() bool {
	return p == PlatformGoogle || p == PlatformBoth
}

// PassStatus is the lifecycle state of a pass.
type PassStatus string

const (
	PassActive   PassStatus = "active"
	PassVoided   PassStatus = "voided"
	PassExpired  PassStatus = "expired"
	PassRedeemed PassStatus = "redeemed"
)

// UsageType tells single-use passes from multi-use ones.
type UsageType string

const (
	UsageSingle UsageType = "single_use"
	UsageMulti  UsageType = "multi_use"
)

// ImageRefs maps an image file name ("icon", "logo@2x", ...) to a storage key.
type ImageRefs map[string]string

// Value implements driver.Valuer.
func (r ImageRefs) Value() (driver.Value, error) {
	return valueJSON(r)
}

// Scan implements sql.Scanner.
func (r *ImageRefs) Scan(value any) error {
	return scanJSON(value, r)
}

// Pass is one issued wallet pass.
type Pass struct {
	ID                  int64      `gorm:"primaryKey"`
	AccountID           int64      `gorm:"index;not null"`
	TemplateID          int64      `gorm:"index;not null"`
	SerialNumber        string     `gorm:"uniqueIndex;size:128;not null"`
	AuthenticationToken string     `gorm:"size:128;not null"`
	Platform            Platform   `gorm:"size:16;not null"`
	Content             string     `gorm:"type:text"`
	BarcodeFormat       string     `gorm:"size:64"`
	BarcodeMessage      string     `gorm:"size:512"`
	BarcodeAltText      string     `gorm:"size:256"`
	Images              ImageRefs  `gorm:"type:text"`
	Status              PassStatus `gorm:"size:16;not null;default:active;index"`
	UsageType           UsageType  `gorm:"size:16"`
	AppleArtifactKey    string     `gorm:"size:512"`
	GoogleObjectID      string     `gorm:"size:256"`
	GoogleSaveURL       string     `gorm:"type:text"`
	LastGeneratedAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           gorm.DeletedAt `gorm:"index"`
}

// IsVoided reports whether the pass has been voided.
func (p *Pass) IsVoided() bool {
	return p.Status == PassVoided
}
