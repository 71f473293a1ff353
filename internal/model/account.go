package model

import "time"

// Account is the issuing business. The pipeline only reads it; credential
// upload and billing live elsewhere.
type Account struct {
	ID                       int64  `gorm:"primaryKey"`
	Name                     string `gorm:"size:128;not null"`
	APIToken                 string `gorm:"uniqueIndex;size:128;not null"`
	OrganizationName         string `gorm:"size:256"`
	AppleTeamID              string `gorm:"size:32"`
	ApplePassTypeID          string `gorm:"size:256"`
	AppleCertificateKey      string `gorm:"size:512"` // storage key of the .p12 bundle
	AppleCertificatePassword string `gorm:"size:256"`
	GoogleIssuerID           string `gorm:"size:64"`
	GoogleServiceAccountKey  string `gorm:"size:512"` // storage key of the service-account JSON
	CreatedAt                time.Time
	UpdatedAt                time.Time
}
