package model

import (
	"database/sql/driver"
	"time"
)

// PassStyle is the Apple pass style, also used to pick the Google class type.
type PassStyle string

const (
	StyleGeneric      PassStyle = "generic"
	StyleEventTicket  PassStyle = "eventTicket"
	StyleCoupon       PassStyle = "coupon"
	StyleStoreCard    PassStyle = "storeCard"
	StyleBoardingPass PassStyle = "boardingPass"
)

// FieldGroup names one of the five field groups of a pass.
type FieldGroup string

const (
	GroupHeader    FieldGroup = "header"
	GroupPrimary   FieldGroup = "primary"
	GroupSecondary FieldGroup = "secondary"
	GroupAuxiliary FieldGroup = "auxiliary"
	GroupBack      FieldGroup = "back"
)

// FieldGroups lists the groups in lookup priority order.
var FieldGroups = []FieldGroup{GroupHeader, GroupPrimary, GroupSecondary, GroupAuxiliary, GroupBack}

// FieldDefinition is one permitted field of a template.
type FieldDefinition struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// TemplateFields maps each group to the fields a template permits in it.
type TemplateFields map[FieldGroup][]FieldDefinition

// Value implements driver.Valuer.
func (f TemplateFields) Value() (driver.Value, error) {
	return valueJSON(f)
}

// Scan implements sql.Scanner.
func (f *TemplateFields) Scan(value any) error {
	return scanJSON(value, f)
}

// PassTemplate is the schema a pass's content must follow.
type PassTemplate struct {
	ID               int64          `gorm:"primaryKey"`
	AccountID        int64          `gorm:"index;not null"`
	Name             string         `gorm:"size:128;not null"`
	Style            PassStyle      `gorm:"size:32;not null"`
	Description      string         `gorm:"size:512"`
	OrganizationName string         `gorm:"size:256"`
	LogoText         string         `gorm:"size:128"`
	BackgroundColor  string         `gorm:"size:32"`
	ForegroundColor  string         `gorm:"size:32"`
	LabelColor       string         `gorm:"size:32"`
	TransitType      string         `gorm:"size:64"` // boardingPass only
	Fields           TemplateFields `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
