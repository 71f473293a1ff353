package model

import "time"

// RateCounter is one fixed-window counter shared between processes.
type RateCounter struct {
	Bucket    string    `gorm:"primaryKey;size:255"`
	Count     int64     `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
}
