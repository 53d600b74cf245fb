// Package usage persists daily per-key request counters so that quota
// accounting survives process restarts. One row per (provider, key index,
// UTC day), upserted with last-write-wins semantics.
package usage

import "time"

// Record is the durable usage row. Rows accumulate one per key per day and
// are never deleted by the router.
type Record struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Provider     string    `gorm:"size:100;not null;uniqueIndex:idx_usage_provider_key_day" json:"provider"`
	KeyIndex     int       `gorm:"not null;uniqueIndex:idx_usage_provider_key_day" json:"key_index"`
	Day          string    `gorm:"size:10;not null;uniqueIndex:idx_usage_provider_key_day" json:"day"`
	RequestCount int       `gorm:"not null;default:0" json:"request_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Record) TableName() string {
	return "kr_usage_records"
}

const dayFormat = "2006-01-02"
