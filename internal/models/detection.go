package models

import (
	"time"

	"github.com/google/uuid"
)

// Detection is one observation of a nearby peer's beacon code
type Detection struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Code       int64     `json:"code" db:"code"`
	RSSI       int       `json:"rssi" db:"rssi"`
	ObservedAt time.Time `json:"observedAt" db:"observed_at"`
	Source     string    `json:"source" db:"source"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// DetectionFilters narrows detection listings
type DetectionFilters struct {
	Code      *int64
	Source    *string
	MinRSSI   *int
	StartTime *time.Time
	EndTime   *time.Time
}
