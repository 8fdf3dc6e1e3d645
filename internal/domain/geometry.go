package domain

import (
	"encoding/json"
	"time"
)

// DecodedPolygon is one feature read from a shapefile archive. Geometry is a
// GeoJSON MultiPolygon in WGS-84.
type DecodedPolygon struct {
	Level    int             `json:"nivel"`
	Geometry json.RawMessage `json:"geometry"`
}

// GeometryRecord is a persisted polygon of one warning day.
type GeometryRecord struct {
	ID            uint            `json:"id"`
	WarningNumber int             `json:"warning_number"`
	Day           int             `json:"day"`
	Level         int             `json:"nivel"`
	Geometry      json.RawMessage `json:"geometry"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ArchiveKey identifies one downloadable shapefile archive.
type ArchiveKey struct {
	Number int
	Day    int
	Year   int
}
