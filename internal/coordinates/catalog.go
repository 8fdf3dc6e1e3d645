// Package coordinates loads the static latitude/longitude catalog of forecast
// locations and backfills it into the store.
package coordinates

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// Catalog maps department and location names to coordinates. Lookups are
// accent and case insensitive. A nil *Catalog is empty.
type Catalog struct {
	entries map[string]map[string][2]float64
}

// Load reads a YAML catalog of the form
//
//	LIMA:
//	  SAN JUAN DE LURIGANCHO: [-11.98, -77.01]
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coordinates catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Entries without exactly two numbers are
// rejected.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]map[string][]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse coordinates catalog: %w", err)
	}
	c := &Catalog{entries: make(map[string]map[string][2]float64, len(raw))}
	for dept, locations := range raw {
		d := domain.NormalizeDepartment(dept)
		if c.entries[d] == nil {
			c.entries[d] = make(map[string][2]float64, len(locations))
		}
		for name, coords := range locations {
			if len(coords) != 2 {
				return nil, fmt.Errorf("coordinates for %s/%s: want [lat, lon], got %d values", dept, name, len(coords))
			}
			c.entries[d][domain.NormalizeDepartment(name)] = [2]float64{coords[0], coords[1]}
		}
	}
	return c, nil
}

// Lookup returns the coordinates of a location.
func (c *Catalog) Lookup(department, location string) (lat, lon float64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	coords, ok := c.entries[domain.NormalizeDepartment(department)][domain.NormalizeDepartment(location)]
	return coords[0], coords[1], ok
}

// Len returns the number of locations in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, locations := range c.entries {
		n += len(locations)
	}
	return n
}

// LocationStore is the persistence Backfill needs.
type LocationStore interface {
	ListLocations(ctx context.Context, department string) ([]domain.Location, error)
	SetLocationCoordinates(ctx context.Context, id uint, lat, lon float64) error
}

// MinGeocodeConfidence is the provider relevance below which a geocoding
// match is ignored.
const MinGeocodeConfidence = 0.5

// BackfillStats reports what Backfill did. Geocoded counts the updates that
// came from the geocoder instead of the catalog.
type BackfillStats struct {
	Updated  int `json:"updated"`
	Geocoded int `json:"geocoded"`
	Skipped  int `json:"skipped"`
	NotFound int `json:"not_found"`
}

// Backfill writes catalog coordinates to stored locations. Locations that
// already have coordinates are skipped unless overwrite is set. Locations
// missing from the catalog are resolved with geocoder when it is not nil; a
// geocoding error only marks that location as not found.
func Backfill(ctx context.Context, s LocationStore, c *Catalog, geocoder domain.Geocoder, overwrite bool, logger *slog.Logger) (BackfillStats, error) {
	locations, err := s.ListLocations(ctx, "")
	if err != nil {
		return BackfillStats{}, err
	}
	var stats BackfillStats
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !overwrite && loc.HasCoordinates() {
			stats.Skipped++
			continue
		}
		lat, lon, ok := c.Lookup(loc.Department, loc.Name)
		geocoded := false
		if !ok && geocoder != nil {
			lat, lon, ok = geocode(ctx, geocoder, loc, logger)
			geocoded = ok
		}
		if !ok {
			stats.NotFound++
			logger.Debug("location not in coordinates catalog", "department", loc.Department, "location", loc.Name)
			continue
		}
		if err := s.SetLocationCoordinates(ctx, loc.ID, lat, lon); err != nil {
			return stats, err
		}
		stats.Updated++
		if geocoded {
			stats.Geocoded++
		}
	}
	logger.Info("coordinates backfilled", "updated", stats.Updated, "geocoded", stats.Geocoded,
		"skipped", stats.Skipped, "not_found", stats.NotFound)
	return stats, nil
}

func geocode(ctx context.Context, geocoder domain.Geocoder, loc domain.Location, logger *slog.Logger) (lat, lon float64, ok bool) {
	result, err := geocoder.ForwardGeocode(ctx, loc.Name, loc.Department)
	if err != nil {
		logger.Warn("geocoding failed", "department", loc.Department, "location", loc.Name, "error", err)
		return 0, 0, false
	}
	if !result.Found() || result.Confidence < MinGeocodeConfidence {
		return 0, 0, false
	}
	return result.Lat, result.Lon, true
}
