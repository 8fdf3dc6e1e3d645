package domain

import "context"

// GeocodingResult is the best match a geocoding provider returned for a
// forecast location. An empty PlaceName means no match.
type GeocodingResult struct {
	Lat        float64
	Lon        float64
	PlaceName  string
	Confidence float64 // 0.0–1.0 provider relevance
}

// Found reports whether the provider matched anything.
func (r GeocodingResult) Found() bool {
	return r.PlaceName != ""
}

// Geocoder resolves forecast locations missing from the coordinates catalog.
type Geocoder interface {
	// ForwardGeocode converts a location and department name to coordinates.
	ForwardGeocode(ctx context.Context, location, department string) (GeocodingResult, error)
}
