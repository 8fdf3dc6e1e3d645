package coordinates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

const catalogYAML = `
LIMA:
  SAN JUAN DE LURIGANCHO: [-11.98, -77.0]
  Cañete: [-13.08, -76.39]
Apurímac:
  ABANCAY: [-13.63, -72.88]
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse_Lookup(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	lat, lon, ok := c.Lookup("lima", "San Juan de Lurigancho")
	require.True(t, ok)
	assert.InDelta(t, -11.98, lat, 1e-9)
	assert.InDelta(t, -77.0, lon, 1e-9)

	_, _, ok = c.Lookup("LIMA", "CAÑETE")
	assert.True(t, ok, "accents are folded")

	_, _, ok = c.Lookup("APURIMAC", "ABANCAY")
	assert.True(t, ok)

	_, _, ok = c.Lookup("CUSCO", "CUSCO")
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("LIMA:\n  LIMA: [-12.0]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want [lat, lon]")

	_, err = Parse([]byte("LIMA: [1, 2"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	_, _, ok := c.Lookup("LIMA", "LIMA")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestBackfill(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	lat, lon := -12.0, -77.0
	s := &mockLocationStore{locations: []domain.Location{
		{ID: 1, Department: "LIMA", Name: "SAN JUAN DE LURIGANCHO"},
		{ID: 2, Department: "LIMA", Name: "CAÑETE", Latitude: &lat, Longitude: &lon},
		{ID: 3, Department: "LIMA", Name: "HUARAL"},
	}}

	stats, err := Backfill(context.Background(), s, c, nil, false, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, BackfillStats{Updated: 1, Skipped: 1, NotFound: 1}, stats)
	assert.Equal(t, map[uint][2]float64{1: {-11.98, -77.0}}, s.set)

	stats, err = Backfill(context.Background(), s, c, nil, true, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Updated)
}

func TestBackfill_GeocodesMissingLocations(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)

	s := &mockLocationStore{locations: []domain.Location{
		{ID: 1, Department: "LIMA", Name: "SAN JUAN DE LURIGANCHO"},
		{ID: 3, Department: "LIMA", Name: "HUARAL"},
		{ID: 4, Department: "PUNO", Name: "JULIACA"},
		{ID: 5, Department: "PUNO", Name: "XYZ"},
	}}
	g := &mockGeocoder{
		results: map[string]domain.GeocodingResult{
			"HUARAL":  {Lat: -11.5, Lon: -77.2, PlaceName: "Huaral, Lima, Perú", Confidence: 0.9},
			"JULIACA": {Lat: -15.5, Lon: -70.1, PlaceName: "Juliaca", Confidence: 0.2},
		},
		errs: map[string]error{"XYZ": errors.New("mapbox API error: status 500")},
	}

	stats, err := Backfill(context.Background(), s, c, g, false, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, BackfillStats{Updated: 2, Geocoded: 1, NotFound: 2}, stats)
	assert.Equal(t, [2]float64{-11.5, -77.2}, s.set[3])
	assert.NotContains(t, s.set, uint(4), "low confidence match ignored")
	assert.Equal(t, []string{"HUARAL", "JULIACA", "XYZ"}, g.calls, "catalog hits never reach the geocoder")
}

// --- mocks ---

type mockGeocoder struct {
	results map[string]domain.GeocodingResult
	errs    map[string]error
	calls   []string
}

func (m *mockGeocoder) ForwardGeocode(_ context.Context, location, _ string) (domain.GeocodingResult, error) {
	m.calls = append(m.calls, location)
	return m.results[location], m.errs[location]
}

type mockLocationStore struct {
	locations []domain.Location
	set       map[uint][2]float64
}

func (m *mockLocationStore) ListLocations(_ context.Context, _ string) ([]domain.Location, error) {
	return m.locations, nil
}

func (m *mockLocationStore) SetLocationCoordinates(_ context.Context, id uint, lat, lon float64) error {
	if m.set == nil {
		m.set = make(map[uint][2]float64)
	}
	m.set[id] = [2]float64{lat, lon}
	return nil
}
