// Package shapefile decodes zipped ESRI shapefiles published by the SENAMHI
// geoserver into GeoJSON MultiPolygons.
package shapefile

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// ErrMalformedArchive is returned when the archive is not a readable zip or
// lacks one of the .shp, .shx and .dbf members.
var ErrMalformedArchive = errors.New("malformed shapefile archive")

// DefaultLevel is used when a feature has no parseable "nivel" attribute.
const DefaultLevel = 1

var levelRe = regexp.MustCompile(`\d+`)

var requiredMembers = []string{".shp", ".shx", ".dbf"}

// Decoder turns shapefile archives into polygons. go-shp reads archives from
// disk, so each call stages the bytes in a temporary file under TempDir.
type Decoder struct {
	TempDir string
}

// NewDecoder returns a decoder staging archives in tempDir ("" uses the OS default).
func NewDecoder(tempDir string) *Decoder {
	return &Decoder{TempDir: tempDir}
}

// Decode returns one polygon per feature. Features that are not polygons are
// ignored; an archive without any polygon yields an empty slice. Corrupt
// members that make the shapefile reader panic are reported as
// ErrMalformedArchive.
func (d *Decoder) Decode(data []byte) (polygons []domain.DecodedPolygon, err error) {
	defer func() {
		if r := recover(); r != nil {
			polygons, err = nil, fmt.Errorf("%w: %v", ErrMalformedArchive, r)
		}
	}()

	if err := validateArchive(data); err != nil {
		return nil, err
	}

	path, cleanup, err := d.stage(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	r, err := shp.OpenZip(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	defer r.Close()

	levelField := -1
	for i, f := range r.Fields() {
		if strings.EqualFold(strings.TrimSpace(f.String()), "nivel") {
			levelField = i
			break
		}
	}

	var out []domain.DecodedPolygon
	for r.Next() {
		n, shape := r.Shape()
		rings := polygonRings(shape)
		if len(rings) == 0 {
			continue
		}
		level := DefaultLevel
		if levelField >= 0 {
			level = ParseLevel(r.Attribute(levelField))
		}
		geometry, err := encodeMultiPolygon(rings)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", n, err)
		}
		out = append(out, domain.DecodedPolygon{Level: level, Geometry: geometry})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	return out, nil
}

func (d *Decoder) stage(data []byte) (string, func(), error) {
	f, err := os.CreateTemp(d.TempDir, "aviso-*.zip")
	if err != nil {
		return "", nil, fmt.Errorf("stage archive: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("stage archive: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("stage archive: %w", err)
	}
	return f.Name(), cleanup, nil
}

func validateArchive(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}
	present := make(map[string]bool, len(zr.File))
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if i := strings.LastIndex(name, "."); i >= 0 {
			present[name[i:]] = true
		}
	}
	for _, ext := range requiredMembers {
		if !present[ext] {
			return fmt.Errorf("%w: missing %s member", ErrMalformedArchive, ext)
		}
	}
	return nil
}

// ParseLevel extracts the warning level from attribute values such as
// "Nivel 3" or "3", falling back to DefaultLevel.
func ParseLevel(value string) int {
	m := levelRe.FindString(value)
	if m == "" {
		return DefaultLevel
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 {
		return DefaultLevel
	}
	return n
}

// polygonRings splits a polygon shape into its rings.
func polygonRings(shape shp.Shape) [][]shp.Point {
	var parts []int32
	var points []shp.Point
	switch s := shape.(type) {
	case *shp.Polygon:
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		parts, points = s.Parts, s.Points
	default:
		return nil
	}

	rings := make([][]shp.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || end-start < 4 {
			continue
		}
		rings = append(rings, points[start:end])
	}
	return rings
}

// encodeMultiPolygon groups rings into polygons and marshals them as a
// GeoJSON MultiPolygon. Shapefile outer rings are clockwise; each
// counter-clockwise ring is a hole of the preceding outer ring.
func encodeMultiPolygon(rings [][]shp.Point) ([]byte, error) {
	var polygons [][][]geom.Coord
	for _, ring := range rings {
		coords := make([]geom.Coord, len(ring))
		for i, p := range ring {
			coords[i] = geom.Coord{p.X, p.Y}
		}
		if signedArea(ring) > 0 && len(polygons) > 0 {
			last := len(polygons) - 1
			polygons[last] = append(polygons[last], coords)
			continue
		}
		polygons = append(polygons, [][]geom.Coord{coords})
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for _, rings := range polygons {
		p, err := geom.NewPolygon(geom.XY).SetCoords(rings)
		if err != nil {
			return nil, fmt.Errorf("build polygon: %w", err)
		}
		if err := mp.Push(p); err != nil {
			return nil, fmt.Errorf("build multipolygon: %w", err)
		}
	}
	return geojson.Marshal(mp)
}

// signedArea is the shoelace area; positive for counter-clockwise rings.
func signedArea(ring []shp.Point) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i].X*ring[i+1].Y - ring[i+1].X*ring[i].Y
	}
	return sum / 2
}
