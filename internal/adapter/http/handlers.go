package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
	"github.com/couchcryptid/senamhi-tracker-service/internal/jobs"
	"github.com/couchcryptid/senamhi-tracker-service/internal/store"
)

func (s *Server) listActiveWarnings(c *gin.Context) {
	warnings, err := s.api.ListActiveWarnings(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list active warnings")
		return
	}
	if warnings == nil {
		warnings = []domain.Warning{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(warnings),
		"items": warnings,
	})
}

func (s *Server) getWarning(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		badRequest(c, "warning number must be an integer")
		return
	}
	w, err := s.api.GetWarning(c.Request.Context(), number)
	if err != nil {
		s.fail(c, err, "failed to get warning")
		return
	}
	c.JSON(http.StatusOK, w)
}

// getGeometry serves a warning's polygons as a GeoJSON FeatureCollection,
// one feature per polygon record.
func (s *Server) getGeometry(c *gin.Context) {
	ctx := c.Request.Context()
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		badRequest(c, "warning number must be an integer")
		return
	}
	day, ok := dayQuery(c)
	if !ok {
		return
	}

	w, err := s.api.GetWarning(ctx, number)
	if err != nil {
		s.fail(c, err, "failed to get warning")
		return
	}
	records, err := s.api.GetGeometries(ctx, number, day)
	if err != nil {
		s.fail(c, err, "failed to get geometries")
		return
	}

	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(records))}
	s.appendFeatures(fc, w, records)
	s.writeFeatures(c, fc)
}

// activeGeometry serves the polygons of every active warning as one
// FeatureCollection.
func (s *Server) activeGeometry(c *gin.Context) {
	day, ok := dayQuery(c)
	if !ok {
		return
	}
	list, err := s.api.ActiveGeometries(c.Request.Context(), day)
	if err != nil {
		s.fail(c, err, "failed to get active geometries")
		return
	}

	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for _, wg := range list {
		s.appendFeatures(fc, wg.Warning, wg.Records)
	}
	s.writeFeatures(c, fc)
}

// dayQuery parses the optional ?day= filter, answering 400 when it is not
// an integer.
func dayQuery(c *gin.Context) (*int, bool) {
	v := c.Query("day")
	if v == "" {
		return nil, true
	}
	d, err := strconv.Atoi(v)
	if err != nil {
		badRequest(c, "day must be an integer")
		return nil, false
	}
	return &d, true
}

// appendFeatures adds one feature per record. Records whose stored geometry
// does not parse are logged and left out.
func (s *Server) appendFeatures(fc *geojson.FeatureCollection, w domain.Warning, records []domain.GeometryRecord) {
	for _, r := range records {
		var g geom.T
		if err := geojson.Unmarshal(r.Geometry, &g); err != nil {
			s.logger.Warn("stored geometry is not valid GeoJSON",
				"warning_number", w.Number, "day", r.Day, "geometry_id", r.ID, "error", err)
			continue
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         strconv.FormatUint(uint64(r.ID), 10),
			Geometry:   g,
			Properties: featureProperties(w, r),
		})
	}
}

func (s *Server) writeFeatures(c *gin.Context, fc *geojson.FeatureCollection) {
	body, err := fc.MarshalJSON()
	if err != nil {
		s.fail(c, err, "failed to encode geometries")
		return
	}
	c.Data(http.StatusOK, "application/geo+json", body)
}

func featureProperties(w domain.Warning, r domain.GeometryRecord) map[string]any {
	return map[string]any{
		"warning_number": w.Number,
		"day_number":     r.Day,
		"nivel":          r.Level,
		"title":          w.Title,
		"severity":       w.Severity,
		"status":         w.Status,
		"departments":    w.Departments,
		"valid_from":     w.ValidFrom.Format(time.RFC3339),
		"valid_until":    w.ValidUntil.Format(time.RFC3339),
		"issued_at":      w.IssuedAt.Format(time.RFC3339),
	}
}

func (s *Server) listLocations(c *gin.Context) {
	locations, err := s.api.ListLocations(c.Request.Context(), c.Query("department"))
	if err != nil {
		s.fail(c, err, "failed to list locations")
		return
	}
	if locations == nil {
		locations = []domain.Location{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(locations),
		"items": locations,
	})
}

func (s *Server) latestForecasts(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "location id must be a positive integer")
		return
	}
	forecasts, err := s.api.LatestForecasts(c.Request.Context(), uint(id))
	if err != nil {
		s.fail(c, err, "failed to get forecasts")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"location_id": id,
		"items":       forecasts,
	})
}

// forecastHistory answers ?date=YYYY-MM-DD with every issue that forecast
// that day, oldest first.
func (s *Server) forecastHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "location id must be a positive integer")
		return
	}
	date, err := time.ParseInLocation(time.DateOnly, c.Query("date"), domain.PeruTime)
	if err != nil {
		badRequest(c, "date must be formatted as YYYY-MM-DD")
		return
	}
	forecasts, err := s.api.ForecastHistory(c.Request.Context(), uint(id), date)
	if err != nil {
		s.fail(c, err, "failed to get forecast history")
		return
	}
	if forecasts == nil {
		forecasts = []domain.Forecast{}
	}
	c.JSON(http.StatusOK, gin.H{
		"location_id": id,
		"date":        date.Format(time.DateOnly),
		"count":       len(forecasts),
		"items":       forecasts,
	})
}

func (s *Server) listRuns(c *gin.Context) {
	f := store.RunFilter{
		Kind:   domain.JobKind(c.Query("kind")),
		Status: domain.RunStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}
	list, err := s.api.ListRuns(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, "failed to list runs")
		return
	}
	if list == nil {
		list = []domain.ScrapeRun{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(list),
		"items": list,
	})
}

func (s *Server) jobStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.api.JobStatus()})
}

// triggerJob accepts ?force=true and ?departments=LIMA,CUSCO and answers
// 202 with the opened run.
func (s *Server) triggerJob(c *gin.Context) {
	kind, err := domain.ParseJobKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		badRequest(c, "force must be a boolean")
		return
	}
	var departments []string
	for _, d := range strings.Split(c.Query("departments"), ",") {
		if d = strings.TrimSpace(d); d != "" {
			departments = append(departments, d)
		}
	}

	run, err := s.api.TriggerJob(c.Request.Context(), kind, jobs.Options{Force: force, Departments: departments})
	if err != nil {
		s.fail(c, err, "failed to trigger job")
		return
	}
	c.JSON(http.StatusAccepted, run)
}
