// Package domain models SENAMHI (Servicio Nacional de Meteorología e
// Hidrología del Perú) forecasts and meteorological hazard warnings.
//
// # Data Sources
//
// Forecasts are published as a single HTML page listing every forecast
// location as "LOCATION - DEPARTMENT" followed by up to seven daily rows
// (date, icon, max, min, description). Warnings are served as JSON per
// department by the "avisoMeteoroCabEmergencia" API, addressed by a two digit
// department code (see [DepartmentCode]). Each warning day has a polygon
// archive (zipped shapefile) on the SENAMHI geoserver.
//
// # Warning Conventions
//
// Time format:
//
//	"DD/MM/YYYY HH:MM:SS" in Peru local time (UTC-5, no DST),
//	e.g. "19/11/2025 10:00:00".
//
// Severity ("colorNivel", with "nivel" as fallback):
//
//	VERDE    → none   (nivel 1)
//	AMARILLO → yellow (nivel 2)
//	NARANJA  → orange (nivel 3)
//	ROJO     → red    (nivel 4)
//	anything else defaults to yellow.
//
// Status is never taken from upstream. It is recomputed from the validity
// window against the current time by [ComputeStatus]:
//
//	now <  valid_from               → EMITIDO
//	valid_from <= now <= valid_until → VIGENTE
//	now >  valid_until              → VENCIDO
//
// A warning published for N departments is one logical warning with an
// affected-department set. The set only grows.
//
// # Geometry Days
//
// A warning valid from 19/11 to 21/11 spans three calendar days and so has
// three geometry archives (day 1, 2, 3). See [DaySpan].
package domain
