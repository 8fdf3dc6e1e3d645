package domain

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a warning.
type Status string

const (
	StatusEmitido Status = "EMITIDO" // issued, not yet active
	StatusVigente Status = "VIGENTE" // active
	StatusVencido Status = "VENCIDO" // expired
)

// Active reports whether the status is EMITIDO or VIGENTE.
func (s Status) Active() bool {
	return s == StatusEmitido || s == StatusVigente
}

// Severity is the ordered warning level: none < yellow < orange < red.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityYellow Severity = "yellow"
	SeverityOrange Severity = "orange"
	SeverityRed    Severity = "red"
)

// Rank returns the ordinal of the severity, 0 for none and unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityYellow:
		return 1
	case SeverityOrange:
		return 2
	case SeverityRed:
		return 3
	default:
		return 0
	}
}

// Hazard is the meteorological phenomenon a warning is about.
type Hazard string

const (
	HazardRain        Hazard = "lluvia"
	HazardSnow        Hazard = "nieve"
	HazardFrost       Hazard = "heladas"
	HazardTemperature Hazard = "temperatura"
	HazardWind        Hazard = "viento"
	HazardWaves       Hazard = "oleaje"
	HazardOther       Hazard = "otro"
)

// RawWarning is a single warning as reported by one department fetch.
// UpstreamStatus is informational only.
type RawWarning struct {
	SenamhiID      int       `json:"senamhi_id"`
	Number         int       `json:"number"`
	Department     string    `json:"department"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Hazard         Hazard    `json:"hazard"`
	Severity       Severity  `json:"severity"`
	UpstreamStatus string    `json:"upstream_status,omitempty"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	IssuedAt       time.Time `json:"issued_at"`
}

// Warning is the canonical, deduplicated warning keyed by its number.
type Warning struct {
	Number      int       `json:"number"`
	SenamhiID   int       `json:"senamhi_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Hazard      Hazard    `json:"hazard"`
	Severity    Severity  `json:"severity"`
	Status      Status    `json:"status"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	IssuedAt    time.Time `json:"issued_at"`
	Departments []string  `json:"departments"`

	// Validity window the persisted geometries were synced for.
	GeometryFrom     *time.Time `json:"geometry_from,omitempty"`
	GeometryUntil    *time.Time `json:"geometry_until,omitempty"`
	GeometryComplete bool       `json:"geometry_complete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SameWindow reports whether the warning's validity window equals [from, until].
func (w Warning) SameWindow(from, until time.Time) bool {
	return w.ValidFrom.Equal(from) && w.ValidUntil.Equal(until)
}

// GeometrySynced reports whether complete geometries exist for the current
// validity window.
func (w Warning) GeometrySynced() bool {
	if w.GeometryFrom == nil || w.GeometryUntil == nil {
		return false
	}
	return w.GeometryComplete && w.SameWindow(*w.GeometryFrom, *w.GeometryUntil)
}

// ComputeStatus derives the lifecycle state from the validity window.
// Both bounds are inclusive.
func ComputeStatus(validFrom, validUntil, now time.Time) Status {
	switch {
	case now.Before(validFrom):
		return StatusEmitido
	case now.After(validUntil):
		return StatusVencido
	default:
		return StatusVigente
	}
}

// DaySpan returns the number of calendar days covered by [from, until],
// counting both ends. It is at least 1.
func DaySpan(from, until time.Time) int {
	from = from.In(PeruTime)
	until = until.In(PeruTime)
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(until.Year(), until.Month(), until.Day(), 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours()/24) + 1
	if days < 1 {
		return 1
	}
	return days
}

// ParseSeverity maps the upstream color label to a severity, falling back to
// the numeric level when the color is not recognized.
func ParseSeverity(color, level string) Severity {
	switch strings.ToUpper(strings.TrimSpace(color)) {
	case "VERDE":
		return SeverityNone
	case "AMARILLO":
		return SeverityYellow
	case "NARANJA":
		return SeverityOrange
	case "ROJO":
		return SeverityRed
	}
	switch strings.TrimSpace(level) {
	case "1":
		return SeverityNone
	case "2":
		return SeverityYellow
	case "3":
		return SeverityOrange
	case "4":
		return SeverityRed
	default:
		return SeverityYellow
	}
}

var hazardKeywords = []struct {
	keyword string
	hazard  Hazard
}{
	{"lluvia", HazardRain},
	{"precipitacion", HazardRain},
	{"nieve", HazardSnow},
	{"granizo", HazardSnow},
	{"helada", HazardFrost},
	{"friaje", HazardFrost},
	{"temperatura", HazardTemperature},
	{"viento", HazardWind},
	{"oleaje", HazardWaves},
}

// ClassifyHazard infers the hazard from a warning title.
func ClassifyHazard(title string) Hazard {
	t := strings.ToLower(FoldAccents(title))
	for _, k := range hazardKeywords {
		if strings.Contains(t, k.keyword) {
			return k.hazard
		}
	}
	return HazardOther
}

// UnionDepartments merges two department sets into a sorted, deduplicated slice.
func UnionDepartments(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	for i := range out {
		out[i] = NormalizeDepartment(out[i])
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}
