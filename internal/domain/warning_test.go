package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pet(day, hour int) time.Time {
	return time.Date(2025, 11, day, hour, 0, 0, 0, PeruTime)
}

func TestComputeStatus(t *testing.T) {
	from, until := pet(19, 10), pet(21, 23)

	tests := []struct {
		name string
		now  time.Time
		want Status
	}{
		{"before window", pet(19, 9), StatusEmitido},
		{"at start", from, StatusVigente},
		{"inside", pet(20, 12), StatusVigente},
		{"at end", until, StatusVigente},
		{"after window", until.Add(time.Second), StatusVencido},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStatus(from, until, tt.now))
		})
	}
}

func TestDaySpan(t *testing.T) {
	assert.Equal(t, 3, DaySpan(pet(19, 10), pet(21, 23)))
	assert.Equal(t, 1, DaySpan(pet(19, 0), pet(19, 23)))
	assert.Equal(t, 1, DaySpan(pet(21, 0), pet(19, 0)), "inverted window is one day")

	// 04:00 UTC on the 19th is still the 18th in Peru.
	from := time.Date(2025, 11, 19, 4, 0, 0, 0, time.UTC)
	until := time.Date(2025, 11, 19, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 2, DaySpan(from, until))
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityOrange, ParseSeverity(" naranja ", ""))
	assert.Equal(t, SeverityRed, ParseSeverity("ROJO", "2"))
	assert.Equal(t, SeverityNone, ParseSeverity("VERDE", ""))
	assert.Equal(t, SeverityRed, ParseSeverity("", "4"))
	assert.Equal(t, SeverityNone, ParseSeverity("AZUL", "1"))
	assert.Equal(t, SeverityYellow, ParseSeverity("", ""))
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityNone.Rank(), SeverityYellow.Rank())
	assert.Less(t, SeverityYellow.Rank(), SeverityOrange.Rank())
	assert.Less(t, SeverityOrange.Rank(), SeverityRed.Rank())
	assert.Zero(t, Severity("purple").Rank())
}

func TestClassifyHazard(t *testing.T) {
	tests := map[string]Hazard{
		"Lluvias de moderada a fuerte intensidad":   HazardRain,
		"Precipitación sólida en la sierra":         HazardRain,
		"Nieve y granizo en la sierra sur":          HazardSnow,
		"Heladas meteorológicas en la sierra":       HazardFrost,
		"Friaje en la selva":                        HazardFrost,
		"Incremento de temperatura diurna":          HazardTemperature,
		"Incremento de viento en la costa":          HazardWind,
		"Oleaje anómalo":                            HazardWaves,
		"Lluvia y descenso de temperatura nocturna": HazardRain,
		"Niebla densa":                              HazardOther,
	}
	for title, want := range tests {
		assert.Equal(t, want, ClassifyHazard(title), title)
	}
}

func TestStatusActive(t *testing.T) {
	assert.True(t, StatusEmitido.Active())
	assert.True(t, StatusVigente.Active())
	assert.False(t, StatusVencido.Active())
}

func TestWarningGeometrySynced(t *testing.T) {
	from, until := pet(19, 10), pet(21, 23)
	w := Warning{ValidFrom: from, ValidUntil: until}
	assert.False(t, w.GeometrySynced())

	w.GeometryFrom, w.GeometryUntil = &from, &until
	assert.False(t, w.GeometrySynced(), "incomplete set")

	w.GeometryComplete = true
	assert.True(t, w.GeometrySynced())

	w.ValidUntil = pet(22, 23)
	assert.False(t, w.GeometrySynced(), "window moved")
}

func TestUnionDepartments(t *testing.T) {
	got := UnionDepartments([]string{"puno", "Cusco"}, []string{"CUSCO", "", " Apurímac "})
	assert.Equal(t, []string{"APURIMAC", "CUSCO", "PUNO"}, got)
	assert.Empty(t, UnionDepartments(nil, nil))
}
