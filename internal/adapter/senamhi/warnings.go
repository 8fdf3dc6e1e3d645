package senamhi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

// warningTimeLayout is the upstream "DD/MM/YYYY HH:MM:SS" format.
const warningTimeLayout = "02/01/2006 15:04:05"

// FetchWarnings returns the warnings currently published for a department.
// Forest fire bulletins are not meteorological warnings and are dropped.
func (c *Client) FetchWarnings(ctx context.Context, department string) ([]domain.RawWarning, error) {
	dept := domain.NormalizeDepartment(department)
	code, ok := domain.DepartmentCode(dept)
	if !ok {
		return nil, fmt.Errorf("unknown department %q", department)
	}

	body, err := c.get(ctx, c.warningsAPI+"/"+code, "warning")
	if err != nil {
		return nil, err
	}
	return parseWarnings(body, dept, c.logger.With("department", dept))
}

func parseWarnings(body []byte, department string, log *slog.Logger) ([]domain.RawWarning, error) {
	var resp avisosResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}

	out := make([]domain.RawWarning, 0, len(resp.Avisos))
	for _, a := range resp.Avisos {
		if strings.Contains(strings.ToLower(a.Titulo), "incendios forestales") {
			continue
		}
		w, err := a.toRaw(department)
		if err != nil {
			log.Warn("skipping unparseable warning", "warning_number", string(a.Numero), "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (a aviso) toRaw(department string) (domain.RawWarning, error) {
	number, err := strconv.Atoi(string(a.Numero))
	if err != nil {
		return domain.RawWarning{}, fmt.Errorf("parse numero %q: %w", a.Numero, err)
	}
	issued, err := parseWarningTime(a.FechaEmision)
	if err != nil {
		return domain.RawWarning{}, fmt.Errorf("parse fechaEmision: %w", err)
	}
	from, err := parseWarningTime(a.FechaInicio)
	if err != nil {
		return domain.RawWarning{}, fmt.Errorf("parse fechaInicio: %w", err)
	}
	until, err := parseWarningTime(a.FechaFin)
	if err != nil {
		return domain.RawWarning{}, fmt.Errorf("parse fechaFin: %w", err)
	}
	if until.Before(from) {
		return domain.RawWarning{}, fmt.Errorf("validity ends %s before it starts %s", a.FechaFin, a.FechaInicio)
	}
	senamhiID, _ := strconv.Atoi(string(a.ID))

	return domain.RawWarning{
		SenamhiID:      senamhiID,
		Number:         number,
		Department:     department,
		Title:          strings.TrimSpace(a.Titulo),
		Description:    strings.TrimSpace(a.Descripcion),
		Hazard:         domain.ClassifyHazard(a.Titulo),
		Severity:       domain.ParseSeverity(a.ColorNivel, string(a.Nivel)),
		UpstreamStatus: a.Estado,
		ValidFrom:      from,
		ValidUntil:     until,
		IssuedAt:       issued,
	}, nil
}

func parseWarningTime(s string) (time.Time, error) {
	return time.ParseInLocation(warningTimeLayout, strings.TrimSpace(s), domain.PeruTime)
}

// SENAMHI warnings API response types.

type avisosResponse struct {
	Avisos []aviso `json:"Avisos"`
}

type aviso struct {
	ID           flexString `json:"id"`
	Numero       flexString `json:"numero"`
	Titulo       string     `json:"titulo"`
	Descripcion  string     `json:"descripcion"`
	FechaEmision string     `json:"fechaEmision"`
	FechaInicio  string     `json:"fechaInicio"`
	FechaFin     string     `json:"fechaFin"`
	Nivel        flexString `json:"nivel"`
	ColorNivel   string     `json:"colorNivel"`
	Estado       string     `json:"estado"`
}

// flexString accepts both JSON strings and numbers; the API is not
// consistent about which one it sends for numeric fields.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(b)
	return nil
}
