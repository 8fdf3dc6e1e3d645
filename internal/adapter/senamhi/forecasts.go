package senamhi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

var (
	// nameCityRe splits "SAN JUAN DE LURIGANCHO - LIMA" into location and department.
	nameCityRe = regexp.MustCompile(`^\s*(.+?)\s+-\s+(.+?)\s*$`)

	// dayRe matches "martes, 11 de noviembre".
	dayRe = regexp.MustCompile(`(\p{L}+),\s+(\d{1,2})\s+de\s+(\p{L}+)`)

	// issuedRe matches "Emisión: martes, 11 de noviembre del 2025".
	issuedRe = regexp.MustCompile(`(?i)emisi[oó]n:\s*\p{L}+,\s+(\d{1,2})\s+de\s+(\p{L}+)\s+del?\s+(\d{4})`)

	// temperatureRe matches "22ºC" and "-3 °C".
	temperatureRe = regexp.MustCompile(`(-?\d+)\s*[º°]\s*C`)
)

var monthsES = map[string]time.Month{
	"enero":      time.January,
	"febrero":    time.February,
	"marzo":      time.March,
	"abril":      time.April,
	"mayo":       time.May,
	"junio":      time.June,
	"julio":      time.July,
	"agosto":     time.August,
	"septiembre": time.September,
	"setiembre":  time.September,
	"octubre":    time.October,
	"noviembre":  time.November,
	"diciembre":  time.December,
}

// FetchForecasts returns the forecast blocks of every location of a
// department. The upstream page lists all departments at once, so the page
// is fetched and filtered.
func (c *Client) FetchForecasts(ctx context.Context, department string) ([]domain.RawForecast, error) {
	body, err := c.get(ctx, c.forecastURL, "forecast")
	if err != nil {
		return nil, err
	}
	dept := domain.NormalizeDepartment(department)
	return parseForecastPage(body, dept, c.clock.Now(), c.logger.With("department", dept))
}

func parseForecastPage(body []byte, department string, now time.Time, log *slog.Logger) ([]domain.RawForecast, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse forecast page: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, errors.New("forecast table not found")
	}

	issuedAt, err := parseIssuedDate(doc.Text())
	if err != nil {
		log.Warn("forecast issue date missing, using today", "error", err)
		issuedAt = domain.StartOfDay(now)
	}

	var out []domain.RawForecast
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cell := row.Find("td").First()
		fullName := strings.TrimSpace(cell.Find("span.nameCity").First().Text())
		if fullName == "" {
			return
		}
		m := nameCityRe.FindStringSubmatch(fullName)
		if m == nil {
			log.Warn("cannot parse forecast location", "name", fullName)
			return
		}
		if domain.NormalizeDepartment(m[2]) != department {
			return
		}

		forecast := domain.RawForecast{
			Department: department,
			Location:   strings.Join(strings.Fields(strings.ToUpper(m[1])), " "),
			IssuedAt:   issuedAt,
		}
		cell.Find("div.row.m-3").Each(func(_ int, dayRow *goquery.Selection) {
			day, err := parseDayRow(dayRow, issuedAt)
			if err != nil {
				log.Warn("skipping forecast row", "location", forecast.Location, "error", err)
				return
			}
			forecast.Days = append(forecast.Days, day)
		})
		if len(forecast.Days) == 0 {
			log.Warn("location has no forecast rows", "location", forecast.Location)
			return
		}
		out = append(out, forecast)
	})
	return out, nil
}

func parseDayRow(row *goquery.Selection, issuedAt time.Time) (domain.DailyForecast, error) {
	cols := row.Find("div[class*='col-sm-']")
	if cols.Length() < 5 {
		return domain.DailyForecast{}, fmt.Errorf("expected at least 5 columns, found %d", cols.Length())
	}

	dateText := strings.TrimSpace(cols.Eq(0).Text())
	target, err := parseForecastDate(dateText, issuedAt)
	if err != nil {
		return domain.DailyForecast{}, err
	}
	tmax, err := parseTemperature(cols.Eq(2).Text())
	if err != nil {
		return domain.DailyForecast{}, err
	}
	tmin, err := parseTemperature(cols.Eq(3).Text())
	if err != nil {
		return domain.DailyForecast{}, err
	}
	description := strings.Join(strings.Fields(cols.Eq(4).Text()), " ")
	icon := cols.Eq(1).Find("img").AttrOr("src", "")

	dayName := dateText
	if i := strings.Index(dateText, ","); i >= 0 {
		dayName = strings.TrimSpace(dateText[:i])
	}

	return domain.DailyForecast{
		TargetDate:  target,
		DayName:     dayName,
		TempMax:     tmax,
		TempMin:     tmin,
		Condition:   classifyCondition(icon, description),
		Description: description,
	}, nil
}

// parseForecastDate resolves "martes, 11 de noviembre" against the issue
// date; a month earlier than the issue month belongs to the next year.
func parseForecastDate(text string, issuedAt time.Time) (time.Time, error) {
	m := dayRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return time.Time{}, fmt.Errorf("cannot parse date from %q", text)
	}
	day, _ := strconv.Atoi(m[2])
	month, ok := monthsES[m[3]]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown month %q", m[3])
	}
	issued := issuedAt.In(domain.PeruTime)
	year := issued.Year()
	if month < issued.Month() {
		year++
	}
	return time.Date(year, month, day, 0, 0, 0, 0, domain.PeruTime), nil
}

func parseIssuedDate(text string) (time.Time, error) {
	m := issuedRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, errors.New("issue date not found")
	}
	day, _ := strconv.Atoi(m[1])
	month, ok := monthsES[strings.ToLower(m[2])]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown month %q", m[2])
	}
	year, _ := strconv.Atoi(m[3])
	return time.Date(year, month, day, 0, 0, 0, 0, domain.PeruTime), nil
}

func parseTemperature(text string) (int, error) {
	m := temperatureRe.FindStringSubmatch(text)
	if m == nil {
		return 0, fmt.Errorf("cannot parse temperature from %q", strings.TrimSpace(text))
	}
	return strconv.Atoi(m[1])
}

var conditionKeywords = []struct {
	keyword   string
	condition domain.Condition
}{
	{"tormenta", domain.ConditionStorm},
	{"electrica", domain.ConditionStorm},
	{"lluvia", domain.ConditionRain},
	{"llovizna", domain.ConditionRain},
	{"chubasco", domain.ConditionRain},
	{"parcial", domain.ConditionPartlyCloudy},
	{"nublado", domain.ConditionCloudy},
	{"cubierto", domain.ConditionCloudy},
	{"despejado", domain.ConditionClear},
	{"soleado", domain.ConditionClear},
}

// classifyCondition maps the icon file name, or failing that the
// description, to a condition label.
func classifyCondition(icon, description string) domain.Condition {
	for _, text := range []string{icon, description} {
		t := strings.ToLower(domain.FoldAccents(text))
		for _, k := range conditionKeywords {
			if strings.Contains(t, k.keyword) {
				return k.condition
			}
		}
	}
	return domain.ConditionUnknown
}
