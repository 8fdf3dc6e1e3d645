package senamhi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

const forecastHTML = `<html><body>
<p class="fecha">Emisión: martes, 30 de diciembre del 2025</p>
<table>
  <tr>
    <td>
      <span class="nameCity">SAN JUAN DE LURIGANCHO - LIMA</span>
      <div class="row m-3">
        <div class="col-sm-3">martes, 30 de diciembre</div>
        <div class="col-sm-2"><img src="/img/iconos/nublado-parcial.png"></div>
        <div class="col-sm-2">27ºC</div>
        <div class="col-sm-2">19ºC</div>
        <div class="col-sm-3">Cielo nublado parcial por la tarde</div>
      </div>
      <div class="row m-3">
        <div class="col-sm-3">miércoles, 31 de diciembre</div>
        <div class="col-sm-2"><img src="/img/iconos/despejado.png"></div>
        <div class="col-sm-2">28ºC</div>
        <div class="col-sm-2">20ºC</div>
        <div class="col-sm-3">Cielo despejado</div>
      </div>
      <div class="row m-3">
        <div class="col-sm-3">jueves, 1 de enero</div>
        <div class="col-sm-2"><img src="/img/iconos/lluvia.png"></div>
        <div class="col-sm-2">26ºC</div>
        <div class="col-sm-2">18ºC</div>
        <div class="col-sm-3">Lluvia ligera</div>
      </div>
      <div class="row m-3">
        <div class="col-sm-3">viernes</div>
        <div class="col-sm-2"></div>
      </div>
    </td>
  </tr>
  <tr>
    <td>
      <span class="nameCity">CUSCO - CUSCO</span>
      <div class="row m-3">
        <div class="col-sm-3">martes, 30 de diciembre</div>
        <div class="col-sm-2"><img src="/img/iconos/tormenta.png"></div>
        <div class="col-sm-2">20ºC</div>
        <div class="col-sm-2">-2ºC</div>
        <div class="col-sm-3">Tormentas</div>
      </div>
    </td>
  </tr>
  <tr><th>cabecera</th></tr>
</table>
</body></html>`

func TestClient_FetchForecasts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pronostico", r.URL.Path)
		_, _ = io.WriteString(w, forecastHTML)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).FetchForecasts(context.Background(), "lima")
	require.NoError(t, err)
	require.Len(t, got, 1)

	f := got[0]
	assert.Equal(t, "LIMA", f.Department)
	assert.Equal(t, "SAN JUAN DE LURIGANCHO", f.Location)
	assert.True(t, f.IssuedAt.Equal(time.Date(2025, 12, 30, 0, 0, 0, 0, domain.PeruTime)))
	require.Len(t, f.Days, 3, "the incomplete row is skipped")

	assert.Equal(t, "martes", f.Days[0].DayName)
	assert.Equal(t, 27, f.Days[0].TempMax)
	assert.Equal(t, 19, f.Days[0].TempMin)
	assert.Equal(t, domain.ConditionPartlyCloudy, f.Days[0].Condition)
	assert.Equal(t, "Cielo nublado parcial por la tarde", f.Days[0].Description)

	assert.Equal(t, domain.ConditionClear, f.Days[1].Condition)

	assert.True(t, f.Days[2].TargetDate.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, domain.PeruTime)), "January rolls into the next year")
	assert.Equal(t, domain.ConditionRain, f.Days[2].Condition)
}

func TestClient_FetchForecasts_OtherDepartment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, forecastHTML)
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).FetchForecasts(context.Background(), "CUSCO")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, -2, got[0].Days[0].TempMin)
	assert.Equal(t, domain.ConditionStorm, got[0].Days[0].Condition)
}

func TestClient_FetchForecasts_NoTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html><body>sin datos</body></html>")
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchForecasts(context.Background(), "LIMA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forecast table not found")
}

func TestParseIssuedDate_Missing(t *testing.T) {
	_, err := parseIssuedDate("pronóstico sin fecha")
	require.Error(t, err)
}

func TestParseTemperature(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"22ºC", 22},
		{" -3 °C ", -3},
		{"Máx. 31ºC", 31},
	}
	for _, tt := range tests {
		got, err := parseTemperature(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseTemperature("N/D")
	require.Error(t, err)
}

func TestClassifyCondition(t *testing.T) {
	assert.Equal(t, domain.ConditionCloudy, classifyCondition("/img/cubierto.png", ""))
	assert.Equal(t, domain.ConditionRain, classifyCondition("", "Llovizna dispersa"))
	assert.Equal(t, domain.ConditionStorm, classifyCondition("", "Tormenta eléctrica"))
	assert.Equal(t, domain.ConditionUnknown, classifyCondition("/img/x.png", "Niebla"))
}
