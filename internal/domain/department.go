package domain

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// PeruTime is the fixed UTC-5 offset upstream timestamps are expressed in.
var PeruTime = time.FixedZone("PET", -5*60*60)

// departmentCodes maps department names to the codes used by the warnings API.
var departmentCodes = map[string]string{
	"AMAZONAS":      "01",
	"ANCASH":        "02",
	"APURIMAC":      "03",
	"AREQUIPA":      "04",
	"AYACUCHO":      "05",
	"CAJAMARCA":     "06",
	"CALLAO":        "07",
	"CUSCO":         "08",
	"HUANCAVELICA":  "09",
	"HUANUCO":       "10",
	"ICA":           "11",
	"JUNIN":         "12",
	"LA LIBERTAD":   "13",
	"LAMBAYEQUE":    "14",
	"LIMA":          "15",
	"LORETO":        "16",
	"MADRE DE DIOS": "17",
	"MOQUEGUA":      "18",
	"PASCO":         "19",
	"PIURA":         "20",
	"PUNO":          "21",
	"SAN MARTIN":    "22",
	"TACNA":         "23",
	"TUMBES":        "24",
	"UCAYALI":       "25",
}

// Departments returns every known department name in code order.
func Departments() []string {
	out := make([]string, len(departmentCodes))
	for name, code := range departmentCodes {
		idx := int(code[0]-'0')*10 + int(code[1]-'0') - 1
		out[idx] = name
	}
	return out
}

// DepartmentCode returns the two digit API code for a department name.
func DepartmentCode(name string) (string, bool) {
	code, ok := departmentCodes[NormalizeDepartment(name)]
	return code, ok
}

// NormalizeDepartment upper-cases, strips accents and collapses whitespace,
// so "Apurímac" and " APURIMAC " compare equal.
func NormalizeDepartment(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(FoldAccents(name))), " ")
}

// FoldAccents removes combining marks, e.g. "Junín" -> "Junin".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
