// Package normalizer implements the Field Normalizer (spec §4.5): a pure,
// deterministic transform from the provider's raw, loosely-typed field shape
// into the internal tagged-variant Field representation, plus the date
// disambiguation rules the post-processor's naming template depends on.
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"extraction-worker/internal/core/domain"
)

// valueKeys is the known set of keys a scalar value may be nested under,
// tried in order (spec §4.5 "Input tolerance"). dateValueKeys are the subset
// that mark the nested value as a date needing normalization rather than a
// plain scalar pass-through.
var valueKeys = []string{"value", "content", "text", "valueString", "valueDate", "valueData", "date"}
var dateValueKeys = map[string]bool{"valueDate": true, "date": true}

// dateFieldNames are top-level field names the provider is known to emit as
// dates regardless of how the raw value is shaped; naming (§4.4) and the
// summary table (§4.6) both depend on these carrying Kind == FieldDate.
var dateFieldNames = map[string]bool{"Date": true, "DueDate": true, "InvoiceDate": true}

// NormalizeFieldMap converts the provider's raw field map into the uniform
// internal shape. Unknown top-level keys are preserved as scalars so the
// packager's allow/deny-list can still select on name.
func NormalizeFieldMap(raw map[string]interface{}) domain.FieldMap {
	out := make(domain.FieldMap, len(raw))
	for name, v := range raw {
		out[name] = normalizeNamedValue(name, v)
	}
	return out
}

// normalizeNamedValue is NormalizeValue with the field's own name in scope,
// so a recognized date field name routes through NormalizeDateField even
// when the raw shape carries no explicit kind/key hint.
func normalizeNamedValue(name string, v interface{}) domain.Field {
	m, isMap := v.(map[string]interface{})
	if isMap {
		if kind, _ := m["kind"].(string); kind != "" {
			switch kind {
			case "selectionMark":
				state, _ := m["state"].(string)
				selected := strings.EqualFold(state, "selected") || strings.EqualFold(state, "yes") || strings.EqualFold(state, "true")
				return domain.Field{
					Kind:   domain.FieldSelection,
					Bool:   selected,
					Scalar: selectionLabel(selected),
				}
			case "signature":
				state, _ := m["state"].(string)
				signed := strings.EqualFold(state, "signed") || strings.EqualFold(state, "true") || state == ""
				if _, hasState := m["state"]; !hasState {
					// absence of an explicit state is treated as unsigned,
					// matching the conservative default for a missing mark.
					signed = false
				}
				return domain.Field{
					Kind:   domain.FieldSignature,
					Bool:   signed,
					Scalar: signatureLabel(signed),
				}
			case "date":
				for _, key := range valueKeys {
					if nested, ok := m[key]; ok {
						return NormalizeDateField(toTrimmedString(firstIfArray(nested)))
					}
				}
			}
		}
		for _, key := range valueKeys {
			if nested, ok := m[key]; ok {
				if dateValueKeys[key] || dateFieldNames[name] {
					return NormalizeDateField(toTrimmedString(firstIfArray(nested)))
				}
				return scalarField(firstIfArray(nested))
			}
		}
	}
	if dateFieldNames[name] {
		return NormalizeDateField(toTrimmedString(firstIfArray(v)))
	}
	return scalarField(firstIfArray(v))
}

// NormalizeValue normalizes one raw field value, handling the selectionMark
// and signature kinds and the nested-value-key tolerance rule, with no
// field-name context (used where the caller has no top-level key, e.g.
// re-normalizing a single already-extracted value).
func NormalizeValue(v interface{}) domain.Field {
	return normalizeNamedValue("", v)
}

func selectionLabel(selected bool) string {
	if selected {
		return "Yes"
	}
	return "No"
}

func signatureLabel(signed bool) string {
	if signed {
		return "Signed"
	}
	return "Not Signed"
}

// firstIfArray returns element 0 of v when v is a slice, else v unchanged.
func firstIfArray(v interface{}) interface{} {
	if arr, ok := v.([]interface{}); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return v
}

// scalarField builds a plain Field from a loosely-typed scalar, trimming and
// de-quoting strings per the "Numeric/text pass-through" rule.
func scalarField(v interface{}) domain.Field {
	s := toTrimmedString(v)
	return domain.Field{Kind: domain.FieldScalar, Scalar: s}
}

func toTrimmedString(v interface{}) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		s = fmt.Sprintf("%v", t)
	}
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return strings.TrimSpace(s)
}

// --- Date normalization (spec §4.5) ---

const excelEpochOffsetDays = 25569 // days between 1899-12-30 and 1970-01-01

var (
	isoDateRe      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})(?:[T ].*)?$`)
	slashISODateRe = regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})$`)
	usEuDateRe     = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4})$`)
	compressedRe   = regexp.MustCompile(`^\d{3,5}$`)
	monthNames     = map[string]int{
		"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6,
		"july": 7, "august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "jun": 6, "jul": 7, "aug": 8,
		"sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
	}
	monthNameRe = regexp.MustCompile(`(?i)^([A-Za-z]+)\s+(\d{1,2}),?\s+(\d{4})$`)
	dayMonthRe  = regexp.MustCompile(`(?i)^(\d{1,2})\s+([A-Za-z]+)\s+(\d{4})$`)
)

// NormalizeDate applies the spec's ambiguity rule (ISO, then US if day≤12,
// then EU) across the recognized input shapes, returning a YYYY-MM-DD
// string and true on success. Unparseable input returns ("", false); the
// caller is responsible for the "pass through as today's date for naming,
// surfaced as the original literal elsewhere" behavior.
func NormalizeDate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	if m := isoDateRe.FindStringSubmatch(s); m != nil {
		return formatYMD(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := slashISODateRe.FindStringSubmatch(s); m != nil {
		return formatYMD(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := monthNameRe.FindStringSubmatch(s); m != nil {
		if mo, ok := monthNames[strings.ToLower(m[1])]; ok {
			return formatYMD(atoi(m[3]), mo, atoi(m[2]))
		}
	}
	if m := dayMonthRe.FindStringSubmatch(s); m != nil {
		if mo, ok := monthNames[strings.ToLower(m[2])]; ok {
			return formatYMD(atoi(m[3]), mo, atoi(m[1]))
		}
	}
	if m := usEuDateRe.FindStringSubmatch(s); m != nil {
		a, b, year := atoi(m[1]), atoi(m[2]), atoi(m[3])
		// prefer US (MM/DD/YYYY) when the first component is a valid month
		// and, per the ambiguity rule, only falls back to EU when day>12.
		if a <= 12 {
			return formatYMD(year, a, b)
		}
		if b <= 12 {
			return formatYMD(year, b, a)
		}
		return "", false
	}
	if compressedRe.MatchString(s) {
		if ymd, ok := decodeCompressedNumeric(s); ok {
			return ymd, true
		}
	}
	if serial, err := strconv.Atoi(s); err == nil && serial >= 40000 && serial <= 50000 {
		return excelSerialToDate(serial), true
	}

	return "", false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// formatYMD validates the triple and returns it as YYYY-MM-DD.
func formatYMD(year, month, day int) (string, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1000 || year > 9999 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

// decodeCompressedNumeric decodes a 3-5 digit run as M[D[D]]YY with
// plausibility range 2000-2099 (spec §4.5).
func decodeCompressedNumeric(s string) (string, bool) {
	for _, yearDigits := range []int{2} {
		bodyLen := len(s) - yearDigits
		if bodyLen < 1 || bodyLen > 3 {
			continue
		}
		body := s[:bodyLen]
		yy := atoi(s[bodyLen:])
		year := 2000 + yy
		if year < 2000 || year > 2099 {
			continue
		}
		switch len(body) {
		case 1: // M
			if ymd, ok := formatYMD(year, atoi(body), 1); ok {
				return ymd, true
			}
		case 2: // MD (month,day); no other reading of two digits is tried
			month := atoi(body[:1])
			day := atoi(body[1:])
			if ymd, ok := formatYMD(year, month, day); ok {
				return ymd, true
			}
		case 3: // MDD or MMD; prefer single-digit month + 2-digit day
			month := atoi(body[:1])
			day := atoi(body[1:])
			if ymd, ok := formatYMD(year, month, day); ok {
				return ymd, true
			}
			month = atoi(body[:2])
			day = atoi(body[2:])
			if ymd, ok := formatYMD(year, month, day); ok {
				return ymd, true
			}
		}
	}
	return "", false
}

// excelSerialToDate converts an Excel 1900-epoch serial date number
// (offset from 1899-12-30) to YYYY-MM-DD.
func excelSerialToDate(serial int) string {
	unixDays := serial - excelEpochOffsetDays
	t := time.Unix(int64(unixDays)*86400, 0).UTC()
	return t.Format("2006-01-02")
}

// NormalizeDateField is a convenience wrapper producing a tagged Date field;
// when the raw literal cannot be parsed, Kind is still FieldDate but Date is
// empty and Raw carries the original literal (spec: "surfaced as the
// original literal to the user where appropriate").
func NormalizeDateField(raw string) domain.Field {
	if ymd, ok := NormalizeDate(raw); ok {
		return domain.Field{Kind: domain.FieldDate, Date: ymd, Raw: raw}
	}
	return domain.Field{Kind: domain.FieldDate, Raw: raw}
}
