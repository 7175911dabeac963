package bitrix

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Value normalization for deal user fields.
//
// Bitrix24 is strict about the wire representation of typed UF values:
// enumeration fields take numeric choice ids, booleans take Y/N, datetimes
// take ISO-8601 with an explicit offset. Normalization is deliberately
// fail-open: a value that cannot be coerced is sent as-is and the API (or
// the post-write verification) surfaces the problem for that one field,
// instead of the whole record failing.

var (
	offsetRe       = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)
	dateRe         = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRe     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})$`)
	dateTimeZoneRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(Z|[+-]\d{2}:\d{2})$`)
	datePrefixRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[ T]\d{2}:\d{2}:\d{2}(Z|[+-]\d{2}:\d{2})?$`)
	numeralRe      = regexp.MustCompile(`^\d+$`)
)

// ParseOffset validates a ±HH:MM UTC offset string, returning the fallback
// default when the input is malformed or empty.
func ParseOffset(offset string) (string, bool) {
	s := strings.TrimSpace(offset)
	m := offsetRe.FindStringSubmatch(s)
	if m == nil {
		return "+03:00", false
	}
	return fmt.Sprintf("%s%s:%s", m[1], m[2], m[3]), true
}

// Normalize converts a raw value into the representation required by the
// field's declared type. Empty input normalizes to "" (clear the field) for
// every type. Unknown declared types pass values through unchanged.
func Normalize(meta FieldMeta, v interface{}, tzOffset string) interface{} {
	if isEmpty(v) {
		return ""
	}

	switch meta.Type {
	case "datetime":
		return normalizeDatetime(v, tzOffset)
	case "date":
		return normalizeDate(v)
	case "boolean":
		return normalizeBool(v)
	case "integer", "double":
		return normalizeNumeric(meta.Type, v)
	case "enumeration":
		return normalizeEnum(meta, v)
	default:
		return v
	}
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// normalizeDate extracts the date component: YYYY-MM-DD.
// Unrecognized strings pass through unchanged.
func normalizeDate(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02")
	case string:
		s := strings.TrimSpace(t)
		if dateRe.MatchString(s) {
			return s
		}
		if m := datePrefixRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalizeDatetime produces an ISO-8601 string with an explicit UTC offset.
// A bare date gains T00:00:00 plus the default offset; a bare datetime gains
// the default offset; a string already carrying an offset or Z passes
// through unchanged.
func normalizeDatetime(v interface{}, tzOffset string) interface{} {
	offset, _ := ParseOffset(tzOffset)

	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02T15:04:05-07:00")
	case string:
		s := strings.TrimSpace(t)
		if dateTimeZoneRe.MatchString(s) {
			return s
		}
		if m := dateTimeRe.FindStringSubmatch(s); m != nil {
			return m[1] + "T" + m[2] + offset
		}
		if dateRe.MatchString(s) {
			return s + "T00:00:00" + offset
		}
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// normalizeBool maps truthy/falsy tokens onto the Y/N pair Bitrix expects.
// Unrecognized non-empty input defaults to Y; this lenient bias is
// intentional and keeps a stray marker value from silently disabling a flag.
func normalizeBool(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "Y"
		}
		return "N"
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "y", "yes", "true", "1":
			return "Y"
		case "n", "no", "false", "0":
			return "N"
		}
		return "Y"
	case int:
		if t != 0 {
			return "Y"
		}
		return "N"
	case int64:
		if t != 0 {
			return "Y"
		}
		return "N"
	case float64:
		if t != 0 {
			return "Y"
		}
		return "N"
	default:
		return "Y"
	}
}

// normalizeNumeric coerces best-effort to int64 or float64. Booleans map to
// 0/1; double accepts comma decimal separators. Coercion failure returns the
// original value unchanged.
func normalizeNumeric(kind string, v interface{}) interface{} {
	if kind == "integer" {
		switch t := v.(type) {
		case bool:
			if t {
				return int64(1)
			}
			return int64(0)
		case int:
			return int64(t)
		case int64:
			return t
		case float64:
			if t == float64(int64(t)) {
				return int64(t)
			}
			return v
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return v
			}
			return n
		default:
			return v
		}
	}

	switch t := v.(type) {
	case bool:
		if t {
			return 1.0
		}
		return 0.0
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return v
		}
		return f
	default:
		return v
	}
}

// normalizeEnum resolves values to numeric choice ids using a
// case-insensitive match against the field's choice labels and XML ids.
// Values that are already numerals are used directly as ids. Multi-valued
// fields always receive a slice; single-valued fields receive a scalar (the
// first element when a slice is supplied).
func normalizeEnum(meta FieldMeta, v interface{}) interface{} {
	one := func(x interface{}) interface{} {
		if isEmpty(x) {
			return ""
		}
		s := strings.TrimSpace(toEnumString(x))
		if numeralRe.MatchString(s) {
			if id, err := strconv.ParseInt(s, 10, 64); err == nil {
				return id
			}
		}
		if id, ok := meta.Choices[strings.ToLower(s)]; ok {
			return id
		}
		return x
	}

	if meta.Multiple {
		if list, ok := v.([]interface{}); ok {
			out := make([]interface{}, 0, len(list))
			for _, x := range list {
				out = append(out, one(x))
			}
			return out
		}
		return []interface{}{one(v)}
	}

	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return ""
		}
		return one(list[0])
	}
	return one(v)
}

func toEnumString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
