package sync

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Diff returns the candidate entries whose value differs from the deal's
// current value.
//
// Comparison is over canonical string forms, so a numeric 2019 and the
// string "2019" compare equal, as do nil and "". The API reports values as
// strings regardless of the declared field type, and comparing raw types
// would re-write every numeric field on every pass.
func Diff(current, candidate map[string]interface{}) map[string]interface{} {
	diff := make(map[string]interface{})
	for code, newVal := range candidate {
		if canonical(current[code]) != canonical(newVal) {
			diff[code] = newVal
		}
	}
	return diff
}

func canonical(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
