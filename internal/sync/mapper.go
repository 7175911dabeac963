// Package sync reconciles locally stored garage records into Bitrix24 deal
// user fields: one pass selects the latest record per customer, resolves the
// matching deal, computes the changed fields, and writes only those, with
// every terminal state recorded durably.
package sync

import (
	"encoding/json"
	"fmt"

	"garagesync/internal/config"
)

// BuildFields maps a vehicle attribute map onto deal UF codes per the
// effective mapping table.
//
// Attributes whose mapping disallows overwrite contribute nothing when the
// incoming value is empty (nil, "", or numeric zero): an empty source value
// must not erase data already present on the deal. Composite values are
// JSON-stringified; scalar values keep their type, normalization happens at
// write time against the field metadata.
func BuildFields(attrs map[string]interface{}, mappings []config.EffectiveMapping) map[string]interface{} {
	fields := make(map[string]interface{})

	for _, m := range mappings {
		value := attrs[m.Attr]

		if !m.Overwrite && isEmptyValue(value) {
			continue
		}

		switch value.(type) {
		case map[string]interface{}, []interface{}:
			data, err := json.Marshal(value)
			if err != nil {
				value = fmt.Sprintf("%v", value)
			} else {
				value = string(data)
			}
		case nil:
			value = ""
		}

		for _, code := range m.Codes {
			fields[code] = value
		}
	}

	return fields
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	default:
		return false
	}
}
