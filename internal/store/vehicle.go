package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Vehicle is one garage record as persisted locally.
//
// RawJSON keeps the original upstream payload verbatim so new attributes can
// be re-derived later without a refetch.
type Vehicle struct {
	ID             int64
	UserID         int64
	Name           string
	Comment        string
	Year           int64
	VIN            string
	Frame          string
	Mileage        int64
	ManufacturerID int64
	Manufacturer   string
	ModelID        int64
	Model          string
	ModificationID int64
	Modification   string
	DateUpdated    string
	RegPlate       string
	RawJSON        string
}

// Attributes exposes the record as the logical attribute map the field
// mapper consumes. Keys match the upstream payload names.
func (v *Vehicle) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"id":              v.ID,
		"userId":          v.UserID,
		"name":            v.Name,
		"comment":         v.Comment,
		"year":            v.Year,
		"vin":             v.VIN,
		"frame":           v.Frame,
		"mileage":         v.Mileage,
		"manufacturerId":  v.ManufacturerID,
		"manufacturer":    v.Manufacturer,
		"modelId":         v.ModelID,
		"model":           v.Model,
		"modificationId":  v.ModificationID,
		"modification":    v.Modification,
		"dateUpdated":     v.DateUpdated,
		"vehicleRegPlate": v.RegPlate,
	}
}

// VehicleFromAttrs builds a Vehicle from a loosely-typed upstream attribute
// map. Numeric attributes tolerate both JSON numbers and numeric strings;
// unparseable numerics fall back to zero rather than failing the record.
//
// The record id is required. userID fills in the owner when the payload
// itself omits it (the upstream keys records by owner, not per record).
func VehicleFromAttrs(userID int64, attrs map[string]interface{}, raw []byte) (Vehicle, error) {
	id := attrInt64(attrs, "id")
	if id == 0 {
		return Vehicle{}, fmt.Errorf("record has no id")
	}

	owner := attrInt64(attrs, "userId")
	if owner == 0 {
		owner = userID
	}

	rawJSON := string(raw)
	if rawJSON == "" {
		if data, err := json.Marshal(attrs); err == nil {
			rawJSON = string(data)
		} else {
			rawJSON = "{}"
		}
	}

	return Vehicle{
		ID:             id,
		UserID:         owner,
		Name:           attrString(attrs, "name"),
		Comment:        attrString(attrs, "comment"),
		Year:           attrInt64(attrs, "year"),
		VIN:            attrString(attrs, "vin"),
		Frame:          attrString(attrs, "frame"),
		Mileage:        attrInt64(attrs, "mileage"),
		ManufacturerID: attrInt64(attrs, "manufacturerId"),
		Manufacturer:   attrString(attrs, "manufacturer"),
		ModelID:        attrInt64(attrs, "modelId"),
		Model:          attrString(attrs, "model"),
		ModificationID: attrInt64(attrs, "modificationId"),
		Modification:   attrString(attrs, "modification"),
		DateUpdated:    attrString(attrs, "dateUpdated"),
		RegPlate:       attrString(attrs, "vehicleRegPlate"),
	}, nil
}

func attrString(attrs map[string]interface{}, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func attrInt64(attrs map[string]interface{}, key string) int64 {
	switch v := attrs[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
