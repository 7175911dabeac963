package sync

import (
	"reflect"
	"testing"

	"garagesync/internal/config"
)

func TestBuildFields_FanOut(t *testing.T) {
	mappings := []config.EffectiveMapping{
		{Attr: "userId", Codes: []string{"UF_GARAGE_USER", "UF_ABCP_USER"}, Overwrite: true},
		{Attr: "vin", Codes: []string{"UF_VIN"}, Overwrite: true},
	}
	attrs := map[string]interface{}{"userId": int64(555), "vin": "XW8ED45"}

	fields := BuildFields(attrs, mappings)
	want := map[string]interface{}{
		"UF_GARAGE_USER": int64(555),
		"UF_ABCP_USER":   int64(555),
		"UF_VIN":         "XW8ED45",
	}
	if !reflect.DeepEqual(fields, want) {
		t.Errorf("BuildFields() = %v, want %v", fields, want)
	}
}

// TestBuildFields_OverwriteGuard drops empty values when overwrite is
// disabled so a blank source never erases deal data.
func TestBuildFields_OverwriteGuard(t *testing.T) {
	mappings := []config.EffectiveMapping{
		{Attr: "vin", Codes: []string{"UF_VIN"}, Overwrite: false},
		{Attr: "year", Codes: []string{"UF_YEAR"}, Overwrite: false},
		{Attr: "comment", Codes: []string{"UF_COMMENT"}, Overwrite: true},
	}
	attrs := map[string]interface{}{
		"vin":     "",
		"year":    int64(0),
		"comment": "",
	}

	fields := BuildFields(attrs, mappings)
	if _, ok := fields["UF_VIN"]; ok {
		t.Error("empty vin mapped despite overwrite=false")
	}
	if _, ok := fields["UF_YEAR"]; ok {
		t.Error("zero year mapped despite overwrite=false")
	}
	// Overwrite enabled: the empty value goes through and clears the field.
	if v, ok := fields["UF_COMMENT"]; !ok || v != "" {
		t.Errorf("UF_COMMENT = (%v, %v), want empty string mapped", v, ok)
	}
}

// TestBuildFields_CompositeValues JSON-stringifies nested structures.
func TestBuildFields_CompositeValues(t *testing.T) {
	mappings := []config.EffectiveMapping{
		{Attr: "extra", Codes: []string{"UF_EXTRA"}, Overwrite: true},
	}
	attrs := map[string]interface{}{
		"extra": map[string]interface{}{"color": "red"},
	}

	fields := BuildFields(attrs, mappings)
	if fields["UF_EXTRA"] != `{"color":"red"}` {
		t.Errorf("UF_EXTRA = %v, want JSON string", fields["UF_EXTRA"])
	}
}

func TestBuildFields_MissingAttr(t *testing.T) {
	mappings := []config.EffectiveMapping{
		{Attr: "ghost", Codes: []string{"UF_GHOST"}, Overwrite: true},
	}
	fields := BuildFields(map[string]interface{}{}, mappings)
	if v, ok := fields["UF_GHOST"]; !ok || v != "" {
		t.Errorf("UF_GHOST = (%v, %v), want empty string for missing attr", v, ok)
	}
}
