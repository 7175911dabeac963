package config

import (
	"os"
	"path/filepath"
	"testing"
)

func lookupFrom(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

// TestResolveMappings_FanOut checks that one attribute resolves to every
// configured UF code.
func TestResolveMappings_FanOut(t *testing.T) {
	env := map[string]string{
		"UF_B24_DEAL_GARAGE_USER_ID": "UF_CRM_1",
		"UF_B24_DEAL_ABCP_USER_ID":   "UF_CRM_2",
	}

	mappings := ResolveMappings(DefaultRules(), true, nil, lookupFrom(env))
	if len(mappings) != 1 {
		t.Fatalf("ResolveMappings() returned %d mappings, want 1", len(mappings))
	}

	m := mappings[0]
	if m.Attr != "userId" {
		t.Errorf("Attr = %q, want 'userId'", m.Attr)
	}
	if len(m.Codes) != 2 || m.Codes[0] != "UF_CRM_1" || m.Codes[1] != "UF_CRM_2" {
		t.Errorf("Codes = %v, want [UF_CRM_1 UF_CRM_2]", m.Codes)
	}
	if !m.Overwrite {
		t.Error("Overwrite = false, want true (default)")
	}
}

// TestResolveMappings_SkipsUnconfigured checks attributes without UF codes
// are omitted, preserving rule order for the rest.
func TestResolveMappings_SkipsUnconfigured(t *testing.T) {
	env := map[string]string{
		"UF_B24_DEAL_GARAGE_VIN":     "UF_CRM_VIN",
		"UF_B24_DEAL_GARAGE_MILEAGE": "UF_CRM_MILEAGE",
	}

	mappings := ResolveMappings(DefaultRules(), true, nil, lookupFrom(env))
	if len(mappings) != 2 {
		t.Fatalf("ResolveMappings() returned %d mappings, want 2", len(mappings))
	}
	if mappings[0].Attr != "vin" || mappings[1].Attr != "mileage" {
		t.Errorf("attrs = %s, %s; want vin, mileage (rule order)", mappings[0].Attr, mappings[1].Attr)
	}
}

// TestResolveMappings_OverwritePrecedence checks rule-level overwrite beats
// the env override, which beats the default.
func TestResolveMappings_OverwritePrecedence(t *testing.T) {
	no := false
	yes := true
	rules := []MappingRule{
		{Attr: "mileage", EnvNames: []string{"ENV_A"}},
		{Attr: "vin", EnvNames: []string{"ENV_B"}, Overwrite: &yes},
		{Attr: "name", EnvNames: []string{"ENV_C"}, Overwrite: &no},
	}
	env := map[string]string{"ENV_A": "UF_A", "ENV_B": "UF_B", "ENV_C": "UF_C"}
	overrides := map[string]bool{"mileage": false, "vin": false}

	mappings := ResolveMappings(rules, true, overrides, lookupFrom(env))
	if len(mappings) != 3 {
		t.Fatalf("ResolveMappings() returned %d mappings, want 3", len(mappings))
	}
	if mappings[0].Overwrite {
		t.Error("mileage: env override should disable overwrite")
	}
	if !mappings[1].Overwrite {
		t.Error("vin: rule-level overwrite should beat env override")
	}
	if mappings[2].Overwrite {
		t.Error("name: rule-level overwrite=false should beat default")
	}
}

// TestLoadRulesFile round-trips a YAML rules file.
func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
- attr: vin
  env: [UF_B24_DEAL_GARAGE_VIN]
- attr: mileage
  env: [UF_B24_DEAL_GARAGE_MILEAGE]
  overwrite: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("LoadRulesFile() failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if rules[1].Overwrite == nil || *rules[1].Overwrite {
		t.Error("mileage rule should carry overwrite=false")
	}
}

// TestLoadRulesFile_MissingAttr rejects rules without an attribute name.
func TestLoadRulesFile_MissingAttr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("- env: [SOME_ENV]\n"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	if _, err := LoadRulesFile(path); err == nil {
		t.Error("LoadRulesFile() succeeded, want error for missing attr")
	}
}

// TestParseOverwriteFields checks lenient JSON handling.
func TestParseOverwriteFields(t *testing.T) {
	overrides := parseOverwriteFields(`{"mileage": false, "vin": true}`)
	if overrides["mileage"] || !overrides["vin"] {
		t.Errorf("overrides = %v, want mileage=false vin=true", overrides)
	}

	if got := parseOverwriteFields("not-json"); len(got) != 0 {
		t.Errorf("malformed JSON should yield no overrides, got %v", got)
	}
}
