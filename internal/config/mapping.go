package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MappingRule declares how one logical vehicle attribute maps onto Bitrix24
// deal user fields.
//
// EnvNames is ordered: every environment variable that resolves to a
// non-empty UF code receives the attribute's value, so a single attribute
// can fan out into several deal fields. Overwrite, when set, overrides the
// global SYNC_OVERWRITE_DEFAULT for this attribute.
type MappingRule struct {
	Attr      string   `yaml:"attr"`
	EnvNames  []string `yaml:"env"`
	Overwrite *bool    `yaml:"overwrite,omitempty"`
}

// EffectiveMapping is a resolved rule: concrete UF codes instead of env
// variable names, and a final overwrite decision.
type EffectiveMapping struct {
	Attr      string
	Codes     []string
	Overwrite bool
}

// DefaultRules returns the built-in attribute-to-UF mapping table.
//
// The userId attribute intentionally lists two env names: the dedicated
// garage field plus the deal-lookup field, so both stay in step.
func DefaultRules() []MappingRule {
	return []MappingRule{
		{Attr: "id", EnvNames: []string{"UF_B24_DEAL_GARAGE_ID"}},
		{Attr: "userId", EnvNames: []string{"UF_B24_DEAL_GARAGE_USER_ID", "UF_B24_DEAL_ABCP_USER_ID"}},
		{Attr: "name", EnvNames: []string{"UF_B24_DEAL_GARAGE_NAME"}},
		{Attr: "comment", EnvNames: []string{"UF_B24_DEAL_GARAGE_COMMENT"}},
		{Attr: "year", EnvNames: []string{"UF_B24_DEAL_GARAGE_YEAR"}},
		{Attr: "vin", EnvNames: []string{"UF_B24_DEAL_GARAGE_VIN"}},
		{Attr: "frame", EnvNames: []string{"UF_B24_DEAL_GARAGE_FRAME"}},
		{Attr: "mileage", EnvNames: []string{"UF_B24_DEAL_GARAGE_MILEAGE"}},
		{Attr: "manufacturerId", EnvNames: []string{"UF_B24_DEAL_GARAGE_MANUFACTURER_ID"}},
		{Attr: "manufacturer", EnvNames: []string{"UF_B24_DEAL_GARAGE_MANUFACTURER"}},
		{Attr: "modelId", EnvNames: []string{"UF_B24_DEAL_GARAGE_MODEL_ID"}},
		{Attr: "model", EnvNames: []string{"UF_B24_DEAL_GARAGE_MODEL"}},
		{Attr: "modificationId", EnvNames: []string{"UF_B24_DEAL_GARAGE_MODIFICATION_ID"}},
		{Attr: "modification", EnvNames: []string{"UF_B24_DEAL_GARAGE_MODIFICATION"}},
		{Attr: "dateUpdated", EnvNames: []string{"UF_B24_DEAL_GARAGE_DATE_UPDATED"}},
		{Attr: "vehicleRegPlate", EnvNames: []string{"UF_B24_DEAL_GARAGE_VEHICLE_REG_PLATE"}},
	}
}

// LoadRulesFile reads a YAML list of MappingRule entries.
func LoadRulesFile(path string) ([]MappingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules []MappingRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	for i, rule := range rules {
		if rule.Attr == "" {
			return nil, fmt.Errorf("rule %d: attr is required", i)
		}
		if len(rule.EnvNames) == 0 {
			return nil, fmt.Errorf("rule %d (%s): env is required", i, rule.Attr)
		}
	}
	return rules, nil
}

// ResolveMappings turns the rule table into the effective mapping table.
//
// Pure resolution: lookup supplies env values (os.Getenv in production, a
// map in tests). Rules whose env names all resolve to empty UF codes are
// omitted; that is the normal "not configured" case, not an error.
func ResolveMappings(rules []MappingRule, overwriteDefault bool, overrides map[string]bool, lookup func(string) string) []EffectiveMapping {
	var mappings []EffectiveMapping

	for _, rule := range rules {
		var codes []string
		for _, envName := range rule.EnvNames {
			if code := lookup(envName); code != "" {
				codes = append(codes, code)
			}
		}
		if len(codes) == 0 {
			continue
		}

		overwrite := overwriteDefault
		if allow, ok := overrides[rule.Attr]; ok {
			overwrite = allow
		}
		if rule.Overwrite != nil {
			overwrite = *rule.Overwrite
		}

		mappings = append(mappings, EffectiveMapping{
			Attr:      rule.Attr,
			Codes:     codes,
			Overwrite: overwrite,
		})
	}

	return mappings
}
