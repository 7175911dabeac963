// Package config loads runtime configuration for the garage sync service.
//
// Configuration comes from the environment, optionally seeded from a .env
// file discovered near the working directory. Viper supplies defaults and
// env binding; the field-mapping table can additionally be overridden by a
// YAML rules file (see mapping.go).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultTZOffset is the fallback UTC offset applied to datetime fields when
// B24_TZ_OFFSET is unset or malformed.
const DefaultTZOffset = "+03:00"

// Config holds every knob the sync pipeline depends on.
type Config struct {
	// ABCP (source) side.
	ABCPBaseURL  string
	ABCPLogin    string
	ABCPPassword string

	// Bitrix24 (target) side.
	B24WebhookURL     string
	B24DealCategoryID int64
	// B24UserFieldCode is the deal UF code that stores the ABCP user id,
	// used to locate the deal belonging to a customer.
	B24UserFieldCode string

	// Transport.
	HTTPTimeout    time.Duration
	Retries        int
	RetryBackoff   time.Duration
	RateLimitPause time.Duration

	// Reconciliation.
	TZOffset          string
	OverwriteDefault  bool
	OverwriteFields   map[string]bool
	PauseBetweenUsers time.Duration
	PauseBetweenDeals time.Duration

	// Local state.
	SQLitePath string
	RulesFile  string
	LogFile    string

	// Rules is the mapping-rule table in effect (built-in defaults unless
	// RulesFile overrides it). Resolve with ResolveMappings before use.
	Rules []MappingRule
}

// Load builds a Config from the environment.
//
// A .env file is loaded first when one can be discovered (see DiscoverEnvFile);
// explicit environment variables always win over .env contents.
func Load() (*Config, error) {
	if path := DiscoverEnvFile(); path != "" {
		// Non-fatal: a missing or unreadable .env just means plain env vars.
		_ = godotenv.Load(path)
	}

	v := viper.New()
	v.SetDefault("abcp_base_url", "https://abcp61741.public.api.abcp.ru/cp/garage/")
	v.SetDefault("requests_timeout", 20)
	v.SetDefault("requests_retries", 3)
	v.SetDefault("requests_retry_backoff", 1.5)
	v.SetDefault("rate_limit_sleep", 0.2)
	v.SetDefault("b24_deal_category_id_users", 0)
	v.SetDefault("b24_tz_offset", DefaultTZOffset)
	v.SetDefault("sync_overwrite_default", true)
	v.SetDefault("sync_pause_between_users", 0.0)
	v.SetDefault("sync_pause_between_deals", 0.0)
	v.SetDefault("sqlite_path", "garagesync.s3db")
	v.SetDefault("log_file", "")

	bindings := map[string]string{
		"abcp_base_url":              "ABCP_BASE_URL",
		"abcp_userlogin":             "ABCP_USERLOGIN",
		"abcp_userpsw":               "ABCP_USERPSW",
		"b24_webhook_url":            "B24_WEBHOOK_URL",
		"b24_deal_category_id_users": "B24_DEAL_CATEGORY_ID_USERS",
		"uf_b24_deal_abcp_user_id":   "UF_B24_DEAL_ABCP_USER_ID",
		"requests_timeout":           "REQUESTS_TIMEOUT",
		"requests_retries":           "REQUESTS_RETRIES",
		"requests_retry_backoff":     "REQUESTS_RETRY_BACKOFF",
		"rate_limit_sleep":           "RATE_LIMIT_SLEEP",
		"b24_tz_offset":              "B24_TZ_OFFSET",
		"sync_overwrite_default":     "SYNC_OVERWRITE_DEFAULT",
		"sync_overwrite_fields":      "SYNC_OVERWRITE_FIELDS",
		"sync_pause_between_users":   "SYNC_PAUSE_BETWEEN_USERS",
		"sync_pause_between_deals":   "SYNC_PAUSE_BETWEEN_DEALS",
		"sqlite_path":                "SQLITE_PATH",
		"rules_file":                 "GSYNC_RULES_FILE",
		"log_file":                   "GSYNC_LOG_FILE",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		ABCPBaseURL:       v.GetString("abcp_base_url"),
		ABCPLogin:         v.GetString("abcp_userlogin"),
		ABCPPassword:      v.GetString("abcp_userpsw"),
		B24WebhookURL:     v.GetString("b24_webhook_url"),
		B24DealCategoryID: v.GetInt64("b24_deal_category_id_users"),
		B24UserFieldCode:  v.GetString("uf_b24_deal_abcp_user_id"),
		HTTPTimeout:       time.Duration(v.GetInt("requests_timeout")) * time.Second,
		Retries:           v.GetInt("requests_retries"),
		RetryBackoff:      secondsDuration(v.GetFloat64("requests_retry_backoff")),
		RateLimitPause:    secondsDuration(v.GetFloat64("rate_limit_sleep")),
		TZOffset:          v.GetString("b24_tz_offset"),
		OverwriteDefault:  v.GetBool("sync_overwrite_default"),
		OverwriteFields:   parseOverwriteFields(v.GetString("sync_overwrite_fields")),
		PauseBetweenUsers: secondsDuration(v.GetFloat64("sync_pause_between_users")),
		PauseBetweenDeals: secondsDuration(v.GetFloat64("sync_pause_between_deals")),
		SQLitePath:        v.GetString("sqlite_path"),
		RulesFile:         v.GetString("rules_file"),
		LogFile:           v.GetString("log_file"),
		Rules:             DefaultRules(),
	}

	if cfg.RulesFile != "" {
		rules, err := LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load mapping rules from %s: %w", cfg.RulesFile, err)
		}
		cfg.Rules = rules
	}

	return cfg, nil
}

// ValidateForFetch checks the settings required before any ABCP request.
func (c *Config) ValidateForFetch() error {
	if c.ABCPLogin == "" || c.ABCPPassword == "" {
		return errors.New("ABCP_USERLOGIN/ABCP_USERPSW are not set")
	}
	return nil
}

// ValidateForSync checks the settings required before any Bitrix24 request.
func (c *Config) ValidateForSync() error {
	if c.B24WebhookURL == "" {
		return errors.New("B24_WEBHOOK_URL is not set")
	}
	if c.B24UserFieldCode == "" {
		return errors.New("UF_B24_DEAL_ABCP_USER_ID is not set")
	}
	return nil
}

// DiscoverEnvFile returns the first existing .env candidate, or "".
//
// Search order: GSYNC_ENV_FILE override, ./.env, ../.env.
func DiscoverEnvFile() string {
	var candidates []string
	if override := os.Getenv("GSYNC_ENV_FILE"); override != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates, ".env", filepath.Join("..", ".env"))

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// parseOverwriteFields decodes the SYNC_OVERWRITE_FIELDS JSON object
// (attribute name -> allow overwrite). A malformed value yields no overrides
// rather than an error, matching the lenient handling of this knob.
func parseOverwriteFields(raw string) map[string]bool {
	if raw == "" {
		return map[string]bool{}
	}
	overrides := map[string]bool{}
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return map[string]bool{}
	}
	return overrides
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
