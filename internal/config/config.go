// Package config loads caeplane settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all configuration values for the application.
type Config struct {
	// Storage
	StoreDriver  string
	DatabaseURL  string
	FixturesPath string

	// HTTP server port for the controller
	HTTPPort int

	// OTLP gRPC collector address
	OTELEndpoint string

	// debug, info, warn or error
	LogLevel string

	// API protection. An empty APIToken disables bearer auth.
	APIToken     string
	APIRateLimit float64
	APIRateBurst int

	// Planning
	CandidateFloor      float64
	ReviewFloor         float64
	AutoUploadThreshold float64
	AutoSubmitPolicy    string
	PlanTokenSecret     string

	// Real uploads
	RealUploaderEnabled        bool
	PortalUploadURLTemplate    string
	PortalExpectedPagePattern  string
	PortalFileInputSelector    string
	PortalSubmitSelector       string
	PortalConfirmationSelector string
	PortalMinSubmitInterval    time.Duration
	DocumentsDir               string
	StorageStateDir            string
	EvidenceDir                string
	ChromePath                 string

	// Headful sessions
	HeadfulIdleTimeout time.Duration
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"store_driver":                 "CAEPLANE_STORE_DRIVER",
	"database_url":                 "DATABASE_URL",
	"fixtures_path":                "CAEPLANE_FIXTURES_PATH",
	"http_port":                    "PORT",
	"otel_endpoint":                "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":                    "CAEPLANE_LOG_LEVEL",
	"api_token":                    "CAEPLANE_API_TOKEN",
	"api_rate_limit":               "CAEPLANE_API_RATE_LIMIT",
	"api_rate_burst":               "CAEPLANE_API_RATE_BURST",
	"candidate_floor":              "CAEPLANE_CANDIDATE_FLOOR",
	"review_floor":                 "CAEPLANE_REVIEW_FLOOR",
	"auto_upload_threshold":        "CAEPLANE_AUTO_UPLOAD_THRESHOLD",
	"auto_submit_policy":           "CAEPLANE_AUTO_SUBMIT_POLICY",
	"plan_token_secret":            "CAEPLANE_PLAN_TOKEN_SECRET",
	"real_uploader_enabled":        "CAEPLANE_REAL_UPLOADER_ENABLED",
	"portal_upload_url_template":   "CAEPLANE_PORTAL_UPLOAD_URL_TEMPLATE",
	"portal_expected_page_pattern": "CAEPLANE_PORTAL_EXPECTED_PAGE_PATTERN",
	"portal_file_input_selector":   "CAEPLANE_PORTAL_FILE_INPUT_SELECTOR",
	"portal_submit_selector":       "CAEPLANE_PORTAL_SUBMIT_SELECTOR",
	"portal_confirmation_selector": "CAEPLANE_PORTAL_CONFIRMATION_SELECTOR",
	"portal_min_submit_interval":   "CAEPLANE_PORTAL_MIN_SUBMIT_INTERVAL",
	"documents_dir":                "CAEPLANE_DOCUMENTS_DIR",
	"storage_state_dir":            "CAEPLANE_STORAGE_STATE_DIR",
	"evidence_dir":                 "CAEPLANE_EVIDENCE_DIR",
	"chrome_path":                  "CAEPLANE_CHROME_PATH",
	"headful_idle_timeout":         "CAEPLANE_HEADFUL_IDLE_TIMEOUT",
}

// Load reads configuration from the file at path (or caeplane.yaml in the
// working directory when path is empty) and the environment. Environment
// variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store_driver", StorePostgres)
	v.SetDefault("http_port", 6161)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
	v.SetDefault("api_rate_limit", 10.0)
	v.SetDefault("api_rate_burst", 20)
	v.SetDefault("candidate_floor", 0.30)
	v.SetDefault("review_floor", 0.50)
	v.SetDefault("auto_upload_threshold", 0.80)
	v.SetDefault("auto_submit_policy", "never")
	v.SetDefault("real_uploader_enabled", false)
	v.SetDefault("portal_expected_page_pattern", ".*")
	v.SetDefault("portal_file_input_selector", `input[type="file"]`)
	v.SetDefault("portal_min_submit_interval", 1500*time.Millisecond)
	v.SetDefault("documents_dir", "./data/documents")
	v.SetDefault("storage_state_dir", "./data/storage_state")
	v.SetDefault("evidence_dir", "./data/evidence")
	v.SetDefault("headful_idle_timeout", 15*time.Minute)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("caeplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		StoreDriver:                v.GetString("store_driver"),
		DatabaseURL:                v.GetString("database_url"),
		FixturesPath:               v.GetString("fixtures_path"),
		HTTPPort:                   v.GetInt("http_port"),
		OTELEndpoint:               v.GetString("otel_endpoint"),
		LogLevel:                   v.GetString("log_level"),
		APIToken:                   v.GetString("api_token"),
		APIRateLimit:               v.GetFloat64("api_rate_limit"),
		APIRateBurst:               v.GetInt("api_rate_burst"),
		CandidateFloor:             v.GetFloat64("candidate_floor"),
		ReviewFloor:                v.GetFloat64("review_floor"),
		AutoUploadThreshold:        v.GetFloat64("auto_upload_threshold"),
		AutoSubmitPolicy:           v.GetString("auto_submit_policy"),
		PlanTokenSecret:            v.GetString("plan_token_secret"),
		RealUploaderEnabled:        v.GetBool("real_uploader_enabled"),
		PortalUploadURLTemplate:    v.GetString("portal_upload_url_template"),
		PortalExpectedPagePattern:  v.GetString("portal_expected_page_pattern"),
		PortalFileInputSelector:    v.GetString("portal_file_input_selector"),
		PortalSubmitSelector:       v.GetString("portal_submit_selector"),
		PortalConfirmationSelector: v.GetString("portal_confirmation_selector"),
		PortalMinSubmitInterval:    v.GetDuration("portal_min_submit_interval"),
		DocumentsDir:               v.GetString("documents_dir"),
		StorageStateDir:            v.GetString("storage_state_dir"),
		EvidenceDir:                v.GetString("evidence_dir"),
		ChromePath:                 v.GetString("chrome_path"),
		HeadfulIdleTimeout:         v.GetDuration("headful_idle_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database_url is required (env: DATABASE_URL)")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store_driver %q (must be %s or %s)", c.StoreDriver, StorePostgres, StoreMemory)
	}

	if c.PlanTokenSecret == "" {
		return errors.New("plan_token_secret is required (env: CAEPLANE_PLAN_TOKEN_SECRET)")
	}

	for name, v := range map[string]float64{
		"candidate_floor":       c.CandidateFloor,
		"review_floor":          c.ReviewFloor,
		"auto_upload_threshold": c.AutoUploadThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.ReviewFloor > c.AutoUploadThreshold {
		return fmt.Errorf("review_floor (%v) must not exceed auto_upload_threshold (%v)", c.ReviewFloor, c.AutoUploadThreshold)
	}

	if c.PortalMinSubmitInterval < 1500*time.Millisecond {
		return fmt.Errorf("portal_min_submit_interval must be at least 1.5s, got %v", c.PortalMinSubmitInterval)
	}
	if c.HeadfulIdleTimeout <= 0 {
		return fmt.Errorf("headful_idle_timeout must be positive, got %v", c.HeadfulIdleTimeout)
	}
	if c.APIRateLimit < 0 || c.APIRateBurst < 0 {
		return errors.New("api_rate_limit and api_rate_burst must not be negative")
	}

	return nil
}
