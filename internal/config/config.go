// Package config loads and validates the pipeline's runtime configuration,
// generalized from engine/config/unified_config.go's
// UnifiedBusinessConfig{FetchPolicy, GlobalSettings}/ApplyDefaults/Validate
// shape into the flat PipelineConfig spec.md §6 names as environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PipelineConfig holds every tunable spec.md §6 lists, each sourced from an
// environment variable of the same name.
type PipelineConfig struct {
	FetchMaxRetries              int
	FetchTimeoutSeconds          int
	FetchConnectTimeoutSeconds   int
	MaxProcessablePageBytes      int64
	MaxParsePageBytes            int64
	SlowFetchThresholdMS         float64
	EnableFetchAutotune          bool
	FetchAutotuneEveryNRequests  int
	FetchConcurrencyMin          int
	FetchConcurrencyMax          int
	DynamicFetchRetryFloor       int
	LowConfBlockRetryEnabled     bool
}

// Default mirrors the original source's hardcoded defaults, the same values
// autotune.DefaultConfig() carries for the thresholds the two packages
// share.
func Default() PipelineConfig {
	return PipelineConfig{
		FetchMaxRetries:             2,
		FetchTimeoutSeconds:         15,
		FetchConnectTimeoutSeconds:  5,
		MaxProcessablePageBytes:     10 * 1024 * 1024,
		MaxParsePageBytes:           5 * 1024 * 1024,
		SlowFetchThresholdMS:        12000,
		EnableFetchAutotune:         true,
		FetchAutotuneEveryNRequests: 40,
		FetchConcurrencyMin:         2,
		FetchConcurrencyMax:         12,
		DynamicFetchRetryFloor:      1,
		LowConfBlockRetryEnabled:    false,
	}
}

// Load builds a PipelineConfig from Default(), overriding any field whose
// environment variable is set, then validates the result.
func Load() (PipelineConfig, error) {
	cfg := Default()

	if v, ok := intFromEnv("FETCH_MAX_RETRIES"); ok {
		cfg.FetchMaxRetries = v
	}
	if v, ok := intFromEnv("FETCH_TIMEOUT_SECONDS"); ok {
		cfg.FetchTimeoutSeconds = v
	}
	if v, ok := intFromEnv("FETCH_CONNECT_TIMEOUT_SECONDS"); ok {
		cfg.FetchConnectTimeoutSeconds = v
	}
	if v, ok := int64FromEnv("MAX_PROCESSABLE_PAGE_BYTES"); ok {
		cfg.MaxProcessablePageBytes = v
	}
	if v, ok := int64FromEnv("MAX_PARSE_PAGE_BYTES"); ok {
		cfg.MaxParsePageBytes = v
	}
	if v, ok := floatFromEnv("SLOW_FETCH_THRESHOLD_MS"); ok {
		cfg.SlowFetchThresholdMS = v
	}
	if v, ok := boolFromEnv("ENABLE_FETCH_AUTOTUNE"); ok {
		cfg.EnableFetchAutotune = v
	}
	if v, ok := intFromEnv("FETCH_AUTOTUNE_EVERY_N_REQUESTS"); ok {
		cfg.FetchAutotuneEveryNRequests = v
	}
	if v, ok := intFromEnv("FETCH_CONCURRENCY_MIN"); ok {
		cfg.FetchConcurrencyMin = v
	}
	if v, ok := intFromEnv("FETCH_CONCURRENCY_MAX"); ok {
		cfg.FetchConcurrencyMax = v
	}
	if v, ok := intFromEnv("DYNAMIC_FETCH_RETRY_FLOOR"); ok {
		cfg.DynamicFetchRetryFloor = v
	}
	if v, ok := boolFromEnv("LOW_CONF_BLOCK_RETRY_ENABLED"); ok {
		cfg.LowConfBlockRetryEnabled = v
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return PipelineConfig{}, err
	}
	return cfg, nil
}

// ApplyDefaults backfills any zero-valued field, for callers that build a
// PipelineConfig by hand (tests, or a config struct partially populated from
// YAML) rather than through Load.
func (c *PipelineConfig) ApplyDefaults() {
	d := Default()
	if c.FetchMaxRetries == 0 {
		c.FetchMaxRetries = d.FetchMaxRetries
	}
	if c.FetchTimeoutSeconds == 0 {
		c.FetchTimeoutSeconds = d.FetchTimeoutSeconds
	}
	if c.FetchConnectTimeoutSeconds == 0 {
		c.FetchConnectTimeoutSeconds = d.FetchConnectTimeoutSeconds
	}
	if c.MaxProcessablePageBytes == 0 {
		c.MaxProcessablePageBytes = d.MaxProcessablePageBytes
	}
	if c.MaxParsePageBytes == 0 {
		c.MaxParsePageBytes = d.MaxParsePageBytes
	}
	if c.SlowFetchThresholdMS == 0 {
		c.SlowFetchThresholdMS = d.SlowFetchThresholdMS
	}
	if c.FetchAutotuneEveryNRequests == 0 {
		c.FetchAutotuneEveryNRequests = d.FetchAutotuneEveryNRequests
	}
	if c.FetchConcurrencyMin == 0 {
		c.FetchConcurrencyMin = d.FetchConcurrencyMin
	}
	if c.FetchConcurrencyMax == 0 {
		c.FetchConcurrencyMax = d.FetchConcurrencyMax
	}
	if c.DynamicFetchRetryFloor == 0 {
		c.DynamicFetchRetryFloor = d.DynamicFetchRetryFloor
	}
}

// Validate rejects a configuration whose values could put the pipeline in
// an inconsistent state (e.g. a parse cap larger than the processable cap).
func (c *PipelineConfig) Validate() error {
	if c.FetchMaxRetries < 1 {
		return fmt.Errorf("config: FETCH_MAX_RETRIES must be >= 1, got %d", c.FetchMaxRetries)
	}
	if c.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("config: FETCH_TIMEOUT_SECONDS must be >= 1, got %d", c.FetchTimeoutSeconds)
	}
	if c.FetchConnectTimeoutSeconds < 1 {
		return fmt.Errorf("config: FETCH_CONNECT_TIMEOUT_SECONDS must be >= 1, got %d", c.FetchConnectTimeoutSeconds)
	}
	if c.MaxProcessablePageBytes < 1 {
		return fmt.Errorf("config: MAX_PROCESSABLE_PAGE_BYTES must be >= 1, got %d", c.MaxProcessablePageBytes)
	}
	if c.MaxParsePageBytes < 1 {
		return fmt.Errorf("config: MAX_PARSE_PAGE_BYTES must be >= 1, got %d", c.MaxParsePageBytes)
	}
	if c.MaxParsePageBytes > c.MaxProcessablePageBytes {
		return fmt.Errorf("config: MAX_PARSE_PAGE_BYTES (%d) cannot exceed MAX_PROCESSABLE_PAGE_BYTES (%d)", c.MaxParsePageBytes, c.MaxProcessablePageBytes)
	}
	if c.FetchConcurrencyMin < 1 {
		return fmt.Errorf("config: FETCH_CONCURRENCY_MIN must be >= 1, got %d", c.FetchConcurrencyMin)
	}
	if c.FetchConcurrencyMax < c.FetchConcurrencyMin {
		return fmt.Errorf("config: FETCH_CONCURRENCY_MAX (%d) cannot be less than FETCH_CONCURRENCY_MIN (%d)", c.FetchConcurrencyMax, c.FetchConcurrencyMin)
	}
	if c.DynamicFetchRetryFloor < 1 || c.DynamicFetchRetryFloor > c.FetchMaxRetries {
		return fmt.Errorf("config: DYNAMIC_FETCH_RETRY_FLOOR must be in [1, %d], got %d", c.FetchMaxRetries, c.DynamicFetchRetryFloor)
	}
	return nil
}

// FetchTimeout and FetchConnectTimeout convert the second-granularity
// environment values into time.Duration for the transport layer.
func (c PipelineConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c PipelineConfig) FetchConnectTimeout() time.Duration {
	return time.Duration(c.FetchConnectTimeoutSeconds) * time.Second
}

func intFromEnv(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func int64FromEnv(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func floatFromEnv(name string) (float64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func boolFromEnv(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
