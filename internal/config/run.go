package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunConfig is the configuration for one processing run. All fields are
// optional in the JSON file; the Get* methods supply defaults, so
// partial configs are safe.
type RunConfig struct {
	// Store and artifact locations
	DBPath    *string `json:"db_path,omitempty"`
	CacheDir  *string `json:"cache_dir,omitempty"`  // combined-frame masters
	ReportDir *string `json:"report_dir,omitempty"` // published artifacts

	// Reduction params
	CropBorder   *int  `json:"crop_border,omitempty"`
	FitQuadratic *bool `json:"fit_quadratic,omitempty"`

	// Combine params
	CombineSigmaLow  *float64 `json:"combine_sigma_low,omitempty"`
	CombineSigmaHigh *float64 `json:"combine_sigma_high,omitempty"`
	CombineMaxIters  *int     `json:"combine_max_iters,omitempty"`
	CombineMemLimit  *int64   `json:"combine_mem_limit,omitempty"`

	// Validation params
	SigmaThresh    *float64 `json:"sigma_thresh,omitempty"`
	BaselineWindow *string  `json:"baseline_window,omitempty"` // duration string like "13000h"
	Metrics        []string `json:"metrics,omitempty"`

	// Watch params
	WatchSchedule *string `json:"watch_schedule,omitempty"` // cron expression
}

// EmptyRunConfig returns a RunConfig with all fields set to nil.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// LoadRunConfig loads a RunConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.CropBorder != nil && *c.CropBorder < 0 {
		return fmt.Errorf("crop_border must be non-negative, got %d", *c.CropBorder)
	}
	if c.SigmaThresh != nil && *c.SigmaThresh <= 0 {
		return fmt.Errorf("sigma_thresh must be positive, got %f", *c.SigmaThresh)
	}
	if c.CombineMemLimit != nil && *c.CombineMemLimit <= 0 {
		return fmt.Errorf("combine_mem_limit must be positive, got %d", *c.CombineMemLimit)
	}
	if c.BaselineWindow != nil && *c.BaselineWindow != "" {
		if _, err := time.ParseDuration(*c.BaselineWindow); err != nil {
			return fmt.Errorf("invalid baseline_window '%s': %w", *c.BaselineWindow, err)
		}
	}
	return nil
}

// GetDBPath returns the store path or the default.
func (c *RunConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "calwatch.db"
	}
	return *c.DBPath
}

// GetCacheDir returns the combined-frame cache directory or the default.
func (c *RunConfig) GetCacheDir() string {
	if c.CacheDir == nil || *c.CacheDir == "" {
		return "masters"
	}
	return *c.CacheDir
}

// GetReportDir returns the artifact directory or the default.
func (c *RunConfig) GetReportDir() string {
	if c.ReportDir == nil || *c.ReportDir == "" {
		return "reports"
	}
	return *c.ReportDir
}

// GetCropBorder returns the crop_border value or the default.
func (c *RunConfig) GetCropBorder() int {
	if c.CropBorder == nil {
		return 100
	}
	return *c.CropBorder
}

// GetFitQuadratic returns the fit_quadratic value or the default.
func (c *RunConfig) GetFitQuadratic() bool {
	if c.FitQuadratic == nil {
		return true
	}
	return *c.FitQuadratic
}

// GetCombineSigmaLow returns the combine_sigma_low value or the default.
func (c *RunConfig) GetCombineSigmaLow() float64 {
	if c.CombineSigmaLow == nil {
		return 3.0
	}
	return *c.CombineSigmaLow
}

// GetCombineSigmaHigh returns the combine_sigma_high value or the default.
func (c *RunConfig) GetCombineSigmaHigh() float64 {
	if c.CombineSigmaHigh == nil {
		return 3.0
	}
	return *c.CombineSigmaHigh
}

// GetCombineMaxIters returns the combine_max_iters value or the default.
func (c *RunConfig) GetCombineMaxIters() int {
	if c.CombineMaxIters == nil {
		return 5
	}
	return *c.CombineMaxIters
}

// GetCombineMemLimit returns the combine_mem_limit value or the default.
func (c *RunConfig) GetCombineMemLimit() int64 {
	if c.CombineMemLimit == nil {
		return 8_192_000_000
	}
	return *c.CombineMemLimit
}

// GetSigmaThresh returns the sigma_thresh value or the default.
func (c *RunConfig) GetSigmaThresh() float64 {
	if c.SigmaThresh == nil {
		return 3.0
	}
	return *c.SigmaThresh
}

// GetBaselineWindow parses and returns the baseline_window as a
// time.Duration.
func (c *RunConfig) GetBaselineWindow() time.Duration {
	if c.BaselineWindow == nil || *c.BaselineWindow == "" {
		return 13000 * time.Hour
	}
	d, err := time.ParseDuration(*c.BaselineWindow)
	if err != nil {
		return 13000 * time.Hour
	}
	return d
}

// GetWatchSchedule returns the watch_schedule cron expression or the
// default, daily at 14:00 (after morning twilight flats are in).
func (c *RunConfig) GetWatchSchedule() string {
	if c.WatchSchedule == nil || *c.WatchSchedule == "" {
		return "0 14 * * *"
	}
	return *c.WatchSchedule
}
