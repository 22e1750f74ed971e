package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/beacon-dashboard/internal/sensor"
)

var (
	// ErrInvalidInput is returned when the file or user id is missing
	ErrInvalidInput = errors.New("file and user ID are required")
	// ErrNoValidRecords is returned when no row became a measurement; nothing is written
	ErrNoValidRecords = errors.New("no valid records found in file")
	// ErrPersistence wraps a store failure; the parsed data is discarded
	ErrPersistence = errors.New("database error")
)

// Upload policies for repeat uploads by the same user
const (
	PolicyAppend  = "append"
	PolicyReplace = "replace"
)

// Config contains ingestion configuration
type Config struct {
	// Timezone used for timestamps without an offset
	Timezone      string `yaml:"timezone" mapstructure:"timezone"`
	Salvage       bool   `yaml:"salvage" mapstructure:"salvage"`
	RelaxedQuotes bool   `yaml:"relaxed_quotes" mapstructure:"relaxed_quotes"`
	DebugErrors   bool   `yaml:"debug_errors" mapstructure:"debug_errors"` // keeps __error and originalRow
	UploadPolicy  string `yaml:"upload_policy" mapstructure:"upload_policy"`
	MaxUploadMB   int    `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// DefaultConfig returns the tolerant defaults
func DefaultConfig() *Config {
	return &Config{
		Timezone:      "UTC",
		Salvage:       true,
		RelaxedQuotes: true,
		UploadPolicy:  PolicyAppend,
		MaxUploadMB:   10,
	}
}

// SkipCounts breaks skipped rows down by reason
type SkipCounts struct {
	InvalidTimestamp int `json:"invalidTimestamp"`
	InvalidData      int `json:"invalidData"`
}

// Stats summarises one ingestion pass.
// TotalRecords always equals ProcessedRecords plus both skip counts.
type Stats struct {
	TotalRecords     int        `json:"totalRecords"`
	ProcessedRecords int        `json:"processedRecords"`
	SkipReasons      SkipCounts `json:"skipReasons"`
}

// Skipped returns the number of rows that did not become measurements
func (s Stats) Skipped() int {
	return s.SkipReasons.InvalidTimestamp + s.SkipReasons.InvalidData
}

// Result is the outcome of one ingestion pass
type Result struct {
	Format   Format              `json:"format"`
	Stats    Stats               `json:"stats"`
	Days     []sensor.DaySummary `json:"days"`
	DayData  sensor.DayData      `json:"-"`
	Upload   *sensor.Upload      `json:"-"`
	Duration time.Duration       `json:"-"`
}

// Message is the human readable summary returned to uploaders
func (r *Result) Message() string {
	return fmt.Sprintf("Processed %d/%d records successfully", r.Stats.ProcessedRecords, r.Stats.TotalRecords)
}
