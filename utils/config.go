// Package utils holds the job configuration model and its validation.
// Configuration errors are always raised before any tile work starts.
package utils

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"gopkg.in/yaml.v2"

	"github.com/nci/pixetl/grid"
	"github.com/nci/pixetl/warp"
)

// ConfigurationError reports an invalid job configuration field.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// BandConfig configures how one source band is resampled and published.
// The resampling method is always explicit here; it is never inferred
// from the band's data type.
type BandConfig struct {
	Name       string   `json:"name" yaml:"name"`
	DataType   string   `json:"data_type" yaml:"data_type"`
	NoData     *float64 `json:"no_data" yaml:"no_data"`
	Resampling string   `json:"resampling" yaml:"resampling"`
	// Calc is an optional pixel expression applied after resampling,
	// with A bound to the pixel value, e.g. "A * 100 + 1".
	Calc string `json:"calc" yaml:"calc"`
}

// Destination describes where tiles and catalog rows are written.
type Destination struct {
	Bucket      string `json:"bucket" yaml:"bucket"`
	Prefix      string `json:"prefix" yaml:"prefix"`
	CatalogDSN  string `json:"catalog_dsn" yaml:"catalog_dsn"`
	MemcacheURI string `json:"memcache_uri" yaml:"memcache_uri"`
}

// JobConfig is the single input driving a pixetl run.
type JobConfig struct {
	Dataset   string `json:"dataset" yaml:"dataset"`
	Version   string `json:"version" yaml:"version"`
	SourceURI string `json:"source_uri" yaml:"source_uri"`
	// SourceCRS overrides CRS detection for sources with incomplete
	// projection metadata.
	SourceCRS string `json:"source_crs" yaml:"source_crs"`

	GridName string       `json:"grid" yaml:"grid"`
	Bands    []BandConfig `json:"bands" yaml:"bands"`

	Destination Destination `json:"destination" yaml:"destination"`

	Workers              int     `json:"workers" yaml:"workers"`
	RetryLimit           int     `json:"retry_limit" yaml:"retry_limit"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`

	Overwrite bool     `json:"overwrite" yaml:"overwrite"`
	Subset    []string `json:"subset" yaml:"subset"`
}

// LoadJobConfig reads a job file. YAML and JSON are both accepted,
// chosen by file extension.
func LoadJobConfig(path string) (*JobConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: err.Error()}
	}

	cfg := &JobConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, &ConfigurationError{Field: "config", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills the optional knobs that have sensible defaults.
func (c *JobConfig) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 3
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	for i := range c.Bands {
		if c.Bands[i].Resampling == "" {
			c.Bands[i].Resampling = string(warp.Nearest)
		}
	}
}

// Validate checks every field and fails fast before the pipeline starts.
func (c *JobConfig) Validate() error {
	if c.SourceURI == "" {
		return &ConfigurationError{Field: "source_uri", Reason: "required"}
	}
	if c.GridName == "" {
		return &ConfigurationError{Field: "grid", Reason: "required"}
	}
	if _, err := grid.ByName(c.GridName); err != nil {
		return &ConfigurationError{Field: "grid", Reason: err.Error()}
	}
	if len(c.Bands) == 0 {
		return &ConfigurationError{Field: "bands", Reason: "at least one band is required"}
	}
	for i, b := range c.Bands {
		field := fmt.Sprintf("bands[%d]", i)
		if _, err := warp.ParseMethod(b.Resampling); err != nil {
			return &ConfigurationError{Field: field + ".resampling", Reason: err.Error()}
		}
		if b.Calc != "" {
			if err := validateCalc(b.Calc); err != nil {
				return &ConfigurationError{Field: field + ".calc", Reason: err.Error()}
			}
		}
	}
	if c.Destination.Bucket == "" {
		return &ConfigurationError{Field: "destination.bucket", Reason: "required"}
	}
	if c.Destination.CatalogDSN == "" {
		return &ConfigurationError{Field: "destination.catalog_dsn", Reason: "required"}
	}
	if c.Workers <= 0 {
		return &ConfigurationError{Field: "workers", Reason: "must be positive"}
	}
	if c.RetryLimit < 0 {
		return &ConfigurationError{Field: "retry_limit", Reason: "must not be negative"}
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return &ConfigurationError{Field: "failure_rate_threshold", Reason: "must be in (0, 1]"}
	}
	return nil
}

// validateCalc parses the expression and rejects variables other than A,
// following the single-variable contract of pixel expressions.
func validateCalc(calc string) error {
	expr, err := goeval.NewEvaluableExpression(calc)
	if err != nil {
		return err
	}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok || varName != "A" {
				return fmt.Errorf("variable %v is not supported. The pixel value is bound to A", token.Value)
			}
		}
	}
	return nil
}
