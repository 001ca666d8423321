package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	processing "aquaflow/internal/processing/application"
)

// ProcessingDefaults are operator defaults applied beneath
// schema-declared rules.
type ProcessingDefaults struct {
	FlowEpsilon       float64                     `yaml:"flow_epsilon"`
	TotalDeltaEpsilon float64                     `yaml:"total_delta_epsilon"`
	Ranges            map[string]processing.Range `yaml:"ranges"`
}

// QueueSettings tune the submission queue.
type QueueSettings struct {
	MaxRetries      int `yaml:"max_retries"`
	BackoffSeconds  int `yaml:"backoff_seconds"`
	BatchSize       int `yaml:"batch_size"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Backoff returns the base retry delay.
func (q QueueSettings) Backoff() time.Duration {
	return time.Duration(q.BackoffSeconds) * time.Second
}

// Interval returns the batch pass cadence.
func (q QueueSettings) Interval() time.Duration {
	return time.Duration(q.IntervalSeconds) * time.Second
}

// Runtime is the operational configuration loaded at startup.
type Runtime struct {
	Processing ProcessingDefaults `yaml:"processing"`
	Queue      QueueSettings      `yaml:"queue"`
	// Timezone used for regulatory local date/time fields.
	Timezone string `yaml:"timezone"`
}

// LoadRuntime loads runtime config from the yaml file named by
// AQUAFLOW_CONFIG, falling back to defaults.
func LoadRuntime() (Runtime, error) {
	cfg := Runtime{
		Processing: ProcessingDefaults{
			FlowEpsilon:       0.001,
			TotalDeltaEpsilon: 0.000001,
		},
		Queue: QueueSettings{
			MaxRetries:      3,
			BackoffSeconds:  300,
			BatchSize:       50,
			IntervalSeconds: 60,
		},
		Timezone: "Local",
	}

	if path := os.Getenv("AQUAFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Location resolves the configured timezone.
func (r Runtime) Location() (*time.Location, error) {
	if r.Timezone == "" || r.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}
