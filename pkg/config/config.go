// Package config provides configuration loading and management for visflag.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"visflag/pkg/flagfile"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// Dataset is the path of the dataset descriptor
		Dataset string `yaml:"dataset"`

		// CoarseChannels selects coarse channel indices, empty for all
		CoarseChannels []int `yaml:"coarseChannels,omitempty"`

		// Timesteps selects timestep indices, empty for all
		Timesteps []int `yaml:"timesteps,omitempty"`
	} `yaml:"input"`

	// Processing parameters
	Processing struct {
		// NumCores bounds the number of concurrent flagging workers
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Flagging parameters
	Flagging struct {
		// Strategy is a built-in strategy name or a strategy file
		Strategy string `yaml:"strategy"`
	} `yaml:"flagging"`

	// Output parameters
	Output struct {
		// FlagTemplate names the flag files, a run of '%' is replaced by the gpubox id
		FlagTemplate string `yaml:"flagTemplate"`

		// Verify reads the flag files back after writing them
		Verify bool `yaml:"verify"`

		// ReportFile receives the occupancy report, empty to skip it
		ReportFile string `yaml:"reportFile,omitempty"`

		// SaveIntermediaryResults determines whether to save images of sampled baselines
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where intermediary images are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Flagging.Strategy = "default"

	cfg.Output.FlagTemplate = "Flagfile%%.mwaf"
	cfg.Output.Verify = false
	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate reports settings that cannot produce a run.
func (c *Config) Validate() error {
	if c.Input.Dataset == "" {
		return fmt.Errorf("input.dataset is required")
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("processing.numCores must not be negative, got %d", c.Processing.NumCores)
	}
	if c.Flagging.Strategy == "" {
		return fmt.Errorf("flagging.strategy is required")
	}
	if _, err := flagfile.ExpandTemplate(c.Output.FlagTemplate, 0); err != nil {
		return fmt.Errorf("output.flagTemplate: %w", err)
	}
	if c.Output.SaveIntermediaryResults && c.Output.IntermediaryDir == "" {
		return fmt.Errorf("output.intermediaryDir is required when saving intermediary results")
	}
	return nil
}
