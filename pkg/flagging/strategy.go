// Package flagging runs a flagging engine over per-baseline image sets.
//
// The Engine interface is the boundary to the RFI detector. A built-in
// SumThreshold engine is provided so the tool works without an external one.
package flagging

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"visflag/internal/models"
)

// Background estimation methods.
const (
	BackgroundNone    = "none"
	BackgroundFourier = "fourier"
	BackgroundPolyfit = "polyfit"
)

// Background configures the smooth component subtracted before thresholding.
type Background struct {
	// Method is one of none, fourier, polyfit
	Method string `yaml:"method"`

	// Cutoff is the fraction of Fourier coefficients kept by the low-pass filter
	Cutoff float64 `yaml:"cutoff,omitempty"`

	// Order is the polynomial order of the polyfit background
	Order int `yaml:"order,omitempty"`
}

// Strategy is a loaded flagging strategy. It is read-only once loaded and is
// shared by every concurrent engine invocation.
type Strategy struct {
	Name string `yaml:"name"`

	// Iterations of background estimation and thresholding. The threshold of
	// iteration i is scaled by 2^(Iterations-1-i), the last one uses Threshold.
	Iterations int `yaml:"iterations"`

	// Threshold is the single-sample threshold in units of the noise sigma.
	Threshold float64 `yaml:"threshold"`

	// ThresholdFactor divides the threshold each time the window doubles.
	ThresholdFactor float64 `yaml:"thresholdFactor"`

	// WindowLengths are the SumThreshold window sizes, in samples.
	WindowLengths []int `yaml:"windowLengths"`

	TimeDirection      bool `yaml:"timeDirection"`
	FrequencyDirection bool `yaml:"frequencyDirection"`

	Background Background `yaml:"background"`
}

// builtinStrategies are selectable by name.
var builtinStrategies = map[string]Strategy{
	"default": {
		Name:               "default",
		Iterations:         2,
		Threshold:          6,
		ThresholdFactor:    1.5,
		WindowLengths:      []int{1, 2, 4, 8, 16, 32, 64},
		TimeDirection:      true,
		FrequencyDirection: true,
		Background:         Background{Method: BackgroundFourier, Cutoff: 0.1},
	},
	"minimal": {
		Name:            "minimal",
		Iterations:      1,
		Threshold:       6,
		ThresholdFactor: 1.5,
		WindowLengths:   []int{1},
		TimeDirection:   true,
		Background:      Background{Method: BackgroundNone},
	},
	"polyfit": {
		Name:               "polyfit",
		Iterations:         2,
		Threshold:          5,
		ThresholdFactor:    1.5,
		WindowLengths:      []int{1, 2, 4, 8, 16},
		TimeDirection:      true,
		FrequencyDirection: true,
		Background:         Background{Method: BackgroundPolyfit, Order: 2},
	},
}

// BuiltinStrategies lists the names accepted by LoadStrategy without a file.
func BuiltinStrategies() []string {
	return []string{"default", "minimal", "polyfit"}
}

// LoadStrategy returns a built-in strategy by name, or parses a YAML strategy
// file. Fields missing from the file take the values of the default strategy.
func LoadStrategy(nameOrPath string) (*Strategy, error) {
	if s, ok := builtinStrategies[nameOrPath]; ok {
		s.WindowLengths = append([]int(nil), s.WindowLengths...)
		return &s, nil
	}

	data, err := os.ReadFile(nameOrPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q is neither a built-in name nor a file", models.ErrUnknownStrategy, nameOrPath)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading strategy file: %w", err)
	}

	s := builtinStrategies["default"]
	s.WindowLengths = nil
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("error parsing strategy file: %w", err)
	}
	if s.WindowLengths == nil {
		s.WindowLengths = append([]int(nil), builtinStrategies["default"].WindowLengths...)
	}
	if s.Name == "" || s.Name == "default" {
		s.Name = nameOrPath
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports parameters the engine cannot run with.
func (s *Strategy) Validate() error {
	switch {
	case s.Iterations < 1:
		return fmt.Errorf("%w: strategy %s: iterations must be positive", models.ErrEngine, s.Name)
	case s.Threshold <= 0:
		return fmt.Errorf("%w: strategy %s: threshold must be positive", models.ErrEngine, s.Name)
	case s.ThresholdFactor < 1:
		return fmt.Errorf("%w: strategy %s: thresholdFactor must be at least 1", models.ErrEngine, s.Name)
	case len(s.WindowLengths) == 0:
		return fmt.Errorf("%w: strategy %s: no window lengths", models.ErrEngine, s.Name)
	case !s.TimeDirection && !s.FrequencyDirection:
		return fmt.Errorf("%w: strategy %s: no flagging direction enabled", models.ErrEngine, s.Name)
	}
	for _, n := range s.WindowLengths {
		if n < 1 {
			return fmt.Errorf("%w: strategy %s: window length %d", models.ErrEngine, s.Name, n)
		}
	}
	switch s.Background.Method {
	case BackgroundNone, "":
	case BackgroundFourier:
		if s.Background.Cutoff <= 0 || s.Background.Cutoff > 1 {
			return fmt.Errorf("%w: strategy %s: fourier cutoff %g outside (0,1]", models.ErrEngine, s.Name, s.Background.Cutoff)
		}
	case BackgroundPolyfit:
		if s.Background.Order < 0 {
			return fmt.Errorf("%w: strategy %s: negative polynomial order", models.ErrEngine, s.Name)
		}
	default:
		return fmt.Errorf("%w: strategy %s: unknown background method %q", models.ErrEngine, s.Name, s.Background.Method)
	}
	return nil
}
