package harness

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/forgi86/extension-cpp/gradcheck"
)

// GradcheckConfig holds finite-difference settings.
type GradcheckConfig struct {
	Eps  float64 `yaml:"eps"`
	Atol float64 `yaml:"atol"`
	Rtol float64 `yaml:"rtol"`
}

// Config sizes the sample inputs and tunes the checks.
type Config struct {
	BatchSize int             `yaml:"batch_size"`
	Features  int             `yaml:"features"`
	StateSize int             `yaml:"state_size"`
	Seed      uint64          `yaml:"seed"`
	Gradcheck GradcheckConfig `yaml:"gradcheck"`
}

// DefaultConfig returns batch 3, 17 features, state 5 and the standard
// gradcheck tolerances.
func DefaultConfig() Config {
	g := gradcheck.DefaultOptions()
	return Config{
		BatchSize: 3,
		Features:  17,
		StateSize: 5,
		Gradcheck: GradcheckConfig{Eps: g.Eps, Atol: g.Atol, Rtol: g.Rtol},
	}
}

// LoadConfig reads a yaml file on top of DefaultConfig. Keys missing from
// the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects non-positive sizes and tolerances.
func (c Config) Validate() error {
	var errs []error
	sizes := []struct {
		name string
		v    int
	}{{"batch_size", c.BatchSize}, {"features", c.Features}, {"state_size", c.StateSize}}
	for _, f := range sizes {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	tols := []struct {
		name string
		v    float64
	}{{"gradcheck.eps", c.Gradcheck.Eps}, {"gradcheck.atol", c.Gradcheck.Atol}, {"gradcheck.rtol", c.Gradcheck.Rtol}}
	for _, f := range tols {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", f.name, f.v))
		}
	}
	return errors.Join(errs...)
}

func (c Config) gradcheckOptions() gradcheck.Options {
	return gradcheck.Options{Eps: c.Gradcheck.Eps, Atol: c.Gradcheck.Atol, Rtol: c.Gradcheck.Rtol}
}
