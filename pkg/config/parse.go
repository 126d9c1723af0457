package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseConfigYAML parses a Config from YAML bytes and validates it.
// This is used for APIs where config is provided as payload (not via filesystem).
func ParseConfigYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Objective == "" {
		cfg.Objective = "sum_power"
	}
	if cfg.Design.Name == "" {
		cfg.Design.Name = "design"
	}
	if d := cfg.Termination.Decay; d != nil {
		if d.Component == "" {
			d.Component = "ez"
		}
		if d.Interval == 0 {
			d.Interval = 50
		}
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("source%d", i)
		}
		if s.Component == "" {
			s.Component = "ez"
		}
		if s.Pulse.Type == "" {
			s.Pulse.Type = "gaussian"
		}
	}
	for i := range cfg.Monitors {
		if cfg.Monitors[i].Name == "" {
			cfg.Monitors[i].Name = fmt.Sprintf("monitor%d", i)
		}
	}
	if o := cfg.Optimization; o != nil && o.StepSize == 0 {
		o.StepSize = 0.1
	}
}
