package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models valora.yml, the study protocol configuration.
type Config struct {
	Study struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"study"`
	Protocol struct {
		TTOTasks      int      `yaml:"tto_tasks"`
		PracticeTasks int      `yaml:"practice_tasks"`
		DCEPairs      int      `yaml:"dce_pairs"`
		LeadTimeYears float64  `yaml:"lead_time_years"`
		SliderStep    float64  `yaml:"slider_step"`
		HealthStates  []string `yaml:"health_states"`
	} `yaml:"protocol"`
	Quality struct {
		MinTimeSeconds     int `yaml:"min_time_seconds"`
		MinMoves           int `yaml:"min_moves"`
		InvariantThreshold int `yaml:"invariant_threshold"`
	} `yaml:"quality"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with valora study config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Study.ID == "" {
		return fmt.Errorf("config.study.id is required")
	}
	if c.Protocol.TTOTasks <= 0 {
		return fmt.Errorf("config.protocol.tto_tasks must be positive")
	}
	if c.Protocol.PracticeTasks < 0 {
		return fmt.Errorf("config.protocol.practice_tasks must not be negative")
	}
	if c.Protocol.LeadTimeYears <= 0 {
		return fmt.Errorf("config.protocol.lead_time_years must be positive")
	}
	if c.Protocol.SliderStep <= 0 {
		return fmt.Errorf("config.protocol.slider_step must be positive")
	}
	if len(c.Protocol.HealthStates) > 0 && len(c.Protocol.HealthStates) < c.Protocol.TTOTasks {
		return fmt.Errorf("config.protocol.health_states lists %d states for %d tto tasks",
			len(c.Protocol.HealthStates), c.Protocol.TTOTasks)
	}
	for i, hs := range c.Protocol.HealthStates {
		if len(hs) != 5 {
			return fmt.Errorf("config.protocol.health_states[%d] %q is not a 5-digit EQ-5D state code", i, hs)
		}
		for _, ch := range hs {
			if ch < '1' || ch > '5' {
				return fmt.Errorf("config.protocol.health_states[%d] %q has level outside 1-5", i, hs)
			}
		}
	}
	if c.Quality.MinTimeSeconds < 0 {
		return fmt.Errorf("config.quality.min_time_seconds must not be negative")
	}
	if c.Quality.InvariantThreshold < 2 {
		return fmt.Errorf("config.quality.invariant_threshold must be at least 2")
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// HealthStateForTask returns the state code a TTO task presents (1-based).
func (c *Config) HealthStateForTask(taskNumber int) string {
	if taskNumber < 1 || taskNumber > len(c.Protocol.HealthStates) {
		return ""
	}
	return c.Protocol.HealthStates[taskNumber-1]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "valora.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a study.
func Default(studyID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, studyID))).Decode(&cfg)
	cfg.Study.ID = studyID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `study:
  id: %s
  name: "Health state valuation study"

protocol:
  # EQ-VT convention: ten TTO tasks preceded by three practice states.
  tto_tasks: 10
  practice_tasks: 3
  dce_pairs: 7
  lead_time_years: 10
  slider_step: 0.5
  health_states:
    - "21111"
    - "11121"
    - "12111"
    - "11212"
    - "13212"
    - "12121"
    - "22122"
    - "34244"
    - "43514"
    - "55555"

quality:
  min_time_seconds: 10
  min_moves: 1
  invariant_threshold: 3

notifications:
  webhooks: []
`
