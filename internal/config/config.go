package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config models orderline.yml.
type Config struct {
	Processor ProcessorConfig `yaml:"processor"`
	Approval  ApprovalConfig  `yaml:"approval"`
}

// ProcessorConfig holds the polling scheduler tunables.
type ProcessorConfig struct {
	PollIntervalMs    int64 `yaml:"poll_interval_ms"`
	LeaseDurationMs   int64 `yaml:"lease_duration_ms"`
	RetryBaseMs       int64 `yaml:"retry_base_ms"`
	RetryMaxMs        int64 `yaml:"retry_max_ms"`
	MaxAttempts       int   `yaml:"max_attempts"`
	ExecutorTimeoutMs int64 `yaml:"executor_timeout_ms"`
}

// ApprovalConfig feeds the decision engine.
type ApprovalConfig struct {
	AutoApproveLowRisk      bool               `yaml:"auto_approve_low_risk"`
	RequireHumanForHighRisk bool               `yaml:"require_human_approval_for_high_risk"`
	SeverityThresholds      SeverityThresholds `yaml:"severity_thresholds"`
	Quality                 QualityPolicy      `yaml:"quality"`
	RiskChecks              []RiskCheck        `yaml:"risk_checks"`
	Recommendations         []string           `yaml:"recommendations"`
}

type SeverityThresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// QualityPolicy scores an execution result's output.
type QualityPolicy struct {
	MinScore            int               `yaml:"min_score"`
	RequiredFields      []string          `yaml:"required_fields"`
	FormatRequirements  map[string]string `yaml:"format_requirements"`
	ContentRequirements []string          `yaml:"content_requirements"`
}

// RiskCheck is one configured detection. Pattern checks match the serialized
// output and log text; heuristic checks look at timing, log volume and
// output shape.
type RiskCheck struct {
	Name        string  `yaml:"name"`
	Kind        string  `yaml:"kind"` // pattern | heuristic | custom
	Pattern     string  `yaml:"pattern,omitempty"`
	ThresholdMs int64   `yaml:"threshold_ms,omitempty"`
	Weight      float64 `yaml:"weight,omitempty"`
	Description string  `yaml:"description,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ol config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. An empty quality
// policy with no risk checks is valid and evaluates as vacuously passing;
// that permissive default is deliberate.
func (c *Config) Validate() error {
	p := &c.Processor
	if p.PollIntervalMs <= 0 {
		return fmt.Errorf("config.processor.poll_interval_ms must be positive")
	}
	if p.LeaseDurationMs <= 0 {
		return fmt.Errorf("config.processor.lease_duration_ms must be positive")
	}
	if p.RetryBaseMs <= 0 || p.RetryMaxMs < p.RetryBaseMs {
		return fmt.Errorf("config.processor retry backoff must satisfy 0 < retry_base_ms <= retry_max_ms")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("config.processor.max_attempts must be positive")
	}
	t := c.Approval.SeverityThresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("config.approval.severity_thresholds must be strictly increasing")
	}
	if c.Approval.Quality.MinScore < 0 || c.Approval.Quality.MinScore > 100 {
		return fmt.Errorf("config.approval.quality.min_score must be in [0,100]")
	}
	for i, chk := range c.Approval.RiskChecks {
		if chk.Name == "" {
			return fmt.Errorf("risk check %d has no name", i)
		}
		switch chk.Kind {
		case "pattern":
			if chk.Pattern == "" {
				return fmt.Errorf("risk check %s: pattern kind requires a pattern", chk.Name)
			}
			if _, err := regexp.Compile(chk.Pattern); err != nil {
				return fmt.Errorf("risk check %s: invalid pattern: %w", chk.Name, err)
			}
		case "heuristic", "custom":
		default:
			return fmt.Errorf("risk check %s: unknown kind %q", chk.Name, chk.Kind)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orderline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `processor:
  poll_interval_ms: 250
  lease_duration_ms: 30000
  retry_base_ms: 1500
  retry_max_ms: 30000
  max_attempts: 10
  executor_timeout_ms: 300000

approval:
  auto_approve_low_risk: true
  require_human_approval_for_high_risk: true

  severity_thresholds:
    low: 0.3
    medium: 0.5
    high: 0.7
    critical: 0.9

  quality:
    min_score: 70
    required_fields: [result]
    format_requirements: {}
    content_requirements: []

  risk_checks:
    - name: secrets-in-output
      kind: pattern
      pattern: '(?i)(api[_-]?key|secret|password)\s*[:=]'
      description: "Output or logs appear to contain credentials"
    - name: slow-execution
      kind: heuristic
      threshold_ms: 120000
      description: "Execution took unusually long"

  recommendations:
    - "Re-run the order with a narrower description"
`
