package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models threadline.yml. It is loaded once at startup and passed by
// reference; nothing mutates it after Validate.
type Config struct {
	Identity struct {
		ID     string `yaml:"id"`
		Sphere string `yaml:"sphere"`
	} `yaml:"identity"`
	Gate struct {
		WindowHours  int      `yaml:"window_hours"`
		ImpactLevels []string `yaml:"impact_levels"`
		ActionTypes  []string `yaml:"action_types"`
	} `yaml:"gate"`
	Aging struct {
		GreenHours  int `yaml:"green_hours"`
		YellowDays  int `yaml:"yellow_days"`
		RedDays     int `yaml:"red_days"`
		BlinkDays   int `yaml:"blink_days"`
		ArchiveDays int `yaml:"archive_days"`
	} `yaml:"aging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Webhooks     []WebhookConfig    `yaml:"webhooks"`
}

// OrchestratorConfig tunes configuration selection and escalation:
// live_candidate_limit caps the catalog in LIVE mode, escalation_quality is
// both the limit-override threshold and the escalated quality floor, and
// correction_threshold is the patch count after which a thread escalates.
type OrchestratorConfig struct {
	LiveCandidateLimit   int                 `yaml:"live_candidate_limit"`
	EscalationQuality    float64             `yaml:"escalation_quality"`
	CorrectionThreshold  int                 `yaml:"correction_threshold"`
	Checks               []string            `yaml:"checks"`
	EscalatedExtraChecks []string            `yaml:"escalated_extra_checks"`
	Configurations       []ConfigurationSpec `yaml:"configurations"`
}

// ConfigurationSpec is one entry of the orchestration configuration catalog.
type ConfigurationSpec struct {
	Name      string   `yaml:"name"`
	Cost      float64  `yaml:"cost"`
	LatencyMS int      `yaml:"latency_ms"`
	Quality   float64  `yaml:"quality"`
	Checks    []string `yaml:"checks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Identity.ID == "" {
		return fmt.Errorf("config.identity.id is required")
	}
	if c.Gate.WindowHours <= 0 {
		return fmt.Errorf("config.gate.window_hours must be positive")
	}
	for _, lvl := range c.Gate.ImpactLevels {
		switch lvl {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("config.gate.impact_levels contains unknown level %s", lvl)
		}
	}
	for _, at := range c.Gate.ActionTypes {
		if strings.TrimSpace(at) == "" {
			return fmt.Errorf("config.gate.action_types contains empty entry")
		}
	}
	a := c.Aging
	if !(a.GreenHours > 0 && a.YellowDays > 0 && a.RedDays > a.YellowDays && a.BlinkDays > a.RedDays && a.ArchiveDays >= a.BlinkDays) {
		return fmt.Errorf("config.aging thresholds must be positive and strictly ordered")
	}
	o := c.Orchestrator
	if o.LiveCandidateLimit <= 0 {
		return fmt.Errorf("config.orchestrator.live_candidate_limit must be positive")
	}
	if o.EscalationQuality <= 0 || o.EscalationQuality > 1 {
		return fmt.Errorf("config.orchestrator.escalation_quality must be in (0,1]")
	}
	if o.CorrectionThreshold <= 0 {
		return fmt.Errorf("config.orchestrator.correction_threshold must be positive")
	}
	if len(o.Configurations) == 0 {
		return fmt.Errorf("config.orchestrator.configurations is required")
	}
	seen := map[string]bool{}
	for _, spec := range o.Configurations {
		if spec.Name == "" {
			return fmt.Errorf("configuration with empty name")
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate configuration %s", spec.Name)
		}
		seen[spec.Name] = true
		if spec.Cost < 0 || spec.LatencyMS < 0 {
			return fmt.Errorf("configuration %s has negative cost or latency", spec.Name)
		}
		if spec.Quality < 0 || spec.Quality > 1 {
			return fmt.Errorf("configuration %s quality must be in [0,1]", spec.Name)
		}
	}
	return nil
}

// GateRequires reports whether the fixed policy table gates the given
// action_type/impact combination. Patterns ending in * are prefix matches.
func (c *Config) GateRequires(actionType, impact string) bool {
	for _, lvl := range c.Gate.ImpactLevels {
		if impact == lvl {
			return true
		}
	}
	for _, pattern := range c.Gate.ActionTypes {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(actionType, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		} else if actionType == pattern {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "threadline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(identityID string) string {
	return fmt.Sprintf(defaultTemplate, identityID)
}

// Default returns the default Config struct for an identity.
func Default(identityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, identityID))).Decode(&cfg)
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

const defaultTemplate = `identity:
  id: %s
  sphere: default-sphere

gate:
  window_hours: 24
  impact_levels: [high, critical]
  action_types:
    - delete_*
    - export_*
    - purge_*
    - publish_*
    - send_external
    - transfer_ownership
    - agent_execute_l2
    - agent_execute_l3

aging:
  green_hours: 24
  yellow_days: 3
  red_days: 7
  blink_days: 10
  archive_days: 10

orchestrator:
  live_candidate_limit: 3
  escalation_quality: 0.85
  correction_threshold: 3
  checks:
    - syntax
    - consistency
    - policy
    - safety
    - provenance
  escalated_extra_checks:
    - human_review
    - cross_reference
  configurations:
    - name: quick-scan
      cost: 200
      latency_ms: 300
      quality: 0.45
      checks: [syntax]
    - name: standard-review
      cost: 600
      latency_ms: 1200
      quality: 0.65
      checks: [syntax, consistency]
    - name: careful-review
      cost: 1500
      latency_ms: 2500
      quality: 0.80
      checks: [syntax, consistency, policy]
    - name: expert-panel
      cost: 4000
      latency_ms: 6000
      quality: 0.92
      checks: [syntax, consistency, policy, safety]
    - name: full-audit
      cost: 9000
      latency_ms: 15000
      quality: 0.98
      checks: [syntax, consistency, policy, safety, provenance]
`
