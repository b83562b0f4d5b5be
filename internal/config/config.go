package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models complyline.yml.
type Config struct {
	Operator struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"operator"`
	Governance struct {
		Roles            []string `yaml:"roles"`
		Remediation      string   `yaml:"remediation"`
		EnforceAuthority bool     `yaml:"enforce_authority"`
	} `yaml:"governance"`
	Evidence struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		Require []string `yaml:"require"`
	} `yaml:"evidence"`
	WorkOrders struct {
		DefaultDowntime string `yaml:"default_downtime"`
		AssignedTeam    string `yaml:"assigned_team"`
	} `yaml:"work_orders"`
	Collaborators struct {
		Retry RetryConfig `yaml:"retry"`
	} `yaml:"collaborators"`
	Logging  LoggingConfig   `yaml:"logging"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RetryConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type ServerConfig struct {
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	RemediationResubmit = "resubmit"
	RemediationCancel   = "cancel"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Operator.ID == "" {
		return fmt.Errorf("config.operator.id is required")
	}
	if len(c.Governance.Roles) == 0 {
		return fmt.Errorf("config.governance.roles is required")
	}
	seen := map[string]bool{}
	for _, role := range c.Governance.Roles {
		if role == "" {
			return fmt.Errorf("config.governance.roles contains empty role")
		}
		if seen[role] {
			return fmt.Errorf("config.governance.roles lists %s twice", role)
		}
		seen[role] = true
	}
	switch c.Governance.Remediation {
	case RemediationResubmit, RemediationCancel:
	default:
		return fmt.Errorf("config.governance.remediation must be 'resubmit' or 'cancel'")
	}
	for _, kind := range c.Evidence.Require {
		if kind == "" {
			return fmt.Errorf("config.evidence.require has empty kind")
		}
		if len(c.Evidence.Catalog) > 0 {
			if _, ok := c.Evidence.Catalog[kind]; !ok {
				return fmt.Errorf("evidence requires unknown document kind %s", kind)
			}
		}
	}
	r := c.Collaborators.Retry
	if r.MaxAttempts < 0 {
		return fmt.Errorf("config.collaborators.retry.max_attempts must be >= 0")
	}
	for name, v := range map[string]string{"initial_interval": r.InitialInterval, "max_interval": r.MaxInterval} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config.collaborators.retry.%s: %w", name, err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RequiresRole reports whether role is one of the governance roles.
func (c *Config) RequiresRole(role string) bool {
	for _, r := range c.Governance.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RetryIntervals returns the parsed backoff bounds with defaults applied.
func (c *Config) RetryIntervals() (initial, max time.Duration) {
	initial, max = 200*time.Millisecond, 5*time.Second
	if d, err := time.ParseDuration(c.Collaborators.Retry.InitialInterval); err == nil && d > 0 {
		initial = d
	}
	if d, err := time.ParseDuration(c.Collaborators.Retry.MaxInterval); err == nil && d > 0 {
		max = d
	}
	return initial, max
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "complyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(operatorID string) string {
	return fmt.Sprintf(defaultTemplate, operatorID)
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

// Default returns the default Config struct for an operator.
func Default(operatorID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(operatorID))).Decode(&cfg)
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

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `operator:
  id: %s
  name: ""

governance:
  roles: [Safety Engineer, Maintenance Planner, Compliance Manager]
  remediation: resubmit
  enforce_authority: false

evidence:
  catalog:
    original_ad:
      description: "Original AD PDF as issued by the authority"
    parsed_data:
      description: "Structured requirement produced by ingestion"
    impact_analysis:
      description: "Affected aircraft set from fleet impact analysis"
    work_orders:
      description: "Work orders derived for each affected aircraft"
    completion_certificate:
      description: "Certificate of release for a completed work order"
    photo_evidence:
      description: "Photos taken during the maintenance action"
    audit_trail:
      description: "Audit trail log of pipeline events"
  require: [parsed_data, impact_analysis, work_orders, completion_certificate]

work_orders:
  default_downtime: "4 hours"
  assigned_team: ""

collaborators:
  retry:
    max_attempts: 5
    initial_interval: 200ms
    max_interval: 5s

logging:
  level: info
  format: console
  output: stderr

server:
  rate_limit:
    rps: 20
    burst: 40
`
