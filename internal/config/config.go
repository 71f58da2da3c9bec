package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "reflowline.yml"

// Config models reflowline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Reflow   ReflowConfig `yaml:"reflow"`
	Evidence struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"evidence"`
	Freeze struct {
		FrozenFields []string `yaml:"frozen_fields"`
	} `yaml:"freeze"`
	RBAC struct {
		Roles  map[string]RBACRole `yaml:"roles"`
		Actors map[string][]string `yaml:"actors"`
	} `yaml:"rbac"`
	Cache struct {
		RedisURL          string `yaml:"redis_url"`
		PreviewTTLSeconds int    `yaml:"preview_ttl_seconds"`
	} `yaml:"cache"`
	Archive struct {
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"archive"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ReflowConfig struct {
	WorkdayMinutes int    `yaml:"workday_minutes"`
	ProjectEnd     string `yaml:"project_end"`
	ViewMode       string `yaml:"view_mode"`
	RequestedBy    string `yaml:"requested_by"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxRetries     int      `yaml:"max_retries"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Stdout       bool   `yaml:"stdout"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

var validViewModes = map[string]bool{"": true, "live": true, "history": true, "approval": true, "compare": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Reflow.WorkdayMinutes < 0 || c.Reflow.WorkdayMinutes > 24*60 {
		return fmt.Errorf("config.reflow.workday_minutes must be between 0 and 1440")
	}
	if c.Reflow.ProjectEnd != "" {
		if _, err := time.Parse(time.RFC3339, c.Reflow.ProjectEnd); err != nil {
			return fmt.Errorf("config.reflow.project_end must be RFC3339: %w", err)
		}
	}
	if !validViewModes[c.Reflow.ViewMode] {
		return fmt.Errorf("config.reflow.view_mode %q is not one of live, history, approval, compare", c.Reflow.ViewMode)
	}
	for _, pattern := range c.Freeze.FrozenFields {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("config.freeze.frozen_fields contains an empty pattern")
		}
		for _, seg := range strings.Split(pattern, ".") {
			if seg == "" {
				return fmt.Errorf("frozen field pattern %q has an empty segment", pattern)
			}
		}
	}
	for evType := range c.Evidence.Catalog {
		if strings.TrimSpace(evType) == "" {
			return fmt.Errorf("config.evidence.catalog contains an empty evidence type")
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for actor, roles := range c.RBAC.Actors {
		if actor == "" {
			return fmt.Errorf("config.rbac.actors contains empty actor id")
		}
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("actor %s references unknown role %s", actor, roleID)
			}
		}
	}
	if c.Cache.PreviewTTLSeconds < 0 {
		return fmt.Errorf("config.cache.preview_ttl_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.MaxRetries < 0 {
			return fmt.Errorf("config.webhooks[%d].max_retries must not be negative", i)
		}
	}
	return nil
}

// ProjectEndTime returns the configured project end, or nil.
func (c *Config) ProjectEndTime() *time.Time {
	if c == nil || c.Reflow.ProjectEnd == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, c.Reflow.ProjectEnd)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// PreviewTTL is how long previews stay appliable.
func (c *Config) PreviewTTL() time.Duration {
	if c == nil || c.Cache.PreviewTTLSeconds == 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Cache.PreviewTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
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

const defaultTemplate = `project:
  id: %s
  name: ""

reflow:
  workday_minutes: 540
  view_mode: live
  requested_by: user:system

evidence:
  catalog:
    ptw:
      description: "Permit to work issued"
    lifting_plan:
      description: "Approved lifting plan"
    weather_window:
      description: "Weather window confirmed"
    photo:
      description: "Site photo"
    signature:
      description: "Supervisor sign-off"
    completion_report:
      description: "Completion report filed"

freeze:
  frozen_fields: []

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [reflow.preview, reflow.apply, activity.transition, evidence.attach, plan.edit, baseline.manage, apikey.manage]
    planner:
      description: "Plans and previews schedules"
      permissions: [reflow.preview, plan.edit, baseline.manage]
    approver:
      description: "Approves reflow runs"
      permissions: [reflow.preview, reflow.apply]
    operator:
      description: "Executes activities in the field"
      permissions: [activity.transition, evidence.attach]
  actors: {}

cache:
  redis_url: ""
  preview_ttl_seconds: 900

archive:
  postgres_url: ""

webhooks: []

telemetry:
  enabled: false
  stdout: false
  otlp_endpoint: ""
`
