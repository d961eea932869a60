package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confdeploy/pkg/deployer"
	"github.com/openfroyo/confdeploy/pkg/diff"
	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/stores"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
)

// Environment variables that override file settings.
const (
	EnvLogLevel    = "LOG_LEVEL"
	EnvDatabase    = "CONFDEPLOY_DB"
	EnvPolicyDir   = "CONFDEPLOY_POLICY_DIR"
	EnvEnvironment = "CONFDEPLOY_ENV"
)

// Config is the application configuration.
type Config struct {
	// Store configures the SQLite database.
	Store stores.Config `yaml:"store"`

	// Telemetry configures logging, tracing, metrics and the event bus.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Orchestrator holds concurrency limits and the fallback rollout policy.
	Orchestrator engine.OrchestratorConfig `yaml:"orchestrator"`

	// Diff configures format resolution, critical paths and the comparison cache.
	Diff diff.Config `yaml:"diff"`

	// Policy configures admission control.
	Policy PolicyConfig `yaml:"policy"`

	// Deployer configures SSH access and the per configType profiles.
	Deployer deployer.Config `yaml:"deployer"`
}

// PolicyConfig configures the admission policy engine.
type PolicyConfig struct {
	// Enabled turns admission control on.
	Enabled bool `yaml:"enabled"`

	// Dir holds custom .rego and .json policies. Empty loads only the built-ins.
	Dir string `yaml:"dir"`

	// Watch reloads Dir when a policy file changes.
	Watch bool `yaml:"watch"`

	// Environment is passed to policies as input.context.environment.
	Environment string `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: stores.Config{
			Path: "confdeploy.db",
		},
		Telemetry:    *telemetry.DefaultConfig(),
		Orchestrator: engine.DefaultOrchestratorConfig(),
		Diff:         diff.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled:     true,
			Environment: "development",
		},
		Deployer: deployer.DefaultConfig(),
	}
}

// Load reads a configuration file over the defaults. The format follows the
// extension: .yaml, .yml and .json are decoded as YAML, .cue is evaluated
// and checked against the CUE schema first. Map sections such as deployer
// profiles are merged key by key with the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case ".cue":
		data, err = evaluateCUE(path, data)
		if err != nil {
			return nil, err
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it is set and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvPolicyDir); v != "" {
		c.Policy.Dir = v
	}
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Policy.Environment = v
		c.Telemetry.Environment = v
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if err := c.Deployer.Validate(); err != nil {
		return err
	}
	for configType, format := range c.Diff.Formats {
		switch format {
		case diff.FormatYAML, diff.FormatJSON, diff.FormatCUE, diff.FormatText:
		default:
			return fmt.Errorf("invalid config: unknown diff format %q for %s", format, configType)
		}
	}
	return nil
}
