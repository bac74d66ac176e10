// Package config loads and validates the gateway's YAML configuration.
// Configuration errors are fatal at startup; by the time a config is
// handed to the engine every pattern has compiled and every enum has
// parsed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mchahed99/heimdall-sub000/pkg/drift"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// Sink types accepted in the sinks list.
const (
	SinkStdout  = "stdout"
	SinkWebhook = "webhook"
	SinkOTLP    = "otlp"
)

// Rate-limit backends.
const (
	RateLimitMemory = "memory"
	RateLimitChain  = "chain"
	RateLimitRedis  = "redis"
)

// Storage adapters.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Defaults applies when no ward matches a call.
type Defaults struct {
	Action   ward.Decision `yaml:"action"`
	Severity ward.Severity `yaml:"severity"`
}

// SinkConfig declares one sink. Fields beyond Type and Events apply to
// specific sink types.
type SinkConfig struct {
	Type   string          `yaml:"type"`
	Events []ward.Decision `yaml:"events,omitempty"`

	// webhook
	URL           string            `yaml:"url,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	TimeoutMs     int               `yaml:"timeout_ms,omitempty"`
	RatePerSecond float64           `yaml:"rate_per_second,omitempty"`
	Burst         int               `yaml:"burst,omitempty"`

	// otlp
	Endpoint       string `yaml:"endpoint,omitempty"`
	Insecure       bool   `yaml:"insecure,omitempty"`
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`
}

// StorageConfig selects the chain's storage adapter.
type StorageConfig struct {
	Adapter string `yaml:"adapter,omitempty"` // "sqlite" (default) or "memory"
	Path    string `yaml:"path,omitempty"`
}

// RateLimitConfig selects the rate-limit provider backing
// max_calls_per_minute conditions.
type RateLimitConfig struct {
	Backend string `yaml:"backend,omitempty"` // memory (default), chain, redis
	Addr    string `yaml:"addr,omitempty"`    // redis address
}

// DriftConfig sets the response to a changed tool catalogue.
type DriftConfig struct {
	Action  drift.Action `yaml:"action,omitempty"`
	Message string       `yaml:"message,omitempty"`
}

// AIAnalysisConfig gates the advisory risk analyzer.
type AIAnalysisConfig struct {
	Enabled      bool `yaml:"enabled"`
	Threshold    int  `yaml:"threshold,omitempty"`
	BudgetTokens int  `yaml:"budget_tokens,omitempty"`
}

// BifrostConfig is the root document.
type BifrostConfig struct {
	Version    string           `yaml:"version"`
	Realm      string           `yaml:"realm"`
	Extends    []string         `yaml:"extends,omitempty"`
	Defaults   Defaults         `yaml:"defaults,omitempty"`
	Wards      []ward.Ward      `yaml:"wards,omitempty"`
	Sinks      []SinkConfig     `yaml:"sinks,omitempty"`
	Storage    StorageConfig    `yaml:"storage,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`
	Drift      DriftConfig      `yaml:"drift,omitempty"`
	AIAnalysis AIAnalysisConfig `yaml:"ai_analysis,omitempty"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Interpolate expands ${VAR} and ${VAR:-default} references. A ${VAR}
// with no default and no environment value is an error.
func Interpolate(raw string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(raw, func(m string) string {
		groups := envPattern.FindStringSubmatch(m)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config: unresolved environment variables: %v", missing)
	}
	return out, nil
}

// Load reads, interpolates, resolves extends, and fully validates a
// config file. Plugins resolve non-built-in ward condition keys during
// pattern compilation.
func Load(path string, plugins map[string]ward.ConditionPlugin) (*BifrostConfig, error) {
	cfg, err := load(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(plugins); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, visiting map[string]bool) (*BifrostConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	if visiting[abs] {
		return nil, fmt.Errorf("config: extends cycle through %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	text, err := Interpolate(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}

	if err := validateSchema(path, []byte(text)); err != nil {
		return nil, err
	}

	var cfg BifrostConfig
	if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	// Extended files contribute their wards ahead of local ones, in
	// declaration order. Everything else stays local.
	if len(cfg.Extends) > 0 {
		var inherited []ward.Ward
		for _, ref := range cfg.Extends {
			if !filepath.IsAbs(ref) {
				ref = filepath.Join(filepath.Dir(abs), ref)
			}
			parent, err := load(ref, visiting)
			if err != nil {
				return nil, err
			}
			inherited = append(inherited, parent.Wards...)
		}
		cfg.Wards = append(inherited, cfg.Wards...)
	}
	return &cfg, nil
}

// Validate applies semantic checks beyond the schema: enum parsing, per
// sink-type requirements, and ward pattern compilation. Regex failures
// surface here rather than at evaluation time.
func (c *BifrostConfig) Validate(plugins map[string]ward.ConditionPlugin) error {
	if c.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("config: realm is required")
	}

	if c.Defaults.Action == "" {
		c.Defaults.Action = ward.DecisionPass
	} else if _, err := ward.ParseDecision(string(c.Defaults.Action)); err != nil {
		return fmt.Errorf("config: defaults.action: %w", err)
	}
	if c.Defaults.Severity == "" {
		c.Defaults.Severity = ward.SeverityLow
	} else if _, err := ward.ParseSeverity(string(c.Defaults.Severity)); err != nil {
		return fmt.Errorf("config: defaults.severity: %w", err)
	}

	if c.Drift.Action == "" {
		c.Drift.Action = drift.ActionWarn
	} else if !c.Drift.Action.Valid() {
		return fmt.Errorf("config: drift.action: unknown value %q", c.Drift.Action)
	}

	switch c.Storage.Adapter {
	case "", StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("config: storage.adapter: unknown value %q", c.Storage.Adapter)
	}

	switch c.RateLimit.Backend {
	case "", RateLimitMemory, RateLimitChain:
	case RateLimitRedis:
		if c.RateLimit.Addr == "" {
			return fmt.Errorf("config: rate_limit.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: rate_limit.backend: unknown value %q", c.RateLimit.Backend)
	}

	for i, s := range c.Sinks {
		switch s.Type {
		case SinkStdout:
		case SinkWebhook:
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook sink requires url", i)
			}
		case SinkOTLP:
			if s.Endpoint == "" {
				return fmt.Errorf("config: sinks[%d]: otlp sink requires endpoint", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown sink type %q", i, s.Type)
		}
		for _, d := range s.Events {
			if _, err := ward.ParseDecision(string(d)); err != nil {
				return fmt.Errorf("config: sinks[%d].events: %w", i, err)
			}
		}
	}

	if _, err := ward.CompileWards(c.Wards, plugins); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
