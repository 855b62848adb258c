// Package config manages relay configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the relay operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SourceVariant selects the upstream transport for the event stream.
type SourceVariant string

const (
	// SourceSSH streams events from `gerrit stream-events` over SSH.
	SourceSSH SourceVariant = "ssh"
	// SourceFirehose subscribes to the MQTT firehose topic tree.
	SourceFirehose SourceVariant = "firehose"
)

// GerritConfig holds SSH stream connection parameters.
type GerritConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Keyfile  string `yaml:"keyfile"`
}

// FirehoseConfig holds MQTT firehose connection parameters.
type FirehoseConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Transport string `yaml:"transport"`
	Topic     string `yaml:"topic"`
}

// RulesConfig defines the admission rule snapshot. Empty lists admit all.
type RulesConfig struct {
	Projects      []string `yaml:"projects"`
	Emails        []string `yaml:"emails"`
	EmailSuffixes []string `yaml:"emailSuffixes"`
}

// CacheConfig bounds the dedup seen cache.
type CacheConfig struct {
	MaxSize int           `yaml:"maxSize"`
	SeenTTL time.Duration `yaml:"seenTTL"`
}

// UnmarshalYAML accepts seenTTL as a duration string ("30m") or as a bare
// number of seconds.
func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		MaxSize int    `yaml:"maxSize"`
		SeenTTL string `yaml:"seenTTL"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxSize != 0 {
		c.MaxSize = raw.MaxSize
	}

	text := strings.TrimSpace(raw.SeenTTL)
	if text == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(text); err == nil {
		c.SeenTTL = time.Duration(seconds) * time.Second
		return nil
	}
	ttl, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("cache seenTTL: invalid value %q", raw.SeenTTL)
	}
	c.SeenTTL = ttl
	return nil
}

// SinkConfig configures notification delivery to the chat backend.
type SinkConfig struct {
	Rooms             []string `yaml:"rooms"`
	Rate              float64  `yaml:"rate"`
	Burst             int      `yaml:"burst"`
	IncludeCommitBody bool     `yaml:"includeCommitBody"`
}

// APIServerConfig configures the relay's read-only HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified relay configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Source      SourceVariant   `yaml:"source"`
	Gerrit      GerritConfig    `yaml:"gerrit"`
	Firehose    FirehoseConfig  `yaml:"firehose"`
	Rules       RulesConfig     `yaml:"rules"`
	Cache       CacheConfig     `yaml:"cache"`
	Sink        SinkConfig      `yaml:"sink"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the baseline configuration mirroring the upstream service
// defaults.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Source:      SourceFirehose,
		Gerrit: GerritConfig{
			Hostname: "review.openstack.org",
			Port:     29418,
			User:     defaultGerritUser(),
			Keyfile:  "~/.ssh/id_rsa",
		},
		Firehose: FirehoseConfig{
			Host:      "firehose.openstack.org",
			Port:      1883,
			Transport: "tcp",
			Topic:     "#",
		},
		Rules: RulesConfig{
			Projects:      nil,
			Emails:        nil,
			EmailSuffixes: nil,
		},
		Cache: CacheConfig{
			MaxSize: 1000,
			SeenTTL: time.Hour,
		},
		Sink: SinkConfig{
			Rooms:             nil,
			Rate:              1,
			Burst:             5,
			IncludeCommitBody: false,
		},
		APIServer: APIServerConfig{Addr: "127.0.0.1:8089"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "reviewrelay",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the configuration file when present, falling back to
// defaults when it does not exist. The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.normalise()
			if verr := cfg.Validate(); verr != nil {
				return AppConfig{}, false, verr
			}
			return cfg, false, nil
		}
		return AppConfig{}, false, fmt.Errorf("stat config: %w", err)
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Source = SourceVariant(strings.ToLower(strings.TrimSpace(string(c.Source))))

	c.Gerrit.Hostname = strings.TrimSpace(c.Gerrit.Hostname)
	c.Gerrit.User = strings.TrimSpace(c.Gerrit.User)
	c.Gerrit.Keyfile = expandHome(strings.TrimSpace(c.Gerrit.Keyfile))

	c.Firehose.Host = strings.TrimSpace(c.Firehose.Host)
	c.Firehose.Transport = strings.ToLower(strings.TrimSpace(c.Firehose.Transport))
	if c.Firehose.Topic == "" {
		c.Firehose.Topic = "#"
	}

	c.Rules.Projects = normaliseList(c.Rules.Projects, false)
	c.Rules.Emails = normaliseList(c.Rules.Emails, true)
	c.Rules.EmailSuffixes = normaliseList(c.Rules.EmailSuffixes, true)

	c.Sink.Rooms = normaliseList(c.Sink.Rooms, false)
	if c.Sink.Burst <= 0 {
		c.Sink.Burst = 1
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Source {
	case SourceSSH:
		if c.Gerrit.Hostname == "" {
			return fmt.Errorf("gerrit hostname required for ssh source")
		}
		if c.Gerrit.Port <= 0 || c.Gerrit.Port > 65535 {
			return fmt.Errorf("gerrit port must be in 1..65535")
		}
		if c.Gerrit.User == "" {
			return fmt.Errorf("gerrit user required for ssh source")
		}
		if c.Gerrit.Keyfile == "" {
			return fmt.Errorf("gerrit keyfile required for ssh source")
		}
	case SourceFirehose:
		if c.Firehose.Host == "" {
			return fmt.Errorf("firehose host required for firehose source")
		}
		if c.Firehose.Port <= 0 || c.Firehose.Port > 65535 {
			return fmt.Errorf("firehose port must be in 1..65535")
		}
		switch c.Firehose.Transport {
		case "tcp", "ws", "wss", "ssl":
		default:
			return fmt.Errorf("firehose transport must be one of tcp, ws, wss, ssl")
		}
	default:
		return fmt.Errorf("source must be one of ssh, firehose")
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache maxSize must be >0")
	}
	if c.Cache.SeenTTL <= 0 {
		return fmt.Errorf("cache seenTTL must be >0")
	}

	if c.Sink.Rate <= 0 {
		return fmt.Errorf("sink rate must be >0")
	}
	if c.Sink.Burst <= 0 {
		return fmt.Errorf("sink burst must be >0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required when metrics enabled")
	}

	return nil
}

func normaliseList(values []string, lower bool) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if lower {
			trimmed = strings.ToLower(trimmed)
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func defaultGerritUser() string {
	if user := strings.TrimSpace(os.Getenv("GERRIT_USER")); user != "" {
		return user
	}
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	return "gerrit"
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
