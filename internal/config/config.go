package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by the ingestion server and the
// relay.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Ingest  IngestConfig  `json:"ingest" yaml:"ingest"`
	Notify  NotifyConfig  `json:"notify" yaml:"notify"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional rotating log file
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `json:"dsn" yaml:"dsn"`
}

type ServerConfig struct {
	Host           string  `json:"host" yaml:"host"`
	Port           int     `json:"port" yaml:"port"`
	MaxBodyBytes   int64   `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	RateLimitRPS   float64 `json:"rateLimitRPS" yaml:"rateLimitRPS"` // 0 = disabled
	RateLimitBurst int     `json:"rateLimitBurst,omitempty" yaml:"rateLimitBurst,omitempty"`
}

type IngestConfig struct {
	// AllowedInboxes lists the inbox ids whose events are processed. Empty
	// accepts every inbox.
	AllowedInboxes FlexStringList `json:"allowedInboxes" yaml:"allowedInboxes"`
	DefaultStatus  string         `json:"defaultStatus" yaml:"defaultStatus"`
	WebhookSecret  string         `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	EventType      string         `json:"eventType" yaml:"eventType"`
}

type NotifyConfig struct {
	RelayURL       string   `json:"relayURL" yaml:"relayURL"`
	Timeout        Duration `json:"timeout" yaml:"timeout"`
	Retries        int      `json:"retries" yaml:"retries"`
	QueueSize      int      `json:"queueSize" yaml:"queueSize"`
	Workers        int      `json:"workers" yaml:"workers"`
	EnqueueTimeout Duration `json:"enqueueTimeout" yaml:"enqueueTimeout"`
}

type RelayConfig struct {
	Host           string         `json:"host" yaml:"host"`
	Port           int            `json:"port" yaml:"port"`
	PublicHost     string         `json:"publicHost,omitempty" yaml:"publicHost,omitempty"`
	AllowedOrigins FlexStringList `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
	SendBuffer     int            `json:"sendBuffer" yaml:"sendBuffer"`
	PingInterval   Duration       `json:"pingInterval" yaml:"pingInterval"`
	PongWait       Duration       `json:"pongWait" yaml:"pongWait"`
}

// MetricsConfig configures the Prometheus endpoint on both processes.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
// A lone scalar is read as a one-element list.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" || trimmed[0] == '{' {
			return err
		}
		raw = []json.RawMessage{json.RawMessage(trimmed)}
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Duration is a time.Duration written as a Go duration string ("3s") in
// config files. Bare numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", data)
	}
	*d = Duration(n * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if tag := node.ShortTag(); tag == "!!int" || tag == "!!float" {
		n, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return err
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory (~/.inboxrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inboxrelay"
	}
	return filepath.Join(home, ".inboxrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	if cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Relay.Port < 0 || cfg.Relay.Port > 65535 {
		errs = append(errs, "relay.port must be between 0 and 65535")
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}
	if cfg.Server.RateLimitRPS < 0 {
		errs = append(errs, "server.rateLimitRPS must be >= 0")
	}

	if strings.TrimSpace(cfg.Ingest.DefaultStatus) == "" {
		errs = append(errs, "ingest.defaultStatus is required")
	}
	if strings.TrimSpace(cfg.Ingest.EventType) == "" {
		errs = append(errs, "ingest.eventType is required")
	}
	for _, id := range cfg.Ingest.AllowedInboxes {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "ingest.allowedInboxes must not contain empty ids")
			break
		}
	}

	if cfg.Notify.RelayURL != "" {
		if u, err := url.Parse(cfg.Notify.RelayURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "notify.relayURL must be an http(s) URL")
		}
	}
	if cfg.Notify.Timeout.Std() <= 0 {
		errs = append(errs, "notify.timeout must be > 0")
	}
	if cfg.Notify.Retries < 0 || cfg.Notify.Retries > 10 {
		errs = append(errs, "notify.retries must be between 0 and 10")
	}
	if cfg.Notify.QueueSize < 1 {
		errs = append(errs, "notify.queueSize must be >= 1")
	}
	if cfg.Notify.Workers < 1 || cfg.Notify.Workers > 64 {
		errs = append(errs, "notify.workers must be between 1 and 64")
	}

	if cfg.Relay.SendBuffer < 1 {
		errs = append(errs, "relay.sendBuffer must be >= 1")
	}
	if cfg.Relay.PingInterval.Std() <= 0 {
		errs = append(errs, "relay.pingInterval must be > 0")
	}
	if cfg.Relay.PongWait.Std() <= cfg.Relay.PingInterval.Std() {
		errs = append(errs, "relay.pongWait must be greater than relay.pingInterval")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MetricsPath returns the metrics endpoint, or "" when metrics are disabled.
func (c *Config) MetricsPath() string {
	if !c.Metrics.Enabled {
		return ""
	}
	return c.Metrics.Endpoint
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
