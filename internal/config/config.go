// Package config assembles the typed responder configuration once at process
// start: built-in defaults, overlaid by an optional YAML file, overlaid by
// RESPONDER_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

// GeneralConfig holds workspace-wide settings.
type GeneralConfig struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	DryRun       bool   `yaml:"dry_run"`
	LogLevel     string `yaml:"log_level"`
}

// StoreConfig selects and parameterizes the durable store backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// NetworkConfig parameterizes BlockSource actions.
type NetworkConfig struct {
	BlockMethod          string   `yaml:"block_method"`
	BlockDurationSeconds int      `yaml:"block_duration_seconds"`
	TrustedRanges        []string `yaml:"trusted_ranges"`
	CriticalHosts        []string `yaml:"critical_hosts"`
	AutoBlockThreshold   int      `yaml:"auto_block_threshold"`
}

// WorkloadConfig parameterizes IsolateWorkload actions.
type WorkloadConfig struct {
	Engine               string   `yaml:"engine"`
	IsolationNetwork     string   `yaml:"isolation_network"`
	CriticalWorkloads    []string `yaml:"critical_workloads"`
	AutoIsolateThreshold int      `yaml:"auto_isolate_threshold"`
}

// RotationMethod describes one configured credential rotation mechanism.
type RotationMethod struct {
	Enabled bool   `yaml:"enabled"`
	Script  string `yaml:"script"`
}

// CredentialsConfig parameterizes RotateCredential actions.
type CredentialsConfig struct {
	AutoRotateThreshold int                       `yaml:"auto_rotate_threshold"`
	Rotations           map[string]RotationMethod `yaml:"rotations"`
}

// ForensicsConfig parameterizes CaptureForensics actions.
type ForensicsConfig struct {
	CaptureDir      string            `yaml:"capture_dir"`
	MaxCaptureBytes int64             `yaml:"max_capture_bytes"`
	AutoCapture     bool              `yaml:"auto_capture"`
	Tools           map[string]string `yaml:"tools"`
}

// PlaybooksConfig holds the playbook registry for RunPlaybook actions.
type PlaybooksConfig struct {
	Dir                  string            `yaml:"dir"`
	AutoExecuteThreshold int               `yaml:"auto_execute_threshold"`
	Registry             map[string]string `yaml:"registry"`
}

// EmailConfig configures the SMTP notification channel.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SMTPAddr   string   `yaml:"smtp_addr"`
	Sender     string   `yaml:"sender"`
	Recipients []string `yaml:"recipients"`
}

// SlackConfig configures the Slack webhook notification channel.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// NATSNotifyConfig configures the NATS notification channel.
type NATSNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

// NotifyConfig configures notification fan-out.
type NotifyConfig struct {
	Email EmailConfig      `yaml:"email"`
	Slack SlackConfig      `yaml:"slack"`
	NATS  NATSNotifyConfig `yaml:"nats"`
}

// ServiceConfig configures the long-running responderd process.
type ServiceConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	NATSURL      string `yaml:"nats_url"`
	EventSubject string `yaml:"event_subject"`
	Queue        string `yaml:"queue"`
}

// Config is the complete responder configuration, assembled once at startup
// and passed by reference into the orchestrator and its collaborators.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Store       StoreConfig       `yaml:"store"`
	Network     NetworkConfig     `yaml:"network"`
	Workload    WorkloadConfig    `yaml:"workload"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Forensics   ForensicsConfig   `yaml:"forensics"`
	Playbooks   PlaybooksConfig   `yaml:"playbooks"`
	Notify      NotifyConfig      `yaml:"notify"`
	Service     ServiceConfig     `yaml:"service"`

	// ExtraEventKinds extends the recognized event category set.
	ExtraEventKinds []string `yaml:"extra_event_kinds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			WorkspaceDir: "/var/lib/homelab/security-response",
			LogLevel:     "INFO",
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Network: NetworkConfig{
			BlockMethod:          "iptables",
			BlockDurationSeconds: 3600,
			TrustedRanges:        []string{"192.168.1.0/24"},
			CriticalHosts:        []string{"192.168.1.1", "192.168.1.2"},
			AutoBlockThreshold:   70,
		},
		Workload: WorkloadConfig{
			Engine:               "docker",
			IsolationNetwork:     "isolation-network",
			CriticalWorkloads:    []string{"pihole", "router", "proxy"},
			AutoIsolateThreshold: 90,
		},
		Credentials: CredentialsConfig{
			AutoRotateThreshold: 0,
			Rotations:           map[string]RotationMethod{},
		},
		Forensics: ForensicsConfig{
			CaptureDir:      "/var/lib/homelab/security-forensics",
			MaxCaptureBytes: 2 << 30,
			AutoCapture:     true,
			Tools:           map[string]string{"tcpdump": "/usr/sbin/tcpdump"},
		},
		Playbooks: PlaybooksConfig{
			AutoExecuteThreshold: 0,
			Registry:             map[string]string{},
		},
		Notify: NotifyConfig{
			Email: EmailConfig{
				SMTPAddr: "localhost:25",
				Sender:   "security-response@homelab.local",
			},
			NATS: NATSNotifyConfig{Subject: "notifications.security"},
		},
		Service: ServiceConfig{
			HTTPAddr:     ":8086",
			NATSURL:      "nats://localhost:4222",
			EventSubject: "events.security",
			Queue:        "responders",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays RESPONDER_* environment variables.
func (c *Config) applyEnv() {
	c.General.WorkspaceDir = getEnv("RESPONDER_WORKSPACE_DIR", c.General.WorkspaceDir)
	c.General.LogLevel = getEnv("RESPONDER_LOG_LEVEL", c.General.LogLevel)
	c.General.DryRun = getEnvBool("RESPONDER_DRY_RUN", c.General.DryRun)
	c.Store.Backend = getEnv("RESPONDER_STORE_BACKEND", c.Store.Backend)
	c.Store.SQLitePath = getEnv("RESPONDER_SQLITE_PATH", c.Store.SQLitePath)
	c.Service.HTTPAddr = getEnv("RESPONDER_HTTP_ADDR", c.Service.HTTPAddr)
	c.Service.NATSURL = getEnv("RESPONDER_NATS_URL", c.Service.NATSURL)
	c.Service.EventSubject = getEnv("RESPONDER_EVENT_SUBJECT", c.Service.EventSubject)
	c.Service.Queue = getEnv("RESPONDER_QUEUE", c.Service.Queue)
	c.Network.AutoBlockThreshold = getEnvInt("RESPONDER_AUTO_BLOCK_THRESHOLD", c.Network.AutoBlockThreshold)
	c.Workload.AutoIsolateThreshold = getEnvInt("RESPONDER_AUTO_ISOLATE_THRESHOLD", c.Workload.AutoIsolateThreshold)
	c.Credentials.AutoRotateThreshold = getEnvInt("RESPONDER_AUTO_ROTATE_THRESHOLD", c.Credentials.AutoRotateThreshold)
	c.Playbooks.AutoExecuteThreshold = getEnvInt("RESPONDER_AUTO_EXECUTE_THRESHOLD", c.Playbooks.AutoExecuteThreshold)
}

// RecognizedKinds returns the set of accepted event kinds: built-ins plus any
// configured extras.
func (c *Config) RecognizedKinds() map[model.EventKind]bool {
	kinds := make(map[model.EventKind]bool)
	for _, k := range model.BuiltinEventKinds() {
		kinds[k] = true
	}
	for _, k := range c.ExtraEventKinds {
		kinds[model.EventKind(strings.TrimSpace(k))] = true
	}
	return kinds
}

// ThresholdFor returns the auto-execute threshold for an action kind. An
// action requires verification when the event severity is <= this threshold;
// CaptureForensics never requires verification and has no threshold.
func (c *Config) ThresholdFor(kind model.ActionKind) int {
	switch kind {
	case model.ActionKindBlockSource:
		return c.Network.AutoBlockThreshold
	case model.ActionKindIsolateWorkload:
		return c.Workload.AutoIsolateThreshold
	case model.ActionKindRotateCredential:
		return c.Credentials.AutoRotateThreshold
	case model.ActionKindRunPlaybook:
		return c.Playbooks.AutoExecuteThreshold
	default:
		return 0
	}
}

// SlogLevel maps the configured log level name to a slog level. Unknown
// names fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.General.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
