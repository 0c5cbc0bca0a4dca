package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for gridrelay.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Relay    RelayConfig    `json:"relay" yaml:"relay"`
	Outbound OutboundConfig `json:"outbound" yaml:"outbound"`
	Bot      BotConfig      `json:"bot" yaml:"bot"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	EventsPath   string `json:"eventsPath" yaml:"eventsPath"`
	HubPath      string `json:"hubPath" yaml:"hubPath"`
	MaxBodyBytes int64  `json:"maxBodyBytes" yaml:"maxBodyBytes"`
	// Secret, when set, must be presented by Event Grid as ?code= or aeg-sas-key.
	Secret                 string `json:"secret,omitempty" yaml:"secret,omitempty"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" | "json"
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}

// RelayConfig selects the transports broadcasts are fanned out to.
type RelayConfig struct {
	WebSocket WebSocketRelayConfig `json:"websocket" yaml:"websocket"`
	NATS      NATSRelayConfig      `json:"nats" yaml:"nats"`
	AMQP      AMQPRelayConfig      `json:"amqp" yaml:"amqp"`
	Redis     RedisRelayConfig     `json:"redis" yaml:"redis"`
}

type WebSocketRelayConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	PingPeriodSeconds int  `json:"pingPeriodSeconds" yaml:"pingPeriodSeconds"`
}

type NATSRelayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
}

type AMQPRelayConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

type RedisRelayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Channel string `json:"channel" yaml:"channel"`
}

// OutboundConfig selects the channel the reply bot answers through.
type OutboundConfig struct {
	Provider              string                 `json:"provider" yaml:"provider"` // "acs" | "whatsapp" | "telegram" | "slack" | "discord" | "none"
	ChannelRegistrationID string                 `json:"channelRegistrationId" yaml:"channelRegistrationId"`
	TimeoutSeconds        int                    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	ACS                   ACSConfig              `json:"acs" yaml:"acs"`
	WhatsApp              WhatsAppOutboundConfig `json:"whatsapp" yaml:"whatsapp"`
	Telegram              TokenConfig            `json:"telegram" yaml:"telegram"`
	Slack                 SlackOutboundConfig    `json:"slack" yaml:"slack"`
	Discord               TokenConfig            `json:"discord" yaml:"discord"`
}

// ACSConfig holds Azure Communication Services credentials: either a
// connection string or endpoint plus access key.
type ACSConfig struct {
	ConnectionString string `json:"connectionString,omitempty" yaml:"connectionString,omitempty"`
	Endpoint         string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	AccessKey        string `json:"accessKey,omitempty" yaml:"accessKey,omitempty"`
	APIVersion       string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
}

type WhatsAppOutboundConfig struct {
	AccessToken   string `json:"accessToken,omitempty" yaml:"accessToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty" yaml:"phoneNumberId,omitempty"`
	APIBase       string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
}

type TokenConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type SlackOutboundConfig struct {
	BotToken string `json:"botToken,omitempty" yaml:"botToken,omitempty"`
}

type BotConfig struct {
	Enabled     bool       `json:"enabled" yaml:"enabled"`
	EventMarker string     `json:"eventMarker" yaml:"eventMarker"`
	Greeting    string     `json:"greeting" yaml:"greeting"`
	AcceptedOTP string     `json:"acceptedOtp" yaml:"acceptedOtp"`
	Replies     BotReplies `json:"replies" yaml:"replies"`
}

type BotReplies struct {
	Welcome    string `json:"welcome" yaml:"welcome"`
	InvalidOTP string `json:"invalidOtp" yaml:"invalidOtp"`
	Assist     string `json:"assist" yaml:"assist"`
	Fallback   string `json:"fallback" yaml:"fallback"`
}

// JournalConfig configures the sqlite outcome journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.gridrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gridrelay"
	}
	return filepath.Join(home, ".gridrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
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

	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// ${VAR} without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
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

	// Credentials live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.EventsPath, "/") {
		errs = append(errs, "server.eventsPath must start with /")
	}
	if cfg.Relay.WebSocket.Enabled {
		if !strings.HasPrefix(cfg.Server.HubPath, "/") {
			errs = append(errs, "server.hubPath must start with /")
		} else if cfg.Server.HubPath == cfg.Server.EventsPath {
			errs = append(errs, "server.hubPath must differ from server.eventsPath")
		}
	}
	if cfg.Server.MaxBodyBytes < 1 {
		errs = append(errs, "server.maxBodyBytes must be >= 1")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if cfg.Relay.NATS.Enabled && (cfg.Relay.NATS.URL == "" || cfg.Relay.NATS.Subject == "") {
		errs = append(errs, "relay.nats: url and subject are required when enabled")
	}
	if cfg.Relay.AMQP.Enabled && cfg.Relay.AMQP.URL == "" {
		errs = append(errs, "relay.amqp: url is required when enabled")
	}
	if cfg.Relay.Redis.Enabled && (cfg.Relay.Redis.URL == "" || cfg.Relay.Redis.Channel == "") {
		errs = append(errs, "relay.redis: url and channel are required when enabled")
	}

	if cfg.Outbound.TimeoutSeconds < 1 {
		errs = append(errs, "outbound.timeoutSeconds must be >= 1")
	}
	out := cfg.Outbound
	switch out.Provider {
	case "none":
	case "acs":
		if out.ACS.ConnectionString == "" && (out.ACS.Endpoint == "" || out.ACS.AccessKey == "") {
			errs = append(errs, "outbound.acs: connectionString or endpoint and accessKey are required")
		}
		if out.ChannelRegistrationID == "" {
			errs = append(errs, "outbound.channelRegistrationId is required for acs")
		}
	case "whatsapp":
		if out.WhatsApp.AccessToken == "" {
			errs = append(errs, "outbound.whatsapp.accessToken is required")
		}
		if out.WhatsApp.PhoneNumberID == "" && out.ChannelRegistrationID == "" {
			errs = append(errs, "outbound.whatsapp.phoneNumberId or outbound.channelRegistrationId is required")
		}
	case "telegram":
		if out.Telegram.Token == "" {
			errs = append(errs, "outbound.telegram.token is required")
		}
	case "slack":
		if out.Slack.BotToken == "" {
			errs = append(errs, "outbound.slack.botToken is required")
		}
	case "discord":
		if out.Discord.Token == "" {
			errs = append(errs, "outbound.discord.token is required")
		}
	default:
		errs = append(errs, "outbound.provider must be one of: acs, whatsapp, telegram, slack, discord, none")
	}

	if cfg.Bot.AcceptedOTP != "" && len(cfg.Bot.AcceptedOTP) != 4 {
		errs = append(errs, "bot.acceptedOtp must be 4 characters")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.DBPath == "" {
			errs = append(errs, "journal.dbPath is required when enabled")
		}
		if cfg.Journal.RetentionDays < 1 {
			errs = append(errs, "journal.retentionDays must be >= 1")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
