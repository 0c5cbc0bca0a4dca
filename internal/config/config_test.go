package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func acsConfig() *Config {
	cfg := Defaults()
	cfg.Outbound.Provider = "acs"
	cfg.Outbound.ChannelRegistrationID = "0f0e0d0c-reg"
	cfg.Outbound.ACS.Endpoint = "https://example.communication.azure.com/"
	cfg.Outbound.ACS.AccessKey = "c2VjcmV0LWtleS0xMjM0NTY3OA=="
	return cfg
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if err := Validate(acsConfig()); err != nil {
		t.Fatalf("expected valid acs config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_Paths(t *testing.T) {
	cfg := Defaults()
	cfg.Server.EventsPath = "api/updates"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for relative events path")
	}

	cfg = Defaults()
	cfg.Server.HubPath = cfg.Server.EventsPath
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for hub path equal to events path")
	}

	cfg.Relay.WebSocket.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("hub path is irrelevant without websocket relay: %v", err)
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Outbound.Provider = "pager"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidate_ACSRequiresCredentials(t *testing.T) {
	cfg := acsConfig()
	cfg.Outbound.ACS.AccessKey = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing access key")
	}

	cfg = acsConfig()
	cfg.Outbound.ACS.Endpoint = ""
	cfg.Outbound.ACS.AccessKey = ""
	cfg.Outbound.ACS.ConnectionString = "endpoint=https://x.communication.azure.com/;accesskey=a2V5"
	if err := Validate(cfg); err != nil {
		t.Fatalf("connection string should be enough: %v", err)
	}

	cfg = acsConfig()
	cfg.Outbound.ChannelRegistrationID = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing channel registration id")
	}
}

func TestValidate_ProviderTokens(t *testing.T) {
	for _, provider := range []string{"whatsapp", "telegram", "slack", "discord"} {
		cfg := Defaults()
		cfg.Outbound.Provider = provider
		if err := Validate(cfg); err == nil {
			t.Fatalf("provider %q without credentials should be invalid", provider)
		}
	}
}

func TestValidate_RelayTransports(t *testing.T) {
	cfg := Defaults()
	cfg.Relay.NATS.Enabled = true
	cfg.Relay.NATS.Subject = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for nats without subject")
	}

	cfg = Defaults()
	cfg.Relay.Redis.Enabled = true
	cfg.Relay.AMQP.Enabled = true
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults for redis and amqp should validate: %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -5
	cfg.Logging.Format = "xml"
	cfg.Outbound.TimeoutSeconds = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"server.port", "logging.format", "outbound.timeoutSeconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

func TestValidate_Journal(t *testing.T) {
	cfg := Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.RetentionDays = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for retentionDays=0")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(t.TempDir(), name)

		original := acsConfig()
		original.Relay.NATS.Subject = "grid.test"

		if err := Save(path, original); err != nil {
			t.Fatalf("%s save: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("%s load: %v", name, err)
		}
		if loaded.Relay.NATS.Subject != "grid.test" {
			t.Fatalf("%s: expected 'grid.test', got %q", name, loaded.Relay.NATS.Subject)
		}
		if loaded.Outbound.ChannelRegistrationID != "0f0e0d0c-reg" {
			t.Fatalf("%s: registration id lost: %q", name, loaded.Outbound.ChannelRegistrationID)
		}
	}
}

func TestSave_PrivatePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_YAMLPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := "server:\n  port: 9443\nbot:\n  replies:\n    welcome: Hello there\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9443 {
		t.Fatalf("expected port 9443, got %d", cfg.Server.Port)
	}
	if cfg.Server.EventsPath != "/api/updates" {
		t.Fatalf("default events path lost: %q", cfg.Server.EventsPath)
	}
	if cfg.Bot.Replies.Welcome != "Hello there" {
		t.Fatalf("expected custom welcome, got %q", cfg.Bot.Replies.Welcome)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"outbound": {"provider": "acs"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for acs without credentials")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_ACS_ENDPOINT", "https://env.communication.azure.com/")
	t.Setenv("TEST_ACS_KEY", "ZW52LWtleQ==")

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"outbound": {
			"provider": "acs",
			"channelRegistrationId": "${TEST_REG_ID:-reg-default}",
			"acs": {
				"endpoint": "${TEST_ACS_ENDPOINT}",
				"accessKey": "${TEST_ACS_KEY}"
			}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Outbound.ACS.Endpoint != "https://env.communication.azure.com/" {
		t.Fatalf("endpoint not substituted: %q", cfg.Outbound.ACS.Endpoint)
	}
	if cfg.Outbound.ChannelRegistrationID != "reg-default" {
		t.Fatalf("expected default registration id, got %q", cfg.Outbound.ChannelRegistrationID)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	val, err := GetByPath(Defaults(), "server.eventsPath")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "/api/updates" {
		t.Fatalf("expected '/api/updates', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_StringValue(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "outbound.channelRegistrationId", "abc-def"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Outbound.ChannelRegistrationID != "abc-def" {
		t.Fatalf("expected 'abc-def', got %q", cfg.Outbound.ChannelRegistrationID)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.websocket.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Relay.WebSocket.Enabled {
		t.Fatal("expected relay.websocket.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "9090"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected 9090, got %d", cfg.Server.Port)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := acsConfig()
	cfg.Outbound.ACS.ConnectionString = "endpoint=https://x/;accesskey=abcdefghijklmnop"
	cfg.Outbound.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Relay.AMQP.URL = "amqp://user:hunter22@mq:5672/"

	sanitized := Sanitize(cfg)

	if sanitized.Outbound.ACS.AccessKey == cfg.Outbound.ACS.AccessKey {
		t.Fatal("access key should be masked")
	}
	if sanitized.Outbound.ACS.ConnectionString == cfg.Outbound.ACS.ConnectionString {
		t.Fatal("connection string should be masked")
	}
	if sanitized.Outbound.Telegram.Token == cfg.Outbound.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if strings.Contains(sanitized.Relay.AMQP.URL, "hunter22") {
		t.Fatalf("amqp password should be masked: %s", sanitized.Relay.AMQP.URL)
	}
	if cfg.Outbound.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Secret = "short"
	if got := Sanitize(cfg).Server.Secret; got != "***" {
		t.Fatalf("short secret should be '***', got %q", got)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	for _, expected := range []string{"server.port", "outbound.provider", "bot.replies.welcome", "relay.nats.subject"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	if result != `{"apiKey": "sk-abc123"}` {
		t.Fatalf("unexpected %q", result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	if result != `{"port": "8080"}` {
		t.Fatalf("unexpected %q", result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	if result != `{"port": "9090"}` {
		t.Fatalf("unexpected %q", result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	input := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected %q, got %q", input, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	if result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`); result != `"fallback"` {
		t.Fatalf("unexpected %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Outbound.Provider != "none" {
		t.Fatalf("default provider should be 'none', got %q", cfg.Outbound.Provider)
	}
	if cfg.Bot.EventMarker != "AdvancedMessageReceived" {
		t.Fatalf("unexpected marker %q", cfg.Bot.EventMarker)
	}
}
