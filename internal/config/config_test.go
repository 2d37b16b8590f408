package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
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

func TestValidate_InvalidMailboxProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Mailbox.Provider = "pop3"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for mailbox.provider=pop3")
	}
}

func TestValidate_IMAPRequiresHost(t *testing.T) {
	cfg := Defaults()
	cfg.Mailbox.Provider = "imap"
	cfg.IMAP.Host = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for imap provider without host")
	}

	cfg.IMAP.Host = "imap.example.com"
	if err := Validate(cfg); err != nil {
		t.Fatalf("imap with host should be valid: %v", err)
	}
}

func TestValidate_DefaultSinceMustBeRFC3339(t *testing.T) {
	cfg := Defaults()
	cfg.Mailbox.DefaultSince = "yesterday"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non RFC 3339 defaultSince")
	}
}

func TestValidate_MaxMessages_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Mailbox.MaxMessages = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxMessages=1 should be valid: %v", err)
	}

	cfg.Mailbox.MaxMessages = 500
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxMessages=500 should be valid: %v", err)
	}

	cfg.Mailbox.MaxMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxMessages=0")
	}
}

func TestValidate_InvalidTokenStore(t *testing.T) {
	cfg := Defaults()
	cfg.Credentials.TokenStore = "vault"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for tokenStore=vault")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Server.PublicBaseURL = "not a url"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"general.logLevel", "server.publicBaseUrl"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Twilio.AgentIdentity = "agent-7"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Twilio.AgentIdentity != "agent-7" {
		t.Fatalf("expected 'agent-7', got %q", loaded.Twilio.AgentIdentity)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Mailbox.MaxMessages = 42

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Mailbox.MaxMessages != 42 {
		t.Fatalf("expected maxMessages 42, got %d", loaded.Mailbox.MaxMessages)
	}
	if loaded.Server.Port != 3001 {
		t.Fatalf("defaults should survive yaml, got port %d", loaded.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"mailbox": {
			"maxMessages": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxMessages=0")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgFile, []byte(`{"server": {"port": 8080}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.PublicBaseURL != "http://localhost:3001" {
		t.Fatalf("expected default publicBaseUrl, got %q", cfg.Server.PublicBaseURL)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "twilio.agentIdentity")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if val != "User-1" {
		t.Fatalf("expected 'User-1', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "twilio.nope")
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "mailbox.provider", "imap"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Mailbox.Provider != "imap" {
		t.Fatalf("expected 'imap', got %q", cfg.Mailbox.Provider)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "twilio.validateWebhooks", "true"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if !cfg.Twilio.ValidateWebhooks {
		t.Fatal("expected validateWebhooks=true")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "9090"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected 9090, got %d", cfg.Server.Port)
	}
}

func TestSetByPath_NumericStringStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "twilio.authToken", "123456789012"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Twilio.AuthToken != "123456789012" {
		t.Fatalf("expected numeric token kept as string, got %q", cfg.Twilio.AuthToken)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Twilio.AuthToken = "abcd1234567890wxyz"
	cfg.SMTP.Password = "app-password-secret"

	safe := Sanitize(cfg)
	if safe.Twilio.AuthToken != "abcd****wxyz" {
		t.Fatalf("expected masked auth token, got %q", safe.Twilio.AuthToken)
	}
	if strings.Contains(safe.SMTP.Password, "password") {
		t.Fatalf("smtp password leaked: %q", safe.SMTP.Password)
	}
	if cfg.Twilio.AuthToken != "abcd1234567890wxyz" {
		t.Fatal("Sanitize must not modify the original")
	}
}

func TestSanitize_ShortAndEmptySecret(t *testing.T) {
	cfg := Defaults()
	cfg.Twilio.APIKeySecret = "short"
	cfg.IMAP.Password = ""

	safe := Sanitize(cfg)
	if safe.Twilio.APIKeySecret != "***" {
		t.Fatalf("expected '***', got %q", safe.Twilio.APIKeySecret)
	}
	if safe.IMAP.Password != "" {
		t.Fatalf("empty secret should stay empty, got %q", safe.IMAP.Password)
	}
}

func TestSetByPath_RejectsBadValues(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "http"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
	if err := SetByPath(cfg, "twilio.validateWebhooks", "maybe"); err == nil {
		t.Fatal("expected error for non-boolean flag")
	}
	if err := SetByPath(cfg, "twilio", "x"); err == nil {
		t.Fatal("expected error when setting a whole section")
	}
	if err := SetByPath(cfg, "server.port.extra", "1"); err == nil {
		t.Fatal("expected error when traversing into a leaf")
	}
}

func TestGetByPath_Section(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "storage")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if _, ok := val.(StorageConfig); !ok {
		t.Fatalf("expected StorageConfig, got %T", val)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"server.port", "general.logLevel", "mailbox.defaultSince", "credentials.tokenStore"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_VAR", "hello")
	if got := ExpandEnvVars("${TEST_RELAY_VAR}"); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("TEST_RELAY_UNSET")
	if got := ExpandEnvVars("${TEST_RELAY_UNSET:-fallback}"); got != "fallback" {
		t.Fatalf("expected 'fallback', got %q", got)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("TEST_RELAY_SET", "actual")
	if got := ExpandEnvVars("${TEST_RELAY_SET:-fallback}"); got != "actual" {
		t.Fatalf("expected 'actual', got %q", got)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("TEST_RELAY_EMPTY", "")
	if got := ExpandEnvVars("${TEST_RELAY_EMPTY:-fallback}"); got != "fallback" {
		t.Fatalf("expected 'fallback', got %q", got)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TEST_RELAY_MISSING")
	if got := ExpandEnvVars("${TEST_RELAY_MISSING}"); got != "${TEST_RELAY_MISSING}" {
		t.Fatalf("expected original kept, got %q", got)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	if got := ExpandEnvVars("price $5"); got != "price $5" {
		t.Fatalf("expected unchanged, got %q", got)
	}
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	os.Unsetenv("TEST_RELAY_DOTENV_SID")
	t.Cleanup(func() { os.Unsetenv("TEST_RELAY_DOTENV_SID") })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TEST_RELAY_DOTENV_SID=AC123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"twilio": {"accountSid": "${TEST_RELAY_DOTENV_SID}"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Twilio.AccountSid != "AC123" {
		t.Fatalf("expected accountSid from .env, got %q", cfg.Twilio.AccountSid)
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if cfg.Server.Port != 3001 {
		t.Fatalf("default port should be 3001, got %d", cfg.Server.Port)
	}
	since, err := cfg.DefaultSinceTime()
	if err != nil {
		t.Fatalf("DefaultSinceTime: %v", err)
	}
	if since.Unix() != 1737057480 {
		t.Fatalf("unexpected default since: %v", since)
	}
}
