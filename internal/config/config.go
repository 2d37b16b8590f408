package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay.
type Config struct {
	General     GeneralConfig     `json:"general" yaml:"general"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Twilio      TwilioConfig      `json:"twilio" yaml:"twilio"`
	Gmail       GmailConfig       `json:"gmail" yaml:"gmail"`
	IMAP        IMAPConfig        `json:"imap" yaml:"imap"`
	SMTP        SMTPConfig        `json:"smtp" yaml:"smtp"`
	Mailbox     MailboxConfig     `json:"mailbox" yaml:"mailbox"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	PublicBaseURL    string `json:"publicBaseUrl" yaml:"publicBaseUrl"` // prefix of attachment and media URLs
	KeepAliveSeconds int    `json:"keepAliveSeconds" yaml:"keepAliveSeconds"`
	WriteTimeoutSec  int    `json:"writeTimeoutSeconds" yaml:"writeTimeoutSeconds"` // per subscriber write
	MaxUploadBytes   int64  `json:"maxUploadBytes" yaml:"maxUploadBytes"`
	AllowOrigin      string `json:"allowOrigin" yaml:"allowOrigin"`
}

type TwilioConfig struct {
	AccountSid       string `json:"accountSid" yaml:"accountSid"`
	AuthToken        string `json:"authToken" yaml:"authToken" secret:"true"`
	APIKeySid        string `json:"apiKeySid" yaml:"apiKeySid"`
	APIKeySecret     string `json:"apiKeySecret" yaml:"apiKeySecret" secret:"true"`
	ChatServiceSid   string `json:"chatServiceSid" yaml:"chatServiceSid"`
	TwimlAppSid      string `json:"twimlAppSid" yaml:"twimlAppSid"`
	PhoneNumber      string `json:"phoneNumber" yaml:"phoneNumber"`
	AgentIdentity    string `json:"agentIdentity" yaml:"agentIdentity"` // browser client that takes calls
	ConversationsAPI string `json:"conversationsApiBase" yaml:"conversationsApiBase"`
	MessagingAPI     string `json:"messagingApiBase" yaml:"messagingApiBase"`
	ValidateWebhooks bool   `json:"validateWebhooks" yaml:"validateWebhooks"`
	WebhookBaseURL   string `json:"webhookBaseUrl,omitempty" yaml:"webhookBaseUrl,omitempty"` // public URL Twilio signs
	InboxSince       string `json:"inboxSince" yaml:"inboxSince"`                             // RFC 3339
	TokenTTLSeconds  int    `json:"tokenTtlSeconds" yaml:"tokenTtlSeconds"`
}

type GmailConfig struct {
	CredentialsPath string `json:"credentialsPath" yaml:"credentialsPath"` // OAuth client secrets (credentials.json)
	APIBase         string `json:"apiBase" yaml:"apiBase"`
	UserID          string `json:"userId" yaml:"userId"`
}

type IMAPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password" secret:"true"`
	TLS      bool   `json:"tls" yaml:"tls"`
	Mailbox  string `json:"mailbox" yaml:"mailbox"`
}

type SMTPConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password" secret:"true"`
	From     string `json:"from" yaml:"from"`
}

type MailboxConfig struct {
	Provider              string `json:"provider" yaml:"provider"` // "gmail" | "imap"
	DefaultSince          string `json:"defaultSince" yaml:"defaultSince"`
	MaxMessages           int    `json:"maxMessages" yaml:"maxMessages"`
	AttachmentConcurrency int    `json:"attachmentConcurrency" yaml:"attachmentConcurrency"`
	WatchIntervalSeconds  int    `json:"watchIntervalSeconds" yaml:"watchIntervalSeconds"` // 0 = no email events
}

type StorageConfig struct {
	UploadsDir string `json:"uploadsDir" yaml:"uploadsDir"`
	DBPath     string `json:"dbPath" yaml:"dbPath"`
}

type CredentialsConfig struct {
	TokenStore     string `json:"tokenStore" yaml:"tokenStore"` // "sqlite" | "keyring"
	KeyringService string `json:"keyringService" yaml:"keyringService"`
	KeyringDir     string `json:"keyringDir,omitempty" yaml:"keyringDir,omitempty"` // file backend fallback
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultSinceTime parses mailbox.defaultSince.
func (c *Config) DefaultSinceTime() (time.Time, error) {
	return time.Parse(time.RFC3339, c.Mailbox.DefaultSince)
}

// DefaultConfigDir returns the default config directory (~/.commsrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".commsrelay"
	}
	return filepath.Join(home, ".commsrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadDotEnv loads .env files next to the config and in the working
// directory. Variables already set in the environment win.
func LoadDotEnv(configPath string) error {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	for _, p := range candidates {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	if err := LoadDotEnv(path); err != nil {
		return nil, err
	}

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
	cfg.Storage.UploadsDir = ExpandPath(cfg.Storage.UploadsDir)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Gmail.CredentialsPath = ExpandPath(cfg.Gmail.CredentialsPath)
	cfg.Credentials.KeyringDir = ExpandPath(cfg.Credentials.KeyringDir)

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
			return match // Keep original if no env var and no default
		}
		return val
	})
}

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

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if u, err := url.Parse(cfg.Server.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "server.publicBaseUrl must be an absolute URL")
	}
	if cfg.Server.KeepAliveSeconds < 1 {
		errs = append(errs, "server.keepAliveSeconds must be >= 1")
	}
	if cfg.Server.WriteTimeoutSec < 1 {
		errs = append(errs, "server.writeTimeoutSeconds must be >= 1")
	}
	if cfg.Server.MaxUploadBytes < 1 {
		errs = append(errs, "server.maxUploadBytes must be >= 1")
	}

	if cfg.Twilio.TokenTTLSeconds < 60 || cfg.Twilio.TokenTTLSeconds > 86400 {
		errs = append(errs, "twilio.tokenTtlSeconds must be between 60 and 86400")
	}
	if _, err := time.Parse(time.RFC3339, cfg.Twilio.InboxSince); err != nil {
		errs = append(errs, "twilio.inboxSince must be an RFC 3339 timestamp")
	}

	switch cfg.Mailbox.Provider {
	case "gmail":
	case "imap":
		if cfg.IMAP.Host == "" {
			errs = append(errs, "imap.host is required when mailbox.provider is imap")
		}
	default:
		errs = append(errs, "mailbox.provider must be one of: gmail, imap")
	}
	if _, err := cfg.DefaultSinceTime(); err != nil {
		errs = append(errs, "mailbox.defaultSince must be an RFC 3339 timestamp")
	}
	if cfg.Mailbox.MaxMessages < 1 || cfg.Mailbox.MaxMessages > 500 {
		errs = append(errs, "mailbox.maxMessages must be between 1 and 500")
	}
	if cfg.Mailbox.AttachmentConcurrency < 1 || cfg.Mailbox.AttachmentConcurrency > 32 {
		errs = append(errs, "mailbox.attachmentConcurrency must be between 1 and 32")
	}
	if cfg.Mailbox.WatchIntervalSeconds < 0 {
		errs = append(errs, "mailbox.watchIntervalSeconds must be >= 0")
	}

	if cfg.Storage.UploadsDir == "" {
		errs = append(errs, "storage.uploadsDir is required")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}

	switch cfg.Credentials.TokenStore {
	case "sqlite", "keyring":
	default:
		errs = append(errs, "credentials.tokenStore must be one of: sqlite, keyring")
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
