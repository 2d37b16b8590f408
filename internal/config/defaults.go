package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             3001,
			PublicBaseURL:    "http://localhost:3001",
			KeepAliveSeconds: 15,
			WriteTimeoutSec:  10,
			MaxUploadBytes:   25 << 20,
			AllowOrigin:      "*",
		},
		Twilio: TwilioConfig{
			AccountSid:       "${TWILIO_ACCOUNT_SID}",
			AuthToken:        "${TWILIO_AUTH_TOKEN}",
			APIKeySid:        "${TWILIO_API_KEY_SID}",
			APIKeySecret:     "${TWILIO_API_KEY_SECRET}",
			ChatServiceSid:   "${TWILIO_CHAT_SERVICE_SID}",
			TwimlAppSid:      "${TWILIO_TWIML_APP_SID}",
			PhoneNumber:      "${TWILIO_PHONE_NUMBER}",
			AgentIdentity:    "User-1",
			ConversationsAPI: "https://conversations.twilio.com",
			MessagingAPI:     "https://api.twilio.com",
			InboxSince:       "2025-01-16T19:10:49Z",
			TokenTTLSeconds:  3600,
		},
		Gmail: GmailConfig{
			CredentialsPath: "~/.commsrelay/credentials.json",
			APIBase:         "https://gmail.googleapis.com/",
			UserID:          "me",
		},
		IMAP: IMAPConfig{
			Host:    "imap.gmail.com",
			Port:    993,
			TLS:     true,
			Mailbox: "INBOX",
		},
		SMTP: SMTPConfig{
			Host:     "smtp.gmail.com",
			Port:     587,
			Username: "${GMAIL_SMTP_EMAIL}",
			Password: "${GMAIL_SMTP_APP_PASSWORD}",
			From:     "${GMAIL_SMTP_EMAIL}",
		},
		Mailbox: MailboxConfig{
			Provider:              "gmail",
			DefaultSince:          "2025-01-16T19:58:00Z",
			MaxMessages:           100,
			AttachmentConcurrency: 4,
		},
		Storage: StorageConfig{
			UploadsDir: "~/.commsrelay/uploads",
			DBPath:     "~/.commsrelay/commsrelay.db",
		},
		Credentials: CredentialsConfig{
			TokenStore:     "sqlite",
			KeyringService: "commsrelay",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
