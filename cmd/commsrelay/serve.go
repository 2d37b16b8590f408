package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commsrelay/internal/channel"
	"commsrelay/internal/config"
	"commsrelay/internal/conversation"
	"commsrelay/internal/credential"
	"commsrelay/internal/domain"
	"commsrelay/internal/mailbox"
	"commsrelay/internal/mailer"
	"commsrelay/internal/provider"
	"commsrelay/internal/relay"
	"commsrelay/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long:  "Serves the HTTP API, provider webhooks and the live event streams. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

// loadRuntime loads the config and applies its logging settings.
func loadRuntime() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	closer, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, func() { closer.Close() }, nil
}

// openTokenStore picks the configured OAuth token cache.
func openTokenStore(cfg *config.Config, db *store.SQLiteStore) (credential.TokenStore, error) {
	if cfg.Credentials.TokenStore == "keyring" {
		return credential.OpenKeyring(cfg.Credentials.KeyringService, cfg.Credentials.KeyringDir)
	}
	return db, nil
}

// mailSource bundles the configured mailbox backend with its token provider.
type mailSource struct {
	mail   domain.MailProvider
	tokens domain.TokenProvider
}

func buildMailSource(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*mailSource, error) {
	if cfg.Mailbox.Provider == "imap" {
		imap := provider.NewIMAP(provider.IMAPConfig{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			TLS:      cfg.IMAP.TLS,
			Mailbox:  cfg.IMAP.Mailbox,
			Logger:   logger,
		})
		return &mailSource{mail: imap, tokens: imap}, nil
	}

	tokens, err := openTokenStore(cfg, db)
	if err != nil {
		return nil, err
	}
	oauth := credential.NewOAuth(credential.OAuthConfig{
		CredentialsPath: cfg.Gmail.CredentialsPath,
		Store:           tokens,
		Logger:          logger,
	})
	gmail, err := provider.NewGmail(ctx, provider.GmailConfig{
		TokenSource: oauth.TokenSource(ctx),
		APIBase:     cfg.Gmail.APIBase,
		UserID:      cfg.Gmail.UserID,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}
	return &mailSource{mail: gmail, tokens: oauth}, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config, db *store.SQLiteStore) (*mailbox.Pipeline, *mailSource, *mailbox.Storage, error) {
	src, err := buildMailSource(ctx, cfg, db)
	if err != nil {
		return nil, nil, nil, err
	}
	storage, err := mailbox.NewStorage(cfg.Storage.UploadsDir, cfg.Server.PublicBaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	pipeline := mailbox.NewPipeline(mailbox.PipelineConfig{
		Mail:        src.mail,
		Tokens:      src.tokens,
		Storage:     storage,
		Catalog:     db,
		MaxMessages: cfg.Mailbox.MaxMessages,
		Concurrency: cfg.Mailbox.AttachmentConcurrency,
		Logger:      logger,
	})
	return pipeline, src, storage, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadRuntime()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pipeline, src, storage, err := buildPipeline(ctx, cfg, db)
	if err != nil {
		return err
	}

	twilio := provider.NewTwilio(provider.TwilioConfig{
		AccountSid:        cfg.Twilio.AccountSid,
		AuthToken:         cfg.Twilio.AuthToken,
		APIKeySid:         cfg.Twilio.APIKeySid,
		APIKeySecret:      cfg.Twilio.APIKeySecret,
		PhoneNumber:       cfg.Twilio.PhoneNumber,
		ServiceSid:        cfg.Twilio.ChatServiceSid,
		ConversationsBase: cfg.Twilio.ConversationsAPI,
		MessagingBase:     cfg.Twilio.MessagingAPI,
		Logger:            logger,
	})

	registry := relay.NewRegistry(logger)
	trigger := relay.NewTrigger(registry, logger)

	defaultSince, _ := cfg.DefaultSinceTime()
	inboxSince, _ := time.Parse(time.RFC3339, cfg.Twilio.InboxSince)

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}

	srv := channel.NewServer(channel.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowOrigin:    cfg.Server.AllowOrigin,
		KeepAlive:      time.Duration(cfg.Server.KeepAliveSeconds) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		DefaultSince:   defaultSince,
		InboxSince:     inboxSince,
		PhoneNumber:    cfg.Twilio.PhoneNumber,
		AgentIdentity:  cfg.Twilio.AgentIdentity,
		Webhooks: channel.WebhookValidation{
			Enabled:   cfg.Twilio.ValidateWebhooks,
			AuthToken: cfg.Twilio.AuthToken,
			BaseURL:   cfg.Twilio.WebhookBaseURL,
		},
		MetricsPath: metricsPath,
		Version:     version,

		Registry:      registry,
		Trigger:       trigger,
		Conversations: conversation.NewService(twilio, logger),
		Emails:        pipeline,
		Tokens: &credential.AccessTokenIssuer{
			AccountSid:     cfg.Twilio.AccountSid,
			APIKeySid:      cfg.Twilio.APIKeySid,
			APIKeySecret:   cfg.Twilio.APIKeySecret,
			ChatServiceSid: cfg.Twilio.ChatServiceSid,
			TwimlAppSid:    cfg.Twilio.TwimlAppSid,
			TTL:            time.Duration(cfg.Twilio.TokenTTLSeconds) * time.Second,
		},
		SMS: twilio,
		Mailer: mailer.NewSender(mailer.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Logger:   logger,
		}),
		Catalog: db,
		Storage: storage,
		Logger:  logger,
	})

	if cfg.Mailbox.WatchIntervalSeconds > 0 {
		watcher := mailbox.NewWatcher(mailbox.WatcherConfig{
			Mail:     src.mail,
			Notifier: trigger,
			Interval: time.Duration(cfg.Mailbox.WatchIntervalSeconds) * time.Second,
			Limit:    cfg.Mailbox.MaxMessages,
			Logger:   logger,
		})
		go watcher.Run(ctx)
		logger.Info("mailbox watcher enabled", "interval_seconds", cfg.Mailbox.WatchIntervalSeconds)
	}

	logger.Info("relay starting", "mailbox", cfg.Mailbox.Provider, "token_store", cfg.Credentials.TokenStore,
		"webhook_validation", cfg.Twilio.ValidateWebhooks)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func emailsCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "emails",
		Short: "Fetch emails received after a timestamp and store their attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadRuntime()
			if err != nil {
				return err
			}
			defer closeLog()

			from, err := cfg.DefaultSinceTime()
			if since != "" {
				from, err = time.Parse(time.RFC3339, since)
			}
			if err != nil {
				return fmt.Errorf("--since must be RFC 3339: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := store.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			pipeline, _, _, err := buildPipeline(ctx, cfg, db)
			if err != nil {
				return err
			}
			records, err := pipeline.FetchSince(ctx, from)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 timestamp (default: mailbox.defaultSince)")
	return cmd
}
