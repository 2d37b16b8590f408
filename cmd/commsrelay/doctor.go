package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"commsrelay/internal/config"
	"commsrelay/internal/credential"
	"commsrelay/internal/domain"
	"commsrelay/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relay installation",
		Long: `Verifies that the configuration, credentials, database and uploads
directory are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("commsrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			d := &doctor{}

			if _, err := os.Stat(cfgPath); err != nil {
				d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'commsrelay init' to create a default configuration.\n")
				return nil
			}
			d.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				d.fail("Config validation", err.Error())
				return d.summary()
			}
			d.pass("Config validation", "valid")

			d.checkTwilio(cfg)

			db, err := store.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				d.fail("Database", err.Error())
			} else {
				defer db.Close()
				if v, err := db.Version(); err != nil {
					d.fail("Database", err.Error())
				} else {
					d.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Storage.DBPath, v))
				}
			}

			if err := checkWritableDir(cfg.Storage.UploadsDir); err != nil {
				d.fail("Uploads dir", err.Error())
			} else {
				d.pass("Uploads dir", cfg.Storage.UploadsDir)
			}

			d.checkMailbox(cfg, db)

			if cfg.SMTP.Host == "" || strings.Contains(cfg.SMTP.From, "${") || cfg.SMTP.From == "" {
				d.warn("SMTP", "sender not configured; /send-email will fail")
			} else {
				d.pass("SMTP", fmt.Sprintf("%s:%d as %s", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From))
			}

			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				d.warn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
			} else {
				d.pass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					d.pass("Log file", cfg.General.LogFile)
				}
			}

			return d.summary()
		},
	}
}

type doctor struct {
	passed, warned, failed int
}

func (d *doctor) pass(check, detail string) {
	d.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (d *doctor) fail(check, detail string) {
	d.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (d *doctor) warn(check, detail string) {
	d.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (d *doctor) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the relay.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	if d.warned > 0 {
		fmt.Printf("\nThe relay should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! The relay is ready to run.\n")
	}
	return nil
}

// unresolved reports values still holding a ${VAR} placeholder.
func unresolved(v string) bool {
	return v == "" || strings.Contains(v, "${")
}

func (d *doctor) checkTwilio(cfg *config.Config) {
	missing := []string{}
	for name, v := range map[string]string{
		"accountSid":     cfg.Twilio.AccountSid,
		"authToken":      cfg.Twilio.AuthToken,
		"apiKeySid":      cfg.Twilio.APIKeySid,
		"apiKeySecret":   cfg.Twilio.APIKeySecret,
		"chatServiceSid": cfg.Twilio.ChatServiceSid,
		"phoneNumber":    cfg.Twilio.PhoneNumber,
	} {
		if unresolved(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		d.fail("Twilio", "unset: "+strings.Join(missing, ", "))
		return
	}
	d.pass("Twilio", cfg.Twilio.AccountSid)
	if unresolved(cfg.Twilio.TwimlAppSid) {
		d.warn("Twilio voice", "twimlAppSid unset; tokens carry no outgoing voice grant")
	}
}

func (d *doctor) checkMailbox(cfg *config.Config, db *store.SQLiteStore) {
	if cfg.Mailbox.Provider == "imap" {
		if unresolved(cfg.IMAP.Username) || unresolved(cfg.IMAP.Password) {
			d.fail("IMAP", "username or password unset")
			return
		}
		d.pass("IMAP", fmt.Sprintf("%s@%s:%d", cfg.IMAP.Username, cfg.IMAP.Host, cfg.IMAP.Port))
		return
	}

	if _, err := os.Stat(cfg.Gmail.CredentialsPath); err != nil {
		d.fail("Gmail credentials", fmt.Sprintf("client secrets not found at %q", cfg.Gmail.CredentialsPath))
		return
	}
	d.pass("Gmail credentials", cfg.Gmail.CredentialsPath)

	if db == nil {
		return
	}
	tokens, err := openTokenStore(cfg, db)
	if err != nil {
		d.fail("Gmail token", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := tokens.LoadToken(ctx, credential.GmailTokenKey); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.warn("Gmail token", "no token stored; run 'commsrelay auth'")
			return
		}
		d.fail("Gmail token", err.Error())
		return
	}
	d.pass("Gmail token", "stored in "+cfg.Credentials.TokenStore)
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
