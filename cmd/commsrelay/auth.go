package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"commsrelay/internal/credential"
	"commsrelay/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Gmail access and store the OAuth token",
		Long: `Prints the Google consent URL. After approving, paste the code (or the
whole redirect URL) back here; the token is saved in the configured token store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadRuntime()
			if err != nil {
				return err
			}
			defer closeLog()

			db, err := store.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			tokens, err := openTokenStore(cfg, db)
			if err != nil {
				return err
			}
			oauth := credential.NewOAuth(credential.OAuthConfig{
				CredentialsPath: cfg.Gmail.CredentialsPath,
				Store:           tokens,
				Logger:          logger,
			})

			state := uuid.NewString()
			authURL, err := oauth.AuthCodeURL(state)
			if err != nil {
				return err
			}
			fmt.Printf("Open this URL in your browser and approve access:\n\n  %s\n\n", authURL)
			fmt.Print("Paste the authorization code or redirect URL: ")

			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read code: %w", err)
			}
			code, err := extractCode(strings.TrimSpace(line), state)
			if err != nil {
				return err
			}
			if err := oauth.Exchange(context.Background(), code); err != nil {
				return err
			}
			logger.Info("gmail token stored", "store", cfg.Credentials.TokenStore)
			return nil
		},
	}
}

// extractCode accepts a bare code or a redirect URL carrying code and state.
func extractCode(input, state string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("no authorization code given")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if got := q.Get("state"); got != "" && got != state {
		return "", fmt.Errorf("state mismatch in redirect URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect URL has no code parameter")
	}
	return code, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
