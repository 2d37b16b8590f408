package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"commsrelay/internal/domain"
)

// GmailTokenKey is the store key of the cached Gmail token.
const GmailTokenKey = "gmail"

// GmailScopes are requested during consent: read for ingestion, send for
// the email endpoint when it goes through the API account.
var GmailScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
}

type OAuthConfig struct {
	CredentialsPath string // Google OAuth client secrets JSON
	Store           TokenStore
	Logger          *slog.Logger
}

// OAuth supplies Gmail access tokens from the cached token, refreshing
// and writing back as needed. Every failure is reported as *domain.AuthError.
type OAuth struct {
	conf    *oauth2.Config
	confErr error
	store   TokenStore
	logger  *slog.Logger

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewOAuth reads the client secrets file. A missing or malformed file does
// not fail construction; AccessToken reports it instead so the server can
// start without mail configured.
func NewOAuth(cfg OAuthConfig) *OAuth {
	o := &OAuth{store: cfg.Store, logger: cfg.Logger}
	data, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		o.confErr = fmt.Errorf("read client secrets %s: %w", cfg.CredentialsPath, err)
		return o
	}
	o.conf, o.confErr = google.ConfigFromJSON(data, GmailScopes...)
	if o.confErr != nil {
		o.confErr = fmt.Errorf("parse client secrets: %w", o.confErr)
	}
	return o
}

// NewOAuthWithConfig builds a token provider around an explicit oauth2 config.
func NewOAuthWithConfig(conf *oauth2.Config, store TokenStore, logger *slog.Logger) *OAuth {
	return &OAuth{conf: conf, store: store, logger: logger}
}

func authErr(msg string, err error) error {
	return &domain.AuthError{Provider: "gmail", Message: msg, Err: err}
}

// AccessToken returns a currently valid access token.
func (o *OAuth) AccessToken(ctx context.Context) (string, error) {
	tok, err := o.Token(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Token returns the current token, refreshing it when expired.
func (o *OAuth) Token(ctx context.Context) (*oauth2.Token, error) {
	if o.confErr != nil {
		return nil, authErr("oauth client not configured", o.confErr)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cached != nil && o.cached.Valid() {
		return o.cached, nil
	}

	stored := o.cached
	if stored == nil {
		data, err := o.store.LoadToken(ctx, GmailTokenKey)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, authErr("no stored token, run `commsrelay auth`", nil)
		}
		if err != nil {
			return nil, authErr("load token", err)
		}
		stored = new(oauth2.Token)
		if err := json.Unmarshal(data, stored); err != nil {
			return nil, authErr("decode stored token", err)
		}
	}

	fresh, err := o.conf.TokenSource(ctx, stored).Token()
	if err != nil {
		return nil, authErr("refresh token", err)
	}

	if fresh.AccessToken != stored.AccessToken {
		if err := o.persist(ctx, fresh); err != nil {
			o.logger.Warn("cannot persist refreshed token", "err", err)
		}
	}
	o.cached = fresh
	return fresh, nil
}

func (o *OAuth) persist(ctx context.Context, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return o.store.SaveToken(ctx, GmailTokenKey, data)
}

// AuthCodeURL returns the consent page URL for the auth command.
func (o *OAuth) AuthCodeURL(state string) (string, error) {
	if o.confErr != nil {
		return "", o.confErr
	}
	return o.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for a token and stores it.
func (o *OAuth) Exchange(ctx context.Context, code string) error {
	if o.confErr != nil {
		return o.confErr
	}
	tok, err := o.conf.Exchange(ctx, code)
	if err != nil {
		return authErr("exchange authorization code", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.persist(ctx, tok); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	o.cached = tok
	return nil
}

// TokenSource adapts o for clients that take an oauth2.TokenSource.
func (o *OAuth) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSourceFunc(func() (*oauth2.Token, error) { return o.Token(ctx) })
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }
