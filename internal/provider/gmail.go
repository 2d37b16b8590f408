package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
)

// Gmail implements domain.MailProvider over the Gmail v1 API. Attachment
// binaries are fetched with a plain bearer request against the
// attachments endpoint.
type Gmail struct {
	svc     *gmail.Service
	userID  string
	apiBase string
	client  *http.Client
	retry   retrier
	logger  *slog.Logger
}

type GmailConfig struct {
	TokenSource  oauth2.TokenSource
	APIBase      string // e.g. https://gmail.googleapis.com/
	UserID       string
	HTTPClient   *http.Client // when set, used for API calls instead of TokenSource
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

func NewGmail(ctx context.Context, cfg GmailConfig) (*Gmail, error) {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://gmail.googleapis.com/"
	}
	if !strings.HasSuffix(cfg.APIBase, "/") {
		cfg.APIBase += "/"
	}
	if cfg.UserID == "" {
		cfg.UserID = "me"
	}

	opts := []option.ClientOption{option.WithEndpoint(cfg.APIBase)}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		opts = append(opts, option.WithTokenSource(cfg.TokenSource))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}

	plain := cfg.HTTPClient
	if plain == nil {
		plain = SharedHTTPClient(defaultHTTPTimeout)
	}
	return &Gmail{
		svc:     svc,
		userID:  cfg.UserID,
		apiBase: cfg.APIBase,
		client:  plain,
		retry:   newRetrier(cfg.RetryBackoff, cfg.Logger),
		logger:  cfg.Logger,
	}, nil
}

func (g *Gmail) Name() string { return "gmail" }

// mapGmailError turns API failures into the domain taxonomy.
func mapGmailError(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsAuthError(err) {
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &domain.AuthError{Provider: "gmail", Message: "token refresh rejected", Err: err}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden {
			return &domain.AuthError{Provider: "gmail", Message: gerr.Message, Err: err}
		}
		return &domain.ProviderError{Provider: "gmail", Status: gerr.Code, Message: gerr.Message}
	}
	return fmt.Errorf("gmail: %w", err)
}

// SearchSince lists ids of messages received after since, following result
// pages until limit ids are collected.
func (g *Gmail) SearchSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	start := time.Now()
	defer func() { metrics.ProviderLatency.With("gmail").Observe(time.Since(start).Seconds()) }()

	call := g.svc.Users.Messages.List(g.userID).
		Q(fmt.Sprintf("after:%d", since.Unix())).
		MaxResults(int64(min(limit, 500)))

	ids := []string{}
	for {
		resp, err := call.Context(ctx).Do()
		if err != nil {
			return nil, mapGmailError(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if len(ids) >= limit {
				return ids, nil
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		call.PageToken(resp.NextPageToken)
	}
}

func (g *Gmail) GetMessage(ctx context.Context, id string) (*domain.MailMessage, error) {
	start := time.Now()
	msg, err := g.svc.Users.Messages.Get(g.userID, id).Format("full").Context(ctx).Do()
	metrics.ProviderLatency.With("gmail").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, mapGmailError(err)
	}

	out := &domain.MailMessage{ID: msg.Id, Snippet: msg.Snippet}
	if msg.Payload == nil {
		return out, nil
	}
	for _, h := range msg.Payload.Headers {
		out.Headers = append(out.Headers, domain.MailHeader{Name: h.Name, Value: h.Value})
	}
	out.Parts = flattenParts(msg.Payload.Parts, nil)
	return out, nil
}

// flattenParts walks nested multiparts depth-first and keeps the parts
// that carry a filename.
func flattenParts(parts []*gmail.MessagePart, acc []domain.MailPart) []domain.MailPart {
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.Filename != "" {
			mp := domain.MailPart{PartID: p.PartId, Filename: p.Filename, MimeType: p.MimeType}
			if p.Body != nil {
				mp.AttachmentID = p.Body.AttachmentId
				mp.Size = p.Body.Size
				mp.Data = p.Body.Data
			}
			acc = append(acc, mp)
		}
		acc = flattenParts(p.Parts, acc)
	}
	return acc
}

// AttachmentData fetches the base64url payload of one attachment.
func (g *Gmail) AttachmentData(ctx context.Context, messageID, attachmentID, accessToken string) (string, error) {
	if attachmentID == "" {
		return "", fmt.Errorf("gmail: part has no attachment id")
	}
	endpoint := g.apiBase + "gmail/v1/users/" + url.PathEscape(g.userID) +
		"/messages/" + url.PathEscape(messageID) +
		"/attachments/" + url.PathEscape(attachmentID)

	start := time.Now()
	resp, err := g.retry.do(ctx, g.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	metrics.ProviderLatency.With("gmail").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("gmail: fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gmail: read attachment: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &domain.AuthError{Provider: "gmail", Message: fmt.Sprintf("attachment fetch rejected (HTTP %d)", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return "", &domain.ProviderError{Provider: "gmail", Status: resp.StatusCode, Message: msg}
	}

	var att struct {
		Data string `json:"data"`
		Size int64  `json:"size"`
	}
	if err := json.Unmarshal(body, &att); err != nil {
		return "", fmt.Errorf("gmail: decode attachment: %w", err)
	}
	return att.Data, nil
}
