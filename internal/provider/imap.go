package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"commsrelay/internal/domain"
)

const snippetLen = 200

// IMAP implements domain.MailProvider over a plain IMAP mailbox, for
// accounts where the Gmail API is not available. Message ids are UIDs.
type IMAP struct {
	addr     string
	username string
	password string
	tls      bool
	mailbox  string
	logger   *slog.Logger

	// attachments of the most recently parsed message, served to
	// AttachmentData without a second fetch
	mu      sync.Mutex
	lastID  string
	lastAtt map[string][]byte
}

type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Mailbox  string
	Logger   *slog.Logger
}

func NewIMAP(cfg IMAPConfig) *IMAP {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAP{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		username: cfg.Username,
		password: cfg.Password,
		tls:      cfg.TLS,
		mailbox:  cfg.Mailbox,
		logger:   cfg.Logger,
	}
}

func (c *IMAP) Name() string { return "imap" }

// AccessToken satisfies domain.TokenProvider. IMAP sessions authenticate
// at login, so there is no bearer token to hand out.
func (c *IMAP) AccessToken(context.Context) (string, error) { return "", nil }

// connect dials, logs in and selects the mailbox. The caller logs out.
func (c *IMAP) connect(ctx context.Context) (*imapclient.Client, error) {
	var (
		client *imapclient.Client
		err    error
	)
	if c.tls {
		client, err = imapclient.DialTLS(c.addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(c.addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", c.addr, err)
	}

	// imapclient takes no context; a cancel during login closes the connection.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &domain.AuthError{
			Provider: "imap",
			Message:  fmt.Sprintf("authentication failed for %s", c.username),
			Err:      err,
		}
	}
	if _, err := client.Select(c.mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", c.mailbox, err)
	}
	return client, nil
}

func (c *IMAP) SearchSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	// SINCE has day granularity; the internal date filter below is exact.
	searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return []string{}, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{UID: true, InternalDate: true})
	defer fetchCmd.Close()

	ids := []string{}
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		if buf.InternalDate.After(since) {
			ids = append(ids, strconv.FormatUint(uint64(buf.UID), 10))
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching internal dates: %w", err)
	}

	// keep the most recent when over the limit
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids, nil
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, domain.InvalidArgument("invalid message id %q", id)
	}
	return imap.UID(n), nil
}

func (c *IMAP) fetchRaw(ctx context.Context, id string) ([]byte, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}
	client, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}
	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message %s has no body", id)
	}
	return raw, nil
}

func (c *IMAP) GetMessage(ctx context.Context, id string) (*domain.MailMessage, error) {
	raw, err := c.fetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	msg, data, err := parseRFC822(id, raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastID, c.lastAtt = id, data
	c.mu.Unlock()
	return msg, nil
}

// AttachmentData returns the standard base64 encoding of the part. The
// access token is unused; IMAP sessions authenticate with a password.
func (c *IMAP) AttachmentData(ctx context.Context, messageID, attachmentID, _ string) (string, error) {
	c.mu.Lock()
	data, ok := c.lastAtt[attachmentID]
	cached := c.lastID == messageID
	c.mu.Unlock()

	if !cached || !ok {
		raw, err := c.fetchRaw(ctx, messageID)
		if err != nil {
			return "", err
		}
		_, all, err := parseRFC822(messageID, raw)
		if err != nil {
			return "", err
		}
		if data, ok = all[attachmentID]; !ok {
			return "", fmt.Errorf("attachment %s: %w", attachmentID, domain.ErrNotFound)
		}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// parseRFC822 parses a raw message with go-message. It returns the
// provider-neutral message and the attachment bodies keyed by attachment id.
func parseRFC822(id string, raw []byte) (*domain.MailMessage, map[string][]byte, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("parse message %s: %w", id, err)
	}
	defer mr.Close()

	out := &domain.MailMessage{ID: id}
	for _, name := range []string{"From", "Cc", "Bcc", "Subject", "Date", "To"} {
		if mr.Header.Has(name) {
			value := mr.Header.Get(name)
			if name == "Subject" {
				if decoded, err := mr.Header.Subject(); err == nil {
					value = decoded
				}
			}
			out.Headers = append(out.Headers, domain.MailHeader{Name: name, Value: value})
		}
	}

	attachments := map[string][]byte{}
	index := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse message %s: %w", id, err)
		}

		var filename, contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			var params map[string]string
			contentType, params, _ = h.ContentType()
			filename = inlineFilename(h, params)
			if filename == "" {
				if out.Snippet == "" && strings.HasPrefix(contentType, "text/plain") {
					body, _ := io.ReadAll(part.Body)
					out.Snippet = snippet(string(body))
				}
				continue
			}
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
			contentType, _, _ = h.ContentType()
		}
		if filename == "" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		index++
		attID := strconv.Itoa(index)
		attachments[attID] = body
		out.Parts = append(out.Parts, domain.MailPart{
			PartID:       attID,
			Filename:     filename,
			MimeType:     contentType,
			AttachmentID: attID,
			Size:         int64(len(body)),
		})
	}
	return out, attachments, nil
}

// inlineFilename returns the name of an inline part that is really a file,
// such as an embedded image: a disposition filename or a content-type name.
func inlineFilename(h *mail.InlineHeader, typeParams map[string]string) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return typeParams["name"]
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if len([]rune(s)) > snippetLen {
		return string([]rune(s)[:snippetLen])
	}
	return s
}
