// Package mailbox turns remote mail into locally addressable email records.
package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
	"commsrelay/internal/store"
)

// Catalog records saved attachments. *store.SQLiteStore implements it.
type Catalog interface {
	RecordAttachment(ctx context.Context, e store.AttachmentEntry) error
}

type PipelineConfig struct {
	Mail        domain.MailProvider
	Tokens      domain.TokenProvider
	Storage     *Storage
	Catalog     Catalog // optional
	MaxMessages int
	Concurrency int // attachment fetches in flight per message
	Logger      *slog.Logger
}

// Pipeline fetches messages received after a timestamp and materializes
// their attachments.
type Pipeline struct {
	mail        domain.MailProvider
	tokens      domain.TokenProvider
	storage     *Storage
	catalog     Catalog
	maxMessages int
	concurrency int
	logger      *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Pipeline{
		mail:        cfg.Mail,
		tokens:      cfg.Tokens,
		storage:     cfg.Storage,
		catalog:     cfg.Catalog,
		maxMessages: cfg.MaxMessages,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
}

// FetchSince returns one record per message received after since, in
// provider listing order. Messages are processed one at a time; the
// attachments of a message are fetched concurrently and joined before the
// next message starts. An auth failure anywhere fails the whole call.
// Other attachment failures are reported on the attachment entry.
func (p *Pipeline) FetchSince(ctx context.Context, since time.Time) ([]domain.EmailRecord, error) {
	start := time.Now()
	defer func() { metrics.IngestLatency.Observe(time.Since(start).Seconds()) }()

	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := p.mail.SearchSince(ctx, since, p.maxMessages)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	records := make([]domain.EmailRecord, 0, len(ids))
	for _, id := range ids {
		msg, err := p.mail.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}

		rec := recordFromMessage(msg)
		rec.Attachments, err = p.fetchAttachments(ctx, msg, token)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	metrics.EmailsIngested.Add(int64(len(records)))
	p.logger.Info("mailbox ingested",
		"since", since.Format(time.RFC3339),
		"messages", len(records),
		"duration", time.Since(start),
	)
	return records, nil
}

func recordFromMessage(msg *domain.MailMessage) domain.EmailRecord {
	header := func(name string) (string, bool) {
		h, ok := lo.Find(msg.Headers, func(h domain.MailHeader) bool { return h.Name == name })
		return h.Value, ok
	}

	rec := domain.EmailRecord{ID: msg.ID, Body: msg.Snippet, Attachments: []domain.Attachment{}}
	rec.From, _ = header("From")
	rec.Subject, _ = header("Subject")
	rec.Date, _ = header("Date")
	if cc, ok := header("Cc"); ok {
		rec.Cc = lo.ToPtr(cc)
	}
	if bcc, ok := header("Bcc"); ok {
		rec.Bcc = lo.ToPtr(bcc)
	}
	return rec
}

func (p *Pipeline) fetchAttachments(ctx context.Context, msg *domain.MailMessage, token string) ([]domain.Attachment, error) {
	parts := lo.Filter(msg.Parts, func(part domain.MailPart, _ int) bool { return part.Filename != "" })
	results := make([]domain.Attachment, len(parts))
	if len(parts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, part := range parts {
		g.Go(func() error {
			att, err := p.materialize(gctx, msg.ID, part, token)
			if err != nil {
				if domain.IsAuthError(err) || gctx.Err() != nil {
					return err
				}
				metrics.AttachmentsFailed.Inc()
				p.logger.Warn("attachment not stored",
					"message", msg.ID,
					"filename", part.Filename,
					"err", err,
				)
				att = domain.Attachment{Filename: part.Filename, Error: err.Error()}
			}
			results[i] = att
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) materialize(ctx context.Context, messageID string, part domain.MailPart, token string) (domain.Attachment, error) {
	payload := part.Data
	if part.AttachmentID != "" || payload == "" {
		var err error
		payload, err = p.mail.AttachmentData(ctx, messageID, part.AttachmentID, token)
		if err != nil {
			return domain.Attachment{}, err
		}
	}
	data, err := DecodeBase64(payload)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("decode %s: %w", part.Filename, err)
	}
	att, err := p.storage.Save(part.Filename, data)
	if err != nil {
		return domain.Attachment{}, err
	}
	metrics.AttachmentsSaved.Inc()

	if p.catalog != nil {
		entry := store.AttachmentEntry{
			MessageID:   messageID,
			Filename:    att.Filename,
			MimeType:    att.MimeType,
			Size:        att.Size,
			StoragePath: att.FilePath,
			URL:         att.URL,
		}
		if err := p.catalog.RecordAttachment(ctx, entry); err != nil {
			p.logger.Warn("attachment not cataloged", "filename", att.Filename, "err", err)
		}
	}
	return att, nil
}

var base64Encodings = []*base64.Encoding{
	base64.URLEncoding,
	base64.RawURLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// DecodeBase64 accepts padded or unpadded, URL-safe or standard base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	var firstErr error
	for _, enc := range base64Encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, errors.Join(errors.New("invalid base64 payload"), firstErr)
}
