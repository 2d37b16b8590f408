package mailbox

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commsrelay/internal/domain"
	"commsrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) AccessToken(context.Context) (string, error) { return f.token, f.err }

type fakeMail struct {
	ids      []string
	messages map[string]*domain.MailMessage
	// attachment payloads keyed by attachment id
	payloads map[string]string
	attErr   map[string]error

	mu          sync.Mutex
	searchSince time.Time
	gotTokens   []string
	inFlight    int32
	maxInFlight int32
	getCalls    int32
}

func (f *fakeMail) SearchSince(_ context.Context, since time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	f.searchSince = since
	f.mu.Unlock()
	ids := f.ids
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeMail) GetMessage(_ context.Context, id string) (*domain.MailMessage, error) {
	atomic.AddInt32(&f.getCalls, 1)
	msg, ok := f.messages[id]
	if !ok {
		return nil, &domain.ProviderError{Provider: "fake", Status: 404, Message: "gone"}
	}
	return msg, nil
}

func (f *fakeMail) AttachmentData(_ context.Context, _, attachmentID, token string) (string, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	f.gotTokens = append(f.gotTokens, token)
	f.mu.Unlock()
	if err := f.attErr[attachmentID]; err != nil {
		return "", err
	}
	return f.payloads[attachmentID], nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	entries []store.AttachmentEntry
}

func (c *fakeCatalog) RecordAttachment(_ context.Context, e store.AttachmentEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func b64url(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func newPipeline(t *testing.T, mail domain.MailProvider, tokens domain.TokenProvider, catalog Catalog) (*Pipeline, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	storage, err := NewStorage(dir, "http://localhost:3001/")
	require.NoError(t, err)
	cfg := PipelineConfig{
		Mail:        mail,
		Tokens:      tokens,
		Storage:     storage,
		MaxMessages: 50,
		Concurrency: 4,
		Logger:      testLogger(),
	}
	if catalog != nil {
		cfg.Catalog = catalog
	}
	return NewPipeline(cfg), dir
}

func sampleMail() *fakeMail {
	return &fakeMail{
		ids: []string{"m2", "m1"},
		messages: map[string]*domain.MailMessage{
			"m1": {
				ID: "m1",
				Headers: []domain.MailHeader{
					{Name: "From", Value: "alice@example.com"},
					{Name: "Subject", Value: "Report"},
					{Name: "Date", Value: "Fri, 17 Jan 2025 09:30:00 +0000"},
					{Name: "Cc", Value: "carol@example.com"},
				},
				Snippet: "see attached",
				Parts: []domain.MailPart{
					{PartID: "0", MimeType: "text/plain"},
					{PartID: "1", Filename: "report.pdf", AttachmentID: "a1"},
					{PartID: "2", Filename: "chart.png", AttachmentID: "a2"},
				},
			},
			"m2": {
				ID:      "m2",
				Headers: []domain.MailHeader{{Name: "From", Value: "bob@example.com"}, {Name: "subject", Value: "lowercase"}},
				Snippet: "no attachments",
			},
		},
		payloads: map[string]string{
			"a1": b64url("%PDF-1.4 fake"),
			"a2": b64url("\x89PNG\r\n\x1a\nrest"),
		},
	}
}

func TestFetchSince_RecordsInListingOrder(t *testing.T) {
	r := require.New(t)
	mail := sampleMail()
	catalog := &fakeCatalog{}
	p, dir := newPipeline(t, mail, fakeTokens{token: "tok-1"}, catalog)

	since := time.Date(2025, 1, 16, 19, 58, 0, 0, time.UTC)
	records, err := p.FetchSince(context.Background(), since)
	r.NoError(err)
	r.True(mail.searchSince.Equal(since))
	r.Len(records, 2)

	// provider order kept
	r.Equal("m2", records[0].ID)
	r.Equal("m1", records[1].ID)

	// exact header names only
	r.Equal("bob@example.com", records[0].From)
	r.Empty(records[0].Subject)
	r.Nil(records[0].Cc)
	r.NotNil(records[0].Attachments)
	r.Empty(records[0].Attachments)

	rec := records[1]
	r.Equal("Report", rec.Subject)
	r.Equal("see attached", rec.Body)
	r.NotNil(rec.Cc)
	r.Equal("carol@example.com", *rec.Cc)
	r.Nil(rec.Bcc)

	r.Len(rec.Attachments, 2)
	r.Equal("report.pdf", rec.Attachments[0].Filename)
	r.Equal("http://localhost:3001/uploads/report.pdf", rec.Attachments[0].URL)
	r.Equal("application/pdf", rec.Attachments[0].MimeType)
	r.Equal("chart.png", rec.Attachments[1].Filename)
	r.Equal("image/png", rec.Attachments[1].MimeType)

	data, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	r.NoError(err)
	r.Equal("%PDF-1.4 fake", string(data))

	for _, tok := range mail.gotTokens {
		r.Equal("tok-1", tok)
	}
	r.Len(catalog.entries, 2)
}

func TestFetchSince_NoMessages(t *testing.T) {
	mail := &fakeMail{}
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}

func TestFetchSince_AuthFailureBeforeSearch(t *testing.T) {
	mail := sampleMail()
	p, _ := newPipeline(t, mail, fakeTokens{err: &domain.AuthError{Provider: "gmail", Message: "expired"}}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	require.Nil(t, records)
	require.True(t, domain.IsAuthError(err))
	require.Zero(t, atomic.LoadInt32(&mail.getCalls))
}

func TestFetchSince_AttachmentAuthFailureIsFatal(t *testing.T) {
	mail := sampleMail()
	mail.attErr = map[string]error{"a2": &domain.AuthError{Provider: "gmail", Message: "revoked"}}
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	require.Nil(t, records)
	require.True(t, domain.IsAuthError(err))
}

func TestFetchSince_AttachmentFailureIsIsolated(t *testing.T) {
	r := require.New(t)
	mail := sampleMail()
	mail.attErr = map[string]error{"a1": &domain.ProviderError{Provider: "gmail", Status: 400, Message: "Invalid attachment id"}}
	mail.payloads["a2"] = "!!! not base64 !!!"
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	r.NoError(err)
	r.Len(records, 2)

	atts := records[1].Attachments
	r.Len(atts, 2)
	r.Equal("report.pdf", atts[0].Filename)
	r.False(atts[0].OK())
	r.Contains(atts[0].Error, "Invalid attachment id")
	r.False(atts[1].OK())
	r.Contains(atts[1].Error, "decode")
}

func TestFetchSince_InlinePartDataSkipsFetch(t *testing.T) {
	r := require.New(t)
	mail := &fakeMail{
		ids: []string{"m1"},
		messages: map[string]*domain.MailMessage{"m1": {
			ID:    "m1",
			Parts: []domain.MailPart{{PartID: "1", Filename: "note.txt", Data: base64.RawURLEncoding.EncodeToString([]byte("small body"))}},
		}},
	}
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	r.NoError(err)
	r.Len(records, 1)
	r.Len(records[0].Attachments, 1)
	att := records[0].Attachments[0]
	r.True(att.OK(), att.Error)
	data, err := os.ReadFile(att.FilePath)
	r.NoError(err)
	r.Equal("small body", string(data))
	r.Empty(mail.gotTokens)
}

func TestFetchSince_GetMessageFailureAborts(t *testing.T) {
	mail := sampleMail()
	mail.ids = []string{"m1", "missing"}
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	_, err := p.FetchSince(context.Background(), time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchSince_AttachmentsFetchedConcurrently(t *testing.T) {
	mail := &fakeMail{
		ids:      []string{"m1"},
		messages: map[string]*domain.MailMessage{"m1": {ID: "m1"}},
		payloads: map[string]string{},
	}
	for i := range 4 {
		id := string(rune('a' + i))
		mail.messages["m1"].Parts = append(mail.messages["m1"].Parts,
			domain.MailPart{Filename: id + ".txt", AttachmentID: id})
		mail.payloads[id] = b64url("payload " + id)
	}
	p, _ := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, records[0].Attachments, 4)
	require.Greater(t, atomic.LoadInt32(&mail.maxInFlight), int32(1))
	for i, att := range records[0].Attachments {
		require.Equal(t, string(rune('a'+i))+".txt", att.Filename)
		require.True(t, att.OK())
	}
}

func TestFetchSince_SameFilenameLastWriterWins(t *testing.T) {
	mail := &fakeMail{
		ids: []string{"m1", "m2"},
		messages: map[string]*domain.MailMessage{
			"m1": {ID: "m1", Parts: []domain.MailPart{{Filename: "notes.txt", AttachmentID: "x1"}}},
			"m2": {ID: "m2", Parts: []domain.MailPart{{Filename: "../notes.txt", AttachmentID: "x2"}}},
		},
		payloads: map[string]string{"x1": b64url("first"), "x2": b64url("second")},
	}
	p, dir := newPipeline(t, mail, fakeTokens{token: "t"}, nil)

	records, err := p.FetchSince(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, "notes.txt", records[1].Attachments[0].Filename)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}

func TestDecodeBase64_Variants(t *testing.T) {
	for _, in := range []string{
		base64.URLEncoding.EncodeToString([]byte("hi?>")),
		base64.RawURLEncoding.EncodeToString([]byte("hi?>")),
		base64.StdEncoding.EncodeToString([]byte("hi?>")),
		base64.RawStdEncoding.EncodeToString([]byte("hi?>")),
	} {
		got, err := DecodeBase64(in)
		require.NoError(t, err, in)
		require.Equal(t, "hi?>", string(got))
	}

	_, err := DecodeBase64("@@@")
	require.Error(t, err)
}
