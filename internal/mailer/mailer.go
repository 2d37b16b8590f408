// Package mailer composes MIME messages and delivers them over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/samber/lo"

	"commsrelay/internal/domain"
)

// Message is an outgoing email. Bcc recipients get the message but are
// not written into the headers.
type Message struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	Attachments []Attachment
}

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SplitAddresses splits a comma-separated recipient list, dropping blanks.
func SplitAddresses(list string) []string {
	return lo.Compact(lo.Map(strings.Split(list, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

func parseList(field string, addrs []string) ([]*mail.Address, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	parsed, err := mail.ParseAddressList(strings.Join(addrs, ", "))
	if err != nil {
		return nil, domain.InvalidArgument("%s: %v", field, err)
	}
	return parsed, nil
}

// Compose renders m as an RFC 5322 message with a text body, an HTML
// alternative and any attachments.
func Compose(from string, m Message, now time.Time) ([]byte, error) {
	if len(m.To) == 0 {
		return nil, domain.InvalidArgument("at least one recipient is required")
	}
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("sender address %q: %w", from, err)
	}
	to, err := parseList("to", m.To)
	if err != nil {
		return nil, err
	}
	cc, err := parseList("cc", m.Cc)
	if err != nil {
		return nil, err
	}
	if _, err := parseList("bcc", m.Bcc); err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", to)
	if len(cc) > 0 {
		h.SetAddressList("Cc", cc)
	}
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	if err := writeInline(tw, "text/plain", m.Text); err != nil {
		return nil, err
	}
	if err := writeInline(tw, "text/html", "<p>"+html.EscapeString(m.Text)+"</p>"); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline: %w", err)
	}

	for _, a := range m.Attachments {
		var ah mail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(a.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment %s: %w", a.Filename, err)
		}
		if _, err := w.Write(a.Content); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close attachment %s: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.Set("Content-Type", contentType+"; charset=utf-8")
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Logger   *slog.Logger
}

// SendFunc delivers a rendered message. smtp.SendMail has this signature.
type SendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Sender delivers composed messages over SMTP: implicit TLS on port 465,
// STARTTLS when the server offers it otherwise.
type Sender struct {
	cfg  Config
	send SendFunc
	now  func() time.Time
}

func NewSender(cfg Config) *Sender {
	s := &Sender{cfg: cfg, now: time.Now}
	if cfg.Port == 465 {
		s.send = sendImplicitTLS
	} else {
		s.send = smtp.SendMail
	}
	return s
}

// WithSendFunc replaces the transport.
func (s *Sender) WithSendFunc(f SendFunc) *Sender {
	s.send = f
	return s
}

func (s *Sender) Send(ctx context.Context, m Message) error {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return fmt.Errorf("smtp is not configured")
	}
	raw, err := Compose(s.cfg.From, m, s.now())
	if err != nil {
		return err
	}
	sender, _ := mail.ParseAddress(s.cfg.From)
	rcpts := lo.Uniq(append(append(append([]string{}, m.To...), m.Cc...), m.Bcc...))
	envelope := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		if a, err := mail.ParseAddress(r); err == nil {
			envelope = append(envelope, a.Address)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}
	if err := s.send(addr, auth, sender.Address, envelope, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("email sent", "to", len(m.To), "cc", len(m.Cc), "bcc", len(m.Bcc), "attachments", len(m.Attachments))
	}
	return nil
}

func sendImplicitTLS(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
	c, err := smtp.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}
	defer c.Close()

	if a != nil {
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("SMTP auth: %w", err)
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return c.Quit()
}
