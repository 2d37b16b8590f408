package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	conversations "github.com/twilio/twilio-go/rest/conversations/v1"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
)

const (
	conversationsHost = "conversations.twilio.com"
	messagingHost     = "api.twilio.com"
)

// Twilio adapts the Conversations and Messaging APIs of the Twilio SDK.
// It implements domain.ConversationProvider and domain.SMSProvider.
type Twilio struct {
	accountSid  string
	serviceSid  string
	phoneNumber string
	rest        *twilio.RestClient
	logger      *slog.Logger
}

type TwilioConfig struct {
	AccountSid   string
	AuthToken    string
	APIKeySid    string // when set with APIKeySecret, used instead of the auth token
	APIKeySecret string
	PhoneNumber  string
	ServiceSid   string // conversation service; the account default service when empty

	ConversationsBase string
	MessagingBase     string
	HTTPClient        *http.Client
	RetryBackoff      time.Duration
	Logger            *slog.Logger
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(defaultHTTPTimeout)
	}
	user, pass := cfg.AccountSid, cfg.AuthToken
	if cfg.APIKeySid != "" && cfg.APIKeySecret != "" {
		user, pass = cfg.APIKeySid, cfg.APIKeySecret
	}

	base := cfg.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := &twilioTransport{
		hosts: map[string]*url.URL{},
		retry: newRetrier(cfg.RetryBackoff, cfg.Logger),
		next: &http.Client{
			Transport:     base,
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
	transport.override(conversationsHost, cfg.ConversationsBase)
	transport.override(messagingHost, cfg.MessagingBase)

	c := &client.Client{
		Credentials: client.NewCredentials(user, pass),
		HTTPClient:  &http.Client{Timeout: cfg.HTTPClient.Timeout, Transport: transport},
	}
	c.SetAccountSid(cfg.AccountSid)

	return &Twilio{
		accountSid:  cfg.AccountSid,
		serviceSid:  cfg.ServiceSid,
		phoneNumber: cfg.PhoneNumber,
		rest:        twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}),
		logger:      cfg.Logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

// PhoneNumber is the configured sender number.
func (t *Twilio) PhoneNumber() string { return t.phoneNumber }

// twilioTransport sits under the SDK: it points requests for the public API
// hosts at configured bases, retries GETs and records request latency.
type twilioTransport struct {
	hosts map[string]*url.URL
	retry retrier
	next  *http.Client
}

func (tt *twilioTransport) override(host, base string) {
	if base == "" {
		return
	}
	if u, err := url.Parse(strings.TrimRight(base, "/")); err == nil && u.Host != "" {
		tt.hosts[host] = u
	}
}

func (tt *twilioTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if base, ok := tt.hosts[req.URL.Host]; ok {
		req = req.Clone(req.Context())
		req.URL.Scheme = base.Scheme
		req.URL.Host = base.Host
		req.URL.Path = base.Path + req.URL.Path
		req.Host = ""
	}

	start := time.Now()
	defer func() { metrics.ProviderLatency.With("twilio").Observe(time.Since(start).Seconds()) }()

	if req.Method != http.MethodGet {
		return tt.next.Transport.RoundTrip(req)
	}
	return tt.retry.do(req.Context(), tt.next, func() (*http.Request, error) {
		return req.Clone(req.Context()), nil
	})
}

// mapError turns SDK errors into the domain taxonomy. The SDK decodes
// error bodies into a TwilioRestError; its Status is the body's status.
func mapError(op string, err error) error {
	var te *client.TwilioRestError
	if !errors.As(err, &te) {
		return fmt.Errorf("twilio %s: %w", op, err)
	}
	if te.Status == http.StatusUnauthorized {
		return &domain.AuthError{Provider: "twilio", Message: te.Message}
	}
	return &domain.ProviderError{Provider: "twilio", Status: te.Status, Code: te.Code, Message: te.Message}
}

// redactPath drops the query from logged URLs.
func redactPath(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Path
	}
	return raw
}

func deref[T ~string](p *T) string {
	if p == nil {
		return ""
	}
	return string(*p)
}

// twilioTime reads both the ISO 8601 timestamps of the v1 APIs and the
// RFC 1123 strings of the 2010 Messaging API.
func twilioTime[T time.Time | string](p *T) *time.Time {
	if p == nil {
		return nil
	}
	switch v := any(*p).(type) {
	case time.Time:
		if v.IsZero() {
			return nil
		}
		return &v
	case string:
		return parseTwilioTime(v)
	}
	return nil
}

func parseTwilioTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, time.RFC1123Z} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// --- Conversations ---

func fromConversation(c *conversations.ConversationsV1Conversation) domain.Conversation {
	return domain.Conversation{
		Sid:          deref(c.Sid),
		ServiceSid:   deref(c.ChatServiceSid),
		FriendlyName: deref(c.FriendlyName),
		UniqueName:   deref(c.UniqueName),
		State:        deref(c.State),
		DateCreated:  twilioTime(c.DateCreated),
		DateUpdated:  twilioTime(c.DateUpdated),
	}
}

func fromServiceConversation(c *conversations.ConversationsV1ServiceConversation) domain.Conversation {
	return domain.Conversation{
		Sid:          deref(c.Sid),
		ServiceSid:   deref(c.ChatServiceSid),
		FriendlyName: deref(c.FriendlyName),
		UniqueName:   deref(c.UniqueName),
		State:        deref(c.State),
		DateCreated:  twilioTime(c.DateCreated),
		DateUpdated:  twilioTime(c.DateUpdated),
	}
}

func (t *Twilio) FetchConversation(_ context.Context, sid string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if t.serviceSid != "" {
		c, err := t.rest.ConversationsV1.FetchServiceConversation(t.serviceSid, sid)
		if err != nil {
			return nil, mapError("fetch conversation", err)
		}
		conv = fromServiceConversation(c)
	} else {
		c, err := t.rest.ConversationsV1.FetchConversation(sid)
		if err != nil {
			return nil, mapError("fetch conversation", err)
		}
		conv = fromConversation(c)
	}
	return &conv, nil
}

func (t *Twilio) ListParticipants(_ context.Context, conversationSid string) ([]domain.Participant, error) {
	out := []domain.Participant{}
	if t.serviceSid != "" {
		params := &conversations.ListServiceConversationParticipantParams{}
		ps, err := t.rest.ConversationsV1.ListServiceConversationParticipant(t.serviceSid, conversationSid, params.SetPageSize(100))
		if err != nil {
			return nil, mapError("list participants", err)
		}
		for _, p := range ps {
			out = append(out, domain.Participant{Sid: deref(p.Sid), Identity: deref(p.Identity)})
		}
		return out, nil
	}
	params := &conversations.ListConversationParticipantParams{}
	ps, err := t.rest.ConversationsV1.ListConversationParticipant(conversationSid, params.SetPageSize(100))
	if err != nil {
		return nil, mapError("list participants", err)
	}
	for _, p := range ps {
		out = append(out, domain.Participant{Sid: deref(p.Sid), Identity: deref(p.Identity)})
	}
	return out, nil
}

func (t *Twilio) AddParticipant(_ context.Context, conversationSid, identity string) (*domain.Participant, error) {
	if t.serviceSid != "" {
		params := &conversations.CreateServiceConversationParticipantParams{}
		p, err := t.rest.ConversationsV1.CreateServiceConversationParticipant(t.serviceSid, conversationSid, params.SetIdentity(identity))
		if err != nil {
			return nil, mapError("add participant", err)
		}
		return &domain.Participant{Sid: deref(p.Sid), Identity: deref(p.Identity)}, nil
	}
	params := &conversations.CreateConversationParticipantParams{}
	p, err := t.rest.ConversationsV1.CreateConversationParticipant(conversationSid, params.SetIdentity(identity))
	if err != nil {
		return nil, mapError("add participant", err)
	}
	return &domain.Participant{Sid: deref(p.Sid), Identity: deref(p.Identity)}, nil
}

func (t *Twilio) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	out := []domain.Conversation{}
	if t.serviceSid != "" {
		params := &conversations.ListServiceConversationParams{}
		cs, err := t.rest.ConversationsV1.ListServiceConversation(t.serviceSid, params.SetPageSize(50))
		if err != nil {
			return nil, mapError("list conversations", err)
		}
		for i := range cs {
			out = append(out, fromServiceConversation(&cs[i]))
		}
		return out, nil
	}
	params := &conversations.ListConversationParams{}
	cs, err := t.rest.ConversationsV1.ListConversation(params.SetPageSize(50))
	if err != nil {
		return nil, mapError("list conversations", err)
	}
	for i := range cs {
		out = append(out, fromConversation(&cs[i]))
	}
	return out, nil
}

func (t *Twilio) CreateConversation(_ context.Context, friendlyName string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if t.serviceSid != "" {
		params := &conversations.CreateServiceConversationParams{}
		c, err := t.rest.ConversationsV1.CreateServiceConversation(t.serviceSid, params.SetFriendlyName(friendlyName))
		if err != nil {
			return nil, mapError("create conversation", err)
		}
		conv = fromServiceConversation(c)
	} else {
		params := &conversations.CreateConversationParams{}
		c, err := t.rest.ConversationsV1.CreateConversation(params.SetFriendlyName(friendlyName))
		if err != nil {
			return nil, mapError("create conversation", err)
		}
		conv = fromConversation(c)
	}
	return &conv, nil
}

func (t *Twilio) ListMessages(_ context.Context, conversationSid string) ([]domain.ConversationMessage, error) {
	out := []domain.ConversationMessage{}
	if t.serviceSid != "" {
		params := &conversations.ListServiceConversationMessageParams{}
		ms, err := t.rest.ConversationsV1.ListServiceConversationMessage(t.serviceSid, conversationSid, params.SetPageSize(100))
		if err != nil {
			return nil, mapError("list messages", err)
		}
		for _, m := range ms {
			out = append(out, conversationMessage(m.Sid, &m.Index, m.Author, m.Body, twilioTime(m.DateCreated)))
		}
		return out, nil
	}
	params := &conversations.ListConversationMessageParams{}
	ms, err := t.rest.ConversationsV1.ListConversationMessage(conversationSid, params.SetPageSize(100))
	if err != nil {
		return nil, mapError("list messages", err)
	}
	for _, m := range ms {
		out = append(out, conversationMessage(m.Sid, &m.Index, m.Author, m.Body, twilioTime(m.DateCreated)))
	}
	return out, nil
}

func conversationMessage(sid *string, index *int, author, body *string, created *time.Time) domain.ConversationMessage {
	m := domain.ConversationMessage{Sid: deref(sid), Author: deref(author), Body: deref(body), DateCreated: created}
	if index != nil {
		m.Index = *index
	}
	return m
}

// --- Messaging ---

func fromMessage(m *twilioApi.ApiV2010Message) domain.SMS {
	sent := twilioTime(m.DateSent)
	if sent == nil {
		sent = twilioTime(m.DateCreated)
	}
	return domain.SMS{
		Sid:      deref(m.Sid),
		From:     deref(m.From),
		To:       deref(m.To),
		Body:     deref(m.Body),
		Status:   deref(m.Status),
		DateSent: sent,
	}
}

func (t *Twilio) SendSMS(_ context.Context, to, body string) (*domain.SMS, error) {
	if t.phoneNumber == "" {
		return nil, fmt.Errorf("twilio: no sender phone number configured")
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetPathAccountSid(t.accountSid)
	params.SetTo(to)
	params.SetFrom(t.phoneNumber)
	params.SetBody(body)
	m, err := t.rest.Api.CreateMessage(params)
	if err != nil {
		return nil, mapError("send sms", err)
	}
	sms := fromMessage(m)
	return &sms, nil
}

// ListInbound returns messages sent to `to` after sentAfter, newest first.
// The API filters by day only, so the instant is applied here.
func (t *Twilio) ListInbound(_ context.Context, to string, sentAfter time.Time) ([]domain.SMS, error) {
	params := &twilioApi.ListMessageParams{}
	params.SetPathAccountSid(t.accountSid)
	params.SetTo(to)
	params.SetPageSize(100)
	if !sentAfter.IsZero() {
		day := sentAfter.UTC().Truncate(24 * time.Hour)
		params.SetDateSentAfter(day)
	}
	ms, err := t.rest.Api.ListMessage(params)
	if err != nil {
		return nil, mapError("list messages", err)
	}

	out := []domain.SMS{}
	for i := range ms {
		sms := fromMessage(&ms[i])
		if !sentAfter.IsZero() && sms.DateSent != nil && !sms.DateSent.After(sentAfter) {
			continue
		}
		out = append(out, sms)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DateSent == nil || out[j].DateSent == nil {
			return false
		}
		return out[i].DateSent.After(*out[j].DateSent)
	})
	return out, nil
}
