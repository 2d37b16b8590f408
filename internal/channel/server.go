// Package channel is the HTTP surface of the relay: REST endpoints, provider
// webhooks, and the SSE/WebSocket streams that live clients subscribe to.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"commsrelay/internal/domain"
	"commsrelay/internal/mailbox"
	"commsrelay/internal/mailer"
	"commsrelay/internal/metrics"
	"commsrelay/internal/relay"
	"commsrelay/internal/store"
)

// ConversationService is the conversation API exposed over HTTP.
type ConversationService interface {
	EnsureParticipant(ctx context.Context, conversationSid, identity string) (*domain.Conversation, error)
	Create(ctx context.Context, friendlyName string) (*domain.Conversation, error)
	List(ctx context.Context) ([]domain.Conversation, error)
	Messages(ctx context.Context, conversationSid string) ([]domain.ConversationMessage, error)
}

// EmailFetcher runs the mailbox ingestion pipeline.
type EmailFetcher interface {
	FetchSince(ctx context.Context, since time.Time) ([]domain.EmailRecord, error)
}

// TokenIssuer mints client access tokens.
type TokenIssuer interface {
	Issue(identity string) (string, error)
}

// MailSender delivers outgoing email.
type MailSender interface {
	Send(ctx context.Context, m mailer.Message) error
}

// AttachmentCatalog lists stored attachments.
type AttachmentCatalog interface {
	ListAttachments(ctx context.Context, limit int) ([]store.AttachmentEntry, error)
}

// WebhookValidation controls X-Twilio-Signature checking.
type WebhookValidation struct {
	Enabled   bool
	AuthToken string
	BaseURL   string // public origin used to rebuild the signed URL; request host when empty
}

// Config wires the server. Components left nil disable their routes.
type Config struct {
	Host           string
	Port           int
	AllowOrigin    string
	KeepAlive      time.Duration // SSE ping interval
	WriteTimeout   time.Duration // per-write deadline on streaming handles
	MaxUploadBytes int64
	DefaultSince   time.Time // /emails without ?since
	InboxSince     time.Time // /get-inbox lower bound
	PhoneNumber    string
	AgentIdentity  string
	Webhooks       WebhookValidation
	MetricsPath    string // empty disables /metrics
	Version        string

	Registry      *relay.Registry
	Trigger       *relay.Trigger
	Conversations ConversationService
	Emails        EmailFetcher
	Tokens        TokenIssuer
	SMS           domain.SMSProvider
	Mailer        MailSender
	Catalog       AttachmentCatalog
	Storage       *mailbox.Storage
	Logger        *slog.Logger
}

// Server serves the relay's HTTP API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	handler  http.Handler
	server   *http.Server
	now      func() time.Time
}

// NewServer builds the route table.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.AgentIdentity == "" {
		cfg.AgentIdentity = "User-1"
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	s.handler = s.cors(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.MetricsPath != "" {
		mux.HandleFunc("GET "+s.cfg.MetricsPath, metrics.Collector.Handler())
	}

	if s.cfg.Tokens != nil {
		mux.HandleFunc("POST /token", s.handleToken)
	}
	if s.cfg.Conversations != nil {
		mux.HandleFunc("POST /create-conversation", s.handleCreateConversation)
		mux.HandleFunc("GET /list-conversations", s.handleListConversations)
		mux.HandleFunc("POST /join-and-get-conversation", s.handleJoinConversation)
		mux.HandleFunc("POST /get-messages", s.handleGetMessages)
	}
	if s.cfg.SMS != nil {
		mux.HandleFunc("POST /send-sms", s.handleSendSMS)
		mux.HandleFunc("GET /get-inbox", s.handleInbox)
	}
	if s.cfg.Mailer != nil {
		mux.HandleFunc("POST /send-email", s.handleSendEmail)
	}
	if s.cfg.Emails != nil {
		mux.HandleFunc("GET /emails", s.handleEmails)
	}
	if s.cfg.Catalog != nil {
		mux.HandleFunc("GET /attachments", s.handleAttachments)
	}
	if s.cfg.Storage != nil {
		mux.HandleFunc("POST /upload-media", s.handleUpload)
		mux.HandleFunc("GET /uploads/{filename}", s.handleServeUpload)
	}

	if s.cfg.Trigger != nil {
		mux.HandleFunc("POST /webhook", s.verifyTwilio(s.handleWebhook))
	}
	mux.HandleFunc("POST /incoming-call", s.verifyTwilio(s.handleIncomingCall))
	mux.HandleFunc("POST /twiml", s.verifyTwilio(s.handleTwiML))

	if s.cfg.Registry != nil {
		mux.HandleFunc("GET /message-received-event", s.streamSSE(domain.ChannelMessages))
		mux.HandleFunc("GET /email-events", s.streamSSE(domain.ChannelEmails))
		mux.HandleFunc("GET /incoming-call-event", s.streamSSE(domain.ChannelCalls))
		mux.HandleFunc("GET /events/{channel}", s.handleEvents)
		mux.HandleFunc("GET /ws/{channel}", s.handleWebSocket)
	}
	return mux
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("relay server started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		if s.cfg.Registry != nil {
			s.cfg.Registry.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// cors answers preflights and stamps permissive headers on every response.
func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		h := rw.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			h.Set("Access-Control-Allow-Headers", reqHeaders)
			h.Add("Vary", "Access-Control-Request-Headers")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Content-Length", "0")
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"time":    s.now().Format(time.RFC3339),
	}
	if s.cfg.Registry != nil {
		status["subscribers"] = s.cfg.Registry.Stats()
	}
	writeJSON(rw, http.StatusOK, status)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

// writeError maps err onto the status taxonomy and writes {"error": ...}.
func (s *Server) writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		s.logger.Warn("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(rw, status, map[string]string{"error": err.Error()})
}

// decode reads a JSON or form-encoded body into dst and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	if err := decodeBody(r, dst); err != nil {
		return domain.InvalidArgument("malformed request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return domain.InvalidArgument("%s is %s", verrs[0].Field(), verrs[0].Tag())
		}
		return domain.InvalidArgument("%v", err)
	}
	return nil
}
