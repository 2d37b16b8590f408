package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"commsrelay/internal/domain"
	"commsrelay/internal/mailbox"
	"commsrelay/internal/mailer"
)

type tokenRequest struct {
	Identity string `json:"identity" validate:"required"`
}

type createConversationRequest struct {
	FriendlyName string `json:"friendlyName" validate:"required"`
}

type joinConversationRequest struct {
	ConversationSid     string `json:"conversationSid" validate:"required"`
	ParticipantIdentity string `json:"participantIdentity" validate:"required"`
}

type getMessagesRequest struct {
	ConversationSid string `json:"conversationSid" validate:"required"`
}

type sendSMSRequest struct {
	Message string `json:"message" validate:"required"`
	To      string `json:"to" validate:"required"`
}

type emailAttachment struct {
	Content  string `json:"content" validate:"required"`
	Filename string `json:"filename" validate:"required"`
	Type     string `json:"type"`
}

type sendEmailRequest struct {
	To         string           `json:"to" validate:"required"`
	Cc         string           `json:"cc"`
	Bcc        string           `json:"bcc"`
	Subject    string           `json:"subject"`
	Message    string           `json:"message"`
	Attachment *emailAttachment `json:"attachment"`
}

// decodeBody accepts JSON and url-encoded forms; form values map onto the
// same json field names.
func decodeBody(r *http.Request, dst any) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return err
		}
		flat := lo.MapValues(r.PostForm, func(v []string, _ string) string { return v[0] })
		raw, err := json.Marshal(flat)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleToken(rw http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(rw, r, err)
		return
	}
	token, err := s.cfg.Tokens.Issue(req.Identity)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	s.logger.Debug("access token issued", "identity", req.Identity)
	writeJSON(rw, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateConversation(rw http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(rw, r, err)
		return
	}
	conv, err := s.cfg.Conversations.Create(r.Context(), req.FriendlyName)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"conversationSid": conv.Sid})
}

func (s *Server) handleListConversations(rw http.ResponseWriter, r *http.Request) {
	convs, err := s.cfg.Conversations.List(r.Context())
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, convs)
}

func (s *Server) handleJoinConversation(rw http.ResponseWriter, r *http.Request) {
	var req joinConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(rw, r, domain.InvalidArgument("malformed request body: %v", err))
		return
	}
	// EnsureParticipant rejects empty fields itself.
	conv, err := s.cfg.Conversations.EnsureParticipant(r.Context(), req.ConversationSid, req.ParticipantIdentity)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"message":      fmt.Sprintf("Participant %s processed in conversation", req.ParticipantIdentity),
		"conversation": conv,
	})
}

func (s *Server) handleGetMessages(rw http.ResponseWriter, r *http.Request) {
	var req getMessagesRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(rw, r, err)
		return
	}
	msgs, err := s.cfg.Conversations.Messages(r.Context(), req.ConversationSid)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendSMS(rw http.ResponseWriter, r *http.Request) {
	var req sendSMSRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(rw, r, err)
		return
	}
	sms, err := s.cfg.SMS.SendSMS(r.Context(), req.To, req.Message)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	s.logger.Info("sms sent", "sid", sms.Sid, "status", sms.Status)
	writeJSON(rw, http.StatusOK, sms)
}

func (s *Server) handleInbox(rw http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.SMS.ListInbound(r.Context(), s.cfg.PhoneNumber, s.cfg.InboxSince)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"info":     "Inbox of number " + s.cfg.PhoneNumber,
		"messages": msgs,
	})
}

func (s *Server) handleSendEmail(rw http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(rw, r, err)
		return
	}
	msg := mailer.Message{
		To:      mailer.SplitAddresses(req.To),
		Cc:      mailer.SplitAddresses(req.Cc),
		Bcc:     mailer.SplitAddresses(req.Bcc),
		Subject: req.Subject,
		Text:    req.Message,
	}
	if a := req.Attachment; a != nil {
		data, err := mailbox.DecodeBase64(a.Content)
		if err != nil {
			s.writeError(rw, r, domain.InvalidArgument("attachment content: %v", err))
			return
		}
		msg.Attachments = []mailer.Attachment{{Filename: a.Filename, ContentType: a.Type, Content: data}}
	}
	if err := s.cfg.Mailer.Send(r.Context(), msg); err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			s.writeError(rw, r, err)
			return
		}
		s.logger.Error("email send failed", "err", err)
		writeJSON(rw, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (s *Server) handleEmails(rw http.ResponseWriter, r *http.Request) {
	since := s.cfg.DefaultSince
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(rw, r, domain.InvalidArgument("since must be RFC3339: %q", raw))
			return
		}
		since = t
	}
	records, err := s.cfg.Emails.FetchSince(r.Context(), since)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, records)
}

func (s *Server) handleAttachments(rw http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(rw, r, domain.InvalidArgument("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.cfg.Catalog.ListAttachments(r.Context(), limit)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, entries)
}

func (s *Server) handleUpload(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, s.cfg.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(rw, r, domain.InvalidArgument("multipart field \"file\" is required: %v", err))
		return
	}
	defer file.Close()

	base, err := mailbox.CleanName(header.Filename)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	name := fmt.Sprintf("%d-%s", s.now().UnixMilli(), base)
	att, err := s.cfg.Storage.SaveStream(name, file, s.cfg.MaxUploadBytes)
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	s.logger.Info("media uploaded", "file", att.Filename, "size", att.Size, "mime", att.MimeType)
	writeJSON(rw, http.StatusOK, map[string]string{"mediaUrl": att.URL})
}

func (s *Server) handleServeUpload(rw http.ResponseWriter, r *http.Request) {
	f, err := s.cfg.Storage.Open(r.PathValue("filename"))
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(rw, r, err)
		return
	}
	http.ServeContent(rw, r, info.Name(), info.ModTime(), f)
}
