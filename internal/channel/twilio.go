package channel

import (
	"net/http"
	"strings"

	"github.com/samber/lo"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"commsrelay/internal/relay"
)

func (s *Server) writeTwiML(rw http.ResponseWriter, verbs ...twiml.Element) {
	out, err := twiml.Voice(verbs)
	if err != nil {
		s.logger.Error("twiml encode failed", "err", err)
		http.Error(rw, "twiml encode failed", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "text/xml")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(out))
}

// handleWebhook relays an inbound message notification. The provider always
// gets a 200 with empty TwiML, however many subscribers were reached.
func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	s.cfg.Trigger.OnMessageReceived(r.Context(), relay.MessageNotification{
		MessageSid:      lo.CoalesceOrEmpty(r.PostForm.Get("MessageSid"), r.PostForm.Get("SmsSid")),
		ConversationSid: r.PostForm.Get("ConversationSid"),
		EventType:       r.PostForm.Get("EventType"),
	})
	s.writeTwiML(rw)
}

// handleIncomingCall routes PSTN callers to the agent's client and lets the
// agent's client dial out to the requested number.
func (s *Server) handleIncomingCall(rw http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	caller := r.PostForm.Get("Caller")
	to := r.PostForm.Get("To")
	s.logger.Info("incoming call", "caller", caller, "to", to, "call_sid", r.PostForm.Get("CallSid"))

	if caller != "client:"+s.cfg.AgentIdentity {
		if s.cfg.Trigger != nil {
			s.cfg.Trigger.OnIncomingCall(r.Context(), relay.CallNotification{
				CallSid: r.PostForm.Get("CallSid"),
				From:    lo.CoalesceOrEmpty(r.PostForm.Get("From"), caller),
				To:      to,
			})
		}
		s.writeTwiML(rw, &twiml.VoiceDial{
			InnerElements: []twiml.Element{&twiml.VoiceClient{Identity: s.cfg.AgentIdentity}},
		})
		return
	}

	if to == "" {
		s.logger.Warn("outbound call without a To number")
		s.writeTwiML(rw, &twiml.VoiceSay{Message: "No 'To' number provided."})
		return
	}
	s.writeTwiML(rw, &twiml.VoiceDial{
		CallerId:      s.cfg.PhoneNumber,
		InnerElements: []twiml.Element{&twiml.VoiceNumber{PhoneNumber: to}},
	})
}

// handleTwiML bridges a call back to its caller.
func (s *Server) handleTwiML(rw http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	from := r.PostForm.Get("From")
	if from == "" {
		s.logger.Warn("twiml request without a From number")
		s.writeTwiML(rw, &twiml.VoiceSay{Message: "No 'From' number provided."})
		return
	}
	s.logger.Info("bridging call back to caller")
	s.writeTwiML(rw, &twiml.VoiceDial{
		InnerElements: []twiml.Element{&twiml.VoiceNumber{PhoneNumber: from}},
	})
}

// verifyTwilio rejects requests whose X-Twilio-Signature does not match
// when webhook validation is enabled.
func (s *Server) verifyTwilio(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.Webhooks.Enabled {
		return next
	}
	validator := client.NewRequestValidator(s.cfg.Webhooks.AuthToken)
	return func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(rw, "malformed form body", http.StatusBadRequest)
			return
		}
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" || !validator.Validate(s.requestURL(r), signedParams(r.PostForm), sig) {
			s.logger.Warn("webhook signature verification failed", "path", r.URL.Path)
			writeJSON(rw, http.StatusForbidden, map[string]string{"error": "invalid signature"})
			return
		}
		next(rw, r)
	}
}

// requestURL rebuilds the URL the provider signed.
func (s *Server) requestURL(r *http.Request) string {
	if base := strings.TrimRight(s.cfg.Webhooks.BaseURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// signedParams keeps the first value of each field, the shape the
// provider signs for form webhooks.
func signedParams(form map[string][]string) map[string]string {
	return lo.MapValues(form, func(v []string, _ string) string { return v[0] })
}
