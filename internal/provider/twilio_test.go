package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commsrelay/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTwilio(t *testing.T, h http.Handler) *Twilio {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewTwilio(TwilioConfig{
		AccountSid:        "AC123",
		AuthToken:         "token",
		PhoneNumber:       "+15550001111",
		ConversationsBase: srv.URL,
		MessagingBase:     srv.URL,
		HTTPClient:        srv.Client(),
		RetryBackoff:      time.Millisecond,
		Logger:            testLogger(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestTwilio_FetchConversation(t *testing.T) {
	r := require.New(t)
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		r.True(ok)
		r.Equal("AC123", user)
		r.Equal("token", pass)
		r.Equal("/v1/Conversations/CH1", req.URL.Path)
		writeJSON(w, 200, `{"sid":"CH1","chat_service_sid":"IS1","friendly_name":"Support","state":"active","date_created":"2025-01-16T19:10:49Z"}`)
	}))

	conv, err := tw.FetchConversation(context.Background(), "CH1")
	r.NoError(err)
	r.Equal("CH1", conv.Sid)
	r.Equal("IS1", conv.ServiceSid)
	r.Equal("Support", conv.FriendlyName)
	r.NotNil(conv.DateCreated)
	r.Equal(2025, conv.DateCreated.Year())
}

func TestTwilio_NotFoundMapsToSentinel(t *testing.T) {
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 404, `{"code":20404,"message":"The requested resource was not found","status":404}`)
	}))

	_, err := tw.FetchConversation(context.Background(), "CHmissing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 20404, pe.Code)
}

func TestTwilio_UnauthorizedIsAuthError(t *testing.T) {
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 401, `{"code":20003,"message":"Authenticate","status":401}`)
	}))

	_, err := tw.ListConversations(context.Background())
	require.True(t, domain.IsAuthError(err))
}

func TestTwilio_AddParticipantConflict(t *testing.T) {
	r := require.New(t)
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Equal(http.MethodPost, req.Method)
		r.NoError(req.ParseForm())
		r.Equal("User-1", req.PostForm.Get("Identity"))
		writeJSON(w, 409, `{"code":50433,"message":"Participant already exists","status":409}`)
	}))

	_, err := tw.AddParticipant(context.Background(), "CH1", "User-1")
	r.ErrorIs(err, domain.ErrAlreadyExists)
}

func TestTwilio_ListParticipantsFollowsPages(t *testing.T) {
	r := require.New(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/Conversations/CH1/Participants", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("Page") == "1" {
			writeJSON(w, 200, `{"participants":[{"sid":"MB2","identity":"bob"}],"meta":{"next_page_url":null}}`)
			return
		}
		writeJSON(w, 200, `{"participants":[{"sid":"MB1","identity":"alice"}],"meta":{"next_page_url":"https://conversations.twilio.com/v1/Conversations/CH1/Participants?PageSize=100&Page=1"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	tw := NewTwilio(TwilioConfig{AccountSid: "AC123", AuthToken: "t", ConversationsBase: srv.URL, HTTPClient: srv.Client(), Logger: testLogger()})

	ps, err := tw.ListParticipants(context.Background(), "CH1")
	r.NoError(err)
	r.Equal([]domain.Participant{{Sid: "MB1", Identity: "alice"}, {Sid: "MB2", Identity: "bob"}}, ps)
}

func TestTwilio_GetRetriedOnServerError(t *testing.T) {
	var hits int32
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			writeJSON(w, 503, `{"message":"unavailable"}`)
			return
		}
		writeJSON(w, 200, `{"conversations":[{"sid":"CH1","friendly_name":"a"}],"meta":{}}`)
	}))

	convs, err := tw.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestTwilio_PostNotRetried(t *testing.T) {
	var hits int32
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, 500, `{"code":20500,"message":"internal","status":500}`)
	}))

	_, err := tw.CreateConversation(context.Background(), "Support")
	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 500, pe.Status)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestTwilio_SendSMS(t *testing.T) {
	r := require.New(t)
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Equal("/2010-04-01/Accounts/AC123/Messages.json", req.URL.Path)
		r.NoError(req.ParseForm())
		r.Equal("+15552223333", req.PostForm.Get("To"))
		r.Equal("+15550001111", req.PostForm.Get("From"))
		r.Equal("hello", req.PostForm.Get("Body"))
		writeJSON(w, 201, `{"sid":"SM1","from":"+15550001111","to":"+15552223333","body":"hello","status":"queued","date_created":"Thu, 16 Jan 2025 19:10:49 +0000"}`)
	}))

	sms, err := tw.SendSMS(context.Background(), "+15552223333", "hello")
	r.NoError(err)
	r.Equal("SM1", sms.Sid)
	r.Equal("queued", sms.Status)
	r.NotNil(sms.DateSent)
}

func TestTwilio_ListInboundFiltersAndOrders(t *testing.T) {
	r := require.New(t)
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.Equal("+15550001111", req.URL.Query().Get("To"))
		r.True(strings.HasPrefix(req.URL.Query().Get("DateSent>"), "2025-01-16"))
		writeJSON(w, 200, `{"messages":[
			{"sid":"SM0","body":"old","date_sent":"Thu, 16 Jan 2025 10:00:00 +0000"},
			{"sid":"SM1","body":"first","date_sent":"Thu, 16 Jan 2025 20:00:00 +0000"},
			{"sid":"SM2","body":"second","date_sent":"Fri, 17 Jan 2025 08:00:00 +0000"}
		],"next_page_uri":null}`)
	}))

	since := time.Date(2025, 1, 16, 19, 10, 49, 0, time.UTC)
	msgs, err := tw.ListInbound(context.Background(), "+15550001111", since)
	r.NoError(err)
	r.Len(msgs, 2)
	r.Equal("SM2", msgs[0].Sid)
	r.Equal("SM1", msgs[1].Sid)
}

func TestTwilio_ServiceScopedConversations(t *testing.T) {
	r := require.New(t)
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path = req.URL.Path
		writeJSON(w, 201, `{"sid":"CH7","friendly_name":"Sales"}`)
	}))
	defer srv.Close()
	tw := NewTwilio(TwilioConfig{
		AccountSid:        "AC123",
		AuthToken:         "token",
		ServiceSid:        "IS42",
		ConversationsBase: srv.URL,
		HTTPClient:        srv.Client(),
		Logger:            testLogger(),
	})

	conv, err := tw.CreateConversation(context.Background(), "Sales")
	r.NoError(err)
	r.Equal("CH7", conv.Sid)
	r.Equal("/v1/Services/IS42/Conversations", path)
}

func TestTwilio_APIKeyCredentials(t *testing.T) {
	r := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		r.True(ok)
		r.Equal("SK1", user)
		r.Equal("keysecret", pass)
		r.Equal("/2010-04-01/Accounts/AC123/Messages.json", req.URL.Path)
		writeJSON(w, 201, `{"sid":"SM9","to":"+15552223333","status":"queued"}`)
	}))
	defer srv.Close()
	tw := NewTwilio(TwilioConfig{
		AccountSid:    "AC123",
		AuthToken:     "token",
		APIKeySid:     "SK1",
		APIKeySecret:  "keysecret",
		PhoneNumber:   "+15550001111",
		MessagingBase: srv.URL,
		HTTPClient:    srv.Client(),
		Logger:        testLogger(),
	})

	sms, err := tw.SendSMS(context.Background(), "+15552223333", "hi")
	r.NoError(err)
	r.Equal("SM9", sms.Sid)
}

func TestTwilio_UndecodableErrorBody(t *testing.T) {
	tw := newTestTwilio(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))

	_, err := tw.CreateConversation(context.Background(), "x")
	require.Error(t, err)
	var pe *domain.ProviderError
	require.False(t, errors.As(err, &pe))
	require.Contains(t, err.Error(), "twilio create conversation")
}

func TestTwilio_SendSMSWithoutNumber(t *testing.T) {
	tw := NewTwilio(TwilioConfig{AccountSid: "AC123", AuthToken: "t", Logger: testLogger()})
	_, err := tw.SendSMS(context.Background(), "+15552223333", "hi")
	require.ErrorContains(t, err, "no sender phone number")
}
