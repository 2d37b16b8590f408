package domain

import (
	"context"
	"time"
)

//go:generate mockgen -destination=../mocks/mock_conversation.go -package=mocks commsrelay/internal/domain ConversationProvider

// ConversationProvider is the conversation API of the messaging provider.
type ConversationProvider interface {
	FetchConversation(ctx context.Context, sid string) (*Conversation, error)
	ListParticipants(ctx context.Context, conversationSid string) ([]Participant, error)
	AddParticipant(ctx context.Context, conversationSid, identity string) (*Participant, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, friendlyName string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationSid string) ([]ConversationMessage, error)
}

// SMSProvider sends and lists text messages. Calls are one-shot.
type SMSProvider interface {
	SendSMS(ctx context.Context, to, body string) (*SMS, error)
	ListInbound(ctx context.Context, to string, sentAfter time.Time) ([]SMS, error)
}

// MailProvider is the mail API consumed by the ingestion pipeline.
type MailProvider interface {
	// SearchSince returns message ids received after since, in provider listing order.
	SearchSince(ctx context.Context, since time.Time, limit int) ([]string, error)
	GetMessage(ctx context.Context, id string) (*MailMessage, error)
	// AttachmentData returns the base64 payload of one attachment.
	AttachmentData(ctx context.Context, messageID, attachmentID, accessToken string) (string, error)
}

// TokenProvider yields a currently valid access token or fails with *AuthError.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}
