// Package conversation manages provider conversations on behalf of clients.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
)

// Service wraps the provider's conversation API.
type Service struct {
	provider domain.ConversationProvider
	logger   *slog.Logger
}

func NewService(provider domain.ConversationProvider, logger *slog.Logger) *Service {
	return &Service{provider: provider, logger: logger}
}

// EnsureParticipant makes identity a member of the conversation exactly once
// and returns the conversation as the provider now reports it. An add that
// loses a race with a concurrent enrollment counts as success.
func (s *Service) EnsureParticipant(ctx context.Context, conversationSid, identity string) (*domain.Conversation, error) {
	if conversationSid == "" {
		return nil, domain.InvalidArgument("conversationSid is required")
	}
	if identity == "" {
		return nil, domain.InvalidArgument("identity is required")
	}

	if _, err := s.provider.FetchConversation(ctx, conversationSid); err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", conversationSid, err)
	}

	participants, err := s.provider.ListParticipants(ctx, conversationSid)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	if !isMember(participants, identity) {
		_, err := s.provider.AddParticipant(ctx, conversationSid, identity)
		switch {
		case err == nil:
			metrics.ParticipantsAdded.Inc()
			s.logger.Info("participant added", "conversation", conversationSid, "identity", identity)
		case errors.Is(err, domain.ErrAlreadyExists):
			s.logger.Debug("participant added concurrently", "conversation", conversationSid, "identity", identity)
		default:
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}

	return s.snapshot(ctx, conversationSid)
}

func isMember(participants []domain.Participant, identity string) bool {
	for _, p := range participants {
		if p.Identity == identity {
			return true
		}
	}
	return false
}

// snapshot re-reads the conversation with its current participants.
func (s *Service) snapshot(ctx context.Context, sid string) (*domain.Conversation, error) {
	conv, err := s.provider.FetchConversation(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation %s: %w", sid, err)
	}
	participants, err := s.provider.ListParticipants(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	conv.Participants = participants
	return conv, nil
}

// Create starts a new conversation.
func (s *Service) Create(ctx context.Context, friendlyName string) (*domain.Conversation, error) {
	if friendlyName == "" {
		return nil, domain.InvalidArgument("friendlyName is required")
	}
	conv, err := s.provider.CreateConversation(ctx, friendlyName)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("conversation created", "sid", conv.Sid, "name", friendlyName)
	return conv, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := s.provider.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// Messages returns the conversation's messages in index order.
func (s *Service) Messages(ctx context.Context, conversationSid string) ([]domain.ConversationMessage, error) {
	if conversationSid == "" {
		return nil, domain.InvalidArgument("conversationSid is required")
	}
	msgs, err := s.provider.ListMessages(ctx, conversationSid)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
