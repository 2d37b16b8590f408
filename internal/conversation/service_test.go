package conversation

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"commsrelay/internal/domain"
	"commsrelay/internal/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func setup(t *testing.T) (*Service, *mocks.MockConversationProvider) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockConversationProvider(ctrl)
	return NewService(provider, testLogger()), provider
}

func TestEnsureParticipant_AddsMissingIdentity(t *testing.T) {
	r := require.New(t)
	svc, provider := setup(t)
	ctx := context.Background()
	conv := &domain.Conversation{Sid: "CH1", FriendlyName: "Support"}

	gomock.InOrder(
		provider.EXPECT().FetchConversation(ctx, "CH1").Return(conv, nil),
		provider.EXPECT().ListParticipants(ctx, "CH1").Return([]domain.Participant{{Sid: "MB1", Identity: "alice"}}, nil),
		provider.EXPECT().AddParticipant(ctx, "CH1", "bob").Return(&domain.Participant{Sid: "MB2", Identity: "bob"}, nil),
		provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1", FriendlyName: "Support"}, nil),
		provider.EXPECT().ListParticipants(ctx, "CH1").Return([]domain.Participant{
			{Sid: "MB1", Identity: "alice"}, {Sid: "MB2", Identity: "bob"},
		}, nil),
	)

	got, err := svc.EnsureParticipant(ctx, "CH1", "bob")
	r.NoError(err)
	r.Equal("Support", got.FriendlyName)
	r.Len(got.Participants, 2)
}

func TestEnsureParticipant_ExistingMemberSkipsAdd(t *testing.T) {
	r := require.New(t)
	svc, provider := setup(t)
	ctx := context.Background()
	members := []domain.Participant{{Sid: "MB1", Identity: "alice"}}

	provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1"}, nil).Times(2)
	provider.EXPECT().ListParticipants(ctx, "CH1").Return(members, nil).Times(2)
	provider.EXPECT().AddParticipant(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	got, err := svc.EnsureParticipant(ctx, "CH1", "alice")
	r.NoError(err)
	r.Equal(members, got.Participants)
}

func TestEnsureParticipant_RepeatedCallAddsOnce(t *testing.T) {
	r := require.New(t)
	svc, provider := setup(t)
	ctx := context.Background()
	members := []domain.Participant{{Sid: "MB1", Identity: "alice"}}

	provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1"}, nil).AnyTimes()
	provider.EXPECT().ListParticipants(ctx, "CH1").DoAndReturn(
		func(context.Context, string) ([]domain.Participant, error) {
			return slices.Clone(members), nil
		}).AnyTimes()
	provider.EXPECT().AddParticipant(ctx, "CH1", "bob").DoAndReturn(
		func(_ context.Context, _, identity string) (*domain.Participant, error) {
			p := domain.Participant{Sid: "MB2", Identity: identity}
			members = append(members, p)
			return &p, nil
		}).Times(1)

	first, err := svc.EnsureParticipant(ctx, "CH1", "bob")
	r.NoError(err)
	second, err := svc.EnsureParticipant(ctx, "CH1", "bob")
	r.NoError(err)

	r.Len(first.Participants, 2)
	r.Equal(first.Participants, second.Participants)
}

func TestEnsureParticipant_IdentityMatchIsCaseSensitive(t *testing.T) {
	svc, provider := setup(t)
	ctx := context.Background()

	provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1"}, nil).Times(2)
	provider.EXPECT().ListParticipants(ctx, "CH1").Return([]domain.Participant{{Identity: "alice"}}, nil).Times(2)
	provider.EXPECT().AddParticipant(ctx, "CH1", "Alice").Return(&domain.Participant{Identity: "Alice"}, nil)

	_, err := svc.EnsureParticipant(ctx, "CH1", "Alice")
	require.NoError(t, err)
}

func TestEnsureParticipant_ConcurrentAddConflictIsSuccess(t *testing.T) {
	svc, provider := setup(t)
	ctx := context.Background()
	conflict := &domain.ProviderError{Provider: "twilio", Status: 409, Code: 50433, Message: "Participant already exists"}

	provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1"}, nil).Times(2)
	provider.EXPECT().ListParticipants(ctx, "CH1").Return([]domain.Participant{}, nil)
	provider.EXPECT().AddParticipant(ctx, "CH1", "bob").Return(nil, conflict)
	provider.EXPECT().ListParticipants(ctx, "CH1").Return([]domain.Participant{{Identity: "bob"}}, nil)

	got, err := svc.EnsureParticipant(ctx, "CH1", "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", got.Participants[0].Identity)
}

func TestEnsureParticipant_MissingArgumentsNoProviderCalls(t *testing.T) {
	svc, _ := setup(t)

	_, err := svc.EnsureParticipant(context.Background(), "", "bob")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.Equal(t, 400, domain.HTTPStatus(err))

	_, err = svc.EnsureParticipant(context.Background(), "CH1", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnsureParticipant_UnknownConversation(t *testing.T) {
	svc, provider := setup(t)
	ctx := context.Background()
	provider.EXPECT().FetchConversation(ctx, "CHx").
		Return(nil, &domain.ProviderError{Provider: "twilio", Status: 404, Code: 20404, Message: "not found"})

	_, err := svc.EnsureParticipant(ctx, "CHx", "bob")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Equal(t, 404, domain.HTTPStatus(err))
}

func TestEnsureParticipant_AddFailurePropagates(t *testing.T) {
	svc, provider := setup(t)
	ctx := context.Background()
	boom := &domain.ProviderError{Provider: "twilio", Status: 400, Code: 50200, Message: "invalid identity"}

	provider.EXPECT().FetchConversation(ctx, "CH1").Return(&domain.Conversation{Sid: "CH1"}, nil)
	provider.EXPECT().ListParticipants(ctx, "CH1").Return(nil, nil)
	provider.EXPECT().AddParticipant(ctx, "CH1", "bob").Return(nil, boom)

	_, err := svc.EnsureParticipant(ctx, "CH1", "bob")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 502, domain.HTTPStatus(err))
}

func TestCreate_RequiresFriendlyName(t *testing.T) {
	svc, provider := setup(t)
	_, err := svc.Create(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	provider.EXPECT().CreateConversation(gomock.Any(), "Support").Return(&domain.Conversation{Sid: "CH9"}, nil)
	conv, err := svc.Create(context.Background(), "Support")
	require.NoError(t, err)
	require.Equal(t, "CH9", conv.Sid)
}

func TestMessages_PassesThrough(t *testing.T) {
	svc, provider := setup(t)
	provider.EXPECT().ListMessages(gomock.Any(), "CH1").Return([]domain.ConversationMessage{{Sid: "IM1", Body: "hi"}}, nil)

	msgs, err := svc.Messages(context.Background(), "CH1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
