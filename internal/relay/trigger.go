package relay

import (
	"context"
	"log/slog"

	"commsrelay/internal/domain"
	"commsrelay/internal/metrics"
)

// Fixed notification texts. Subscribers re-fetch; no content is relayed.
const (
	MessageNotice = "Hey! Update your inbox!"
	EmailNotice   = "You have new email!"
	CallNotice    = "Incoming call"
)

// Broadcaster is the part of Registry the trigger needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, ch domain.Channel, evt domain.Event) int
}

// MessageNotification is an inbound-message webhook from the messaging provider.
type MessageNotification struct {
	MessageSid      string
	ConversationSid string
	EventType       string
}

// CallNotification is an incoming-call webhook from the telephony provider.
type CallNotification struct {
	CallSid string
	From    string
	To      string
}

// Trigger converts provider notifications into broadcasts.
type Trigger struct {
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewTrigger creates a trigger publishing through b.
func NewTrigger(b Broadcaster, logger *slog.Logger) *Trigger {
	return &Trigger{broadcaster: b, logger: logger}
}

// OnMessageReceived prompts every message subscriber to refresh its inbox.
// It never fails; the return value is the number of recipients attempted.
func (t *Trigger) OnMessageReceived(ctx context.Context, n MessageNotification) int {
	metrics.WebhooksTotal.With("message").Inc()
	t.logger.Info("received a message, prompting listening clients to refresh inbox",
		"message_sid", n.MessageSid, "event", n.EventType)

	count := t.broadcaster.Broadcast(ctx, domain.ChannelMessages, domain.Event{
		Data: map[string]any{"message": MessageNotice},
	})

	t.logger.Info("updated clients", "channel", domain.ChannelMessages, "recipients", count)
	return count
}

// OnIncomingCall notifies call subscribers of a ringing call.
func (t *Trigger) OnIncomingCall(ctx context.Context, c CallNotification) int {
	metrics.WebhooksTotal.With("call").Inc()
	count := t.broadcaster.Broadcast(ctx, domain.ChannelCalls, domain.Event{
		Data: map[string]any{"message": CallNotice, "from": c.From, "callSid": c.CallSid},
	})
	t.logger.Info("incoming call relayed", "from", c.From, "recipients", count)
	return count
}

// OnNewEmail notifies email subscribers that count new messages arrived.
func (t *Trigger) OnNewEmail(ctx context.Context, count int) int {
	recipients := t.broadcaster.Broadcast(ctx, domain.ChannelEmails, domain.Event{
		Data: map[string]any{"message": EmailNotice, "count": count},
	})
	t.logger.Info("new email relayed", "count", count, "recipients", recipients)
	return recipients
}
