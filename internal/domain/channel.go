package domain

import (
	"context"
	"encoding/json"
)

// Channel names a logical event stream that independent subscriber sets join.
type Channel string

const (
	ChannelMessages Channel = "messages"
	ChannelEmails   Channel = "emails"
	ChannelCalls    Channel = "calls"
)

// KnownChannels lists the channels exposed over the streaming endpoints.
var KnownChannels = []Channel{ChannelMessages, ChannelEmails, ChannelCalls}

// ParseChannel resolves a channel name, reporting false for unknown names.
func ParseChannel(name string) (Channel, bool) {
	for _, c := range KnownChannels {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// Event is one payload written to every subscriber of a channel.
type Event struct {
	Name string // optional SSE event name
	Data map[string]any
}

// Encode serializes the event data as written to subscribers.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e.Data)
}

// Handle is a write-capable reference to one open streaming client.
// Implementations serialize their own writes; Send after Close returns an error.
type Handle interface {
	ID() string
	Send(ctx context.Context, evt Event) error
	Close() error
}
