package domain

import "time"

// Conversation is a provider-managed multi-participant thread.
type Conversation struct {
	Sid          string        `json:"sid"`
	ServiceSid   string        `json:"chatServiceSid,omitempty"`
	FriendlyName string        `json:"friendlyName"`
	UniqueName   string        `json:"uniqueName,omitempty"`
	State        string        `json:"state,omitempty"`
	DateCreated  *time.Time    `json:"dateCreated,omitempty"`
	DateUpdated  *time.Time    `json:"dateUpdated,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Participant is a conversation member identified by identity.
type Participant struct {
	Sid      string `json:"sid"`
	Identity string `json:"identity"`
}

// ConversationMessage is one message posted in a conversation.
type ConversationMessage struct {
	Sid         string     `json:"sid"`
	Index       int        `json:"index"`
	Author      string     `json:"author"`
	Body        string     `json:"body"`
	DateCreated *time.Time `json:"dateCreated,omitempty"`
}

// SMS is one message sent through the messaging API.
type SMS struct {
	Sid      string     `json:"sid"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Body     string     `json:"body"`
	Status   string     `json:"status"`
	DateSent *time.Time `json:"dateSent,omitempty"`
}
