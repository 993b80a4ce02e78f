package models

import (
	"fmt"
	"strings"
)

// EnvelopeType identifies how an envelope's content is encoded.
type EnvelopeType string

const (
	EnvelopePlaintext  EnvelopeType = "plaintext"
	EnvelopeCiphertext EnvelopeType = "ciphertext"
	EnvelopeNotify     EnvelopeType = "notify"
)

// AckToken correlates an envelope with the transport request that delivered it.
type AckToken uint64

// Envelope is the wire-level unit delivered by the transport. It is never
// mutated after it is received.
type Envelope struct {
	Type                EnvelopeType `json:"type"`
	Source              string       `json:"source"`
	SourceDevice        int          `json:"source_device"`
	Timestamp           int64        `json:"timestamp"`
	SystemShowTimestamp int64        `json:"system_show_timestamp,omitempty"`
	SequenceID          int64        `json:"sequence_id,omitempty"`
	NotifySequenceID    int64        `json:"notify_sequence_id,omitempty"`
	IdentityKey         []byte       `json:"identity_key,omitempty"`
	GroupID             string       `json:"group_id,omitempty"`
	Content             []byte       `json:"content"`
}

// MessageID derives the stable message identifier of the envelope.
func (e Envelope) MessageID() string {
	return MessageID(e.Timestamp, e.Source, e.SourceDevice)
}

// Conversation is the conversation the envelope belongs to from the
// receiver's point of view.
func (e Envelope) Conversation() For {
	if e.GroupID != "" {
		return Group(e.GroupID)
	}
	return Account(e.Source)
}

// Incoming pairs an envelope with the token used to acknowledge it.
type Incoming struct {
	Envelope Envelope
	Ack      AckToken
}

// MessageID builds a message identifier from the sender clock, sender and device.
func MessageID(timestamp int64, source string, device int) string {
	return fmt.Sprintf("%d%s%d", timestamp, strings.TrimPrefix(source, "+"), device)
}

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind int

const (
	KindAccount ConversationKind = iota
	KindGroup
)

// For identifies a conversation.
type For struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

// Account returns the one-to-one conversation with id.
func Account(id string) For {
	return For{Kind: KindAccount, ID: id}
}

// Group returns the group conversation with id.
func Group(id string) For {
	return For{Kind: KindGroup, ID: id}
}

// IsGroup reports whether f is a group conversation.
func (f For) IsGroup() bool {
	return f.Kind == KindGroup
}

func (f For) String() string {
	if f.IsGroup() {
		return "group:" + f.ID
	}
	return "account:" + f.ID
}
