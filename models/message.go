package models

// Message is the normalized, persisted form of a decrypted data envelope.
type Message struct {
	ID                  string       `json:"id"`
	Conversation        For          `json:"conversation"`
	FromWho             string       `json:"from_who"`
	TimeStamp           int64        `json:"timestamp"`
	SystemShowTimestamp int64        `json:"system_show_timestamp"`
	ReceivedTimestamp   int64        `json:"received_timestamp"`
	SequenceID          int64        `json:"sequence_id"`
	NotifySequenceID    int64        `json:"notify_sequence_id"`
	Body                string       `json:"body"`
	Attachments         []Attachment `json:"attachments,omitempty"`
	Mode                Mode         `json:"mode"`
	ExpiresInSeconds    int          `json:"expires_in_seconds,omitempty"`
	ReceiverIDs         []string     `json:"receiver_ids,omitempty"`
	Placeholder         bool         `json:"placeholder"`
}

// ReadPosition is the highest server time a sender has read up to in a conversation.
type ReadPosition struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Position       int64  `json:"position"`
}

// ReactionRecord is a stored reaction on a message.
type ReactionRecord struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UID       string `json:"uid"`
	Timestamp int64  `json:"timestamp"`
}

// PendingEvent is an event waiting for the message it references to arrive.
type PendingEvent struct {
	ID                       int64  `json:"id"`
	OwnerMessageID           string `json:"owner_message_id"`
	OriginalMessageTimestamp int64  `json:"original_message_timestamp"`
	RawEnvelope              []byte `json:"raw_envelope"`
	CreatedAt                int64  `json:"created_at"`
}

// FailedEnvelope is one envelope of a batch that failed to process.
type FailedEnvelope struct {
	MessageID   string `json:"message_id"`
	Timestamp   int64  `json:"timestamp"`
	RawEnvelope []byte `json:"raw_envelope"`
	CreatedAt   int64  `json:"created_at"`
}
