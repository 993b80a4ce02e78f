package models

// Mode is the visibility mode of a message.
type Mode int

const (
	ModeNormal Mode = iota
	ModeConfidential
)

// Content is the decrypted payload of a non-notify envelope. Exactly one
// field is expected to be set.
type Content struct {
	DataMessage    *DataMessage    `json:"data_message,omitempty"`
	ReceiptMessage *ReceiptMessage `json:"receipt_message,omitempty"`
	CallMessage    *CallMessage    `json:"call_message,omitempty"`
	SyncMessage    *SyncMessage    `json:"sync_message,omitempty"`
}

// DataMessage carries user content, or a reaction/recall that targets one.
type DataMessage struct {
	Body        string       `json:"body,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Mode        Mode         `json:"mode,omitempty"`
	ExpireTimer int          `json:"expire_timer,omitempty"`
	Reaction    *Reaction    `json:"reaction,omitempty"`
	Recall      *Recall      `json:"recall,omitempty"`
	ReceiverIDs []string     `json:"receiver_ids,omitempty"`
}

// Attachment describes a file referenced by a message.
type Attachment struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Digest      []byte `json:"digest,omitempty"`
}

// RealSource points at the original message a reaction or recall refers to.
type RealSource struct {
	Source          string `json:"source"`
	SourceDevice    int    `json:"source_device"`
	Timestamp       int64  `json:"timestamp"`
	ServerTimestamp int64  `json:"server_timestamp,omitempty"`
}

// MessageID is the id of the referenced message.
func (r RealSource) MessageID() string {
	return MessageID(r.Timestamp, r.Source, r.SourceDevice)
}

// Reaction adds or removes an emoji on a message.
type Reaction struct {
	Emoji  string     `json:"emoji"`
	Remove bool       `json:"remove,omitempty"`
	Source RealSource `json:"source"`
}

// Recall withdraws a previously sent message.
type Recall struct {
	Source RealSource `json:"source"`
}

// ReceiptType distinguishes delivery receipts from read receipts.
type ReceiptType string

const (
	ReceiptDelivery ReceiptType = "delivery"
	ReceiptRead     ReceiptType = "read"
)

// ReadPositionInfo is the read position reported by a receipt.
type ReadPositionInfo struct {
	GroupID             string `json:"group_id,omitempty"`
	ReadAt              int64  `json:"read_at"`
	MaxServerTime       int64  `json:"max_server_time"`
	MaxSequenceID       int64  `json:"max_sequence_id,omitempty"`
	MaxNotifySequenceID int64  `json:"max_notify_sequence_id,omitempty"`
}

// ReceiptMessage acknowledges delivery or reading of messages.
type ReceiptMessage struct {
	Type         ReceiptType       `json:"type"`
	Timestamps   []int64           `json:"timestamps,omitempty"`
	ReadPosition *ReadPositionInfo `json:"read_position,omitempty"`
	Mode         Mode              `json:"mode,omitempty"`
}

// CallMessage carries call signalling. The pipeline only routes it.
type CallMessage struct {
	Kind   string `json:"kind"`
	RoomID string `json:"room_id,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

// SyncMessage is sent by our own other devices.
type SyncMessage struct {
	Sent *SyncSent `json:"sent,omitempty"`
	Read *SyncRead `json:"read,omitempty"`
}

// SyncSent mirrors a message our other device sent.
type SyncSent struct {
	Destination     string       `json:"destination,omitempty"`
	GroupID         string       `json:"group_id,omitempty"`
	ServerTimestamp int64        `json:"server_timestamp,omitempty"`
	Message         *DataMessage `json:"message"`
}

// SyncRead reports that our other device read a message.
type SyncRead struct {
	Sender       string           `json:"sender"`
	Timestamp    int64            `json:"timestamp"`
	Mode         Mode             `json:"mode,omitempty"`
	ReadPosition ReadPositionInfo `json:"read_position"`
}

// NotifyMessage is the JSON body of a notify envelope.
type NotifyMessage struct {
	NotifyType int    `json:"notify_type"`
	Data       []byte `json:"data,omitempty"`
}
