package models

// Decrypted is the result of decrypting one envelope. The concrete type is
// one of *DecryptedData, *DecryptedNotify, *DecryptedReceipt or *DecryptedCall.
type Decrypted interface {
	Meta() *Metadata
	decrypted()
}

// Metadata is shared by every decrypted variant.
type Metadata struct {
	Envelope     Envelope
	Conversation For
	SenderID     string
	MessageID    string
}

// Meta returns the shared metadata.
func (m *Metadata) Meta() *Metadata { return m }

// DecryptedData is a data message, either received or synced from our own device.
type DecryptedData struct {
	Metadata
	Data            *DataMessage
	Sync            bool
	ServerTimestamp int64
}

// DecryptedNotify is a server notify message.
type DecryptedNotify struct {
	Metadata
	Notify NotifyMessage
}

// DecryptedReceipt is a delivery/read receipt. Sync-read messages from our
// own devices are also represented as receipts sent by ourselves.
type DecryptedReceipt struct {
	Metadata
	Receipt  ReceiptMessage
	FromSync bool
}

// DecryptedCall is call signalling.
type DecryptedCall struct {
	Metadata
	Call CallMessage
}

func (*DecryptedData) decrypted()    {}
func (*DecryptedNotify) decrypted()  {}
func (*DecryptedReceipt) decrypted() {}
func (*DecryptedCall) decrypted()    {}
