// Package protocol is the wire codec between the pipeline and its transport:
// length-prefixed JSON frames carrying delivered envelopes and their acks,
// plus the JSON encoding of decrypted content.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"msgpipe/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxEnvelopeSize is the largest encoded envelope the pipeline processes (1 MiB).
	MaxEnvelopeSize = 1024 * 1024
	// MaxBodySize is the largest data message body the pipeline stores (8 KiB).
	MaxBodySize = 8 * 1024
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeDeliver = "deliver"
	TypeAck     = "ack"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// Ack statuses.
const (
	AckOK       = "ok"
	AckRejected = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	// ErrEmptyContent indicates decrypted content with no payload set.
	ErrEmptyContent = errors.New("protocol: content has no payload")
)

type typed struct {
	Type string `json:"type"`
}

// Deliver carries one envelope from the server together with the request id
// it must be acknowledged with.
type Deliver struct {
	Type      string          `json:"type"`
	RequestID uint64          `json:"request_id"`
	Envelope  models.Envelope `json:"envelope"`
}

// Ack acknowledges a Deliver frame.
type Ack struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Ping is a keep-alive probe. The pipeline answers with Pong.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewDeliver builds a deliver frame.
func NewDeliver(requestID uint64, env models.Envelope) Deliver {
	return Deliver{Type: TypeDeliver, RequestID: requestID, Envelope: env}
}

// NewAck builds an ack frame for requestID.
func NewAck(requestID uint64, status string) Ack {
	return Ack{Type: TypeAck, RequestID: requestID, Status: status, Timestamp: time.Now().UnixMilli()}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var t typed
	if err := json.Unmarshal(payload, &t); err != nil {
		return "", fmt.Errorf("decode frame type: %w", err)
	}
	if t.Type == "" {
		return "", ErrInvalidMessageType
	}
	return t.Type, nil
}

// DecodeDeliver parses a deliver frame.
func DecodeDeliver(payload []byte) (Deliver, error) {
	var d Deliver
	if err := json.Unmarshal(payload, &d); err != nil {
		return Deliver{}, fmt.Errorf("decode deliver frame: %w", err)
	}
	if d.Type != TypeDeliver {
		return Deliver{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, d.Type)
	}
	return d, nil
}

// DecodeAck parses an ack frame.
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(payload, &a); err != nil {
		return Ack{}, fmt.Errorf("decode ack frame: %w", err)
	}
	if a.Type != TypeAck {
		return Ack{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, a.Type)
	}
	return a, nil
}

// EncodeEnvelope serializes an envelope. It is also the format raw envelopes
// are kept in by the pending and failed stores.
func EncodeEnvelope(env models.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses bytes written by EncodeEnvelope.
func DecodeEnvelope(raw []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// EncodeContent serializes decrypted content before padding and sealing.
func EncodeContent(content models.Content) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return raw, nil
}

// DecodeContent parses decrypted content. Content with no payload is rejected.
func DecodeContent(raw []byte) (models.Content, error) {
	var content models.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return models.Content{}, fmt.Errorf("decode content: %w", err)
	}
	if content.DataMessage == nil && content.ReceiptMessage == nil &&
		content.CallMessage == nil && content.SyncMessage == nil {
		return models.Content{}, ErrEmptyContent
	}
	return content, nil
}

// DecodeNotify parses the body of a notify envelope.
func DecodeNotify(raw []byte) (models.NotifyMessage, error) {
	var notify models.NotifyMessage
	if err := json.Unmarshal(raw, &notify); err != nil {
		return models.NotifyMessage{}, fmt.Errorf("decode notify: %w", err)
	}
	return notify, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
