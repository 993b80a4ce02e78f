package crypto

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"msgpipe/models"
	"msgpipe/protocol"
)

var (
	// ErrDecryptionFailed is returned when no available key opens the envelope.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrUnknownEnvelopeType is returned for envelope types the pipeline does not handle.
	ErrUnknownEnvelopeType = errors.New("crypto: unknown envelope type")
)

// KeySource provides the identity keys used to open envelopes.
type KeySource interface {
	CurrentKey() *ecdh.PrivateKey
	OldKey(now time.Time) (*ecdh.PrivateKey, bool)
}

// DecryptorOptions configures a Decryptor.
type DecryptorOptions struct {
	// SelfID is our own account id. Sync messages are attributed to it.
	SelfID string
	Logger zerolog.Logger
	Now    func() time.Time
}

// Decryptor turns envelopes into decrypted content. It is safe for
// concurrent use.
type Decryptor struct {
	keys   KeySource
	selfID string
	log    zerolog.Logger
	now    func() time.Time
}

// NewDecryptor creates a Decryptor over keys.
func NewDecryptor(keys KeySource, opts DecryptorOptions) *Decryptor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Decryptor{
		keys:   keys,
		selfID: opts.SelfID,
		log:    opts.Logger.With().Str("component", "decryptor").Logger(),
		now:    now,
	}
}

// Decrypt decrypts and parses one envelope.
func (d *Decryptor) Decrypt(env models.Envelope) (models.Decrypted, error) {
	switch env.Type {
	case models.EnvelopeNotify:
		notify, err := protocol.DecodeNotify(env.Content)
		if err != nil {
			return nil, err
		}
		return &models.DecryptedNotify{Metadata: d.metadata(env, env.Conversation(), env.Source), Notify: notify}, nil
	case models.EnvelopePlaintext:
		content, err := protocol.DecodeContent(env.Content)
		if err != nil {
			return nil, err
		}
		return d.classify(env, content)
	case models.EnvelopeCiphertext:
		plaintext, err := d.open(env)
		if err != nil {
			return nil, err
		}
		content, err := protocol.DecodeContent(plaintext)
		if err != nil {
			return nil, err
		}
		return d.classify(env, content)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelopeType, env.Type)
	}
}

func (d *Decryptor) open(env models.Envelope) ([]byte, error) {
	if err := CheckVersion(env.Content); err != nil {
		return nil, err
	}

	padded, err := Open(d.keys.CurrentKey(), env.Content)
	if errors.Is(err, ErrDataMismatch) {
		old, ok := d.keys.OldKey(d.now())
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		d.log.Debug().Str("message_id", env.MessageID()).Msg("retrying with old identity key")
		padded, err = Open(old, env.Content)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (d *Decryptor) classify(env models.Envelope, content models.Content) (models.Decrypted, error) {
	switch {
	case content.DataMessage != nil:
		return &models.DecryptedData{
			Metadata: d.metadata(env, env.Conversation(), env.Source),
			Data:     content.DataMessage,
		}, nil
	case content.ReceiptMessage != nil:
		conversation := env.Conversation()
		if rp := content.ReceiptMessage.ReadPosition; rp != nil && rp.GroupID != "" {
			conversation = models.Group(rp.GroupID)
		}
		return &models.DecryptedReceipt{
			Metadata: d.metadata(env, conversation, env.Source),
			Receipt:  *content.ReceiptMessage,
		}, nil
	case content.CallMessage != nil:
		return &models.DecryptedCall{
			Metadata: d.metadata(env, env.Conversation(), env.Source),
			Call:     *content.CallMessage,
		}, nil
	case content.SyncMessage != nil:
		return d.classifySync(env, content.SyncMessage)
	default:
		return nil, protocol.ErrEmptyContent
	}
}

func (d *Decryptor) classifySync(env models.Envelope, sync *models.SyncMessage) (models.Decrypted, error) {
	switch {
	case sync.Sent != nil && sync.Sent.Message != nil:
		conversation := models.Account(sync.Sent.Destination)
		if sync.Sent.GroupID != "" {
			conversation = models.Group(sync.Sent.GroupID)
		}
		return &models.DecryptedData{
			Metadata:        d.metadata(env, conversation, d.selfID),
			Data:            sync.Sent.Message,
			Sync:            true,
			ServerTimestamp: sync.Sent.ServerTimestamp,
		}, nil
	case sync.Read != nil:
		read := sync.Read
		conversation := models.Account(read.Sender)
		if read.ReadPosition.GroupID != "" {
			conversation = models.Group(read.ReadPosition.GroupID)
		}
		position := read.ReadPosition
		return &models.DecryptedReceipt{
			Metadata: d.metadata(env, conversation, d.selfID),
			Receipt: models.ReceiptMessage{
				Type:         models.ReceiptRead,
				Timestamps:   []int64{read.Timestamp},
				ReadPosition: &position,
				Mode:         read.Mode,
			},
			FromSync: true,
		}, nil
	default:
		return nil, protocol.ErrEmptyContent
	}
}

func (d *Decryptor) metadata(env models.Envelope, conversation models.For, sender string) models.Metadata {
	return models.Metadata{
		Envelope:     env,
		Conversation: conversation,
		SenderID:     sender,
		MessageID:    env.MessageID(),
	}
}

// EncryptContent encodes, pads and seals content to recipient, producing the
// Content field of a ciphertext envelope.
func EncryptContent(recipient *ecdh.PublicKey, content models.Content) ([]byte, error) {
	raw, err := protocol.EncodeContent(content)
	if err != nil {
		return nil, err
	}
	return Seal(recipient, Pad(raw))
}
