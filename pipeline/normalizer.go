package pipeline

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"msgpipe/models"
	"msgpipe/protocol"
	"msgpipe/storage"
)

// Store is the persistence used by the pipeline.
type Store interface {
	InsertMessagesIfAbsent(messages []models.Message) ([]string, error)
	GetMessage(messageID string) (*models.Message, error)
	DeleteMessage(messageID string) error
	UpsertReaction(reaction models.ReactionRecord, remove bool) (bool, error)
	SavePendingEvent(event models.PendingEvent) error
	DeletePendingByOriginal(originalTimestamp int64) (int64, error)
	SaveFailedEnvelopes(envelopes []models.FailedEnvelope) error
}

// Outcome is what one decrypted envelope contributes to its batch.
type Outcome struct {
	// Message is persisted with the rest of the batch when set.
	Message *models.Message
	// Notify marks Message as worth a user notification.
	Notify bool
	// Receipt is handed to the receipt processor after persistence.
	Receipt *models.DecryptedReceipt
	// SenderRead advances the sender's read position to Message's display time.
	SenderRead bool
	// Pending is set when the envelope was parked until its target arrives.
	Pending bool
}

// Normalizer turns decrypted content into domain messages and applies the
// side effects that target existing messages: reactions and recalls.
type Normalizer struct {
	store Store
	log   zerolog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(store Store, logger zerolog.Logger) *Normalizer {
	return &Normalizer{store: store, log: logger.With().Str("component", "normalizer").Logger()}
}

// Process normalizes one decrypted envelope. Storage errors are returned so
// the batch can be recorded as failed.
func (n *Normalizer) Process(d models.Decrypted) (Outcome, error) {
	switch v := d.(type) {
	case *models.DecryptedData:
		return n.processData(v)
	case *models.DecryptedReceipt:
		return Outcome{Receipt: v}, nil
	case *models.DecryptedNotify:
		n.log.Debug().
			Int("notify_type", v.Notify.NotifyType).
			Str("message_id", v.MessageID).
			Msg("notify message received")
		return Outcome{}, nil
	case *models.DecryptedCall:
		n.log.Debug().
			Str("kind", v.Call.Kind).
			Str("sender", v.SenderID).
			Msg("call message received")
		return Outcome{}, nil
	default:
		return Outcome{}, fmt.Errorf("unexpected decrypted content %T", d)
	}
}

func (n *Normalizer) processData(d *models.DecryptedData) (Outcome, error) {
	data := d.Data
	switch {
	case data.Reaction != nil:
		pending, err := n.applyReaction(d)
		return Outcome{Pending: pending}, err
	case data.Recall != nil:
		pending, err := n.applyRecall(d)
		return Outcome{Pending: pending}, err
	}

	if len(data.Body) > protocol.MaxBodySize {
		n.log.Warn().
			Str("message_id", d.MessageID).
			Int("body_size", len(data.Body)).
			Msg("message body too large, ignoring")
		return Outcome{}, nil
	}

	env := d.Envelope
	message := &models.Message{
		ID:                  d.MessageID,
		Conversation:        d.Conversation,
		FromWho:             d.SenderID,
		TimeStamp:           env.Timestamp,
		SystemShowTimestamp: env.SystemShowTimestamp,
		SequenceID:          env.SequenceID,
		NotifySequenceID:    env.NotifySequenceID,
		Body:                data.Body,
		Attachments:         data.Attachments,
		Mode:                data.Mode,
		ExpiresInSeconds:    data.ExpireTimer,
		ReceiverIDs:         data.ReceiverIDs,
	}
	if message.SystemShowTimestamp == 0 {
		message.SystemShowTimestamp = d.ServerTimestamp
	}
	if message.SystemShowTimestamp == 0 {
		message.SystemShowTimestamp = message.TimeStamp
	}

	return Outcome{
		Message:    message,
		Notify:     !d.Sync,
		SenderRead: !d.Sync,
	}, nil
}

func (n *Normalizer) applyReaction(d *models.DecryptedData) (bool, error) {
	reaction := d.Data.Reaction
	target := reaction.Source.MessageID()

	if _, err := n.store.GetMessage(target); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, n.savePending(d, reaction.Source.Timestamp)
		}
		return false, err
	}

	changed, err := n.store.UpsertReaction(models.ReactionRecord{
		MessageID: target,
		Emoji:     reaction.Emoji,
		UID:       d.SenderID,
		Timestamp: d.Envelope.Timestamp,
	}, reaction.Remove)
	if err != nil {
		return false, err
	}
	n.log.Debug().
		Str("target", target).
		Str("emoji", reaction.Emoji).
		Bool("remove", reaction.Remove).
		Bool("changed", changed).
		Msg("reaction applied")
	return false, nil
}

func (n *Normalizer) applyRecall(d *models.DecryptedData) (bool, error) {
	source := d.Data.Recall.Source
	if source.Source != d.SenderID {
		n.log.Warn().
			Str("sender", d.SenderID).
			Str("recall_source", source.Source).
			Msg("recall from someone other than the author, ignoring")
		return false, nil
	}

	target := source.MessageID()
	err := n.store.DeleteMessage(target)
	if errors.Is(err, storage.ErrNotFound) {
		return true, n.savePending(d, source.Timestamp)
	}
	if err != nil {
		return false, err
	}
	if _, err := n.store.DeletePendingByOriginal(source.Timestamp); err != nil {
		return false, err
	}
	n.log.Info().Str("target", target).Msg("message recalled")
	return false, nil
}

func (n *Normalizer) savePending(d *models.DecryptedData, originalTimestamp int64) error {
	raw, err := protocol.EncodeEnvelope(d.Envelope)
	if err != nil {
		return err
	}
	if err := n.store.SavePendingEvent(models.PendingEvent{
		OwnerMessageID:           d.MessageID,
		OriginalMessageTimestamp: originalTimestamp,
		RawEnvelope:              raw,
	}); err != nil {
		return err
	}
	n.log.Debug().
		Str("message_id", d.MessageID).
		Int64("original_timestamp", originalTimestamp).
		Msg("target message missing, stored pending event")
	return nil
}
