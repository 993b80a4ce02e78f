// Package receipts applies delivery and read receipts strictly in arrival
// order. A single goroutine drains one queue, so two receipts for the same
// conversation never interleave and read positions only move forward.
package receipts

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"msgpipe/metrics"
	"msgpipe/models"
	"msgpipe/protocol"
	"msgpipe/storage"
)

// DefaultQueueSize bounds the number of receipts waiting to be applied.
const DefaultQueueSize = 1024

// ErrReceiptApply wraps any failure while applying one receipt.
var ErrReceiptApply = errors.New("receipts: apply failed")

// Store is the persistence the processor needs.
type Store interface {
	GroupMemberCount(groupID string) (int, error)
	GroupMembers(groupID string) ([]string, error)
	GetMessageByTimestamp(conversation models.For, timestamp int64) (*models.Message, error)
	ConvertToPlaceholder(messageID string) error
	UpdateReadInfoJSON(messageID, reader string, readAt int64) (storage.ReadInfo, error)
	UpsertReadPositionIfGreater(conversation models.For, senderID string, position int64) (bool, error)
	SavePendingEvent(event models.PendingEvent) error
}

// Options configures a Processor.
type Options struct {
	// LargeGroupThreshold skips non-confidential receipts in groups with more
	// members than this. Zero disables the check.
	LargeGroupThreshold int
	QueueSize           int
	Logger              zerolog.Logger
}

type job struct {
	receipt *models.DecryptedReceipt
	done    chan error
}

// Processor is the single consumer of the receipt queue.
type Processor struct {
	store     Store
	threshold int
	queue     chan job
	log       zerolog.Logger
}

// NewProcessor creates a Processor. Run must be called to start applying.
func NewProcessor(store Store, opts Options) *Processor {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Processor{
		store:     store,
		threshold: opts.LargeGroupThreshold,
		queue:     make(chan job, size),
		log:       opts.Logger.With().Str("component", "receipts").Logger(),
	}
}

// Enqueue adds a receipt to the queue. It blocks while the queue is full.
func (p *Processor) Enqueue(ctx context.Context, receipt *models.DecryptedReceipt) error {
	select {
	case p.queue <- job{receipt: receipt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a receipt and waits until it has been applied, returning
// the apply error. Replays use it to learn whether a pending row resolved.
func (p *Processor) Submit(ctx context.Context, receipt *models.DecryptedReceipt) error {
	done := make(chan error, 1)
	select {
	case p.queue <- job{receipt: receipt, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueSenderRead records that sender has read conversation up to
// position. A sender that sends a message has read everything before it.
func (p *Processor) EnqueueSenderRead(ctx context.Context, conversation models.For, sender string, position int64) error {
	return p.Enqueue(ctx, &models.DecryptedReceipt{
		Metadata: models.Metadata{Conversation: conversation, SenderID: sender},
		Receipt: models.ReceiptMessage{
			Type:         models.ReceiptRead,
			ReadPosition: &models.ReadPositionInfo{ReadAt: position, MaxServerTime: position},
		},
	})
}

// Run applies queued receipts one at a time until ctx is cancelled, then
// drains the queue. A failing receipt is logged and the loop moves on.
// Submit callers see storage.ErrStillPending when a target was parked again.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case j := <-p.queue:
			p.handle(j)
		}
	}
}

// drain applies whatever is still queued so receipts enqueued before
// shutdown are not lost.
func (p *Processor) drain() {
	for {
		select {
		case j := <-p.queue:
			p.handle(j)
		default:
			return
		}
	}
}

func (p *Processor) handle(j job) {
	err := p.apply(j.receipt)
	if err != nil && !errors.Is(err, storage.ErrStillPending) {
		metrics.ReceiptsTotal.WithLabelValues("error").Inc()
		p.log.Error().Err(err).
			Str("message_id", j.receipt.Meta().MessageID).
			Str("conversation", j.receipt.Meta().Conversation.String()).
			Msg("apply receipt")
	}
	if j.done != nil {
		j.done <- err
	}
}

func (p *Processor) apply(r *models.DecryptedReceipt) error {
	meta := r.Meta()
	confidential := r.Receipt.Mode == models.ModeConfidential

	if meta.Conversation.IsGroup() && !confidential && p.threshold > 0 {
		count, err := p.store.GroupMemberCount(meta.Conversation.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReceiptApply, err)
		}
		if count > p.threshold {
			metrics.ReceiptsTotal.WithLabelValues("skipped").Inc()
			p.log.Debug().Int("members", count).Str("group", meta.Conversation.ID).Msg("large group, skipping receipt")
			return nil
		}
	}

	if confidential {
		return p.applyConfidential(r)
	}
	return p.applyReadPosition(r)
}

func (p *Processor) applyReadPosition(r *models.DecryptedReceipt) error {
	meta := r.Meta()
	if r.Receipt.Type != models.ReceiptRead || r.Receipt.ReadPosition == nil {
		metrics.ReceiptsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	position := r.Receipt.ReadPosition.MaxServerTime
	advanced, err := p.store.UpsertReadPositionIfGreater(meta.Conversation, meta.SenderID, position)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptApply, err)
	}
	if !advanced {
		metrics.ReceiptsTotal.WithLabelValues("skipped").Inc()
		p.log.Debug().
			Str("conversation", meta.Conversation.String()).
			Str("sender", meta.SenderID).
			Int64("position", position).
			Msg("read position not newer, ignoring")
		return nil
	}
	metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (p *Processor) applyConfidential(r *models.DecryptedReceipt) error {
	meta := r.Meta()
	readAt := meta.Envelope.Timestamp
	if rp := r.Receipt.ReadPosition; rp != nil && rp.ReadAt > 0 {
		readAt = rp.ReadAt
	}

	parked := false
	for _, ts := range r.Receipt.Timestamps {
		message, err := p.store.GetMessageByTimestamp(meta.Conversation, ts)
		if errors.Is(err, storage.ErrNotFound) {
			if err := p.savePending(r, ts); err != nil {
				return err
			}
			parked = true
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReceiptApply, err)
		}
		if message.Placeholder {
			continue
		}

		if meta.Conversation.IsGroup() && !r.FromSync {
			if err := p.UpdateReadInfo(message, meta.SenderID, readAt); err != nil {
				return err
			}
			continue
		}
		if err := p.store.ConvertToPlaceholder(message.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrReceiptApply, err)
		}
		metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
	}
	if parked {
		return storage.ErrStillPending
	}
	return nil
}

// UpdateReadInfo merges reader into the read info of a confidential group
// message and converts it to a placeholder once every receiver has read it.
func (p *Processor) UpdateReadInfo(message *models.Message, reader string, readAt int64) error {
	info, err := p.store.UpdateReadInfoJSON(message.ID, reader, readAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptApply, err)
	}

	receivers := message.ReceiverIDs
	if len(receivers) == 0 && message.Conversation.IsGroup() {
		members, err := p.store.GroupMembers(message.Conversation.ID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReceiptApply, err)
		}
		for _, m := range members {
			if m != message.FromWho {
				receivers = append(receivers, m)
			}
		}
	}
	if len(receivers) == 0 {
		metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
		return nil
	}
	for _, id := range receivers {
		if _, ok := info[id]; !ok {
			metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
			return nil
		}
	}

	if err := p.store.ConvertToPlaceholder(message.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptApply, err)
	}
	metrics.ReceiptsTotal.WithLabelValues("applied").Inc()
	return nil
}

func (p *Processor) savePending(r *models.DecryptedReceipt, timestamp int64) error {
	raw, err := protocol.EncodeEnvelope(r.Meta().Envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptApply, err)
	}
	if err := p.store.SavePendingEvent(models.PendingEvent{
		OwnerMessageID:           r.Meta().MessageID,
		OriginalMessageTimestamp: timestamp,
		RawEnvelope:              raw,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptApply, err)
	}
	metrics.ReceiptsTotal.WithLabelValues("pending").Inc()
	p.log.Info().
		Str("message_id", r.Meta().MessageID).
		Int64("original_timestamp", timestamp).
		Msg("confidential message not found, stored pending receipt")
	return nil
}
