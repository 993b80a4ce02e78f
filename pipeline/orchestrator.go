// Package pipeline turns a continuous stream of envelopes into persisted
// messages. Envelopes are windowed into batches, acknowledged, decrypted in
// parallel and written with one idempotent insert. An envelope that cannot be
// decrypted or normalized is recorded on its own for a later replay; a batch
// whose write fails is recorded whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"msgpipe/chunk"
	"msgpipe/crypto"
	"msgpipe/metrics"
	"msgpipe/models"
	"msgpipe/protocol"
	"msgpipe/storage"
)

// ErrBatchProcessing wraps any failure that sends a batch to the failed store.
var ErrBatchProcessing = errors.New("pipeline: batch processing failed")

// Decryptor opens one envelope.
type Decryptor interface {
	Decrypt(env models.Envelope) (models.Decrypted, error)
}

// Acker acknowledges envelopes to the transport.
type Acker interface {
	Ack(token models.AckToken) error
}

// Source supplies envelopes one at a time.
type Source interface {
	Next(ctx context.Context) (models.Incoming, error)
}

// Notifier is told about the newest message of each conversation in a batch.
type Notifier interface {
	Notify(ctx context.Context, conversation models.For, message models.Message)
}

// ReceiptQueue is the ordered receipt processor.
type ReceiptQueue interface {
	Enqueue(ctx context.Context, receipt *models.DecryptedReceipt) error
	Submit(ctx context.Context, receipt *models.DecryptedReceipt) error
	EnqueueSenderRead(ctx context.Context, conversation models.For, sender string, position int64) error
}

// Trigger requests an asynchronous reconciliation pass.
type Trigger interface {
	Trigger()
}

// Options wires an Orchestrator to its collaborators. Acker, Notifier,
// Contacts and both triggers are optional.
type Options struct {
	SelfID    string
	Policy    chunk.Policy
	Decryptor Decryptor
	Store     Store
	Receipts  ReceiptQueue
	Acker     Acker
	Notifier  Notifier
	Contacts  ContactFetcher
	Pending   Trigger
	Failed    Trigger
	Logger    zerolog.Logger
}

// Orchestrator is the envelope batch pipeline.
type Orchestrator struct {
	policy     chunk.Policy
	decryptor  Decryptor
	store      Store
	normalizer *Normalizer
	receipts   ReceiptQueue
	acker      Acker
	notifier   Notifier
	pending    Trigger
	failed     Trigger
	existence  *existenceCache
	log        zerolog.Logger

	in       chan models.Incoming
	checksWG sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Decryptor == nil {
		return nil, errors.New("decryptor is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Receipts == nil {
		return nil, errors.New("receipt queue is required")
	}
	if opts.Policy.MaxSize() <= 0 {
		return nil, chunk.ErrInvalidPolicy
	}

	logger := opts.Logger.With().Str("component", "pipeline").Logger()
	return &Orchestrator{
		policy:     opts.Policy,
		decryptor:  opts.Decryptor,
		store:      opts.Store,
		normalizer: NewNormalizer(opts.Store, opts.Logger),
		receipts:   opts.Receipts,
		acker:      opts.Acker,
		notifier:   opts.Notifier,
		pending:    opts.Pending,
		failed:     opts.Failed,
		existence:  newExistenceCache(opts.Contacts, opts.SelfID, opts.Logger),
		log:        logger,
		in:         make(chan models.Incoming, opts.Policy.MaxSize()),
	}, nil
}

// Submit hands one incoming envelope to the pipeline. It blocks while the
// batcher is full.
func (o *Orchestrator) Submit(ctx context.Context, item models.Incoming) error {
	select {
	case o.in <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump pulls from src into the pipeline until ctx is cancelled or src fails.
func (o *Orchestrator) Pump(ctx context.Context, src Source) error {
	for {
		item, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read envelope: %w", err)
		}
		if err := o.Submit(ctx, item); err != nil {
			return nil
		}
	}
}

// Run batches submitted envelopes and processes them until ctx is
// cancelled. A batch that has already been formed is finished even if ctx
// is cancelled meanwhile.
func (o *Orchestrator) Run(ctx context.Context) {
	batches := chunk.Chunk(ctx, o.in, o.policy)
	work := context.WithoutCancel(ctx)
	for batch := range batches {
		o.processBatch(work, batch)
	}
	o.checksWG.Wait()
}

// ResetAccount forgets confirmed contacts and groups, for example after the
// local account changed.
func (o *Orchestrator) ResetAccount() {
	o.existence.Reset()
}

func (o *Orchestrator) processBatch(ctx context.Context, batch []models.Incoming) {
	started := time.Now()
	log := o.log.With().Str("batch_id", uuid.NewString()).Int("batch_size", len(batch)).Logger()
	log.Debug().Msg("processing batch")
	metrics.EnvelopesTotal.Add(float64(len(batch)))

	for _, item := range batch {
		o.ack(log, item)
	}

	rejected, err := o.handleBatch(ctx, log, batch)
	switch {
	case err != nil:
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("batch failed, recording for replay")
		o.captureFailed(log, batch)
	case len(rejected) > 0:
		metrics.BatchesTotal.WithLabelValues("partial").Inc()
		o.captureFailed(log, rejected)
	default:
		metrics.BatchesTotal.WithLabelValues("ok").Inc()
	}
	metrics.BatchDuration.Observe(time.Since(started).Seconds())

	o.afterBatch(ctx, batch)
}

func (o *Orchestrator) ack(log zerolog.Logger, item models.Incoming) {
	if o.acker == nil {
		return
	}
	if err := o.acker.Ack(item.Ack); err != nil {
		metrics.AcksTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Uint64("ack", uint64(item.Ack)).Msg("ack envelope")
		return
	}
	metrics.AcksTotal.WithLabelValues("ok").Inc()
}

// handleBatch persists the batch and returns the items whose decrypt or
// normalize step failed. Those are left out of the write so the rest of the
// batch still lands.
func (o *Orchestrator) handleBatch(ctx context.Context, log zerolog.Logger, batch []models.Incoming) ([]models.Incoming, error) {
	outcomes := make([]Outcome, len(batch))
	errs := make([]error, len(batch))

	var g errgroup.Group
	g.SetLimit(len(batch))
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			outcomes[i], errs[i] = o.prepare(item.Envelope)
			return nil
		})
	}
	_ = g.Wait()

	var rejected []models.Incoming
	for i, err := range errs {
		if err == nil {
			continue
		}
		log.Warn().Err(err).Str("message_id", batch[i].Envelope.MessageID()).Msg("envelope failed, recording for replay")
		outcomes[i] = Outcome{}
		rejected = append(rejected, batch[i])
	}

	if err := o.persist(ctx, outcomes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBatchProcessing, err)
	}
	return rejected, nil
}

// prepare decrypts and normalizes one envelope.
func (o *Orchestrator) prepare(env models.Envelope) (Outcome, error) {
	if len(env.Content) > protocol.MaxEnvelopeSize {
		o.log.Warn().
			Str("message_id", env.MessageID()).
			Int("size", len(env.Content)).
			Msg("envelope too large, ignoring")
		return Outcome{}, nil
	}

	decrypted, err := o.decryptor.Decrypt(env)
	if err != nil {
		metrics.DecryptFailuresTotal.WithLabelValues(decryptFailureReason(err)).Inc()
		return Outcome{}, fmt.Errorf("decrypt: %w", err)
	}
	return o.normalizer.Process(decrypted)
}

func decryptFailureReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "other"
	}
}

func (o *Orchestrator) persist(ctx context.Context, outcomes []Outcome) error {
	messages := make([]models.Message, 0, len(outcomes))
	notify := make(map[string]bool, len(outcomes))
	senderRead := make(map[string]bool, len(outcomes))
	for _, out := range outcomes {
		if out.Message == nil {
			continue
		}
		messages = append(messages, *out.Message)
		notify[out.Message.ID] = out.Notify
		senderRead[out.Message.ID] = out.SenderRead
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].SystemShowTimestamp < messages[j].SystemShowTimestamp
	})

	inserted, err := o.store.InsertMessagesIfAbsent(messages)
	if err != nil {
		return err
	}
	isNew := make(map[string]bool, len(inserted))
	for _, id := range inserted {
		isNew[id] = true
	}

	latest := make(map[models.For]models.Message)
	for _, m := range messages {
		if !isNew[m.ID] {
			continue
		}
		if senderRead[m.ID] {
			if err := o.receipts.EnqueueSenderRead(ctx, m.Conversation, m.FromWho, m.SystemShowTimestamp); err != nil {
				return err
			}
		}
		if notify[m.ID] {
			if cur, ok := latest[m.Conversation]; !ok || m.SystemShowTimestamp >= cur.SystemShowTimestamp {
				latest[m.Conversation] = m
			}
		}
	}
	o.notifyLatest(ctx, latest)

	for _, out := range outcomes {
		if out.Receipt == nil {
			continue
		}
		if err := o.receipts.Enqueue(ctx, out.Receipt); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) notifyLatest(ctx context.Context, latest map[models.For]models.Message) {
	if o.notifier == nil || len(latest) == 0 {
		return
	}
	conversations := make([]models.For, 0, len(latest))
	for conv := range latest {
		conversations = append(conversations, conv)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].String() < conversations[j].String()
	})
	for _, conv := range conversations {
		o.notifier.Notify(ctx, conv, latest[conv])
	}
}

func (o *Orchestrator) captureFailed(log zerolog.Logger, batch []models.Incoming) {
	rows := make([]models.FailedEnvelope, 0, len(batch))
	for _, item := range batch {
		raw, err := protocol.EncodeEnvelope(item.Envelope)
		if err != nil {
			log.Error().Err(err).Str("message_id", item.Envelope.MessageID()).Msg("encode failed envelope")
			continue
		}
		rows = append(rows, models.FailedEnvelope{
			MessageID:   item.Envelope.MessageID(),
			Timestamp:   item.Envelope.Timestamp,
			RawEnvelope: raw,
		})
	}

	if err := o.store.SaveFailedEnvelopes(rows); err != nil {
		log.Error().Err(err).Int("envelopes", len(rows)).Msg("save failed batch")
		return
	}
	metrics.FailedEnvelopesSaved.Add(float64(len(rows)))
	if o.failed != nil {
		o.failed.Trigger()
	}
}

func (o *Orchestrator) afterBatch(ctx context.Context, batch []models.Incoming) {
	senders := make([]string, 0, len(batch))
	groups := make([]string, 0)
	for _, item := range batch {
		senders = append(senders, item.Envelope.Source)
		if item.Envelope.GroupID != "" {
			groups = append(groups, item.Envelope.GroupID)
		}
	}

	o.checksWG.Add(1)
	go func() {
		defer o.checksWG.Done()
		o.existence.Check(ctx, senders, groups)
	}()

	if o.pending != nil {
		o.pending.Trigger()
	}
}

// ProcessEnvelope runs one stored envelope through decrypt, normalize and
// persist without acknowledging it. Receipts are applied before it returns.
// It returns storage.ErrStillPending when the envelope was parked again
// because its target is still missing.
func (o *Orchestrator) ProcessEnvelope(ctx context.Context, env models.Envelope) error {
	out, err := o.prepare(env)
	if err != nil {
		return err
	}

	if out.Message != nil {
		inserted, err := o.store.InsertMessagesIfAbsent([]models.Message{*out.Message})
		if err != nil {
			return err
		}
		if len(inserted) > 0 {
			m := *out.Message
			if out.SenderRead {
				if err := o.receipts.EnqueueSenderRead(ctx, m.Conversation, m.FromWho, m.SystemShowTimestamp); err != nil {
					return err
				}
			}
			if out.Notify {
				o.notifyLatest(ctx, map[models.For]models.Message{m.Conversation: m})
			}
		}
	}

	if out.Receipt != nil {
		if err := o.receipts.Submit(ctx, out.Receipt); err != nil {
			return err
		}
	}
	if out.Pending {
		return storage.ErrStillPending
	}
	return nil
}
