package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"msgpipe/metrics"
	"msgpipe/models"
	"msgpipe/protocol"
	"msgpipe/storage"
)

// Replayer reprocesses one stored envelope through the normal pipeline path.
type Replayer interface {
	ProcessEnvelope(ctx context.Context, env models.Envelope) error
}

// PendingStore is the persistence used by PendingReconciler.
type PendingStore interface {
	ListPendingEvents() ([]models.PendingEvent, error)
	MessagesExistByTimestamp(timestamps []int64) (map[int64]bool, error)
	DeletePendingEvent(id int64) error
	PrunePendingOlderThan(cutoffTimestamp int64) (int64, error)
}

// Options configures a reconciler.
type Options struct {
	// Delay is the debounce window between runs.
	Delay time.Duration
	// Retention drops rows older than this once per process. Zero keeps rows.
	Retention time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Stats summarizes one reconciliation pass.
type Stats struct {
	Replayed int
	Failed   int
	Waiting  int
	Pruned   int64
}

// PendingReconciler replays pending events whose referenced message has
// since been stored.
type PendingReconciler struct {
	store     PendingStore
	replayer  Replayer
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
	pruned    atomic.Bool
	debouncer *Debouncer
}

// NewPendingReconciler creates a PendingReconciler. The first trigger runs a
// pass immediately; later ones within Delay collapse into one pass.
func NewPendingReconciler(store PendingStore, replayer Replayer, opts Options) *PendingReconciler {
	r := &PendingReconciler{
		store:     store,
		replayer:  replayer,
		retention: opts.Retention,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "pending_reconciler").Logger(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.debouncer = NewDebouncer(opts.Delay, true, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error().Err(err).Msg("pending reconciliation pass")
		}
	})
	return r
}

// Trigger requests a reconciliation pass.
func (r *PendingReconciler) Trigger() {
	r.debouncer.Trigger()
}

// Run serves triggers until ctx is cancelled.
func (r *PendingReconciler) Run(ctx context.Context) {
	r.debouncer.Run(ctx)
}

// RunOnce performs one pass. A row that fails to replay is kept and the pass
// continues with the next one.
func (r *PendingReconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	if r.retention > 0 && r.pruned.CompareAndSwap(false, true) {
		cutoff := r.now().Add(-r.retention).UnixMilli()
		n, err := r.store.PrunePendingOlderThan(cutoff)
		if err != nil {
			r.pruned.Store(false)
			r.log.Warn().Err(err).Msg("prune pending events")
		} else {
			stats.Pruned = n
		}
	}

	events, err := r.store.ListPendingEvents()
	if err != nil {
		return stats, err
	}
	if len(events) == 0 {
		return stats, nil
	}

	timestamps := make([]int64, 0, len(events))
	for _, event := range events {
		timestamps = append(timestamps, event.OriginalMessageTimestamp)
	}
	exists, err := r.store.MessagesExistByTimestamp(timestamps)
	if err != nil {
		return stats, err
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !exists[event.OriginalMessageTimestamp] {
			stats.Waiting++
			continue
		}

		err := r.replay(ctx, event)
		if errors.Is(err, storage.ErrStillPending) {
			// The timestamp matched another message; the target is still missing.
			stats.Waiting++
			continue
		}
		if err != nil {
			stats.Failed++
			metrics.ReplayedTotal.WithLabelValues("pending", "error").Inc()
			r.log.Warn().Err(err).
				Int64("id", event.ID).
				Str("owner_message_id", event.OwnerMessageID).
				Msg("replay pending event")
			continue
		}
		stats.Replayed++
		metrics.ReplayedTotal.WithLabelValues("pending", "ok").Inc()
	}

	if stats.Replayed > 0 || stats.Failed > 0 {
		r.log.Info().
			Int("replayed", stats.Replayed).
			Int("failed", stats.Failed).
			Int("waiting", stats.Waiting).
			Msg("pending reconciliation finished")
	}
	return stats, nil
}

func (r *PendingReconciler) replay(ctx context.Context, event models.PendingEvent) error {
	env, err := protocol.DecodeEnvelope(event.RawEnvelope)
	if err != nil {
		return err
	}
	if err := r.replayer.ProcessEnvelope(ctx, env); err != nil {
		return err
	}
	// A recall replay may already have removed rows waiting on its target.
	if err := r.store.DeletePendingEvent(event.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
