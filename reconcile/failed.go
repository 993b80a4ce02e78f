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

// FailedStore is the persistence used by FailedReconciler.
type FailedStore interface {
	ListFailedEnvelopes() ([]models.FailedEnvelope, error)
	DeleteFailedEnvelopes(messageIDs ...string) (int64, error)
	PruneFailedOlderThan(cutoffTimestamp int64) (int64, error)
}

// FailedReconciler replays envelopes of batches that failed as a whole.
// Replays are never acknowledged again.
type FailedReconciler struct {
	store     FailedStore
	replayer  Replayer
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
	pruned    atomic.Bool
	debouncer *Debouncer
}

// NewFailedReconciler creates a FailedReconciler. A pass runs Delay after a
// trigger, so a burst of failures is replayed together.
func NewFailedReconciler(store FailedStore, replayer Replayer, opts Options) *FailedReconciler {
	r := &FailedReconciler{
		store:     store,
		replayer:  replayer,
		retention: opts.Retention,
		now:       opts.Now,
		log:       opts.Logger.With().Str("component", "failed_reconciler").Logger(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.debouncer = NewDebouncer(opts.Delay, false, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error().Err(err).Msg("failed-batch reconciliation pass")
		}
	})
	return r
}

// Trigger requests a pass after the configured delay.
func (r *FailedReconciler) Trigger() {
	r.debouncer.Trigger()
}

// Run schedules a start-up pass and serves triggers until ctx is cancelled.
func (r *FailedReconciler) Run(ctx context.Context) {
	r.debouncer.Trigger()
	r.debouncer.Run(ctx)
}

// RunOnce replays every recorded envelope. Successful rows are deleted;
// failing rows stay until they succeed or age out.
func (r *FailedReconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	if r.retention > 0 && r.pruned.CompareAndSwap(false, true) {
		cutoff := r.now().Add(-r.retention).UnixMilli()
		n, err := r.store.PruneFailedOlderThan(cutoff)
		if err != nil {
			r.pruned.Store(false)
			r.log.Warn().Err(err).Msg("prune failed envelopes")
		} else {
			stats.Pruned = n
		}
	}

	rows, err := r.store.ListFailedEnvelopes()
	if err != nil {
		return stats, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.replay(ctx, row); err != nil {
			stats.Failed++
			metrics.ReplayedTotal.WithLabelValues("failed", "error").Inc()
			r.log.Warn().Err(err).Str("message_id", row.MessageID).Msg("replay failed envelope")
			continue
		}
		stats.Replayed++
		metrics.ReplayedTotal.WithLabelValues("failed", "ok").Inc()
	}

	if len(rows) > 0 {
		r.log.Info().
			Int("replayed", stats.Replayed).
			Int("failed", stats.Failed).
			Msg("failed-batch reconciliation finished")
	}
	return stats, nil
}

func (r *FailedReconciler) replay(ctx context.Context, row models.FailedEnvelope) error {
	env, err := protocol.DecodeEnvelope(row.RawEnvelope)
	if err != nil {
		return err
	}
	// A parked envelope now lives in the pending store.
	if err := r.replayer.ProcessEnvelope(ctx, env); err != nil && !errors.Is(err, storage.ErrStillPending) {
		return err
	}
	_, err = r.store.DeleteFailedEnvelopes(row.MessageID)
	return err
}
