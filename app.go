package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"msgpipe/chunk"
	"msgpipe/config"
	"msgpipe/crypto"
	"msgpipe/logging"
	"msgpipe/models"
	"msgpipe/pipeline"
	"msgpipe/receipts"
	"msgpipe/reconcile"
	"msgpipe/storage"
)

// components is the assembled pipeline shared by the commands.
type components struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    *storage.Store
	dbPath   string
	identity *crypto.Identity
	receipts *receipts.Processor
	pipeline *pipeline.Orchestrator
	pending  *reconcile.PendingReconciler
	failed   *reconcile.FailedReconciler
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// replayFunc lets the reconcilers be built before the orchestrator they
// replay through.
type replayFunc func(ctx context.Context, env models.Envelope) error

func (f replayFunc) ProcessEnvelope(ctx context.Context, env models.Envelope) error {
	return f(ctx, env)
}

func buildComponents(cfg *config.Config, dataDir string, logger zerolog.Logger, acker pipeline.Acker) (*components, error) {
	identity, err := crypto.EnsureIdentity(cfg.IdentityKeyPath, cfg.OldIdentityKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity keys: %w", err)
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	policy, err := chunk.ByTimeOrSize(cfg.BatchInterval(), cfg.BatchMaxSize)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c := &components{
		cfg:      cfg,
		log:      logger,
		store:    store,
		dbPath:   dbPath,
		identity: identity,
	}
	c.receipts = receipts.NewProcessor(store, receipts.Options{
		LargeGroupThreshold: cfg.ReceiptLargeGroupThreshold,
		Logger:              logger,
	})

	replay := replayFunc(func(ctx context.Context, env models.Envelope) error {
		return c.pipeline.ProcessEnvelope(ctx, env)
	})
	c.pending = reconcile.NewPendingReconciler(store, replay, reconcile.Options{
		Delay:     cfg.ReconcileDelay(),
		Retention: cfg.PendingRetention(),
		Logger:    logger,
	})
	c.failed = reconcile.NewFailedReconciler(store, replay, reconcile.Options{
		Delay:     cfg.FailedReplayDelay(),
		Retention: cfg.PendingRetention(),
		Logger:    logger,
	})

	c.pipeline, err = pipeline.New(pipeline.Options{
		SelfID: cfg.AccountID,
		Policy: policy,
		Decryptor: crypto.NewDecryptor(identity, crypto.DecryptorOptions{
			SelfID: cfg.AccountID,
			Logger: logger,
		}),
		Store:    store,
		Receipts: c.receipts,
		Acker:    acker,
		Notifier: logNotifier{log: logger},
		Contacts: logContacts{log: logger},
		Pending:  c.pending,
		Failed:   c.failed,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

// serve runs the pipeline loops until ctx is cancelled or src fails. The
// receipt processor is stopped only after the orchestrator has finished its
// last batch. Every value on resets clears the contact and group caches.
func (c *components) serve(ctx context.Context, src pipeline.Source, resets <-chan os.Signal) error {
	g, gctx := errgroup.WithContext(ctx)
	receiptsCtx, stopReceipts := context.WithCancel(context.WithoutCancel(gctx))
	defer stopReceipts()

	g.Go(func() error {
		c.receipts.Run(receiptsCtx)
		return nil
	})
	g.Go(func() error {
		c.pending.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.failed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer stopReceipts()
		c.pipeline.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return c.pipeline.Pump(gctx, src)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-resets:
				c.pipeline.ResetAccount()
				c.log.Info().Str("signal", sig.String()).Msg("contact and group caches cleared")
			}
		}
	})
	return g.Wait()
}

func (c *components) Close() {
	if err := c.store.Close(); err != nil {
		c.log.Error().Err(err).Msg("database close")
	}
}

// logNotifier stands in for the desktop notification service.
type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) Notify(_ context.Context, conversation models.For, message models.Message) {
	n.log.Info().
		Str("conversation", conversation.String()).
		Str("message_id", message.ID).
		Str("from", message.FromWho).
		Msg("new message")
}

// logContacts stands in for the directory service.
type logContacts struct {
	log zerolog.Logger
}

func (c logContacts) FetchContactors(_ context.Context, ids []string) error {
	c.log.Debug().Strs("ids", ids).Msg("contacts requested")
	return nil
}

func (c logContacts) FetchGroup(_ context.Context, groupID string) error {
	c.log.Debug().Str("group", groupID).Msg("group requested")
	return nil
}
