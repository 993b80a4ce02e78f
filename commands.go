package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"msgpipe/config"
	"msgpipe/crypto"
	"msgpipe/metrics"
	"msgpipe/storage"
	"msgpipe/transport"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the ingestion pipeline on the configured transport",
	Action: cmdRun,
}

var replayFailedCommand = &cli.Command{
	Name:   "replay-failed",
	Usage:  "Replay recorded failed batches once and exit",
	Action: cmdReplayFailed,
}

var gcCommand = &cli.Command{
	Name:   "gc",
	Usage:  "Delete pending and failed rows older than the retention period",
	Action: cmdGC,
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "Create the identity key, or rotate it with --rotate",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "rotate",
			Usage: "Replace the current key and keep it as the old key for the grace period",
		},
	},
	Action: cmdKeygen,
}

func openSource(ctx context.Context, c *cli.Context, cfg *config.Config, logger zerolog.Logger) (transport.Source, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, cfg.WebSocketURL, transport.WebSocketOptions{
			HandshakeTimeout: 10 * time.Second,
			Buffer:           cfg.BatchMaxSize * 2,
			Logger:           logger,
		})
	default:
		src, err := transport.Listen(cfg.ListenAddress, transport.FrameOptions{
			Buffer: cfg.BatchMaxSize * 2,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(c.App.Writer, "Listening:       %s\n", src.Addr())
		return src, nil
	}
}

func cmdRun(c *cli.Context) error {
	cfg := getConfig(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, c, cfg, logger)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer src.Close()

	app, err := buildComponents(cfg, getDataDir(c), logger, src)
	if err != nil {
		return err
	}
	defer app.Close()

	fmt.Fprintf(c.App.Writer, "Account:         %s\n", cfg.AccountID)
	fmt.Fprintf(c.App.Writer, "Device ID:       %s\n", cfg.DeviceID)
	fmt.Fprintf(c.App.Writer, "Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(app.identity.Current.PublicKey())))
	fmt.Fprintf(c.App.Writer, "Database File:   %s\n", app.dbPath)

	if frames, ok := src.(*transport.FrameSource); ok && cfg.AdvertiseMDNS {
		adv, err := transport.Advertise(transport.AdvertiseOptions{
			Port:        transport.ListenPort(frames.Addr()),
			AccountID:   cfg.AccountID,
			DeviceID:    cfg.DeviceID,
			Fingerprint: crypto.FormatFingerprint(crypto.KeyFingerprint(app.identity.Current.PublicKey())),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertise failed")
		} else {
			defer adv.Stop()
			fmt.Fprintln(c.App.Writer, "Discovery:       advertising on mDNS")
		}
	}

	// SIGHUP clears the contact and group caches, for example after an account switch.
	resets := make(chan os.Signal, 1)
	signal.Notify(resets, syscall.SIGHUP)
	defer signal.Stop(resets)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.serve(gctx, src, resets)
	})

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		fmt.Fprintf(c.App.Writer, "Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}

	fmt.Fprintln(c.App.Writer, "Status:          running (press Ctrl+C to stop)")
	err = g.Wait()
	fmt.Fprintln(c.App.Writer, "Status:          shutting down")
	return err
}

func cmdReplayFailed(c *cli.Context) error {
	cfg := getConfig(c)
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	app, err := buildComponents(cfg, getDataDir(c), logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	go app.receipts.Run(ctx)

	stats, err := app.failed.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("replay failed batches: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Replayed: %d  Still failing: %d  Pruned: %d\n", stats.Replayed, stats.Failed, stats.Pruned)

	// Replayed messages may unblock pending events.
	pending, err := app.pending.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("replay pending events: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Pending replayed: %d  Waiting: %d\n", pending.Replayed, pending.Waiting)
	return nil
}

func cmdGC(c *cli.Context) error {
	cfg := getConfig(c)
	store, _, err := storage.Open(getDataDir(c))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	cutoff := time.Now().Add(-cfg.PendingRetention()).UnixMilli()
	pending, err := store.PrunePendingOlderThan(cutoff)
	if err != nil {
		return err
	}
	failed, err := store.PruneFailedOlderThan(cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted %d pending and %d failed rows older than %d days\n", pending, failed, cfg.PendingRetentionDays)
	return nil
}

func cmdKeygen(c *cli.Context) error {
	cfg := getConfig(c)

	var (
		identity *crypto.Identity
		err      error
	)
	if c.Bool("rotate") {
		identity, err = crypto.Rotate(cfg.IdentityKeyPath, cfg.OldIdentityKeyPath, cfg.KeyRotationGrace(), time.Now())
	} else {
		identity, err = crypto.EnsureIdentity(cfg.IdentityKeyPath, cfg.OldIdentityKeyPath)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "Identity Key:    %s\n", cfg.IdentityKeyPath)
	fmt.Fprintf(c.App.Writer, "Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(identity.Current.PublicKey())))
	if identity.Old != nil {
		fmt.Fprintf(c.App.Writer, "Old Key Expires: %s\n", identity.OldExpiresAt.Format(time.RFC3339))
	}
	return nil
}
