package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgpipe/config"
	"msgpipe/models"
	"msgpipe/protocol"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		AccountID:                  "+999",
		LogLevel:                   "info",
		LogFormat:                  config.LogFormatConsole,
		Transport:                  config.TransportTCP,
		ListenAddress:              "127.0.0.1:0",
		BatchIntervalMS:            config.DefaultBatchIntervalMS,
		BatchMaxSize:               config.DefaultBatchMaxSize,
		ReconcileDelayMS:           config.DefaultReconcileDelayMS,
		FailedReplayDelayMS:        config.DefaultFailedReplayDelayMS,
		PendingRetentionDays:       config.DefaultPendingRetentionDays,
		ReceiptLargeGroupThreshold: config.DefaultReceiptLargeGroupThreshold,
		IdentityKeyPath:            filepath.Join(dir, "keys", "identity.pem"),
		OldIdentityKeyPath:         filepath.Join(dir, "keys", "identity_old.pem"),
		KeyRotationGraceHours:      config.DefaultKeyRotationGraceHours,
	}
}

func TestBuildComponentsReplaysFailedBatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.EnsureDataDirectories(dir))

	app, err := buildComponents(testConfig(dir), dir, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.receipts.Run(ctx)

	content, err := protocol.EncodeContent(models.Content{DataMessage: &models.DataMessage{Body: "recovered"}})
	require.NoError(t, err)
	env := models.Envelope{Type: models.EnvelopePlaintext, Source: "+200", SourceDevice: 1, Timestamp: 1000, Content: content}
	raw, err := protocol.EncodeEnvelope(env)
	require.NoError(t, err)
	require.NoError(t, app.store.SaveFailedEnvelopes([]models.FailedEnvelope{
		{MessageID: env.MessageID(), Timestamp: env.Timestamp, RawEnvelope: raw},
	}))

	stats, err := app.failed.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)

	message, err := app.store.GetMessage(env.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "recovered", message.Body)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

type chanSource struct {
	items chan models.Incoming
}

func (s *chanSource) Next(ctx context.Context) (models.Incoming, error) {
	select {
	case item := <-s.items:
		return item, nil
	case <-ctx.Done():
		return models.Incoming{}, ctx.Err()
	}
}

func (s *chanSource) Ack(models.AckToken) error { return nil }

func textIncoming(t *testing.T, token uint64, ts int64) models.Incoming {
	t.Helper()
	content, err := protocol.EncodeContent(models.Content{DataMessage: &models.DataMessage{Body: "hi"}})
	require.NoError(t, err)
	return models.Incoming{
		Ack: models.AckToken(token),
		Envelope: models.Envelope{
			Type:                models.EnvelopePlaintext,
			Source:              "+200",
			SourceDevice:        1,
			Timestamp:           ts,
			SystemShowTimestamp: ts,
			Content:             content,
		},
	}
}

func TestServeResetsCachesAndDrainsReceipts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.EnsureDataDirectories(dir))
	cfg := testConfig(dir)
	cfg.BatchIntervalMS = 20

	logs := &syncBuffer{}
	app, err := buildComponents(cfg, dir, zerolog.New(logs).Level(zerolog.DebugLevel), nil)
	require.NoError(t, err)
	defer app.Close()

	src := &chanSource{items: make(chan models.Incoming)}
	resets := make(chan os.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, src, resets) }()

	stored := func(ts int64) func() bool {
		id := textIncoming(t, 0, ts).Envelope.MessageID()
		return func() bool {
			_, err := app.store.GetMessage(id)
			return err == nil
		}
	}

	src.items <- textIncoming(t, 1, 1000)
	require.Eventually(t, func() bool { return logs.count("contacts requested") == 1 }, 3*time.Second, 10*time.Millisecond)

	src.items <- textIncoming(t, 2, 2000)
	require.Eventually(t, stored(2000), 3*time.Second, 10*time.Millisecond)

	resets <- syscall.SIGHUP
	require.Eventually(t, func() bool { return logs.count("caches cleared") == 1 }, 3*time.Second, 10*time.Millisecond)
	src.items <- textIncoming(t, 3, 3000)
	require.Eventually(t, stored(3000), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return logs.count("contacts requested") == 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	position, err := app.store.GetReadPosition(models.Account("+200"), "+200")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), position.Position)
}
