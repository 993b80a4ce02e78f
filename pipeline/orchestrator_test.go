package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgpipe/chunk"
	"msgpipe/crypto"
	"msgpipe/models"
	"msgpipe/protocol"
	"msgpipe/receipts"
	"msgpipe/reconcile"
	"msgpipe/storage"
)

const selfID = "+999"

type flakyStore struct {
	*storage.Store
	failInsert atomic.Bool
}

func (f *flakyStore) InsertMessagesIfAbsent(messages []models.Message) ([]string, error) {
	if f.failInsert.Load() {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.InsertMessagesIfAbsent(messages)
}

type fakeAcker struct {
	mu     sync.Mutex
	tokens []models.AckToken
	fail   bool
}

func (a *fakeAcker) Ack(token models.AckToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = append(a.tokens, token)
	if a.fail {
		return errors.New("connection reset")
	}
	return nil
}

type notification struct {
	conversation models.For
	message      models.Message
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(_ context.Context, conversation models.For, message models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{conversation: conversation, message: message})
}

func (n *fakeNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type fakeContacts struct {
	mu       sync.Mutex
	contacts [][]string
	groups   []string
}

func (c *fakeContacts) FetchContactors(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts = append(c.contacts, ids)
	return nil
}

func (c *fakeContacts) FetchGroup(_ context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, groupID)
	return nil
}

type countingTrigger struct {
	n atomic.Int32
}

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type harness struct {
	store    *flakyStore
	identity *crypto.Identity
	orch     *Orchestrator
	acker    *fakeAcker
	notifier *fakeNotifier
	contacts *fakeContacts
	pending  *countingTrigger
	failed   *countingTrigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	base, err := storage.OpenPath(filepath.Join(t.TempDir(), storage.DefaultDBFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })
	store := &flakyStore{Store: base}

	key, err := crypto.GenerateX25519PrivateKey()
	require.NoError(t, err)
	identity := &crypto.Identity{Current: key}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	processor := receipts.NewProcessor(base, receipts.Options{Logger: zerolog.Nop()})
	go processor.Run(ctx)

	policy, err := chunk.ByTimeOrSize(20*time.Millisecond, 10)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		identity: identity,
		acker:    &fakeAcker{},
		notifier: &fakeNotifier{},
		contacts: &fakeContacts{},
		pending:  &countingTrigger{},
		failed:   &countingTrigger{},
	}
	h.orch, err = New(Options{
		SelfID:    selfID,
		Policy:    policy,
		Decryptor: crypto.NewDecryptor(identity, crypto.DecryptorOptions{SelfID: selfID, Logger: zerolog.Nop()}),
		Store:     store,
		Receipts:  processor,
		Acker:     h.acker,
		Notifier:  h.notifier,
		Contacts:  h.contacts,
		Pending:   h.pending,
		Failed:    h.failed,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

func (h *harness) process(items ...models.Incoming) {
	h.orch.processBatch(context.Background(), items)
	h.orch.checksWG.Wait()
}

func plaintext(t *testing.T, source string, ts int64, content models.Content) models.Envelope {
	t.Helper()
	raw, err := protocol.EncodeContent(content)
	require.NoError(t, err)
	return models.Envelope{
		Type:                models.EnvelopePlaintext,
		Source:              source,
		SourceDevice:        1,
		Timestamp:           ts,
		SystemShowTimestamp: ts + 5,
		Content:             raw,
	}
}

func textEnvelope(t *testing.T, source string, ts int64, body string) models.Envelope {
	return plaintext(t, source, ts, models.Content{DataMessage: &models.DataMessage{Body: body}})
}

func incoming(token uint64, envs ...models.Envelope) []models.Incoming {
	items := make([]models.Incoming, len(envs))
	for i, env := range envs {
		items[i] = models.Incoming{Envelope: env, Ack: models.AckToken(token + uint64(i))}
	}
	return items
}

func TestBatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	batch := incoming(1,
		textEnvelope(t, "+200", 1000, "hello"),
		textEnvelope(t, "+200", 2000, "again"),
	)

	h.process(batch...)
	h.process(batch...)

	count, err := h.store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, h.acker.tokens, 4)
	assert.Len(t, h.notifier.snapshot(), 1)
	assert.Equal(t, int32(0), h.failed.n.Load())
	assert.Equal(t, int32(2), h.pending.n.Load())
}

func TestAckFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	h.acker.fail = true

	h.process(incoming(1, textEnvelope(t, "+200", 1000, "hello"))...)

	count, err := h.store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotifiesLatestMessagePerConversation(t *testing.T) {
	h := newHarness(t)
	group := textEnvelope(t, "+400", 1500, "group hello")
	group.GroupID = "g1"

	h.process(incoming(1,
		textEnvelope(t, "+200", 3000, "newest"),
		textEnvelope(t, "+200", 1000, "oldest"),
		textEnvelope(t, "+300", 2000, "other"),
		group,
	)...)

	sent := h.notifier.snapshot()
	require.Len(t, sent, 3)
	byConversation := map[models.For]string{}
	for _, n := range sent {
		byConversation[n.conversation] = n.message.Body
	}
	assert.Equal(t, "newest", byConversation[models.Account("+200")])
	assert.Equal(t, "other", byConversation[models.Account("+300")])
	assert.Equal(t, "group hello", byConversation[models.Group("g1")])
}

func TestSyncedMessagesAreStoredWithoutNotification(t *testing.T) {
	h := newHarness(t)
	env := plaintext(t, selfID, 1000, models.Content{SyncMessage: &models.SyncMessage{
		Sent: &models.SyncSent{Destination: "+200", Message: &models.DataMessage{Body: "from my laptop"}},
	}})

	h.process(incoming(1, env)...)

	messages, err := h.store.ListMessages(models.Account("+200"), 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, selfID, messages[0].FromWho)
	assert.Empty(t, h.notifier.snapshot())
}

func TestCiphertextEnvelopeIsPersisted(t *testing.T) {
	h := newHarness(t)
	sealed, err := crypto.EncryptContent(h.identity.Current.PublicKey(), models.Content{
		DataMessage: &models.DataMessage{Body: "secret hello"},
	})
	require.NoError(t, err)
	env := models.Envelope{Type: models.EnvelopeCiphertext, Source: "+200", SourceDevice: 1, Timestamp: 1000, Content: sealed}

	h.process(incoming(1, env)...)

	message, err := h.store.GetMessage(env.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "secret hello", message.Body)
	assert.Equal(t, int64(1000), message.SystemShowTimestamp)
}

func TestUndecryptableEnvelopeIsRecordedAlone(t *testing.T) {
	h := newHarness(t)
	garbage := models.Envelope{
		Type:         models.EnvelopeCiphertext,
		Source:       "+200",
		SourceDevice: 1,
		Timestamp:    500,
		Content:      append([]byte{crypto.CurrentVersion << 4}, make([]byte, 64)...),
	}

	h.process(incoming(1, garbage, textEnvelope(t, "+200", 1000, "fine"))...)

	count, err := h.store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	rows, err := h.store.ListFailedEnvelopes()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, garbage.MessageID(), rows[0].MessageID)
	assert.Equal(t, int32(1), h.failed.n.Load())
}

func TestEnvelopeForMissingKeyIsReplayedOnceKeyIsLoaded(t *testing.T) {
	h := newHarness(t)
	restored, err := crypto.GenerateX25519PrivateKey()
	require.NoError(t, err)
	sealed, err := crypto.EncryptContent(restored.PublicKey(), models.Content{
		DataMessage: &models.DataMessage{Body: "sealed to the old key"},
	})
	require.NoError(t, err)
	env := models.Envelope{Type: models.EnvelopeCiphertext, Source: "+200", SourceDevice: 1, Timestamp: 1000, Content: sealed}

	h.process(incoming(1, env)...)
	assert.Len(t, h.acker.tokens, 1)
	rows, err := h.store.ListFailedEnvelopes()
	require.NoError(t, err)
	require.Len(t, rows, 1)

	h.identity.Old = restored
	r := reconcile.NewFailedReconciler(h.store, h.orch, reconcile.Options{Logger: zerolog.Nop()})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)

	message, err := h.store.GetMessage(env.MessageID())
	require.NoError(t, err)
	assert.Equal(t, "sealed to the old key", message.Body)
	rows, err = h.store.ListFailedEnvelopes()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOversizeBodyIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.process(incoming(1, textEnvelope(t, "+200", 1000, strings.Repeat("x", protocol.MaxBodySize+1)))...)

	count, err := h.store.CountMessages()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFailedBatchIsRecordedAndReplayed(t *testing.T) {
	h := newHarness(t)
	batch := incoming(1,
		textEnvelope(t, "+200", 1000, "one"),
		textEnvelope(t, "+300", 2000, "two"),
	)

	h.store.failInsert.Store(true)
	h.process(batch...)

	rows, err := h.store.ListFailedEnvelopes()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(1), h.failed.n.Load())
	assert.Len(t, h.acker.tokens, 2, "envelopes are acknowledged before processing")

	h.store.failInsert.Store(false)
	r := reconcile.NewFailedReconciler(h.store, h.orch, reconcile.Options{Logger: zerolog.Nop()})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)

	count, err := h.store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	rows, err = h.store.ListFailedEnvelopes()
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, h.acker.tokens, 2, "replays are not acknowledged")
}

func TestPendingReactionIsAppliedOnceTargetArrives(t *testing.T) {
	h := newHarness(t)
	target := textEnvelope(t, "+200", 1000, "react to me")
	reaction := plaintext(t, "+300", 2000, models.Content{DataMessage: &models.DataMessage{
		Reaction: &models.Reaction{
			Emoji:  "👍",
			Source: models.RealSource{Source: "+200", SourceDevice: 1, Timestamp: 1000},
		},
	}})

	h.process(incoming(1, reaction)...)
	events, err := h.store.ListPendingEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1000), events[0].OriginalMessageTimestamp)

	h.process(incoming(2, target)...)

	r := reconcile.NewPendingReconciler(h.store, h.orch, reconcile.Options{Logger: zerolog.Nop()})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)

	reactions, err := h.store.ListReactions(target.MessageID())
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "👍", reactions[0].Emoji)
	assert.Equal(t, "+300", reactions[0].UID)

	events, err = h.store.ListPendingEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPendingReactionSurvivesTimestampCollision(t *testing.T) {
	h := newHarness(t)
	target := textEnvelope(t, "+200", 1000, "react to me")
	unrelated := textEnvelope(t, "+400", 1000, "same millisecond")
	reaction := plaintext(t, "+300", 2000, models.Content{DataMessage: &models.DataMessage{
		Reaction: &models.Reaction{
			Emoji:  "🎉",
			Source: models.RealSource{Source: "+200", SourceDevice: 1, Timestamp: 1000},
		},
	}})

	h.process(incoming(1, reaction)...)
	h.process(incoming(2, unrelated)...)

	r := reconcile.NewPendingReconciler(h.store, h.orch, reconcile.Options{Logger: zerolog.Nop()})
	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Replayed)
	assert.Equal(t, 1, stats.Waiting)
	events, err := h.store.ListPendingEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)

	h.process(incoming(3, target)...)
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Replayed)

	reactions, err := h.store.ListReactions(target.MessageID())
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "🎉", reactions[0].Emoji)
	events, err = h.store.ListPendingEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecallOnlyByAuthor(t *testing.T) {
	h := newHarness(t)
	target := textEnvelope(t, "+200", 1000, "oops")
	h.process(incoming(1, target)...)

	recall := func(sender string, ts int64) models.Envelope {
		return plaintext(t, sender, ts, models.Content{DataMessage: &models.DataMessage{
			Recall: &models.Recall{Source: models.RealSource{Source: "+200", SourceDevice: 1, Timestamp: 1000}},
		}})
	}

	h.process(incoming(2, recall("+300", 2000))...)
	_, err := h.store.GetMessage(target.MessageID())
	require.NoError(t, err)

	h.process(incoming(3, recall("+200", 3000))...)
	_, err = h.store.GetMessage(target.MessageID())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReceiptAndSenderReadAdvanceReadPositions(t *testing.T) {
	h := newHarness(t)
	h.process(incoming(1, textEnvelope(t, "+200", 1000, "hi"))...)

	require.Eventually(t, func() bool {
		pos, err := h.store.GetReadPosition(models.Account("+200"), "+200")
		return err == nil && pos.Position == 1005
	}, time.Second, 5*time.Millisecond)

	receipt := plaintext(t, "+200", 4000, models.Content{ReceiptMessage: &models.ReceiptMessage{
		Type:         models.ReceiptRead,
		Timestamps:   []int64{1000},
		ReadPosition: &models.ReadPositionInfo{ReadAt: 4000, MaxServerTime: 3500},
	}})
	h.process(incoming(2, receipt)...)

	require.Eventually(t, func() bool {
		pos, err := h.store.GetReadPosition(models.Account("+200"), "+200")
		return err == nil && pos.Position == 3500
	}, time.Second, 5*time.Millisecond)
}

func TestExistenceChecksRunOncePerProcess(t *testing.T) {
	h := newHarness(t)
	group := textEnvelope(t, "+400", 1500, "group hello")
	group.GroupID = "g1"

	h.process(incoming(1, textEnvelope(t, "+200", 1000, "a"), group)...)
	h.process(incoming(3, textEnvelope(t, "+200", 2000, "b"), textEnvelope(t, selfID, 2500, "me"))...)

	assert.Equal(t, [][]string{{"+200", "+400"}}, h.contacts.contacts)
	assert.Equal(t, []string{"g1"}, h.contacts.groups)

	h.orch.ResetAccount()
	h.process(incoming(5, textEnvelope(t, "+200", 3000, "c"))...)
	assert.Equal(t, [][]string{{"+200", "+400"}, {"+200"}}, h.contacts.contacts)
}

func TestRunProcessesSubmittedEnvelopes(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()

	for i, item := range incoming(1,
		textEnvelope(t, "+200", 1000, "a"),
		textEnvelope(t, "+200", 2000, "b"),
		textEnvelope(t, "+300", 3000, "c"),
	) {
		require.NoError(t, h.orch.Submit(ctx, item), "submit %d", i)
	}

	require.Eventually(t, func() bool {
		count, err := h.store.CountMessages()
		return err == nil && count == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

type sliceSource struct {
	items []models.Incoming
}

func (s *sliceSource) Next(ctx context.Context) (models.Incoming, error) {
	if len(s.items) == 0 {
		<-ctx.Done()
		return models.Incoming{}, ctx.Err()
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

func TestPumpFeedsRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	src := &sliceSource{items: incoming(1,
		textEnvelope(t, "+200", 1000, "a"),
		textEnvelope(t, "+200", 2000, "b"),
	)}
	pumpErr := make(chan error, 1)
	go func() { pumpErr <- h.orch.Pump(ctx, src) }()

	require.Eventually(t, func() bool {
		count, err := h.store.CountMessages()
		return err == nil && count == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-pumpErr)
}
