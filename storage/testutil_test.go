package storage

import (
	"testing"

	"msgpipe/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func testMessage(source string, timestamp int64, conversation models.For) models.Message {
	return models.Message{
		ID:                  models.MessageID(timestamp, source, 1),
		Conversation:        conversation,
		FromWho:             source,
		TimeStamp:           timestamp,
		SystemShowTimestamp: timestamp + 5,
		Body:                "hello " + source,
	}
}

func mustInsertMessages(t *testing.T, store *Store, messages ...models.Message) {
	t.Helper()

	if _, err := store.InsertMessagesIfAbsent(messages); err != nil {
		t.Fatalf("InsertMessagesIfAbsent failed: %v", err)
	}
}
