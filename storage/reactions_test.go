package storage

import (
	"testing"

	"msgpipe/models"
)

func TestUpsertReactionNewerWins(t *testing.T) {
	store := newTestStore(t)
	message := testMessage("+1", 1000, models.Account("+1"))
	mustInsertMessages(t, store, message)

	reaction := models.ReactionRecord{MessageID: message.ID, Emoji: "heart", UID: "+2", Timestamp: 20}
	changed, err := store.UpsertReaction(reaction, false)
	if err != nil {
		t.Fatalf("UpsertReaction failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected first reaction to be stored")
	}

	stale := reaction
	stale.Timestamp = 10
	changed, err = store.UpsertReaction(stale, true)
	if err != nil {
		t.Fatalf("UpsertReaction stale remove failed: %v", err)
	}
	if changed {
		t.Fatalf("expected stale remove to be ignored")
	}

	reactions, err := store.ListReactions(message.ID)
	if err != nil {
		t.Fatalf("ListReactions failed: %v", err)
	}
	if len(reactions) != 1 || reactions[0].Timestamp != 20 {
		t.Fatalf("unexpected reactions %+v", reactions)
	}

	newer := reaction
	newer.Timestamp = 30
	changed, err = store.UpsertReaction(newer, true)
	if err != nil {
		t.Fatalf("UpsertReaction remove failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected newer remove to apply")
	}
	reactions, err = store.ListReactions(message.ID)
	if err != nil {
		t.Fatalf("ListReactions failed: %v", err)
	}
	if len(reactions) != 0 {
		t.Fatalf("expected reaction to be removed, got %+v", reactions)
	}
}

func TestUpsertReactionValidatesInput(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.UpsertReaction(models.ReactionRecord{Emoji: "x", UID: "u"}, false); err == nil {
		t.Fatalf("expected error for missing message id")
	}
	if _, err := store.UpsertReaction(models.ReactionRecord{MessageID: "m", UID: "u"}, false); err == nil {
		t.Fatalf("expected error for missing emoji")
	}
}
