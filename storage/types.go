package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"msgpipe/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStillPending reports that a replayed event was stored as pending
	// again because its target is still missing.
	ErrStillPending = errors.New("storage: event still pending")
)

const (
	roomKindAccount = "account"
	roomKindGroup   = "group"
)

// ReadInfo maps a reader id to the time it read a confidential message.
type ReadInfo map[string]int64

// Room is one conversation known to the local store.
type Room struct {
	Conversation models.For
	CreatedAt    int64
	LastActiveAt int64
}

// conversationKey is the stable text key of a conversation in SQLite.
func conversationKey(f models.For) string {
	return f.String()
}

func roomKind(f models.For) string {
	if f.IsGroup() {
		return roomKindGroup
	}
	return roomKindAccount
}

func parseConversationKey(key string) (models.For, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return models.For{}, fmt.Errorf("invalid conversation key %q", key)
	}
	switch kind {
	case roomKindAccount:
		return models.Account(id), nil
	case roomKindGroup:
		return models.Group(id), nil
	default:
		return models.For{}, fmt.Errorf("invalid conversation kind %q", kind)
	}
}

func validateConversation(f models.For) error {
	if f.ID == "" {
		return errors.New("conversation id is required")
	}
	switch f.Kind {
	case models.KindAccount, models.KindGroup:
		return nil
	default:
		return fmt.Errorf("invalid conversation kind %d", f.Kind)
	}
}

func marshalJSONColumn(v any, column string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", column, err)
	}
	return string(raw), nil
}

func unmarshalJSONColumn(raw string, v any, column string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", column, err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
