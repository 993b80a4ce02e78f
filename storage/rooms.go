package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"msgpipe/models"
)

// CreateRoomIfNotExist creates the room for a conversation the first time it
// is seen. It reports whether a room was created.
func (s *Store) CreateRoomIfNotExist(conversation models.For, createdAt int64) (bool, error) {
	if err := validateConversation(conversation); err != nil {
		return false, err
	}

	var created bool
	err := s.withTx("create room", func(tx *sql.Tx) error {
		var err error
		created, err = createRoomTx(tx, conversation, createdAt)
		return err
	})
	return created, err
}

// GetRoom returns the room of a conversation.
func (s *Store) GetRoom(conversation models.For) (*Room, error) {
	if err := validateConversation(conversation); err != nil {
		return nil, err
	}

	room := Room{Conversation: conversation}
	err := s.db.QueryRow(
		`SELECT created_at, last_active_at FROM rooms WHERE conversation_id = ?`,
		conversationKey(conversation),
	).Scan(&room.CreatedAt, &room.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", conversation, err)
	}
	return &room, nil
}

func createRoomTx(tx *sql.Tx, conversation models.For, createdAt int64) (bool, error) {
	if createdAt == 0 {
		createdAt = nowUnixMilli()
	}

	res, err := tx.Exec(
		`INSERT INTO rooms (conversation_id, kind, target_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO NOTHING`,
		conversationKey(conversation),
		roomKind(conversation),
		conversation.ID,
		createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("create room %s: %w", conversation, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for room %s: %w", conversation, err)
	}
	return rowsAffected == 1, nil
}
