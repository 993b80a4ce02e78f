package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"msgpipe/models"
)

// GetReadPosition returns the stored read position of sender in a conversation.
func (s *Store) GetReadPosition(conversation models.For, senderID string) (*models.ReadPosition, error) {
	if err := validateConversation(conversation); err != nil {
		return nil, err
	}
	if senderID == "" {
		return nil, errors.New("sender_id is required")
	}

	position := models.ReadPosition{ConversationID: conversationKey(conversation), SenderID: senderID}
	err := s.db.QueryRow(
		`SELECT position FROM read_positions WHERE conversation_id = ? AND sender_id = ?`,
		position.ConversationID,
		senderID,
	).Scan(&position.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get read position of %q in %s: %w", senderID, conversation, err)
	}
	return &position, nil
}

// UpsertReadPositionIfGreater stores position only if it is strictly greater
// than the stored one. It reports whether the position advanced.
func (s *Store) UpsertReadPositionIfGreater(conversation models.For, senderID string, position int64) (bool, error) {
	if err := validateConversation(conversation); err != nil {
		return false, err
	}
	if senderID == "" {
		return false, errors.New("sender_id is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO read_positions (conversation_id, sender_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, sender_id) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
		WHERE excluded.position > read_positions.position`,
		conversationKey(conversation),
		senderID,
		position,
		nowUnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("upsert read position of %q in %s: %w", senderID, conversation, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for read position: %w", err)
	}
	return rowsAffected == 1, nil
}
