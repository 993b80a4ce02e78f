package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"msgpipe/models"
)

// UpsertReaction applies a reaction add or remove. A change is only applied
// when its timestamp is newer than the stored reaction of the same uid and
// emoji. It reports whether the store changed.
func (s *Store) UpsertReaction(reaction models.ReactionRecord, remove bool) (bool, error) {
	if reaction.MessageID == "" {
		return false, errors.New("message_id is required")
	}
	if reaction.Emoji == "" {
		return false, errors.New("emoji is required")
	}
	if reaction.UID == "" {
		return false, errors.New("uid is required")
	}

	var changed bool
	err := s.withTx("upsert reaction", func(tx *sql.Tx) error {
		var stored int64
		err := tx.QueryRow(
			`SELECT origin_timestamp FROM reactions WHERE message_id = ? AND emoji = ? AND uid = ?`,
			reaction.MessageID,
			reaction.Emoji,
			reaction.UID,
		).Scan(&stored)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("read reaction on %q: %w", reaction.MessageID, err)
		}
		if exists && stored >= reaction.Timestamp {
			return nil
		}

		if remove {
			if !exists {
				return nil
			}
			if _, err := tx.Exec(
				`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND uid = ?`,
				reaction.MessageID,
				reaction.Emoji,
				reaction.UID,
			); err != nil {
				return fmt.Errorf("remove reaction on %q: %w", reaction.MessageID, err)
			}
			changed = true
			return nil
		}

		if _, err := tx.Exec(
			`INSERT INTO reactions (message_id, emoji, uid, origin_timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, emoji, uid) DO UPDATE SET origin_timestamp = excluded.origin_timestamp`,
			reaction.MessageID,
			reaction.Emoji,
			reaction.UID,
			reaction.Timestamp,
		); err != nil {
			return fmt.Errorf("upsert reaction on %q: %w", reaction.MessageID, err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// ListReactions returns the reactions on a message.
func (s *Store) ListReactions(messageID string) ([]models.ReactionRecord, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	rows, err := s.db.Query(
		`SELECT message_id, emoji, uid, origin_timestamp
		FROM reactions
		WHERE message_id = ?
		ORDER BY origin_timestamp ASC, uid ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list reactions of %q: %w", messageID, err)
	}
	defer rows.Close()

	reactions := make([]models.ReactionRecord, 0)
	for rows.Next() {
		var r models.ReactionRecord
		if err := rows.Scan(&r.MessageID, &r.Emoji, &r.UID, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan reaction row: %w", err)
		}
		reactions = append(reactions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction rows: %w", err)
	}
	return reactions, nil
}
