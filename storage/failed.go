package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"msgpipe/models"
)

// SaveFailedEnvelopes records every envelope of a failed batch in one
// transaction. An envelope that is already recorded keeps its creation time.
func (s *Store) SaveFailedEnvelopes(envelopes []models.FailedEnvelope) error {
	for _, env := range envelopes {
		if env.MessageID == "" {
			return errors.New("message_id is required")
		}
		if len(env.RawEnvelope) == 0 {
			return fmt.Errorf("failed envelope %q: raw envelope is required", env.MessageID)
		}
	}
	if len(envelopes) == 0 {
		return nil
	}

	now := nowUnixMilli()
	return s.withTx("save failed envelopes", func(tx *sql.Tx) error {
		for _, env := range envelopes {
			createdAt := env.CreatedAt
			if createdAt == 0 {
				createdAt = now
			}
			if _, err := tx.Exec(
				`INSERT INTO failed_messages (message_id, timestamp, raw_envelope, created_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(message_id) DO UPDATE SET raw_envelope = excluded.raw_envelope`,
				env.MessageID,
				env.Timestamp,
				env.RawEnvelope,
				createdAt,
			); err != nil {
				return fmt.Errorf("save failed envelope %q: %w", env.MessageID, err)
			}
		}
		return nil
	})
}

// ListFailedEnvelopes returns all recorded failed envelopes, oldest first.
func (s *Store) ListFailedEnvelopes() ([]models.FailedEnvelope, error) {
	rows, err := s.db.Query(
		`SELECT message_id, timestamp, raw_envelope, created_at
		FROM failed_messages
		ORDER BY timestamp ASC, message_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed envelopes: %w", err)
	}
	defer rows.Close()

	envelopes := make([]models.FailedEnvelope, 0)
	for rows.Next() {
		var env models.FailedEnvelope
		if err := rows.Scan(&env.MessageID, &env.Timestamp, &env.RawEnvelope, &env.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed envelope row: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed envelope rows: %w", err)
	}
	return envelopes, nil
}

// DeleteFailedEnvelopes removes recorded envelopes by message id.
func (s *Store) DeleteFailedEnvelopes(messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	res, err := s.db.Exec(
		`DELETE FROM failed_messages WHERE message_id IN (`+placeholders(len(messageIDs))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("delete failed envelopes: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for failed delete: %w", err)
	}
	return rowsAffected, nil
}

// PruneFailedOlderThan removes failed envelopes recorded before cutoff.
func (s *Store) PruneFailedOlderThan(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM failed_messages WHERE created_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune failed envelopes: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for failed prune: %w", err)
	}
	return rowsAffected, nil
}
