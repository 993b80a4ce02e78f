package storage

import (
	"errors"
	"fmt"

	"msgpipe/models"
)

// SavePendingEvent stores an event that references a message not yet present.
// Saving the same (owner, original timestamp) pair again replaces the stored
// envelope but keeps the original creation time.
func (s *Store) SavePendingEvent(event models.PendingEvent) error {
	if event.OwnerMessageID == "" {
		return errors.New("owner_message_id is required")
	}
	if event.OriginalMessageTimestamp <= 0 {
		return errors.New("original timestamp must be > 0")
	}
	if len(event.RawEnvelope) == 0 {
		return errors.New("raw envelope is required")
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pending_messages (owner_message_id, original_timestamp, raw_envelope, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_message_id, original_timestamp) DO UPDATE SET raw_envelope = excluded.raw_envelope`,
		event.OwnerMessageID,
		event.OriginalMessageTimestamp,
		event.RawEnvelope,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save pending event for %q: %w", event.OwnerMessageID, err)
	}
	return nil
}

// ListPendingEvents returns all pending events, oldest first.
func (s *Store) ListPendingEvents() ([]models.PendingEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_message_id, original_timestamp, raw_envelope, created_at
		FROM pending_messages
		ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	events := make([]models.PendingEvent, 0)
	for rows.Next() {
		var event models.PendingEvent
		if err := rows.Scan(
			&event.ID,
			&event.OwnerMessageID,
			&event.OriginalMessageTimestamp,
			&event.RawEnvelope,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending event rows: %w", err)
	}
	return events, nil
}

// DeletePendingEvent removes one pending event by id.
func (s *Store) DeletePendingEvent(id int64) error {
	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending event %d: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for pending event %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingByOriginal removes all pending events waiting on a timestamp.
func (s *Store) DeletePendingByOriginal(originalTimestamp int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE original_timestamp = ?`, originalTimestamp)
	if err != nil {
		return 0, fmt.Errorf("delete pending events for %d: %w", originalTimestamp, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pending delete: %w", err)
	}
	return rowsAffected, nil
}

// PrunePendingOlderThan removes pending events created before cutoff.
func (s *Store) PrunePendingOlderThan(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pending_messages WHERE created_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pending events: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pending prune: %w", err)
	}
	return rowsAffected, nil
}
