package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"msgpipe/models"
)

const messageColumns = `
			message_id,
			conversation_id,
			from_who,
			timestamp,
			system_show_timestamp,
			received_timestamp,
			sequence_id,
			notify_sequence_id,
			body,
			attachments,
			mode,
			expires_in_seconds,
			receiver_ids,
			placeholder`

// InsertMessagesIfAbsent inserts messages in one transaction, skipping ids that
// already exist. The room of each message is created if needed. It returns the
// ids that were newly inserted, in input order.
func (s *Store) InsertMessagesIfAbsent(messages []models.Message) ([]string, error) {
	for _, message := range messages {
		if err := validateMessage(message); err != nil {
			return nil, err
		}
	}
	if len(messages) == 0 {
		return nil, nil
	}

	inserted := make([]string, 0, len(messages))
	err := s.withTx("insert messages", func(tx *sql.Tx) error {
		for _, message := range messages {
			if message.ReceivedTimestamp == 0 {
				message.ReceivedTimestamp = nowUnixMilli()
			}
			if _, err := createRoomTx(tx, message.Conversation, message.ReceivedTimestamp); err != nil {
				return err
			}

			attachments, err := marshalJSONColumn(nonNilAttachments(message.Attachments), "attachments")
			if err != nil {
				return err
			}
			receivers, err := marshalJSONColumn(nonNilStrings(message.ReceiverIDs), "receiver_ids")
			if err != nil {
				return err
			}

			res, err := tx.Exec(
				`INSERT INTO messages (`+messageColumns+`
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(message_id) DO NOTHING`,
				message.ID,
				conversationKey(message.Conversation),
				message.FromWho,
				message.TimeStamp,
				message.SystemShowTimestamp,
				message.ReceivedTimestamp,
				message.SequenceID,
				message.NotifySequenceID,
				message.Body,
				attachments,
				int(message.Mode),
				message.ExpiresInSeconds,
				receivers,
				boolToInt(message.Placeholder),
			)
			if err != nil {
				return fmt.Errorf("insert message %q: %w", message.ID, err)
			}
			rowsAffected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read rows affected for message %q: %w", message.ID, err)
			}
			if rowsAffected == 0 {
				continue
			}
			inserted = append(inserted, message.ID)

			if _, err := tx.Exec(
				`UPDATE rooms SET last_active_at = MAX(last_active_at, ?) WHERE conversation_id = ?`,
				message.SystemShowTimestamp,
				conversationKey(message.Conversation),
			); err != nil {
				return fmt.Errorf("touch room for message %q: %w", message.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetMessageByTimestamp returns the message with the given sender timestamp
// in a conversation.
func (s *Store) GetMessageByTimestamp(conversation models.For, timestamp int64) (*models.Message, error) {
	if err := validateConversation(conversation); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp = ?
		ORDER BY system_show_timestamp ASC
		LIMIT 1`,
		conversationKey(conversation),
		timestamp,
	)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message at %d in %s: %w", timestamp, conversation, err)
	}
	return message, nil
}

// MessagesExistByTimestamp reports which of the given sender timestamps have
// at least one stored message.
func (s *Store) MessagesExistByTimestamp(timestamps []int64) (map[int64]bool, error) {
	found := make(map[int64]bool, len(timestamps))
	if len(timestamps) == 0 {
		return found, nil
	}

	args := make([]any, len(timestamps))
	for i, ts := range timestamps {
		args[i] = ts
	}
	rows, err := s.db.Query(
		`SELECT DISTINCT timestamp FROM messages WHERE timestamp IN (`+placeholders(len(timestamps))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("check message timestamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan message timestamp: %w", err)
		}
		found[ts] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message timestamps: %w", err)
	}
	return found, nil
}

// ListMessages returns conversation messages ordered by display time.
func (s *Store) ListMessages(conversation models.For, limit, offset int) ([]models.Message, error) {
	if err := validateConversation(conversation); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY system_show_timestamp ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		conversationKey(conversation),
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversation, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// DeleteMessage removes a message and its reactions.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	return s.withTx("delete message", func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
		if err != nil {
			return fmt.Errorf("delete message %q: %w", messageID, err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for delete message %q: %w", messageID, err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(`DELETE FROM reactions WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("delete reactions of message %q: %w", messageID, err)
		}
		return nil
	})
}

// ConvertToPlaceholder irreversibly redacts a message's content. Converting a
// message that is already a placeholder is a no-op.
func (s *Store) ConvertToPlaceholder(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET placeholder = 1, body = '', attachments = '[]'
		WHERE message_id = ?`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("convert message %q to placeholder: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for placeholder %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateReadInfoJSON records that reader read the message at readAt and
// returns the merged read info. An earlier readAt never replaces a later one.
func (s *Store) UpdateReadInfoJSON(messageID, reader string, readAt int64) (ReadInfo, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}
	if reader == "" {
		return nil, errors.New("reader is required")
	}

	var merged ReadInfo
	err := s.withTx("update read info", func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRow(`SELECT read_info FROM messages WHERE message_id = ?`, messageID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read read_info of %q: %w", messageID, err)
		}

		merged = ReadInfo{}
		if err := unmarshalJSONColumn(raw, &merged, "read_info"); err != nil {
			return err
		}
		if readAt > merged[reader] {
			merged[reader] = readAt
		}

		encoded, err := marshalJSONColumn(merged, "read_info")
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE messages SET read_info = ? WHERE message_id = ?`, encoded, messageID); err != nil {
			return fmt.Errorf("write read_info of %q: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message     models.Message
		convKey     string
		attachments string
		receivers   string
		mode        int
		placeholder int
	)

	if err := row.Scan(
		&message.ID,
		&convKey,
		&message.FromWho,
		&message.TimeStamp,
		&message.SystemShowTimestamp,
		&message.ReceivedTimestamp,
		&message.SequenceID,
		&message.NotifySequenceID,
		&message.Body,
		&attachments,
		&mode,
		&message.ExpiresInSeconds,
		&receivers,
		&placeholder,
	); err != nil {
		return nil, err
	}

	conversation, err := parseConversationKey(convKey)
	if err != nil {
		return nil, err
	}
	message.Conversation = conversation
	message.Mode = models.Mode(mode)
	message.Placeholder = placeholder == 1
	if err := unmarshalJSONColumn(attachments, &message.Attachments, "attachments"); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(receivers, &message.ReceiverIDs, "receiver_ids"); err != nil {
		return nil, err
	}
	if len(message.Attachments) == 0 {
		message.Attachments = nil
	}
	if len(message.ReceiverIDs) == 0 {
		message.ReceiverIDs = nil
	}
	return &message, nil
}

func validateMessage(message models.Message) error {
	if message.ID == "" {
		return errors.New("message id is required")
	}
	if message.FromWho == "" {
		return errors.New("from_who is required")
	}
	if message.TimeStamp <= 0 {
		return fmt.Errorf("message %q: timestamp must be > 0", message.ID)
	}
	return validateConversation(message.Conversation)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNilAttachments(v []models.Attachment) []models.Attachment {
	if v == nil {
		return []models.Attachment{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
