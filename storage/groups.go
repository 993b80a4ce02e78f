package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetGroupMembers replaces the member list of a group.
func (s *Store) SetGroupMembers(groupID string, members []string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	return s.withTx("set group members", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("clear members of group %q: %w", groupID, err)
		}
		for _, member := range members {
			if member == "" {
				continue
			}
			if _, err := tx.Exec(
				`INSERT INTO group_members (group_id, member_id) VALUES (?, ?)
				ON CONFLICT(group_id, member_id) DO NOTHING`,
				groupID,
				member,
			); err != nil {
				return fmt.Errorf("add member %q to group %q: %w", member, groupID, err)
			}
		}
		return nil
	})
}

// GroupMemberCount returns the number of known members of a group.
func (s *Store) GroupMemberCount(groupID string) (int, error) {
	if groupID == "" {
		return 0, errors.New("group_id is required")
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM group_members WHERE group_id = ?`,
		groupID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members of group %q: %w", groupID, err)
	}
	return count, nil
}

// GroupMembers returns the known members of a group.
func (s *Store) GroupMembers(groupID string) ([]string, error) {
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}

	rows, err := s.db.Query(
		`SELECT member_id FROM group_members WHERE group_id = ? ORDER BY member_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members of group %q: %w", groupID, err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("scan group member row: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group member rows: %w", err)
	}
	return members, nil
}
