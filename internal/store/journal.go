package store

import (
	"context"
	"fmt"
	"time"
)

// JournalEntry is one queue lifecycle event.
type JournalEntry struct {
	Seq      int64     `json:"seq"`
	Key      string    `json:"key"`
	OpID     string    `json:"opId"`
	Event    string    `json:"event"`
	Attempts int       `json:"attempts"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Append adds an entry to the journal. Seq and At are assigned by the store.
func (s *Store) Append(ctx context.Context, e JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (key, op_id, event, attempts, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Key, e.OpID, e.Event, e.Attempts, e.Detail, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Journal returns entries for key with seq greater than after, oldest first.
// limit <= 0 returns everything.
func (s *Store) Journal(ctx context.Context, key string, after int64, limit int) ([]JournalEntry, error) {
	query := `
		SELECT seq, key, op_id, event, attempts, detail, at
		FROM journal
		WHERE key = ? AND seq > ?
		ORDER BY seq ASC`
	args := []any{key, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e  JournalEntry
			at string
		)
		if err := rows.Scan(&e.Seq, &e.Key, &e.OpID, &e.Event, &e.Attempts, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("read journal: parse time %q: %w", at, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}
