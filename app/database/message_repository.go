package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

var ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")

var _ MessageRepository = (*MessageRepo)(nil)

// MessageRepo handles database operations for stored messages
type MessageRepo struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// InsertMessage stores msg unless another row already holds the same link.
// The first writer wins; a duplicate reports inserted=false without error.
func (r *MessageRepo) InsertMessage(ctx context.Context, msg NewMessage, imagePath string) (bool, error) {
	var inserted bool

	err := r.db.withWriteLock(ctx, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO messages (name, description, link, file_size, tags, timestamp, image_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (link) DO NOTHING
		`, msg.Name, msg.Description, nullString(msg.Link), msg.FileSize, msg.Tags, msg.Timestamp,
			nullString(imagePath))
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	return inserted, nil
}

// QueryRange returns messages stamped between startDate 00:00:00 and
// endDate 23:59:59 inclusive, newest first.
func (r *MessageRepo) QueryRange(ctx context.Context, startDate, endDate string) ([]Message, error) {
	if _, err := time.Parse(DateLayout, startDate); err != nil {
		return nil, fmt.Errorf("%w: start date %q", ErrInvalidDate, startDate)
	}
	if _, err := time.Parse(DateLayout, endDate); err != nil {
		return nil, fmt.Errorf("%w: end date %q", ErrInvalidDate, endDate)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(description, ''), COALESCE(link, ''),
		       COALESCE(file_size, ''), COALESCE(tags, ''), COALESCE(timestamp, ''),
		       COALESCE(image_path, '')
		FROM messages
		WHERE timestamp BETWEEN ? AND ?
		ORDER BY timestamp DESC, id DESC
	`, startDate+" 00:00:00", endDate+" 23:59:59")
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	return scanMessages(rows)
}

// GetRecent returns the latest limit messages by timestamp.
func (r *MessageRepo) GetRecent(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(description, ''), COALESCE(link, ''),
		       COALESCE(file_size, ''), COALESCE(tags, ''), COALESCE(timestamp, ''),
		       COALESCE(image_path, '')
		FROM messages
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}

	return scanMessages(rows)
}

func (r *MessageRepo) GetMessageCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get message count: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		err := rows.Scan(
			&msg.ID, &msg.Name, &msg.Description, &msg.Link,
			&msg.FileSize, &msg.Tags, &msg.Timestamp, &msg.ImagePath,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
