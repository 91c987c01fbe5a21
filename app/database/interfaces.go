package database

import "context"

// NewMessage is the extracted record handed to the store.
type NewMessage struct {
	Name        string
	Description string
	Link        string // natural key; empty is stored as NULL and never collides
	FileSize    string
	Tags        string
	Timestamp   string
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, msg NewMessage, imagePath string) (bool, error)
	QueryRange(ctx context.Context, startDate, endDate string) ([]Message, error)
	GetRecent(ctx context.Context, limit int) ([]Message, error)
	GetMessageCount(ctx context.Context) (int, error)
}
