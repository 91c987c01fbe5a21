package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/source"
)

// ListenerManager is the part of listener.Manager the tasks drive.
type ListenerManager interface {
	StartListening(channel string, proxy *source.ProxyConfig) bool
	TriggerBackfill(ctx context.Context, channel string, limit int, since time.Time, proxy *source.ProxyConfig) (listener.BackfillResult, error)
}
