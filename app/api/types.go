package api

import (
	"context"
	"time"

	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/database"
	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/live"
	"github.com/lysyi3m/tg-comb/app/message"
	"github.com/lysyi3m/tg-comb/app/source"
)

const (
	defaultRangeDays     = 7
	defaultBackfillLimit = 100
	maxBackfillLimit     = 1000
)

type GeneratorInterface interface {
	Run(info message.FeedInfo, messages []database.Message) (string, error)
}

var _ GeneratorInterface = (*message.Generator)(nil)

type FeedFilter interface {
	Run(messages []database.Message) []database.Message
}

var _ FeedFilter = (*message.Filterer)(nil)

type ListenerManager interface {
	StartListening(channel string, proxy *source.ProxyConfig) bool
	StopListening(channel string) error
	TriggerBackfill(ctx context.Context, channel string, limit int, since time.Time, proxy *source.ProxyConfig) (listener.BackfillResult, error)
	Listeners() []listener.Status
}

var _ ListenerManager = (*listener.Manager)(nil)

type LiveFeed interface {
	Recent() []live.Notification
	Subscribe() (<-chan live.Notification, func())
}

var _ LiveFeed = (*live.Buffer)(nil)

type Handler struct {
	repo           database.MessageRepository
	generator      GeneratorInterface
	filterer       FeedFilter
	manager        ListenerManager
	live           LiveFeed
	configCache    *channel.ConfigCache
	defaultChannel string
	baseURL        string
}

type listenRequest struct {
	Channel string              `json:"channel"`
	Proxy   *source.ProxyConfig `json:"proxy"`
}

type backfillRequest struct {
	Channel string              `json:"channel"`
	Limit   int                 `json:"limit"`
	Since   string              `json:"since"` // YYYY-MM-DD, defaults to a week ago
	Proxy   *source.ProxyConfig `json:"proxy"`
}
