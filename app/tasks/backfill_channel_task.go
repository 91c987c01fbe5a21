package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/listener"
	"github.com/lysyi3m/tg-comb/app/source"
)

type BackfillChannelTask struct {
	channelTask
	Config  *channel.Config
	manager ListenerManager
}

func NewBackfillChannelTask(config *channel.Config, manager ListenerManager) *BackfillChannelTask {
	return &BackfillChannelTask{
		channelTask: newChannelTask(KindBackfillChannel, config.Username),
		Config:      config,
		manager:     manager,
	}
}

func (t *BackfillChannelTask) Execute(ctx context.Context) error {
	settings := t.Config.Backfill
	since := settings.Since(time.Now())

	result, err := t.manager.TriggerBackfill(ctx, t.Config.Username, settings.Limit, since, t.Config.Proxy)
	if err != nil {
		if errors.Is(err, source.ErrEntityNotFound) {
			t.failPermanently()
		}
		if errors.Is(err, listener.ErrRateLimited) {
			slog.Warn("Task rate limited", "task", t.Key(), "error", err)
		}
		return fmt.Errorf("failed to backfill channel %s: %w", t.channel, err)
	}

	t.logCompleted(
		"since", since.Format(time.DateOnly),
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"dropped", result.Dropped)
	return nil
}
