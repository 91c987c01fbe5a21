package tasks

import (
	"context"

	"github.com/lysyi3m/tg-comb/app/channel"
)

type StartListenerTask struct {
	channelTask
	Config  *channel.Config
	manager ListenerManager
}

func NewStartListenerTask(config *channel.Config, manager ListenerManager) *StartListenerTask {
	return &StartListenerTask{
		channelTask: newChannelTask(KindStartListener, config.Username),
		Config:      config,
		manager:     manager,
	}
}

func (t *StartListenerTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	started := t.manager.StartListening(t.Config.Username, t.Config.Proxy)

	t.logCompleted("started", started)
	return nil
}
