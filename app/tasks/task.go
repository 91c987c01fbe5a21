package tasks

import (
	"context"
	"log/slog"
	"time"
)

type TaskKind string

const (
	KindStartListener   TaskKind = "start_listener"
	KindBackfillChannel TaskKind = "backfill_channel"
)

// DefaultMaxRetries is how many times a failed channel task is re-run.
const DefaultMaxRetries = 3

// TaskInterface is a unit of work for one channel. The scheduler calls
// BeginAttempt before every Execute and asks Retryable after a failure.
type TaskInterface interface {
	Execute(ctx context.Context) error
	Kind() TaskKind
	Channel() string
	Key() string
	Attempts() int
	BeginAttempt()
	Retryable() bool
}

// channelTask carries the attempt bookkeeping shared by the channel tasks.
type channelTask struct {
	kind       TaskKind
	channel    string
	maxRetries int

	attempts     int
	attemptStart time.Time
	permanent    bool
}

func newChannelTask(kind TaskKind, channel string) channelTask {
	return channelTask{kind: kind, channel: channel, maxRetries: DefaultMaxRetries}
}

func (t *channelTask) Kind() TaskKind {
	return t.kind
}

func (t *channelTask) Channel() string {
	return t.channel
}

// Key identifies the task in logs, e.g. "backfill_channel:share".
func (t *channelTask) Key() string {
	return string(t.kind) + ":" + t.channel
}

func (t *channelTask) Attempts() int {
	return t.attempts
}

func (t *channelTask) BeginAttempt() {
	t.attempts++
	t.attemptStart = time.Now()
}

func (t *channelTask) Retryable() bool {
	return !t.permanent && t.attempts <= t.maxRetries
}

// failPermanently stops further retries of a failure that cannot recover,
// such as a channel that does not exist.
func (t *channelTask) failPermanently() {
	t.permanent = true
}

func (t *channelTask) logCompleted(attrs ...any) {
	attrs = append([]any{
		"type", t.kind,
		"channel", t.channel,
		"attempt", t.attempts,
		"duration", time.Since(t.attemptStart),
	}, attrs...)
	slog.Info("Task completed", attrs...)
}
