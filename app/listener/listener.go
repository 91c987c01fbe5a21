package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lysyi3m/tg-comb/app/ingest"
	"github.com/lysyi3m/tg-comb/app/metrics"
	"github.com/lysyi3m/tg-comb/app/source"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

var errConnectionLost = errors.New("connection lost")

type Ingester interface {
	Ingest(ctx context.Context, downloader source.MediaDownloader, ev source.RawEvent) ingest.Outcome
}

// Listener keeps one live subscription to a channel and feeds every event
// through the ingestion pipeline, one at a time. It is a suture service:
// transient failures return an error and the supervisor restarts it after
// the listener's own reconnect delay.
type Listener struct {
	channel  string
	client   source.Client
	creds    source.Credentials
	proxy    *source.ProxyConfig
	pipeline Ingester

	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.RWMutex
	state    State
	session  source.Session
	failures int
	lastErr  error
	// retryAfter is the wait the source asked for on the last failure.
	retryAfter time.Duration
	received int
	since    time.Time
}

func New(channel string, client source.Client, creds source.Credentials, proxy *source.ProxyConfig, pipeline Ingester) *Listener {
	l := &Listener{
		channel:   channel,
		client:    client,
		creds:     creds,
		proxy:     proxy,
		pipeline:  pipeline,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		state:     StateDisconnected,
		since:     time.Now(),
	}
	reportState(channel, StateDisconnected)
	return l
}

func (l *Listener) Serve(ctx context.Context) error {
	if delay := l.reconnectDelay(); delay > 0 {
		metrics.ListenerReconnects.WithLabelValues(l.channel).Inc()
		slog.Info("Reconnecting listener", "channel", l.channel, "delay", delay)

		select {
		case <-ctx.Done():
			l.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	err := l.run(ctx)
	if ctx.Err() != nil {
		l.setState(StateDisconnected)
		return ctx.Err()
	}

	if errors.Is(err, source.ErrEntityNotFound) {
		slog.Error("Channel cannot be resolved, listener stopped", "channel", l.channel, "error", err)
		l.fail(err, StateStopped)
		return suture.ErrDoNotRestart
	}

	slog.Warn("Listener disconnected", "channel", l.channel, "error", err)
	l.fail(err, StateDisconnected)
	return err
}

func (l *Listener) String() string {
	return "listener:" + l.channel
}

func (l *Listener) run(ctx context.Context) error {
	l.setState(StateConnecting)

	session, err := l.client.Connect(ctx, l.creds, l.proxy)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		l.setSession(nil)
		if err := session.Disconnect(); err != nil {
			slog.Warn("Failed to disconnect session", "channel", l.channel, "error", err)
		}
	}()

	entity, err := session.ResolveEntity(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.channel, err)
	}

	sub, err := session.Subscribe(ctx, entity)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	defer sub.Close()

	l.subscribed(session)
	slog.Info("Listening to channel", "channel", l.channel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-session.Done():
			return errConnectionLost
		case ev, ok := <-sub.Events():
			if !ok {
				return errConnectionLost
			}
			l.countReceived()
			// A stop must not abort a write that is already in flight.
			l.pipeline.Ingest(context.WithoutCancel(ctx), session, ev)
		}
	}
}

// reconnectDelay is zero for the first attempt, then doubles from baseDelay
// up to maxDelay for each consecutive failure. A rate limit reported by the
// source is always waited out in full, even past maxDelay.
func (l *Listener) reconnectDelay() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.failures == 0 {
		return 0
	}
	delay := l.baseDelay
	for i := 1; i < l.failures && delay < l.maxDelay; i++ {
		delay *= 2
	}
	return max(min(delay, l.maxDelay), l.retryAfter)
}

func (l *Listener) fail(err error, state State) {
	l.mu.Lock()
	l.failures++
	l.lastErr = err
	l.retryAfter, _ = rateLimitWait(err)
	l.mu.Unlock()

	l.setState(state)
}

func (l *Listener) subscribed(session source.Session) {
	l.mu.Lock()
	l.session = session
	l.failures = 0
	l.lastErr = nil
	l.retryAfter = 0
	l.mu.Unlock()

	l.setState(StateSubscribed)
}

func (l *Listener) setSession(session source.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = session
}

func (l *Listener) setState(state State) {
	l.mu.Lock()
	previous := l.state
	l.state = state
	if state != previous {
		l.since = time.Now()
	}
	l.mu.Unlock()

	if state != previous {
		slog.Debug("Listener state changed", "channel", l.channel, "from", previous, "to", state)
		reportState(l.channel, state)
	}
}

func (l *Listener) countReceived() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received++
}

func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Session returns the connected session while subscribed, nil otherwise.
func (l *Listener) Session() source.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateSubscribed {
		return nil
	}
	return l.session
}

type Status struct {
	Channel   string    `json:"channel"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Received  int       `json:"received"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

func (l *Listener) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	status := Status{
		Channel:  l.channel,
		State:    l.state,
		Since:    l.since,
		Received: l.received,
		Failures: l.failures,
	}
	if l.lastErr != nil {
		status.LastError = l.lastErr.Error()
	}
	return status
}
