package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/lysyi3m/tg-comb/app/source"
)

var ErrNotListening = errors.New("channel is not being listened to")

const removeTimeout = 10 * time.Second

type entry struct {
	listener *Listener
	token    suture.ServiceToken
}

// Manager owns the set of channel listeners and runs them under a suture
// supervisor. Its methods are synchronous and safe to call from HTTP
// handlers and background tasks.
type Manager struct {
	client       source.Client
	creds        source.Credentials
	defaultProxy *source.ProxyConfig
	pipeline     Ingester
	sup          *suture.Supervisor

	mu        sync.Mutex
	listeners map[string]*entry
}

func NewManager(client source.Client, creds source.Credentials, defaultProxy *source.ProxyConfig, pipeline Ingester, sup *suture.Supervisor) *Manager {
	return &Manager{
		client:       client,
		creds:        creds,
		defaultProxy: defaultProxy,
		pipeline:     pipeline,
		sup:          sup,
		listeners:    make(map[string]*entry),
	}
}

// StartListening starts a listener for channel unless one is already
// running. A listener that stopped because its channel could not be
// resolved is replaced. It reports whether a new listener was started.
func (m *Manager) StartListening(channel string, proxy *source.ProxyConfig) bool {
	channel = channelKey(channel)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.listeners[channel]; ok {
		if e.listener.State() != StateStopped {
			return false
		}
		// suture already dropped the service after ErrDoNotRestart
		_ = m.sup.Remove(e.token)
	}

	if proxy == nil {
		proxy = m.defaultProxy
	}

	l := New(channel, m.client, m.creds, proxy, m.pipeline)
	m.listeners[channel] = &entry{listener: l, token: m.sup.Add(l)}

	slog.Info("Listener started", "channel", channel, "proxy", proxy != nil)
	return true
}

// StopListening stops the listener for channel and waits for it to
// disconnect.
func (m *Manager) StopListening(channel string) error {
	channel = channelKey(channel)

	m.mu.Lock()
	e, ok := m.listeners[channel]
	if ok {
		delete(m.listeners, channel)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotListening, channel)
	}

	if err := m.sup.RemoveAndWait(e.token, removeTimeout); err != nil && e.listener.State() != StateStopped {
		slog.Warn("Listener did not stop cleanly", "channel", channel, "error", err)
	}
	e.listener.setState(StateStopped)

	slog.Info("Listener stopped", "channel", channel)
	return nil
}

// TriggerBackfill runs a backfill for channel. The session of a subscribed
// listener is reused when there is one; otherwise a short-lived session is
// opened and closed around the run.
func (m *Manager) TriggerBackfill(ctx context.Context, channel string, limit int, since time.Time, proxy *source.ProxyConfig) (BackfillResult, error) {
	channel = channelKey(channel)
	if session := m.listenerSession(channel); session != nil {
		return Backfill(ctx, session, m.pipeline, channel, limit, since)
	}

	if proxy == nil {
		proxy = m.defaultProxy
	}

	session, err := m.client.Connect(ctx, m.creds, proxy)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			slog.Warn("Failed to disconnect backfill session", "channel", channel, "error", err)
		}
	}()

	return Backfill(ctx, session, m.pipeline, channel, limit, since)
}

func (m *Manager) Listeners() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]Status, 0, len(m.listeners))
	for _, e := range m.listeners {
		statuses = append(statuses, e.listener.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Channel < statuses[j].Channel })
	return statuses
}

func (m *Manager) listenerSession(channel string) source.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.listeners[channel]; ok {
		return e.listener.Session()
	}
	return nil
}

// channelKey is the name a listener is registered under. Telegram
// usernames are case-insensitive.
func channelKey(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "@"))
}
