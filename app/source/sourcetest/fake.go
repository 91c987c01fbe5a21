// Package sourcetest provides an in-memory messaging source for tests.
package sourcetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/tg-comb/app/source"
)

var _ source.Client = (*Client)(nil)
var _ source.Session = (*Session)(nil)

type Client struct {
	mu       sync.Mutex
	history  map[string][]source.RawEvent
	sessions []*Session

	ConnectErr  error
	ResolveErr  error
	FetchErr    error
	DownloadErr error
	// DisconnectErr is returned by every session's Disconnect.
	DisconnectErr error
}

func NewClient() *Client {
	return &Client{history: make(map[string][]source.RawEvent)}
}

// AddChannel makes a channel resolvable and appends historical events to it.
func (c *Client) AddChannel(channel string, events ...source.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range events {
		events[i].Channel = channel
	}
	c.history[channel] = append(c.history[channel], events...)
}

func (c *Client) Connect(ctx context.Context, creds source.Credentials, proxy *source.ProxyConfig) (source.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}

	s := &Session{client: c, done: make(chan struct{}), Proxy: proxy}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// SetConnectErr changes the Connect failure while sessions may be dialing.
func (c *Client) SetConnectErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ConnectErr = err
}

func (c *Client) SetResolveErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResolveErr = err
}

func (c *Client) SetDownloadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DownloadErr = err
}

func (c *Client) ConnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Client) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// Publish delivers a live event to the session subscribed to channel.
func (c *Client) Publish(ctx context.Context, channel string, event source.RawEvent) error {
	event.Channel = channel
	for _, s := range c.Sessions() {
		sub := s.subscription()
		if sub == nil || sub.channel != channel {
			continue
		}
		select {
		case sub.events <- event:
			return nil
		case <-sub.closed:
			return fmt.Errorf("subscription for %s closed", channel)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("no subscription for %s", channel)
}

// WaitSubscribed polls until some session is subscribed to channel.
func (c *Client) WaitSubscribed(channel string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range c.Sessions() {
			if sub := s.subscription(); sub != nil && sub.channel == channel {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

type Session struct {
	client *Client
	Proxy  *source.ProxyConfig

	mu           sync.Mutex
	sub          *Subscription
	done         chan struct{}
	disconnected bool
	downloads    []string
}

func (s *Session) ResolveEntity(ctx context.Context, name string) (source.Entity, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	if s.client.ResolveErr != nil {
		return source.Entity{}, s.client.ResolveErr
	}
	if _, ok := s.client.history[name]; !ok {
		return source.Entity{}, fmt.Errorf("%w: %s", source.ErrEntityNotFound, name)
	}
	return source.Entity{Name: name}, nil
}

func (s *Session) FetchMessages(ctx context.Context, entity source.Entity, limit int, since time.Time) ([]source.RawEvent, error) {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	if s.client.FetchErr != nil {
		return nil, s.client.FetchErr
	}

	var events []source.RawEvent
	for _, ev := range s.client.history[entity.Name] {
		if !ev.Date.Before(since) {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Date.Before(events[j].Date) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Session) Subscribe(ctx context.Context, entity source.Entity) (source.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil, source.ErrAlreadySubscribed
	}
	s.sub = &Subscription{
		channel: entity.Name,
		events:  make(chan source.RawEvent),
		closed:  make(chan struct{}),
	}
	return s.sub, nil
}

func (s *Session) DownloadMedia(ctx context.Context, event source.RawEvent, destPath string) error {
	s.client.mu.Lock()
	downloadErr := s.client.DownloadErr
	s.client.mu.Unlock()

	if downloadErr != nil {
		return downloadErr
	}
	if !event.HasPhoto() {
		return source.ErrNoMedia
	}
	if err := os.WriteFile(destPath, []byte(fmt.Sprintf("photo-%d", event.ID)), 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	s.downloads = append(s.downloads, destPath)
	s.mu.Unlock()
	return nil
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disconnected {
		s.disconnected = true
		close(s.done)
		if s.sub != nil {
			s.sub.Close()
		}
	}
	return s.client.DisconnectErr
}

// Drop simulates the connection going away underneath the session.
func (s *Session) Drop() {
	_ = s.Disconnect()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *Session) Downloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.downloads...)
}

func (s *Session) subscription() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return nil
	}
	return s.sub
}

type Subscription struct {
	channel string
	events  chan source.RawEvent
	closed  chan struct{}
	once    sync.Once
}

func (s *Subscription) Events() <-chan source.RawEvent {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}
