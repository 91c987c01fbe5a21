// Package source describes the messaging source that events are ingested
// from. Implementations live in sub-packages; the rest of the application
// only sees these interfaces.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type MediaKind string

const (
	MediaNone     MediaKind = "none"
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaOther    MediaKind = "other"
)

// RawEvent is one inbound message as delivered by the source.
type RawEvent struct {
	ID      int
	Channel string
	Text    string
	Date    time.Time // UTC
	Media   MediaKind

	// Handle is the client-specific message object needed to download media.
	Handle any
}

func (e RawEvent) HasPhoto() bool {
	return e.Media == MediaPhoto
}

// Entity is a resolved channel or group.
type Entity struct {
	Name   string
	ID     int64
	Handle any
}

type Credentials struct {
	AppID       int
	AppHash     string
	Phone       string
	Password    string
	SessionPath string
}

type ProxyConfig struct {
	Type     string `json:"type" yaml:"type"` // socks5 or http
	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
}

func (p ProxyConfig) Validate() error {
	if p.Type != "socks5" && p.Type != "http" {
		return fmt.Errorf("unsupported proxy type: %q", p.Type)
	}
	if p.Address == "" {
		return fmt.Errorf("proxy address is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", p.Port)
	}
	return nil
}

type Client interface {
	Connect(ctx context.Context, creds Credentials, proxy *ProxyConfig) (Session, error)
}

// MediaDownloader is the part of a Session the media fetcher needs.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, event RawEvent, destPath string) error
}

type Session interface {
	MediaDownloader

	ResolveEntity(ctx context.Context, name string) (Entity, error)
	// FetchMessages returns up to limit events posted at or after since,
	// oldest first.
	FetchMessages(ctx context.Context, entity Entity, limit int, since time.Time) ([]RawEvent, error)
	// Subscribe starts delivering live events for entity. A session carries
	// at most one subscription.
	Subscribe(ctx context.Context, entity Entity) (Subscription, error)
	Disconnect() error
	// Done is closed when the session drops.
	Done() <-chan struct{}
}

type Subscription interface {
	// Events may be closed when the subscription ends; consumers also watch
	// Session.Done.
	Events() <-chan RawEvent
	Close()
}

var (
	ErrAlreadySubscribed = errors.New("session already has an active subscription")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrNoMedia           = errors.New("event has no downloadable media")
)

// RateLimitError is returned when the source asks the caller to wait.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}
