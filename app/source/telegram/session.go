package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/lysyi3m/tg-comb/app/source"
)

const (
	historyPageSize   = 100
	defaultFetchLimit = 100
	subscriptionQueue = 64
	disconnectTimeout = 10 * time.Second
)

var _ source.Session = (*Session)(nil)

type Session struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	api        *tg.Client
	downloader *downloader.Downloader
	sub        *subscription
	runErr     error
}

func newSession() *Session {
	return &Session{done: make(chan struct{})}
}

func (s *Session) ready(api *tg.Client, d *downloader.Downloader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.api = api
	s.downloader = d
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.runErr = err
	}
	sub := s.sub
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	close(s.done)
}

func (s *Session) client() *tg.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.api
}

func (s *Session) ResolveEntity(ctx context.Context, name string) (source.Entity, error) {
	username := strings.TrimPrefix(name, "@")

	resolved, err := s.client().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return source.Entity{}, fmt.Errorf("%w: %s", source.ErrEntityNotFound, name)
		}
		return source.Entity{}, mapError(err)
	}

	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return source.Entity{}, fmt.Errorf("%w: %s is not a channel", source.ErrEntityNotFound, name)
	}

	for _, chat := range resolved.Chats {
		if channel, ok := chat.(*tg.Channel); ok && channel.ID == peer.ChannelID {
			return source.Entity{
				Name: username,
				ID:   channel.ID,
				Handle: &tg.InputPeerChannel{
					ChannelID:  channel.ID,
					AccessHash: channel.AccessHash,
				},
			}, nil
		}
	}

	return source.Entity{}, fmt.Errorf("%w: %s", source.ErrEntityNotFound, name)
}

// FetchMessages pages through the channel history starting at since and
// returns at most limit messages, oldest first.
func (s *Session) FetchMessages(ctx context.Context, entity source.Entity, limit int, since time.Time) ([]source.RawEvent, error) {
	peer, ok := entity.Handle.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("entity %s was not resolved by this client", entity.Name)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	api := s.client()
	events := make([]source.RawEvent, 0, limit)
	offsetDate := int(since.Unix())
	offsetID := 0
	lastID := 0

	for len(events) < limit {
		page := min(historyPageSize, limit-len(events))

		res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:       peer,
			OffsetID:   offsetID,
			OffsetDate: offsetDate,
			AddOffset:  -page,
			Limit:      page,
		})
		if err != nil {
			return nil, mapError(err)
		}

		messages := historyMessages(res)
		sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })

		added := 0
		for _, msg := range messages {
			if msg.ID <= lastID || int64(msg.Date) < since.Unix() {
				continue
			}
			events = append(events, convertMessage(entity.Name, msg))
			lastID = msg.ID
			added++
			if len(events) == limit {
				break
			}
		}

		if added == 0 || len(messages) < page {
			break
		}
		offsetID = lastID + 1
		offsetDate = 0
	}

	return events, nil
}

func (s *Session) Subscribe(ctx context.Context, entity source.Entity) (source.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil, source.ErrAlreadySubscribed
	}

	s.sub = &subscription{
		channelID: entity.ID,
		channel:   entity.Name,
		events:    make(chan source.RawEvent, subscriptionQueue),
		closed:    make(chan struct{}),
	}
	return s.sub, nil
}

func (s *Session) deliver(ctx context.Context, msg *tg.Message) {
	peer, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}

	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	if sub == nil || sub.channelID != peer.ChannelID {
		return
	}

	select {
	case sub.events <- convertMessage(sub.channel, msg):
	case <-sub.closed:
	case <-ctx.Done():
	}
}

func (s *Session) DownloadMedia(ctx context.Context, ev source.RawEvent, destPath string) error {
	msg, ok := ev.Handle.(*tg.Message)
	if !ok {
		return source.ErrNoMedia
	}
	media, ok := msg.GetMedia()
	if !ok {
		return source.ErrNoMedia
	}
	photoMedia, ok := media.(*tg.MessageMediaPhoto)
	if !ok {
		return source.ErrNoMedia
	}
	photoClass, ok := photoMedia.GetPhoto()
	if !ok {
		return source.ErrNoMedia
	}
	photo, ok := photoClass.(*tg.Photo)
	if !ok {
		return source.ErrNoMedia
	}

	location := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     largestPhotoSize(photo.Sizes),
	}

	s.mu.Lock()
	api, d := s.api, s.downloader
	s.mu.Unlock()

	if _, err := d.Download(api, location).ToPath(ctx, destPath); err != nil {
		return mapError(err)
	}
	return nil
}

// Disconnect stops the client and waits for it to shut down.
func (s *Session) Disconnect() error {
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(disconnectTimeout):
		return fmt.Errorf("telegram client did not stop within %s", disconnectTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

type subscription struct {
	channelID int64
	channel   string
	events    chan source.RawEvent
	closed    chan struct{}
	once      sync.Once
}

func (s *subscription) Events() <-chan source.RawEvent {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

func mapError(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &source.RateLimitError{Wait: wait}
	}
	return err
}
