// Package live keeps the most recent ingested messages in memory and fans
// them out to streaming clients.
package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lysyi3m/tg-comb/app/metrics"
)

const (
	DefaultCapacity  = 50
	DefaultQueueSize = 100

	subscriberBuffer = 16
)

// Notification is what the ingestion pipeline hands to consumers after a
// message has been stored.
type Notification struct {
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	ImagePath string `json:"image_path"`
	Timestamp string `json:"timestamp"`
}

type Buffer struct {
	queue    chan Notification
	capacity int

	mu      sync.RWMutex
	entries []Notification // oldest first
	subs    map[int]chan Notification
	nextSub int
}

func NewBuffer(capacity, queueSize int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Buffer{
		queue:    make(chan Notification, queueSize),
		capacity: capacity,
		entries:  make([]Notification, 0, capacity),
		subs:     make(map[int]chan Notification),
	}
}

// Publish enqueues n without blocking. It reports false when the queue is
// full and the notification was dropped.
func (b *Buffer) Publish(n Notification) bool {
	select {
	case b.queue <- n:
		return true
	default:
		metrics.LiveDropped.Inc()
		slog.Debug("Live queue full, notification dropped", "channel", n.Channel, "timestamp", n.Timestamp)
		return false
	}
}

// Serve drains the queue until ctx is canceled.
func (b *Buffer) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-b.queue:
			b.add(n)
		}
	}
}

func (b *Buffer) String() string {
	return "live-buffer"
}

// Recent returns the buffered notifications, newest first.
func (b *Buffer) Recent() []Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Notification, len(b.entries))
	for i, n := range b.entries {
		result[len(b.entries)-1-i] = n
	}
	return result
}

// Subscribe registers a stream of new notifications. Slow subscribers miss
// entries rather than stall the buffer. The returned func unsubscribes.
func (b *Buffer) Subscribe() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Notification, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Buffer) add(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, n)

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
