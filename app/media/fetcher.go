package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/lysyi3m/tg-comb/app/metrics"
	"github.com/lysyi3m/tg-comb/app/source"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
)

// Fetcher saves photos attached to inbound messages under a media
// directory. It never fails the caller: any fault yields an empty path.
type Fetcher struct {
	dir string
	cb  *gobreaker.CircuitBreaker[struct{}]
}

func NewFetcher(dir string) *Fetcher {
	return newFetcher(dir, DefaultFailureThreshold, DefaultOpenTimeout)
}

func newFetcher(dir string, threshold uint32, openTimeout time.Duration) *Fetcher {
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "media-download",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, source.ErrNoMedia) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Media circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Fetcher{dir: dir, cb: cb}
}

// Fetch downloads the photo of ev into <dir>/<channel>_<id>.jpg and returns
// that path. Message IDs are only unique within a channel.
// Messages without a photo, download failures and an open breaker all
// return "".
func (f *Fetcher) Fetch(ctx context.Context, downloader source.MediaDownloader, ev source.RawEvent) string {
	if !ev.HasPhoto() || downloader == nil {
		return ""
	}

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		slog.Error("Failed to create media directory", "dir", f.dir, "error", err)
		metrics.MediaDownloads.WithLabelValues("failed").Inc()
		return ""
	}

	path := filepath.Join(f.dir, fileName(ev))

	_, err := f.cb.Execute(func() (struct{}, error) {
		return struct{}{}, downloader.DownloadMedia(ctx, ev, path)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Debug("Media download skipped, circuit open", "channel", ev.Channel, "message_id", ev.ID)
			metrics.MediaDownloads.WithLabelValues("rejected").Inc()
			return ""
		}
		if errors.Is(err, source.ErrNoMedia) {
			return ""
		}
		slog.Warn("Failed to download media", "channel", ev.Channel, "message_id", ev.ID, "error", err)
		metrics.MediaDownloads.WithLabelValues("failed").Inc()
		return ""
	}

	slog.Debug("Media saved", "channel", ev.Channel, "message_id", ev.ID, "path", path)
	metrics.MediaDownloads.WithLabelValues("saved").Inc()

	return path
}

func fileName(ev source.RawEvent) string {
	channel := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimPrefix(ev.Channel, "@"))

	if channel == "" {
		return fmt.Sprintf("%d.jpg", ev.ID)
	}
	return fmt.Sprintf("%s_%d.jpg", channel, ev.ID)
}
