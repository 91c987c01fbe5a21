package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/tg-comb/app/database"
	"github.com/lysyi3m/tg-comb/app/live"
	"github.com/lysyi3m/tg-comb/app/message"
	"github.com/lysyi3m/tg-comb/app/metrics"
	"github.com/lysyi3m/tg-comb/app/source"
)

type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
)

type MediaFetcher interface {
	Fetch(ctx context.Context, downloader source.MediaDownloader, ev source.RawEvent) string
}

type Publisher interface {
	Publish(n live.Notification) bool
}

// Pipeline turns one raw event into a stored message. It is shared by live
// listeners and backfill and is safe for concurrent use.
type Pipeline struct {
	media     MediaFetcher
	extractor *message.Extractor
	repo      database.MessageRepository
	publisher Publisher
}

func NewPipeline(media MediaFetcher, extractor *message.Extractor, repo database.MessageRepository, publisher Publisher) *Pipeline {
	return &Pipeline{
		media:     media,
		extractor: extractor,
		repo:      repo,
		publisher: publisher,
	}
}

// Ingest fetches media, extracts fields, stores the record and publishes a
// notification. Failures are logged and reported as OutcomeDropped; they
// never propagate to the caller.
func (p *Pipeline) Ingest(ctx context.Context, downloader source.MediaDownloader, ev source.RawEvent) (outcome Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Ingestion panicked", "channel", ev.Channel, "message_id", ev.ID, "panic", fmt.Sprint(r))
			outcome = OutcomeDropped
		}
		metrics.MessagesIngested.WithLabelValues(string(outcome)).Inc()
		metrics.IngestLatency.Observe(time.Since(start).Seconds())
	}()

	imagePath := p.media.Fetch(ctx, downloader, ev)

	rec, err := p.extractor.Run(ev.Text, ev.Date)
	if err != nil {
		slog.Warn("Message could not be parsed", "channel", ev.Channel, "message_id", ev.ID, "error", err)
		return OutcomeDropped
	}

	inserted, err := p.repo.InsertMessage(ctx, database.NewMessage{
		Name:        rec.Name,
		Description: rec.Description,
		Link:        rec.Link,
		FileSize:    rec.FileSize,
		Tags:        rec.Tags,
		Timestamp:   rec.Timestamp,
	}, imagePath)
	if err != nil {
		slog.Error("Failed to store message", "channel", ev.Channel, "message_id", ev.ID, "error", err)
		return OutcomeDropped
	}

	outcome = OutcomeDuplicate
	if inserted {
		outcome = OutcomeInserted
	}

	slog.Debug("Message ingested",
		"channel", ev.Channel,
		"message_id", ev.ID,
		"outcome", outcome,
		"link", rec.Link,
		"image_path", imagePath)

	if p.publisher != nil {
		p.publisher.Publish(live.Notification{
			Channel:   ev.Channel,
			Text:      rec.Description,
			ImagePath: imagePath,
			Timestamp: rec.Timestamp,
		})
	}

	return outcome
}
