package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/tg-comb/app/ingest"
	"github.com/lysyi3m/tg-comb/app/metrics"
	"github.com/lysyi3m/tg-comb/app/source"
)

var ErrRateLimited = errors.New("rate limited by source")

type BackfillResult struct {
	Fetched    int `json:"fetched"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
}

// Backfill ingests up to limit historical messages of channel dated at or
// after since, oldest first. When the source asks to slow down, Backfill
// waits the requested time and returns ErrRateLimited without retrying.
func Backfill(ctx context.Context, session source.Session, pipeline Ingester, channel string, limit int, since time.Time) (BackfillResult, error) {
	var result BackfillResult

	entity, err := session.ResolveEntity(ctx, channel)
	if err != nil {
		return result, backfillFailed(ctx, channel, fmt.Errorf("resolve %s: %w", channel, err))
	}

	events, err := session.FetchMessages(ctx, entity, limit, since)
	if err != nil {
		return result, backfillFailed(ctx, channel, fmt.Errorf("fetch history of %s: %w", channel, err))
	}

	result.Fetched = len(events)
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		switch pipeline.Ingest(context.WithoutCancel(ctx), session, ev) {
		case ingest.OutcomeInserted:
			result.Inserted++
		case ingest.OutcomeDuplicate:
			result.Duplicates++
		default:
			result.Dropped++
		}
	}

	if err := ctx.Err(); err != nil {
		metrics.BackfillRuns.WithLabelValues("failed").Inc()
		return result, err
	}

	metrics.BackfillRuns.WithLabelValues("ok").Inc()
	slog.Info("Backfill completed",
		"channel", channel,
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates,
		"dropped", result.Dropped)

	return result, nil
}

// backfillFailed records a failed run. A rate limit from any source call
// is waited out before ErrRateLimited is returned.
func backfillFailed(ctx context.Context, channel string, err error) error {
	wait, limited := rateLimitWait(err)
	if !limited {
		metrics.BackfillRuns.WithLabelValues("failed").Inc()
		return err
	}

	metrics.BackfillRuns.WithLabelValues("rate_limited").Inc()
	slog.Warn("Backfill rate limited", "channel", channel, "wait", wait, "error", err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	return fmt.Errorf("%w: waited %s: %w", ErrRateLimited, wait, err)
}

func rateLimitWait(err error) (time.Duration, bool) {
	var rateErr *source.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.Wait, true
	}
	return 0, false
}
