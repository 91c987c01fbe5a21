// Package metrics holds the prometheus collectors shared across the
// ingestion path. They are registered on the default registry and served
// by the HTTP layer at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts pipeline outcomes (inserted, duplicate, dropped).
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgcomb_messages_ingested_total",
		Help: "Total number of inbound messages by ingestion outcome",
	}, []string{"outcome"})

	// IngestLatency measures one pass of the ingestion pipeline.
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tgcomb_ingest_latency_seconds",
		Help:    "Ingestion pipeline latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MediaDownloads counts photo download attempts by result
	// (saved, failed, rejected).
	MediaDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgcomb_media_downloads_total",
		Help: "Total number of media download attempts by result",
	}, []string{"result"})

	// ListenerState is 1 for the current state of each channel listener.
	ListenerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tgcomb_listener_state",
		Help: "Current listener state per channel",
	}, []string{"channel", "state"})

	// ListenerReconnects counts reconnect attempts per channel.
	ListenerReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgcomb_listener_reconnects_total",
		Help: "Total number of listener reconnect attempts",
	}, []string{"channel"})

	// BackfillRuns counts backfill runs by result (ok, rate_limited, failed).
	BackfillRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgcomb_backfill_runs_total",
		Help: "Total number of backfill runs by result",
	}, []string{"result"})

	// LiveDropped counts notifications dropped because the live queue was full.
	LiveDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tgcomb_live_notifications_dropped_total",
		Help: "Total number of live notifications dropped on a full queue",
	})

	// TasksProcessed counts background task executions by type and result.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgcomb_tasks_processed_total",
		Help: "Total number of background tasks processed",
	}, []string{"type", "result"})
)
