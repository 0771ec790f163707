// Package metrics wires the otel metric pipeline for the scrape loop. When
// disabled, instruments come from a no-op provider and cost nothing.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics carries the loop's instruments.
type Metrics struct {
	ThreadsFetched  metric.Int64Counter
	PostsWritten    metric.Int64Counter
	MediaDownloaded metric.Int64Counter
	ThreadsFlagged  metric.Int64Counter
	LoopSeconds     metric.Float64Histogram

	shutdown func(context.Context) error
}

// New builds the instrument set. With enabled false everything is no-op;
// otherwise readings go to stdout on the given interval.
func New(enabled bool, interval time.Duration) (*Metrics, error) {
	var provider metric.MeterProvider
	shutdown := func(context.Context) error { return nil }

	if enabled {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		sdk := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(interval))),
		)
		provider = sdk
		shutdown = sdk.Shutdown
	} else {
		provider = noop.NewMeterProvider()
	}

	meter := provider.Meter("ritual")

	m := &Metrics{shutdown: shutdown}
	var err error
	if m.ThreadsFetched, err = meter.Int64Counter("ritual.threads.fetched",
		metric.WithDescription("Threads fetched fully or updated from the catalog")); err != nil {
		return nil, err
	}
	if m.PostsWritten, err = meter.Int64Counter("ritual.posts.written",
		metric.WithDescription("Post rows upserted")); err != nil {
		return nil, err
	}
	if m.MediaDownloaded, err = meter.Int64Counter("ritual.media.downloaded",
		metric.WithDescription("Media files written to disk")); err != nil {
		return nil, err
	}
	if m.ThreadsFlagged, err = meter.Int64Counter("ritual.threads.flagged",
		metric.WithDescription("Missing threads classified as archived, deleted, or pruned")); err != nil {
		return nil, err
	}
	if m.LoopSeconds, err = meter.Float64Histogram("ritual.loop.seconds",
		metric.WithDescription("Wall time of one full loop")); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes the exporter.
func (m *Metrics) Shutdown(ctx context.Context) error { return m.shutdown(ctx) }
