package engine

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/confcore/usersync/internal/usersync/schema"
)

const meterName = "github.com/confcore/usersync/internal/usersync/engine"

// metrics holds the engine's counters. They report to the global meter
// provider, which is a no-op unless telemetry is configured.
type metrics struct {
	uploads    metric.Int64Counter
	downloads  metric.Int64Counter
	tombstones metric.Int64Counter
}

func newMetrics(logger *log.Logger) *metrics {
	meter := otel.Meter(meterName)
	return &metrics{
		uploads:    newCounter(meter, logger, "usersync.uploads", "Records accepted by the remote store"),
		downloads:  newCounter(meter, logger, "usersync.downloads", "Fetched records written to the local database"),
		tombstones: newCounter(meter, logger, "usersync.tombstones", "Fetched records tombstoned because their session never appeared"),
	}
}

func newCounter(meter metric.Meter, logger *log.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{record}"))
	if err != nil {
		logger.Printf("Failed to create counter %s: %v", name, err)
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func (m *metrics) recordUploads(n int, typ schema.RecordType) {
	m.uploads.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("type", typ.ShortName())))
}

func (m *metrics) recordDownloads(n int, typ schema.RecordType) {
	m.downloads.Add(context.Background(), int64(n), metric.WithAttributes(attribute.String("type", typ.ShortName())))
}

func (m *metrics) recordTombstones(n int) {
	m.tombstones.Add(context.Background(), int64(n))
}
