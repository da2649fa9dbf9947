package eventstore

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/Mokksdz/manchengo-sub003/internal/eventstore"

var (
	attrOperation     = attribute.Key("eventstore.operation")
	attrEventCount    = attribute.Key("eventstore.event_count")
	attrVersion       = attribute.Key("eventstore.version")
	attrAggregateType = attribute.Key("eventstore.aggregate_type")
	attrAggregateID   = attribute.Key("eventstore.aggregate_id")
	attrBatches       = attribute.Key("eventstore.batches")
)

type instruments struct {
	appended metric.Int64Counter
	failures metric.Int64Counter
	conflict metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	var fallback noop.Meter

	appended, err := meter.Int64Counter("eventstore.events.appended",
		metric.WithDescription("Events durably appended to the log"))
	if err != nil {
		appended, _ = fallback.Int64Counter("eventstore.events.appended")
	}
	failures, err := meter.Int64Counter("eventstore.append.failures",
		metric.WithDescription("Append operations rejected by the database"))
	if err != nil {
		failures, _ = fallback.Int64Counter("eventstore.append.failures")
	}
	conflict, err := meter.Int64Counter("eventstore.append.version_conflicts",
		metric.WithDescription("Appends that found their version already taken"))
	if err != nil {
		conflict, _ = fallback.Int64Counter("eventstore.append.version_conflicts")
	}
	return instruments{appended: appended, failures: failures, conflict: conflict}
}
