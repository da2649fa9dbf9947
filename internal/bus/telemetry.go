package bus

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/Mokksdz/manchengo-sub003/internal/bus"

var (
	attrEventType    = attribute.Key("bus.event_type")
	attrEventVersion = attribute.Key("bus.event_version")
	attrHandlerCount = attribute.Key("bus.handler_count")
)

type instruments struct {
	published       metric.Int64Counter
	handlerFailures metric.Int64Counter
	handlerRetries  metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	var fallback noop.Meter

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return instruments{
		published:       counter("bus.events.published", "Events handed to the bus"),
		handlerFailures: counter("bus.handler.failures", "Handlers that failed after every attempt"),
		handlerRetries:  counter("bus.handler.retries", "Handler attempts that were retried"),
	}
}
