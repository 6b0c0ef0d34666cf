package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/svcflow/internal/runtime/errors"
	idspkg "github.com/drblury/svcflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/svcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/svcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/svcflow/internal/runtime/metadata"
	"github.com/drblury/svcflow/transport"
)

// EventTopic is the topic events of eventType from source are published on.
func EventTopic(source, eventType string) string {
	return "evt." + source + "." + eventType
}

// EventBody is the wire form of an event.
type EventBody struct {
	EventType string               `json:"event_type"`
	Payload   jsoncodec.RawMessage `json:"payload"`
}

// DecodeEvent parses an event body.
func DecodeEvent(payload []byte) (EventBody, error) {
	var body EventBody
	if err := jsoncodec.Unmarshal(payload, &body); err != nil {
		return body, &errspkg.DecodeError{Reason: "event", Err: err}
	}
	if body.EventType == "" {
		return body, &errspkg.DecodeError{Reason: "event has no event_type"}
	}
	if len(body.Payload) == 0 {
		body.Payload = jsoncodec.RawMessage("null")
	}
	return body, nil
}

// EventDispatcher publishes events on behalf of one source service.
// Dispatch is fire and forget: a publish failure is returned to the caller
// as a TransportError and never retried.
type EventDispatcher struct {
	broker  transport.Broker
	source  string
	headers metadatapkg.Metadata
	logger  loggingpkg.ServiceLogger
	tracer  trace.Tracer
}

// NewEventDispatcher creates a dispatcher for events of source.
func NewEventDispatcher(broker transport.Broker, source string, logger loggingpkg.ServiceLogger) *EventDispatcher {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &EventDispatcher{
		broker: broker,
		source: source,
		logger: logger,
		tracer: otel.Tracer("github.com/drblury/svcflow/events"),
	}
}

// Source returns the dispatching service.
func (d *EventDispatcher) Source() string { return d.source }

// WithHeaders returns a copy of d sending md with every event.
func (d *EventDispatcher) WithHeaders(md metadatapkg.Metadata) *EventDispatcher {
	clone := *d
	clone.headers = d.headers.WithAll(md)
	return &clone
}

// Dispatch publishes payload as an eventType event.
func (d *EventDispatcher) Dispatch(ctx context.Context, eventType string, payload any) error {
	if eventType == "" {
		return errspkg.ErrEventTypeRequired
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	body, err := jsoncodec.Marshal(EventBody{EventType: eventType, Payload: raw})
	if err != nil {
		return err
	}

	topic := EventTopic(d.source, eventType)
	eventID := idspkg.NewULID()
	ctx, span := d.tracer.Start(ctx, "dispatch "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", eventID),
		),
	)
	defer span.End()

	headers := d.headers.WithAll(metadatapkg.Metadata{
		metadatapkg.KeySource:    d.source,
		metadatapkg.KeyEventType: eventType,
		metadatapkg.KeyEventID:   eventID,
	})
	if headers[metadatapkg.KeyCorrelationID] == "" {
		headers[metadatapkg.KeyCorrelationID] = eventID
	}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	if err := d.broker.Publish(ctx, transport.Message{
		ID:      eventID,
		Topic:   topic,
		Payload: body,
		Headers: headers,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errspkg.NewTransportError("dispatch "+topic, err)
	}

	d.logger.Trace("Event dispatched", loggingpkg.LogFields{
		"topic":    topic,
		"event_id": eventID,
		"at":       time.Now().UTC(),
	})
	return nil
}

func encodePayload(payload any) (jsoncodec.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return jsoncodec.RawMessage("null"), nil
	case jsoncodec.RawMessage:
		return v, nil
	default:
		return jsoncodec.Marshal(payload)
	}
}
