package streaming

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/pkg/schema"
)

// LogSink writes every event to a structured logger. Errors and failed
// executions are logged at warn, the rest at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, ev schema.ExecutionEvent) error {
	level := slog.LevelDebug
	if ev.Kind == schema.EventNodeError || ev.Kind == schema.EventExecutionFailed {
		level = slog.LevelWarn
	}
	logging.LogWith(ctx, s.Logger).Log(ctx, level, "execution event",
		"kind", ev.Kind,
		"node_id", ev.NodeID,
		"attempt", ev.Attempt,
		"event_id", ev.ID,
	)
	return nil
}

// EventAppender persists events; satisfied by the stores.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
}

// StoreSink appends events to an event log.
type StoreSink struct {
	Store EventAppender
}

func (s StoreSink) Deliver(ctx context.Context, ev schema.ExecutionEvent) error {
	return s.Store.AppendEvent(ctx, &ev)
}

// AMQPPublisher is the part of *amqp.Channel the sink uses.
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events as persistent JSON messages to an exchange with
// routing key "flowcore.<kind>".
type AMQPSink struct {
	publisher AMQPPublisher
	exchange  string
	close     func() error
}

func NewAMQPSink(publisher AMQPPublisher, exchange string) *AMQPSink {
	return &AMQPSink{publisher: publisher, exchange: exchange}
}

// DialAMQP connects to url, declares a durable topic exchange and returns a
// sink publishing to it.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "dial amqp: %s", err.Error()).WithCause(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "open amqp channel: %s", err.Error()).WithCause(err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "declare exchange %s: %s", exchange, err.Error()).WithCause(err)
	}
	sink := NewAMQPSink(ch, exchange)
	sink.close = conn.Close
	return sink, nil
}

// RoutingKey returns the routing key used for an event kind.
func RoutingKey(kind schema.EventKind) string {
	return "flowcore." + string(kind)
}

func (s *AMQPSink) Deliver(ctx context.Context, ev schema.ExecutionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "marshal event: %s", err.Error()).WithCause(err)
	}
	err = s.publisher.PublishWithContext(ctx, s.exchange, RoutingKey(ev.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "publish to %s/%s: %s", s.exchange, RoutingKey(ev.Kind), err.Error()).WithCause(err)
	}
	return nil
}

// Close closes the underlying connection when the sink owns one.
func (s *AMQPSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

var (
	_ Sink = LogSink{}
	_ Sink = StoreSink{}
	_ Sink = (*AMQPSink)(nil)
)
