// Package natssource feeds a JetStream durable consumer into the pipeline.
// Messages are acked after a successful run, terminated when they can never
// succeed, and nak'ed with a delay otherwise so the server redelivers them.
package natssource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/source"
)

const name = "nats"

// Identity headers, most specific first.
var idHeaders = []string{"message_id", "event_id", nats.MsgIdHdr}

// Source consumes one durable JetStream consumer.
type Source struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	handle   source.Handler
	log      *slog.Logger
	nakDelay time.Duration
}

// New connects to cfg.URL and binds (creating if needed) the stream and the
// durable consumer. When cfg.Subjects is empty the stream must already exist.
func New(ctx context.Context, cfg config.NATSConf, h source.Handler, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("eventsourcekit"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	var stream jetstream.Stream
	if len(cfg.Subjects) > 0 {
		stream, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: cfg.Subjects,
			Storage:  jetstream.FileStorage,
		})
	} else {
		stream, err = js.Stream(ctx, cfg.Stream)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        cfg.Durable,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: cfg.Subjects,
		AckWait:        30 * time.Second,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats consumer %s: %w", cfg.Durable, err)
	}

	return &Source{
		nc:       nc,
		consumer: consumer,
		handle:   h,
		log:      log.With(slog.String("source", name), slog.String("stream", cfg.Stream)),
		nakDelay: 2 * time.Second,
	}, nil
}

// Run consumes until ctx is canceled, then drains and closes the connection.
func (s *Source) Run(ctx context.Context) error {
	defer s.nc.Close()

	it, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("nats messages: %w", err)
	}
	stop := context.AfterFunc(ctx, it.Drain)
	defer stop()

	for {
		msg, err := it.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.Error("nats next message", slog.Any("err", err))
			continue
		}
		s.process(ctx, msg)
	}
}

func (s *Source) process(ctx context.Context, msg jetstream.Msg) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Headers()))
	ctx, span := otel.Tracer(name).Start(ctx, "nats.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", msg.Subject()),
		),
	)
	defer span.End()

	m := ToMessage(msg)
	err := s.handle(ctx, m)
	switch {
	case err == nil:
		metrics.SourceMessages.WithLabelValues(name, "ok").Inc()
		err = msg.Ack()
	case !source.Retryable(err):
		metrics.SourceMessages.WithLabelValues(name, "rejected").Inc()
		span.RecordError(err)
		s.log.Error("message rejected", slog.String("message_id", m.MessageID), slog.Any("err", err))
		err = msg.TermWithReason(err.Error())
	default:
		metrics.SourceMessages.WithLabelValues(name, "retry").Inc()
		span.RecordError(err)
		s.log.Warn("message failed, redelivering", slog.String("message_id", m.MessageID), slog.Any("err", err))
		err = msg.NakWithDelay(s.nakDelay)
	}
	if err != nil {
		s.log.Error("nats ack", slog.String("message_id", m.MessageID), slog.Any("err", err))
	}
}

// ToMessage maps a JetStream message onto a pipeline message. The identity
// comes from the message_id, event_id or Nats-Msg-Id header, then the
// stream sequence.
func ToMessage(msg jetstream.Msg) event.Message {
	var id string
	if hdr := msg.Headers(); hdr != nil {
		for _, h := range idHeaders {
			if id = hdr.Get(h); id != "" {
				break
			}
		}
	}
	if id == "" {
		if md, err := msg.Metadata(); err == nil {
			id = fmt.Sprintf("%s-%d", md.Stream, md.Sequence.Stream)
		}
	}
	return event.Message{MessageID: id, Topic: msg.Subject(), Body: msg.Data()}
}

// headerCarrier is a read-only propagation carrier over message headers.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }

func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier(nil)
