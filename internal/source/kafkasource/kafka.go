// Package kafkasource feeds Kafka records into the pipeline. Offsets are
// committed only after a record was applied or rejected for good, so a crash
// redelivers whatever was in flight.
package kafkasource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/source"
)

const name = "kafka"

// Identity headers, most specific first.
var idHeaders = []string{"message_id", "event_id"}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source consumes a Kafka consumer group.
type Source struct {
	reader  reader
	handle  source.Handler
	log     *slog.Logger
	minWait time.Duration
	maxWait time.Duration
}

// New creates a consumer-group reader for cfg.Topics.
func New(cfg config.KafkaConf, h source.Handler, log *slog.Logger) *Source {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newSource(r, h, log)
}

func newSource(r reader, h source.Handler, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		reader:  r,
		handle:  h,
		log:     log.With(slog.String("source", name)),
		minWait: 500 * time.Millisecond,
		maxWait: 30 * time.Second,
	}
}

// Run consumes until ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	defer s.reader.Close()

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("kafka fetch error", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := s.process(ctx, m); err != nil {
			// ctx ended mid-retry; leave the offset for the next member
			return nil
		}
		if err := s.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("kafka commit error",
				slog.String("topic", m.Topic),
				slog.Int64("offset", m.Offset),
				slog.Any("err", err),
			)
		}
	}
}

func (s *Source) process(ctx context.Context, m kafka.Message) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(m.Headers))
	ctx, span := otel.Tracer(name).Start(ctx, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", m.Topic),
			attribute.Int("messaging.kafka.partition", m.Partition),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		),
	)
	defer span.End()

	err := source.Retry(ctx, s.handle, ToMessage(m), name, s.minWait, s.maxWait, s.log)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ToMessage maps a record onto a pipeline message. The identity comes from
// the message_id or event_id header, then the record key, then the record's
// coordinates.
func ToMessage(m kafka.Message) event.Message {
	id := ""
	for _, h := range idHeaders {
		if id = headerValue(m.Headers, h); id != "" {
			break
		}
	}
	if id == "" {
		id = string(m.Key)
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}
	return event.Message{MessageID: id, Topic: m.Topic, Body: m.Value}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// headerCarrier is a read-only propagation carrier over record headers.
type headerCarrier []kafka.Header

func (c headerCarrier) Get(key string) string { return headerValue(c, key) }

func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier(nil)
