// Package source holds what the broker adapters share: the handler they
// feed and the redelivery policy for failed runs.
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/event"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/fault"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/metrics"
)

// Handler runs one message to completion.
type Handler func(ctx context.Context, msg event.Message) error

// Retryable reports whether delivering the same message again could succeed.
// Routing, parsing and validation failures are properties of the message.
func Retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.KindNoMatchingParser, fault.KindMalformedPayload, fault.KindValidationFailed:
		return false
	}
	return true
}

// Retry calls h until it succeeds or fails permanently, waiting between
// attempts with a doubling backoff capped at maxWait. It returns the last
// error only when ctx ends first; a permanent failure is logged and dropped.
func Retry(ctx context.Context, h Handler, msg event.Message, name string, minWait, maxWait time.Duration, log *slog.Logger) error {
	wait := minWait
	for {
		err := h(ctx, msg)
		if err == nil {
			metrics.SourceMessages.WithLabelValues(name, "ok").Inc()
			return nil
		}
		if !Retryable(err) {
			metrics.SourceMessages.WithLabelValues(name, "rejected").Inc()
			log.Error("message rejected",
				slog.String("message_id", msg.MessageID),
				slog.String("topic", msg.Topic),
				slog.Any("err", err),
			)
			return nil
		}
		metrics.SourceMessages.WithLabelValues(name, "retry").Inc()
		log.Warn("message failed, retrying",
			slog.String("message_id", msg.MessageID),
			slog.Duration("backoff", wait),
			slog.Any("err", err),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		wait = min(wait*2, maxWait)
	}
}
