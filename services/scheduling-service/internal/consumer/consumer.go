package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/kafkax"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/inbox"
)

// Handler applies one inbound message. Errors wrapped with Permanent are logged and the
// message is skipped; any other error is retried.
type Handler func(ctx context.Context, msg kafka.Message) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that redelivering the message cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Reader is what Run needs from *kafka.Reader.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
}

// NewReader opens a consumer-group reader. Run commits offsets itself, after a message is
// handled.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MaxBytes:    1 << 20,
		StartOffset: kafka.FirstOffset,
	})
}

// Consumer feeds messages through the inbox so that a redelivered event is applied once.
type Consumer struct {
	reader  Reader
	logger  *slog.Logger
	inbox   inbox.Recorder
	handler Handler
	tracer  trace.Tracer
}

func New(reader Reader, logger *slog.Logger, recorder inbox.Recorder, handler Handler) *Consumer {
	return &Consumer{
		reader:  reader,
		logger:  logger,
		inbox:   recorder,
		handler: handler,
		tracer:  otel.Tracer("scheduling/consumer"),
	}
}

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 15 * time.Second
)

// Run consumes until ctx ends, then closes the reader. A message's offset is committed once
// it was handled or failed permanently. Retryable failures are retried in place, so the
// partition does not move past a reply that was never applied.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing reply reader", "err", err)
		}
	}()

	backoff := minBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("reading reply topic", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		if !c.process(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("committing reply offset", "err", err, "offset", msg.Offset)
		}
	}
}

// process handles msg until it succeeds or fails permanently. It reports false when ctx
// ended first, leaving the message uncommitted for redelivery.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	wait := minBackoff
	for {
		err := c.Handle(ctx, msg)
		switch {
		case err == nil:
			return true
		case isPermanent(err):
			c.logger.Warn("reply skipped", "err", err, "topic", msg.Topic, "offset", msg.Offset)
			return true
		}
		c.logger.Warn("reply failed, retrying", "err", err, "offset", msg.Offset, "retry_in", wait)
		if !sleep(ctx, wait) {
			return false
		}
		wait = min(wait*2, maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var errNoEventID = errors.New("message has no event id")

// Handle dedupes msg by event id and hands new events to the handler. When the handler fails
// with a retryable error the id is forgotten again, so a redelivery is not taken for a
// duplicate.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)
	ctx, span := c.tracer.Start(kafkax.ExtractTraceContext(ctx, msg), "reply.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", meta.EventID),
		),
	)
	defer span.End()

	err := c.handle(ctx, meta, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Consumer) handle(ctx context.Context, meta kafkax.EventMeta, msg kafka.Message) error {
	if meta.EventID == "" {
		return Permanent(errNoEventID)
	}
	fresh, err := c.inbox.Record(ctx, meta.EventID, meta.EventType)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if !fresh {
		c.logger.Debug("duplicate reply skipped", "event_id", meta.EventID)
		return nil
	}
	err = c.handler(ctx, msg)
	if err == nil {
		return nil
	}
	if !isPermanent(err) {
		if ferr := c.inbox.Forget(context.WithoutCancel(ctx), meta.EventID); ferr != nil {
			err = errors.Join(err, fmt.Errorf("inbox forget: %w", ferr))
		}
	}
	return fmt.Errorf("event %s: %w", meta.EventID, err)
}
