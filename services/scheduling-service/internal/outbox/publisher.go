package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/kafkax"
	otelx "github.com/fellipesaraiva88/agentedaauzap-sub004/libs/otel"
)

// Writer is what the publisher needs from *kafka.Writer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// Publisher relays outbox records to Kafka, one topic per event type, keyed by aggregate
// so events of one appointment stay ordered within a partition.
type Publisher struct {
	source Source
	writer Writer
	logger *slog.Logger
	cfg    PublisherConfig
}

func NewPublisher(source Source, writer Writer, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{source: source, writer: writer, logger: logger, cfg: cfg}
}

// NewKafkaWriter returns nil when brokers is empty.
func NewKafkaWriter(brokers string) *kafka.Writer {
	addrs := kafkax.SplitBrokers(brokers)
	if len(addrs) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// Run polls until ctx ends. A full batch is followed immediately by another so a backlog
// drains without waiting for the ticker.
func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox relay not started: no writer")
		return
	}
	tick := time.NewTicker(p.cfg.PollEvery)
	defer tick.Stop()
	for {
		for {
			n, err := p.PublishBatch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("outbox relay failed", "err", err)
				}
				break
			}
			if n > 0 {
				p.logger.Debug("outbox relayed", "events", n)
			}
			if n < p.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// PublishBatch relays at most one batch and returns how many records went out.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	return p.source.Drain(ctx, p.cfg.BatchSize, func(ctx context.Context, records []Record) error {
		msgs := make([]kafka.Message, len(records))
		for i, r := range records {
			headers := kafkax.Headers(kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType})
			spanCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
			msgs[i] = kafka.Message{
				Topic:   r.EventType,
				Key:     []byte(r.AggregateID),
				Value:   r.Payload,
				Headers: kafkax.InjectTraceHeaders(spanCtx, headers),
				Time:    r.CreatedAt,
			}
		}
		return p.writer.WriteMessages(ctx, msgs...)
	})
}
