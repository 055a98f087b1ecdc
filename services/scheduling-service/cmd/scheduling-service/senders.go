package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/runtime"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/notify"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

// buildSender picks the reminder channel. The returned cleanup releases channel resources.
func buildSender(ctx context.Context, s settings, logger *slog.Logger, rdb *redis.Client) (notify.Sender, func(), error) {
	var sender notify.Sender
	cleanup := func() {}

	switch strings.ToLower(strings.TrimSpace(s.ReminderChannel)) {
	case "", "log":
		sender = notify.NewLogSender(logger, s.Location)
	case "webhook":
		if s.WebhookURL == "" {
			return nil, nil, fmt.Errorf("REMINDER_WEBHOOK_URL is required for the webhook channel")
		}
		sender = notify.NewWebhookSender(s.WebhookURL, s.WebhookToken, s.Location)
	case "twilio":
		if s.TwilioSID == "" || s.TwilioToken == "" || s.TwilioFrom == "" {
			return nil, nil, fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM are required for the twilio channel")
		}
		sender = notify.NewTwilioSender(notify.TwilioConfig{
			AccountSID: s.TwilioSID,
			AuthToken:  s.TwilioToken,
			From:       s.TwilioFrom,
		}, s.Location)
	case "whatsapp":
		if err := os.MkdirAll(s.WhatsAppDataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create whatsapp data dir: %w", err)
		}
		wa, err := notify.NewWhatsAppSender(ctx, notify.WhatsAppConfig{
			DataDir: s.WhatsAppDataDir,
			Logger:  whatsappLogger(s),
		}, s.Location)
		if err != nil {
			return nil, nil, err
		}
		if err := wa.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect whatsapp: %w", err)
		}
		sender, cleanup = wa, wa.Close
	case "kafka":
		writer := outbox.NewKafkaWriter(s.KafkaBrokers)
		if writer == nil {
			return nil, nil, fmt.Errorf("KAFKA_BROKERS is required for the kafka channel")
		}
		sender = notify.NewKafkaSender(writer, s.Location)
		cleanup = func() { _ = writer.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown REMINDER_CHANNEL %q", s.ReminderChannel)
	}

	if rdb != nil {
		sender = notify.NewDeduped(sender, rdb, s.DedupeTTL, logger)
	}
	logger.Info("reminder channel ready", "provider", sender.ProviderID())
	return sender, cleanup, nil
}

// whatsappLogger is the zerolog logger handed to the WhatsApp client, tagged like the slog one.
func whatsappLogger(s settings) zerolog.Logger {
	level := zerolog.InfoLevel
	switch runtime.ParseLevel(s.LogLevel) {
	case slog.LevelDebug:
		level = zerolog.DebugLevel
	case slog.LevelWarn:
		level = zerolog.WarnLevel
	case slog.LevelError:
		level = zerolog.ErrorLevel
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", s.Service).
		Str("component", "whatsapp").
		Logger()
}

// kafkaOutboxWriter keeps a nil *kafka.Writer from turning into a non-nil interface.
func kafkaOutboxWriter(brokers string) (outbox.Writer, func()) {
	w := outbox.NewKafkaWriter(brokers)
	if w == nil {
		return nil, func() {}
	}
	return w, func() { _ = w.Close() }
}

// logWriter drains the in-process outbox into the log when no broker is configured.
type logWriter struct {
	logger *slog.Logger
}

func (w logWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		w.logger.Debug("domain event", "topic", m.Topic, "key", string(m.Key), "payload", string(m.Value))
	}
	return nil
}
