package main

import (
	"fmt"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/config"
)

type settings struct {
	Service  string
	Port     string
	GRPCPort string
	LogLevel string

	DatabaseURL string
	Location    *time.Location
	LockTimeout time.Duration

	DispatchSchedule    string
	DispatchBatchSize   int
	DispatchConcurrency int
	DispatchSendTimeout time.Duration
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration

	SweepSchedule string
	AutoStart     bool
	AutoNoShow    bool
	NoShowGrace   time.Duration

	ReminderChannel string
	WebhookURL      string
	WebhookToken    string
	TwilioSID       string
	TwilioToken     string
	TwilioFrom      string
	WhatsAppDataDir string

	KafkaBrokers    string
	KafkaGroupID    string
	KafkaReplyTopic string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupeTTL     time.Duration

	RateLimitPerMinute int
	CORSOrigins        []string
}

func loadSettings() (settings, error) {
	s := settings{
		Service:  config.String("SERVICE_NAME", "scheduling-service"),
		LogLevel: config.String("LOG_LEVEL", "info"),

		DatabaseURL: config.String("DATABASE_URL", ""),
		LockTimeout: config.Duration("LOCK_TIMEOUT", 5*time.Second),

		DispatchSchedule:    config.String("DISPATCH_SCHEDULE", "@every 1m"),
		DispatchBatchSize:   config.Int("DISPATCH_BATCH_SIZE", 100),
		DispatchConcurrency: config.Int("DISPATCH_CONCURRENCY", 4),
		DispatchSendTimeout: config.Duration("DISPATCH_SEND_TIMEOUT", 10*time.Second),
		DispatchMaxAttempts: config.Int("DISPATCH_MAX_ATTEMPTS", 5),
		DispatchBackoff:     config.Duration("DISPATCH_RETRY_BACKOFF", time.Minute),

		SweepSchedule: config.String("SWEEP_SCHEDULE", "@every 5m"),
		AutoStart:     config.Bool("AUTO_START", false),
		AutoNoShow:    config.Bool("AUTO_NO_SHOW", false),
		NoShowGrace:   config.Duration("NO_SHOW_GRACE", 30*time.Minute),

		ReminderChannel: config.String("REMINDER_CHANNEL", "log"),
		WebhookURL:      config.String("REMINDER_WEBHOOK_URL", ""),
		WebhookToken:    config.String("REMINDER_WEBHOOK_TOKEN", ""),
		TwilioSID:       config.String("TWILIO_ACCOUNT_SID", ""),
		TwilioToken:     config.String("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:      config.String("TWILIO_FROM", ""),
		WhatsAppDataDir: config.String("WHATSAPP_DATA_DIR", "./data"),

		KafkaBrokers:    config.String("KAFKA_BROKERS", ""),
		KafkaGroupID:    config.String("KAFKA_GROUP_ID", "scheduling-service"),
		KafkaReplyTopic: config.String("KAFKA_REPLY_TOPIC", "chat.appointment.reply.v1"),

		RedisAddr:     config.String("REDIS_ADDR", ""),
		RedisPassword: config.String("REDIS_PASSWORD", ""),
		RedisDB:       config.Int("REDIS_DB", 0),
		DedupeTTL:     config.Duration("REMINDER_DEDUPE_TTL", 48*time.Hour),

		RateLimitPerMinute: config.Int("RATE_LIMIT_PER_MINUTE", 120),
		CORSOrigins:        config.List("CORS_ALLOWED_ORIGINS"),
	}

	var err error
	if s.Port, err = config.Port("PORT", "8080"); err != nil {
		return s, err
	}
	if s.GRPCPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
		return s, err
	}
	tz := config.String("TIMEZONE", "America/Sao_Paulo")
	if s.Location, err = time.LoadLocation(tz); err != nil {
		return s, fmt.Errorf("TIMEZONE %q: %w", tz, err)
	}
	return s, nil
}
