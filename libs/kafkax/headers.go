package kafkax

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	headerEventID   = "event_id"
	headerEventType = "event_type"
)

// EventMeta identifies an event on the wire. EventID is the dedupe key for consumers.
type EventMeta struct {
	EventID   string
	EventType string
}

// Headers renders meta as message headers.
func Headers(meta EventMeta) []kafka.Header {
	return []kafka.Header{
		{Key: headerEventID, Value: []byte(meta.EventID)},
		{Key: headerEventType, Value: []byte(meta.EventType)},
	}
}

// ExtractEventMeta reads meta from headers. Producers that set no headers are identified
// by message key and topic instead.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	h := headerCarrier{headers: msg.Headers}
	meta := EventMeta{EventID: h.Get(headerEventID), EventType: h.Get(headerEventType)}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// InjectTraceHeaders adds the span context of ctx to headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	h := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, h)
	return h.headers
}

// ExtractTraceContext continues the producer's trace, if the message carries one.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: msg.Headers})
}

// SplitBrokers parses a comma separated broker list. Blank entries are skipped.
func SplitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (h *headerCarrier) index(key string) int {
	for i := range h.headers {
		if h.headers[i].Key == key {
			return i
		}
	}
	return -1
}

func (h *headerCarrier) Get(key string) string {
	if i := h.index(key); i >= 0 {
		return string(h.headers[i].Value)
	}
	return ""
}

func (h *headerCarrier) Set(key, value string) {
	if i := h.index(key); i >= 0 {
		h.headers[i].Value = []byte(value)
		return
	}
	h.headers = append(h.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headerCarrier) Keys() []string {
	keys := make([]string, len(h.headers))
	for i, hd := range h.headers {
		keys[i] = hd.Key
	}
	return keys
}
