package storage

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/propagation"
)

var _ propagation.TextMapCarrier = Headers(nil)

// Headers are the string headers stored with an outbox entry. They double as an
// OpenTelemetry carrier so the trace context of the writing command reaches the
// relay.
type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Marshal encodes the headers for the outbox headers column. Empty headers
// encode to nil.
func (h Headers) Marshal() ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return data, nil
}

// ParseHeaders decodes an outbox headers column. A nil column yields empty headers.
func ParseHeaders(data []byte) (Headers, error) {
	h := Headers{}
	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	return h, nil
}
