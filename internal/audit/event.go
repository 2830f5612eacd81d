// Package audit records security events (rejections, resets, accepted
// webhooks) and ships them to Kafka and ClickHouse off the request path.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	RateLimitExceeded EventType = "rate_limit_exceeded"
	RateLimitReset    EventType = "rate_limit_reset"
	WebhookAccepted   EventType = "webhook_accepted"
	WebhookRejected   EventType = "webhook_rejected"
	WebhookProcessed  EventType = "webhook_processed"
)

type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       EventType         `json:"type"`
	Source     string            `json:"source"`
	Identifier string            `json:"identifier,omitempty"`
	Policy     string            `json:"policy,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink persists batches of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Name() string                         { return "nop" }
func (NopSink) Write(context.Context, []Event) error { return nil }

// MultiSink writes every batch to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string {
	return "multi"
}

func (m MultiSink) Write(ctx context.Context, events []Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, errors.New(s.Name()+": "+err.Error()))
		}
	}
	return errors.Join(errs...)
}
