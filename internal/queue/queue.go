// Package queue defines the durable session-queue contract the ingestion
// plane is built on: per-session FIFO delivery, visibility locks with
// renewal, bounded redelivery with dead-lettering, and scheduled delivery.
//
// Two implementations exist:
//   - MemoryQueue: in-process, used in development and tests
//   - PostgresQueue: durable, backed by lib/pq with SKIP LOCKED leasing
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MessageType discriminates queue payloads.
type MessageType string

const (
	TypeDemographics       MessageType = "demographics"
	TypeWebhook            MessageType = "webhook"
	TypeDocumentProcessing MessageType = "document_processing"
)

// Topic names. FIFO topics require a session key; the documents topic is
// partitioned and unordered.
const (
	TopicDemographics = "demographics-fifo"
	TopicWebhooks     = "webhooks-fifo"
	TopicDocuments    = "documents"
	TopicDeadLetter   = "dead-letter"
)

// Per-topic delivery policy.
const (
	DemographicsLockDuration = 5 * time.Minute
	WebhookLockDuration      = 2 * time.Minute
	DemographicsMaxDelivery  = 3
	WebhookMaxDelivery       = 5

	// FIFO duplicate message_id suppression window.
	DedupeWindow = 10 * time.Minute

	// Serialized payloads above this are rejected at the producer;
	// batches must be split at the gateway.
	MaxMessageBytes = 250_000
)

var (
	ErrSessionRequired = errors.New("queue: session key required on FIFO topic")
	ErrMessageTooLarge = errors.New("queue: serialized message exceeds size limit")
	ErrLockLost        = errors.New("queue: visibility lock no longer held")
	ErrUnknownTopic    = errors.New("queue: unknown topic")
)

// Message is the producer-side envelope. Payload is opaque JSON.
type Message struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	Payload       []byte      `json:"payload"`
	Session       string      `json:"session,omitempty"`
	Priority      int         `json:"priority"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	CreatedAt     time.Time   `json:"created_at"`
	ScheduledFor  *time.Time  `json:"scheduled_for,omitempty"`
	CorrelationID string      `json:"correlation_id"`
}

// Delivery is a leased message plus redelivery bookkeeping. The consumer
// must Complete, Abandon, or DeadLetter it before the session lock expires.
type Delivery struct {
	Message
	DeliveryCount int
	lockToken     string
}

// SessionLease grants exclusive consumption of one session on one topic.
type SessionLease struct {
	Topic       string
	Session     string
	LockedUntil time.Time
	token       string
}

// TopicDepth is the telemetry view of one topic.
type TopicDepth struct {
	Active     int `json:"active"`
	Scheduled  int `json:"scheduled"`
	DeadLetter int `json:"dead_letter"`
}

// Producer is the one-way enqueue interface handed to the gateway and the
// workers; only the process bootstrap knows the concrete queue.
type Producer interface {
	Send(ctx context.Context, topic string, msg *Message) error
	SendBatch(ctx context.Context, topic string, msgs []*Message) error
}

// Consumer leases sessions and settles deliveries.
type Consumer interface {
	// LeaseNextSession returns (nil, nil) when no session is available.
	LeaseNextSession(ctx context.Context, topic string) (*SessionLease, error)
	Receive(ctx context.Context, lease *SessionLease, max int) ([]*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	Abandon(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	RenewLock(ctx context.Context, lease *SessionLease) error
	Release(ctx context.Context, lease *SessionLease) error
}

// DeadLetterConsumer drains terminally failed messages so a side consumer
// can record the outcome. A nil message means the dead-letter store is empty.
type DeadLetterConsumer interface {
	TakeDeadLetter(ctx context.Context, topic string) (*Message, string, error)
}

// Queue is the full broker contract.
type Queue interface {
	Producer
	Consumer
	DeadLetterConsumer
	Depths(ctx context.Context) (map[string]TopicDepth, error)
	Ping(ctx context.Context) error
}

// IsFIFO reports whether a topic carries session-ordered traffic.
func IsFIFO(topic string) bool {
	return topic == TopicDemographics || topic == TopicWebhooks
}

// LockDuration returns the visibility-lock length for a topic.
func LockDuration(topic string) time.Duration {
	if topic == TopicWebhooks {
		return WebhookLockDuration
	}
	return DemographicsLockDuration
}

// MaxDeliveryCount returns the redelivery ceiling before dead-lettering.
func MaxDeliveryCount(topic string) int {
	if topic == TopicWebhooks {
		return WebhookMaxDelivery
	}
	return DemographicsMaxDelivery
}

// NormalizeTenant lowercases a tenant identifier and replaces every
// non-alphanumeric rune with '_'. Session names derived from it are lossy
// and must not be parsed back into display names except for logging.
func NormalizeTenant(tenant string) string {
	var b strings.Builder
	b.Grow(len(tenant))
	for _, r := range strings.ToLower(tenant) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SessionFor builds the session key for a (topic prefix, tenant) pair,
// e.g. SessionFor("demographics", "Smith & Associates") ==
// "demographics_smith___associates".
func SessionFor(prefix, tenant string) string {
	return prefix + "_" + NormalizeTenant(tenant)
}
