package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process broker used in development and tests. It
// honors the full session contract: per-session FIFO, at most one consumer
// per session via visibility locks, scheduled delivery, duplicate message-id
// suppression on FIFO topics, and dead-lettering at the delivery ceiling.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	logger *log.Logger
	now    func() time.Time // overridable in tests
}

type memTopic struct {
	name     string
	sessions map[string]*memSession
	order    []string // session keys in first-seen order, for fair leasing
	dead     []*deadEntry
	seen     map[string]time.Time // message id -> first seen, dedupe window
}

type memSession struct {
	messages    []*memMessage
	lockToken   string
	lockedUntil time.Time
}

type memMessage struct {
	msg           Message
	deliveryCount int
	inFlight      bool
}

type deadEntry struct {
	msg    Message
	reason string
	at     time.Time
}

// NewMemoryQueue creates an empty in-process queue with the standard topics.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		topics: make(map[string]*memTopic),
		logger: log.New(log.Writer(), "[QUEUE-MEM] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, t := range []string{TopicDemographics, TopicWebhooks, TopicDocuments, TopicDeadLetter} {
		q.topics[t] = &memTopic{
			name:     t,
			sessions: make(map[string]*memSession),
			seen:     make(map[string]time.Time),
		}
	}
	return q
}

func (q *MemoryQueue) topic(name string) (*memTopic, error) {
	t, ok := q.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	return t, nil
}

// Send enqueues a single message. FIFO topics require a session; on the
// documents topic each message gets its own pseudo-session so consumers can
// pull them in parallel with no ordering.
func (q *MemoryQueue) Send(ctx context.Context, topic string, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendLocked(topic, msg)
}

func (q *MemoryQueue) sendLocked(topic string, msg *Message) error {
	t, err := q.topic(topic)
	if err != nil {
		return err
	}
	if len(msg.Payload) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = q.now()
	}

	session := msg.Session
	if IsFIFO(topic) {
		if session == "" {
			return ErrSessionRequired
		}
		// Duplicate message_id suppression within the dedupe window.
		now := q.now()
		if first, dup := t.seen[msg.ID]; dup && now.Sub(first) < DedupeWindow {
			return nil
		}
		// Expired entries are dropped on insert so the map holds at most
		// one window's worth of ids.
		for id, first := range t.seen {
			if now.Sub(first) >= DedupeWindow {
				delete(t.seen, id)
			}
		}
		t.seen[msg.ID] = now
	} else if session == "" {
		session = msg.ID
	}

	s, ok := t.sessions[session]
	if !ok {
		s = &memSession{}
		t.sessions[session] = s
		t.order = append(t.order, session)
	}
	s.messages = append(s.messages, &memMessage{msg: *msg})
	return nil
}

// SendBatch enqueues messages one by one; the first error aborts the rest.
func (q *MemoryQueue) SendBatch(ctx context.Context, topic string, msgs []*Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		if err := q.sendLocked(topic, m); err != nil {
			return err
		}
	}
	return nil
}

// LeaseNextSession locks the first session whose head message is deliverable.
// A session whose head is scheduled in the future is skipped entirely: within
// a session enqueue order is delivery order, so nothing may jump ahead.
func (q *MemoryQueue) LeaseNextSession(ctx context.Context, topic string) (*SessionLease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.topic(topic)
	if err != nil {
		return nil, err
	}
	now := q.now()
	for _, key := range t.order {
		s := t.sessions[key]
		if s.lockToken != "" && s.lockedUntil.After(now) {
			continue
		}
		if s.lockToken != "" {
			// Lock expired mid-flight: make the session leasable again.
			s.lockToken = ""
			for _, m := range s.messages {
				m.inFlight = false
			}
		}
		if !sessionReady(s, now) {
			continue
		}
		token := uuid.NewString()
		s.lockToken = token
		s.lockedUntil = now.Add(LockDuration(topic))
		return &SessionLease{Topic: topic, Session: key, LockedUntil: s.lockedUntil, token: token}, nil
	}
	return nil, nil
}

func sessionReady(s *memSession, now time.Time) bool {
	if len(s.messages) == 0 {
		return false
	}
	head := s.messages[0]
	if head.inFlight {
		return false
	}
	if head.msg.ScheduledFor != nil && head.msg.ScheduledFor.After(now) {
		return false
	}
	return true
}

// Receive returns up to max in-order deliverable messages from the leased
// session, incrementing each message's delivery count. Messages whose count
// exceeds the topic ceiling are dead-lettered instead of delivered.
func (q *MemoryQueue) Receive(ctx context.Context, lease *SessionLease, max int) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, s, err := q.leased(lease)
	if err != nil {
		return nil, err
	}
	now := q.now()
	maxCount := MaxDeliveryCount(lease.Topic)

	var out []*Delivery
	for len(out) < max {
		i := firstPending(s)
		if i < 0 {
			break
		}
		m := s.messages[i]
		if m.msg.ScheduledFor != nil && m.msg.ScheduledFor.After(now) {
			break // head not due yet; nothing behind it may be delivered
		}
		m.deliveryCount++
		if m.deliveryCount > maxCount {
			q.deadLetterLocked(t, s, i, "max-delivery")
			continue
		}
		m.inFlight = true
		out = append(out, &Delivery{Message: m.msg, DeliveryCount: m.deliveryCount, lockToken: lease.token})
	}
	return out, nil
}

func firstPending(s *memSession) int {
	for i, m := range s.messages {
		if !m.inFlight {
			return i
		}
	}
	return -1
}

// Complete removes a delivered message permanently.
func (q *MemoryQueue) Complete(ctx context.Context, d *Delivery) error {
	return q.settle(d, func(t *memTopic, s *memSession, i int) {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	})
}

// Abandon returns a delivered message to its session for redelivery.
func (q *MemoryQueue) Abandon(ctx context.Context, d *Delivery) error {
	return q.settle(d, func(t *memTopic, s *memSession, i int) {
		s.messages[i].inFlight = false
	})
}

// DeadLetter retires a delivered message with a terminal reason.
func (q *MemoryQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return q.settle(d, func(t *memTopic, s *memSession, i int) {
		q.deadLetterLocked(t, s, i, reason)
	})
}

func (q *MemoryQueue) deadLetterLocked(t *memTopic, s *memSession, i int, reason string) {
	m := s.messages[i]
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	t.dead = append(t.dead, &deadEntry{msg: m.msg, reason: reason, at: q.now()})
	q.logger.Printf("dead-lettered message %s on %s: %s", m.msg.ID, t.name, reason)
}

func (q *MemoryQueue) settle(d *Delivery, apply func(*memTopic, *memSession, int)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.topics {
		for _, s := range t.sessions {
			if s.lockToken != d.lockToken || s.lockedUntil.Before(q.now()) {
				continue
			}
			for i, m := range s.messages {
				if m.msg.ID == d.ID && m.inFlight {
					apply(t, s, i)
					return nil
				}
			}
		}
	}
	return ErrLockLost
}

// RenewLock extends the session's visibility lock.
func (q *MemoryQueue) RenewLock(ctx context.Context, lease *SessionLease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, s, err := q.leased(lease)
	if err != nil {
		return err
	}
	s.lockedUntil = q.now().Add(LockDuration(lease.Topic))
	lease.LockedUntil = s.lockedUntil
	return nil
}

// Release gives the session back; in-flight messages become redeliverable.
func (q *MemoryQueue) Release(ctx context.Context, lease *SessionLease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, s, err := q.leased(lease)
	if err != nil {
		return nil // already expired or taken over; nothing to release
	}
	s.lockToken = ""
	for _, m := range s.messages {
		m.inFlight = false
	}
	return nil
}

func (q *MemoryQueue) leased(lease *SessionLease) (*memTopic, *memSession, error) {
	t, err := q.topic(lease.Topic)
	if err != nil {
		return nil, nil, err
	}
	s, ok := t.sessions[lease.Session]
	if !ok || s.lockToken != lease.token || s.lockedUntil.Before(q.now()) {
		return nil, nil, ErrLockLost
	}
	return t, s, nil
}

// Depths reports active, scheduled, and dead-letter counts per topic.
func (q *MemoryQueue) Depths(ctx context.Context) (map[string]TopicDepth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make(map[string]TopicDepth, len(q.topics))
	for name, t := range q.topics {
		var d TopicDepth
		for _, s := range t.sessions {
			for _, m := range s.messages {
				if m.msg.ScheduledFor != nil && m.msg.ScheduledFor.After(now) {
					d.Scheduled++
				} else {
					d.Active++
				}
			}
		}
		d.DeadLetter = len(t.dead)
		out[name] = d
	}
	return out, nil
}

// DeadLetters returns the dead-letter entries for a topic (telemetry and
// the dead-letter side consumer).
func (q *MemoryQueue) DeadLetters(topic string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.topic(topic)
	if err != nil {
		return nil
	}
	out := make([]Message, len(t.dead))
	for i, e := range t.dead {
		out[i] = e.msg
	}
	return out
}

// TakeDeadLetter pops the oldest dead-letter entry for a topic. Returns a
// nil message when the dead-letter store is empty.
func (q *MemoryQueue) TakeDeadLetter(ctx context.Context, topic string) (*Message, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.topic(topic)
	if err != nil {
		return nil, "", err
	}
	if len(t.dead) == 0 {
		return nil, "", nil
	}
	e := t.dead[0]
	t.dead = t.dead[1:]
	msg := e.msg
	return &msg, e.reason, nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }
