package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresQueue is the durable broker implementation. Session leasing uses a
// lock table with conditional upserts; message rows are claimed in enqueue
// (seq) order with FOR UPDATE SKIP LOCKED so concurrent consumers never
// double-deliver within a held lock.
type PostgresQueue struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	seq            BIGSERIAL,
	id             UUID        NOT NULL,
	topic          TEXT        NOT NULL,
	session        TEXT        NOT NULL,
	type           TEXT        NOT NULL,
	payload        BYTEA       NOT NULL,
	priority       INT         NOT NULL DEFAULT 5,
	retry_count    INT         NOT NULL DEFAULT 0,
	max_retries    INT         NOT NULL DEFAULT 3,
	correlation_id TEXT        NOT NULL DEFAULT '',
	delivery_count INT         NOT NULL DEFAULT 0,
	in_flight      BOOLEAN     NOT NULL DEFAULT FALSE,
	status         TEXT        NOT NULL DEFAULT 'pending',
	scheduled_for  TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	dead_reason    TEXT,
	dead_at        TIMESTAMPTZ,
	PRIMARY KEY (topic, id)
);
CREATE INDEX IF NOT EXISTS queue_messages_pending_idx
	ON queue_messages (topic, session, seq) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS queue_messages_dead_idx
	ON queue_messages (topic, dead_at) WHERE status = 'dead';

CREATE TABLE IF NOT EXISTS queue_session_locks (
	topic        TEXT        NOT NULL,
	session      TEXT        NOT NULL,
	token        UUID        NOT NULL,
	locked_until TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (topic, session)
);

CREATE TABLE IF NOT EXISTS queue_dedupe (
	topic      TEXT        NOT NULL,
	message_id UUID        NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (topic, message_id)
);
`

// NewPostgresQueue wraps an existing connection pool and ensures the queue
// tables exist.
func NewPostgresQueue(ctx context.Context, db *sql.DB) (*PostgresQueue, error) {
	if _, err := db.ExecContext(ctx, queueSchema); err != nil {
		return nil, fmt.Errorf("queue schema: %w", err)
	}
	slog.Info("Postgres queue ready")
	return &PostgresQueue{db: db}, nil
}

func (q *PostgresQueue) Send(ctx context.Context, topic string, msg *Message) error {
	if len(msg.Payload) > MaxMessageBytes {
		return ErrMessageTooLarge
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	session := msg.Session
	if IsFIFO(topic) {
		if session == "" {
			return ErrSessionRequired
		}
		dup, err := q.markSeen(ctx, topic, msg.ID)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	} else if session == "" {
		// Unordered topic: each message is its own pseudo-session so any
		// consumer may claim it independently.
		session = msg.ID
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages
			(id, topic, session, type, payload, priority, retry_count, max_retries,
			 correlation_id, scheduled_for, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (topic, id) DO NOTHING`,
		msg.ID, topic, session, string(msg.Type), msg.Payload, msg.Priority,
		msg.RetryCount, msg.MaxRetries, msg.CorrelationID, msg.ScheduledFor, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("queue send: %w", err)
	}
	return nil
}

// markSeen records a FIFO message id for duplicate suppression and reports
// whether it was already seen within the dedupe window.
func (q *PostgresQueue) markSeen(ctx context.Context, topic, id string) (bool, error) {
	// Opportunistic purge keeps the dedupe table bounded.
	_, _ = q.db.ExecContext(ctx,
		`DELETE FROM queue_dedupe WHERE topic = $1 AND first_seen < now() - $2::interval`,
		topic, fmt.Sprintf("%d seconds", int(DedupeWindow.Seconds())))

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_dedupe (topic, message_id) VALUES ($1, $2)
		ON CONFLICT (topic, message_id) DO NOTHING`, topic, id)
	if err != nil {
		return false, fmt.Errorf("queue dedupe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (q *PostgresQueue) SendBatch(ctx context.Context, topic string, msgs []*Message) error {
	for _, m := range msgs {
		if err := q.Send(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (q *PostgresQueue) LeaseNextSession(ctx context.Context, topic string) (*SessionLease, error) {
	// Candidate sessions: unlocked, with a due head message. Enqueue order is
	// delivery order, so a session whose head is scheduled in the future is
	// not leasable at all.
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.session
		FROM queue_messages m
		WHERE m.topic = $1 AND m.status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM queue_session_locks l
			WHERE l.topic = m.topic AND l.session = m.session AND l.locked_until > now())
		GROUP BY m.session
		HAVING (MIN(m.scheduled_for) IS NULL OR MIN(m.scheduled_for) <= now())
		ORDER BY MIN(m.seq)
		LIMIT 10`, topic)
	if err != nil {
		return nil, fmt.Errorf("queue lease scan: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, session := range candidates {
		if ok, err := q.headReady(ctx, topic, session); err != nil || !ok {
			if err != nil {
				return nil, err
			}
			continue
		}
		lease, err := q.tryLock(ctx, topic, session)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
	}
	return nil, nil
}

// headReady verifies the session's first pending message is due.
func (q *PostgresQueue) headReady(ctx context.Context, topic, session string) (bool, error) {
	var due bool
	err := q.db.QueryRowContext(ctx, `
		SELECT scheduled_for IS NULL OR scheduled_for <= now()
		FROM queue_messages
		WHERE topic = $1 AND session = $2 AND status = 'pending'
		ORDER BY seq LIMIT 1`, topic, session).Scan(&due)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return due, nil
}

func (q *PostgresQueue) tryLock(ctx context.Context, topic, session string) (*SessionLease, error) {
	token := uuid.NewString()
	until := time.Now().Add(LockDuration(topic))
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_session_locks (topic, session, token, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic, session) DO UPDATE
			SET token = EXCLUDED.token, locked_until = EXCLUDED.locked_until
			WHERE queue_session_locks.locked_until <= now()`,
		topic, session, token, until)
	if err != nil {
		return nil, fmt.Errorf("queue lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return nil, err // lost the race
	}

	// A previous holder may have died mid-flight; its claims are void now.
	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_messages SET in_flight = FALSE
		WHERE topic = $1 AND session = $2 AND status = 'pending' AND in_flight`,
		topic, session)
	if err != nil {
		return nil, err
	}
	return &SessionLease{Topic: topic, Session: session, LockedUntil: until, token: token}, nil
}

func (q *PostgresQueue) Receive(ctx context.Context, lease *SessionLease, max int) ([]*Delivery, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := q.verifyLock(ctx, tx, lease); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, payload, session, priority, retry_count, max_retries,
		       correlation_id, delivery_count, scheduled_for, created_at
		FROM queue_messages
		WHERE topic = $1 AND session = $2 AND status = 'pending' AND NOT in_flight
		ORDER BY seq
		LIMIT $3
		FOR UPDATE SKIP LOCKED`, lease.Topic, lease.Session, max)
	if err != nil {
		return nil, fmt.Errorf("queue receive: %w", err)
	}

	now := time.Now()
	maxCount := MaxDeliveryCount(lease.Topic)
	var out []*Delivery
	var dead []string
	for rows.Next() {
		var d Delivery
		var typ string
		var sched sql.NullTime
		if err := rows.Scan(&d.ID, &typ, &d.Payload, &d.Session, &d.Priority,
			&d.RetryCount, &d.MaxRetries, &d.CorrelationID, &d.DeliveryCount,
			&sched, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		d.Type = MessageType(typ)
		if sched.Valid {
			t := sched.Time
			d.ScheduledFor = &t
			if t.After(now) {
				break // in-order: nothing behind an undue message is delivered
			}
		}
		d.DeliveryCount++
		d.lockToken = lease.token
		if d.DeliveryCount > maxCount {
			dead = append(dead, d.ID)
			continue
		}
		out = append(out, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range out {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET delivery_count = delivery_count + 1, in_flight = TRUE
			WHERE topic = $1 AND id = $2`, lease.Topic, d.ID); err != nil {
			return nil, err
		}
	}
	for _, id := range dead {
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET status = 'dead', dead_reason = 'max-delivery', dead_at = now(),
			    in_flight = FALSE, delivery_count = delivery_count + 1
			WHERE topic = $1 AND id = $2`, lease.Topic, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *PostgresQueue) verifyLock(ctx context.Context, tx *sql.Tx, lease *SessionLease) error {
	var held bool
	err := tx.QueryRowContext(ctx, `
		SELECT locked_until > now()
		FROM queue_session_locks
		WHERE topic = $1 AND session = $2 AND token = $3`,
		lease.Topic, lease.Session, lease.token).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !held) {
		return ErrLockLost
	}
	return err
}

func (q *PostgresQueue) settle(ctx context.Context, d *Delivery, topic, query string, args ...interface{}) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lease := &SessionLease{Topic: topic, Session: d.Session, token: d.lockToken}
	if err := q.verifyLock(ctx, tx, lease); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	return tx.Commit()
}

func (q *PostgresQueue) Complete(ctx context.Context, d *Delivery) error {
	return q.settle(ctx, d, topicOf(d), `
		DELETE FROM queue_messages
		WHERE topic = $1 AND id = $2 AND in_flight`, topicOf(d), d.ID)
}

func (q *PostgresQueue) Abandon(ctx context.Context, d *Delivery) error {
	return q.settle(ctx, d, topicOf(d), `
		UPDATE queue_messages SET in_flight = FALSE
		WHERE topic = $1 AND id = $2 AND in_flight`, topicOf(d), d.ID)
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return q.settle(ctx, d, topicOf(d), `
		UPDATE queue_messages
		SET status = 'dead', dead_reason = $3, dead_at = now(), in_flight = FALSE
		WHERE topic = $1 AND id = $2 AND in_flight`, topicOf(d), d.ID, reason)
}

// topicOf recovers the topic from the message type; deliveries do not carry
// their topic explicitly.
func topicOf(d *Delivery) string {
	switch d.Type {
	case TypeWebhook:
		return TopicWebhooks
	case TypeDocumentProcessing:
		return TopicDocuments
	default:
		return TopicDemographics
	}
}

func (q *PostgresQueue) RenewLock(ctx context.Context, lease *SessionLease) error {
	until := time.Now().Add(LockDuration(lease.Topic))
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_session_locks SET locked_until = $4
		WHERE topic = $1 AND session = $2 AND token = $3 AND locked_until > now()`,
		lease.Topic, lease.Session, lease.token, until)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockLost
	}
	lease.LockedUntil = until
	return nil
}

func (q *PostgresQueue) Release(ctx context.Context, lease *SessionLease) error {
	_, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_session_locks
		WHERE topic = $1 AND session = $2 AND token = $3`,
		lease.Topic, lease.Session, lease.token)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_messages SET in_flight = FALSE
		WHERE topic = $1 AND session = $2 AND status = 'pending' AND in_flight`,
		lease.Topic, lease.Session)
	return err
}

func (q *PostgresQueue) TakeDeadLetter(ctx context.Context, topic string) (*Message, string, error) {
	row := q.db.QueryRowContext(ctx, `
		DELETE FROM queue_messages
		WHERE topic = $1 AND id = (
			SELECT id FROM queue_messages
			WHERE topic = $1 AND status = 'dead'
			ORDER BY dead_at LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, type, payload, session, priority, retry_count, max_retries,
		          correlation_id, created_at, dead_reason`, topic)

	var m Message
	var typ string
	var reason sql.NullString
	err := row.Scan(&m.ID, &typ, &m.Payload, &m.Session, &m.Priority,
		&m.RetryCount, &m.MaxRetries, &m.CorrelationID, &m.CreatedAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	m.Type = MessageType(typ)
	return &m, reason.String, nil
}

func (q *PostgresQueue) Depths(ctx context.Context) (map[string]TopicDepth, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT topic,
		       COUNT(*) FILTER (WHERE status = 'pending'
		           AND (scheduled_for IS NULL OR scheduled_for <= now())),
		       COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_for > now()),
		       COUNT(*) FILTER (WHERE status = 'dead')
		FROM queue_messages
		GROUP BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]TopicDepth{
		TopicDemographics: {},
		TopicWebhooks:     {},
		TopicDocuments:    {},
	}
	for rows.Next() {
		var topic string
		var d TopicDepth
		if err := rows.Scan(&topic, &d.Active, &d.Scheduled, &d.DeadLetter); err != nil {
			return nil, err
		}
		out[topic] = d
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}
