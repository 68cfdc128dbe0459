// Package worker runs session-leasing consumer pools over the queue. A
// pool leases one session at a time per goroutine and drains it in order,
// so messages sharing a session are never processed concurrently.
package worker

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/claimspipe/backend/internal/metrics"
	"github.com/claimspipe/backend/internal/queue"
)

// memorySoftLimitBytes throttles the pool down to a single effective worker
// while heap usage is above it.
const memorySoftLimitBytes = 400 << 20

// Pool drains one topic with a fixed number of goroutines.
type Pool struct {
	q        queue.Queue
	topic    string
	handler  queue.Handler
	size     int
	pollWait time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

func NewPool(name string, q queue.Queue, topic string, handler queue.Handler, size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{
		q:        q,
		topic:    topic,
		handler:  handler,
		size:     size,
		pollWait: 500 * time.Millisecond,
		logger:   log.New(log.Writer(), "["+name+"] ", log.LstdFlags),
	}
}

// SetMetrics installs the settle-outcome counter.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run starts the pool and blocks until ctx is cancelled and all workers
// have drained their current session.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Printf("starting %d workers on topic %s", p.size, p.topic)
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	p.logger.Printf("stopped (topic %s)", p.topic)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		// Under memory pressure only worker 0 keeps pulling.
		if id > 0 && heapPressure() {
			if !sleepCtx(ctx, p.pollWait*4) {
				return
			}
			continue
		}

		lease, err := p.q.LeaseNextSession(ctx, p.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("lease error on %s: %v", p.topic, err)
			if !sleepCtx(ctx, p.pollWait*2) {
				return
			}
			continue
		}
		if lease == nil {
			if !sleepCtx(ctx, p.pollWait) {
				return
			}
			continue
		}

		p.drainSession(ctx, lease)
	}
}

// drainSession processes the leased session in order until it runs dry,
// the handler abandons, or shutdown begins.
func (p *Pool) drainSession(ctx context.Context, lease *queue.SessionLease) {
	defer func() {
		if err := p.q.Release(ctx, lease); err != nil && err != queue.ErrLockLost {
			p.logger.Printf("release %s/%s: %v", lease.Topic, lease.Session, err)
		}
	}()

	renewStop := p.keepLeaseAlive(ctx, lease)
	defer renewStop()

	for ctx.Err() == nil {
		// One at a time: a mid-batch abandon would leave later deliveries
		// in flight with burned delivery counts.
		ds, err := p.q.Receive(ctx, lease, 1)
		if err != nil {
			if err == queue.ErrLockLost {
				return
			}
			p.logger.Printf("receive %s/%s: %v", lease.Topic, lease.Session, err)
			return
		}
		if len(ds) == 0 {
			return // session drained or head not yet due
		}
		d := ds[0]

		outcome := p.handle(ctx, d)
		switch outcome.Kind {
		case queue.OutcomeComplete:
			if err := p.q.Complete(ctx, d); err != nil {
				p.logger.Printf("complete %s: %v", d.Message.ID, err)
				return
			}
			p.countOutcome("complete")
		case queue.OutcomeDeadLetter:
			if err := p.q.DeadLetter(ctx, d, outcome.Reason); err != nil {
				p.logger.Printf("dead-letter %s: %v", d.Message.ID, err)
				return
			}
			p.countOutcome("dead_letter")
		case queue.OutcomeAbandon:
			// Put the message back and stop draining: retrying later must
			// not let successors overtake it.
			if err := p.q.Abandon(ctx, d); err != nil {
				p.logger.Printf("abandon %s: %v", d.Message.ID, err)
			}
			p.countOutcome("abandon")
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, d *queue.Delivery) (out queue.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("handler panic on %s: %v", d.Message.ID, r)
			out = queue.DeadLettered(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return p.handler.Handle(ctx, d)
}

// keepLeaseAlive renews the session lock at half its duration until the
// returned stop function is called.
func (p *Pool) keepLeaseAlive(ctx context.Context, lease *queue.SessionLease) func() {
	interval := queue.LockDuration(lease.Topic) / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.q.RenewLock(ctx, lease); err != nil {
					if err != queue.ErrLockLost && ctx.Err() == nil {
						p.logger.Printf("renew %s/%s: %v", lease.Topic, lease.Session, err)
					}
					return
				}
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func (p *Pool) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.MessagesHandled.WithLabelValues(p.topic, outcome).Inc()
	}
}

func heapPressure() bool {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc > memorySoftLimitBytes
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
