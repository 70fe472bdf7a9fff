// Package queue provides the delivery queue that moves finalized conversation
// messages into durable storage, surviving transient persistence failures.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinwise-ai/coinwise/internal/metrics"
	"github.com/coinwise-ai/coinwise/internal/models"
)

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in-flight"
	StatusFailed   EntryStatus = "failed"
)

// Entry is one outbound message awaiting durable persistence. Seq orders
// entries within their queue; it increases monotonically per queue.
type Entry struct {
	Seq            uint64         `json:"seq"`
	ConversationID string         `json:"conversationId"`
	Message        models.Message `json:"message"`
	Retries        int            `json:"retries"`
	Status         EntryStatus    `json:"status"`
}

// Persister is the durable store the queue delivers into. CreateMessage must
// tolerate retries: the queue guarantees at-least-once delivery, so the store
// deduplicates by message ID.
type Persister interface {
	CreateMessage(ctx context.Context, conversationID string, msg models.Message) error
}

// Config bounds the queue's retry behavior.
type Config struct {
	// MaxRetries is the total number of persistence attempts per entry
	// before it is dead-lettered.
	MaxRetries int
	// BaseBackoff is the delay after the first failed attempt; it doubles
	// per retry up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// AttemptTimeout bounds a single persistence attempt.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// Status is the queue's side-effect-free introspection snapshot.
type Status struct {
	QueueSize      int  `json:"queueSize"`
	InFlight       bool `json:"inFlight"`
	FailedMessages int  `json:"failedMessages"`
}

// Queue delivers finalized messages of one conversation to a Persister in
// FIFO order. Entries are attempted one at a time; a failing entry backs off
// exponentially and is dead-lettered after exhausting its retries, so it
// never blocks later entries forever and is never silently dropped. Entries
// are mutated only by the queue's own processing; external code observes
// them through Status and DeadLetters copies.
type Queue struct {
	conversationID string
	persister      Persister
	cfg            Config
	logger         *slog.Logger

	mu       sync.Mutex
	pending  []*Entry
	dead     []*Entry
	inFlight bool
	seq      uint64

	// procMu serializes processing between the background loop and Flush.
	procMu sync.Mutex

	// flushing makes an in-progress background retry skip its remaining
	// backoff so a pending Flush is not held up by it.
	flushing  atomic.Bool
	flushWake chan struct{}

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a queue for one conversation and starts its background
// processing loop.
func New(conversationID string, persister Persister, cfg Config, logger *slog.Logger) *Queue {
	q := &Queue{
		conversationID: conversationID,
		persister:      persister,
		cfg:            cfg.withDefaults(),
		logger: logger.With(
			slog.String("module", "queue"),
			slog.String("conversationId", conversationID)),
		flushWake: make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a finalized message and returns immediately; persistence
// happens on the background loop.
func (q *Queue) Enqueue(msg models.Message) {
	q.mu.Lock()
	q.seq++
	q.pending = append(q.pending, &Entry{
		Seq:            q.seq,
		ConversationID: q.conversationID,
		Message:        msg,
		Status:         StatusPending,
	})
	q.mu.Unlock()

	metrics.QueueDepth.Inc()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush forces immediate processing of all pending entries and awaits
// completion. Dead-lettered entries are revived with a fresh retry budget
// first, so a flush after restoring the backend recovers them. Flushing an
// empty queue is a no-op.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	for _, e := range q.dead {
		e.Status = StatusPending
		e.Retries = 0
		q.pending = append(q.pending, e)
		metrics.QueueDepth.Inc()
	}
	q.dead = nil
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].Seq < q.pending[j].Seq })
	q.mu.Unlock()

	// Interrupt any backoff sleep of the background loop so the flush does
	// not wait out a retrying entry's delay.
	q.flushing.Store(true)
	select {
	case q.flushWake <- struct{}{}:
	default:
	}

	q.procMu.Lock()
	defer q.procMu.Unlock()
	q.flushing.Store(false)
	q.process(ctx, true)

	q.mu.Lock()
	failed := len(q.dead)
	q.mu.Unlock()
	if failed > 0 {
		return fmt.Errorf("%d messages could not be persisted and were dead-lettered", failed)
	}
	return nil
}

// Status reports queue depth, in-flight flag and failed-entry count.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		QueueSize:      len(q.pending),
		InFlight:       q.inFlight,
		FailedMessages: len(q.dead),
	}
}

// DeadLetters returns copies of the entries that exhausted their retries.
func (q *Queue) DeadLetters() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.dead))
	for i, e := range q.dead {
		out[i] = *e
	}
	return out
}

// Close stops the background loop. Pending entries stay in memory; a final
// Flush before Close drains them.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.procMu.Lock()
		q.process(context.Background(), false)
		q.procMu.Unlock()
	}
}

// process drains pending entries one at a time, oldest first. With immediate
// set, retry backoff is skipped; used by Flush.
func (q *Queue) process(ctx context.Context, immediate bool) {
	for {
		if ctx.Err() != nil {
			return
		}
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		entry := q.pending[0]
		entry.Status = StatusInFlight
		q.inFlight = true
		q.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		err := q.persister.CreateMessage(attemptCtx, entry.ConversationID, entry.Message)
		cancel()

		q.mu.Lock()
		q.inFlight = false
		if err == nil {
			// Removal is by identity, not position: a concurrent Flush may
			// have revived dead letters ahead of this entry while it was in
			// flight.
			q.removeLocked(entry)
			q.mu.Unlock()
			metrics.QueueDepth.Dec()
			metrics.MessagesPersistedTotal.Inc()
			continue
		}

		entry.Retries++
		if entry.Retries >= q.cfg.MaxRetries {
			// Exhausted: move aside so later entries proceed, keep the
			// message for manual recovery.
			entry.Status = StatusFailed
			q.removeLocked(entry)
			q.dead = append(q.dead, entry)
			q.mu.Unlock()
			metrics.QueueDepth.Dec()
			metrics.DeadLetteredTotal.Inc()
			q.logger.Error("Message dead-lettered",
				slog.String("messageId", entry.Message.ID),
				slog.Int("retries", entry.Retries),
				slog.String("err", err.Error()))
			continue
		}

		entry.Status = StatusPending
		q.mu.Unlock()
		metrics.DeliveryRetriesTotal.Inc()
		q.logger.Warn("Persistence attempt failed",
			slog.String("messageId", entry.Message.ID),
			slog.Int("retries", entry.Retries),
			slog.String("err", err.Error()))

		if immediate || q.flushing.Load() {
			continue
		}
		select {
		case <-q.done:
			return
		case <-q.flushWake:
			// A flush is waiting on procMu; skip the rest of the backoff.
		case <-time.After(q.backoff(entry.Retries)):
		}
	}
}

// removeLocked removes the entry from pending by identity. Callers hold q.mu.
func (q *Queue) removeLocked(entry *Entry) {
	for i, e := range q.pending {
		if e == entry {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// backoff doubles per retry, capped.
func (q *Queue) backoff(retries int) time.Duration {
	d := q.cfg.BaseBackoff << (retries - 1)
	if d > q.cfg.MaxBackoff || d <= 0 {
		return q.cfg.MaxBackoff
	}
	return d
}
