package queue_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coinwise-ai/coinwise/internal/models"
	"github.com/coinwise-ai/coinwise/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyPersister fails the first failures attempts per message, then succeeds.
type flakyPersister struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	stored   []models.Message
	broken   bool
}

func newFlakyPersister(failures int) *flakyPersister {
	return &flakyPersister{failures: failures, attempts: map[string]int{}}
}

func (p *flakyPersister) CreateMessage(_ context.Context, _ string, msg models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[msg.ID]++
	if p.broken || p.attempts[msg.ID] <= p.failures {
		return errors.New("persistence failed")
	}
	p.stored = append(p.stored, msg)
	return nil
}

func (p *flakyPersister) storedMessages() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.stored))
	copy(out, p.stored)
	return out
}

func (p *flakyPersister) setBroken(broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken = broken
}

func testConfig() queue.Config {
	return queue.Config{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func newQueue(t *testing.T, p queue.Persister, cfg queue.Config) *queue.Queue {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.New("conv-1", p, cfg, logger)
	t.Cleanup(q.Close)
	return q
}

func message(id string) models.Message {
	return models.Message{ID: id, Role: models.RoleUser, Content: "hi", Timestamp: time.Now()}
}

func TestEnqueuePersistsAndEmptiesQueue(t *testing.T) {
	p := newFlakyPersister(0)
	q := newQueue(t, p, testConfig())

	q.Enqueue(message("m1"))

	require.Eventually(t, func() bool {
		return len(p.storedMessages()) == 1
	}, time.Second, time.Millisecond)

	st := q.Status()
	assert.Equal(t, 0, st.QueueSize)
	assert.False(t, st.InFlight)
	assert.Equal(t, 0, st.FailedMessages)
}

func TestFIFOOrderPreserved(t *testing.T) {
	p := newFlakyPersister(0)
	q := newQueue(t, p, testConfig())

	for _, id := range []string{"m1", "m2", "m3"} {
		q.Enqueue(message(id))
	}

	require.Eventually(t, func() bool {
		return len(p.storedMessages()) == 3
	}, time.Second, time.Millisecond)

	stored := p.storedMessages()
	assert.Equal(t, "m1", stored[0].ID)
	assert.Equal(t, "m2", stored[1].ID)
	assert.Equal(t, "m3", stored[2].ID)
}

func TestRetryWithinCapSucceedsExactlyOnce(t *testing.T) {
	// Fails twice, succeeds on the third attempt, within the cap of 3.
	p := newFlakyPersister(2)
	q := newQueue(t, p, testConfig())

	q.Enqueue(message("m1"))

	require.Eventually(t, func() bool {
		return len(p.storedMessages()) == 1
	}, time.Second, time.Millisecond)

	st := q.Status()
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, 0, st.FailedMessages)

	p.mu.Lock()
	attempts := p.attempts["m1"]
	p.mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestExhaustedRetriesDeadLetterAndFlushRecovery(t *testing.T) {
	p := newFlakyPersister(0)
	p.setBroken(true)
	q := newQueue(t, p, testConfig())

	q.Enqueue(message("m1"))

	require.Eventually(t, func() bool {
		return q.Status().FailedMessages == 1
	}, time.Second, time.Millisecond)

	st := q.Status()
	assert.Equal(t, 0, st.QueueSize)

	// The entry is held, not dropped.
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "m1", dead[0].Message.ID)
	assert.Equal(t, queue.StatusFailed, dead[0].Status)

	// Restore the backend; a manual flush recovers the entry.
	p.setBroken(false)
	require.NoError(t, q.Flush(context.Background()))

	stored := p.storedMessages()
	require.Len(t, stored, 1)
	assert.Equal(t, "m1", stored[0].ID)

	st = q.Status()
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, 0, st.FailedMessages)
}

func TestDeadLetterDoesNotBlockLaterEntries(t *testing.T) {
	p := newFlakyPersister(0)
	q := newQueue(t, p, testConfig())

	// m1 always fails; m2 always succeeds.
	p.setBroken(true)
	q.Enqueue(message("m1"))
	require.Eventually(t, func() bool {
		return q.Status().FailedMessages == 1
	}, time.Second, time.Millisecond)

	p.setBroken(false)
	q.Enqueue(message("m2"))

	require.Eventually(t, func() bool {
		return len(p.storedMessages()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "m2", p.storedMessages()[0].ID)
	assert.Equal(t, 1, q.Status().FailedMessages)
}

// gatedPersister fails configured messages and can hold one message's
// attempt open until released, to exercise flushes racing an in-flight
// delivery.
type gatedPersister struct {
	mu      sync.Mutex
	failing map[string]bool
	stored  map[string]int

	gateID  string
	gate    chan struct{}
	started chan string
}

func newGatedPersister(gateID string) *gatedPersister {
	return &gatedPersister{
		failing: map[string]bool{},
		stored:  map[string]int{},
		gateID:  gateID,
		gate:    make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (p *gatedPersister) CreateMessage(_ context.Context, _ string, msg models.Message) error {
	select {
	case p.started <- msg.ID:
	default:
	}
	if msg.ID == p.gateID {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[msg.ID] {
		return errors.New("persistence failed")
	}
	p.stored[msg.ID]++
	return nil
}

func (p *gatedPersister) setFailing(id string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[id] = failing
}

func (p *gatedPersister) storedCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stored[id]
}

func TestFlushDuringInFlightDeliveryKeepsRevivedEntry(t *testing.T) {
	p := newGatedPersister("m2")
	p.setFailing("m1", true)
	q := newQueue(t, p, testConfig())

	// m1 exhausts its retries and is dead-lettered.
	q.Enqueue(message("m1"))
	require.Eventually(t, func() bool {
		return q.Status().FailedMessages == 1
	}, time.Second, time.Millisecond)

	// m2 goes in flight and blocks inside the backend.
	q.Enqueue(message("m2"))
	require.Eventually(t, func() bool {
		for {
			select {
			case id := <-p.started:
				if id == "m2" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)

	// Backend restored; the flush revives m1 while m2 is still in flight.
	p.setFailing("m1", false)
	flushErr := make(chan error, 1)
	go func() { flushErr <- q.Flush(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(p.gate)

	select {
	case err := <-flushErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not return")
	}

	// Both messages are persisted exactly once; the revived entry must not
	// be dropped when the in-flight delivery completes.
	assert.Equal(t, 1, p.storedCount("m1"))
	assert.Equal(t, 1, p.storedCount("m2"))
	st := q.Status()
	assert.Equal(t, 0, st.QueueSize)
	assert.Equal(t, 0, st.FailedMessages)
	assert.Empty(t, q.DeadLetters())
}

func TestFlushInterruptsRetryBackoff(t *testing.T) {
	// First attempt fails and the loop enters a backoff far longer than the
	// test; a flush must cut the sleep short instead of waiting it out.
	p := newFlakyPersister(1)
	q := newQueue(t, p, queue.Config{
		MaxRetries:  3,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Minute,
	})

	q.Enqueue(message("m1"))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.attempts["m1"] >= 1
	}, time.Second, time.Millisecond)

	flushErr := make(chan error, 1)
	go func() { flushErr <- q.Flush(context.Background()) }()

	select {
	case err := <-flushErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush blocked behind retry backoff")
	}

	stored := p.storedMessages()
	require.Len(t, stored, 1)
	assert.Equal(t, "m1", stored[0].ID)
}

func TestFlushOnEmptyQueueIsNoOp(t *testing.T) {
	p := newFlakyPersister(0)
	q := newQueue(t, p, testConfig())

	before := q.Status()
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, before, q.Status())
	assert.Empty(t, p.storedMessages())
}

func TestFlushAgainstBrokenBackendReports(t *testing.T) {
	p := newFlakyPersister(0)
	p.setBroken(true)
	q := newQueue(t, p, testConfig())

	q.Enqueue(message("m1"))
	require.Eventually(t, func() bool {
		return q.Status().FailedMessages == 1
	}, time.Second, time.Millisecond)

	err := q.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, q.Status().FailedMessages)
}
