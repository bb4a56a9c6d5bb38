// Package sequencer serializes work per conversation while letting unrelated
// conversations run in parallel, and drops duplicate deliveries of the same message.
//
// Each key gets a lane: a queue drained by one goroutine that is created lazily on the
// first Enqueue and exits, removing the lane, as soon as the queue is empty. Lanes live
// in a sharded map so admission never contends on a single global lock.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Admission is the result of Admit.
type Admission int

const (
	// Accept means the message is new and may be enqueued.
	Accept Admission = iota
	// Duplicate means the message was already recorded or is being processed.
	Duplicate
)

func (a Admission) String() string {
	if a == Duplicate {
		return "duplicate"
	}
	return "accept"
}

const shardCount = 32

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("sequencer is closed")

// Task is one unit of work for a key. Errors and panics are logged and do not stop the lane.
type Task func(ctx context.Context) error

// Checker reports whether an external message id has already been recorded.
type Checker interface {
	MessageExists(ctx context.Context, externalID string) (bool, error)
}

type lane struct {
	queue []Task
}

type shard struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// Sequencer runs tasks FIFO per key.
type Sequencer struct {
	base    context.Context
	checker Checker
	shards  [shardCount]shard

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	closeMu sync.RWMutex
	closed  bool

	wg     sync.WaitGroup
	active atomic.Int64
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithBaseContext sets the context passed to every task. Cancelling it interrupts
// in-flight tasks that honour their context, such as pacing waits.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Sequencer) {
		if ctx != nil {
			s.base = ctx
		}
	}
}

// New creates a Sequencer. checker may be nil, in which case only the in-flight set
// guards against duplicates.
func New(checker Checker, opts ...Option) *Sequencer {
	s := &Sequencer{
		base:     context.Background(),
		checker:  checker,
		inflight: make(map[string]struct{}),
	}
	for i := range s.shards {
		s.shards[i].lanes = make(map[string]*lane)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Admit decides whether externalID is new. An accepted id stays in the in-flight set
// until Release, so a concurrent redelivery is reported as Duplicate.
// Messages without an id cannot be deduplicated and are always accepted.
func (s *Sequencer) Admit(ctx context.Context, conversationID, externalID string) (Admission, error) {
	if externalID == "" {
		return Accept, nil
	}

	s.inflightMu.Lock()
	if _, busy := s.inflight[externalID]; busy {
		s.inflightMu.Unlock()
		slog.Debug("Sequencer.Admit dropped in-flight duplicate", "conversationID", conversationID, "externalID", externalID)
		return Duplicate, nil
	}
	s.inflight[externalID] = struct{}{}
	s.inflightMu.Unlock()

	if s.checker == nil {
		return Accept, nil
	}
	exists, err := s.checker.MessageExists(ctx, externalID)
	if err != nil {
		s.Release(externalID)
		return Accept, fmt.Errorf("failed to check message %s: %w", externalID, err)
	}
	if exists {
		s.Release(externalID)
		slog.Debug("Sequencer.Admit dropped recorded duplicate", "conversationID", conversationID, "externalID", externalID)
		return Duplicate, nil
	}
	return Accept, nil
}

// Release removes externalID from the in-flight set.
func (s *Sequencer) Release(externalID string) {
	if externalID == "" {
		return
	}
	s.inflightMu.Lock()
	delete(s.inflight, externalID)
	s.inflightMu.Unlock()
}

// Enqueue schedules task after every earlier task for key.
func (s *Sequencer) Enqueue(key string, task Task) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	l, ok := sh.lanes[key]
	if !ok {
		l = &lane{}
		sh.lanes[key] = l
		s.wg.Add(1)
		s.active.Add(1)
		go s.drain(sh, key, l)
	}
	l.queue = append(l.queue, task)
	sh.mu.Unlock()
	return nil
}

// Submit admits externalID and, when accepted, enqueues task on conversationID. The id
// is released once the task has finished.
func (s *Sequencer) Submit(ctx context.Context, conversationID, externalID string, task Task) (Admission, error) {
	adm, err := s.Admit(ctx, conversationID, externalID)
	if err != nil || adm == Duplicate {
		return adm, err
	}
	wrapped := func(ctx context.Context) error {
		defer s.Release(externalID)
		return task(ctx)
	}
	if err := s.Enqueue(conversationID, wrapped); err != nil {
		s.Release(externalID)
		return Accept, err
	}
	return Accept, nil
}

// drain runs the lane's tasks until the queue is empty, then removes the lane.
func (s *Sequencer) drain(sh *shard, key string, l *lane) {
	defer s.wg.Done()
	for {
		sh.mu.Lock()
		if len(l.queue) == 0 {
			delete(sh.lanes, key)
			s.active.Add(-1)
			sh.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		sh.mu.Unlock()

		s.execute(key, task)
	}
}

func (s *Sequencer) execute(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sequencer task panicked", "conversationID", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := task(s.base); err != nil {
		slog.Error("Sequencer task failed", "conversationID", key, "error", err)
	}
}

// Active returns the number of live lanes.
func (s *Sequencer) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every lane has drained.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// Close rejects further work and waits for queued tasks to finish.
func (s *Sequencer) Close() {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.wg.Wait()
}
