// Package telemetry moves viewer-count samples from edge collectors to the
// session registry. Samples are fire-and-forget: a dropped sample costs one
// data point, never correctness.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ViewerSample is one observation of a session's concurrent viewers.
type ViewerSample struct {
	SessionID  string    `json:"sessionId"`
	Count      int       `json:"count"`
	ObservedAt time.Time `json:"observedAt"`
}

// Validate rejects samples that cannot be applied.
func (s ViewerSample) Validate() error {
	if s.SessionID == "" {
		return errors.New("sample session id is required")
	}
	if s.Count < 0 {
		return errors.New("sample count must not be negative")
	}
	return nil
}

// Queue fan-outs viewer samples to interested subscribers.
type Queue interface {
	Publish(ctx context.Context, sample ViewerSample) error
	Subscribe() Subscription
}

// Subscription represents an active sample stream.
type Subscription interface {
	Samples() <-chan ViewerSample
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests
// and single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, sample ViewerSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- sample:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking; the next sample supersedes
			// this one anyway.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan ViewerSample, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan ViewerSample
}

func (s *memorySubscription) Samples() <-chan ViewerSample {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
