// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package memory implements queue.Queue in-process, grounded on
// internal/pipeline/bus/memory_bus.go's channel-per-subscriber fan-out,
// generalized into a proper visibility-timeout queue: each dequeued
// message gets a deadline instead of a subscriber channel, and a
// throttled background scan returns expired ones to the ready set.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const reapInterval = 50 * time.Millisecond

type entry struct {
	id           string
	payload      []byte
	dequeueCount int
	sequenceNum  int64
	visibleAt    time.Time
}

type queueState struct {
	mu       sync.Mutex
	ready    []*entry
	inflight map[string]*entry
	seq      int64
}

// Queue is an in-memory queue.Queue, intended for tests and local
// prototyping. It is not durable.
type Queue struct {
	mu      sync.Mutex
	queues  map[string]*queueState
	limiter *rate.Limiter
	stop    chan struct{}
	wg      sync.WaitGroup
}

var _ queue.Queue = (*Queue)(nil)

// New starts the background reap loop that returns expired in-flight
// messages to their queue's ready set. Call Close to stop it.
func New() *Queue {
	q := &Queue{
		queues:  make(map[string]*queueState),
		limiter: rate.NewLimiter(rate.Every(reapInterval), 1),
		stop:    make(chan struct{}),
	}
	q.wg.Add(1)
	go q.reapLoop()
	return q
}

// Close stops the reap loop and waits for it to exit.
func (q *Queue) Close() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) reapLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if !q.limiter.Allow() {
				continue
			}
			q.reapExpired()
		}
	}
}

func (q *Queue) reapExpired() {
	now := time.Now()
	q.mu.Lock()
	states := make([]*queueState, 0, len(q.queues))
	for _, s := range q.queues {
		states = append(states, s)
	}
	q.mu.Unlock()

	for _, s := range states {
		s.mu.Lock()
		for id, e := range s.inflight {
			if now.Before(e.visibleAt) {
				continue
			}
			delete(s.inflight, id)
			s.ready = append(s.ready, e)
		}
		s.mu.Unlock()
	}
}

func (q *Queue) state(name string) *queueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.queues[name]
	if !ok {
		s = &queueState{inflight: make(map[string]*entry)}
		q.queues[name] = s
	}
	return s
}

func (q *Queue) Enqueue(_ context.Context, queueName string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := &entry{
		id:          uuid.New().String(),
		payload:     append([]byte(nil), payload...),
		sequenceNum: s.seq,
	}
	if opts.InitialDelay > 0 {
		e.visibleAt = time.Now().Add(opts.InitialDelay)
		s.inflight[e.id] = e
	} else {
		s.ready = append(s.ready, e)
	}
	return e.id, nil
}

func (q *Queue) DequeueBatch(_ context.Context, queueName string, upTo int, visibilityTimeout time.Duration) ([]queue.Message, error) {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := upTo
	if n > len(s.ready) {
		n = len(s.ready)
	}
	if n == 0 {
		return nil, nil
	}

	taken := s.ready[:n]
	s.ready = s.ready[n:]

	now := time.Now()
	msgs := make([]queue.Message, 0, n)
	for _, e := range taken {
		e.dequeueCount++
		e.visibleAt = now.Add(visibilityTimeout)
		s.inflight[e.id] = e
		msgs = append(msgs, queue.Message{
			ID:           e.id,
			QueueName:    queueName,
			Payload:      append([]byte(nil), e.payload...),
			DequeueCount: e.dequeueCount,
			SequenceNum:  e.sequenceNum,
			EnqueueTime:  now,
		})
	}
	return msgs, nil
}

func (q *Queue) Renew(_ context.Context, queueName, messageID string, visibilityTimeout time.Duration) error {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflight[messageID]
	if !ok {
		return fmt.Errorf("memory queue: renew %q: not in flight", messageID)
	}
	e.visibleAt = time.Now().Add(visibilityTimeout)
	return nil
}

func (q *Queue) Delete(_ context.Context, queueName, messageID string) error {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[messageID]; !ok {
		return fmt.Errorf("memory queue: delete %q: not in flight", messageID)
	}
	delete(s.inflight, messageID)
	return nil
}

func (q *Queue) Abandon(_ context.Context, queueName, messageID string) error {
	s := q.state(queueName)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inflight[messageID]
	if !ok {
		return fmt.Errorf("memory queue: abandon %q: not in flight", messageID)
	}
	delete(s.inflight, messageID)
	e.visibleAt = time.Time{}
	s.ready = append(s.ready, e)
	return nil
}
