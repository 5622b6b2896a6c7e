package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ArtifactFunnel/internal/domain"
	"ArtifactFunnel/internal/ports"
)

// Queue is the single entry point stages use to request provider work.
// Enqueues of one correlation id are serialized in-process; the store's
// unique index covers concurrent processes.
type Queue struct {
	store ports.WorkItemStore
	locks keyedMutex
}

// NewQueue wraps a work item store.
func NewQueue(store ports.WorkItemStore) *Queue {
	return &Queue{store: store}
}

// Enqueue records a pending item for correlationID unless a live one exists.
// With force, a completed item is superseded by a fresh attempt.
func (q *Queue) Enqueue(ctx context.Context, correlationID string, prompt domain.Prompt, force bool) (domain.BatchWorkItem, bool, error) {
	stage, err := domain.StageOf(correlationID)
	if err != nil {
		return domain.BatchWorkItem{}, false, err
	}
	payload, err := json.Marshal(prompt)
	if err != nil {
		return domain.BatchWorkItem{}, false, fmt.Errorf("encode prompt %s: %w", correlationID, err)
	}

	unlock := q.locks.Lock(correlationID)
	defer unlock()

	return q.store.EnqueueWorkItem(ctx, domain.BatchWorkItem{
		CorrelationID: correlationID,
		Stage:         stage,
		Payload:       payload,
	}, force)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
