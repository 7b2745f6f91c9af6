package types

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LearnerHandle is a pool slot holding one learner and the lock guarding it.
// Agents that alias a learner share the same handle and therefore the same lock.
type LearnerHandle struct {
	id      int
	learner Learner
	lock    *semaphore.Weighted
}

func (h *LearnerHandle) ID() int {
	return h.id
}

// Do runs f with exclusive access to the learner.
// Returns the context error if the lock could not be acquired.
func (h *LearnerHandle) Do(ctx context.Context, f func(Learner) error) error {
	if err := h.lock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.lock.Release(1)
	return f(h.learner)
}

// LearnerPool owns the learner instances referenced by a population
type LearnerPool struct {
	mu      sync.Mutex
	handles map[int]*LearnerHandle
	nextID  int
}

func NewLearnerPool() *LearnerPool {
	return &LearnerPool{
		handles: make(map[int]*LearnerHandle),
	}
}

// Add registers the learner in a new slot
func (p *LearnerPool) Add(learner Learner) *LearnerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := &LearnerHandle{
		id:      p.nextID,
		learner: learner,
		lock:    semaphore.NewWeighted(1),
	}
	p.handles[h.id] = h
	p.nextID += 1
	return h
}

// Copy deep copies the learner of the handle into a new slot.
// The source learner is locked for the duration of the copy.
func (p *LearnerPool) Copy(ctx context.Context, h *LearnerHandle) (*LearnerHandle, error) {
	var clone Learner
	err := h.Do(ctx, func(l Learner) error {
		clone = l.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.Add(clone), nil
}

// Retain drops every slot not referenced by live and returns the number released
func (p *LearnerPool) Retain(live []*LearnerHandle) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep := make(map[int]bool, len(live))
	for _, h := range live {
		keep[h.id] = true
	}
	released := 0
	for id := range p.handles {
		if !keep[id] {
			delete(p.handles, id)
			released += 1
		}
	}
	return released
}

func (p *LearnerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// IDs returns the sorted ids of the live slots
func (p *LearnerPool) IDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
