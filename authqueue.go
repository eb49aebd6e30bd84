package main

import "sync"

// AuthRequest is one pending authentication. Session ties the request to
// the connection that made it.
type AuthRequest struct {
	Identity Identity
	Session  int64
}

// AuthQueue holds authentication requests until the next auth tick.
// Push, Drain and Remove are safe for concurrent use; a request pushed
// while a drain is in progress lands in the next drain.
type AuthQueue struct {
	mu      sync.Mutex
	pending []AuthRequest
}

// NewAuthQueue creates an empty AuthQueue
func NewAuthQueue() *AuthQueue {
	return &AuthQueue{}
}

// Push appends a request
func (q *AuthQueue) Push(req AuthRequest) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()
}

// Drain removes and returns every queued request, oldest first
func (q *AuthQueue) Drain() []AuthRequest {
	q.mu.Lock()
	out := q.pending
	q.pending = nil
	q.mu.Unlock()
	return out
}

// Remove drops every queued request of identity and returns how many
// were dropped
func (q *AuthQueue) Remove(identity Identity) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, r := range q.pending {
		if r.Identity != identity {
			kept = append(kept, r)
		}
	}
	removed := len(q.pending) - len(kept)
	clear(q.pending[len(kept):])
	q.pending = kept
	return removed
}

// Contains reports whether identity has a queued request
func (q *AuthQueue) Contains(identity Identity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.pending {
		if r.Identity == identity {
			return true
		}
	}
	return false
}

// Len returns the number of queued requests
func (q *AuthQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
