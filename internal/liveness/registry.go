package liveness

import (
	"sync"
	"time"
)

// Registry tracks in-flight attempts keyed by registrant. Attempts past
// their TTL are dropped on the next access; abandoning an attempt
// mid-sequence therefore has no side effects.
type Registry struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewRegistry creates an empty attempt registry.
func NewRegistry() *Registry {
	return &Registry{attempts: make(map[string]*Attempt)}
}

// Begin replaces any existing attempt for the key with a fresh one.
func (r *Registry) Begin(key string, cfg Config) *Attempt {
	a := NewAttempt(cfg)
	r.mu.Lock()
	r.attempts[key] = a
	r.mu.Unlock()
	return a
}

// Get returns the live attempt for the key, or nil if none exists or it
// expired.
func (r *Registry) Get(key string) *Attempt {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[key]
	if !ok {
		return nil
	}
	if a.Expired(now) {
		delete(r.attempts, key)
		return nil
	}
	return a
}

// Remove discards the attempt for the key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.attempts, key)
	r.mu.Unlock()
}

// Sweep drops every expired attempt; callers run it periodically.
func (r *Registry) Sweep() {
	now := time.Now()
	r.mu.Lock()
	for k, a := range r.attempts {
		if a.Expired(now) {
			delete(r.attempts, k)
		}
	}
	r.mu.Unlock()
}
