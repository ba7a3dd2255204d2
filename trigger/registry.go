// SPDX-License-Identifier: GPL-3.0-or-later
package trigger

import "sync"

// Registry tracks every live trigger so a shutdown can cancel all of them,
// including ones whose action is mid-flight in application code. Construct
// one per process and inject it; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	triggers map[*Trigger]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		triggers: map[*Trigger]struct{}{},
	}
}

func (r *Registry) add(t *Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[t] = struct{}{}
}

func (r *Registry) remove(t *Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, t)
}

// Len reports the number of live triggers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

// DisposeAll cancels and disposes every live trigger. Safe to call more than
// once; triggers created afterwards are tracked as usual.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	live := make([]*Trigger, 0, len(r.triggers))
	for t := range r.triggers {
		live = append(live, t)
	}
	r.mu.Unlock()

	for _, t := range live {
		t.Dispose()
	}
}
