// Package memory provides an ordered, in-process target registry seeded from config.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Registry holds targets in insertion order. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	targets map[string]scrape.Target
}

// New builds a registry from targets, keeping their order. Duplicate or empty IDs are rejected.
func New(targets []scrape.Target) (*Registry, error) {
	r := &Registry{targets: make(map[string]scrape.Target, len(targets))}
	for _, t := range targets {
		if t.ID == "" {
			return nil, errors.New("target id is required")
		}
		if _, dup := r.targets[t.ID]; dup {
			return nil, fmt.Errorf("duplicate target id %q", t.ID)
		}
		r.order = append(r.order, t.ID)
		r.targets[t.ID] = t
	}
	return r, nil
}

// ListEnabled returns the enabled targets in registry order.
func (r *Registry) ListEnabled(_ context.Context) ([]scrape.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]scrape.Target, 0, len(r.order))
	for _, id := range r.order {
		if t := r.targets[id]; t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTarget returns the live definition of an enabled target.
func (r *Registry) GetTarget(_ context.Context, targetID string) (scrape.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[targetID]
	if !ok || !t.Enabled {
		return scrape.Target{}, fmt.Errorf("get target %s: %w", targetID, scrape.ErrTargetNotFound)
	}
	return t, nil
}

// Upsert replaces an existing target in place or appends a new one.
func (r *Registry) Upsert(t scrape.Target) error {
	if t.ID == "" {
		return errors.New("target id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.targets[t.ID] = t
	return nil
}

// Remove deletes a target. Jobs created earlier will skip it.
func (r *Registry) Remove(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[targetID]; !ok {
		return
	}
	delete(r.targets, targetID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == targetID })
}

// SetEnabled toggles a target without losing its position.
func (r *Registry) SetEnabled(targetID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return fmt.Errorf("set enabled %s: %w", targetID, scrape.ErrTargetNotFound)
	}
	t.Enabled = enabled
	r.targets[targetID] = t
	return nil
}
