// Package registry maps metric identifiers such as "era5.spi" to the
// strategies that fetch or process them. A registry is populated once at
// startup, frozen, and read-only afterwards.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrFrozen is returned by Register once the registry is frozen.
	ErrFrozen = errors.New("metric registry is frozen")

	// ErrNotFrozen is returned by lookups before the registry is frozen.
	ErrNotFrozen = errors.New("metric registry used before it was frozen")
)

// Request carries the arguments a metric strategy runs with.
type Request struct {
	Region        string
	AdminLevel    int
	Year          int
	BaselineStart int
	BaselineEnd   int
	Window        int
	Method        string
	BiasCorrect   bool
}

// FetchFunc downloads the raw inputs of a metric.
type FetchFunc func(ctx context.Context, req Request) error

// ProcessFunc computes a metric and returns the files it wrote.
type ProcessFunc func(ctx context.Context, req Request) ([]string, error)

// Metric is one registered metric.
type Metric struct {
	ID          string
	Description string
	Unit        string
	Fetch       FetchFunc
	Process     ProcessFunc
}

// Capabilities derives the capability set from the strategies present.
func (m Metric) Capabilities() Capabilities {
	var c Capabilities
	if m.Fetch != nil {
		c.Add(Fetch)
	}
	if m.Process != nil {
		c.Add(Process)
	}
	return c
}

// Registry holds metrics by identifier.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
	frozen  bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{metrics: map[string]Metric{}}
}

// Register adds m. Identifiers must be unique and metrics must have at least
// one strategy.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", m.ID, ErrFrozen)
	}
	if m.ID == "" {
		return errors.New("metric identifier is empty")
	}
	if _, ok := r.metrics[m.ID]; ok {
		return fmt.Errorf("metric %s registered twice", m.ID)
	}
	if m.Fetch == nil && m.Process == nil {
		return fmt.Errorf("metric %s has neither fetch nor process strategy", m.ID)
	}
	r.metrics[m.ID] = m
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the metric registered under id.
func (r *Registry) Lookup(id string) (Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.frozen {
		return Metric{}, ErrNotFrozen
	}
	m, ok := r.metrics[id]
	if !ok {
		return Metric{}, fmt.Errorf("unsupported metric %q", id)
	}
	return m, nil
}

// List returns every metric ordered by identifier.
func (r *Registry) List() ([]Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.frozen {
		return nil, ErrNotFrozen
	}
	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Metric) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}
