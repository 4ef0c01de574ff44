// Package tier describes the storage tiers a record can live in and the
// narrow store interface each tier's backend implements.
package tier

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
)

// LatencyClass orders tiers from hottest to coldest. Each class maps to one
// lifecycle role: hot is core, warm is main, cold is archive.
type LatencyClass string

const (
	Hot  LatencyClass = "hot"
	Warm LatencyClass = "warm"
	Cold LatencyClass = "cold"
)

var classOrder = map[LatencyClass]int{Hot: 0, Warm: 1, Cold: 2}

// Valid reports whether c is a known latency class.
func (c LatencyClass) Valid() bool {
	_, ok := classOrder[c]
	return ok
}

// Tier is a storage backend with a capacity budget.
type Tier struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	CapacityBytes int64        `json:"capacity_bytes"` // 0 = unbounded
	LatencyClass  LatencyClass `json:"latency_class"`
	CostWeight    float64      `json:"cost_weight"`
}

// Bounded reports whether the tier has a capacity budget.
func (t Tier) Bounded() bool {
	return t.CapacityBytes > 0
}

// Store is the per-tier CRUD surface. Implementations must be safe for
// concurrent use.
type Store interface {
	Put(ctx context.Context, env model.Envelope, content []byte) error
	Get(ctx context.Context, recordID string) (model.Envelope, []byte, error)
	Delete(ctx context.Context, recordID string) error
	ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error]
}

type entry struct {
	tier  Tier
	store Store
}

// Registry is the static set of available tiers. Only capacity may change
// after registration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byClass map[LatencyClass]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		byClass: make(map[LatencyClass]string),
	}
}

// Register adds a tier with its backend. IDs and latency classes must be
// unique.
func (r *Registry) Register(t Tier, s Store) error {
	if t.ID == "" {
		return fmt.Errorf("register tier: empty id")
	}
	if !t.LatencyClass.Valid() {
		return fmt.Errorf("register tier %s: unknown latency class %q", t.ID, t.LatencyClass)
	}
	if t.CapacityBytes < 0 {
		return fmt.Errorf("register tier %s: negative capacity", t.ID)
	}
	if s == nil {
		return fmt.Errorf("register tier %s: nil store", t.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.ID]; ok {
		return fmt.Errorf("register tier %s: duplicate id", t.ID)
	}
	if other, ok := r.byClass[t.LatencyClass]; ok {
		return fmt.Errorf("register tier %s: latency class %s already taken by %s", t.ID, t.LatencyClass, other)
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	r.entries[t.ID] = &entry{tier: t, store: s}
	r.byClass[t.LatencyClass] = t.ID
	return nil
}

// Get returns a tier by id.
func (r *Registry) Get(id string) (Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Tier{}, false
	}
	return e.tier, true
}

// Store returns the backend for a tier id.
func (r *Registry) Store(id string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", id)
	}
	return e.store, nil
}

// ByClass returns the tier serving a latency class.
func (r *Registry) ByClass(c LatencyClass) (Tier, bool) {
	r.mu.RLock()
	id, ok := r.byClass[c]
	r.mu.RUnlock()
	if !ok {
		return Tier{}, false
	}
	return r.Get(id)
}

// Core, Main and Archive return the tier for each lifecycle role.
func (r *Registry) Core() (Tier, bool)    { return r.ByClass(Hot) }
func (r *Registry) Main() (Tier, bool)    { return r.ByClass(Warm) }
func (r *Registry) Archive() (Tier, bool) { return r.ByClass(Cold) }

// Colder returns the next colder tier after id, if any.
func (r *Registry) Colder(id string) (Tier, bool) {
	t, ok := r.Get(id)
	if !ok {
		return Tier{}, false
	}
	for _, next := range r.List() {
		if classOrder[next.LatencyClass] > classOrder[t.LatencyClass] {
			return next, true
		}
	}
	return Tier{}, false
}

// SetCapacity updates a tier's capacity budget.
func (r *Registry) SetCapacity(id string, capacity int64) error {
	if capacity < 0 {
		return fmt.Errorf("set capacity %s: negative capacity", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("set capacity: unknown tier %q", id)
	}
	e.tier.CapacityBytes = capacity
	return nil
}

// List returns all tiers, hottest first.
func (r *Registry) List() []Tier {
	r.mu.RLock()
	tiers := make([]Tier, 0, len(r.entries))
	for _, e := range r.entries {
		tiers = append(tiers, e.tier)
	}
	r.mu.RUnlock()
	sort.Slice(tiers, func(i, j int) bool {
		return classOrder[tiers[i].LatencyClass] < classOrder[tiers[j].LatencyClass]
	})
	return tiers
}

// Close closes every store that implements io.Closer-like Close() error.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, e := range r.entries {
		if c, ok := e.store.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close tier %s: %w", e.tier.ID, err)
			}
		}
	}
	return firstErr
}
