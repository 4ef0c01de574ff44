// Package backend implements tier.Store over the storage engines a tier can
// sit on: process memory, SQLite, a local directory, Badger and Redis.
package backend

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/lazypower/tierkeeper/internal/model"
	"github.com/lazypower/tierkeeper/internal/tier"
)

type object struct {
	env     model.Envelope
	content []byte
}

// MemStore keeps records in a map. A non-zero quota caps the total content
// bytes it will hold.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]object
	used    int64
	quota   int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore(quota int64) *MemStore {
	return &MemStore{objects: make(map[string]object), quota: quota}
}

func (m *MemStore) Put(ctx context.Context, env model.Envelope, content []byte) error {
	if err := ctx.Err(); err != nil {
		return tier.Transient("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used + int64(len(content))
	if old, ok := m.objects[env.RecordID]; ok {
		next -= int64(len(old.content))
	}
	if m.quota > 0 && next > m.quota {
		return tier.ErrCapacityExceeded
	}
	m.objects[env.RecordID] = object{env: env, content: append([]byte(nil), content...)}
	m.used = next
	return nil
}

func (m *MemStore) Get(ctx context.Context, recordID string) (model.Envelope, []byte, error) {
	if err := ctx.Err(); err != nil {
		return model.Envelope{}, nil, tier.Transient("get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[recordID]
	if !ok {
		return model.Envelope{}, nil, tier.ErrNotFound
	}
	return o.env, append([]byte(nil), o.content...), nil
}

// Delete is idempotent: removing an absent record is not an error.
func (m *MemStore) Delete(ctx context.Context, recordID string) error {
	if err := ctx.Err(); err != nil {
		return tier.Transient("delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.objects[recordID]; ok {
		m.used -= int64(len(o.content))
		delete(m.objects, recordID)
	}
	return nil
}

func (m *MemStore) ListSince(ctx context.Context, since time.Time) iter.Seq2[model.Envelope, error] {
	m.mu.RLock()
	envs := make([]model.Envelope, 0, len(m.objects))
	for _, o := range m.objects {
		if !o.env.CreatedAt.Before(since) {
			envs = append(envs, o.env)
		}
	}
	m.mu.RUnlock()
	sortEnvelopes(envs)
	return yieldAll(ctx, envs)
}

// Used returns the content bytes currently held.
func (m *MemStore) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Len returns the number of records held.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func sortEnvelopes(envs []model.Envelope) {
	sort.Slice(envs, func(i, j int) bool { return envs[i].RecordID < envs[j].RecordID })
}

// yieldAll replays a collected slice, stopping early if ctx is cancelled.
func yieldAll(ctx context.Context, envs []model.Envelope) iter.Seq2[model.Envelope, error] {
	return func(yield func(model.Envelope, error) bool) {
		for _, env := range envs {
			if err := ctx.Err(); err != nil {
				yield(model.Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

func yieldErr(err error) iter.Seq2[model.Envelope, error] {
	return func(yield func(model.Envelope, error) bool) {
		yield(model.Envelope{}, err)
	}
}
