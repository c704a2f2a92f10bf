package repository

import (
	"context"
	"sync"
)

// MemoryTokenRepository keeps values for the lifetime of the process.
type MemoryTokenRepository struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryTokenRepository() *MemoryTokenRepository {
	return &MemoryTokenRepository{values: make(map[string]string)}
}

func (r *MemoryTokenRepository) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (r *MemoryTokenRepository) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values[key] = value
	return nil
}

func (r *MemoryTokenRepository) Delete(_ context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		delete(r.values, k)
	}
	return nil
}

// Snapshot returns a copy of all stored values.
func (r *MemoryTokenRepository) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}
