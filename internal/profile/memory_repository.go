package profile

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]Profile
	byPhone map[string]string
}

// NewMemoryRepository builds an in-memory profile store for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{byID: make(map[string]Profile), byPhone: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, p Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPhone[p.Phone]; exists {
		return ErrPhoneTaken
	}
	r.byID[p.ID] = clone(p)
	r.byPhone[p.Phone] = p.ID
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return clone(p), nil
}

func (r *memoryRepository) FindByPhone(_ context.Context, phone string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPhone[phone]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return clone(r.byID[id]), nil
}

func (r *memoryRepository) Update(_ context.Context, id string, upd Update) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if upd.Empty() {
		return clone(p), nil
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Role != nil {
		p.Role = *upd.Role
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	if upd.Metadata != nil {
		p.Metadata = upd.Metadata
	}
	p.UpdatedAt = time.Now().UTC()
	r.byID[id] = clone(p)
	return clone(p), nil
}

func (r *memoryRepository) UpdatePINHash(_ context.Context, id, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	p.PINHash = hash
	p.UpdatedAt = time.Now().UTC()
	r.byID[id] = p
	return nil
}

func (r *memoryRepository) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	p.LastLogin = &at
	r.byID[id] = p
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byID, id)
	delete(r.byPhone, p.Phone)
	return nil
}

func clone(p Profile) Profile {
	if p.Metadata != nil {
		m := make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			m[k] = v
		}
		p.Metadata = m
	}
	if p.LastLogin != nil {
		t := *p.LastLogin
		p.LastLogin = &t
	}
	return p
}
