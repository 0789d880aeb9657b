// Package memory implements the installation store in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"mend/internal/faults"
	"mend/internal/installation"
	"mend/internal/task"
)

// Store is an in-memory installation.Store.
type Store struct {
	mu    sync.RWMutex
	items map[string]*installation.Installation
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]*installation.Installation)}
}

func key(provider task.Provider, org string) string {
	return string(provider) + "/" + org
}

func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func (s *Store) Upsert(ctx context.Context, inst *installation.Installation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	now := time.Now()
	if existing, ok := s.items[key(inst.Provider, inst.OrganizationID)]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.items[key(inst.Provider, inst.OrganizationID)] = &cp
	return nil
}

func (s *Store) Get(ctx context.Context, provider task.Provider, organizationID string) (*installation.Installation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[key(provider, organizationID)]
	if !ok {
		return nil, faults.New(faults.KindNotFound, "installation %s/%s", provider, organizationID)
	}
	cp := *inst
	return &cp, nil
}

func (s *Store) List(ctx context.Context, provider task.Provider) ([]*installation.Installation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*installation.Installation
	for _, inst := range s.items {
		if provider == "" || inst.Provider == provider {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, provider task.Provider, organizationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key(provider, organizationID))
	return nil
}

var _ installation.Store = (*Store)(nil)
