// README: Driver persistence contract and the in-memory arena implementation.
package driver

import (
	"context"
	"sync"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

type Store interface {
	Create(ctx context.Context, d *Driver) error
	Get(ctx context.Context, id types.ID) (*Driver, error)
	GetMany(ctx context.Context, ids []types.ID) ([]Driver, error)
	// ListEligibleNear returns eligible drivers roughly within radiusKm of p.
	// Callers compute exact distances.
	ListEligibleNear(ctx context.Context, p types.Point, radiusKm float64) ([]Driver, error)
	// Update writes d if the stored version still equals expectedVersion.
	Update(ctx context.Context, d *Driver, expectedVersion int) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	drivers map[types.ID]Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drivers: make(map[types.ID]Driver)}
}

func (s *MemoryStore) Create(_ context.Context, d *Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drivers[d.ID]; ok {
		return ErrDuplicate
	}
	s.drivers[d.ID] = *d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) GetMany(_ context.Context, ids []types.ID) ([]Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.drivers[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListEligibleNear(_ context.Context, p types.Point, radiusKm float64) ([]Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Driver
	for _, d := range s.drivers {
		if !d.Eligible() {
			continue
		}
		dist, err := location.DistanceKm(p, d.Position)
		if err != nil || dist > radiusKm {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, d *Driver, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.drivers[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	next := *d
	next.Version = expectedVersion + 1
	s.drivers[d.ID] = next
	d.Version = next.Version
	return nil
}
