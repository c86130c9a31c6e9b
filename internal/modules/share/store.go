// README: Share group persistence; the memory store buckets open groups by geohash cell.
package share

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridepool/internal/modules/location"
	"ridepool/internal/types"
)

type Store interface {
	Create(ctx context.Context, g *Group) error
	Get(ctx context.Context, id types.ID) (*Group, error)
	// Update writes g if the stored version equals expectedVersion, else ErrConflict.
	Update(ctx context.Context, g *Group, expectedVersion int) error
	// ListOpenNear returns OPEN groups whose pickup cell is p's cell or a neighbour.
	ListOpenNear(ctx context.Context, p types.Point) ([]*Group, error)
	// ListOpenBefore returns OPEN groups created at or before cutoff, oldest first.
	ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Group, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	groups map[types.ID]*Group
	cells  map[string]map[types.ID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups: make(map[types.ID]*Group),
		cells:  make(map[string]map[types.ID]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return ErrConflict
	}
	s.groups[g.ID] = g.Clone()
	s.index(g)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, g *Group, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	g.Version = expectedVersion + 1
	s.groups[g.ID] = g.Clone()
	s.index(g)
	return nil
}

func (s *MemoryStore) ListOpenNear(_ context.Context, p types.Point) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Group
	for _, cell := range location.CellsAround(p) {
		for id := range s.cells[cell] {
			out = append(out, s.groups[id].Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOpenBefore(_ context.Context, cutoff time.Time, limit int) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Group
	for _, ids := range s.cells {
		for id := range ids {
			g := s.groups[id]
			if !g.CreatedAt.After(cutoff) {
				out = append(out, g.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// index keeps only OPEN groups in the cell buckets. Caller holds the lock.
func (s *MemoryStore) index(g *Group) {
	bucket := s.cells[g.PickupCell]
	if g.Status != StatusOpen {
		if bucket != nil {
			delete(bucket, g.ID)
			if len(bucket) == 0 {
				delete(s.cells, g.PickupCell)
			}
		}
		return
	}
	if bucket == nil {
		bucket = make(map[types.ID]struct{})
		s.cells[g.PickupCell] = bucket
	}
	bucket[g.ID] = struct{}{}
}
