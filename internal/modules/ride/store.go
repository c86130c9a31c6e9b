// README: Ride persistence contract and the in-memory arena implementation.
package ride

import (
	"context"
	"sort"
	"sync"

	"ridepool/internal/types"
)

type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	// Update writes r if the stored version still equals expectedVersion,
	// otherwise it returns ErrConflict. On success r.Version is advanced.
	Update(ctx context.Context, r *Ride, expectedVersion int) error
	// ActiveByRider finds a non-terminal ride holding an active seat for rider.
	ActiveByRider(ctx context.Context, riderID types.ID) (*Ride, error)
	// ListByStatus returns up to limit rides in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Ride, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, rideID types.ID) ([]Event, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[types.ID]*Ride
	events map[types.ID][]Event
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[types.ID]*Ride),
		events: make(map[types.ID][]Event),
	}
}

func (s *MemoryStore) Create(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rides[r.ID]; ok {
		return ErrConflict
	}
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, r *Ride, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	r.Version = expectedVersion + 1
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) ActiveByRider(_ context.Context, riderID types.ID) (*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rides {
		if r.Terminal() {
			continue
		}
		for _, seat := range r.Seats {
			if seat.Status == SeatActive && seat.RiderID == riderID {
				return r.Clone(), nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ride
	for _, r := range s.rides {
		if r.Status == status {
			out = append(out, r.Clone())
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

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.ID = s.seq
	s.events[e.RideID] = append(s.events[e.RideID], *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, rideID types.ID) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events[rideID]...), nil
}
