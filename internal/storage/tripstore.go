package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridenow/internal/models"
)

var ErrNotFound = errors.New("trip record not found")

// TripStore defines persistence operations for completed trips. Records are
// created once and updated once, with the rating.
type TripStore interface {
	CreateTrip(ctx context.Context, rec models.CompletedTripRecord) (string, error)
	UpdateTrip(ctx context.Context, id string, upd models.TripUpdate) error
	ListTrips(ctx context.Context, riderID string, limit int) ([]models.CompletedTripRecord, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.CompletedTripRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.CompletedTripRecord)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, rec models.CompletedTripRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.New().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.trips[rec.ID] = rec
	return rec.ID, nil
}

func (m *MemoryStore) UpdateTrip(_ context.Context, id string, upd models.TripUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	score := upd.RatingScore
	rec.RatingScore = &score
	rec.RatingComment = upd.RatingComment
	ratedAt := upd.RatedAt
	rec.RatedAt = &ratedAt
	m.trips[id] = rec
	return nil
}

// ListTrips returns the rider's records, newest first.
func (m *MemoryStore) ListTrips(_ context.Context, riderID string, limit int) ([]models.CompletedTripRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CompletedTripRecord, 0)
	for _, r := range m.trips {
		if r.RiderID == riderID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Get(id string) (models.CompletedTripRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.trips[id]
	return r, ok
}
