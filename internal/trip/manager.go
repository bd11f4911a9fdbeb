package trip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridenow/internal/auth"
	"github.com/example/ridenow/internal/observability"
)

var ErrTooManyTrips = errors.New("too many live trips for this rider")

// Manager keeps one engine per live trip. All engines share the same Deps.
// Trips untouched for IdleTTL are evicted by Sweep.
type Manager struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	engines   map[string]*Engine
	lastSweep time.Time
}

func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg.withDefaults(), deps: deps.withDefaults(), engines: make(map[string]*Engine), lastSweep: time.Now()}
}

// Create starts a trip for the session. When the rider is at
// MaxTripsPerRider their least recently active trip is evicted to make room;
// ErrTooManyTrips is returned when every one of them is mid-payment.
func (m *Manager) Create(session auth.Session) (*Engine, error) {
	now := time.Now()
	var evicted []*Engine
	defer func() { closeEngines(evicted) }()

	m.mu.Lock()
	if now.Sub(m.lastSweep) >= m.sweepEvery() {
		evicted = m.sweepLocked(now)
	}
	if victim, n := m.oldestLocked(session.RiderID); n >= m.cfg.MaxTripsPerRider {
		if victim == nil {
			m.mu.Unlock()
			return nil, ErrTooManyTrips
		}
		delete(m.engines, victim.ID())
		evicted = append(evicted, victim)
	}
	e := NewEngine(uuid.NewString(), session, m.cfg, m.deps)
	m.engines[e.ID()] = e
	m.mu.Unlock()
	observability.ActiveTrips.Inc()
	return e, nil
}

// oldestLocked returns the rider's least recently active evictable trip and
// the number of trips the rider holds.
func (m *Manager) oldestLocked(riderID string) (*Engine, int) {
	var (
		victim *Engine
		oldest time.Time
		n      int
	)
	for _, e := range m.engines {
		if e.Session().RiderID != riderID {
			continue
		}
		n++
		at, busy := e.lastActive()
		if busy {
			continue
		}
		if victim == nil || at.Before(oldest) {
			victim, oldest = e, at
		}
	}
	return victim, n
}

func (m *Manager) sweepEvery() time.Duration {
	d := m.cfg.IdleTTL / 2
	switch {
	case d <= 0:
		return time.Millisecond
	case d > time.Minute:
		return time.Minute
	}
	return d
}

func (m *Manager) sweepLocked(now time.Time) []*Engine {
	m.lastSweep = now
	var out []*Engine
	for id, e := range m.engines {
		at, busy := e.lastActive()
		if !busy && now.Sub(at) > m.cfg.IdleTTL {
			delete(m.engines, id)
			out = append(out, e)
		}
	}
	return out
}

// Sweep evicts idle trips and returns how many were dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	evicted := m.sweepLocked(time.Now())
	m.mu.Unlock()
	closeEngines(evicted)
	return len(evicted)
}

// Janitor sweeps on a ticker until ctx is done.
func (m *Manager) Janitor(ctx context.Context) {
	t := time.NewTicker(m.sweepEvery())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.deps.Logger.Info("evicted idle trips", "count", n)
			}
		}
	}
}

func closeEngines(engines []*Engine) {
	for _, e := range engines {
		e.Close()
		observability.ActiveTrips.Dec()
	}
}

// Get looks up a trip and marks it active.
func (m *Manager) Get(id string) (*Engine, bool) {
	m.mu.RLock()
	e, ok := m.engines[id]
	m.mu.RUnlock()
	if ok {
		e.touch()
	}
	return e, ok
}

// Remove closes and forgets the trip. It reports whether the trip existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	e, ok := m.engines[id]
	delete(m.engines, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	closeEngines([]*Engine{e})
	return true
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.engines)
}

// Close stops every engine. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
	closeEngines(engines)
}
