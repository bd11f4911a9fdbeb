// Package fare derives the negotiable fare shown to a rider and locks the
// single amount that is charged once an offer is accepted.
package fare

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/example/ridenow/internal/models"
)

const (
	DefaultPricePerKm = 500
	DefaultVariance   = 0.12
	DefaultIncrement  = 50
)

type Config struct {
	PricePerKm float64
	Variance   float64
	Increment  float64
}

func DefaultConfig() Config {
	return Config{PricePerKm: DefaultPricePerKm, Variance: DefaultVariance, Increment: DefaultIncrement}
}

func (c Config) Validate() error {
	switch {
	case c.PricePerKm <= 0:
		return errors.New("PricePerKm should be greater than 0")
	case c.Variance < 0 || c.Variance >= 1:
		return errors.New("Variance should be in [0,1)")
	case c.Increment < 0:
		return errors.New("Increment should not be negative")
	}
	return nil
}

// Source is the randomness the model draws from. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type Model struct {
	cfg Config

	mu  sync.Mutex
	rnd Source
}

// New builds a model. A nil source falls back to a time-seeded PCG.
func New(cfg Config, src Source) *Model {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Model{cfg: cfg, rnd: src}
}

func (m *Model) Config() Config { return m.cfg }

// Base is distanceKm * PricePerKm. When the distance is unknown the flat
// fallback estimate is used, else 0.
func (m *Model) Base(distanceKm, fallback float64) float64 {
	if distanceKm > 0 {
		return distanceKm * m.cfg.PricePerKm
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

// Range expands a base fare into the band shown while negotiating.
func (m *Model) Range(base float64) models.FareRange {
	if base <= 0 {
		return models.FareRange{}
	}
	return models.FareRange{Min: base * (1 - m.cfg.Variance), Max: base * (1 + m.cfg.Variance)}
}

// Lock picks a uniform amount inside r rounded to the nearest Increment.
// Rounding never leaves the range: when the nearest multiple falls outside it
// steps one increment back in, and when no multiple fits the raw draw is used.
func (m *Model) Lock(r models.FareRange) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	m.mu.Lock()
	f := m.rnd.Float64()
	m.mu.Unlock()

	v := r.Min + f*(r.Max-r.Min)
	inc := m.cfg.Increment
	if inc <= 0 {
		return round2(v, r)
	}
	rounded := math.Round(v/inc) * inc
	if rounded > r.Max {
		rounded -= inc
	}
	if rounded < r.Min {
		rounded += inc
	}
	if rounded < r.Min || rounded > r.Max {
		return round2(v, r)
	}
	return rounded
}

func round2(v float64, r models.FareRange) float64 {
	out := math.Round(v*100) / 100
	return math.Min(math.Max(out, r.Min), r.Max)
}
