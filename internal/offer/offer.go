package offer

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/example/ridenow/internal/models"
)

const (
	MinCarYear = 2012
	MaxCarYear = 2024
)

var (
	DriverNames = []string{
		"Chinedu Okafor", "Aisha Bello", "Tunde Adeyemi", "Ngozi Eze", "Ibrahim Musa",
		"Funmi Adebayo", "Emeka Nwosu", "Zainab Lawal", "Segun Ogunleye", "Kemi Balogun",
	}
	CarModels = []string{
		"Toyota Corolla", "Honda Accord", "Toyota Camry", "Hyundai Elantra", "Kia Rio",
		"Lexus RX 350", "Toyota Highlander", "Honda Civic",
	}
)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// Source is the randomness offers are drawn from. *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

// Generator produces randomized driver identities for presentation.
type Generator struct {
	mu  sync.Mutex
	rnd Source
}

func NewGenerator(src Source) *Generator {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	return &Generator{rnd: src}
}

// Generate returns a fresh offer: name and model from the candidate lists, a
// year in [MinCarYear, MaxCarYear] and a plate shaped AAA-123-AA.
func (g *Generator) Generate() models.DriverOffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return models.DriverOffer{
		DriverName:  DriverNames[g.rnd.IntN(len(DriverNames))],
		CarModel:    CarModels[g.rnd.IntN(len(CarModels))],
		CarYear:     MinCarYear + g.rnd.IntN(MaxCarYear-MinCarYear+1),
		PlateNumber: g.pick(letters, 3) + "-" + g.pick(digits, 3) + "-" + g.pick(letters, 2),
	}
}

func (g *Generator) pick(set string, n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(set[g.rnd.IntN(len(set))])
	}
	return b.String()
}
