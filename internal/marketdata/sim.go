package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Sim is a random-walk provider for paper trading. Spot follows a
// small drift-free walk; contract marks decay toward intrinsic-ish
// values so exits actually trigger in long paper sessions.
type Sim struct {
	mu    sync.Mutex
	rng   *rand.Rand
	spot  map[string]float64
	vol   map[string]float64
	marks map[string]float64
}

func NewSim(seed int64) *Sim {
	return &Sim{
		rng:   rand.New(rand.NewSource(seed)),
		spot:  map[string]float64{},
		vol:   map[string]float64{},
		marks: map[string]float64{},
	}
}

// SetSpot seeds the walk for an instrument.
func (s *Sim) SetSpot(instrument string, spot, impliedVol float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot[instrument] = spot
	s.vol[instrument] = impliedVol
}

// SetMark pins a contract mark (tests and fills use this).
func (s *Sim) SetMark(contractID string, mark float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[contractID] = mark
}

func (s *Sim) GetSnapshot(_ context.Context, instrument string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spot, ok := s.spot[instrument]
	if !ok {
		spot = 100.0
	}
	iv, ok := s.vol[instrument]
	if !ok {
		iv = 0.20
	}

	// One step of a bounded walk per observation.
	step := s.rng.NormFloat64() * spot * iv / math.Sqrt(252*390)
	spot += step
	iv = clamp(iv+s.rng.NormFloat64()*0.002, 0.05, 0.90)
	s.spot[instrument] = spot
	s.vol[instrument] = iv

	return Snapshot{
		Instrument:       instrument,
		Spot:             spot,
		ImpliedVol:       iv,
		VolatilityRegime: RegimeFor(iv),
		AsOf:             time.Now().UTC(),
	}, nil
}

func (s *Sim) Mark(_ context.Context, contractID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.marks[contractID]
	if !ok {
		mark = 1.0
	}
	mark = math.Max(0.01, mark*(1+s.rng.NormFloat64()*0.02))
	s.marks[contractID] = mark
	return mark, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
