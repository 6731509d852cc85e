package telemetry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Source is the randomness the generator draws from. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
	IntN(n int) int
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedSource returns a goroutine-safe source. A zero seed seeds from the clock,
// so runs are not reproducible; any other seed replays the same sequence.
func NewLockedSource(seed int64) Source {
	s := uint64(seed)
	if seed == 0 {
		s = uint64(time.Now().UnixNano())
	}
	return &lockedSource{r: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedSource) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
