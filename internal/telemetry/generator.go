// Package telemetry generates synthetic personnel records and the random
// walk, vitals and activity samples the update loop applies to them.
package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"aegis/internal/model"
)

const (
	DefaultWaveformLength = 50
	DefaultInitialEvents  = 5

	heartRateMin  = 60
	heartRateSpan = 40

	// Event type draws: the first draw above alertCut is an alert, otherwise a
	// second draw above agentCut is an agent event, else status.
	alertCut = 0.7
	agentCut = 0.5
)

type Params struct {
	WaveformLength int
	InitialEvents  int
}

type Generator struct {
	src    Source
	vocab  Vocabulary
	params Params
	now    func() time.Time
	newID  func() string
}

type Option func(*Generator)

func WithVocabulary(v Vocabulary) Option {
	return func(g *Generator) { g.vocab = v }
}

func WithParams(p Params) Option {
	return func(g *Generator) { g.params = p }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithIDFunc replaces the event id generator; tests use it for stable ids.
func WithIDFunc(fn func() string) Option {
	return func(g *Generator) { g.newID = fn }
}

func NewGenerator(src Source, opts ...Option) *Generator {
	if src == nil {
		src = NewLockedSource(0)
	}
	g := &Generator{
		src:    src,
		vocab:  DefaultVocabulary(),
		params: Params{WaveformLength: DefaultWaveformLength, InitialEvents: DefaultInitialEvents},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return "event-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.params.WaveformLength <= 0 {
		g.params.WaveformLength = DefaultWaveformLength
	}
	if g.params.InitialEvents < 0 {
		g.params.InitialEvents = 0
	}
	return g
}

// Derive returns a generator with new params sharing the same source,
// vocabulary, clock and id function.
func (g *Generator) Derive(p Params) *Generator {
	next := *g
	if p.WaveformLength > 0 {
		next.params.WaveformLength = p.WaveformLength
	}
	if p.InitialEvents >= 0 {
		next.params.InitialEvents = p.InitialEvents
	}
	return &next
}

func (g *Generator) Params() Params {
	return g.params
}

func (g *Generator) Now() time.Time {
	return g.now()
}

// CreateBatch builds n entities placed uniformly inside the square of
// half-width radiusDeg around the origin.
func (g *Generator) CreateBatch(n int, originLat, originLng, radiusDeg float64) []model.Entity {
	if n <= 0 {
		return []model.Entity{}
	}
	out := make([]model.Entity, 0, n)
	for i := 1; i <= n; i++ {
		pos := model.Position{
			Lat: originLat + (g.src.Float64()-0.5)*2*radiusDeg,
			Lng: originLng + (g.src.Float64()-0.5)*2*radiusDeg,
		}
		id := fmt.Sprintf("demo-soldier-%d", i)
		events := make([]model.Event, 0, g.params.InitialEvents)
		for j := 0; j < g.params.InitialEvents; j++ {
			events = append(events, g.SampleEvent(id))
		}
		out = append(out, model.Entity{
			ID:              id,
			Name:            fmt.Sprintf("Demo Soldier %d", i),
			CodeName:        fmt.Sprintf("Operator %d", i),
			Rank:            g.pick(g.vocab.Ranks),
			Unit:            g.pick(g.vocab.Units),
			HeartRate:       g.SampleHeartRate(),
			LastPing:        g.now(),
			InitialPosition: pos,
			Position:        pos,
			Waveform:        g.SampleWaveform(),
			Weight:          fmt.Sprintf("%dlbs", 140+g.src.IntN(40)),
			Height:          fmt.Sprintf("%d\"", 66+g.src.IntN(12)),
			BloodType:       g.pick(g.vocab.BloodTypes),
			Allergies:       []string{g.pick(g.vocab.Allergies)},
			Medications:     []string{g.pick(g.vocab.Medications)},
			Conditions:      []string{g.pick(g.vocab.Conditions)},
			Events:          events,
			Steps:           0,
			Activity:        g.SampleActivity(),
		})
	}
	return out
}

// Step displaces pos by an independent uniform delta in [-stride/2, stride/2)
// on each axis. It does not clamp to any radius.
func (g *Generator) Step(pos model.Position, strideDeg float64) model.Position {
	return model.Position{
		Lat: pos.Lat + (g.src.Float64()-0.5)*strideDeg,
		Lng: pos.Lng + (g.src.Float64()-0.5)*strideDeg,
	}
}

// SampleWaveform returns a fresh sine-plus-noise PPG trace.
func (g *Generator) SampleWaveform() []float64 {
	out := make([]float64, g.params.WaveformLength)
	for i := range out {
		base := 0.5*math.Sin(0.2*float64(i)) + 0.5
		out[i] = base + g.src.Float64()*0.1
	}
	return out
}

func (g *Generator) SampleHeartRate() int {
	return heartRateMin + g.src.IntN(heartRateSpan)
}

func (g *Generator) SampleActivity() string {
	return g.pick(g.vocab.Activities)
}

func (g *Generator) SampleEvent(entityID string) model.Event {
	typ := model.EventStatus
	if g.src.Float64() > alertCut {
		typ = model.EventAlert
	} else if g.src.Float64() > agentCut {
		typ = model.EventAgent
	}
	return model.Event{
		ID:          g.newID(),
		Type:        typ,
		Timestamp:   g.now(),
		Title:       g.pick(g.vocab.Activities),
		Description: "Routine update for soldier " + entityID,
	}
}

func (g *Generator) pick(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[g.src.IntN(len(list))]
}
