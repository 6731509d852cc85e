package model

import (
	"math"
	"slices"
	"time"
)

// Position is a latitude/longitude pair in degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LngLat is a coordinate in map order, as rendering surfaces expect it.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

func (p Position) LngLat() LngLat {
	return LngLat{Lng: p.Lng, Lat: p.Lat}
}

func (c LngLat) Position() Position {
	return Position{Lat: c.Lat, Lng: c.Lng}
}

type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Valid reports whether the bounds describe a usable, non-empty rectangle.
// A zero Bounds is what a surface reports before it has finished loading.
func (b Bounds) Valid() bool {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.West < b.East && b.South < b.North
}

// Corners returns the closed ring west-south, east-south, east-north,
// west-north, west-south.
func (b Bounds) Corners() []LngLat {
	return []LngLat{
		{Lng: b.West, Lat: b.South},
		{Lng: b.East, Lat: b.South},
		{Lng: b.East, Lat: b.North},
		{Lng: b.West, Lat: b.North},
		{Lng: b.West, Lat: b.South},
	}
}

type Viewport struct {
	Center LngLat  `json:"center"`
	Zoom   float64 `json:"zoom"`
	Bounds Bounds  `json:"bounds"`
}

type EventType string

const (
	EventStatus EventType = "status"
	EventAgent  EventType = "agent"
	EventAlert  EventType = "alert"
)

type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// FeedEvent is an Event tagged with the entity whose log it was appended to.
type FeedEvent struct {
	EntityID string `json:"entity_id"`
	Event
}

type Entity struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CodeName        string    `json:"code_name"`
	Rank            string    `json:"rank"`
	Unit            string    `json:"unit"`
	HeartRate       int       `json:"heart_rate"`
	LastPing        time.Time `json:"last_ping"`
	InitialPosition Position  `json:"initial_position"`
	Position        Position  `json:"position"`
	Waveform        []float64 `json:"waveform"`
	Weight          string    `json:"weight"`
	Height          string    `json:"height"`
	BloodType       string    `json:"blood_type"`
	Allergies       []string  `json:"allergies"`
	Medications     []string  `json:"medications"`
	Conditions      []string  `json:"pre_existing_conditions"`
	Events          []Event   `json:"events"`
	Steps           int       `json:"steps"`
	Activity        string    `json:"event"`
}

// Clone returns a copy that shares no slice storage with e.
func (e Entity) Clone() Entity {
	out := e
	out.Waveform = slices.Clone(e.Waveform)
	out.Allergies = slices.Clone(e.Allergies)
	out.Medications = slices.Clone(e.Medications)
	out.Conditions = slices.Clone(e.Conditions)
	out.Events = slices.Clone(e.Events)
	return out
}

type Location struct {
	Identity  string    `json:"identity,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

func (l Location) Position() Position {
	return Position{Lat: l.Latitude, Lng: l.Longitude}
}

type TickStats struct {
	Tick     uint64        `json:"tick"`
	At       time.Time     `json:"at"`
	Entities int           `json:"entities"`
	Resets   int           `json:"resets"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}
