// Package influx writes per-tick telemetry to InfluxDB.
package influx

import (
	"log/slog"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"aegis/internal/config"
	"aegis/internal/model"
)

const Measurement = "telemetry"

// Writer is the part of the client's non-blocking WriteAPI the sink uses.
type Writer interface {
	WritePoint(point *write.Point)
	Flush()
}

type Sink struct {
	client influxdb2.Client
	writer Writer
	logger *slog.Logger
	once   sync.Once
}

// New connects a batching writer for cfg.Org/cfg.Bucket. Write errors are
// logged, never returned.
func New(cfg config.InfluxConfig, logger *slog.Logger) *Sink {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			if logger != nil {
				logger.Error("influx write failed", "bucket", cfg.Bucket, "err", err)
			}
		}
	}()
	return &Sink{client: client, writer: writeAPI, logger: logger}
}

func NewWithWriter(w Writer, logger *slog.Logger) *Sink {
	return &Sink{writer: w, logger: logger}
}

// Observe matches engine.TickObserver.
func (s *Sink) Observe(stats model.TickStats, entities []model.Entity) {
	for _, p := range Points(stats, entities) {
		s.writer.WritePoint(p)
	}
}

func Points(stats model.TickStats, entities []model.Entity) []*write.Point {
	points := make([]*write.Point, 0, len(entities))
	for _, e := range entities {
		p := influxdb2.NewPointWithMeasurement(Measurement).
			AddTag("entity_id", e.ID).
			AddTag("unit", e.Unit).
			AddTag("rank", e.Rank).
			AddField("lat", e.Position.Lat).
			AddField("lng", e.Position.Lng).
			AddField("heart_rate", e.HeartRate).
			AddField("steps", e.Steps).
			SetTime(stats.At)
		points = append(points, p)
	}
	return points
}

func (s *Sink) Close() {
	s.once.Do(func() {
		s.writer.Flush()
		if s.client != nil {
			s.client.Close()
		}
	})
}
