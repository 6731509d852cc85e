package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/model"
)

func TestObserveTick(t *testing.T) {
	r := NewRecorder()
	r.ObserveTick(model.TickStats{Tick: 1, Entities: 12, Resets: 2, Skipped: 1, Duration: time.Millisecond})
	r.ObserveTick(model.TickStats{Tick: 2, Entities: 12, Resets: 0, Skipped: 0, Duration: time.Millisecond})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ticks))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.resets))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skipped))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.entities))
	assert.Equal(t, uint64(2), r.Last().Tick)
}

func TestObserveLocation(t *testing.T) {
	r := NewRecorder()
	r.ObserveLocation("rest", "accepted")
	r.ObserveLocation("rest", "accepted")
	r.ObserveLocation("kafka", "rejected")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.locations.WithLabelValues("rest", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.locations.WithLabelValues("kafka", "rejected")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.ObserveTick(model.TickStats{Tick: 1, Entities: 3})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "aegis_ticks_total 1"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveTick(model.TickStats{Tick: 1})
	r.ObserveLocation("rest", "accepted")
	assert.Equal(t, model.TickStats{}, r.Last())
	assert.Nil(t, r.Registry())
}
