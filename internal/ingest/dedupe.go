package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"aegis/internal/model"
)

const maxRecentReports = 10000

type seenReport struct {
	key string
	at  time.Time
}

// recentReports remembers location reports for one window. Entries expire in
// arrival order, so pruning only inspects the oldest ones.
type recentReports struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	order []seenReport
}

func newRecentReports() *recentReports {
	return &recentReports{seen: make(map[string]time.Time)}
}

// Redelivered reports whether an identical report arrived within window, and
// records this one either way.
func (r *recentReports) Redelivered(loc model.Location, now time.Time, window time.Duration) bool {
	key := reportKey(loc)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now, window)
	if at, ok := r.seen[key]; ok && now.Sub(at) <= window {
		return true
	}
	r.seen[key] = now
	r.order = append(r.order, seenReport{key: key, at: now})
	for len(r.order) > maxRecentReports {
		r.evict()
	}
	return false
}

// Forget drops loc so a retry after a failed save is not mistaken for a
// redelivery.
func (r *recentReports) Forget(loc model.Location) {
	key := reportKey(loc)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, key)
}

func (r *recentReports) prune(now time.Time, window time.Duration) {
	for len(r.order) > 0 && now.Sub(r.order[0].at) > window {
		r.evict()
	}
}

func (r *recentReports) evict() {
	oldest := r.order[0]
	r.order = r.order[1:]
	if at, ok := r.seen[oldest.key]; ok && at.Equal(oldest.at) {
		delete(r.seen, oldest.key)
	}
}

func (r *recentReports) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// reportKey covers every reported field, so only redelivered messages
// collide.
func reportKey(loc model.Location) string {
	parts := []string{
		loc.Identity,
		strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
		loc.Source,
		loc.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
