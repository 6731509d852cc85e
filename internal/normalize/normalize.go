package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"aegis/internal/config"
	"aegis/internal/model"
)

var (
	ErrNotNumeric     = errors.New("latitude and longitude must be numbers")
	ErrLatitudeRange  = errors.New("latitude must be between -90 and 90")
	ErrLongitudeRange = errors.New("longitude must be between -180 and 180")
)

// LocationFields is a location report as a source delivered it. Latitude and
// Longitude hold whatever the source decoded: numbers from JSON, strings from
// text lines. Strings are accepted only when AllowText is set.
type LocationFields struct {
	Identity  string
	Latitude  any
	Longitude any
	Timestamp string
	Source    string
	AllowText bool
	Extras    map[string]string
	Raw       string
}

func Location(fields LocationFields, cfg *config.Config) (model.Location, error) {
	lat, err := coordinate(fields.Latitude, fields.AllowText)
	if err != nil {
		return model.Location{}, err
	}
	lng, err := coordinate(fields.Longitude, fields.AllowText)
	if err != nil {
		return model.Location{}, err
	}
	if lat < -90 || lat > 90 {
		return model.Location{}, fmt.Errorf("%w: got %v", ErrLatitudeRange, lat)
	}
	if lng < -180 || lng > 180 {
		return model.Location{}, fmt.Errorf("%w: got %v", ErrLongitudeRange, lng)
	}

	identity := strings.TrimSpace(fields.Identity)
	if identity == "" {
		identity = cfg.Ingest.Parser.DefaultIdentity
	}

	loc := time.UTC
	if cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}
	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Location{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	source := strings.TrimSpace(fields.Source)
	if source == "" {
		source = "log"
	}
	return model.Location{
		Identity:  identity,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: ts,
		Source:    source,
	}, nil
}

func coordinate(v any, allowText bool) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, ErrNotNumeric
		}
		f = parsed
	case string:
		if !allowText {
			return 0, ErrNotNumeric
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, ErrNotNumeric
		}
		f = parsed
	default:
		return 0, ErrNotNumeric
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumeric
	}
	return f, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
