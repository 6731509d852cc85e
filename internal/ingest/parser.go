package ingest

import (
	"encoding/csv"
	"errors"
	"regexp"
	"strings"

	"aegis/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=([^\s]+)`)
)

// Parser turns one text line (JSON, CSV or key=value) into location fields.
// A CSV parser remembers the first header row it sees.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.LocationFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	var fields *normalize.LocationFields
	var err error
	switch {
	case looksLikeJSON(trim):
		fields, err = parseJSON(trim)
	case strings.Contains(trim, ",") && !strings.Contains(trim, "="):
		fields, err = p.csv.Parse(trim)
	default:
		fields, err = parsePlain(trim)
	}
	if err != nil || fields == nil {
		return nil, err
	}
	fields.AllowText = true
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parseJSON(line string) (*normalize.LocationFields, error) {
	return ParseJSONBytes([]byte(line))
}

func parsePlain(line string) (*normalize.LocationFields, error) {
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		key := strings.ToLower(match[1])
		kv[key] = match[2]
	}
	fields.Identity = firstNonEmpty(kv, "identity", "id", "device", "device_id", "tracker")
	if v := firstNonEmpty(kv, "latitude", "lat"); v != "" {
		fields.Latitude = v
	}
	if v := firstNonEmpty(kv, "longitude", "lng", "lon", "long"); v != "" {
		fields.Longitude = v
	}
	for k, v := range kv {
		fields.Extras[k] = v
	}

	if fields.Identity == "" && rest != "" {
		tokens := strings.Fields(rest)
		if len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.Identity = tokens[0]
		}
	}
	return fields, nil
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse reads one record. Without a header the columns are positional:
// "lat,lng", "identity,lat,lng" or "timestamp,identity,lat,lng".
func (p *CSVParser) Parse(line string) (*normalize.LocationFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	if p.header != nil {
		for i, name := range p.header {
			if i >= len(record) {
				break
			}
			assignField(fields, name, record[i])
		}
		return fields, nil
	}
	switch len(record) {
	case 0, 1:
		return nil, errors.New("csv location needs at least latitude and longitude")
	case 2:
		fields.Latitude, fields.Longitude = record[0], record[1]
	case 3:
		fields.Identity = record[0]
		fields.Latitude, fields.Longitude = record[1], record[2]
	default:
		fields.Timestamp = record[0]
		fields.Identity = record[1]
		fields.Latitude, fields.Longitude = record[2], record[3]
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "timestamp", "time", "ts", "identity", "id", "device", "latitude", "lat", "longitude", "lng", "lon":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.LocationFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "timestamp", "time", "ts":
		fields.Timestamp = value
	case "identity", "id", "device", "device_id", "tracker":
		fields.Identity = value
	case "latitude", "lat":
		fields.Latitude = value
	case "longitude", "lng", "lon", "long":
		fields.Longitude = value
	default:
		if fields.Extras != nil {
			fields.Extras[name] = value
		}
	}
}
