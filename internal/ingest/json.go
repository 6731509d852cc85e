package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"aegis/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.LocationFields, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps the common key spellings onto location fields. Raw
// coordinate values are kept so normalisation can type-check them.
func ParseJSONMap(obj map[string]interface{}) *normalize.LocationFields {
	fields := &normalize.LocationFields{Extras: map[string]string{}}
	raw := make(map[string]interface{}, len(obj))
	for key, val := range obj {
		k := strings.ToLower(key)
		raw[k] = val
		if val != nil {
			fields.Extras[k] = fmt.Sprint(val)
		}
	}
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts")
	fields.Identity = firstNonEmpty(fields.Extras, "identity", "id", "device", "device_id", "tracker")
	fields.Latitude = firstValue(raw, "latitude", "lat")
	fields.Longitude = firstValue(raw, "longitude", "lng", "lon", "long")
	return fields
}

func firstValue(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
