package ingest

import "testing"

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := "2026-02-23 12:34:56 tracker-7 lat=37.4277 lng=-122.1701"
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Identity != "tracker-7" {
		t.Fatalf("identity: %s", fields.Identity)
	}
	if fields.Latitude != "37.4277" || fields.Longitude != "-122.1701" {
		t.Fatalf("coordinates: %v %v", fields.Latitude, fields.Longitude)
	}
	if fields.Timestamp != "2026-02-23 12:34:56" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
	if !fields.AllowText {
		t.Fatalf("text sources must allow string coordinates")
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if fields, _ := p.ParseLine("timestamp,identity,latitude,longitude"); fields != nil {
		t.Fatalf("expected header to return nil")
	}
	fields, err := p.ParseLine("2026-02-23T12:34:56Z,alpha,51.5,-0.12")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Identity != "alpha" || fields.Latitude != "51.5" || fields.Longitude != "-0.12" {
		t.Fatalf("csv parse mismatch: %+v", fields)
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("bravo, 10.5, 20.25")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Identity != "bravo" || fields.Latitude != "10.5" || fields.Longitude != "20.25" {
		t.Fatalf("positional parse mismatch: %+v", fields)
	}
	fields, err = p.ParseLine("10.5,20.25")
	if err != nil || fields.Identity != "" || fields.Latitude != "10.5" {
		t.Fatalf("two-column parse mismatch: %+v %v", fields, err)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":"2026-02-23T12:34:56Z","device":"charlie","lat":12.5,"lon":-45.25}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.Identity != "charlie" {
		t.Fatalf("json identity mismatch: %q", fields.Identity)
	}
	if fields.Latitude == nil || fields.Longitude == nil {
		t.Fatalf("json coordinates missing")
	}
}

func TestParseBlankLine(t *testing.T) {
	fields, err := NewParser().ParseLine("   ")
	if err != nil || fields != nil {
		t.Fatalf("blank line should be skipped")
	}
}
