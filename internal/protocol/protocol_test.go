package protocol

import (
	"errors"
	"testing"
)

const testID = "2b1c6f9a-5f3e-4d2a-9c1b-7e8f0a1b2c3d"

func TestParseSensor(t *testing.T) {
	msg, err := ParseSensor("SENSOR#" + testID + "#1700000000#0.42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.ClientID != testID {
		t.Fatalf("unexpected client id: %q", msg.ClientID)
	}
	if msg.Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp: %d", msg.Timestamp)
	}
	if msg.Value != 0.42 {
		t.Fatalf("unexpected value: %v", msg.Value)
	}
}

func TestParseSensorRejectsMalformed(t *testing.T) {
	cases := []string{
		"SENSOR#abc#notanumber#3.2",          // bad id and timestamp
		"SENSOR#" + testID + "#notanum#3.2",  // bad timestamp
		"SENSOR#" + testID + "#1700#banana",  // bad value
		"SENSOR#" + testID + "#1700",         // too few fields
		"SENSOR#" + testID + "#1700#1.0#huh", // too many fields
		"BOGUS#" + testID + "#1700#1.0",      // wrong tag
	}
	for _, raw := range cases {
		if _, err := ParseSensor(raw); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %q, got %v", raw, err)
		}
	}
}

func TestParseDataRejectsMalformed(t *testing.T) {
	cases := []string{
		"DATA#1#",       // empty value field
		"DATA#1",        // too few fields
		"DATA#x#1.0",    // bad timestamp
		"DATA#1#1.0#2",  // too many fields
		"SENSOR#1#1.0",  // wrong tag
	}
	for _, raw := range cases {
		if _, err := ParseData(raw); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %q, got %v", raw, err)
		}
	}
}

func TestParseDataAcceptsFractionalTimestamp(t *testing.T) {
	msg, err := ParseData("DATA#1700000000.5#21.125")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp: %d", msg.Timestamp)
	}
	if msg.Value != 21.125 {
		t.Fatalf("unexpected value: %v", msg.Value)
	}
}

func TestParseConnValidatesID(t *testing.T) {
	if _, err := ParseConn("CONN#" + testID); err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, raw := range []string{"CONN#short", "CONN#", "CONN#" + testID + "#extra", "CONN#zzzzzzzz-5f3e-4d2a-9c1b-7e8f0a1b2c3d"} {
		if _, err := ParseConn(raw); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage for %q, got %v", raw, err)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	raw := FormatSensor(testID, 1700000000, 0.42)
	if raw != "SENSOR#"+testID+"#1700000000#0.42" {
		t.Fatalf("unexpected frame: %q", raw)
	}
	msg, err := ParseSensor(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Value != 0.42 || msg.Timestamp != 1700000000 {
		t.Fatalf("round trip mismatch: %+v", msg)
	}

	data, err := ParseData(FormatData(1700000123, -3.5))
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if data.Value != -3.5 || data.Timestamp != 1700000123 {
		t.Fatalf("round trip mismatch: %+v", data)
	}
}

func TestTagOf(t *testing.T) {
	for raw, want := range map[string]string{
		"CONN#" + testID:    TagConn,
		"DISCONN#" + testID: TagDisconn,
		"SENSOR#a#1#2":      TagSensor,
		"DATA#1#2":          TagData,
	} {
		tag, err := TagOf(raw)
		if err != nil {
			t.Fatalf("tag of %q: %v", raw, err)
		}
		if tag != want {
			t.Fatalf("tag of %q: got %q want %q", raw, tag, want)
		}
	}
	if _, err := TagOf("PING#x"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
