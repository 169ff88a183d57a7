// Package protocol implements the text wire format spoken between the
// sensor agent and the collector. Frames are '#'-separated fields with a
// leading tag, e.g. SENSOR#<client_id>#<unix_seconds>#<value>.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	TagConn    = "CONN"
	TagDisconn = "DISCONN"
	TagSensor  = "SENSOR"
	TagData    = "DATA"
)

// ErrInvalidMessage is returned for any frame that does not parse: unknown
// tag, wrong field count, malformed client id or non-numeric field.
// Callers log and drop the frame; a parse failure never tears a session down.
var ErrInvalidMessage = errors.New("invalid message")

// TagOf returns the leading tag of a raw frame without validating the rest.
func TagOf(raw string) (string, error) {
	switch tag := strings.SplitN(raw, "#", 2)[0]; tag {
	case TagConn, TagDisconn, TagSensor, TagData:
		return tag, nil
	default:
		return "", fmt.Errorf("%w: unknown tag %q", ErrInvalidMessage, tag)
	}
}

type ConnMsg struct {
	ClientID string
}

type DisconnMsg struct {
	ClientID string
}

type SensorMsg struct {
	ClientID  string
	Timestamp int64 // unix seconds, the client's sample time
	Value     float64
}

type DataMsg struct {
	Timestamp int64 // unix seconds
	Value     float64
}

func ParseConn(raw string) (ConnMsg, error) {
	parts, err := split(raw, TagConn, 2)
	if err != nil {
		return ConnMsg{}, err
	}
	id, err := parseClientID(parts[1])
	if err != nil {
		return ConnMsg{}, err
	}
	return ConnMsg{ClientID: id}, nil
}

func ParseDisconn(raw string) (DisconnMsg, error) {
	parts, err := split(raw, TagDisconn, 2)
	if err != nil {
		return DisconnMsg{}, err
	}
	id, err := parseClientID(parts[1])
	if err != nil {
		return DisconnMsg{}, err
	}
	return DisconnMsg{ClientID: id}, nil
}

func ParseSensor(raw string) (SensorMsg, error) {
	parts, err := split(raw, TagSensor, 4)
	if err != nil {
		return SensorMsg{}, err
	}
	id, err := parseClientID(parts[1])
	if err != nil {
		return SensorMsg{}, err
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return SensorMsg{}, fmt.Errorf("%w: timestamp %q", ErrInvalidMessage, parts[2])
	}
	v, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return SensorMsg{}, fmt.Errorf("%w: value %q", ErrInvalidMessage, parts[3])
	}
	return SensorMsg{ClientID: id, Timestamp: ts, Value: v}, nil
}

func ParseData(raw string) (DataMsg, error) {
	parts, err := split(raw, TagData, 3)
	if err != nil {
		return DataMsg{}, err
	}
	// The timestamp field is numeric but not necessarily integral.
	ts, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return DataMsg{}, fmt.Errorf("%w: timestamp %q", ErrInvalidMessage, parts[1])
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return DataMsg{}, fmt.Errorf("%w: value %q", ErrInvalidMessage, parts[2])
	}
	return DataMsg{Timestamp: int64(ts), Value: v}, nil
}

func FormatConn(clientID string) string {
	return TagConn + "#" + clientID
}

func FormatDisconn(clientID string) string {
	return TagDisconn + "#" + clientID
}

func FormatSensor(clientID string, unixSeconds int64, value float64) string {
	return TagSensor + "#" + clientID + "#" + strconv.FormatInt(unixSeconds, 10) + "#" + formatValue(value)
}

func FormatData(unixSeconds int64, value float64) string {
	return TagData + "#" + strconv.FormatInt(unixSeconds, 10) + "#" + formatValue(value)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseClientID accepts only the canonical 36-character UUID form used as
// the stable per-install identity.
func parseClientID(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("%w: client id %q", ErrInvalidMessage, s)
	}
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: client id %q", ErrInvalidMessage, s)
	}
	return s, nil
}

func split(raw, tag string, want int) ([]string, error) {
	parts := strings.Split(raw, "#")
	if len(parts) != want {
		return nil, fmt.Errorf("%w: %s expects %d fields, got %d", ErrInvalidMessage, tag, want, len(parts))
	}
	if parts[0] != tag {
		return nil, fmt.Errorf("%w: expected tag %s, got %q", ErrInvalidMessage, tag, parts[0])
	}
	return parts, nil
}
