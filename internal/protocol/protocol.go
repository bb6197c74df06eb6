// Package protocol decodes the newline-delimited JSON "tap-to-target"
// message stream a Singer tap emits, and classifies every decode
// failure as a fatal protocol error. It is the statically-typed
// tagged-union analogue of what a dynamically-typed tap
// implementation would do with an ad-hoc `msg["type"]` dispatch.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Type is one of the four recognized message kinds.
type Type string

const (
	TypeSchema          Type = "SCHEMA"
	TypeRecord          Type = "RECORD"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
)

// Error is a protocol-level failure: malformed input, unknown
// type, or a RECORD before its stream's SCHEMA. Always fatal — the
// engine terminates with a non-zero exit on any Error.
type Error struct {
	Reason string
	Line   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s", e.Reason)
}

// Schema is a decoded SCHEMA message: declares a stream's JSON-Schema
// and primary-key paths.
type Schema struct {
	Stream        string          `json:"stream"`
	SchemaDoc     json.RawMessage `json:"schema"`
	KeyProperties []string        `json:"key_properties"`
}

// Record is a decoded RECORD message. Version, when
// present, is the stream's table version this record belongs to
// (carried forward into the _SDC_TABLE_VERSION metadata column).
type Record struct {
	Stream        string          `json:"stream"`
	RecordDoc     json.RawMessage `json:"record"`
	TimeExtracted string          `json:"time_extracted"`
	Version       *int64          `json:"version"`
}

// State is a decoded STATE message: an opaque checkpoint forwarded
// unchanged after its gating flushes succeed.
type State struct {
	Value json.RawMessage `json:"value"`
}

// ActivateVersion is a decoded ACTIVATE_VERSION message.
type ActivateVersion struct {
	Stream  string `json:"stream"`
	Version int64  `json:"version"`
}

type envelope struct {
	Type Type `json:"type"`
}

// ParseLine decodes one protocol line into the concrete message type
// its "type" field names, returning *Error for any of the three
// fatal protocol cases: malformed JSON, an
// unrecognized type, or (left to the caller, which has the registry) a
// RECORD before SCHEMA.
func ParseLine(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("malformed JSON: %v", err), Line: string(line)}
	}

	switch env.Type {
	case TypeSchema:
		var msg Schema
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("malformed SCHEMA message: %v", err), Line: string(line)}
		}
		if msg.Stream == "" {
			return nil, &Error{Reason: "SCHEMA message missing \"stream\"", Line: string(line)}
		}
		if len(msg.SchemaDoc) == 0 {
			return nil, &Error{Reason: "SCHEMA message missing \"schema\"", Line: string(line)}
		}
		return msg, nil

	case TypeRecord:
		var msg Record
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("malformed RECORD message: %v", err), Line: string(line)}
		}
		if msg.Stream == "" {
			return nil, &Error{Reason: "RECORD message missing \"stream\"", Line: string(line)}
		}
		if len(msg.RecordDoc) == 0 {
			return nil, &Error{Reason: "RECORD message missing \"record\"", Line: string(line)}
		}
		return msg, nil

	case TypeState:
		var msg State
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("malformed STATE message: %v", err), Line: string(line)}
		}
		return msg, nil

	case TypeActivateVersion:
		var msg ActivateVersion
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("malformed ACTIVATE_VERSION message: %v", err), Line: string(line)}
		}
		if msg.Stream == "" {
			return nil, &Error{Reason: "ACTIVATE_VERSION message missing \"stream\"", Line: string(line)}
		}
		return msg, nil

	default:
		return nil, &Error{Reason: fmt.Sprintf("unknown message type %q", env.Type), Line: string(line)}
	}
}

// DecodeRecord unmarshals a Record's raw document into a
// map[string]interface{} suitable for internal/record.Normalize,
// using json.Number so integer/float distinctions survive the trip.
func DecodeRecord(msg Record) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(msg.RecordDoc))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("malformed record document: %v", err)}
	}
	return out, nil
}
