package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedPayload marks payloads that are not valid JSON objects.
var ErrMalformedPayload = errors.New("malformed alert payload")

// CandidateKind is decode outcome tag.
type CandidateKind int

const (
	// KindReject marks valid JSON that does not describe an alert.
	KindReject CandidateKind = iota
	// KindAlert marks payload accepted as candidate alert.
	KindAlert
)

// String returns readable tag name for logs.
func (k CandidateKind) String() string {
	if k == KindAlert {
		return "alert"
	}
	return "reject"
}

// RawAlert is candidate alert before normalization and defaulting.
// Params: optional wire fields; Timestamp keeps raw representation for normalizer.
// Returns: typed candidate consumed by ledger merge.
type RawAlert struct {
	ID        string
	Type      string
	Location  string
	Message   string
	Severity  *int
	Timestamp any
	Status    string
}

// Candidate is tagged result of push payload decode.
// Params: Kind selects whether Alert is meaningful.
// Returns: accepted candidate or explicit reject with reason.
type Candidate struct {
	Kind   CandidateKind
	Alert  RawAlert
	Reason string
}

// ConnectionAck is payload of `connected` stream event.
// Params: human-readable message, origin timestamp, and optional status.
// Returns: data used to synthesize CONNECTED system alert.
type ConnectionAck struct {
	Message   string
	Timestamp any
	Status    string
}

// Snapshot is decoded poll envelope.
// Params: candidate alerts and count of entries skipped as non-objects.
// Returns: poll result for merge path.
type Snapshot struct {
	Alerts  []RawAlert
	Skipped int
}

// wireAlert mirrors loosely-typed origin JSON.
type wireAlert struct {
	ID        json.RawMessage `json:"id"`
	AlertID   json.RawMessage `json:"alertId"`
	Type      json.RawMessage `json:"type"`
	Location  json.RawMessage `json:"location"`
	Message   json.RawMessage `json:"message"`
	Severity  json.RawMessage `json:"severity"`
	Timestamp json.RawMessage `json:"timestamp"`
	Status    json.RawMessage `json:"status"`
}

// DecodeCandidate decodes one push payload into candidate or reject.
// Params: raw JSON bytes of one stream event data field.
// Returns: tagged candidate or ErrMalformedPayload-wrapped error.
func DecodeCandidate(raw []byte) (Candidate, error) {
	alert, err := decodeRawAlert(raw)
	if err != nil {
		return Candidate{}, err
	}
	return classify(alert), nil
}

// DecodeCandidates decodes one object or array payload into candidates.
// Params: raw JSON bytes with one object or array of objects.
// Returns: tagged candidates in payload order or decode error.
func DecodeCandidates(raw []byte) ([]Candidate, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if payload[0] != '[' {
		candidate, err := DecodeCandidate(payload)
		if err != nil {
			return nil, err
		}
		return []Candidate{candidate}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: alert batch must contain at least one alert", ErrMalformedPayload)
	}
	out := make([]Candidate, 0, len(items))
	for i, item := range items {
		candidate, err := DecodeCandidate(item)
		if err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
		out = append(out, candidate)
	}
	return out, nil
}

// DecodeConnectionAck decodes `connected` event payload.
// Params: raw JSON object bytes.
// Returns: acknowledgement or ErrMalformedPayload-wrapped error.
func DecodeConnectionAck(raw []byte) (ConnectionAck, error) {
	var wire struct {
		Message   json.RawMessage `json:"message"`
		Timestamp json.RawMessage `json:"timestamp"`
		Status    json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &wire); err != nil {
		return ConnectionAck{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ack := ConnectionAck{
		Message: looseString(wire.Message),
		Status:  looseString(wire.Status),
	}
	if len(wire.Timestamp) > 0 {
		ack.Timestamp = wire.Timestamp
	}
	return ack, nil
}

// DecodeSnapshot decodes poll response envelope `{ "alerts": [...] }`.
// Params: raw response body.
// Returns: snapshot with every object entry, or envelope decode error.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var envelope struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &envelope); err != nil {
		return Snapshot{}, fmt.Errorf("decode alert snapshot: %w", err)
	}
	snapshot := Snapshot{Alerts: make([]RawAlert, 0, len(envelope.Alerts))}
	for _, item := range envelope.Alerts {
		alert, err := decodeRawAlert(item)
		if err != nil {
			snapshot.Skipped++
			continue
		}
		snapshot.Alerts = append(snapshot.Alerts, alert)
	}
	return snapshot, nil
}

// decodeRawAlert converts one JSON object into typed candidate fields.
// Params: raw JSON object bytes.
// Returns: raw alert or ErrMalformedPayload-wrapped error.
func decodeRawAlert(raw []byte) (RawAlert, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return RawAlert{}, fmt.Errorf("%w: expected JSON object", ErrMalformedPayload)
	}
	var wire wireAlert
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return RawAlert{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	alert := RawAlert{
		ID:       looseString(wire.ID),
		Type:     looseString(wire.Type),
		Location: looseString(wire.Location),
		Message:  looseString(wire.Message),
		Severity: looseInt(wire.Severity),
		Status:   looseString(wire.Status),
	}
	if alert.ID == "" {
		alert.ID = looseString(wire.AlertID)
	}
	if len(wire.Timestamp) > 0 && !bytes.Equal(wire.Timestamp, []byte("null")) {
		alert.Timestamp = wire.Timestamp
	}
	return alert, nil
}

// classify tags decoded payload as alert when type or message is present.
// Params: decoded raw alert.
// Returns: tagged candidate.
func classify(alert RawAlert) Candidate {
	if alert.Type == "" && alert.Message == "" {
		return Candidate{Kind: KindReject, Reason: "payload has neither type nor message"}
	}
	return Candidate{Kind: KindAlert, Alert: alert}
}

// looseString reads JSON string or number as trimmed text.
// Params: raw JSON value.
// Returns: text value or empty string for other shapes.
func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return ""
		}
		return strings.TrimSpace(value)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var number json.Number
		if err := json.Unmarshal(raw, &number); err != nil {
			return ""
		}
		return number.String()
	default:
		return ""
	}
}

// looseInt reads JSON number or digit string as integer.
// Params: raw JSON value.
// Returns: pointer to parsed integer or nil when missing/unparseable.
func looseInt(raw json.RawMessage) *int {
	text := looseString(raw)
	if text == "" {
		return nil
	}
	if value, err := strconv.Atoi(text); err == nil {
		return &value
	}
	floatValue, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(floatValue) || math.IsInf(floatValue, 0) {
		return nil
	}
	value := int(math.Round(floatValue))
	return &value
}
