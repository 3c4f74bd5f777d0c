package domain

import "strings"

// Status is alert lifecycle marker carried on the wire.
// Params: ACTIVE/CONNECTED/RESOLVED or caller-defined values.
// Returns: status string published with every alert.
type Status string

const (
	// StatusActive marks a live alert.
	StatusActive Status = "ACTIVE"
	// StatusConnected marks the synthetic alert emitted on stream connection.
	StatusConnected Status = "CONNECTED"
	// StatusResolved marks an alert dismissed by an operator.
	StatusResolved Status = "RESOLVED"
)

const (
	// SeverityMin is the lowest severity (low).
	SeverityMin = 1
	// SeverityMax is the highest severity (urgent).
	SeverityMax = 5
)

const (
	TypeWeather  = "WEATHER"
	TypeCrowd    = "CROWD"
	TypeSecurity = "SECURITY"
	TypeInfo     = "INFO"
	TypeSystem   = "SYSTEM"
	TypeUnknown  = "UNKNOWN"

	// DefaultLocation is used when origin omits location.
	DefaultLocation = "Unknown"
	// DefaultMessage is used when origin omits message body.
	DefaultMessage = "No message"
)

// Source identifies the ingest path that produced an alert.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
	SourceHTTP   Source = "http"
	SourceNATS   Source = "nats"
	SourceKafka  Source = "kafka"
	SourceSystem Source = "system"
)

// Alert is one normalized record held by the ledger.
// Params: identity, category, place, body, severity, canonical timestamp, and status.
// Returns: immutable record published to subscribers.
type Alert struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Location  string `json:"location"`
	Message   string `json:"message"`
	Severity  int    `json:"severity"`
	Timestamp string `json:"timestamp"`
	Status    Status `json:"status"`
	Source    Source `json:"source,omitempty"`
	EpochMS   int64  `json:"-"`
}

// IsActive reports whether alert is in ACTIVE status.
// Params: none.
// Returns: true for ACTIVE alerts.
func (a Alert) IsActive() bool {
	return a.Status == StatusActive
}

// MatchesLocation checks case-insensitive substring match against location.
// Params: location fragment; empty fragment matches every alert.
// Returns: true when alert location contains fragment.
func (a Alert) MatchesLocation(fragment string) bool {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if fragment == "" {
		return true
	}
	return strings.Contains(strings.ToLower(a.Location), fragment)
}

// NormalizeSeverity resolves optional wire severity into [SeverityMin, SeverityMax].
// Params: parsed severity (nil when missing) and default for missing/zero values.
// Returns: valid severity; values above max clamp to max.
func NormalizeSeverity(raw *int, fallback int) int {
	fallback = clampSeverity(fallback)
	if raw == nil || *raw <= 0 {
		return fallback
	}
	return clampSeverity(*raw)
}

func clampSeverity(value int) int {
	switch {
	case value < SeverityMin:
		return SeverityMin
	case value > SeverityMax:
		return SeverityMax
	default:
		return value
	}
}
