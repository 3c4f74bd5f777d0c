package timestamp

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// MillisThreshold separates unix seconds from unix milliseconds.
// Values strictly greater than threshold are already milliseconds.
const MillisThreshold int64 = 1_000_000_000_000

// CanonicalLayout is the single ISO-8601 shape published downstream.
const CanonicalLayout = "2006-01-02T15:04:05.000Z07:00"

// isoLayouts lists accepted ISO-8601 variants; zone-less values are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02T15:04Z07:00",
}

// Instant is normalized timestamp.
// Params: UTC time, canonical ISO string, and epoch milliseconds sort key.
// Returns: one representation shared by storage and ordering.
type Instant struct {
	Time    time.Time
	ISO     string
	EpochMS int64
}

// Normalize converts heterogeneous timestamp input into canonical instant.
// Params: raw value (nil, string, JSON raw value, number, or time) and fallback "now".
// Returns: normalized instant; unparseable input yields now.
func Normalize(value any, now time.Time) Instant {
	if parsed, ok := parse(value); ok {
		return fromTime(parsed)
	}
	return fromTime(now)
}

// SortKey re-derives epoch milliseconds from stored canonical string.
// Params: ISO timestamp or digit string.
// Returns: epoch milliseconds or 0 when unparseable.
func SortKey(value string) int64 {
	parsed, ok := parse(value)
	if !ok {
		return 0
	}
	return parsed.UnixMilli()
}

// Format renders time in canonical layout.
// Params: any time value.
// Returns: UTC ISO-8601 string with millisecond precision.
func Format(value time.Time) string {
	return value.UTC().Format(CanonicalLayout)
}

func fromTime(value time.Time) Instant {
	value = value.UTC().Truncate(time.Millisecond)
	return Instant{
		Time:    value,
		ISO:     Format(value),
		EpochMS: value.UnixMilli(),
	}
}

// parse dispatches by dynamic input type.
// Params: raw timestamp value.
// Returns: parsed time and success flag; never panics.
func parse(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, false
		}
		return typed, true
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return time.Time{}, false
		}
		return *typed, true
	case string:
		return parseString(typed)
	case json.Number:
		return parseNumberText(typed.String())
	case json.RawMessage:
		return parseRawJSON(typed)
	case []byte:
		return parseRawJSON(typed)
	case float64:
		return parseFloat(typed)
	case float32:
		return parseFloat(float64(typed))
	case int:
		return parseInteger(int64(typed))
	case int32:
		return parseInteger(int64(typed))
	case int64:
		return parseInteger(typed)
	case uint:
		return parseInteger(int64(typed))
	case uint32:
		return parseInteger(int64(typed))
	case uint64:
		if typed > math.MaxInt64 {
			return time.Time{}, false
		}
		return parseInteger(int64(typed))
	default:
		return time.Time{}, false
	}
}

// parseRawJSON reads undecoded JSON value kept by payload decode.
// Params: raw JSON bytes (string, number, or null).
// Returns: parsed time and success flag.
func parseRawJSON(raw []byte) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, false
		}
		return parseString(text)
	}
	return parseNumberText(string(raw))
}

// parseString applies ISO heuristic first, then digit-only unix value.
// Params: timestamp text.
// Returns: parsed time and success flag.
func parseString(text string) (time.Time, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, false
	}
	if strings.Contains(text, "T") {
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	if isDigits(text) {
		value, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseInteger(value)
	}
	return time.Time{}, false
}

// parseNumberText reads JSON number text (integer or fractional).
// Params: number text.
// Returns: parsed time and success flag.
func parseNumberText(text string) (time.Time, bool) {
	if value, err := strconv.ParseInt(text, 10, 64); err == nil {
		return parseInteger(value)
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, false
	}
	return parseFloat(value)
}

// parseInteger applies seconds-vs-milliseconds heuristic.
// Params: unix value; zero and negatives are treated as absent.
// Returns: parsed time and success flag.
func parseInteger(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	if value > MillisThreshold {
		return time.UnixMilli(value), true
	}
	if value > math.MaxInt64/1000 {
		return time.Time{}, false
	}
	return time.UnixMilli(value * 1000), true
}

// parseFloat handles fractional unix values with the same heuristic.
// Params: unix value as float.
// Returns: parsed time and success flag.
func parseFloat(value float64) (time.Time, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return time.Time{}, false
	}
	millis := value
	if value <= float64(MillisThreshold) {
		millis = value * 1000
	}
	if millis >= math.MaxInt64 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(math.Round(millis))), true
}

func isDigits(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}
