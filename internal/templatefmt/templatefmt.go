package templatefmt

import (
	"encoding/json"
	"strings"
	"text/template"
	"time"

	"alertfeed/internal/timestamp"
)

var severityLabels = map[int]string{
	1: "low",
	2: "minor",
	3: "moderate",
	4: "high",
	5: "urgent",
}

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"json":          MarshalJSON,
		"severityLabel": SeverityLabel,
		"upper":         strings.ToUpper,
		"lower":         strings.ToLower,
		"fmtTime":       FormatTime,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// SeverityLabel renders severity number as word.
// Params: severity in [1,5]; other values render as "unknown".
// Returns: lowercase label.
func SeverityLabel(severity int) string {
	if label, ok := severityLabels[severity]; ok {
		return label
	}
	return "unknown"
}

// FormatTime renders canonical timestamp in a custom Go layout.
// Params: canonical ISO timestamp and layout (empty uses "2006-01-02 15:04:05 MST").
// Returns: formatted UTC time or input unchanged when unparseable.
func FormatTime(value, layout string) string {
	key := timestamp.SortKey(value)
	if key == 0 {
		return value
	}
	if strings.TrimSpace(layout) == "" {
		layout = "2006-01-02 15:04:05 MST"
	}
	return time.UnixMilli(key).UTC().Format(layout)
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
