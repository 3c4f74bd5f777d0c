package e2e

import "fmt"

// e2eConfigPrefix builds common service/log/http config used in e2e tests.
// Params: service name, mode, and HTTP port.
// Returns: TOML prefix string with stable defaults.
func e2eConfigPrefix(name, mode string, port int) string {
	return fmt.Sprintf(`
[service]
name = "%s"
mode = "%s"

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"
health_path = "/healthz"
ready_path = "/readyz"
metrics_path = "/metrics"
ingest_path = "/ingest"
max_body_bytes = 1048576
`, name, mode, port)
}

// e2eStreamSection enables upstream SSE with fast fixed reconnect.
// Params: SSE origin URL.
// Returns: TOML stream section.
func e2eStreamSection(url string) string {
	return fmt.Sprintf(`
[stream]
enabled = true
url = "%s"
connect_timeout_sec = 2

[stream.reconnect]
backoff = "fixed"
initial_ms = 50
max_ms = 50
jitter_ratio = 0.0
`, url)
}

// e2eWebhookSection enables HTTP notify channel.
// Params: webhook URL and severity floor.
// Returns: TOML notify section.
func e2eWebhookSection(url string, minSeverity int) string {
	return fmt.Sprintf(`
[notify]
min_severity = %d

[notify.http]
enabled = true
url = "%s"
timeout_sec = 2

[notify.http.retry]
enabled = true
backoff = "fixed"
initial_ms = 20
max_ms = 20
max_attempts = 3
`, minSeverity, url)
}
