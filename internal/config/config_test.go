package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	streamEnabled = `[stream]
enabled = true
url = "http://127.0.0.1:8081/api/alerts/sse"`
	pollEnabled = `[poll]
enabled = true
url = "http://127.0.0.1:8081/api/alerts/active"
location = "Main Gate"`
	ingestNATSEnabled = `[ingest.nats]
enabled = true`
)

func TestLoadSnapshotAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(serviceSection("single"), streamEnabled))

	if cfg.Service.Name != "alertfeed" {
		t.Fatalf("unexpected service name %q", cfg.Service.Name)
	}
	if cfg.Ledger.Capacity != 3 || cfg.Ledger.DefaultSeverity != 1 {
		t.Fatalf("unexpected ledger defaults: %+v", cfg.Ledger)
	}
	if cfg.Stream.Reconnect.Backoff != "fixed" || cfg.Stream.Reconnect.InitialMS != 3000 {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg.Stream.Reconnect)
	}
	if cfg.Stream.Reconnect.Jitter() != 0.2 {
		t.Fatalf("expected default jitter 0.2, got %v", cfg.Stream.Reconnect.Jitter())
	}
	if cfg.Stream.Reconnect.MaxAttempts != 0 {
		t.Fatalf("expected unlimited reconnect attempts, got %d", cfg.Stream.Reconnect.MaxAttempts)
	}
	if cfg.Poll.IntervalSec != 30 {
		t.Fatalf("expected poll interval 30, got %d", cfg.Poll.IntervalSec)
	}
	if cfg.Notify.MinSeverity != 3 || cfg.Notify.Template != "default" {
		t.Fatalf("unexpected notify defaults: %+v", cfg.Notify)
	}
	if cfg.HTTP.IngestEnabled {
		t.Fatalf("expected push ingest disabled when stream is enabled")
	}
	if cfg.State.Backend != StateBackendMemory {
		t.Fatalf("expected memory state backend in single mode, got %q", cfg.State.Backend)
	}
}

func TestLoadSnapshotEnablesHTTPIngestWithoutOtherSources(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, serviceSection("single"))
	if !cfg.HTTP.IngestEnabled {
		t.Fatalf("expected http ingest fallback")
	}
}

func TestLoadSnapshotExplicitZeroJitter(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(
		serviceSection("single"),
		streamEnabled,
		`[stream.reconnect]
backoff = "Exponential"
initial_ms = 100
max_ms = 1000
jitter_ratio = 0.0
max_attempts = 5`,
	))
	if cfg.Stream.Reconnect.Jitter() != 0 {
		t.Fatalf("expected explicit zero jitter, got %v", cfg.Stream.Reconnect.Jitter())
	}
	if cfg.Stream.Reconnect.Backoff != "exponential" {
		t.Fatalf("expected normalized backoff, got %q", cfg.Stream.Reconnect.Backoff)
	}
}

func TestLoadSnapshotValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "stream without url",
			content: "[stream]\nenabled = true",
			wantErr: "stream.url is required",
		},
		{
			name:    "stream with non-http url",
			content: "[stream]\nenabled = true\nurl = \"ftp://origin/sse\"",
			wantErr: "stream.url must use http or https",
		},
		{
			name: "unknown backoff",
			content: joinSections(streamEnabled, `[stream.reconnect]
backoff = "linear"`),
			wantErr: "stream.reconnect.backoff",
		},
		{
			name: "jitter out of range",
			content: joinSections(streamEnabled, `[stream.reconnect]
jitter_ratio = 1.5`),
			wantErr: "stream.reconnect.jitter_ratio",
		},
		{
			name:    "poll without url",
			content: "[poll]\nenabled = true",
			wantErr: "poll.url is required",
		},
		{
			name:    "default severity out of range",
			content: "[ledger]\ndefault_severity = 7",
			wantErr: "ledger.default_severity",
		},
		{
			name:    "resolve without url",
			content: "[resolve]\nenabled = true",
			wantErr: "resolve.url is required",
		},
		{
			name:    "kafka without brokers",
			content: "[ingest.kafka]\nenabled = true\ntopic = \"alerts\"",
			wantErr: "ingest.kafka.brokers",
		},
		{
			name:    "kafka without topic",
			content: "[ingest.kafka]\nenabled = true\nbrokers = [\"127.0.0.1:9092\"]",
			wantErr: "ingest.kafka.topic",
		},
		{
			name:    "telegram without credentials",
			content: telegramNotifySection("", "", "tg_default", "{{ .Message }}"),
			wantErr: "notify.telegram.bot_token",
		},
		{
			name:    "invalid template",
			content: telegramNotifySection("token", "chat", "tg_default", "{{ .Message "),
			wantErr: "notify.telegram.name-template[0].message",
		},
		{
			name:    "unknown state backend",
			content: "[state]\nbackend = \"redis\"",
			wantErr: "state.backend",
		},
		{
			name:    "unsupported service mode",
			content: serviceSection("cluster"),
			wantErr: "service.mode",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, tt.content)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadSnapshotNATSModeDerivesURLs(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(
		serviceSection(""),
		`[ingest.nats]
enabled = true
url = [" nats://10.0.0.1:4222 "]`,
		`[fanout.nats]
enabled = true`,
	))
	if cfg.Ingest.NATS.URL[0] != "nats://10.0.0.1:4222" {
		t.Fatalf("unexpected ingest url %#v", cfg.Ingest.NATS.URL)
	}
	if len(cfg.State.URL) != 1 || cfg.State.URL[0] != "nats://10.0.0.1:4222" {
		t.Fatalf("expected state url derived from ingest.nats.url, got %#v", cfg.State.URL)
	}
	if len(cfg.Fanout.NATS.URL) != 1 || cfg.Fanout.NATS.ArrivalSubject != "alertfeed.arrivals" || cfg.Fanout.NATS.Stream != "ALERTFEED_ARRIVALS" {
		t.Fatalf("unexpected fanout config %+v", cfg.Fanout.NATS)
	}
	if cfg.Ingest.NATS.Stream == "" || cfg.Ingest.NATS.ConsumerName == "" || cfg.Ingest.NATS.DeliverGroup == "" {
		t.Fatalf("nats ingest defaults were not applied: %+v", cfg.Ingest.NATS)
	}
	if cfg.State.Backend != StateBackendNATS {
		t.Fatalf("expected nats state backend, got %q", cfg.State.Backend)
	}
}

func TestLoadSnapshotSingleModeDisablesNATS(t *testing.T) {
	t.Parallel()

	cfg := mustLoadSnapshot(t, joinSections(serviceSection("single"), ingestNATSEnabled, "[fanout.nats]\nenabled = true"))
	if cfg.Ingest.NATS.Enabled || cfg.Fanout.NATS.Enabled {
		t.Fatalf("expected nats paths disabled in single mode")
	}
}

func TestLoadSnapshotRejectsUnsupportedSyntax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "rule table",
			content: "[rule.ct]\nalert_type = \"count_total\"",
			wantErr: "rule sections are not supported",
		},
		{
			name:    "notify queue",
			content: "[notify.queue]\nenabled = true",
			wantErr: "[notify.queue] is not supported",
		},
		{
			name:    "legacy ingest http",
			content: "[ingest.http]\nenabled = true",
			wantErr: "[ingest.http] is not supported",
		},
		{
			name:    "fixed nats routing keys",
			content: "[ingest.nats]\nenabled = true\nstream = \"CUSTOM\"",
			wantErr: "fixed in runtime",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadSnapshotErr(t, tt.content)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeNotifyConfigAppliesExplicitFalse(t *testing.T) {
	t.Parallel()

	dst := NotifyConfig{
		Telegram: TelegramNotifier{Enabled: true, BotToken: "token"},
		HTTP:     HTTPNotifier{Enabled: true},
	}
	hints := notifyMergeHints{
		Telegram: enabledMergeHint{Enabled: boolPtr(false)},
		HTTP:     enabledMergeHint{Enabled: boolPtr(false)},
	}

	mergeNotifyConfig(&dst, NotifyConfig{}, hints)

	if dst.Telegram.Enabled {
		t.Fatalf("expected telegram.enabled=false after explicit false merge")
	}
	if dst.HTTP.Enabled {
		t.Fatalf("expected http.enabled=false after explicit false merge")
	}
	if dst.Telegram.BotToken != "token" {
		t.Fatalf("expected bot token preserved, got %q", dst.Telegram.BotToken)
	}
}

func TestLoadDirMergesFragmentsAndExplicitFalse(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeConfigFile(t, filepath.Join(tmpDir, "a.toml"), joinSections(
		serviceSection("single"),
		streamEnabled,
		pollEnabled,
		telegramNotifySection("token-a", "chat-a", "tg_default", "{{ .Message }}"),
	))
	writeConfigFile(t, filepath.Join(tmpDir, "b.toml"), joinSections(
		"[poll]\nenabled = false",
		"[notify.telegram]\nenabled = false",
		"[ledger]\ncapacity = 5",
	))
	writeConfigFile(t, filepath.Join(tmpDir, "ignored.txt"), "not toml")

	cfg, err := LoadSnapshot(ConfigSource{Dir: tmpDir})
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if !cfg.Stream.Enabled {
		t.Fatalf("expected stream kept enabled from first fragment")
	}
	if cfg.Poll.Enabled {
		t.Fatalf("expected poll.enabled=false from explicit override")
	}
	if cfg.Poll.URL == "" {
		t.Fatalf("expected poll url preserved from previous fragment")
	}
	if cfg.Notify.Telegram.Enabled {
		t.Fatalf("expected telegram.enabled=false from explicit override")
	}
	if cfg.Notify.Telegram.BotToken != "token-a" {
		t.Fatalf("expected telegram credentials preserved from previous fragment")
	}
	if cfg.Ledger.Capacity != 5 {
		t.Fatalf("expected capacity 5, got %d", cfg.Ledger.Capacity)
	}
}

func TestLoadDirWithoutTOMLFiles(t *testing.T) {
	t.Parallel()

	if _, err := LoadSnapshot(ConfigSource{Dir: t.TempDir()}); err == nil || !strings.Contains(err.Error(), "no .toml files") {
		t.Fatalf("expected empty dir error, got %v", err)
	}
}

func TestFromCLI(t *testing.T) {
	t.Parallel()

	if _, err := FromCLI("", ""); err == nil {
		t.Fatalf("expected error without sources")
	}
	if _, err := FromCLI("a.toml", "dir"); err == nil {
		t.Fatalf("expected error with both sources")
	}
	src, err := FromCLI(" a.toml ", "")
	if err != nil || src.File != "a.toml" {
		t.Fatalf("unexpected source %+v err=%v", src, err)
	}
}

func serviceSection(mode string) string {
	if mode == "" {
		return `[service]
name = "alertfeed"`
	}
	return `[service]
name = "alertfeed"
mode = "` + mode + `"`
}

func telegramNotifySection(botToken, chatID, templateName, message string) string {
	return `[notify.telegram]
enabled = true
bot_token = "` + botToken + `"
chat_id = "` + chatID + `"

[[notify.telegram.name-template]]
name = "` + templateName + `"
message = "` + message + `"`
}

func mustLoadSnapshot(t *testing.T, content string) Config {
	t.Helper()
	cfg, err := loadSnapshotFromContent(t, content)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return cfg
}

func loadSnapshotErr(t *testing.T, content string) error {
	t.Helper()
	_, err := loadSnapshotFromContent(t, content)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	return err
}

func loadSnapshotFromContent(t *testing.T, content string) (Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfigFile(t, path, content)
	return LoadSnapshot(ConfigSource{File: path})
}

func joinSections(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		nonEmpty = append(nonEmpty, trimmed)
	}
	return strings.Join(nonEmpty, "\n\n") + "\n"
}

func boolPtr(value bool) *bool {
	return &value
}

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}
