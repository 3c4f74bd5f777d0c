package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"alertfeed/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "alertfeed"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultIngestPath          = "/ingest"
	defaultMaxBodyBytes        = 2 << 20
	defaultStreamConnectSec    = 10
	defaultReconnectBackoff    = "fixed"
	defaultReconnectInitialMS  = 3000
	defaultReconnectMaxMS      = 60000
	defaultReconnectJitter     = 0.2
	defaultPollIntervalSec     = 30
	defaultPollTimeoutSec      = 10
	defaultPollRecentLimit     = 3
	defaultLedgerCapacity      = 3
	defaultLedgerSeverity      = 1
	defaultArrivalBuffer       = 64
	defaultResolveTimeoutSec   = 5
	defaultBreakerMaxRequests  = 1
	defaultBreakerIntervalSec  = 60
	defaultBreakerTimeoutSec   = 30
	defaultBreakerFailures     = 5
	defaultStateBucket         = "alertfeed_resolved"
	defaultStateTTLSec         = 86400
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "alertfeed.alerts"
	defaultNATSIngestStream    = "ALERTFEED_ALERTS"
	defaultFanoutStream        = "ALERTFEED_ARRIVALS"
	defaultNATSIngestConsumer  = "alertfeed-ingest"
	defaultNATSIngestGroup     = "alertfeed-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultKafkaGroupID        = "alertfeed"
	defaultKafkaMinBytes       = 1
	defaultKafkaMaxBytes       = 10 << 20
	defaultKafkaMaxWaitMS      = 500
	defaultFanoutArrivals      = "alertfeed.arrivals"
	defaultFanoutSnapshot      = "alertfeed.snapshot"
	defaultNotifyMinSeverity   = 3
	defaultNotifyTemplate      = "default"
	defaultNotifyTimeoutSec    = 10
	defaultNotifyRetryInitial  = 500
	defaultNotifyRetryMaxMS    = 60000
	defaultNotifyRetryStrategy = "exponential"

	// ServiceModeNATS enables NATS-backed state, ingest, and fan-out.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"

	// StateBackendMemory keeps resolution records in process memory.
	StateBackendMemory = "memory"
	// StateBackendNATS keeps resolution records in JetStream KV.
	StateBackendNATS = "nats"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelTelegram,
		NotifyChannelHTTP,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelTelegram: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.Telegram.NameTemplate
			},
		},
		NotifyChannelHTTP: {
			enabled: func(cfg NotifyConfig) bool { return cfg.HTTP.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.HTTP.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.HTTP.NameTemplate
			},
		},
	}
	unsupportedNotifyQueuePattern    = regexp.MustCompile(`(?m)^\s*\[\s*notify\.queue(?:\.[^\]\s]+)*\s*\]`)
	unsupportedIngestHTTPPattern     = regexp.MustCompile(`(?m)^\s*\[\s*ingest\.http\s*\]`)
	unsupportedRuleSectionPattern    = regexp.MustCompile(`(?m)^\s*\[\[?\s*rule(?:\.[^\]\s]+)*\s*\]\]?`)
	unsupportedIngestNATSKeysPattern = regexp.MustCompile(`(?si)\[\s*ingest\.nats\s*\][^\[]*\b(?:stream|consumer_name|deliver_group)\s*=`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/templates fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled   func(NotifyConfig) bool
	retry     func(NotifyConfig) NotifyRetry
	templates func(NotifyConfig) []NamedTemplateConfig
}

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig `toml:"service"`
	Log     LogConfig     `toml:"log"`
	HTTP    HTTPConfig    `toml:"http"`
	Stream  StreamConfig  `toml:"stream"`
	Poll    PollConfig    `toml:"poll"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Resolve ResolveConfig `toml:"resolve"`
	State   StateConfig   `toml:"state"`
	Ingest  IngestConfig  `toml:"ingest"`
	Fanout  FanoutConfig  `toml:"fanout"`
	Notify  NotifyConfig  `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: name and runtime mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// HTTPConfig configures the HTTP surface (health, metrics, alert API, push ingest).
// Params: listen address, endpoint paths, push ingest toggle, and body limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen        string `toml:"listen"`
	HealthPath    string `toml:"health_path"`
	ReadyPath     string `toml:"ready_path"`
	MetricsPath   string `toml:"metrics_path"`
	IngestPath    string `toml:"ingest_path"`
	IngestEnabled bool   `toml:"ingest_enabled"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`
}

// StreamConfig configures upstream server-sent events connection.
// Params: enable flag, origin URL, extra headers, connect timeout, and reconnect policy.
// Returns: stream ingest behavior.
type StreamConfig struct {
	Enabled           bool              `toml:"enabled"`
	URL               string            `toml:"url"`
	Headers           map[string]string `toml:"headers"`
	ConnectTimeoutSec int               `toml:"connect_timeout_sec"`
	Reconnect         ReconnectConfig   `toml:"reconnect"`
}

// ReconnectConfig configures delay between stream reconnect attempts.
// Params: backoff mode, delays, jitter ratio, and attempt cap (0 = unlimited).
// Returns: reconnect policy values.
type ReconnectConfig struct {
	Backoff     string   `toml:"backoff"`
	InitialMS   int      `toml:"initial_ms"`
	MaxMS       int      `toml:"max_ms"`
	JitterRatio *float64 `toml:"jitter_ratio"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Jitter returns configured jitter ratio or default.
func (r ReconnectConfig) Jitter() float64 {
	if r.JitterRatio == nil {
		return defaultReconnectJitter
	}
	return *r.JitterRatio
}

// PollConfig configures periodic REST snapshot fetch.
// Params: enable flag, endpoint URL, location filter, interval, timeout, and recent read limit.
// Returns: poll path behavior.
type PollConfig struct {
	Enabled     bool   `toml:"enabled"`
	URL         string `toml:"url"`
	Location    string `toml:"location"`
	IntervalSec int    `toml:"interval_sec"`
	TimeoutSec  int    `toml:"timeout_sec"`
	RecentLimit int    `toml:"recent_limit"`
}

// LedgerConfig configures bounded alert collection.
// Params: capacity K, default severity, and arrivals buffer per subscriber.
// Returns: ledger options.
type LedgerConfig struct {
	Capacity        int `toml:"capacity"`
	DefaultSeverity int `toml:"default_severity"`
	ArrivalBuffer   int `toml:"arrival_buffer"`
}

// ResolveConfig configures durable resolve collaborator.
// Params: enable flag, base URL, request timeout, and circuit breaker settings.
// Returns: resolver behavior.
type ResolveConfig struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Breaker    BreakerConfig     `toml:"breaker"`
}

// BreakerConfig configures circuit breaker around resolve collaborator.
// Params: half-open probe count, counter reset interval, open timeout, and consecutive failure threshold.
// Returns: breaker settings.
type BreakerConfig struct {
	MaxRequests      uint32 `toml:"max_requests"`
	IntervalSec      int    `toml:"interval_sec"`
	TimeoutSec       int    `toml:"timeout_sec"`
	FailureThreshold uint32 `toml:"failure_threshold"`
}

// StateConfig configures resolution records store.
// Params: backend (derived from service mode when empty), KV bucket, and record TTL.
// Returns: state backend options.
type StateConfig struct {
	Backend string   `toml:"backend"`
	URL     []string `toml:"-"`
	Bucket  string   `toml:"bucket"`
	TTLSec  int      `toml:"ttl_sec"`
}

// IngestConfig defines broker push interfaces.
// Params: NATS and Kafka subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	NATS  NATSIngestConfig  `toml:"nats"`
	Kafka KafkaIngestConfig `toml:"kafka"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, subject, and worker/ack/redelivery policy; stream and consumer names are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// KafkaIngestConfig configures Kafka consumer-group ingestion.
// Params: brokers, topic, group, fetch sizing, and max wait.
// Returns: Kafka ingest behavior.
type KafkaIngestConfig struct {
	Enabled   bool     `toml:"enabled"`
	Brokers   []string `toml:"brokers"`
	Topic     string   `toml:"topic"`
	GroupID   string   `toml:"group_id"`
	MinBytes  int      `toml:"min_bytes"`
	MaxBytes  int      `toml:"max_bytes"`
	MaxWaitMS int      `toml:"max_wait_ms"`
}

// FanoutConfig defines downstream publication of ledger changes.
// Params: NATS publisher settings.
// Returns: fan-out controls.
type FanoutConfig struct {
	NATS NATSFanoutConfig `toml:"nats"`
}

// NATSFanoutConfig configures NATS publication of arrivals and snapshots.
// Params: enable flag and subjects; URL list is derived from ingest.nats.url.
// Returns: fan-out publisher settings.
type NATSFanoutConfig struct {
	Enabled         bool     `toml:"enabled"`
	URL             []string `toml:"-"`
	Stream          string   `toml:"-"`
	ArrivalSubject  string   `toml:"arrival_subject"`
	SnapshotSubject string   `toml:"snapshot_subject"`
}

// NotifyConfig defines outbound notification behavior.
// Params: severity floor, template name, and per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	MinSeverity int              `toml:"min_severity"`
	Template    string           `toml:"template"`
	Telegram    TelegramNotifier `toml:"telegram"`
	HTTP        HTTPNotifier     `toml:"http"`
}

// NamedTemplateConfig describes one reusable message template within one channel section.
// Params: template name and Go text/template body.
// Returns: template entry selected by notify.template.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, chat ID, API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	ChatID       string                `toml:"chat_id"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// HTTPNotifier defines generic outbound HTTP webhook.
// Params: URL, method, timeout, optional static headers, and retry policy.
// Returns: HTTP notification sender configuration.
type HTTPNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Method       string                `toml:"method"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Headers      map[string]string     `toml:"headers"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns defaulted config without any file source.
// Params: none.
// Returns: config usable for tests and embedded setups.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	HTTP    httpMergeHints   `toml:"http"`
	Stream  enabledMergeHint `toml:"stream"`
	Poll    enabledMergeHint `toml:"poll"`
	Resolve enabledMergeHint `toml:"resolve"`
	Ingest  ingestMergeHints `toml:"ingest"`
	Fanout  fanoutMergeHints `toml:"fanout"`
	Notify  notifyMergeHints `toml:"notify"`
}

// enabledMergeHint tracks explicit enabled flag in one section.
// Params: sparse section fields decoded from one TOML fragment.
// Returns: bool-presence marker for merge logic.
type enabledMergeHint struct {
	Enabled *bool `toml:"enabled"`
}

type httpMergeHints struct {
	IngestEnabled *bool `toml:"ingest_enabled"`
}

type ingestMergeHints struct {
	NATS  enabledMergeHint `toml:"nats"`
	Kafka enabledMergeHint `toml:"kafka"`
}

type fanoutMergeHints struct {
	NATS enabledMergeHint `toml:"nats"`
}

// notifyMergeHints tracks explicit bool fields in notify section.
// Params: sparse notify values decoded from one TOML fragment.
// Returns: bool-presence markers for merge logic.
type notifyMergeHints struct {
	Telegram enabledMergeHint `toml:"telegram"`
	HTTP     enabledMergeHint `toml:"http"`
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedRuleSectionPattern.Match(body) {
		return errors.New("rule sections are not supported; alerts are accepted as delivered by the origin")
	}
	if unsupportedNotifyQueuePattern.Match(body) {
		return errors.New("[notify.queue] is not supported; use [fanout.nats] for downstream delivery")
	}
	if unsupportedIngestHTTPPattern.Match(body) {
		return errors.New("[ingest.http] is not supported; use [http] ingest_enabled/ingest_path")
	}
	if unsupportedIngestNATSKeysPattern.Match(body) {
		return errors.New("ingest.nats.stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	mergeSection(&dst.Service, src.Service)
	mergeSection(&dst.Log, src.Log)
	mergeSection(&dst.HTTP, src.HTTP)
	applyBoolHint(&dst.HTTP.IngestEnabled, hints.HTTP.IngestEnabled)
	mergeSection(&dst.Stream, src.Stream)
	applyBoolHint(&dst.Stream.Enabled, hints.Stream.Enabled)
	mergeSection(&dst.Poll, src.Poll)
	applyBoolHint(&dst.Poll.Enabled, hints.Poll.Enabled)
	mergeSection(&dst.Ledger, src.Ledger)
	mergeSection(&dst.Resolve, src.Resolve)
	applyBoolHint(&dst.Resolve.Enabled, hints.Resolve.Enabled)
	mergeSection(&dst.State, src.State)
	mergeSection(&dst.Ingest.NATS, src.Ingest.NATS)
	applyBoolHint(&dst.Ingest.NATS.Enabled, hints.Ingest.NATS.Enabled)
	mergeSection(&dst.Ingest.Kafka, src.Ingest.Kafka)
	applyBoolHint(&dst.Ingest.Kafka.Enabled, hints.Ingest.Kafka.Enabled)
	mergeSection(&dst.Fanout.NATS, src.Fanout.NATS)
	applyBoolHint(&dst.Fanout.NATS.Enabled, hints.Fanout.NATS.Enabled)
	mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
}

// mergeSection replaces destination section when fragment sets any field in it.
// Params: destination section pointer and fragment value.
// Returns: replaced section side-effect in dst.
func mergeSection[T any](dst *T, src T) {
	if reflect.ValueOf(src).IsZero() {
		return
	}
	*dst = src
}

// applyBoolHint applies explicit bool from fragment, including explicit false.
// Params: destination bool pointer and optional explicit value.
// Returns: merged bool side-effect in dst.
func applyBoolHint(dst *bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
	}
}

// mergeNotifyConfig overlays notify fragment into destination preserving existing sibling fields.
// Params: destination notify config and fragment from one source file.
// Returns: merged notify configuration side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	if src.MinSeverity != 0 {
		dst.MinSeverity = src.MinSeverity
	}
	if strings.TrimSpace(src.Template) != "" {
		dst.Template = src.Template
	}
	mergeTelegramNotifier(&dst.Telegram, src.Telegram, hints.Telegram)
	mergeHTTPNotifier(&dst.HTTP, src.HTTP, hints.HTTP)
}

// mergeTelegramNotifier overlays telegram transport config preserving other notify fields.
// Params: destination telegram config and source fragment.
// Returns: merged telegram configuration side-effect in dst.
func mergeTelegramNotifier(dst *TelegramNotifier, src TelegramNotifier, hints enabledMergeHint) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.BotToken) != "" {
		dst.BotToken = src.BotToken
	}
	if strings.TrimSpace(src.ChatID) != "" {
		dst.ChatID = src.ChatID
	}
	if strings.TrimSpace(src.APIBase) != "" {
		dst.APIBase = src.APIBase
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
	if len(src.NameTemplate) > 0 {
		dst.NameTemplate = append(dst.NameTemplate, src.NameTemplate...)
	}
}

// mergeHTTPNotifier overlays HTTP transport config preserving other notify fields.
// Params: destination http config and source fragment.
// Returns: merged http configuration side-effect in dst.
func mergeHTTPNotifier(dst *HTTPNotifier, src HTTPNotifier, hints enabledMergeHint) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.URL) != "" {
		dst.URL = src.URL
	}
	if strings.TrimSpace(src.Method) != "" {
		dst.Method = src.Method
	}
	if src.TimeoutSec != 0 {
		dst.TimeoutSec = src.TimeoutSec
	}
	if len(src.Headers) > 0 {
		if dst.Headers == nil {
			dst.Headers = make(map[string]string, len(src.Headers))
		}
		for key, value := range src.Headers {
			dst.Headers[key] = value
		}
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
	if len(src.NameTemplate) > 0 {
		dst.NameTemplate = append(dst.NameTemplate, src.NameTemplate...)
	}
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.IngestPath) == "" {
		cfg.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Stream.URL = strings.TrimSpace(cfg.Stream.URL)
	if cfg.Stream.ConnectTimeoutSec <= 0 {
		cfg.Stream.ConnectTimeoutSec = defaultStreamConnectSec
	}
	if strings.TrimSpace(cfg.Stream.Reconnect.Backoff) == "" {
		cfg.Stream.Reconnect.Backoff = defaultReconnectBackoff
	}
	cfg.Stream.Reconnect.Backoff = strings.ToLower(strings.TrimSpace(cfg.Stream.Reconnect.Backoff))
	if cfg.Stream.Reconnect.InitialMS <= 0 {
		cfg.Stream.Reconnect.InitialMS = defaultReconnectInitialMS
	}
	if cfg.Stream.Reconnect.MaxMS <= 0 {
		cfg.Stream.Reconnect.MaxMS = defaultReconnectMaxMS
	}
	if cfg.Stream.Reconnect.JitterRatio == nil {
		jitter := defaultReconnectJitter
		cfg.Stream.Reconnect.JitterRatio = &jitter
	}

	if cfg.Poll.IntervalSec <= 0 {
		cfg.Poll.IntervalSec = defaultPollIntervalSec
	}
	if cfg.Poll.TimeoutSec <= 0 {
		cfg.Poll.TimeoutSec = defaultPollTimeoutSec
	}
	if cfg.Poll.RecentLimit <= 0 {
		cfg.Poll.RecentLimit = defaultPollRecentLimit
	}

	if cfg.Ledger.Capacity <= 0 {
		cfg.Ledger.Capacity = defaultLedgerCapacity
	}
	if cfg.Ledger.DefaultSeverity == 0 {
		cfg.Ledger.DefaultSeverity = defaultLedgerSeverity
	}
	if cfg.Ledger.ArrivalBuffer <= 0 {
		cfg.Ledger.ArrivalBuffer = defaultArrivalBuffer
	}

	if cfg.Resolve.TimeoutSec <= 0 {
		cfg.Resolve.TimeoutSec = defaultResolveTimeoutSec
	}
	if cfg.Resolve.Breaker.MaxRequests == 0 {
		cfg.Resolve.Breaker.MaxRequests = defaultBreakerMaxRequests
	}
	if cfg.Resolve.Breaker.IntervalSec <= 0 {
		cfg.Resolve.Breaker.IntervalSec = defaultBreakerIntervalSec
	}
	if cfg.Resolve.Breaker.TimeoutSec <= 0 {
		cfg.Resolve.Breaker.TimeoutSec = defaultBreakerTimeoutSec
	}
	if cfg.Resolve.Breaker.FailureThreshold == 0 {
		cfg.Resolve.Breaker.FailureThreshold = defaultBreakerFailures
	}

	natsURLs := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(natsURLs) == 0 {
		natsURLs = []string{defaultNATSURL}
	}

	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if cfg.State.Backend == "" {
		cfg.State.Backend = StateBackendNATS
	}
	if strings.TrimSpace(cfg.State.Bucket) == "" {
		cfg.State.Bucket = defaultStateBucket
	}
	if cfg.State.TTLSec <= 0 {
		cfg.State.TTLSec = defaultStateTTLSec
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Fanout.NATS.Enabled = false
		cfg.State.Backend = StateBackendMemory
		cfg.State.URL = nil
	} else {
		cfg.Ingest.NATS.URL = natsURLs
		cfg.State.URL = append([]string(nil), natsURLs...)
		cfg.Fanout.NATS.URL = append([]string(nil), natsURLs...)
	}

	if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
		cfg.Ingest.NATS.Subject = defaultNATSSubject
	}
	cfg.Ingest.NATS.Stream = defaultNATSIngestStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
	if cfg.Ingest.NATS.Workers == 0 {
		cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS < 0 {
		cfg.Ingest.NATS.NackDelayMS = 0
	}
	if cfg.Ingest.NATS.NackDelayMS == 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	if strings.TrimSpace(cfg.Ingest.Kafka.GroupID) == "" {
		cfg.Ingest.Kafka.GroupID = defaultKafkaGroupID
	}
	if cfg.Ingest.Kafka.MinBytes <= 0 {
		cfg.Ingest.Kafka.MinBytes = defaultKafkaMinBytes
	}
	if cfg.Ingest.Kafka.MaxBytes <= 0 {
		cfg.Ingest.Kafka.MaxBytes = defaultKafkaMaxBytes
	}
	if cfg.Ingest.Kafka.MaxWaitMS <= 0 {
		cfg.Ingest.Kafka.MaxWaitMS = defaultKafkaMaxWaitMS
	}

	cfg.Fanout.NATS.Stream = defaultFanoutStream
	if strings.TrimSpace(cfg.Fanout.NATS.ArrivalSubject) == "" {
		cfg.Fanout.NATS.ArrivalSubject = defaultFanoutArrivals
	}
	if strings.TrimSpace(cfg.Fanout.NATS.SnapshotSubject) == "" {
		cfg.Fanout.NATS.SnapshotSubject = defaultFanoutSnapshot
	}

	if !cfg.Stream.Enabled && !cfg.Poll.Enabled && !cfg.Ingest.NATS.Enabled && !cfg.Ingest.Kafka.Enabled {
		cfg.HTTP.IngestEnabled = true
	}

	if cfg.Notify.MinSeverity <= 0 {
		cfg.Notify.MinSeverity = defaultNotifyMinSeverity
	}
	if strings.TrimSpace(cfg.Notify.Template) == "" {
		cfg.Notify.Template = defaultNotifyTemplate
	}
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = defaultNotifyRetryStrategy
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = defaultNotifyRetryInitial
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = defaultNotifyRetryMaxMS
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first failing validation rule.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("http.listen is required")
	}
	for _, path := range []struct {
		name  string
		value string
	}{
		{name: "http.health_path", value: cfg.HTTP.HealthPath},
		{name: "http.ready_path", value: cfg.HTTP.ReadyPath},
		{name: "http.metrics_path", value: cfg.HTTP.MetricsPath},
		{name: "http.ingest_path", value: cfg.HTTP.IngestPath},
	} {
		if !strings.HasPrefix(strings.TrimSpace(path.value), "/") {
			return fmt.Errorf("%s must start with /", path.name)
		}
	}

	if cfg.Stream.Enabled {
		if err := validateHTTPURL("stream.url", cfg.Stream.URL); err != nil {
			return err
		}
	}
	switch cfg.Stream.Reconnect.Backoff {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("stream.reconnect.backoff has unsupported value %q", cfg.Stream.Reconnect.Backoff)
	}
	if cfg.Stream.Reconnect.MaxMS < cfg.Stream.Reconnect.InitialMS {
		return errors.New("stream.reconnect.max_ms must be >= stream.reconnect.initial_ms")
	}
	if jitter := cfg.Stream.Reconnect.Jitter(); jitter < 0 || jitter > 1 {
		return errors.New("stream.reconnect.jitter_ratio must be within [0,1]")
	}
	if cfg.Stream.Reconnect.MaxAttempts < 0 {
		return errors.New("stream.reconnect.max_attempts must be >=0")
	}

	if cfg.Poll.Enabled {
		if err := validateHTTPURL("poll.url", cfg.Poll.URL); err != nil {
			return err
		}
	}

	if cfg.Ledger.DefaultSeverity < 1 || cfg.Ledger.DefaultSeverity > 5 {
		return errors.New("ledger.default_severity must be within [1,5]")
	}

	if cfg.Resolve.Enabled {
		if err := validateHTTPURL("resolve.url", cfg.Resolve.URL); err != nil {
			return err
		}
	}

	switch cfg.State.Backend {
	case StateBackendMemory:
	case StateBackendNATS:
		if mode == ServiceModeSingle {
			return errors.New("state.backend=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("state.backend has unsupported value %q", cfg.State.Backend)
	}

	if mode == ServiceModeNATS {
		if len(cfg.Ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		for i, natsURL := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(natsURL) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
	}
	if cfg.Ingest.NATS.Enabled {
		if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
			return errors.New("ingest.nats.subject is required when ingest.nats.enabled=true")
		}
		if cfg.Ingest.NATS.Workers <= 0 {
			return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required when ingest.kafka.enabled=true")
		}
		for i, broker := range cfg.Ingest.Kafka.Brokers {
			if strings.TrimSpace(broker) == "" {
				return fmt.Errorf("ingest.kafka.brokers[%d] is empty", i)
			}
		}
		if strings.TrimSpace(cfg.Ingest.Kafka.Topic) == "" {
			return errors.New("ingest.kafka.topic is required when ingest.kafka.enabled=true")
		}
		if cfg.Ingest.Kafka.MaxBytes < cfg.Ingest.Kafka.MinBytes {
			return errors.New("ingest.kafka.max_bytes must be >= ingest.kafka.min_bytes")
		}
	}

	if cfg.Notify.MinSeverity > 5 {
		return errors.New("notify.min_severity must be within [1,5]")
	}
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when notify.telegram.enabled=true")
		}
	}
	if cfg.Notify.HTTP.Enabled && strings.TrimSpace(cfg.Notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	if _, err := validateNotifyTemplates(cfg.Notify); err != nil {
		return err
	}
	return nil
}

// validateHTTPURL checks absolute http(s) URL.
// Params: field path and raw URL.
// Returns: validation error.
func validateHTTPURL(path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", path)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", path)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include host", path)
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// validateNotifyTemplates validates named templates for all channels.
// Params: notify section from config snapshot.
// Returns: normalized template map by channel and template name.
func validateNotifyTemplates(notifyCfg NotifyConfig) (map[string]map[string]NamedTemplateConfig, error) {
	byChannel := make(map[string]map[string]NamedTemplateConfig)
	for _, channel := range NotifyChannelNames() {
		pathPrefix := "notify." + channel + ".name-template"
		if err := collectChannelTemplates(byChannel, channel, pathPrefix, NotifyChannelTemplates(notifyCfg, channel)); err != nil {
			return nil, err
		}
	}
	return byChannel, nil
}

// collectChannelTemplates validates one channel template list and stores normalized entries.
// Params: destination index, channel name, path prefix, and raw template list.
// Returns: validation error when one template entry is invalid.
func collectChannelTemplates(index map[string]map[string]NamedTemplateConfig, channel, pathPrefix string, templates []NamedTemplateConfig) error {
	if len(templates) == 0 {
		return nil
	}
	byName := make(map[string]NamedTemplateConfig, len(templates))
	for i, templateConfig := range templates {
		name := strings.TrimSpace(templateConfig.Name)
		if name == "" {
			return fmt.Errorf("%s[%d].name is required", pathPrefix, i)
		}
		nameKey := strings.ToLower(name)
		if _, exists := byName[nameKey]; exists {
			return fmt.Errorf("duplicate %s name %q", pathPrefix, name)
		}
		if err := validateMessageTemplate(fmt.Sprintf("%s[%d].message", pathPrefix, i), templateConfig.Message); err != nil {
			return err
		}
		templateConfig.Name = name
		byName[nameKey] = templateConfig
	}
	index[channel] = byName
	return nil
}

// NormalizeNotifyChannel canonicalizes notify channel keys.
// Params: raw channel name from config.
// Returns: normalized lowercase channel key.
func NormalizeNotifyChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`nats` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeNATS
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns deterministic list of supported channel keys.
// Params: none.
// Returns: ordered channel key list.
func NotifyChannelNames() []string {
	out := make([]string, len(notifyChannelOrder))
	copy(out, notifyChannelOrder)
	return out
}

// IsSupportedNotifyChannel reports whether channel key is supported.
// Params: normalized channel key.
// Returns: true when channel is one of known transports.
func IsSupportedNotifyChannel(channel string) bool {
	_, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return exists
}

// NotifyChannelEnabled checks if channel transport is enabled globally.
// Params: global notify config and normalized channel key.
// Returns: true when corresponding transport section is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.enabled == nil {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
// Params: global notify config and channel key.
// Returns: retry policy for channel transport.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.retry == nil {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelTemplates returns template catalog for one channel.
// Params: global notify config and channel key.
// Returns: channel template list copy.
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.templates == nil {
		return nil
	}
	return append([]NamedTemplateConfig(nil), descriptor.templates(cfg)...)
}

// notifyChannelDescriptorByName returns channel metadata descriptor by key.
// Params: raw or normalized channel key.
// Returns: descriptor and existence flag.
func notifyChannelDescriptorByName(channel string) (notifyChannelDescriptor, bool) {
	descriptor, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return descriptor, exists
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
