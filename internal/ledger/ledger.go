package ledger

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"alertfeed/internal/clock"
	"alertfeed/internal/domain"
	"alertfeed/internal/feed"
	"alertfeed/internal/metrics"
	"alertfeed/internal/timestamp"
)

const (
	// DefaultCapacity is ledger bound K.
	DefaultCapacity = 3
	// DefaultArrivalBuffer is per-subscriber buffer of the arrivals stream.
	DefaultArrivalBuffer = 64
)

// Options configures ledger bound and defaulting.
// Params: capacity K, severity for alerts without one, and arrivals buffer.
// Returns: value consumed by New.
type Options struct {
	Capacity        int
	DefaultSeverity int
	ArrivalBuffer   int
}

// Ledger is bounded, deduplicated, time-ordered alert collection.
// Params: built by New; safe for concurrent use.
// Returns: single owner of the current alert set.
type Ledger struct {
	mu       sync.Mutex
	alerts   []domain.Alert
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	current  *feed.Latest[[]domain.Alert]
	arrivals *feed.Stream[domain.Alert]
}

// New creates empty ledger.
// Params: options (zero values take defaults), clock for missing timestamps, and logger.
// Returns: ledger with empty published collection.
func New(opts Options, clk clock.Clock, logger *slog.Logger) *Ledger {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DefaultSeverity <= 0 {
		opts.DefaultSeverity = domain.SeverityMin
	}
	if opts.ArrivalBuffer <= 0 {
		opts.ArrivalBuffer = DefaultArrivalBuffer
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		alerts:   make([]domain.Alert, 0, opts.Capacity+1),
		opts:     opts,
		clock:    clk,
		logger:   logger,
		current:  feed.NewLatest([]domain.Alert{}),
		arrivals: feed.NewStream[domain.Alert](opts.ArrivalBuffer),
	}
}

// Capacity returns ledger bound K.
func (l *Ledger) Capacity() int {
	return l.opts.Capacity
}

// Build normalizes and defaults candidate without touching ledger state.
// Params: raw candidate and ingest source.
// Returns: fully populated alert.
func (l *Ledger) Build(raw domain.RawAlert, source domain.Source) domain.Alert {
	instant := timestamp.Normalize(raw.Timestamp, l.clock.Now())

	alertType := strings.ToUpper(strings.TrimSpace(raw.Type))
	if alertType == "" {
		alertType = domain.TypeUnknown
	}
	location := strings.TrimSpace(raw.Location)
	if location == "" {
		location = domain.DefaultLocation
	}
	message := strings.TrimSpace(raw.Message)
	if message == "" {
		message = domain.DefaultMessage
	}
	status := domain.Status(strings.ToUpper(strings.TrimSpace(raw.Status)))
	if status == "" {
		status = domain.StatusActive
	}
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		id = domain.StableID(alertType, location, message, instant.Time)
	}

	return domain.Alert{
		ID:        id,
		Type:      alertType,
		Location:  location,
		Message:   message,
		Severity:  domain.NormalizeSeverity(raw.Severity, l.opts.DefaultSeverity),
		Timestamp: instant.ISO,
		Status:    status,
		Source:    source,
		EpochMS:   instant.EpochMS,
	}
}

// Merge normalizes candidate and inserts it, replacing any alert with the same id.
// Params: raw candidate and ingest source.
// Returns: merged alert as stored and published.
func (l *Ledger) Merge(raw domain.RawAlert, source domain.Source) domain.Alert {
	return l.MergeAlert(l.Build(raw, source))
}

// MergeAlert inserts already-built alert with dedupe, ordering, and bound.
// Params: alert; missing timestamp or severity fields are repaired.
// Returns: stored alert.
func (l *Ledger) MergeAlert(alert domain.Alert) domain.Alert {
	alert = l.repair(alert)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := l.insertLocked(alert)
	snapshot := l.copyLocked()
	l.current.Publish(snapshot)
	if dropped := l.arrivals.Publish(alert); dropped > 0 {
		metrics.IncDropped("arrival_subscriber_full")
	}
	metrics.ObserveMerge(string(alert.Source), len(snapshot), evicted)
	l.logger.Debug("alert merged",
		"id", alert.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"source", alert.Source,
		"size", len(snapshot),
		"evicted", evicted,
	)
	return alert
}

// MergeSnapshot merges poll batch and publishes collection once.
// Only new or changed records that survive the bound are sent to arrivals.
// Params: raw candidates and ingest source.
// Returns: merged alerts in input order.
func (l *Ledger) MergeSnapshot(candidates []domain.RawAlert, source domain.Source) []domain.Alert {
	if len(candidates) == 0 {
		return nil
	}
	built := make([]domain.Alert, 0, len(candidates))
	for _, candidate := range candidates {
		built = append(built, l.Build(candidate, source))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	fresh := make([]domain.Alert, 0, len(built))
	for _, alert := range built {
		if !l.unchangedLocked(alert) {
			fresh = append(fresh, alert)
		}
		evicted += l.insertLocked(alert)
	}
	snapshot := l.copyLocked()
	l.current.Publish(snapshot)
	announced := 0
	for _, alert := range fresh {
		if index := l.indexLocked(alert.ID); index < 0 || l.alerts[index] != alert {
			continue
		}
		announced++
		if dropped := l.arrivals.Publish(alert); dropped > 0 {
			metrics.IncDropped("arrival_subscriber_full")
		}
	}
	metrics.ObserveMerge(string(source), len(snapshot), evicted)
	l.logger.Debug("snapshot merged",
		"source", source,
		"candidates", len(built),
		"announced", announced,
		"size", len(snapshot),
	)
	return built
}

// Resolve removes alert locally.
// Params: alert id.
// Returns: true when alert was present.
func (l *Ledger) Resolve(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.indexLocked(id)
	if index < 0 {
		return false
	}
	l.alerts = append(l.alerts[:index], l.alerts[index+1:]...)
	snapshot := l.copyLocked()
	l.current.Publish(snapshot)
	metrics.SetLedgerSize(len(snapshot))
	return true
}

// Clear empties ledger and publishes empty collection.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.alerts = l.alerts[:0]
	l.current.Publish([]domain.Alert{})
	metrics.SetLedgerSize(0)
}

// Snapshot returns copy of current collection.
func (l *Ledger) Snapshot() []domain.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Get returns stored alert by id.
func (l *Ledger) Get(id string) (domain.Alert, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index := l.indexLocked(id)
	if index < 0 {
		return domain.Alert{}, false
	}
	return l.alerts[index], true
}

// Subscribe registers collection consumer; current collection is delivered immediately.
func (l *Ledger) Subscribe() *feed.Subscription[[]domain.Alert] {
	return l.current.Subscribe()
}

// Arrivals registers consumer of individually merged alerts.
func (l *Ledger) Arrivals() *feed.Subscription[domain.Alert] {
	return l.arrivals.Subscribe()
}

// Close closes every subscription.
func (l *Ledger) Close() {
	l.current.Close()
	l.arrivals.Close()
}

// FilterByLocation returns alerts whose location contains fragment, case-insensitive.
func (l *Ledger) FilterByLocation(location string) []domain.Alert {
	return filter(l.Snapshot(), func(alert domain.Alert) bool {
		return alert.MatchesLocation(location)
	})
}

// FilterByType returns alerts of given type, case-insensitive.
func (l *Ledger) FilterByType(alertType string) []domain.Alert {
	alertType = strings.TrimSpace(alertType)
	return filter(l.Snapshot(), func(alert domain.Alert) bool {
		return alertType == "" || strings.EqualFold(alert.Type, alertType)
	})
}

// BySeverity returns alerts with severity at or above min.
func (l *Ledger) BySeverity(min int) []domain.Alert {
	return filter(l.Snapshot(), func(alert domain.Alert) bool {
		return alert.Severity >= min
	})
}

// ActiveCount returns number of ACTIVE alerts.
func (l *Ledger) ActiveCount() int {
	return len(filter(l.Snapshot(), domain.Alert.IsActive))
}

// HasActiveForLocation reports whether an ACTIVE alert matches location.
func (l *Ledger) HasActiveForLocation(location string) bool {
	for _, alert := range l.Snapshot() {
		if alert.IsActive() && alert.MatchesLocation(location) {
			return true
		}
	}
	return false
}

// Recent orders alerts newest first and caps result at k.
// Params: alerts in any order and cap (k <= 0 uses DefaultCapacity).
// Returns: new slice; input is not modified.
func Recent(alerts []domain.Alert, k int) []domain.Alert {
	if k <= 0 {
		k = DefaultCapacity
	}
	out := make([]domain.Alert, len(alerts))
	copy(out, alerts)
	for index := range out {
		if out[index].EpochMS == 0 {
			out[index].EpochMS = timestamp.SortKey(out[index].Timestamp)
		}
	}
	sortDescending(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (l *Ledger) repair(alert domain.Alert) domain.Alert {
	if alert.EpochMS <= 0 {
		alert.EpochMS = timestamp.SortKey(alert.Timestamp)
	}
	var at time.Time
	if alert.EpochMS > 0 {
		at = time.UnixMilli(alert.EpochMS).UTC()
	} else {
		at = timestamp.Normalize(nil, l.clock.Now()).Time
	}
	alert.Timestamp = timestamp.Format(at)
	alert.EpochMS = at.UnixMilli()

	if alert.Severity < domain.SeverityMin || alert.Severity > domain.SeverityMax {
		severity := alert.Severity
		alert.Severity = domain.NormalizeSeverity(&severity, l.opts.DefaultSeverity)
	}
	if alert.Status == "" {
		alert.Status = domain.StatusActive
	}
	if alert.ID == "" {
		alert.ID = domain.StableID(alert.Type, alert.Location, alert.Message, at)
	}
	return alert
}

// insertLocked applies dedupe, prepend, stable sort, and truncate.
// Returns: number of evicted alerts.
func (l *Ledger) insertLocked(alert domain.Alert) int {
	if index := l.indexLocked(alert.ID); index >= 0 {
		l.alerts = append(l.alerts[:index], l.alerts[index+1:]...)
	}
	l.alerts = append(l.alerts, domain.Alert{})
	copy(l.alerts[1:], l.alerts)
	l.alerts[0] = alert
	sortDescending(l.alerts)

	evicted := 0
	if len(l.alerts) > l.opts.Capacity {
		evicted = len(l.alerts) - l.opts.Capacity
		l.alerts = l.alerts[:l.opts.Capacity]
	}
	return evicted
}

// unchangedLocked reports whether ledger already holds the same record under alert id.
// Source is ignored so push and poll copies of one alert compare equal.
func (l *Ledger) unchangedLocked(alert domain.Alert) bool {
	index := l.indexLocked(alert.ID)
	if index < 0 {
		return false
	}
	held := l.alerts[index]
	held.Source = alert.Source
	return held == alert
}

func (l *Ledger) indexLocked(id string) int {
	for index := range l.alerts {
		if l.alerts[index].ID == id {
			return index
		}
	}
	return -1
}

func (l *Ledger) copyLocked() []domain.Alert {
	out := make([]domain.Alert, len(l.alerts))
	copy(out, l.alerts)
	return out
}

func sortDescending(alerts []domain.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].EpochMS > alerts[j].EpochMS
	})
}

func filter(alerts []domain.Alert, keep func(domain.Alert) bool) []domain.Alert {
	out := make([]domain.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if keep(alert) {
			out = append(out, alert)
		}
	}
	return out
}
