package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "alertfeed_"

	resultSuccess = "success"
	resultError   = "error"
)

// Exported label values for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	ResultAccepted  = "accepted"
	ResultRejected  = "rejected"
	ResultMalformed = "malformed"
	ResultSkipped   = "skipped"
)

var (
	registerOnce sync.Once

	ingestEvents    *prometheus.CounterVec
	droppedEvents   *prometheus.CounterVec
	reconnects      prometheus.Counter
	ledgerMerges    *prometheus.CounterVec
	ledgerEvictions prometheus.Counter
	ledgerSize      prometheus.Gauge
	streamConnected prometheus.Gauge
	resolves        *prometheus.CounterVec
	notifySends     *prometheus.CounterVec
	pollFetches     *prometheus.CounterVec
	pollLatency     *prometheus.HistogramVec
)

// Init registers service metrics once.
// Params: registerer; nil uses prometheus default registerer.
// Returns: none.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ingestEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_events_total",
				Help: "Total ingested events by source and result",
			},
			[]string{"source", "result"},
		)
		droppedEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dropped_events_total",
				Help: "Total dropped events by reason",
			},
			[]string{"reason"},
		)
		reconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_reconnects_total",
				Help: "Total scheduled stream reconnects",
			},
		)
		ledgerMerges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_merges_total",
				Help: "Total ledger merges by source",
			},
			[]string{"source"},
		)
		ledgerEvictions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ledger_evictions_total",
				Help: "Total alerts evicted by the ledger bound",
			},
		)
		ledgerSize = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ledger_size",
				Help: "Current number of alerts in the ledger",
			},
		)
		streamConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_connected",
				Help: "1 when the upstream stream is connected",
			},
		)
		resolves = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "resolves_total",
				Help: "Total resolve requests by outcome",
			},
			[]string{"outcome"},
		)
		notifySends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notify_sends_total",
				Help: "Total notification sends by channel and result",
			},
			[]string{"channel", "result"},
		)
		pollFetches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_fetches_total",
				Help: "Total poll fetches by result",
			},
			[]string{"result"},
		)
		pollLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "poll_latency_seconds",
				Help:    "Poll fetch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		reg.MustRegister(
			ingestEvents,
			droppedEvents,
			reconnects,
			ledgerMerges,
			ledgerEvictions,
			ledgerSize,
			streamConnected,
			resolves,
			notifySends,
			pollFetches,
			pollLatency,
		)
	})
}

// Handler returns promhttp handler for default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncIngest increments ingest counter.
func IncIngest(source, result string) {
	if source == "" {
		source = "unknown"
	}
	if result == "" {
		result = ResultAccepted
	}
	if ingestEvents != nil {
		ingestEvents.WithLabelValues(source, result).Inc()
	}
}

// IncDropped increments dropped event counter.
func IncDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if droppedEvents != nil {
		droppedEvents.WithLabelValues(reason).Inc()
	}
}

// IncReconnect increments scheduled reconnect counter.
func IncReconnect() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

// ObserveMerge records one ledger merge with resulting size and evictions.
func ObserveMerge(source string, size, evicted int) {
	if source == "" {
		source = "unknown"
	}
	if ledgerMerges != nil {
		ledgerMerges.WithLabelValues(source).Inc()
	}
	if evicted > 0 && ledgerEvictions != nil {
		ledgerEvictions.Add(float64(evicted))
	}
	SetLedgerSize(size)
}

// SetLedgerSize sets ledger size gauge.
func SetLedgerSize(size int) {
	if ledgerSize != nil {
		ledgerSize.Set(float64(size))
	}
}

// SetConnected sets stream connection gauge.
func SetConnected(connected bool) {
	if streamConnected == nil {
		return
	}
	if connected {
		streamConnected.Set(1)
		return
	}
	streamConnected.Set(0)
}

// IncResolve increments resolve counter by outcome.
func IncResolve(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if resolves != nil {
		resolves.WithLabelValues(outcome).Inc()
	}
}

// IncNotify increments notify counter.
func IncNotify(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notifySends != nil {
		notifySends.WithLabelValues(channel, result).Inc()
	}
}

// ObservePoll records poll fetch duration and result.
func ObservePoll(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if pollFetches != nil {
		pollFetches.WithLabelValues(result).Inc()
	}
	if pollLatency != nil {
		pollLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}
