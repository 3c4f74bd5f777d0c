package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/feed"
	"alertfeed/internal/metrics"
	"alertfeed/internal/resolve"
)

// AlertLedger is the read/write ledger surface exposed over HTTP.
type AlertLedger interface {
	Snapshot() []domain.Alert
	FilterByLocation(location string) []domain.Alert
	Clear()
	Subscribe() *feed.Subscription[[]domain.Alert]
	Arrivals() *feed.Subscription[domain.Alert]
}

// ConnectionStatus reports upstream stream connection.
type ConnectionStatus interface {
	Connected() bool
	Status() *feed.Subscription[bool]
}

// Resolver dismisses alerts.
type Resolver interface {
	Resolve(ctx context.Context, id string) resolve.Result
}

// RecentReader serves poll-backed recent alerts.
type RecentReader interface {
	Recent(ctx context.Context, k int) ([]domain.Alert, error)
}

// Options wires HTTP surface dependencies; nil Stream, Resolver, Recent, and Ingest disable their routes' backing.
type Options struct {
	HTTP     config.HTTPConfig
	Ledger   AlertLedger
	Stream   ConnectionStatus
	Resolver Resolver
	Recent   RecentReader
	Ingest   http.Handler
	Ready    func() bool
	Logger   *slog.Logger

	// KeepAlive is interval between SSE comments and WebSocket pings.
	KeepAlive time.Duration
	// Done ends every open feed client when closed.
	Done <-chan struct{}
}

// AlertsResponse is JSON body of alert collection endpoints.
type AlertsResponse struct {
	Alerts    []domain.Alert `json:"alerts"`
	Count     int            `json:"count"`
	Connected bool           `json:"connected"`
}

// ResolveResponse is JSON body of resolve endpoint.
type ResolveResponse struct {
	ID      string          `json:"id"`
	Outcome resolve.Outcome `json:"outcome"`
	Found   bool            `json:"found"`
	Error   string          `json:"error,omitempty"`
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// NewRouter builds HTTP handler for health, metrics, alert API, feeds, and push ingest.
// Params: wired dependencies and configured paths.
// Returns: ready-to-serve mux.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	s := &server{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(opts.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if opts.Ready != nil && !opts.Ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	if opts.HTTP.MetricsPath != "" {
		mux.Handle(opts.HTTP.MetricsPath, metrics.Handler())
	}

	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/alerts/recent", s.handleRecent)
	mux.HandleFunc("GET /api/alerts/sse", s.handleSSE)
	mux.HandleFunc("GET /api/alerts/ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/alerts/clear", s.handleClear)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolve)

	if opts.Ingest != nil && opts.HTTP.IngestPath != "" {
		mux.Handle(opts.HTTP.IngestPath, opts.Ingest)
		batchPath := strings.TrimSuffix(opts.HTTP.IngestPath, "/") + "/batch"
		if batchPath != opts.HTTP.IngestPath {
			mux.Handle(batchPath, opts.Ingest)
		}
	}
	return mux
}

// handleAlerts serves ledger snapshot with optional location, type, and min_severity filters.
func (s *server) handleAlerts(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	minSeverity := 0
	if raw := strings.TrimSpace(query.Get("min_severity")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			writeError(writer, http.StatusBadRequest, "min_severity must be an integer")
			return
		}
		minSeverity = value
	}

	alerts := s.opts.Ledger.FilterByLocation(query.Get("location"))
	alertType := strings.TrimSpace(query.Get("type"))
	kept := alerts[:0]
	for _, alert := range alerts {
		if alertType != "" && !strings.EqualFold(alert.Type, alertType) {
			continue
		}
		if alert.Severity < minSeverity {
			continue
		}
		kept = append(kept, alert)
	}
	writeJSON(writer, http.StatusOK, s.alertsResponse(kept))
}

// handleRecent serves poll read path capped at k.
func (s *server) handleRecent(writer http.ResponseWriter, request *http.Request) {
	if s.opts.Recent == nil {
		writeError(writer, http.StatusServiceUnavailable, "poll collaborator is not configured")
		return
	}
	k := 0
	if raw := strings.TrimSpace(request.URL.Query().Get("k")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			writeError(writer, http.StatusBadRequest, "k must be a non-negative integer")
			return
		}
		k = value
	}
	alerts, err := s.opts.Recent.Recent(request.Context(), k)
	if err != nil {
		s.logger.Warn("recent alerts fetch failed", "error", err.Error())
		writeError(writer, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(writer, http.StatusOK, s.alertsResponse(alerts))
}

// handleClear empties ledger.
func (s *server) handleClear(writer http.ResponseWriter, _ *http.Request) {
	cleared := len(s.opts.Ledger.Snapshot())
	s.opts.Ledger.Clear()
	s.logger.Info("ledger cleared", "count", cleared)
	writeJSON(writer, http.StatusOK, map[string]int{"cleared": cleared})
}

// handleResolve dismisses one alert and reports local or durable outcome.
func (s *server) handleResolve(writer http.ResponseWriter, request *http.Request) {
	if s.opts.Resolver == nil {
		writeError(writer, http.StatusServiceUnavailable, "resolver is not configured")
		return
	}
	result := s.opts.Resolver.Resolve(request.Context(), request.PathValue("id"))
	if errors.Is(result.Cause, resolve.ErrEmptyID) {
		writeError(writer, http.StatusBadRequest, result.Cause.Error())
		return
	}
	response := ResolveResponse{ID: result.ID, Outcome: result.Outcome, Found: result.Found}
	if result.Cause != nil {
		response.Error = result.Cause.Error()
	}
	writeJSON(writer, http.StatusOK, response)
}

func (s *server) alertsResponse(alerts []domain.Alert) AlertsResponse {
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	return AlertsResponse{Alerts: alerts, Count: len(alerts), Connected: s.connected()}
}

func (s *server) connected() bool {
	return s.opts.Stream != nil && s.opts.Stream.Connected()
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]string{"error": message})
}
