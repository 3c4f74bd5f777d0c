package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"alertfeed/internal/domain"
)

// HTTPHandler decodes JSON alerts and forwards them to sink.
// Params: sink receives candidates, max body limits payload size.
// Returns: HTTP handler for push ingest endpoint.
type HTTPHandler struct {
	sink        AlertSink
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and optional logger.
// Returns: configured handler.
func NewHTTPHandler(sink AlertSink, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, logger: logger}
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// ServeHTTP handles one incoming alert request.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.sink == nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	result, err := ingestPayload(h.sink, domain.SourceHTTP, body)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("http ingest decode failed", "error", err.Error(), "payload", string(body))
		}
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if result.accepted == 0 {
		writer.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(writer).Encode(ingestResponse{Accepted: result.accepted, Rejected: result.rejected})
}
