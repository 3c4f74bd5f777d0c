package ingest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"alertfeed/internal/domain"
)

func TestHTTPHandlerAcceptsSingleAlert(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testAlertJSON("h1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.mergeCalls != 1 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls merge=%d batch=%d", sink.mergeCalls, sink.batchCalls)
	}
	if sink.sources[0] != domain.SourceHTTP {
		t.Fatalf("expected source %q, got %q", domain.SourceHTTP, sink.sources[0])
	}
	if !strings.Contains(response.Body.String(), `"accepted":1`) {
		t.Fatalf("expected accepted count in body, got %s", response.Body.String())
	}
}

func TestHTTPHandlerAcceptsBatchAlerts(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	payload := fmt.Sprintf("[%s,%s]", testAlertJSON("h1"), testAlertJSON("h2"))
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.mergeCalls != 0 || sink.batchCalls != 1 {
		t.Fatalf("unexpected sink calls merge=%d batch=%d", sink.mergeCalls, sink.batchCalls)
	}
	if len(sink.raws) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(sink.raws))
	}
}

func TestHTTPHandlerRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("[]"))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.mergeCalls != 0 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls merge=%d batch=%d", sink.mergeCalls, sink.batchCalls)
	}
}

func TestHTTPHandlerRejectsNonAlertPayload(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"location":"Main Gate"}`))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, response.Code)
	}
	if sink.rawCount() != 0 {
		t.Fatalf("expected no merged alerts, got %d", sink.rawCount())
	}
}

func TestHTTPHandlerRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&recordingSink{}, 1<<20, nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&recordingSink{}, 16, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testAlertJSON("h1")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func testAlertJSON(id string) string {
	return fmt.Sprintf(`{"id":"%s","type":"WEATHER","location":"North Park","message":"Heavy rain","severity":3,"timestamp":"2024-05-01T10:00:00Z"}`, id)
}
