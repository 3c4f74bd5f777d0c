package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"alertfeed/internal/backoff"
	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/logging"
)

func testPolicy(initial time.Duration, maxAttempts int) backoff.Policy {
	return backoff.Policy{
		Mode:        backoff.ModeFixed,
		Initial:     initial,
		Max:         initial,
		MaxAttempts: maxAttempts,
	}
}

func newTestStreamClient(url string, sink AlertSink, policy backoff.Policy) *StreamClient {
	return NewStreamClient(
		config.StreamConfig{URL: url},
		sink,
		policy,
		logging.Discard(),
		WithIDGenerator(func() string { return "fixed" }),
	)
}

// sseOrigin writes events and then holds the connection open until client leaves.
func sseOrigin(requests *atomic.Int32, events ...string) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.Header().Set("Content-Type", "text/event-stream")
		writer.WriteHeader(http.StatusOK)
		for _, event := range events {
			fmt.Fprint(writer, event)
		}
		writer.(http.Flusher).Flush()
		<-request.Context().Done()
	}
}

func TestStreamClientForwardsAlertsAndConnectionAck(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(sseOrigin(&requests,
		"event: connected\ndata: {\"message\":\"Welcome\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\n\n",
		"data: {\"id\":\"a1\",\"type\":\"weather\",\"message\":\"storm\",\"severity\":4}\n\n",
		"event: alert\ndata: {\"location\":\"Gate\"}\n\n",
		"event: test\ndata: not-json\n\n",
		"event: test\ndata: {\"id\":\"t1\",\"message\":\"test alert\"}\n\n",
		"event: heartbeat\ndata: {\"id\":\"ignored\",\"message\":\"x\"}\n\n",
	))
	defer server.Close()

	sink := &recordingSink{}
	client := newTestStreamClient(server.URL, sink, testPolicy(time.Hour, 0))
	client.Connect(context.Background())
	defer client.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return sink.rawCount() == 2 }, "two forwarded alerts")

	ids := sink.rawIDs()
	if ids[0] != "a1" || ids[1] != "t1" {
		t.Fatalf("expected forwarded ids [a1 t1], got %v", ids)
	}
	system := sink.systemAlerts()
	if len(system) != 1 {
		t.Fatalf("expected one connection alert, got %d", len(system))
	}
	ack := system[0]
	if ack.ID != "connection-fixed" || ack.Status != domain.StatusConnected || ack.Type != domain.TypeSystem {
		t.Fatalf("unexpected connection alert: %+v", ack)
	}
	if ack.Severity != domain.SeverityMin || ack.Message != "Welcome" {
		t.Fatalf("unexpected connection alert body: %+v", ack)
	}
	if ack.Timestamp != "2024-01-01T00:00:00.000Z" {
		t.Fatalf("expected canonical ack timestamp, got %q", ack.Timestamp)
	}
	if client.State() != StateConnected || !client.Connected() {
		t.Fatalf("expected connected state, got %s", client.State())
	}
}

func TestStreamClientReconnectsAfterFailure(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	healthy := sseOrigin(&atomic.Int32{}, "event: connected\ndata: {}\n\n")
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if requests.Add(1) <= 2 {
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		healthy(writer, request)
	}))
	defer server.Close()

	sink := &recordingSink{}
	client := newTestStreamClient(server.URL, sink, testPolicy(10*time.Millisecond, 0))
	client.Connect(context.Background())
	defer client.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return len(sink.systemAlerts()) == 1 }, "connection after retries")
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
	if !client.Connected() {
		t.Fatalf("expected connected after recovery")
	}
}

func TestStreamClientDisconnectCancelsPendingReconnect(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestStreamClient(server.URL, &recordingSink{}, testPolicy(250*time.Millisecond, 0))
	client.Connect(context.Background())
	waitFor(t, 2*time.Second, func() bool { return client.State() == StateError }, "error state")

	client.Disconnect()
	if client.State() != StateDisconnected {
		t.Fatalf("expected %s, got %s", StateDisconnected, client.State())
	}
	time.Sleep(400 * time.Millisecond)
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected no reconnect after disconnect, got %d requests", got)
	}

	client.Disconnect()
	if client.State() != StateDisconnected {
		t.Fatalf("expected repeated disconnect to be no-op")
	}
}

func TestStreamClientStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestStreamClient(server.URL, &recordingSink{}, testPolicy(5*time.Millisecond, 2))
	client.Connect(context.Background())
	defer client.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		return requests.Load() == 2 && client.State() == StateDisconnected
	}, "attempts exhausted")
	time.Sleep(50 * time.Millisecond)
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestStreamClientRejectsNonEventStreamResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"alerts":[]}`))
	}))
	defer server.Close()

	client := newTestStreamClient(server.URL, &recordingSink{}, testPolicy(time.Hour, 0))
	client.Connect(context.Background())
	defer client.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return client.State() == StateError }, "error state")
	if client.Connected() {
		t.Fatalf("expected disconnected status")
	}
}

func TestStreamClientStatusReplaysLatest(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(sseOrigin(&requests, "event: connected\ndata: {}\n\n"))
	defer server.Close()

	client := newTestStreamClient(server.URL, &recordingSink{}, testPolicy(time.Hour, 0))
	status := client.Status()
	defer status.Close()

	if initial := <-status.C(); initial {
		t.Fatalf("expected initial status false")
	}

	client.Connect(context.Background())
	select {
	case connected := <-status.C():
		if !connected {
			t.Fatalf("expected status true after connect")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for status")
	}

	client.Disconnect()
	select {
	case connected := <-status.C():
		if connected {
			t.Fatalf("expected status false after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnect status")
	}
}

func TestStreamClientContextCancelStopsWithoutReconnect(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	server := httptest.NewServer(sseOrigin(&requests))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := newTestStreamClient(server.URL, &recordingSink{}, testPolicy(5*time.Millisecond, 0))
	client.Connect(ctx)
	waitFor(t, 2*time.Second, func() bool { return client.State() == StateConnected }, "connected state")

	cancel()
	waitFor(t, 2*time.Second, func() bool { return client.State() == StateDisconnected }, "stopped state")
	time.Sleep(30 * time.Millisecond)
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected single request, got %d", got)
	}
}
