package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"alertfeed/internal/domain"
	"alertfeed/internal/feed"

	"github.com/gorilla/websocket"
)

const (
	eventConnected = "connected"
	eventAlerts    = "alerts"
	eventAlert     = "alert"
	eventStatus    = "status"

	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// feedMessage is one downstream event for SSE and WebSocket clients.
type feedMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// statusPayload is body of connected and status events.
type statusPayload struct {
	Connected bool `json:"connected"`
}

// feedSubscriptions holds per-client ledger and stream subscriptions.
type feedSubscriptions struct {
	snapshots *feed.Subscription[[]domain.Alert]
	arrivals  *feed.Subscription[domain.Alert]
	status    *feed.Subscription[bool]
}

func (s *server) subscribe() feedSubscriptions {
	subs := feedSubscriptions{
		snapshots: s.opts.Ledger.Subscribe(),
		arrivals:  s.opts.Ledger.Arrivals(),
	}
	if s.opts.Stream != nil {
		subs.status = s.opts.Stream.Status()
	}
	return subs
}

func (f feedSubscriptions) Close() {
	f.snapshots.Close()
	f.arrivals.Close()
	f.status.Close()
}

// pump emits connected event, then every feed change until context ends, feeds shut down, or emit fails.
// Params: client context, subscriptions, keepalive interval and callbacks.
// Returns: emit error or nil on context cancellation.
func (s *server) pump(ctx context.Context, subs feedSubscriptions, keepAlive time.Duration, emit func(feedMessage) error, ping func() error) error {
	lastStatus := s.connected()
	if err := emit(feedMessage{Event: eventConnected, Data: statusPayload{Connected: lastStatus}}); err != nil {
		return err
	}

	snapshotCh := subs.snapshots.C()
	arrivalCh := subs.arrivals.C()
	var statusCh <-chan bool
	if subs.status != nil {
		statusCh = subs.status.C()
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		var message feedMessage
		select {
		case <-ctx.Done():
			return nil
		case <-s.opts.Done:
			return nil
		case <-ticker.C:
			if err := ping(); err != nil {
				return err
			}
			continue
		case view, ok := <-snapshotCh:
			if !ok {
				return nil
			}
			message = feedMessage{Event: eventAlerts, Data: s.alertsResponse(view)}
		case alert, ok := <-arrivalCh:
			if !ok {
				arrivalCh = nil
				continue
			}
			message = feedMessage{Event: eventAlert, Data: alert}
		case connected, ok := <-statusCh:
			if !ok {
				statusCh = nil
				continue
			}
			if connected == lastStatus {
				continue
			}
			lastStatus = connected
			message = feedMessage{Event: eventStatus, Data: statusPayload{Connected: connected}}
		}
		if err := emit(message); err != nil {
			return err
		}
	}
}

// handleSSE streams ledger changes as server-sent events.
func (s *server) handleSSE(writer http.ResponseWriter, request *http.Request) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		http.Error(writer, "stream unsupported", http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	writer.WriteHeader(http.StatusOK)

	subs := s.subscribe()
	defer subs.Close()

	emit := func(message feedMessage) error {
		payload, err := json.Marshal(message.Data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", message.Event, err)
		}
		if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", message.Event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := writer.Write([]byte(": ping\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.pump(request.Context(), subs, s.opts.KeepAlive, emit, ping); err != nil {
		s.logger.Debug("sse client dropped", "remote", request.RemoteAddr, "error", err.Error())
	}
}

// handleWebSocket streams ledger changes as JSON frames.
func (s *server) handleWebSocket(writer http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "error", err.Error())
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	subs := s.subscribe()
	defer subs.Close()

	emit := func(message feedMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(message)
	}
	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}
	if err := s.pump(ctx, subs, s.opts.KeepAlive, emit, ping); err != nil {
		s.logger.Debug("websocket client dropped", "remote", request.RemoteAddr, "error", err.Error())
		return
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout),
	)
}
