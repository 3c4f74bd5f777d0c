package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"alertfeed/internal/backoff"
	"alertfeed/internal/clock"
	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/feed"
	"alertfeed/internal/metrics"
	"alertfeed/internal/timestamp"

	"github.com/google/uuid"
)

// StreamState is lifecycle state of upstream stream connection.
type StreamState string

const (
	StateDisconnected StreamState = "DISCONNECTED"
	StateConnecting   StreamState = "CONNECTING"
	StateConnected    StreamState = "CONNECTED"
	StateError        StreamState = "ERROR"
)

const (
	eventConnected = "connected"
	eventAlert     = "alert"
	eventTest      = "test"

	connectionIDPrefix       = "connection-"
	connectionLocation       = "System"
	defaultConnectionMessage = "Connected to Alert Stream"
	defaultConnectTimeout    = 10 * time.Second
	sessionHeader            = "X-Alertfeed-Session"
)

// ErrStreamStatus reports non-2xx or non event-stream response from origin.
var ErrStreamStatus = errors.New("unexpected stream response")

// StreamOption customizes stream client construction.
type StreamOption func(*StreamClient)

// WithHTTPClient replaces transport used for stream requests.
func WithHTTPClient(client *http.Client) StreamOption {
	return func(c *StreamClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithStreamClock sets clock used for connection alert timestamps.
func WithStreamClock(clk clock.Clock) StreamOption {
	return func(c *StreamClient) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithIDGenerator sets connection alert id suffix generator.
func WithIDGenerator(next func() string) StreamOption {
	return func(c *StreamClient) {
		if next != nil {
			c.newID = next
		}
	}
}

// StreamClient keeps one server-sent events connection to alert origin and reconnects on failure.
// Params: built by NewStreamClient; Connect and Disconnect are safe for concurrent use.
// Returns: stream ingest lifecycle handle with observable connection status.
type StreamClient struct {
	url       string
	headers   map[string]string
	sink      AlertSink
	policy    backoff.Policy
	logger    *slog.Logger
	client    *http.Client
	clock     clock.Clock
	newID     func() string
	sessionID string

	lifecycle sync.Mutex

	mu          sync.Mutex
	state       StreamState
	connected   bool
	parent      context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	timer       *time.Timer
	generation  uint64
	attempts    int
	lastEventID string

	status *feed.Latest[bool]
}

// NewStreamClient creates disconnected stream client.
// Params: stream config, sink for decoded alerts, reconnect policy, logger, and options.
// Returns: client in DISCONNECTED state.
func NewStreamClient(cfg config.StreamConfig, sink AlertSink, policy backoff.Policy, logger *slog.Logger, opts ...StreamOption) *StreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := time.Duration(cfg.ConnectTimeoutSec) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	client := &StreamClient{
		url:       cfg.URL,
		headers:   cfg.Headers,
		sink:      sink,
		policy:    policy,
		logger:    logger,
		client:    newStreamHTTPClient(connectTimeout),
		clock:     clock.RealClock{},
		newID:     uuid.NewString,
		sessionID: uuid.NewString(),
		state:     StateDisconnected,
		parent:    context.Background(),
		status:    feed.NewLatest(false),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// newStreamHTTPClient bounds dial and response headers but never the stream body.
func newStreamHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: connectTimeout,
		},
	}
}

// Connect opens stream, replacing any active connection or pending reconnect.
// Params: lifecycle context; cancelling it stops the client without reconnect.
// Returns: none; connection progress is observable through Status and State.
func (c *StreamClient) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = ctx
	c.attempts = 0
	c.startLocked()
}

// Disconnect closes active connection and cancels pending reconnect.
// Params: none.
// Returns: none; no reader callback runs after it returns.
func (c *StreamClient) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		c.logger.Info("stream disconnected", "url", c.url)
	}
	c.state = StateDisconnected
	c.setConnectedLocked(false)
}

// Run connects and holds connection until context is done.
// Params: lifecycle context.
// Returns: nil after disconnect.
func (c *StreamClient) Run(ctx context.Context) error {
	c.Connect(ctx)
	<-ctx.Done()
	c.Disconnect()
	return nil
}

// Status subscribes to connection status; current value is replayed.
func (c *StreamClient) Status() *feed.Subscription[bool] {
	return c.status.Subscribe()
}

// Connected reports current connection status.
func (c *StreamClient) Connected() bool {
	return c.status.Value()
}

// State returns current lifecycle state.
func (c *StreamClient) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close disconnects and closes status subscriptions.
func (c *StreamClient) Close() {
	c.Disconnect()
	c.status.Close()
}

// stop invalidates current generation, cancels connection and timer, and waits for reader exit.
func (c *StreamClient) stop() {
	c.mu.Lock()
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// startLocked launches reader goroutine for a new generation. Caller holds mu.
func (c *StreamClient) startLocked() {
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(c.parent)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.timer = nil
	c.state = StateConnecting
	c.logger.Debug("stream connecting", "url", c.url, "attempt", c.attempts+1)

	go func() {
		defer close(done)
		err := c.consume(ctx, gen)
		c.finish(gen, err)
	}()
}

// consume performs one stream request and dispatches events until it ends.
// Params: connection context and generation.
// Returns: terminal transport error.
func (c *StreamClient) consume(ctx context.Context, gen uint64) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")
	request.Header.Set(sessionHeader, c.sessionID)
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}
	if lastID := c.lastID(); lastID != "" {
		request.Header.Set("Last-Event-ID", lastID)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4<<10))
		return fmt.Errorf("%w: status %d", ErrStreamStatus, response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, parseErr := mime.ParseMediaType(contentType)
		if parseErr != nil || mediaType != "text/event-stream" {
			return fmt.Errorf("%w: content type %q", ErrStreamStatus, contentType)
		}
	}
	c.markOpen(gen)

	reader := newEventReader(response.Body)
	for {
		event, readErr := reader.Next()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return errors.New("stream closed by origin")
			}
			return fmt.Errorf("read stream: %w", readErr)
		}
		if !c.current(gen) {
			return context.Canceled
		}
		c.rememberID(event.ID)
		c.dispatch(event)
	}
}

// dispatch routes one event by name.
func (c *StreamClient) dispatch(event Event) {
	switch event.Name {
	case eventConnected:
		c.handleConnected(event.Data)
	case defaultEventName, eventAlert, eventTest:
		c.handleAlert(event)
	default:
		c.logger.Debug("stream event ignored", "event", event.Name)
	}
}

// handleConnected turns origin acknowledgement into CONNECTED system alert.
func (c *StreamClient) handleConnected(data string) {
	ack, err := domain.DecodeConnectionAck([]byte(data))
	if err != nil {
		metrics.IncIngest(string(domain.SourceStream), metrics.ResultMalformed)
		c.logger.Warn("stream connected event malformed", "error", err.Error(), "payload", data)
		return
	}

	c.mu.Lock()
	c.attempts = 0
	c.setConnectedLocked(true)
	c.mu.Unlock()

	alert := c.connectionAlert(ack)
	c.sink.MergeAlert(alert)
	metrics.IncIngest(string(domain.SourceSystem), metrics.ResultAccepted)
	c.logger.Info("stream acknowledged", "id", alert.ID, "message", alert.Message)
}

// connectionAlert builds synthetic alert for stream acknowledgement.
// Params: decoded acknowledgement.
// Returns: SYSTEM alert with CONNECTED status and lowest severity.
func (c *StreamClient) connectionAlert(ack domain.ConnectionAck) domain.Alert {
	instant := timestamp.Normalize(ack.Timestamp, c.clock.Now())
	message := ack.Message
	if message == "" {
		message = defaultConnectionMessage
	}
	return domain.Alert{
		ID:        connectionIDPrefix + c.newID(),
		Type:      domain.TypeSystem,
		Location:  connectionLocation,
		Message:   message,
		Severity:  domain.SeverityMin,
		Timestamp: instant.ISO,
		EpochMS:   instant.EpochMS,
		Status:    domain.StatusConnected,
		Source:    domain.SourceSystem,
	}
}

// handleAlert decodes alert event and forwards accepted candidates.
func (c *StreamClient) handleAlert(event Event) {
	result, err := ingestPayload(c.sink, domain.SourceStream, []byte(event.Data))
	if err != nil {
		c.logger.Warn("stream event malformed", "event", event.Name, "error", err.Error(), "payload", event.Data)
		return
	}
	if result.rejected > 0 {
		c.logger.Debug("stream event rejected", "event", event.Name, "rejected", result.rejected, "payload", event.Data)
	}
}

// markOpen records successful response for generation.
func (c *StreamClient) markOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.state = StateConnected
	c.setConnectedLocked(true)
	c.logger.Info("stream connected", "url", c.url)
}

// finish handles end of one connection and schedules reconnect.
// Params: generation of ended connection and its terminal error.
// Returns: none.
func (c *StreamClient) finish(gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.setConnectedLocked(false)

	if c.parent.Err() != nil {
		c.state = StateDisconnected
		c.logger.Info("stream stopped", "url", c.url)
		return
	}

	c.attempts++
	c.state = StateError
	if c.policy.Exhausted(c.attempts) {
		c.state = StateDisconnected
		c.logger.Error("stream reconnect attempts exhausted", "url", c.url, "attempts", c.attempts, "error", errorText(cause))
		return
	}

	delay := c.policy.Next(c.attempts)
	metrics.IncReconnect()
	c.logger.Warn("stream connection lost",
		"url", c.url,
		"error", errorText(cause),
		"attempt", c.attempts,
		"retry_in", delay.String(),
	)
	c.timer = time.AfterFunc(delay, func() {
		c.reconnect(gen)
	})
}

// reconnect starts next generation unless client was stopped meanwhile.
func (c *StreamClient) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.state != StateError {
		return
	}
	if c.parent.Err() != nil {
		c.state = StateDisconnected
		return
	}
	c.startLocked()
}

// setConnectedLocked publishes status only on change. Caller holds mu.
func (c *StreamClient) setConnectedLocked(connected bool) {
	if c.connected == connected {
		return
	}
	c.connected = connected
	c.status.Publish(connected)
	metrics.SetConnected(connected)
}

func (c *StreamClient) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *StreamClient) lastID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

func (c *StreamClient) rememberID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
