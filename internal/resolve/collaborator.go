package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"alertfeed/internal/config"
	"alertfeed/internal/permanent"

	"github.com/sony/gobreaker"
)

const defaultRequestTimeout = 5 * time.Second

var (
	// ErrResolveStatus reports non-2xx response from resolve collaborator.
	ErrResolveStatus = errors.New("resolve collaborator rejected request")
	// ErrUnavailable reports open circuit breaker.
	ErrUnavailable = errors.New("resolve collaborator unavailable")
)

// Collaborator persists resolution outside this process.
type Collaborator interface {
	Resolve(ctx context.Context, alertID string) error
}

// HTTPCollaborator calls `PUT <base>/<id>/resolve` behind a circuit breaker.
// Params: base URL, extra headers, HTTP client, and breaker.
// Returns: durable resolve transport.
type HTTPCollaborator struct {
	baseURL string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPCollaborator creates collaborator with breaker settings from config.
// Params: resolve config and optional logger.
// Returns: collaborator ready for Resolve.
func NewHTTPCollaborator(cfg config.ResolveConfig, logger *slog.Logger) *HTTPCollaborator {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	collaborator := &HTTPCollaborator{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
	collaborator.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "resolve-collaborator",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    time.Duration(cfg.Breaker.IntervalSec) * time.Second,
		Timeout:     time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejected id says nothing about collaborator health.
		IsSuccessful: func(err error) bool {
			return err == nil || permanent.Is(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return collaborator
}

// Resolve marks alert resolved at collaborator.
// Params: context and alert id.
// Returns: nil on 2xx, ErrUnavailable while breaker is open, or status/transport error.
func (c *HTTPCollaborator) Resolve(ctx context.Context, alertID string) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.put(ctx, alertID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// BreakerState returns current breaker state name.
func (c *HTTPCollaborator) BreakerState() string {
	return c.breaker.State().String()
}

func (c *HTTPCollaborator) put(ctx context.Context, alertID string) error {
	endpoint := c.baseURL + "/" + url.PathEscape(alertID) + "/resolve"
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return permanent.Mark(fmt.Errorf("build resolve request: %w", err))
	}
	for key, value := range c.headers {
		request.Header.Set(key, value)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))

	return permanent.HTTPStatus(ErrResolveStatus, response.StatusCode)
}
