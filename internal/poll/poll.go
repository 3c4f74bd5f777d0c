package poll

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
	"alertfeed/internal/domain"
	"alertfeed/internal/ledger"
	"alertfeed/internal/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultInterval  = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// ErrPollStatus reports non-2xx response from poll collaborator.
var ErrPollStatus = errors.New("unexpected poll response status")

// Client fetches alert snapshots from the REST collaborator.
// Params: snapshot URL, HTTP client, and logger.
// Returns: poll transport handle.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates poll HTTP client.
// Params: snapshot URL, request timeout, and optional logger.
// Returns: configured client.
func NewClient(snapshotURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        snapshotURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Fetch reads current snapshot, optionally narrowed to one location.
// Params: context and location filter (empty for all).
// Returns: candidate alerts or transport/decode error.
func (c *Client) Fetch(ctx context.Context, location string) ([]domain.RawAlert, error) {
	target, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse poll url: %w", err)
	}
	if location != "" {
		query := target.Query()
		query.Set("location", location)
		target.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrPollStatus, response.StatusCode)
	}

	snapshot, err := domain.DecodeSnapshot(body)
	if err != nil {
		return nil, err
	}
	if snapshot.Skipped > 0 {
		metrics.IncDropped("poll_non_object")
		c.logger.Warn("poll snapshot entries skipped", "skipped", snapshot.Skipped)
	}
	return snapshot.Alerts, nil
}

// AlertLedger is the ledger surface used by poller.
type AlertLedger interface {
	Build(raw domain.RawAlert, source domain.Source) domain.Alert
	MergeSnapshot(candidates []domain.RawAlert, source domain.Source) []domain.Alert
}

// ResolvedChecker reports locally recorded resolutions.
type ResolvedChecker interface {
	IsResolved(ctx context.Context, alertID string) (bool, error)
}

// Poller periodically merges collaborator snapshot into ledger.
// Params: client, ledger, optional resolution store, location, interval, and recent limit.
// Returns: poll loop handle.
type Poller struct {
	client      *Client
	ledger      AlertLedger
	resolved    ResolvedChecker
	location    string
	interval    time.Duration
	recentLimit int
	logger      *slog.Logger
}

// NewPoller creates poll loop.
// Params: poll config, client, ledger, optional resolved checker, and logger.
// Returns: poller ready for Run.
func NewPoller(cfg config.PollConfig, client *Client, alerts AlertLedger, resolved ResolvedChecker, logger *slog.Logger) *Poller {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:      client,
		ledger:      alerts,
		resolved:    resolved,
		location:    cfg.Location,
		interval:    interval,
		recentLimit: cfg.RecentLimit,
		logger:      logger,
	}
}

// Run polls immediately and then every interval until context is done.
// Params: lifecycle context.
// Returns: nil on cancellation; poll errors are logged, never returned.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches one snapshot and merges unresolved alerts.
// Params: context.
// Returns: merged alert count or fetch error.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	started := time.Now()
	candidates, err := p.client.Fetch(ctx, p.location)
	if err != nil {
		metrics.ObservePoll(metrics.ResultError, time.Since(started))
		return 0, err
	}
	metrics.ObservePoll(metrics.ResultSuccess, time.Since(started))

	fresh := p.withoutResolved(ctx, candidates)
	merged := p.ledger.MergeSnapshot(fresh, domain.SourcePoll)
	p.logger.Debug("poll merged", "fetched", len(candidates), "merged", len(merged))
	return len(merged), nil
}

// Recent fetches snapshot and returns k newest alerts without touching ledger.
// Params: context and k (non-positive uses configured limit).
// Returns: alerts sorted newest first or fetch error.
func (p *Poller) Recent(ctx context.Context, k int) ([]domain.Alert, error) {
	if k <= 0 {
		k = p.recentLimit
	}
	candidates, err := p.client.Fetch(ctx, p.location)
	if err != nil {
		return nil, err
	}
	candidates = p.withoutResolved(ctx, candidates)
	alerts := make([]domain.Alert, 0, len(candidates))
	for _, candidate := range candidates {
		alerts = append(alerts, p.ledger.Build(candidate, domain.SourcePoll))
	}
	return ledger.Recent(alerts, k), nil
}

// withoutResolved drops candidates whose id is recorded as resolved.
// Candidates without origin id get their stable id first so local resolutions match.
func (p *Poller) withoutResolved(ctx context.Context, candidates []domain.RawAlert) []domain.RawAlert {
	if p.resolved == nil {
		return candidates
	}
	out := candidates[:0:0]
	for _, candidate := range candidates {
		if strings.TrimSpace(candidate.ID) == "" {
			candidate.ID = p.ledger.Build(candidate, domain.SourcePoll).ID
		}
		resolved, err := p.resolved.IsResolved(ctx, candidate.ID)
		if err != nil {
			p.logger.Warn("resolution lookup failed", "id", candidate.ID, "error", err.Error())
		}
		if resolved {
			metrics.IncIngest(string(domain.SourcePoll), metrics.ResultSkipped)
			continue
		}
		out = append(out, candidate)
	}
	return out
}
