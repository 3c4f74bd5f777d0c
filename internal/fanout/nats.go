package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/feed"

	"github.com/nats-io/nats.go"
)

const arrivalStreamMaxAge = 24 * time.Hour

// SnapshotMessage is one published ledger view.
type SnapshotMessage struct {
	Alerts      []domain.Alert `json:"alerts"`
	Count       int            `json:"count"`
	PublishedAt time.Time      `json:"published_at"`
}

// Publisher mirrors ledger changes to downstream consumers.
// Params: arrival and snapshot payloads.
// Returns: publish error.
type Publisher interface {
	PublishArrival(ctx context.Context, alert domain.Alert) error
	PublishSnapshot(ctx context.Context, alerts []domain.Alert) error
	Close() error
}

// NATSPublisher publishes arrivals into JetStream and snapshots over core NATS.
// Params: NATS connection and subject settings.
// Returns: fan-out publisher implementation.
type NATSPublisher struct {
	nc              *nats.Conn
	js              nats.JetStreamContext
	arrivalSubject  string
	snapshotSubject string
	now             func() time.Time
}

// NewNATSPublisher connects to NATS and ensures arrival stream exists.
// Params: fan-out config with URL list, stream, and subjects.
// Returns: initialized publisher or setup error.
func NewNATSPublisher(cfg config.NATSFanoutConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect fanout nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for fanout: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.ArrivalSubject, arrivalStreamMaxAge); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{
		nc:              nc,
		js:              js,
		arrivalSubject:  cfg.ArrivalSubject,
		snapshotSubject: cfg.SnapshotSubject,
		now:             time.Now,
	}, nil
}

// PublishArrival publishes one accepted alert; alert id deduplicates redelivery.
func (p *NATSPublisher) PublishArrival(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal fanout arrival: %w", err)
	}
	msg := nats.NewMsg(p.arrivalSubject)
	msg.Data = body
	if strings.TrimSpace(alert.ID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(alert.ID))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish fanout arrival: %w", err)
	}
	return nil
}

// PublishSnapshot publishes the full ledger view; snapshots are not persisted.
func (p *NATSPublisher) PublishSnapshot(_ context.Context, alerts []domain.Alert) error {
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	body, err := json.Marshal(SnapshotMessage{Alerts: alerts, Count: len(alerts), PublishedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal fanout snapshot: %w", err)
	}
	if err := p.nc.Publish(p.snapshotSubject, body); err != nil {
		return fmt.Errorf("publish fanout snapshot: %w", err)
	}
	return nil
}

// Close flushes pending snapshots and closes NATS connection.
// Params: none.
// Returns: flush error.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

// Run forwards ledger arrivals and snapshots until context is done.
// Params: context, publisher, both ledger subscriptions, and logger.
// Returns: nil after shutdown; publish failures are logged and skipped.
func Run(ctx context.Context, publisher Publisher, arrivals *feed.Subscription[domain.Alert], snapshots *feed.Subscription[[]domain.Alert], logger *slog.Logger) error {
	if publisher == nil {
		return errors.New("fanout publisher is required")
	}
	defer arrivals.Close()
	defer snapshots.Close()

	arrivalCh := arrivals.C()
	snapshotCh := snapshots.C()
	for arrivalCh != nil || snapshotCh != nil {
		select {
		case <-ctx.Done():
			return nil
		case alert, ok := <-arrivalCh:
			if !ok {
				arrivalCh = nil
				continue
			}
			if err := publisher.PublishArrival(ctx, alert); err != nil && logger != nil {
				logger.Warn("fanout arrival publish failed", "id", alert.ID, "error", err.Error())
			}
		case view, ok := <-snapshotCh:
			if !ok {
				snapshotCh = nil
				continue
			}
			if err := publisher.PublishSnapshot(ctx, view); err != nil && logger != nil {
				logger.Warn("fanout snapshot publish failed", "count", len(view), "error", err.Error())
			}
		}
	}
	return nil
}

// ensureStream ensures arrival stream exists.
// Params: JetStream context, stream name, subject, and retention age.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}
