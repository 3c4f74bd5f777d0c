package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"alertfeed/internal/config"
	"alertfeed/internal/domain"
	"alertfeed/internal/metrics"

	"github.com/nats-io/nats.go"
)

const (
	natsJobsPerWorker = 16
	natsDrainTimeout  = 5 * time.Second
	natsDrainPoll     = 10 * time.Millisecond
)

// NATSSubscriber consumes alerts via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscription, worker pool, and alert sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	sink      AlertSink
	logger    *slog.Logger
	nackDelay time.Duration

	jobs      chan *nats.Msg
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNATSSubscriber creates JetStream queue consumer for alert ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink AlertSink, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	subscriber := &NATSSubscriber{
		nc:        nc,
		sink:      sink,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		jobs:      make(chan *nats.Msg, workers*natsJobsPerWorker),
		quit:      make(chan struct{}),
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Subject},
			Storage:  nats.FileStorage,
		}); addErr != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure ingest stream %q: %w", cfg.Stream, addErr)
		}
	}

	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.enqueue, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub

	for i := 0; i < workers; i++ {
		subscriber.wg.Add(1)
		go subscriber.work()
	}
	return subscriber, nil
}

// enqueue hands message to worker pool or asks for redelivery when pool is saturated.
// Params: JetStream message.
// Returns: none.
func (s *NATSSubscriber) enqueue(message *nats.Msg) {
	select {
	case <-s.quit:
		s.nackMessage(message, s.nackDelay)
		return
	default:
	}
	select {
	case s.jobs <- message:
	default:
		metrics.IncDropped("nats_workers_busy")
		s.nackMessage(message, s.nackDelay)
	}
}

func (s *NATSSubscriber) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case message := <-s.jobs:
			s.process(message)
		}
	}
}

// process decodes one message and merges its alerts.
// Params: JetStream message.
// Returns: none; malformed payloads are terminated so they are not redelivered.
func (s *NATSSubscriber) process(message *nats.Msg) {
	result, err := ingestPayload(s.sink, domain.SourceNATS, message.Data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("nats ingest decode failed",
				"subject", message.Subject,
				"error", err.Error(),
				"payload", string(message.Data),
			)
		}
		if termErr := message.Term(); termErr != nil {
			s.ackMessage(message, "decode")
		}
		return
	}
	if result.rejected > 0 && s.logger != nil {
		s.logger.Debug("nats ingest rejected candidates", "subject", message.Subject, "rejected", result.rejected)
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil && s.logger != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil && s.logger != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains NATS subscription, waits for workers, and closes connection.
// Params: none.
// Returns: close error from subscription drain.
func (s *NATSSubscriber) Close() error {
	var drainErr error
	s.closeOnce.Do(func() {
		if s.sub != nil {
			drainErr = s.sub.Drain()
			if drainErr == nil && !waitDrained(s.sub, natsDrainTimeout) && s.logger != nil {
				s.logger.Warn("nats ingest drain timed out", "timeout", natsDrainTimeout.String())
			}
		}
		close(s.quit)
		s.wg.Wait()
		if released := s.releasePending(); released > 0 && s.logger != nil {
			s.logger.Info("nats ingest released pending messages", "count", released)
		}
		s.nc.Close()
	})
	return drainErr
}

// releasePending naks messages still buffered after workers stop.
// Params: none.
// Returns: number of released messages.
func (s *NATSSubscriber) releasePending() int {
	released := 0
	for {
		select {
		case message := <-s.jobs:
			s.nackMessage(message, 0)
			released++
		default:
			return released
		}
	}
}

// waitDrained blocks until drained subscription becomes invalid or timeout expires.
// Params: subscription being drained and timeout.
// Returns: true when drain completed.
func waitDrained(sub interface{ IsValid() bool }, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(natsDrainPoll)
	}
	return true
}
