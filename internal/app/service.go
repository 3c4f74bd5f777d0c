package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alertfeed/internal/api"
	"alertfeed/internal/backoff"
	"alertfeed/internal/clock"
	"alertfeed/internal/config"
	"alertfeed/internal/fanout"
	"alertfeed/internal/ingest"
	"alertfeed/internal/ledger"
	"alertfeed/internal/logging"
	"alertfeed/internal/metrics"
	"alertfeed/internal/notify"
	"alertfeed/internal/poll"
	"alertfeed/internal/resolve"
	"alertfeed/internal/state"
)

const shutdownTimeout = 10 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable alert reconciler service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	clock      clock.Clock
	ledger     *ledger.Ledger
	store      state.Store
	resolver   *resolve.Resolver
	stream     *ingest.StreamClient
	poller     *poll.Poller
	natsSub    *ingest.NATSSubscriber
	kafka      *ingest.KafkaConsumer
	dispatcher *notify.Dispatcher
	publisher  *fanout.NATSPublisher
	httpSrv    *http.Server
	feedsDone  chan struct{}
	feedsOnce  sync.Once
	readyFlag  atomic.Bool
	addr       atomic.Value
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	metrics.Init(nil)

	store, err := buildStore(cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	alerts := ledger.New(ledger.Options{
		Capacity:        cfg.Ledger.Capacity,
		DefaultSeverity: cfg.Ledger.DefaultSeverity,
		ArrivalBuffer:   cfg.Ledger.ArrivalBuffer,
	}, clk, logging.Component(logger, "ledger"))

	service := &Service{
		cfg:        cfg,
		logger:     logger,
		closeLog:   closeLog,
		clock:      clk,
		ledger:     alerts,
		store:      store,
		resolver:   resolve.NewResolver(alerts, buildCollaborator(cfg, logger), store, clk, logging.Component(logger, "resolve")),
		dispatcher: notify.NewDispatcher(cfg.Notify, logging.Component(logger, "notify")),
	}

	if cfg.Stream.Enabled {
		reconnect := cfg.Stream.Reconnect
		policy := backoff.New(reconnect.Backoff, reconnect.InitialMS, reconnect.MaxMS, reconnect.Jitter(), reconnect.MaxAttempts)
		service.stream = ingest.NewStreamClient(cfg.Stream, alerts, policy, logging.Component(logger, "stream"))
	}
	if cfg.Poll.Enabled {
		client := poll.NewClient(cfg.Poll.URL, time.Duration(cfg.Poll.TimeoutSec)*time.Second, logging.Component(logger, "poll"))
		service.poller = poll.NewPoller(cfg.Poll, client, alerts, store, logging.Component(logger, "poll"))
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildFanout(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if cfg.Ingest.Kafka.Enabled {
		service.kafka = ingest.NewKafkaConsumer(cfg.Ingest.Kafka, alerts, logging.Component(logger, "kafka"))
	}
	service.buildHTTPServer()

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	listener, err := net.Listen("tcp", s.cfg.HTTP.Listen)
	if err != nil {
		_ = s.shutdown(nil)
		return fmt.Errorf("http listen %q: %w", s.cfg.HTTP.Listen, err)
	}
	s.addr.Store(listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", listener.Addr().String())
		err := s.httpSrv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var workers sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("worker stopped", "worker", name, "error", err.Error())
			}
		}()
	}

	if s.stream != nil {
		start("stream", s.stream.Run)
	}
	if s.poller != nil {
		start("poll", s.poller.Run)
	}
	if s.kafka != nil {
		start("kafka", s.kafka.Run)
	}
	if len(s.dispatcher.Channels()) > 0 {
		arrivals := s.ledger.Arrivals()
		start("notify", func(ctx context.Context) error {
			return s.dispatcher.Run(ctx, arrivals)
		})
	}
	if s.publisher != nil {
		arrivals := s.ledger.Arrivals()
		snapshots := s.ledger.Subscribe()
		start("fanout", func(ctx context.Context) error {
			return fanout.Run(ctx, s.publisher, arrivals, snapshots, logging.Component(s.logger, "fanout"))
		})
	}

	s.readyFlag.Store(true)
	s.logger.Info("service started",
		"name", s.cfg.Service.Name,
		"mode", s.cfg.Service.Mode,
		"capacity", s.ledger.Capacity(),
		"notify_channels", len(s.dispatcher.Channels()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
	}
	runCancel()
	if err := s.shutdown(&workers); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Addr returns bound HTTP address once Run has started listening.
func (s *Service) Addr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

// Ready reports whether service finished startup.
func (s *Service) Ready() bool {
	return s.readyFlag.Load()
}

// shutdown closes runtime resources in dependency order.
// Params: optional worker group to wait for after inputs are closed.
// Returns: first close error.
func (s *Service) shutdown(workers *sync.WaitGroup) error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.closeFeeds()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.stream != nil {
		s.stream.Close()
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka consumer close failed", "error", err.Error())
			markErr(fmt.Errorf("kafka consumer close: %w", err))
		}
	}
	if workers != nil {
		workers.Wait()
	}
	s.ledger.Close()
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("fanout publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("fanout publisher close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.publisher != nil {
		_ = s.publisher.Close()
		s.publisher = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// closeFeeds ends open SSE and WebSocket clients before HTTP shutdown.
func (s *Service) closeFeeds() {
	s.feedsOnce.Do(func() {
		close(s.feedsDone)
	})
}

// buildHTTPServer wires API router with health, metrics, feeds, and push ingest.
func (s *Service) buildHTTPServer() {
	s.feedsDone = make(chan struct{})
	opts := api.Options{
		HTTP:     s.cfg.HTTP,
		Ledger:   s.ledger,
		Resolver: s.resolver,
		Ready:    s.readyFlag.Load,
		Logger:   logging.Component(s.logger, "api"),
		Done:     s.feedsDone,
	}
	if s.stream != nil {
		opts.Stream = s.stream
	}
	if s.poller != nil {
		opts.Recent = s.poller
	}
	if s.cfg.HTTP.IngestEnabled {
		opts.Ingest = ingest.NewHTTPHandler(s.ledger, s.cfg.HTTP.MaxBodyBytes, logging.Component(s.logger, "ingest"))
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           api.NewRouter(opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.ledger, logging.Component(s.logger, "nats"))
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildFanout connects downstream NATS publisher when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildFanout() error {
	if isSingleMode(s.cfg) || !s.cfg.Fanout.NATS.Enabled {
		return nil
	}
	publisher, err := fanout.NewNATSPublisher(s.cfg.Fanout.NATS)
	if err != nil {
		return err
	}
	s.publisher = publisher
	return nil
}

// buildCollaborator returns durable resolve transport or nil when disabled.
func buildCollaborator(cfg config.Config, logger *slog.Logger) resolve.Collaborator {
	if !cfg.Resolve.Enabled {
		return nil
	}
	return resolve.NewHTTPCollaborator(cfg.Resolve, logging.Component(logger, "resolve"))
}

// buildStore creates resolution record backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config, clk clock.Clock) (state.Store, error) {
	ttl := time.Duration(cfg.State.TTLSec) * time.Second
	if isSingleMode(cfg) || cfg.State.Backend == config.StateBackendMemory {
		return state.NewMemoryStore(clk.Now, ttl), nil
	}
	return state.NewNATSStore(cfg.State)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
