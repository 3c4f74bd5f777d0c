package e2e

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"alertfeed/internal/domain"
	"alertfeed/test/testutil"

	"github.com/nats-io/nats.go"
)

const (
	e2eAlertsSubj   = "alertfeed.alerts"
	e2eArrivalsSubj = "alertfeed.arrivals"
	e2eStateBucket  = "alertfeed_resolved"
)

// startLocalNATSServer starts a local JetStream NATS process for e2e tests.
// Params: testing handle for lifecycle/error reporting.
// Returns: server URL and stop callback.
func startLocalNATSServer(tb testing.TB) (string, func()) {
	return testutil.StartLocalNATSServer(tb)
}

// arrivalCollector records fan-out arrivals published by services.
type arrivalCollector struct {
	mu  sync.Mutex
	ids map[string]int
}

// subscribeArrivals listens on arrival subject with core NATS.
// Params: test handle and server URL.
// Returns: collector and cleanup callback.
func subscribeArrivals(tb testing.TB, url string) (*arrivalCollector, func()) {
	tb.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	collector := &arrivalCollector{ids: make(map[string]int)}
	sub, err := nc.Subscribe(e2eArrivalsSubj, func(message *nats.Msg) {
		var alert domain.Alert
		if err := json.Unmarshal(message.Data, &alert); err != nil {
			return
		}
		collector.mu.Lock()
		collector.ids[alert.ID]++
		collector.mu.Unlock()
	})
	if err != nil {
		nc.Close()
		tb.Fatalf("subscribe arrivals: %v", err)
	}
	if err := nc.FlushTimeout(3 * time.Second); err != nil {
		nc.Close()
		tb.Fatalf("flush: %v", err)
	}
	return collector, func() {
		_ = sub.Unsubscribe()
		nc.Close()
	}
}

func (c *arrivalCollector) Count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[id]
}

// publishNATSAlert publishes one alert payload to the ingest subject through JetStream.
func publishNATSAlert(tb testing.TB, url, body string) {
	tb.Helper()

	nc, js := testutil.ConnectJetStream(tb, url)
	defer nc.Close()
	testutil.PublishJSON(tb, js, e2eAlertsSubj, []byte(body))
}
