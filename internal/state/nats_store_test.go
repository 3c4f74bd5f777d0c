package state

import (
	"context"
	"testing"
	"time"

	"alertfeed/internal/config"
	"alertfeed/test/testutil"
)

func TestNATSStoreResolutionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.StateConfig{
		URL:    []string{url},
		Bucket: "resolved_test",
		TTLSec: 60,
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	rev, err := store.MarkResolved(ctx, Resolution{AlertID: "alert/1", Outcome: "local", ResolvedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	resolved, err := store.IsResolved(ctx, "alert/1")
	if err != nil {
		t.Fatalf("is resolved: %v", err)
	}
	if !resolved {
		t.Fatalf("expected record to exist")
	}

	record, gotRev, err := store.GetResolution(ctx, "alert/1")
	if err != nil {
		t.Fatalf("get resolution: %v", err)
	}
	if gotRev != rev || record.Outcome != "local" {
		t.Fatalf("unexpected record/revision: record=%+v rev=%d expected=%d", record, gotRev, rev)
	}

	record.Outcome = "durable"
	if _, err := store.UpdateResolution(ctx, gotRev, record); err != nil {
		t.Fatalf("update resolution: %v", err)
	}
	if _, err := store.UpdateResolution(ctx, gotRev, record); err != ErrConflict {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}

	ids, err := store.ListResolved(ctx)
	if err != nil {
		t.Fatalf("list resolved: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alert/1" {
		t.Fatalf("unexpected ids: %#v", ids)
	}
}
