package ledger

import (
	"fmt"
	"testing"
	"time"

	"alertfeed/internal/clock"
	"alertfeed/internal/domain"
)

var fixedNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestLedger(capacity int) *Ledger {
	return New(Options{Capacity: capacity}, clock.NewFixedClock(fixedNow), nil)
}

func severity(value int) *int {
	return &value
}

func raw(id string, at time.Time) domain.RawAlert {
	return domain.RawAlert{
		ID:        id,
		Type:      domain.TypeWeather,
		Location:  "Main Gate",
		Message:   "alert " + id,
		Severity:  severity(3),
		Timestamp: at.UnixMilli(),
	}
}

func ids(alerts []domain.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, alert.ID)
	}
	return out
}

func assertIDs(t *testing.T, alerts []domain.Alert, expected ...string) {
	t.Helper()
	got := ids(alerts)
	if len(got) != len(expected) {
		t.Fatalf("expected ids %v, got %v", expected, got)
	}
	for index := range expected {
		if got[index] != expected[index] {
			t.Fatalf("expected ids %v, got %v", expected, got)
		}
	}
}

func TestMergeIsIdempotentByID(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	first := raw("a1", fixedNow)
	second := raw("a1", fixedNow.Add(time.Second))
	second.Message = "updated"

	ledger.Merge(first, domain.SourceStream)
	ledger.Merge(second, domain.SourcePoll)

	snapshot := ledger.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected single entry, got %d", len(snapshot))
	}
	if snapshot[0].Message != "updated" || snapshot[0].Source != domain.SourcePoll {
		t.Fatalf("expected latest payload, got %+v", snapshot[0])
	}
}

func TestMergeKeepsMostRecentWithinBound(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	for index := 0; index < 5; index++ {
		ledger.Merge(raw(fmt.Sprintf("a%d", index), fixedNow.Add(time.Duration(index)*time.Minute)), domain.SourceStream)
	}

	assertIDs(t, ledger.Snapshot(), "a4", "a3", "a2")
}

func TestMergeKeepsNewestByTimestampNotArrival(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("new", fixedNow), domain.SourceStream)
	ledger.Merge(raw("mid", fixedNow.Add(-time.Minute)), domain.SourceStream)
	ledger.Merge(raw("old", fixedNow.Add(-2*time.Minute)), domain.SourceStream)
	ledger.Merge(raw("older", fixedNow.Add(-3*time.Minute)), domain.SourceStream)

	assertIDs(t, ledger.Snapshot(), "new", "mid", "old")
}

func TestMergeOrdersOutOfOrderArrivals(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("t1", fixedNow.Add(-time.Minute)), domain.SourceStream)
	ledger.Merge(raw("t0", fixedNow), domain.SourceStream)
	ledger.Merge(raw("t2", fixedNow.Add(-2*time.Minute)), domain.SourceStream)

	assertIDs(t, ledger.Snapshot(), "t0", "t1", "t2")
}

func TestMergeDescendingInvariantAcrossMixedFormats(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(5)
	inputs := []any{
		"2025-01-01T09:58:00Z",
		int64(1735725540),
		"1735725600000",
		"not-a-date",
		1735725480.5,
	}
	for index, input := range inputs {
		ledger.Merge(domain.RawAlert{ID: fmt.Sprintf("m%d", index), Type: domain.TypeCrowd, Timestamp: input}, domain.SourceStream)
	}

	snapshot := ledger.Snapshot()
	for index := 1; index < len(snapshot); index++ {
		if snapshot[index-1].EpochMS < snapshot[index].EpochMS {
			t.Fatalf("expected descending order at %d, got %v then %v", index, snapshot[index-1].Timestamp, snapshot[index].Timestamp)
		}
	}
}

func TestMergeEqualTimestampsPutsLatestArrivalFirst(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("first", fixedNow), domain.SourceStream)
	ledger.Merge(raw("second", fixedNow), domain.SourceStream)

	assertIDs(t, ledger.Snapshot(), "second", "first")
}

func TestMergeAppliesDefaults(t *testing.T) {
	t.Parallel()

	ledger := New(Options{DefaultSeverity: 2}, clock.NewFixedClock(fixedNow), nil)
	alert := ledger.Merge(domain.RawAlert{Message: "Gate closed"}, domain.SourceHTTP)

	if alert.Type != domain.TypeUnknown {
		t.Fatalf("expected type %q, got %q", domain.TypeUnknown, alert.Type)
	}
	if alert.Location != domain.DefaultLocation {
		t.Fatalf("expected default location, got %q", alert.Location)
	}
	if alert.Severity != 2 {
		t.Fatalf("expected default severity 2, got %d", alert.Severity)
	}
	if alert.Status != domain.StatusActive {
		t.Fatalf("expected ACTIVE status, got %q", alert.Status)
	}
	if alert.Timestamp != "2025-01-01T10:00:00.000Z" {
		t.Fatalf("expected now timestamp, got %q", alert.Timestamp)
	}
	expectedID := domain.StableID(domain.TypeUnknown, domain.DefaultLocation, "Gate closed", fixedNow)
	if alert.ID != expectedID {
		t.Fatalf("expected stable id %q, got %q", expectedID, alert.ID)
	}
}

func TestMergeDedupesRedeliveredAlertWithoutID(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	candidate := domain.RawAlert{Type: "weather", Location: "Pier", Message: "Storm", Timestamp: "2025-01-01T09:00:00.120Z"}
	redelivered := candidate
	redelivered.Timestamp = "2025-01-01T09:00:00.870Z"

	ledger.Merge(candidate, domain.SourceStream)
	ledger.Merge(redelivered, domain.SourcePoll)

	if size := len(ledger.Snapshot()); size != 1 {
		t.Fatalf("expected redelivery to dedupe, got %d entries", size)
	}
}

func TestMergeClampsSeverity(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	alert := ledger.Merge(domain.RawAlert{ID: "s", Type: domain.TypeSecurity, Severity: severity(9)}, domain.SourceStream)
	if alert.Severity != domain.SeverityMax {
		t.Fatalf("expected clamped severity %d, got %d", domain.SeverityMax, alert.Severity)
	}
}

func TestResolveRemovesLocally(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("a", fixedNow), domain.SourceStream)
	ledger.Merge(raw("b", fixedNow.Add(-time.Minute)), domain.SourceStream)

	if !ledger.Resolve("a") {
		t.Fatalf("expected resolve to find alert")
	}
	if ledger.Resolve("a") {
		t.Fatalf("expected second resolve to report missing")
	}
	assertIDs(t, ledger.Snapshot(), "b")
}

func TestSubscribeReplaysAndObservesPublishes(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("a", fixedNow), domain.SourceStream)

	sub := ledger.Subscribe()
	defer sub.Close()
	assertIDs(t, <-sub.C(), "a")

	ledger.Clear()
	if got := <-sub.C(); len(got) != 0 {
		t.Fatalf("expected empty collection after clear, got %v", ids(got))
	}
}

func TestArrivalsStreamPublishesEachMerge(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	arrivals := ledger.Arrivals()
	defer arrivals.Close()

	ledger.MergeSnapshot([]domain.RawAlert{raw("p1", fixedNow), raw("p2", fixedNow.Add(-time.Minute))}, domain.SourcePoll)

	first := <-arrivals.C()
	second := <-arrivals.C()
	if first.ID != "p1" || second.ID != "p2" {
		t.Fatalf("expected arrivals p1,p2, got %s,%s", first.ID, second.ID)
	}
	if first.Source != domain.SourcePoll {
		t.Fatalf("expected poll source, got %q", first.Source)
	}
}

func drainArrivals(arrivals <-chan domain.Alert) []string {
	var out []string
	for {
		select {
		case alert := <-arrivals:
			out = append(out, alert.ID)
		default:
			return out
		}
	}
}

func TestMergeSnapshotAnnouncesOnlyNewRetainedRecords(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	arrivals := ledger.Arrivals()
	defer arrivals.Close()

	batch := []domain.RawAlert{
		raw("p1", fixedNow),
		raw("p2", fixedNow.Add(-time.Minute)),
		raw("p3", fixedNow.Add(-2*time.Minute)),
		raw("p4", fixedNow.Add(-3*time.Minute)),
	}
	ledger.MergeSnapshot(batch, domain.SourcePoll)
	if got := drainArrivals(arrivals.C()); fmt.Sprint(got) != "[p1 p2 p3]" {
		t.Fatalf("expected arrivals [p1 p2 p3] on first poll, got %v", got)
	}

	for cycle := 0; cycle < 2; cycle++ {
		ledger.MergeSnapshot(batch, domain.SourcePoll)
		if got := drainArrivals(arrivals.C()); len(got) != 0 {
			t.Fatalf("expected no arrivals for repeated poll %d, got %v", cycle, got)
		}
	}
	assertIDs(t, ledger.Snapshot(), "p1", "p2", "p3")

	changed := raw("p2", fixedNow.Add(-time.Minute))
	changed.Message = "upgraded"
	ledger.MergeSnapshot([]domain.RawAlert{batch[0], changed}, domain.SourcePoll)
	if got := drainArrivals(arrivals.C()); fmt.Sprint(got) != "[p2]" {
		t.Fatalf("expected arrival for changed p2 only, got %v", got)
	}
}

func TestMergeSnapshotSkipsRecordAlreadyPushed(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	ledger.Merge(raw("s1", fixedNow), domain.SourceStream)
	arrivals := ledger.Arrivals()
	defer arrivals.Close()

	ledger.MergeSnapshot([]domain.RawAlert{raw("s1", fixedNow)}, domain.SourcePoll)
	if got := drainArrivals(arrivals.C()); len(got) != 0 {
		t.Fatalf("expected no arrival for polled copy of pushed alert, got %v", got)
	}
}

func TestMergeAlertRepairsMissingFields(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(3)
	alert := ledger.MergeAlert(domain.Alert{
		ID:       "connection-1",
		Type:     domain.TypeSystem,
		Location: "System",
		Message:  "Connected to Alert Stream",
		Status:   domain.StatusConnected,
	})
	if alert.Severity != domain.SeverityMin {
		t.Fatalf("expected severity %d, got %d", domain.SeverityMin, alert.Severity)
	}
	if alert.EpochMS != fixedNow.UnixMilli() {
		t.Fatalf("expected epoch %d, got %d", fixedNow.UnixMilli(), alert.EpochMS)
	}
	if got, ok := ledger.Get("connection-1"); !ok || got.Status != domain.StatusConnected {
		t.Fatalf("expected stored connection alert, got %+v", got)
	}
}

func TestReadHelpers(t *testing.T) {
	t.Parallel()

	ledger := newTestLedger(5)
	ledger.Merge(domain.RawAlert{ID: "1", Type: "WEATHER", Location: "Main Gate", Severity: severity(4), Timestamp: fixedNow}, domain.SourceStream)
	ledger.Merge(domain.RawAlert{ID: "2", Type: "crowd", Location: "Food Court", Severity: severity(2), Timestamp: fixedNow.Add(-time.Minute)}, domain.SourceStream)
	ledger.Merge(domain.RawAlert{ID: "3", Type: "SECURITY", Location: "main gate east", Severity: severity(5), Status: "RESOLVED", Timestamp: fixedNow.Add(-2 * time.Minute)}, domain.SourceStream)

	assertIDs(t, ledger.FilterByLocation("MAIN"), "1", "3")
	assertIDs(t, ledger.FilterByType("CROWD"), "2")
	assertIDs(t, ledger.BySeverity(4), "1", "3")
	if ledger.ActiveCount() != 2 {
		t.Fatalf("expected 2 active alerts, got %d", ledger.ActiveCount())
	}
	if !ledger.HasActiveForLocation("food") {
		t.Fatalf("expected active alert for food court")
	}
	if ledger.HasActiveForLocation("east") {
		t.Fatalf("expected resolved alert to be ignored")
	}
}

func TestRecentSortsAndCaps(t *testing.T) {
	t.Parallel()

	alerts := []domain.Alert{
		{ID: "old", Timestamp: "2025-01-01T08:00:00.000Z"},
		{ID: "new", Timestamp: "2025-01-01T10:00:00.000Z"},
		{ID: "mid", Timestamp: "2025-01-01T09:00:00.000Z"},
		{ID: "oldest", Timestamp: "2025-01-01T07:00:00.000Z"},
	}
	assertIDs(t, Recent(alerts, 3), "new", "mid", "old")
	if alerts[0].ID != "old" {
		t.Fatalf("expected input untouched, got %s first", alerts[0].ID)
	}
}
