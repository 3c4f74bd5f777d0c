package timestamp

import (
	"encoding/json"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeEquivalentRepresentations(t *testing.T) {
	t.Parallel()

	instant := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	inputs := []any{
		"2025-01-01T10:00:00Z",
		"2025-01-01T10:00:00.000Z",
		"2025-01-01T11:00:00+01:00",
		"2025-01-01T10:00:00",
		1735725600,
		int64(1735725600000),
		float64(1735725600),
		"1735725600",
		"1735725600000",
		json.Number("1735725600"),
		json.RawMessage(`1735725600000`),
		json.RawMessage(`"2025-01-01T10:00:00Z"`),
		instant,
		&instant,
	}
	for _, input := range inputs {
		got := Normalize(input, fixedNow)
		if got.ISO != "2025-01-01T10:00:00.000Z" {
			t.Fatalf("input %#v: unexpected iso %q", input, got.ISO)
		}
		if got.EpochMS != 1735725600000 {
			t.Fatalf("input %#v: unexpected epoch %d", input, got.EpochMS)
		}
	}
}

func TestNormalizeFallsBackToNow(t *testing.T) {
	t.Parallel()

	inputs := []any{
		nil,
		"",
		"not-a-date",
		"Tuesday",
		"2025-13-45T99:00:00Z",
		0,
		-5,
		json.RawMessage(`null`),
		json.RawMessage(`{"x":1}`),
		true,
		struct{}{},
		time.Time{},
	}
	for _, input := range inputs {
		got := Normalize(input, fixedNow)
		if got.EpochMS != fixedNow.UnixMilli() {
			t.Fatalf("input %#v: expected fallback to now, got %q", input, got.ISO)
		}
		if got.ISO != "2026-03-01T12:00:00.000Z" {
			t.Fatalf("input %#v: unexpected fallback iso %q", input, got.ISO)
		}
	}
}

func TestNormalizeWithRealNowStaysWithinTolerance(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := Normalize("not-a-date", time.Now())
	after := time.Now().UTC().Add(time.Second)
	if got.Time.Before(before) || got.Time.After(after) {
		t.Fatalf("expected now within tolerance, got %s", got.ISO)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.ISO); err != nil {
		t.Fatalf("expected valid iso string, got %q: %v", got.ISO, err)
	}
}

func TestNormalizeMillisThresholdBoundary(t *testing.T) {
	t.Parallel()

	atThreshold := Normalize(MillisThreshold, fixedNow)
	if atThreshold.EpochMS != MillisThreshold*1000 {
		t.Fatalf("threshold value must be read as seconds, got %d", atThreshold.EpochMS)
	}
	above := Normalize(MillisThreshold+1, fixedNow)
	if above.EpochMS != MillisThreshold+1 {
		t.Fatalf("value above threshold must be read as milliseconds, got %d", above.EpochMS)
	}
}

func TestNormalizeFractionalSeconds(t *testing.T) {
	t.Parallel()

	got := Normalize(1735725600.25, fixedNow)
	if got.EpochMS != 1735725600250 {
		t.Fatalf("unexpected epoch %d", got.EpochMS)
	}
}

func TestSortKey(t *testing.T) {
	t.Parallel()

	if got := SortKey("2025-01-01T10:00:00.000Z"); got != 1735725600000 {
		t.Fatalf("unexpected sort key %d", got)
	}
	if got := SortKey("garbage"); got != 0 {
		t.Fatalf("expected zero for garbage, got %d", got)
	}
}
