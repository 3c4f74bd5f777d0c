package ingest

import (
	"sync"

	"alertfeed/internal/domain"
	"alertfeed/internal/metrics"
)

const maxPooledBatchCapacity = 4096

// AlertSink receives candidate alerts from ingest interfaces.
// Params: raw candidate with its source, or already-built system alert.
// Returns: merged alert as stored.
type AlertSink interface {
	Merge(raw domain.RawAlert, source domain.Source) domain.Alert
	MergeAlert(alert domain.Alert) domain.Alert
}

// batchAlertSink publishes a whole batch once.
type batchAlertSink interface {
	MergeSnapshot(candidates []domain.RawAlert, source domain.Source) []domain.Alert
}

// decodeResult is outcome of one push payload decode.
type decodeResult struct {
	alerts   []domain.RawAlert
	accepted int
	rejected int
}

type decodeScratch struct {
	alerts []domain.RawAlert
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{alerts: make([]domain.RawAlert, 0, 16)}
	},
}

// decodeAlertPayloadInto splits one object or array payload into accepted candidates and rejects.
// Params: raw JSON bytes and pooled scratch buffer.
// Returns: accepted candidates backed by scratch, reject count, or malformed-payload error.
func decodeAlertPayloadInto(raw []byte, scratch *decodeScratch) (decodeResult, error) {
	candidates, err := domain.DecodeCandidates(raw)
	if err != nil {
		return decodeResult{}, err
	}
	result := decodeResult{alerts: scratch.alerts[:0]}
	for _, candidate := range candidates {
		if candidate.Kind != domain.KindAlert {
			result.rejected++
			continue
		}
		result.alerts = append(result.alerts, candidate.Alert)
	}
	result.accepted = len(result.alerts)
	scratch.alerts = result.alerts
	return result, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.alerts {
		scratch.alerts[i] = domain.RawAlert{}
	}
	if cap(scratch.alerts) > maxPooledBatchCapacity {
		scratch.alerts = make([]domain.RawAlert, 0, 16)
	} else {
		scratch.alerts = scratch.alerts[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ingestPayload decodes payload, records counters, and merges accepted candidates.
// Params: sink, source tag, and raw JSON bytes.
// Returns: accepted and rejected counts, or malformed-payload error.
func ingestPayload(sink AlertSink, source domain.Source, raw []byte) (decodeResult, error) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	result, err := decodeAlertPayloadInto(raw, scratch)
	if err != nil {
		metrics.IncIngest(string(source), metrics.ResultMalformed)
		return decodeResult{}, err
	}
	for i := 0; i < result.rejected; i++ {
		metrics.IncIngest(string(source), metrics.ResultRejected)
	}
	pushAlerts(sink, source, result.alerts)
	for range result.alerts {
		metrics.IncIngest(string(source), metrics.ResultAccepted)
	}
	return decodeResult{accepted: result.accepted, rejected: result.rejected}, nil
}

// pushAlerts sends candidates to sink with optional batch support.
// Params: sink, source tag, and candidate slice.
// Returns: none; merges never fail.
func pushAlerts(sink AlertSink, source domain.Source, alerts []domain.RawAlert) {
	if len(alerts) == 0 {
		return
	}
	if batchSink, ok := sink.(batchAlertSink); ok && len(alerts) > 1 {
		batchSink.MergeSnapshot(alerts, source)
		return
	}
	for _, alert := range alerts {
		sink.Merge(alert, source)
	}
}
