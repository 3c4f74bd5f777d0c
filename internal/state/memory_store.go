package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps resolution records in process memory for single-instance mode.
// Params: record map, record TTL, and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	ttl     time.Duration
	records map[string]memoryRecord
}

type memoryRecord struct {
	record    Resolution
	revision  uint64
	expiresAt time.Time
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil) and record TTL (0 keeps forever).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time, ttl time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		ttl:     ttl,
		records: make(map[string]memoryRecord),
	}
}

// MarkResolved writes record unconditionally and restarts its TTL.
// Params: resolution record keyed by AlertID.
// Returns: new revision.
func (s *MemoryStore) MarkResolved(_ context.Context, record Resolution) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.records[record.AlertID].revision + 1
	s.records[record.AlertID] = memoryRecord{record: record, revision: rev, expiresAt: s.expiry()}
	return rev, nil
}

// UpdateResolution replaces record using expected revision CAS.
// Params: expected revision and replacement record.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateResolution(_ context.Context, expectedRevision uint64, record Resolution) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(record.AlertID)
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[record.AlertID] = memoryRecord{record: record, revision: rev, expiresAt: s.expiry()}
	return rev, nil
}

// GetResolution returns record and revision.
// Params: alert id.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) GetResolution(_ context.Context, alertID string) (Resolution, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.liveLocked(alertID)
	if !ok {
		return Resolution{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

// IsResolved reports whether unexpired record exists.
func (s *MemoryStore) IsResolved(_ context.Context, alertID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(alertID)
	return ok, nil
}

// ListResolved lists ids of unexpired records in lexical order.
func (s *MemoryStore) ListResolved(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	ids := make([]string, 0, len(s.records))
	for id, entry := range s.records {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// liveLocked returns record and evicts it when expired. Caller holds write lock.
func (s *MemoryStore) liveLocked(alertID string) (memoryRecord, bool) {
	entry, ok := s.records[alertID]
	if !ok {
		return memoryRecord{}, false
	}
	if entry.expiresAt.IsZero() || s.now().Before(entry.expiresAt) {
		return entry, true
	}
	delete(s.records, alertID)
	return memoryRecord{}, false
}

func (s *MemoryStore) expiry() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(s.ttl)
}
