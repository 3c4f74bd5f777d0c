package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"alertfeed/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSStore persists resolution records in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens or creates resolution bucket and returns NATS state backend.
// Params: state settings (URL list, bucket, record TTL).
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "alertfeed resolved alert ids",
			TTL:         time.Duration(settings.TTLSec) * time.Second,
			History:     1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create state bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// MarkResolved writes record unconditionally.
// Params: resolution record keyed by AlertID.
// Returns: new KV revision.
func (s *NATSStore) MarkResolved(_ context.Context, record Resolution) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode resolution: %w", err)
	}
	rev, err := s.kv.Put(kvKey(record.AlertID), body)
	if err != nil {
		return 0, fmt.Errorf("put resolution: %w", err)
	}
	return rev, nil
}

// UpdateResolution replaces record using expected revision CAS.
// Params: expected revision and replacement record.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateResolution(_ context.Context, expectedRevision uint64, record Resolution) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode resolution: %w", err)
	}
	rev, err := s.kv.Update(kvKey(record.AlertID), body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update resolution: %w", err)
	}
	return rev, nil
}

// GetResolution reads one record and its KV revision.
// Params: alert id.
// Returns: record, revision, or ErrNotFound.
func (s *NATSStore) GetResolution(_ context.Context, alertID string) (Resolution, uint64, error) {
	entry, err := s.kv.Get(kvKey(alertID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Resolution{}, 0, ErrNotFound
		}
		return Resolution{}, 0, fmt.Errorf("get resolution: %w", err)
	}

	var record Resolution
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return Resolution{}, 0, fmt.Errorf("decode resolution: %w", err)
	}
	return record, entry.Revision(), nil
}

// IsResolved checks whether record key currently exists.
func (s *NATSStore) IsResolved(_ context.Context, alertID string) (bool, error) {
	if _, err := s.kv.Get(kvKey(alertID)); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListResolved lists resolved alert ids in lexical order.
func (s *NATSStore) ListResolved(_ context.Context) ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, alertIDFromKey(key))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// kvKey maps alert id onto KV-safe key; ids may carry characters KV keys reject.
func kvKey(alertID string) string {
	var builder strings.Builder
	builder.Grow(len(alertID))
	for _, r := range alertID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			builder.WriteRune(r)
		default:
			fmt.Fprintf(&builder, "~%06x", r)
		}
	}
	return builder.String()
}

// alertIDFromKey reverses kvKey.
func alertIDFromKey(key string) string {
	if !strings.Contains(key, "~") {
		return key
	}
	var builder strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] == '~' && i+7 <= len(key) {
			if code, err := strconv.ParseUint(key[i+1:i+7], 16, 32); err == nil {
				builder.WriteRune(rune(code))
				i += 6
				continue
			}
		}
		builder.WriteByte(key[i])
	}
	return builder.String()
}
