package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates absent resolution record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Resolution records that an operator resolved an alert.
// Params: alert id, resolve outcome, resolve time, and collaborator failure text.
// Returns: value persisted by Store implementations.
type Resolution struct {
	AlertID    string    `json:"alert_id"`
	Outcome    string    `json:"outcome"`
	ResolvedAt time.Time `json:"resolved_at"`
	Cause      string    `json:"cause,omitempty"`
}

// Store persists resolution records so later snapshots do not resurrect resolved alerts.
// Params: record write, CAS upgrade, lookup, and listing operations.
// Returns: backend persistence behavior.
type Store interface {
	MarkResolved(ctx context.Context, record Resolution) (uint64, error)
	UpdateResolution(ctx context.Context, expectedRevision uint64, record Resolution) (uint64, error)
	GetResolution(ctx context.Context, alertID string) (Resolution, uint64, error)
	IsResolved(ctx context.Context, alertID string) (bool, error)
	ListResolved(ctx context.Context) ([]string, error)
	Close() error
}
