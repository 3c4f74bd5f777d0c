package resolve

import (
	"context"
	"errors"
	"log/slog"

	"alertfeed/internal/clock"
	"alertfeed/internal/metrics"
	"alertfeed/internal/state"
)

// Outcome tells whether resolution reached the collaborator.
type Outcome string

const (
	// OutcomeLocal means alert was removed from this process only.
	OutcomeLocal Outcome = "local"
	// OutcomeDurable means collaborator acknowledged resolution.
	OutcomeDurable Outcome = "durable"
)

const maxRecordAttempts = 3

// ErrEmptyID rejects resolve without alert id.
var ErrEmptyID = errors.New("alert id is required")

// Result reports one resolve operation.
// Params: alert id, outcome, whether ledger held the alert, and collaborator failure.
// Returns: value returned to API callers.
type Result struct {
	ID      string
	Outcome Outcome
	Found   bool
	Cause   error
}

// LocalLedger is the ledger surface used by resolver.
type LocalLedger interface {
	Resolve(id string) bool
}

// Resolver removes alert locally, then tries durable resolution and records the outcome.
// Params: ledger, optional collaborator, optional state store, clock, and logger.
// Returns: resolve service.
type Resolver struct {
	ledger       LocalLedger
	collaborator Collaborator
	store        state.Store
	clock        clock.Clock
	logger       *slog.Logger
}

// NewResolver creates resolver; nil collaborator makes every outcome local.
func NewResolver(ledger LocalLedger, collaborator Collaborator, store state.Store, clk clock.Clock, logger *slog.Logger) *Resolver {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		ledger:       ledger,
		collaborator: collaborator,
		store:        store,
		clock:        clk,
		logger:       logger,
	}
}

// Resolve dismisses alert.
// Params: context and alert id.
// Returns: result; collaborator failure is carried in Result.Cause with OutcomeLocal.
func (r *Resolver) Resolve(ctx context.Context, id string) Result {
	if id == "" {
		return Result{Outcome: OutcomeLocal, Cause: ErrEmptyID}
	}

	result := Result{ID: id, Outcome: OutcomeLocal, Found: r.ledger.Resolve(id)}
	if r.collaborator != nil {
		if err := r.collaborator.Resolve(ctx, id); err != nil {
			result.Cause = err
			r.logger.Warn("durable resolve failed", "id", id, "error", err.Error())
		} else {
			result.Outcome = OutcomeDurable
		}
	}

	if err := r.record(ctx, result); err != nil {
		r.logger.Warn("resolution record failed", "id", id, "error", err.Error())
	}
	metrics.IncResolve(string(result.Outcome))
	r.logger.Info("alert resolved", "id", id, "outcome", result.Outcome, "found", result.Found)
	return result
}

// record stores resolution; a durable record is never downgraded to local.
func (r *Resolver) record(ctx context.Context, result Result) error {
	if r.store == nil {
		return nil
	}
	record := state.Resolution{
		AlertID:    result.ID,
		Outcome:    string(result.Outcome),
		ResolvedAt: r.clock.Now().UTC(),
	}
	if result.Cause != nil {
		record.Cause = result.Cause.Error()
	}

	var err error
	for attempt := 0; attempt < maxRecordAttempts; attempt++ {
		existing, revision, getErr := r.store.GetResolution(ctx, result.ID)
		if errors.Is(getErr, state.ErrNotFound) {
			_, err = r.store.MarkResolved(ctx, record)
			return err
		}
		if getErr != nil {
			return getErr
		}
		if existing.Outcome == string(OutcomeDurable) && result.Outcome == OutcomeLocal {
			return nil
		}
		_, err = r.store.UpdateResolution(ctx, revision, record)
		if !errors.Is(err, state.ErrConflict) {
			return err
		}
	}
	return err
}
