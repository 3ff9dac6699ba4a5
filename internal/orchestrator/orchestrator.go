// Package orchestrator ties the response pipeline together:
// ingest -> policy -> (execute | defer) -> notify -> persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/actions"
	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/metrics"
	"github.com/SPRIME01/homelab-infra/internal/model"
	"github.com/SPRIME01/homelab-infra/internal/notify"
	"github.com/SPRIME01/homelab-infra/internal/policy"
	"github.com/SPRIME01/homelab-infra/internal/store"
)

const dryRunResult = "skipped (dry run)"

// Orchestrator is the security incident response pipeline. One instance
// serves a single process invocation; durable workflow state lives entirely
// in the store, so verification can resume in a different process.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	policy   *policy.Engine
	notifier *notify.Dispatcher
	runner   actions.CommandRunner
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates the orchestrator. The runner is the collaborator every action
// variant shells out through; metrics may be nil.
func New(cfg *config.Config, st store.Store, notifier *notify.Dispatcher, runner actions.CommandRunner, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		policy:   policy.NewEngine(cfg, logger),
		notifier: notifier,
		runner:   runner,
		metrics:  m,
		logger:   logger,
	}
}

// PendingAction pairs a pending action with its owning event for operator
// context. Event is nil when the owning event record is unreadable.
type PendingAction struct {
	Action *model.ActionRecord `json:"action"`
	Event  *model.Event        `json:"event,omitempty"`
}

// Submit ingests a security event: validates and persists it, derives the
// candidate actions, executes the auto-approved ones synchronously and defers
// the rest behind the verification gate.
//
// A failed action never aborts its siblings; the event comes back in the
// processed state with every terminal outcome appended to its action log.
func (o *Orchestrator) Submit(ctx context.Context, kind model.EventKind, source string, details map[string]any, severity int) (*model.Event, error) {
	if !o.cfg.RecognizedKinds()[kind] {
		o.metrics.IncEventsRejected()
		return nil, fmt.Errorf("%q: %w", kind, model.ErrUnknownEventKind)
	}

	event := model.NewEvent(kind, source, details, severity)
	if err := o.store.PutEvent(ctx, event); err != nil {
		// No partial event: if the first write failed, nothing exists.
		return nil, err
	}
	o.metrics.IncEvents()
	o.logger.Info("Security event ingested",
		"event_id", event.ID, "kind", event.Kind, "source", event.Source, "severity", event.Severity)

	o.notifier.EventDetected(ctx, event)

	records, err := o.policy.Plan(event)
	if err != nil {
		return nil, fmt.Errorf("derive actions for event %s: %w", event.ID, err)
	}

	for _, rec := range records {
		if rec.RequiresVerification {
			if err := o.store.PutAction(ctx, rec); err != nil {
				return nil, err
			}
			o.metrics.IncActionsDeferred()
			o.logger.Info("Action deferred for verification",
				"action_id", rec.ID, "action_kind", rec.Kind, "event_id", event.ID)
			o.notifier.VerificationRequested(ctx, event, rec)
			continue
		}

		if err := o.beginAction(ctx, rec); err != nil {
			return nil, err
		}
		o.metrics.IncActionsAuto()
		o.runAction(ctx, event, rec)
	}

	return o.store.UpdateEvent(ctx, event.ID, func(ev *model.Event) error {
		ev.Status = model.EventStatusProcessed
		return nil
	})
}

// Verify resolves a pending action by id: approval runs the reconstructed
// action through the same execute-and-terminalize sequence as the auto path;
// rejection moves it straight to the rejected state. A racing verifier loses
// with model.ErrInvalidState and causes no second execution.
func (o *Orchestrator) Verify(ctx context.Context, actionID string, approve bool, actor string) (*model.ActionRecord, error) {
	now := time.Now().UTC()
	next := model.ActionStatusRejected
	if approve {
		next = model.ActionStatusInProgress
	}
	rec, err := o.store.UpdateAction(ctx, actionID, func(a *model.ActionRecord) error {
		if !a.Status.CanTransition(next) {
			return fmt.Errorf("action %s is %s: %w", actionID, a.Status, model.ErrInvalidState)
		}
		a.Status = next
		if approve {
			a.StartedAt = &now
		} else {
			a.Result = "rejected by " + actor
			a.EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	decision := model.VerificationRejected
	if approve {
		decision = model.VerificationApproved
	}
	event, err := o.store.UpdateEvent(ctx, rec.EventID, func(ev *model.Event) error {
		ev.Verification = model.Verification{Status: decision, By: actor, At: &now}
		return nil
	})
	if err != nil {
		// The status transition already won; a failed bookkeeping write must
		// not strand an in_progress action, so the verification proceeds
		// without it.
		o.logger.Warn("Event verification bookkeeping failed",
			"action_id", rec.ID, "event_id", rec.EventID, "error", err)
		event = nil
	}

	o.logger.Info("Action verification received",
		"action_id", rec.ID, "approved", approve, "actor", actor)

	if !approve {
		o.appendActionLog(ctx, rec)
		if event != nil {
			o.notifier.ActionOutcome(ctx, event, rec)
		}
		return rec, nil
	}

	if event == nil {
		event = &model.Event{ID: rec.EventID}
	}
	return o.runAction(ctx, event, rec), nil
}

// ListPending returns every action awaiting human verification, paired with
// its owning event.
func (o *Orchestrator) ListPending(ctx context.Context) ([]PendingAction, error) {
	records, err := o.store.ListPendingActions(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]PendingAction, 0, len(records))
	for _, rec := range records {
		event, err := o.store.GetEvent(ctx, rec.EventID)
		if err != nil {
			o.logger.Warn("Owning event unreadable for pending action",
				"action_id", rec.ID, "event_id", rec.EventID, "error", err)
			event = nil
		}
		pending = append(pending, PendingAction{Action: rec, Event: event})
	}
	return pending, nil
}

// Clean removes events older than maxAge along with actions whose owning
// event no longer exists, returning the number of events removed. Retention
// is maintenance, not part of the response path.
func (o *Orchestrator) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	events, err := o.store.ListEvents(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, event := range events {
		if event.CreatedAt.Before(cutoff) {
			if err := o.store.DeleteEvent(ctx, event.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	records, err := o.store.ListActions(ctx)
	if err != nil {
		return removed, err
	}
	for _, rec := range records {
		if _, err := o.store.GetEvent(ctx, rec.EventID); errors.Is(err, model.ErrNotFound) {
			if err := o.store.DeleteAction(ctx, rec.ID); err != nil {
				return removed, err
			}
		}
	}

	o.logger.Info("Cleaned old records", "events_removed", removed, "cutoff", cutoff)
	return removed, nil
}

// beginAction moves a fresh auto-approved action to in_progress and persists
// it, so an auto action is never observable as pending.
func (o *Orchestrator) beginAction(ctx context.Context, rec *model.ActionRecord) error {
	now := time.Now().UTC()
	rec.Status = model.ActionStatusInProgress
	rec.StartedAt = &now
	return o.store.PutAction(ctx, rec)
}

// runAction executes an in_progress action to its terminal state, persists
// the outcome, appends it to the owning event's action log and notifies.
// Execution failure is recorded on the action, never propagated.
func (o *Orchestrator) runAction(ctx context.Context, event *model.Event, rec *model.ActionRecord) *model.ActionRecord {
	result, err := o.execute(ctx, rec)

	now := time.Now().UTC()
	rec.EndedAt = &now
	if err != nil {
		execErr := &model.ExecutionError{Kind: rec.Kind, Err: err}
		rec.Status = model.ActionStatusFailed
		rec.Error = execErr.Error()
		o.metrics.IncActionsFailed()
		o.logger.Error("Action failed", "action_id", rec.ID, "action_kind", rec.Kind, "error", err)
	} else {
		rec.Status = model.ActionStatusCompleted
		rec.Result = result
		o.logger.Info("Action completed", "action_id", rec.ID, "action_kind", rec.Kind)
	}

	if err := o.store.PutAction(ctx, rec); err != nil {
		o.logger.Error("Failed to persist action outcome", "action_id", rec.ID, "error", err)
	}
	o.appendActionLog(ctx, rec)
	o.notifier.ActionOutcome(ctx, event, rec)
	return rec
}

// execute reconstructs the concrete variant and runs it, or synthesizes the
// dry-run result while leaving the rest of the state machine untouched.
func (o *Orchestrator) execute(ctx context.Context, rec *model.ActionRecord) (string, error) {
	action, err := actions.New(rec, actions.Deps{
		Config: o.cfg,
		Runner: o.runner,
		Logger: o.logger,
	})
	if err != nil {
		return "", err
	}
	if o.cfg.General.DryRun {
		o.logger.Info("Dry run, skipping execution", "action_id", rec.ID, "action_kind", rec.Kind)
		return dryRunResult, nil
	}
	return action.Execute(ctx)
}

// appendActionLog appends the action's terminal outcome to the owning
// event's log under the per-event lock. A missing event is tolerated.
func (o *Orchestrator) appendActionLog(ctx context.Context, rec *model.ActionRecord) {
	_, err := o.store.UpdateEvent(ctx, rec.EventID, func(ev *model.Event) error {
		ev.ActionLog = append(ev.ActionLog, rec.LogEntry())
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		o.logger.Error("Failed to append action log entry",
			"event_id", rec.EventID, "action_id", rec.ID, "error", err)
	}
}
