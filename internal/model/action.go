package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies a remediation action variant. The set is fixed but
// extensible: reconstructing a persisted action dispatches on this value
// through the action registry.
type ActionKind string

const (
	ActionKindBlockSource      ActionKind = "block_source"
	ActionKindIsolateWorkload  ActionKind = "isolate_workload"
	ActionKindRotateCredential ActionKind = "rotate_credential"
	ActionKindCaptureForensics ActionKind = "capture_forensics"
	ActionKindRunPlaybook      ActionKind = "run_playbook"
)

// ActionStatus is the state-machine tag for an action. Valid transitions:
//
//	pending -> in_progress -> completed | failed
//	pending -> rejected
//
// Terminal states (completed, failed, rejected) admit no further transitions.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusInProgress ActionStatus = "in_progress"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusFailed     ActionStatus = "failed"
	ActionStatusRejected   ActionStatus = "rejected"
)

// Terminal reports whether no further status transition is allowed.
func (s ActionStatus) Terminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed || s == ActionStatusRejected
}

// CanTransition reports whether moving to next is a legal state-machine step.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case ActionStatusPending:
		return next == ActionStatusInProgress || next == ActionStatusRejected
	case ActionStatusInProgress:
		return next == ActionStatusCompleted || next == ActionStatusFailed
	default:
		return false
	}
}

// ActionRecord is the persisted form of a remediation action. Params is the
// variant-specific parameter struct, stored as raw JSON so the record can be
// reconstructed into its concrete variant in a later process.
type ActionRecord struct {
	ID                   string          `json:"id"`
	EventID              string          `json:"event_id"`
	Kind                 ActionKind      `json:"kind"`
	Params               json.RawMessage `json:"params"`
	RequiresVerification bool            `json:"requires_verification"`
	Status               ActionStatus    `json:"status"`
	Result               string          `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            *time.Time      `json:"started_at,omitempty"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
}

// NewActionRecord creates a pending action record for an event, marshaling the
// typed parameter struct into the record.
func NewActionRecord(eventID string, kind ActionKind, params any, requiresVerification bool) (*ActionRecord, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", kind, err)
	}
	return &ActionRecord{
		ID:                   uuid.NewString(),
		EventID:              eventID,
		Kind:                 kind,
		Params:               raw,
		RequiresVerification: requiresVerification,
		Status:               ActionStatusPending,
		CreatedAt:            time.Now().UTC(),
	}, nil
}

// DecodeParams unmarshals the record's raw parameters into the variant's
// typed parameter struct.
func (a *ActionRecord) DecodeParams(into any) error {
	if err := json.Unmarshal(a.Params, into); err != nil {
		return fmt.Errorf("decode %s params for action %s: %w", a.Kind, a.ID, err)
	}
	return nil
}

// LogEntry builds the event action-log entry for the record's current state.
func (a *ActionRecord) LogEntry() ActionLogEntry {
	result := a.Result
	if a.Status == ActionStatusFailed {
		result = a.Error
	}
	return ActionLogEntry{
		ActionID:   a.ID,
		ActionKind: a.Kind,
		Status:     a.Status,
		Result:     result,
	}
}

// BlockSourceParams are the inputs for a BlockSource action.
type BlockSourceParams struct {
	SourceIdentifier string `json:"source_identifier"`
	DurationSeconds  int    `json:"duration_seconds"`
}

// IsolateWorkloadParams are the inputs for an IsolateWorkload action.
type IsolateWorkloadParams struct {
	WorkloadIdentifier string `json:"workload_identifier"`
}

// RotateCredentialParams are the inputs for a RotateCredential action.
type RotateCredentialParams struct {
	CredentialType string         `json:"credential_type"`
	Identifier     string         `json:"identifier"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CaptureForensicsParams are the inputs for a CaptureForensics action.
type CaptureForensicsParams struct {
	Target     string   `json:"target"`
	CaptureSet []string `json:"capture_set,omitempty"`
}

// RunPlaybookParams are the inputs for a RunPlaybook action.
type RunPlaybookParams struct {
	PlaybookName string         `json:"playbook_name"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}
