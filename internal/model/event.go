package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes a detected security condition. The recognized set is
// open: deployments extend it through configuration.
type EventKind string

const (
	EventKindSuspiciousSource     EventKind = "suspicious_source"
	EventKindCompromisedWorkload  EventKind = "compromised_workload"
	EventKindCredentialCompromise EventKind = "credential_compromise"
	EventKindMalwareDetection     EventKind = "malware_detection"
	EventKindUnauthorizedAccess   EventKind = "unauthorized_access"
	EventKindDataExfiltration     EventKind = "data_exfiltration"
)

// BuiltinEventKinds returns the event kinds recognized without extra configuration.
func BuiltinEventKinds() []EventKind {
	return []EventKind{
		EventKindSuspiciousSource,
		EventKindCompromisedWorkload,
		EventKindCredentialCompromise,
		EventKindMalwareDetection,
		EventKindUnauthorizedAccess,
		EventKindDataExfiltration,
	}
}

// EventStatus defines the lifecycle state of an event.
type EventStatus string

const (
	EventStatusNew       EventStatus = "new"
	EventStatusProcessed EventStatus = "processed"
)

// VerificationStatus defines the human-verification state tracked on events
// and actions.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Verification records who decided a pending verification and when. It is kept
// on the Event for audit convenience; the authoritative decision lives on the
// individual action record.
type Verification struct {
	Status VerificationStatus `json:"status"`
	By     string             `json:"by,omitempty"`
	At     *time.Time         `json:"at,omitempty"`
}

// ActionLogEntry is one append-only entry in an event's action log, written
// whenever a derived action reaches a terminal state.
type ActionLogEntry struct {
	ActionID   string       `json:"action_id"`
	ActionKind ActionKind   `json:"action_kind"`
	Status     ActionStatus `json:"status"`
	Result     string       `json:"result,omitempty"`
}

// Event is a single detected security condition requiring a decision. The
// descriptive fields are immutable after creation; Status, ActionLog and
// Verification are workflow state.
//
// Severity is 0-100 and reads as "confidence/urgency that the automated
// response is correct", not "how bad the incident is": per-action thresholds
// compare severity <= threshold to require verification, so a HIGHER severity
// can make an action auto-executable.
type Event struct {
	ID           string             `json:"id"`
	Kind         EventKind          `json:"kind"`
	Source       string             `json:"source"`
	Details      map[string]any     `json:"details"`
	Severity     int                `json:"severity"`
	CreatedAt    time.Time          `json:"created_at"`
	Status       EventStatus        `json:"status"`
	ActionLog    []ActionLogEntry   `json:"action_log"`
	Verification Verification       `json:"verification"`
}

// NewEvent creates an event with a fresh id, clamping severity into [0,100].
func NewEvent(kind EventKind, source string, details map[string]any, severity int) *Event {
	if severity < 0 {
		severity = 0
	}
	if severity > 100 {
		severity = 100
	}
	if details == nil {
		details = map[string]any{}
	}
	return &Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		Source:       source,
		Details:      details,
		Severity:     severity,
		CreatedAt:    time.Now().UTC(),
		Status:       EventStatusNew,
		ActionLog:    []ActionLogEntry{},
		Verification: Verification{Status: VerificationPending},
	}
}

// DetailString extracts a string-valued detail key, reporting whether it was
// present and non-empty.
func (e *Event) DetailString(key string) (string, bool) {
	v, ok := e.Details[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
