// Package policy maps a security event to its candidate remediation actions
// and decides, per action, whether human verification is mandatory.
package policy

import (
	"log/slog"
	"net/netip"
	"strings"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

// Engine derives candidate actions from events using a static kind->template
// mapping plus the configured verification gate.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	trusted []netip.Prefix
}

// NewEngine creates a policy engine, pre-parsing the trusted network ranges.
// Unparseable ranges are logged and skipped.
func NewEngine(cfg *config.Config, logger *slog.Logger) *Engine {
	e := &Engine{cfg: cfg, logger: logger}
	for _, r := range cfg.Network.TrustedRanges {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(r))
		if err != nil {
			logger.Warn("Skipping unparseable trusted range", "range", r, "error", err)
			continue
		}
		e.trusted = append(e.trusted, prefix)
	}
	return e
}

// Plan produces the ordered list of candidate action records for an event.
// Ordering is the declaration order of the templates for the event kind.
// Templates whose required detail keys are missing are skipped, never failed;
// an event with no mapped templates yields an empty list.
func (e *Engine) Plan(event *model.Event) ([]*model.ActionRecord, error) {
	var records []*model.ActionRecord

	add := func(kind model.ActionKind, params any, requiresVerification bool) error {
		rec, err := model.NewActionRecord(event.ID, kind, params, requiresVerification)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	}

	addBlock := func(identifier string) error {
		params := model.BlockSourceParams{
			SourceIdentifier: identifier,
			DurationSeconds:  e.cfg.Network.BlockDurationSeconds,
		}
		return add(model.ActionKindBlockSource, params, e.blockRequiresVerification(event, identifier))
	}

	addCapture := func(target string, captureSet []string) error {
		if !e.cfg.Forensics.AutoCapture {
			return nil
		}
		// Forensic capture never waits for approval.
		params := model.CaptureForensicsParams{Target: target, CaptureSet: captureSet}
		return add(model.ActionKindCaptureForensics, params, false)
	}

	addPlaybook := func(name string, parameters map[string]any) error {
		if _, ok := e.cfg.Playbooks.Registry[name]; !ok {
			e.logger.Debug("No playbook registered for event", "playbook", name, "event_id", event.ID)
			return nil
		}
		params := model.RunPlaybookParams{PlaybookName: name, Parameters: parameters}
		return add(model.ActionKindRunPlaybook, params, e.thresholdRequiresVerification(event, model.ActionKindRunPlaybook))
	}

	switch event.Kind {
	case model.EventKindSuspiciousSource:
		if identifier, ok := sourceIdentifier(event); ok {
			if err := addBlock(identifier); err != nil {
				return nil, err
			}
			if err := addCapture(identifier, []string{"network"}); err != nil {
				return nil, err
			}
		}

	case model.EventKindCompromisedWorkload:
		if workload, ok := workloadIdentifier(event); ok {
			params := model.IsolateWorkloadParams{WorkloadIdentifier: workload}
			if err := add(model.ActionKindIsolateWorkload, params, e.isolateRequiresVerification(event, workload)); err != nil {
				return nil, err
			}
			if err := addCapture("workload:"+workload, []string{"network", "process", "filesystem"}); err != nil {
				return nil, err
			}
		}

	case model.EventKindCredentialCompromise:
		credType, okType := event.DetailString("credential_type")
		identifier, okID := event.DetailString("identifier")
		if okType && okID {
			params := model.RotateCredentialParams{
				CredentialType: credType,
				Identifier:     identifier,
				Metadata:       detailMap(event, "metadata"),
			}
			if err := add(model.ActionKindRotateCredential, params, e.thresholdRequiresVerification(event, model.ActionKindRotateCredential)); err != nil {
				return nil, err
			}
		}

	case model.EventKindMalwareDetection:
		if err := addPlaybook("malware_detection", event.Details); err != nil {
			return nil, err
		}
		target, ok := event.DetailString("target")
		if !ok {
			target = event.Source
		}
		if err := addCapture(target, []string{"process", "filesystem"}); err != nil {
			return nil, err
		}

	case model.EventKindUnauthorizedAccess:
		if err := addPlaybook("unauthorized_access", event.Details); err != nil {
			return nil, err
		}
		if identifier, ok := sourceIdentifier(event); ok {
			if err := addBlock(identifier); err != nil {
				return nil, err
			}
		}

	case model.EventKindDataExfiltration:
		if err := addPlaybook("data_exfiltration", event.Details); err != nil {
			return nil, err
		}
		if identifier, ok := event.DetailString("destination_identifier"); ok {
			if err := addBlock(identifier); err != nil {
				return nil, err
			}
		}
	}

	// Any event may suggest a registered playbook through its details.
	if suggested, ok := event.DetailString("suggested_playbook"); ok {
		if err := addPlaybook(suggested, event.Details); err != nil {
			return nil, err
		}
	}

	e.logger.Info("Policy plan computed",
		"event_id", event.ID,
		"event_kind", event.Kind,
		"severity", event.Severity,
		"actions", len(records))

	return records, nil
}

// thresholdRequiresVerification applies the severity comparator for an action
// kind: verification is required when severity <= the configured threshold.
// Higher severity reads as higher confidence that the automated action is
// correct, so it can make an action auto-executable.
func (e *Engine) thresholdRequiresVerification(event *model.Event, kind model.ActionKind) bool {
	return event.Severity <= e.cfg.ThresholdFor(kind)
}

// blockRequiresVerification applies the threshold comparator and then the
// protected-resource override: critical hosts and trusted ranges always
// require verification, regardless of severity. The override only ever moves
// a decision from auto to verify.
func (e *Engine) blockRequiresVerification(event *model.Event, identifier string) bool {
	required := e.thresholdRequiresVerification(event, model.ActionKindBlockSource)

	addr, err := netip.ParseAddr(identifier)
	if err != nil {
		// Unparseable targets always get a human in the loop.
		e.logger.Warn("Block target is not a parseable address, forcing verification",
			"identifier", identifier, "error", err)
		return true
	}

	for _, critical := range e.cfg.Network.CriticalHosts {
		criticalAddr, err := netip.ParseAddr(strings.TrimSpace(critical))
		if err != nil {
			continue
		}
		if addr == criticalAddr {
			return true
		}
	}

	for _, prefix := range e.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}

	return required
}

// isolateRequiresVerification applies the threshold comparator and the
// critical-workload override, which matches protected names as substrings of
// the workload identifier.
func (e *Engine) isolateRequiresVerification(event *model.Event, workload string) bool {
	required := e.thresholdRequiresVerification(event, model.ActionKindIsolateWorkload)

	workloadLower := strings.ToLower(workload)
	for _, critical := range e.cfg.Workload.CriticalWorkloads {
		if critical == "" {
			continue
		}
		if strings.Contains(workloadLower, strings.ToLower(strings.TrimSpace(critical))) {
			return true
		}
	}

	return required
}

// sourceIdentifier resolves the block target for an event, preferring the
// source_identifier key with ip_address as the legacy fallback.
func sourceIdentifier(event *model.Event) (string, bool) {
	if id, ok := event.DetailString("source_identifier"); ok {
		return id, true
	}
	return event.DetailString("ip_address")
}

// workloadIdentifier resolves the isolation target, preferring
// workload_identifier with container_id as the legacy fallback.
func workloadIdentifier(event *model.Event) (string, bool) {
	if id, ok := event.DetailString("workload_identifier"); ok {
		return id, true
	}
	return event.DetailString("container_id")
}

// detailMap extracts a map-valued detail key, or nil.
func detailMap(event *model.Event, key string) map[string]any {
	if v, ok := event.Details[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}
