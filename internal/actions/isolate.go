package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

const isolateTimeout = 5 * time.Minute

// IsolateWorkload moves a potentially compromised container onto an internal
// network with no external connectivity. Evidence (filesystem export and
// logs) is captured before cutting network access, because isolation first
// can destroy forensic value.
type IsolateWorkload struct {
	params model.IsolateWorkloadParams
	cfg    *config.Config
	runner CommandRunner
	logger *slog.Logger
}

func newIsolateWorkload(rec *model.ActionRecord, deps Deps) (Action, error) {
	var params model.IsolateWorkloadParams
	if err := rec.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.WorkloadIdentifier == "" {
		return nil, fmt.Errorf("isolate workload: missing workload identifier")
	}
	return &IsolateWorkload{params: params, cfg: deps.Config, runner: deps.Runner, logger: deps.Logger}, nil
}

// Kind returns the action kind.
func (a *IsolateWorkload) Kind() model.ActionKind { return model.ActionKindIsolateWorkload }

// Execute snapshots the workload, then disconnects it from every network and
// attaches it to the isolation network.
func (a *IsolateWorkload) Execute(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, isolateTimeout)
	defer cancel()

	engine := a.cfg.Workload.Engine
	if engine != "docker" && engine != "podman" {
		return "", fmt.Errorf("unsupported container engine %q", engine)
	}
	workload := a.params.WorkloadIdentifier
	isolationNet := a.cfg.Workload.IsolationNetwork

	a.logger.Info("Isolating workload", "workload", workload, "engine", engine, "network", isolationNet)

	if err := a.ensureIsolationNetwork(ctx, engine, isolationNet); err != nil {
		return "", err
	}

	// Evidence first, isolation second.
	snapshotDir, err := a.captureEvidence(ctx, engine, workload)
	if err != nil {
		return "", err
	}

	if err := a.disconnectAll(ctx, engine, workload); err != nil {
		return "", err
	}
	if _, err := a.runner.Run(ctx, engine, "network", "connect", isolationNet, workload); err != nil {
		return "", fmt.Errorf("connect to isolation network: %w", err)
	}

	return fmt.Sprintf("workload %s isolated to %s network, evidence snapshot in %s",
		workload, isolationNet, snapshotDir), nil
}

func (a *IsolateWorkload) ensureIsolationNetwork(ctx context.Context, engine, name string) error {
	out, err := a.runner.Run(ctx, engine, "network", "ls", "--filter", "name="+name, "--format", "{{.Name}}")
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	if strings.Contains(out, name) {
		return nil
	}
	if _, err := a.runner.Run(ctx, engine, "network", "create", "--internal", name); err != nil {
		return fmt.Errorf("create isolation network: %w", err)
	}
	return nil
}

// captureEvidence exports the workload filesystem and logs into a timestamped
// snapshot directory under the forensics capture dir.
func (a *IsolateWorkload) captureEvidence(ctx context.Context, engine, workload string) (string, error) {
	snapshotDir := filepath.Join(a.cfg.Forensics.CaptureDir,
		fmt.Sprintf("workload-%s-%s", sanitizeName(workload), time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	if _, err := a.runner.Run(ctx, engine, "export", workload,
		"-o", filepath.Join(snapshotDir, "filesystem.tar")); err != nil {
		return "", fmt.Errorf("export workload filesystem: %w", err)
	}

	logs, err := a.runner.Run(ctx, engine, "logs", workload)
	if err != nil {
		// Logs are best-effort evidence; the export already succeeded.
		a.logger.Warn("Failed to capture workload logs", "workload", workload, "error", err)
	} else if err := os.WriteFile(filepath.Join(snapshotDir, "logs.txt"), []byte(logs), 0o644); err != nil {
		a.logger.Warn("Failed to write workload logs", "workload", workload, "error", err)
	}

	return snapshotDir, nil
}

// disconnectAll detaches the workload from every network it is connected to.
func (a *IsolateWorkload) disconnectAll(ctx context.Context, engine, workload string) error {
	out, err := a.runner.Run(ctx, engine, "inspect", "--format",
		"{{json .NetworkSettings.Networks}}", workload)
	if err != nil {
		return fmt.Errorf("inspect workload networks: %w", err)
	}

	var networks map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &networks); err != nil {
		return fmt.Errorf("parse workload networks: %w", err)
	}

	for network := range networks {
		if _, err := a.runner.Run(ctx, engine, "network", "disconnect", "-f", network, workload); err != nil {
			return fmt.Errorf("disconnect from %s: %w", network, err)
		}
	}
	return nil
}
