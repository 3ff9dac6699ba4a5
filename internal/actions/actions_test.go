package actions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

// fakeRunner returns canned outputs keyed by argv substring and records every
// invocation.
type fakeRunner struct {
	calls   []string
	outputs map[string]string
	fail    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for match, err := range f.fail {
		if strings.Contains(call, match) {
			return "", err
		}
	}
	for match, out := range f.outputs {
		if strings.Contains(call, match) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) called(match string) bool {
	for _, call := range f.calls {
		if strings.Contains(call, match) {
			return true
		}
	}
	return false
}

func testDeps(t *testing.T, runner *fakeRunner, mutate func(*config.Config)) Deps {
	t.Helper()
	cfg := config.Default()
	cfg.General.WorkspaceDir = t.TempDir()
	cfg.Forensics.CaptureDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return Deps{
		Config: cfg,
		Runner: runner,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func record(t *testing.T, kind model.ActionKind, params any) *model.ActionRecord {
	t.Helper()
	rec, err := model.NewActionRecord("ev1", kind, params, false)
	require.NoError(t, err)
	return rec
}

func TestNewUnknownKind(t *testing.T) {
	rec := record(t, model.ActionKind("defenestrate"), map[string]any{})
	_, err := New(rec, testDeps(t, &fakeRunner{}, nil))
	assert.Error(t, err)
}

func TestBlockSourceIptables(t *testing.T) {
	runner := &fakeRunner{}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindBlockSource,
		model.BlockSourceParams{SourceIdentifier: "203.0.113.9", DurationSeconds: 600}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result, "203.0.113.9")
	assert.True(t, runner.called("iptables -A INPUT -s 203.0.113.9 -j DROP"))
	assert.True(t, runner.called("at now + 600 seconds"), "reversal must be scheduled")
}

func TestBlockSourceMethods(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"ufw", "ufw deny from 203.0.113.9 to any"},
		{"firewalld", "--add-rich-rule="},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			runner := &fakeRunner{}
			deps := testDeps(t, runner, func(cfg *config.Config) {
				cfg.Network.BlockMethod = tt.method
			})
			action, err := New(record(t, model.ActionKindBlockSource,
				model.BlockSourceParams{SourceIdentifier: "203.0.113.9"}), deps)
			require.NoError(t, err)

			_, err = action.Execute(context.Background())
			require.NoError(t, err)
			assert.True(t, runner.called(tt.want))
		})
	}
}

func TestBlockSourceUnsupportedMethod(t *testing.T) {
	deps := testDeps(t, &fakeRunner{}, func(cfg *config.Config) {
		cfg.Network.BlockMethod = "carrier-pigeon"
	})
	action, err := New(record(t, model.ActionKindBlockSource,
		model.BlockSourceParams{SourceIdentifier: "203.0.113.9"}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	assert.Error(t, err)
}

func TestBlockSourceScheduleFailureIsNotFatal(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"at now": fmt.Errorf("at: not installed")}}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindBlockSource,
		model.BlockSourceParams{SourceIdentifier: "203.0.113.9"}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err, "the block itself succeeded")
	assert.Contains(t, result, "remove manually")
}

func TestBlockSourceMissingIdentifier(t *testing.T) {
	_, err := New(record(t, model.ActionKindBlockSource, model.BlockSourceParams{}),
		testDeps(t, &fakeRunner{}, nil))
	assert.Error(t, err)
}

func TestIsolateWorkload(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"network ls": "",
		"inspect":    `{"bridge":{},"homelab":{}}`,
	}}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindIsolateWorkload,
		model.IsolateWorkloadParams{WorkloadIdentifier: "webapp-1"}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result, "webapp-1")

	assert.True(t, runner.called("network create --internal isolation-network"))
	assert.True(t, runner.called("export webapp-1"), "evidence export must happen")
	assert.True(t, runner.called("network disconnect -f bridge webapp-1"))
	assert.True(t, runner.called("network disconnect -f homelab webapp-1"))
	assert.True(t, runner.called("network connect isolation-network webapp-1"))

	// Evidence must be captured before the workload loses connectivity.
	exportIdx, disconnectIdx := -1, -1
	for i, call := range runner.calls {
		if strings.Contains(call, "export webapp-1") && exportIdx < 0 {
			exportIdx = i
		}
		if strings.Contains(call, "network disconnect") && disconnectIdx < 0 {
			disconnectIdx = i
		}
	}
	require.GreaterOrEqual(t, exportIdx, 0)
	require.GreaterOrEqual(t, disconnectIdx, 0)
	assert.Less(t, exportIdx, disconnectIdx)
}

func TestIsolateWorkloadExistingNetwork(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"network ls": "isolation-network",
		"inspect":    `{}`,
	}}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindIsolateWorkload,
		model.IsolateWorkloadParams{WorkloadIdentifier: "webapp-1"}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, runner.called("network create"))
}

func TestIsolateWorkloadUnsupportedEngine(t *testing.T) {
	deps := testDeps(t, &fakeRunner{}, func(cfg *config.Config) {
		cfg.Workload.Engine = "lxd"
	})
	action, err := New(record(t, model.ActionKindIsolateWorkload,
		model.IsolateWorkloadParams{WorkloadIdentifier: "webapp-1"}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	assert.Error(t, err)
}

func TestRotateCredential(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"rotate-api-key": `{"token":"new-secret"}`,
	}}
	deps := testDeps(t, runner, func(cfg *config.Config) {
		cfg.Credentials.Rotations = map[string]config.RotationMethod{
			"api_key": {Enabled: true, Script: "/usr/local/bin/rotate-api-key"},
		}
	})

	action, err := New(record(t, model.ActionKindRotateCredential,
		model.RotateCredentialParams{CredentialType: "api_key", Identifier: "deploy-bot"}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result, "api_key/deploy-bot rotated")
	assert.True(t, runner.called("rotate-api-key deploy-bot"))

	// New material must land under the workspace with owner-only permissions.
	dir := filepath.Join(deps.Config.General.WorkspaceDir, "rotated-credentials")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "new-secret")
}

func TestRotateCredentialDisabledMethod(t *testing.T) {
	deps := testDeps(t, &fakeRunner{}, func(cfg *config.Config) {
		cfg.Credentials.Rotations = map[string]config.RotationMethod{
			"api_key": {Enabled: false, Script: "/usr/local/bin/rotate-api-key"},
		}
	})
	action, err := New(record(t, model.ActionKindRotateCredential,
		model.RotateCredentialParams{CredentialType: "api_key", Identifier: "x"}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	assert.Error(t, err)
}

func TestCaptureForensicsHostTarget(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"ps auxf": "PID TTY\n1 init",
		"find":    "12345 8 -rw-r--r-- /tmp/evil.sh",
	}}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindCaptureForensics,
		model.CaptureForensicsParams{Target: "203.0.113.9"}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result, "network captured")
	assert.Contains(t, result, "process captured")
	assert.Contains(t, result, "filesystem captured")

	assert.True(t, runner.called("tcpdump"))
	assert.True(t, runner.called("host 203.0.113.9"))

	// The capture dir and the compressed bundle both exist.
	entries, err := os.ReadDir(deps.Config.Forensics.CaptureDir)
	require.NoError(t, err)

	var haveDir, haveBundle bool
	for _, e := range entries {
		if e.IsDir() {
			haveDir = true
			continue
		}
		if strings.HasSuffix(e.Name(), ".tar.zst") {
			haveBundle = true
		}
	}
	assert.True(t, haveDir)
	assert.True(t, haveBundle)
}

func TestCaptureForensicsWorkloadTarget(t *testing.T) {
	runner := &fakeRunner{}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindCaptureForensics,
		model.CaptureForensicsParams{Target: "workload:webapp-1", CaptureSet: []string{"process", "filesystem"}}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, runner.called("docker top webapp-1"))
	assert.True(t, runner.called("docker export"))
	assert.False(t, runner.called("tcpdump"), "network was not in the capture set")
}

func TestCaptureForensicsStepFailureIsRecorded(t *testing.T) {
	runner := &fakeRunner{fail: map[string]error{"ps auxf": fmt.Errorf("ps unavailable")}}
	deps := testDeps(t, runner, nil)

	action, err := New(record(t, model.ActionKindCaptureForensics,
		model.CaptureForensicsParams{Target: "203.0.113.9", CaptureSet: []string{"process"}}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err, "a failed capture step is recorded, not fatal")
	assert.Contains(t, result, "process capture failed")
}

func TestRunPlaybook(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"containment.sh": "contained"}}
	deps := testDeps(t, runner, func(cfg *config.Config) {
		cfg.Playbooks.Dir = "/opt/playbooks"
		cfg.Playbooks.Registry = map[string]string{"containment": "containment.sh"}
	})

	action, err := New(record(t, model.ActionKindRunPlaybook,
		model.RunPlaybookParams{PlaybookName: "containment"}), deps)
	require.NoError(t, err)

	result, err := action.Execute(context.Background())
	require.NoError(t, err)
	assert.Contains(t, result, "contained")
	assert.True(t, runner.called(filepath.Join("/opt/playbooks", "containment.sh")))
	assert.True(t, runner.called("ev1"), "the event id is passed to the playbook")
}

func TestRunPlaybookUnknown(t *testing.T) {
	deps := testDeps(t, &fakeRunner{}, nil)

	action, err := New(record(t, model.ActionKindRunPlaybook,
		model.RunPlaybookParams{PlaybookName: "missing"}), deps)
	require.NoError(t, err)

	_, err = action.Execute(context.Background())
	assert.ErrorIs(t, err, model.ErrUnknownPlaybook)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "203_0_113_9", sanitizeName("203.0.113.9"))
	assert.Equal(t, "workload_webapp-1", sanitizeName("workload:webapp-1"))
	assert.Equal(t, "a_b_c", sanitizeName("a/b c"))
}
