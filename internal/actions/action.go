// Package actions implements the remediation action variants. Each variant is
// polymorphic over a single capability, Execute, and is reconstructed from its
// persisted record through a constructor registry keyed by action kind, so
// verification can run arbitrarily long after creation in a different process.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

// Action is one candidate remediation step. Execute performs the remediation
// and returns a free-text result. Timeouts are the variant's responsibility,
// not the caller's.
type Action interface {
	Kind() model.ActionKind
	Execute(ctx context.Context) (string, error)
}

// CommandRunner abstracts the external remediation mechanisms the variants
// shell out to. Tests substitute a fake; production uses ExecRunner.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host with exec.CommandContext.
type ExecRunner struct{}

// Run executes the command and returns its combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if output != "" {
			return output, fmt.Errorf("%s: %w: %s", name, err, output)
		}
		return output, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}

// Deps carries the collaborators every variant constructor needs.
type Deps struct {
	Config *config.Config
	Runner CommandRunner
	Logger *slog.Logger
}

// Factory reconstructs a concrete action variant from its persisted record.
type Factory func(rec *model.ActionRecord, deps Deps) (Action, error)

// factories is the fixed constructor registry. Dispatch is by the persisted
// kind field, never by dynamic type name.
var factories = map[model.ActionKind]Factory{
	model.ActionKindBlockSource:      newBlockSource,
	model.ActionKindIsolateWorkload:  newIsolateWorkload,
	model.ActionKindRotateCredential: newRotateCredential,
	model.ActionKindCaptureForensics: newCaptureForensics,
	model.ActionKindRunPlaybook:      newRunPlaybook,
}

// New reconstructs the concrete variant for a persisted action record.
func New(rec *model.ActionRecord, deps Deps) (Action, error) {
	factory, ok := factories[rec.Kind]
	if !ok {
		return nil, fmt.Errorf("no factory for action kind %q", rec.Kind)
	}
	return factory(rec, deps)
}
