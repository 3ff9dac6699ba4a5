package actions

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

const playbookTimeout = 10 * time.Minute

// RunPlaybook executes a predefined response playbook from the configured
// registry, passing the action parameters and owning event id to the script.
type RunPlaybook struct {
	params model.RunPlaybookParams
	cfg    *config.Config
	runner CommandRunner
	logger *slog.Logger

	eventID string
}

func newRunPlaybook(rec *model.ActionRecord, deps Deps) (Action, error) {
	var params model.RunPlaybookParams
	if err := rec.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.PlaybookName == "" {
		return nil, fmt.Errorf("run playbook: missing playbook name")
	}
	return &RunPlaybook{
		params:  params,
		cfg:     deps.Config,
		runner:  deps.Runner,
		logger:  deps.Logger,
		eventID: rec.EventID,
	}, nil
}

// Kind returns the action kind.
func (a *RunPlaybook) Kind() model.ActionKind { return model.ActionKindRunPlaybook }

// Execute runs the playbook script. A name absent from the registry fails
// with model.ErrUnknownPlaybook.
func (a *RunPlaybook) Execute(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, playbookTimeout)
	defer cancel()

	script, ok := a.cfg.Playbooks.Registry[a.params.PlaybookName]
	if !ok {
		return "", fmt.Errorf("playbook %q: %w", a.params.PlaybookName, model.ErrUnknownPlaybook)
	}
	scriptPath := script
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(a.cfg.Playbooks.Dir, script)
	}

	a.logger.Info("Executing response playbook",
		"playbook", a.params.PlaybookName, "script", scriptPath, "event_id", a.eventID)

	args := []string{}
	if len(a.params.Parameters) > 0 {
		paramFile, cleanup, err := writeTempJSON("playbook-params-*.json", a.params.Parameters)
		if err != nil {
			return "", err
		}
		defer cleanup()
		args = append(args, paramFile)
	}
	args = append(args, a.eventID)

	out, err := a.runner.Run(ctx, scriptPath, args...)
	if err != nil {
		return "", fmt.Errorf("playbook %s: %w", a.params.PlaybookName, err)
	}

	result := fmt.Sprintf("playbook %s executed", a.params.PlaybookName)
	if out != "" {
		result += ": " + out
	}
	return result, nil
}
