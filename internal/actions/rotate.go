package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

const rotateTimeout = 2 * time.Minute

// RotateCredential delegates to an external rotation mechanism configured per
// credential type. Newly issued credential material returned by the mechanism
// is stored under the workspace with owner-only permissions before the action
// reports success.
type RotateCredential struct {
	params model.RotateCredentialParams
	cfg    *config.Config
	runner CommandRunner
	logger *slog.Logger
}

func newRotateCredential(rec *model.ActionRecord, deps Deps) (Action, error) {
	var params model.RotateCredentialParams
	if err := rec.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.CredentialType == "" || params.Identifier == "" {
		return nil, fmt.Errorf("rotate credential: missing credential type or identifier")
	}
	return &RotateCredential{params: params, cfg: deps.Config, runner: deps.Runner, logger: deps.Logger}, nil
}

// Kind returns the action kind.
func (a *RotateCredential) Kind() model.ActionKind { return model.ActionKindRotateCredential }

// Execute runs the configured rotation script for the credential type.
func (a *RotateCredential) Execute(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, rotateTimeout)
	defer cancel()

	method, ok := a.cfg.Credentials.Rotations[a.params.CredentialType]
	if !ok || !method.Enabled {
		return "", fmt.Errorf("rotation method %q is not enabled or configured", a.params.CredentialType)
	}
	if method.Script == "" {
		return "", fmt.Errorf("rotation method %q has no script configured", a.params.CredentialType)
	}

	a.logger.Info("Rotating credential",
		"credential_type", a.params.CredentialType, "identifier", a.params.Identifier)

	args := []string{a.params.Identifier}
	if len(a.params.Metadata) > 0 {
		metadataFile, cleanup, err := writeTempJSON("rotation-metadata-*.json", a.params.Metadata)
		if err != nil {
			return "", err
		}
		defer cleanup()
		args = append(args, metadataFile)
	}

	out, err := a.runner.Run(ctx, method.Script, args...)
	if err != nil {
		return "", fmt.Errorf("rotation script: %w", err)
	}

	result := fmt.Sprintf("credentials for %s/%s rotated", a.params.CredentialType, a.params.Identifier)
	if out != "" {
		path, err := a.storeMaterial(out)
		if err != nil {
			return "", err
		}
		result += ", new material stored at " + path
	}
	return result, nil
}

// storeMaterial writes newly issued credential material with 0600 permissions
// under the workspace.
func (a *RotateCredential) storeMaterial(material string) (string, error) {
	dir := filepath.Join(a.cfg.General.WorkspaceDir, "rotated-credentials")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create credentials dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%s.json",
		sanitizeName(a.params.CredentialType), sanitizeName(a.params.Identifier),
		time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, []byte(material), 0o600); err != nil {
		return "", fmt.Errorf("store credential material: %w", err)
	}
	return path, nil
}

// writeTempJSON marshals v into a temp file and returns its path plus a
// cleanup function.
func writeTempJSON(pattern string, v any) (string, func(), error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("marshal temp payload: %w", err)
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
