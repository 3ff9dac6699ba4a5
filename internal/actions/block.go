package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
)

const blockCommandTimeout = 30 * time.Second

// BlockSource temporarily blocks a suspicious network source with the
// configured firewall frontend, scheduling a best-effort reversal once the
// block duration elapses.
type BlockSource struct {
	params model.BlockSourceParams
	cfg    *config.Config
	runner CommandRunner
	logger *slog.Logger
}

func newBlockSource(rec *model.ActionRecord, deps Deps) (Action, error) {
	var params model.BlockSourceParams
	if err := rec.DecodeParams(&params); err != nil {
		return nil, err
	}
	if params.SourceIdentifier == "" {
		return nil, fmt.Errorf("block source: missing source identifier")
	}
	if params.DurationSeconds <= 0 {
		params.DurationSeconds = deps.Config.Network.BlockDurationSeconds
	}
	return &BlockSource{params: params, cfg: deps.Config, runner: deps.Runner, logger: deps.Logger}, nil
}

// Kind returns the action kind.
func (a *BlockSource) Kind() model.ActionKind { return model.ActionKindBlockSource }

// Execute installs the block rule, then hands the reversal to the system
// scheduler. A failed reversal handoff is logged, not fatal: the block stays
// in place and an operator removes it by hand.
func (a *BlockSource) Execute(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, blockCommandTimeout)
	defer cancel()

	blockArgv, unblockCmd, err := a.commands()
	if err != nil {
		return "", err
	}

	a.logger.Info("Blocking source",
		"identifier", a.params.SourceIdentifier,
		"duration_seconds", a.params.DurationSeconds,
		"method", a.cfg.Network.BlockMethod)

	if _, err := a.runner.Run(ctx, blockArgv[0], blockArgv[1:]...); err != nil {
		return "", fmt.Errorf("install block rule: %w", err)
	}

	until := time.Now().Add(time.Duration(a.params.DurationSeconds) * time.Second)
	schedule := fmt.Sprintf("echo %q | at now + %d seconds", unblockCmd, a.params.DurationSeconds)
	if _, err := a.runner.Run(ctx, "sh", "-c", schedule); err != nil {
		a.logger.Warn("Failed to schedule unblock, rule must be removed manually",
			"identifier", a.params.SourceIdentifier, "error", err)
		return fmt.Sprintf("source %s blocked with %s; unblock scheduling failed, remove manually",
			a.params.SourceIdentifier, a.cfg.Network.BlockMethod), nil
	}

	return fmt.Sprintf("source %s blocked with %s until %s",
		a.params.SourceIdentifier, a.cfg.Network.BlockMethod, until.Format(time.RFC3339)), nil
}

// commands builds the block argv and the reversal command line for the
// configured firewall method.
func (a *BlockSource) commands() ([]string, string, error) {
	id := a.params.SourceIdentifier
	switch a.cfg.Network.BlockMethod {
	case "iptables":
		return []string{"sudo", "iptables", "-A", "INPUT", "-s", id, "-j", "DROP"},
			fmt.Sprintf("sudo iptables -D INPUT -s %s -j DROP", id), nil
	case "ufw":
		return []string{"sudo", "ufw", "deny", "from", id, "to", "any"},
			fmt.Sprintf("sudo ufw delete deny from %s to any", id), nil
	case "firewalld":
		rule := fmt.Sprintf("rule family='ipv4' source address='%s' drop", id)
		return []string{"sudo", "firewall-cmd", "--add-rich-rule=" + rule},
			fmt.Sprintf("sudo firewall-cmd --remove-rich-rule=%q", rule), nil
	default:
		return nil, "", fmt.Errorf("unsupported block method %q", a.cfg.Network.BlockMethod)
	}
}
