// Command responder is the operator CLI for the security incident response
// pipeline: submit events, verify deferred actions, list what is pending and
// clean up old records.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/actions"
	"github.com/SPRIME01/homelab-infra/internal/config"
	"github.com/SPRIME01/homelab-infra/internal/model"
	"github.com/SPRIME01/homelab-infra/internal/notify"
	"github.com/SPRIME01/homelab-infra/internal/orchestrator"
	"github.com/SPRIME01/homelab-infra/internal/store"
)

const usage = `Usage: responder [flags] <command>

Commands:
  submit        Submit a security event for response
  verify        Approve or reject a pending action
  list-pending  List actions awaiting verification
  clean         Remove old events and orphaned actions
  test          Run canned response scenarios in dry-run mode

Global flags:
  -config PATH  YAML config file (default $RESPONDER_CONFIG)
  -dry-run      Log actions without executing commands
`

func main() {
	configPath := flag.String("config", os.Getenv("RESPONDER_CONFIG"), "path to YAML config file")
	dryRun := flag.Bool("dry-run", false, "log actions without executing commands")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.General.DryRun = true
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	st, err := store.Open(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer st.Close()

	// The CLI runs without a message bus or metrics registry; the NATS
	// notification channel is simply absent.
	dispatcher := notify.NewDispatcher(cfg, nil, nil, logger)
	orch := orchestrator.New(cfg, st, dispatcher, actions.ExecRunner{}, nil, logger)

	ctx := context.Background()
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var cmdErr error
	switch cmd {
	case "submit":
		cmdErr = runSubmit(ctx, orch, args)
	case "verify":
		cmdErr = runVerify(ctx, orch, args)
	case "list-pending":
		cmdErr = runListPending(ctx, orch)
	case "clean":
		cmdErr = runClean(ctx, orch, args)
	case "test":
		cfg.General.DryRun = true
		cmdErr = runTest(ctx, orch)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "error:", cmdErr)
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	kind := fs.String("kind", "", "event kind")
	source := fs.String("source", "", "originating system")
	severity := fs.Int("severity", 0, "severity 0-100")
	detailsJSON := fs.String("details", "{}", "event details as JSON object")
	fs.Parse(args)

	if *kind == "" || *source == "" {
		return fmt.Errorf("submit: -kind and -source are required")
	}

	var details map[string]any
	if err := json.Unmarshal([]byte(*detailsJSON), &details); err != nil {
		return fmt.Errorf("submit: parse -details: %w", err)
	}

	event, err := orch.Submit(ctx, model.EventKind(*kind), *source, details, *severity)
	if err != nil {
		return err
	}
	return printJSON(event)
}

func runVerify(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	actionID := fs.String("action", "", "action id")
	approve := fs.Bool("approve", false, "approve the action")
	reject := fs.Bool("reject", false, "reject the action")
	actor := fs.String("actor", defaultActor(), "who is verifying")
	fs.Parse(args)

	if *actionID == "" {
		return fmt.Errorf("verify: -action is required")
	}
	if *approve == *reject {
		return fmt.Errorf("verify: exactly one of -approve or -reject is required")
	}

	rec, err := orch.Verify(ctx, *actionID, *approve, *actor)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runListPending(ctx context.Context, orch *orchestrator.Orchestrator) error {
	pending, err := orch.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No actions pending verification.")
		return nil
	}
	for _, p := range pending {
		line := fmt.Sprintf("%s  %-18s  pending", p.Action.ID, p.Action.Kind)
		if p.Event != nil {
			line += fmt.Sprintf("  event=%s kind=%s severity=%d source=%s",
				p.Event.ID, p.Event.Kind, p.Event.Severity, p.Event.Source)
		}
		fmt.Println(line)
	}
	return nil
}

func runClean(ctx context.Context, orch *orchestrator.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	maxAge := fs.Duration("older-than", 30*24*time.Hour, "remove events older than this")
	fs.Parse(args)

	removed, err := orch.Clean(ctx, *maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d events.\n", removed)
	return nil
}

// runTest submits one canned event per major scenario so operators can see
// which actions auto-execute and which stop at the verification gate under
// the current configuration. Dry-run is forced, nothing runs for real.
func runTest(ctx context.Context, orch *orchestrator.Orchestrator) error {
	scenarios := []struct {
		name     string
		kind     model.EventKind
		source   string
		severity int
		details  map[string]any
	}{
		{"external scanner, high severity", model.EventKindSuspiciousSource, "ids",
			85, map[string]any{"source_identifier": "203.0.113.99"}},
		{"external scanner, low severity", model.EventKindSuspiciousSource, "ids",
			30, map[string]any{"source_identifier": "203.0.113.7"}},
		{"trusted range address", model.EventKindSuspiciousSource, "ids",
			95, map[string]any{"source_identifier": "192.168.1.50"}},
		{"compromised workload", model.EventKindCompromisedWorkload, "edr",
			95, map[string]any{"workload_identifier": "webapp-1"}},
		{"critical workload", model.EventKindCompromisedWorkload, "edr",
			95, map[string]any{"workload_identifier": "pihole"}},
		{"credential compromise", model.EventKindCredentialCompromise, "audit",
			60, map[string]any{"credential_type": "api_key", "identifier": "deploy-bot"}},
		{"data exfiltration", model.EventKindDataExfiltration, "netflow",
			80, map[string]any{"destination_identifier": "198.51.100.4"}},
	}

	for _, sc := range scenarios {
		fmt.Printf("--- %s ---\n", sc.name)
		event, err := orch.Submit(ctx, sc.kind, sc.source, sc.details, sc.severity)
		if err != nil {
			return fmt.Errorf("scenario %q: %w", sc.name, err)
		}
		for _, entry := range event.ActionLog {
			fmt.Printf("  %-18s %-10s %s\n", entry.ActionKind, entry.Status, entry.Result)
		}
		pending, err := orch.ListPending(ctx)
		if err != nil {
			return err
		}
		for _, p := range pending {
			if p.Event != nil && p.Event.ID == event.ID {
				fmt.Printf("  %-18s pending    awaiting verification (%s)\n", p.Action.Kind, p.Action.ID)
			}
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
